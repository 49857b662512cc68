package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
)

// SESSender delivers email records via AWS SES.
type SESSender struct {
	client   *ses.Client
	contacts Contacts
	from     string
	logger   *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

// NewSESSender creates an email sender backed by SES. contacts resolves the
// recipient's address at send time.
func NewSESSender(ctx context.Context, cfg SESConfig, contacts Contacts, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client:   ses.NewFromConfig(awsCfg),
		contacts: contacts,
		from:     cfg.FromEmail,
		logger:   logger,
	}, nil
}

// Send delivers one email record. A missing address is permanent; SES API
// failures are left to Classify.
func (s *SESSender) Send(ctx context.Context, rec *db.DeliveryRecord) error {
	if rec.Channel != db.ChannelEmail {
		return Permanent("wrong_channel", fmt.Errorf("SES sender only supports email, got: %s", rec.Channel))
	}

	person, err := s.contacts.ByID(ctx, rec.RecipientID)
	if err != nil {
		return Permanent("unknown_recipient", fmt.Errorf("resolve recipient %s: %w", rec.RecipientID, err))
	}
	if person.Email == "" {
		return Permanent("no_email", fmt.Errorf("recipient %s has no email address", rec.RecipientID))
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{person.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(rec.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(rec.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return Transient("ses_error", fmt.Errorf("ses send failed: %w", err))
	}

	s.logger.Info("email sent via SES",
		zap.String("id", rec.ID.String()),
		zap.String("to", person.Email),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// SupportsChannel checks if this sender supports the email channel.
func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
