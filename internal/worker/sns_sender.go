package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
)

// SMSSender delivers sms records via AWS SNS direct publish.
type SMSSender struct {
	client   *sns.Client
	contacts Contacts
	logger   *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSMSSender creates an SMS sender backed by SNS.
func NewSMSSender(ctx context.Context, cfg SNSConfig, contacts Contacts, logger *zap.Logger) (*SMSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return &SMSSender{
		client:   sns.NewFromConfig(awsCfg),
		contacts: contacts,
		logger:   logger,
	}, nil
}

// Send delivers one SMS record to the recipient's phone number.
func (s *SMSSender) Send(ctx context.Context, rec *db.DeliveryRecord) error {
	if rec.Channel != db.ChannelSMS {
		return Permanent("wrong_channel", fmt.Errorf("SMS sender only supports sms, got: %s", rec.Channel))
	}

	person, err := s.contacts.ByID(ctx, rec.RecipientID)
	if err != nil {
		return Permanent("unknown_recipient", fmt.Errorf("resolve recipient %s: %w", rec.RecipientID, err))
	}
	if person.Phone == "" {
		return Permanent("no_phone", fmt.Errorf("recipient %s has no phone number", rec.RecipientID))
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(person.Phone),
		Message:     aws.String(rec.Body),
	})
	if err != nil {
		return Transient("sns_error", fmt.Errorf("sns publish failed: %w", err))
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("id", rec.ID.String()),
		zap.String("phone_number", person.Phone),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// SupportsChannel checks if this sender supports the SMS channel.
func (s *SMSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}

// PushSender delivers push records by publishing to the device's SNS platform
// endpoint. The endpoint ARN is resolved from the recipient directory at send
// time and stamped onto the record for the delivery log.
type PushSender struct {
	client   *sns.Client
	contacts Contacts
	logger   *zap.Logger
}

// NewPushSender creates a push sender backed by SNS platform endpoints.
func NewPushSender(ctx context.Context, cfg SNSConfig, contacts Contacts, logger *zap.Logger) (*PushSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return &PushSender{
		client:   sns.NewFromConfig(awsCfg),
		contacts: contacts,
		logger:   logger,
	}, nil
}

// Send delivers one push record. A recipient without a registered device is
// permanent: the device must re-register before a retry could succeed.
func (p *PushSender) Send(ctx context.Context, rec *db.DeliveryRecord) error {
	if rec.Channel != db.ChannelPush {
		return Permanent("wrong_channel", fmt.Errorf("push sender only supports push, got: %s", rec.Channel))
	}

	if rec.DeviceToken == nil || *rec.DeviceToken == "" {
		person, err := p.contacts.ByID(ctx, rec.RecipientID)
		if err != nil {
			return Permanent("unknown_recipient", fmt.Errorf("resolve recipient %s: %w", rec.RecipientID, err))
		}
		if person.DeviceToken == "" {
			return Permanent("no_device", fmt.Errorf("recipient %s has no device endpoint", rec.RecipientID))
		}
		token, platform := person.DeviceToken, person.Platform
		rec.DeviceToken = &token
		rec.Platform = &platform
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TargetArn: rec.DeviceToken,
		Subject:   aws.String(rec.Title),
		Message:   aws.String(rec.Body),
	})
	if err != nil {
		return Transient("sns_error", fmt.Errorf("sns publish failed: %w", err))
	}

	p.logger.Info("push sent via SNS",
		zap.String("id", rec.ID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// SupportsChannel checks if this sender supports the push channel.
func (p *PushSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelPush
}
