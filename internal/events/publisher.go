// Package events publishes delivery lifecycle transitions to an SNS topic so
// downstream consumers (webhooks, warehousing, audit) can follow along.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
)

// TransitionEvent is the wire shape of one status change.
type TransitionEvent struct {
	DeliveryID     string    `json:"delivery_id"`
	NotificationID string    `json:"notification_id"`
	RecipientID    string    `json:"recipient_id"`
	Channel        string    `json:"channel"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Attempt        int       `json:"attempt"`
	ErrorCode      string    `json:"error_code,omitempty"`
	IsTest         bool      `json:"is_test"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher fans delivery transitions out to an SNS topic. Publishing is best
// effort and never blocks a transition: failures are logged and dropped.
type Publisher struct {
	client   *sns.Client
	topicARN string
	logger   *zap.Logger
}

// NewPublisher creates an SNS-backed transition publisher.
func NewPublisher(ctx context.Context, topicARN, region string, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &Publisher{
		client:   sns.NewFromConfig(awsCfg),
		topicARN: topicARN,
		logger:   logger,
	}, nil
}

// PublishTransition publishes one applied status change. Implements the
// tracker's EventPublisher.
func (p *Publisher) PublishTransition(ctx context.Context, rec *db.DeliveryRecord, previous string) {
	event := TransitionEvent{
		DeliveryID:     rec.ID.String(),
		NotificationID: rec.NotificationID.String(),
		RecipientID:    rec.RecipientID.String(),
		Channel:        rec.Channel,
		From:           previous,
		To:             rec.Status,
		Attempt:        rec.Attempt,
		IsTest:         rec.IsTest,
		OccurredAt:     time.Now().UTC(),
	}
	if rec.ErrorCode != nil {
		event.ErrorCode = *rec.ErrorCode
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal transition event", zap.Error(err))
		return
	}

	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.Status),
			},
			"channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.Channel),
			},
		},
	})
	if err != nil {
		p.logger.Warn("failed to publish transition event",
			zap.String("delivery_id", rec.ID.String()),
			zap.String("to", rec.Status),
			zap.Error(err),
		)
	}
}
