package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/dispatch"
)

// Config holds SQS configuration for the ingest feed and the mirror queue.
type Config struct {
	Region    string
	IngestURL string
	MirrorURL string
}

// Message is the submission payload carried over SQS. It mirrors the fields
// an API caller would post; everything else is assigned at accept time.
type Message struct {
	Type        string            `json:"type"`
	Category    string            `json:"category,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	TemplateKey *string           `json:"template_key,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Channel     *string           `json:"channel,omitempty"`
	Target      db.TargetSpec     `json:"target"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	Navigation  *db.Navigation    `json:"navigation,omitempty"`
	SubmittedAt int64             `json:"submitted_at"`
}

// Request converts the wire payload into a request ready for submission.
func (m *Message) Request() *db.NotificationRequest {
	return &db.NotificationRequest{
		Type:        m.Type,
		Category:    m.Category,
		Priority:    m.Priority,
		Title:       m.Title,
		Message:     m.Message,
		TemplateKey: m.TemplateKey,
		Variables:   m.Variables,
		Channel:     m.Channel,
		Target:      m.Target,
		ScheduledAt: m.ScheduledAt,
		Navigation:  m.Navigation,
	}
}

// Submitter accepts a request into the dispatch pipeline.
type Submitter interface {
	Create(ctx context.Context, req *db.NotificationRequest) (*db.NotificationRequest, error)
}

// Consumer reads submissions from the ingest queue and feeds them to the
// dispatcher.
type Consumer struct {
	client    *sqs.Client
	queueURL  string
	submitter Submitter
	logger    *zap.Logger
}

// NewConsumer creates a new ingest consumer.
func NewConsumer(ctx context.Context, cfg Config, submitter Submitter, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs ingest consumer initialized",
		zap.String("queue_url", cfg.IngestURL),
	)

	return &Consumer{
		client:    client,
		queueURL:  cfg.IngestURL,
		submitter: submitter,
		logger:    logger,
	}, nil
}

// ReceiveMessage retrieves a submission from the queue with long polling.
// A nil message with nil error means the poll timed out empty.
func (c *Consumer) ReceiveMessage(ctx context.Context) (*Message, string, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	msgData := result.Messages[0]

	var msg Message
	if err := json.Unmarshal([]byte(*msgData.Body), &msg); err != nil {
		c.logger.Error("failed to unmarshal message", zap.Error(err))
		return nil, *msgData.ReceiptHandle, fmt.Errorf("invalid message format: %w", err)
	}

	return &msg, *msgData.ReceiptHandle, nil
}

// DeleteMessage removes a message from the queue after processing.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	_, err := c.client.DeleteMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// Run polls the ingest queue until the context is cancelled. Malformed and
// invalid submissions are deleted so they cannot poison the queue; transient
// submission failures leave the message for redelivery.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		msg, handle, err := c.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if handle != "" {
				// Unparseable body: redelivery cannot fix it.
				if delErr := c.DeleteMessage(ctx, handle); delErr != nil {
					c.logger.Warn("failed to delete malformed message", zap.Error(delErr))
				}
				continue
			}
			c.logger.Warn("ingest receive failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		req, err := c.submitter.Create(ctx, msg.Request())
		switch {
		case err == nil:
			c.logger.Info("ingested request",
				zap.String("request_id", req.ID.String()),
				zap.String("type", req.Type),
			)
		case errors.Is(err, dispatch.ErrValidation):
			c.logger.Warn("rejected ingested request",
				zap.String("type", msg.Type),
				zap.Error(err),
			)
		default:
			c.logger.Error("ingest submission failed", zap.Error(err))
			continue
		}

		if err := c.DeleteMessage(ctx, handle); err != nil {
			c.logger.Warn("failed to delete processed message", zap.Error(err))
		}
	}
}

// Close closes the SQS consumer.
func (c *Consumer) Close() {
	// AWS SDK v2 clients don't require explicit Close()
}

// Producer mirrors accepted requests onto a downstream queue so other
// systems can observe submissions.
type Producer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new mirror producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs mirror producer initialized",
		zap.String("queue_url", cfg.MirrorURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.MirrorURL,
		logger:   logger,
	}, nil
}

// Mirror publishes an accepted request. Failures are logged and dropped;
// mirroring never blocks the dispatch path.
func (p *Producer) Mirror(ctx context.Context, req *db.NotificationRequest) {
	body, err := json.Marshal(req)
	if err != nil {
		p.logger.Warn("failed to marshal mirror message", zap.Error(err))
		return
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		p.logger.Warn("failed to mirror request",
			zap.Error(err),
			zap.String("request_id", req.ID.String()),
		)
	}
}

// Close closes the SQS producer.
func (p *Producer) Close() {
	// AWS SDK v2 clients don't require explicit Close()
}
