// Package worker holds the channel senders: one implementation per delivery
// medium behind a single Sender interface.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/targeting"
)

// Sender is the unified interface for all delivery channels.
// Implementations: email (SES), sms/push (SNS), in-app and banner (store-backed).
type Sender interface {
	Send(ctx context.Context, rec *db.DeliveryRecord) error
	SupportsChannel(channel string) bool
}

// Contacts resolves a recipient's addressable endpoints at send time.
type Contacts interface {
	ByID(ctx context.Context, id uuid.UUID) (*targeting.Recipient, error)
}

// SendError carries a provider error code and whether a retry can help.
type SendError struct {
	Code        string
	Recoverable bool
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Permanent wraps an error that retrying can never fix, such as a missing
// address or an invalid payload.
func Permanent(code string, err error) error {
	return &SendError{Code: code, Recoverable: false, Err: err}
}

// Transient wraps an error worth retrying.
func Transient(code string, err error) error {
	return &SendError{Code: code, Recoverable: true, Err: err}
}

// Classify extracts the error code and retryability of a send failure.
// Unclassified errors count as transient; at-least-once delivery prefers a
// wasted retry over a silently dropped notification.
func Classify(err error) (code string, recoverable bool) {
	var se *SendError
	if errors.As(err, &se) {
		return se.Code, se.Recoverable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", true
	}
	return "send_error", true
}

// MultiSender routes each record to the sender that handles its channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over the given senders. First match wins.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{senders: senders, logger: logger}
}

func (m *MultiSender) Send(ctx context.Context, rec *db.DeliveryRecord) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(rec.Channel) {
			m.logger.Debug("routing delivery to sender",
				zap.String("channel", rec.Channel),
				zap.String("delivery_id", rec.ID.String()),
			)
			return sender.Send(ctx, rec)
		}
	}
	return Permanent("no_sender", fmt.Errorf("no sender for channel %s", rec.Channel))
}

func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs instead of delivering. Used in development mode for every
// external channel.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, rec *db.DeliveryRecord) error {
	s.logger.Info("delivery logged (development mode)",
		zap.String("id", rec.ID.String()),
		zap.String("channel", rec.Channel),
		zap.String("recipient_id", rec.RecipientID.String()),
		zap.String("title", rec.Title),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail || channel == db.ChannelSMS || channel == db.ChannelPush
}
