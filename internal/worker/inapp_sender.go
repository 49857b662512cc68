package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
)

// InAppSender handles the store-backed channels. The delivery record itself
// is the in-app message: once it exists, the inbox and banner endpoints can
// serve it, so sending is complete the moment the attempt runs.
type InAppSender struct {
	logger *zap.Logger
}

func NewInAppSender(logger *zap.Logger) *InAppSender {
	return &InAppSender{logger: logger}
}

func (s *InAppSender) Send(_ context.Context, rec *db.DeliveryRecord) error {
	s.logger.Debug("in-app delivery available",
		zap.String("id", rec.ID.String()),
		zap.String("channel", rec.Channel),
		zap.String("recipient_id", rec.RecipientID.String()),
	)
	return nil
}

func (s *InAppSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelInApp || channel == db.ChannelBanner
}
