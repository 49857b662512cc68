package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
)

// Sender mirrors the worker.Sender interface to avoid a circular import.
type Sender interface {
	Send(ctx context.Context, rec *db.DeliveryRecord) error
	SupportsChannel(channel string) bool
}

// ProtectedSender wraps a channel sender with a CircuitBreaker. When the
// provider starts failing, requests fail fast instead of piling up behind a
// dead service.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts a delivery through the breaker. An open circuit returns
// ErrCircuitOpen immediately; the attempt counts as recoverable and retries
// through the normal backoff path.
func (p *ProtectedSender) Send(ctx context.Context, rec *db.DeliveryRecord) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("delivery_id", rec.ID.String()),
			zap.String("channel", rec.Channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, rec)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker exposes the underlying breaker for the health endpoint.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
