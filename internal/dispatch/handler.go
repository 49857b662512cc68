package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/queue"
	"github.com/beaconhq/beacon/internal/tracker"
	"github.com/beaconhq/beacon/internal/worker"
)

// HandleJob processes one delivery attempt from the queues. It is the queue
// service's handler: claim the record, send, and record the outcome through
// the tracker.
func (s *Service) HandleJob(ctx context.Context, job queue.Job) error {
	rec, err := s.tracker.BeginAttempt(ctx, job.DeliveryID)
	if err != nil {
		// A cancelled or already-claimed record means this job raced a
		// cancellation or a duplicate enqueue. Drop it without counting a
		// failure.
		if errors.Is(err, tracker.ErrInvalidTransition) {
			s.logger.Debug("dropping stale job",
				zap.String("delivery_id", job.DeliveryID.String()),
				zap.Error(err),
			)
			return nil
		}
		return err
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, rec.Channel)
		if err != nil {
			s.logger.Warn("rate limiter unavailable, sending anyway", zap.Error(err))
		} else if !allowed {
			// Over the provider budget: back off and requeue.
			_, retryAt, err := s.tracker.FailAttempt(ctx, rec.ID, db.StatusFailed, "rate_limited", "provider rate limit reached", true)
			if err != nil {
				return err
			}
			if retryAt != nil {
				s.queues.EnqueueRetry(queue.Job{
					DeliveryID: rec.ID,
					RequestID:  rec.NotificationID,
					Attempt:    rec.Attempt,
					DueAt:      *retryAt,
				})
			}
			return nil
		}
	}

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	sendErr := s.sender.Send(sendCtx, rec)
	cancel()

	if sendErr == nil {
		if _, err := s.tracker.CompleteAttempt(ctx, rec.ID); err != nil {
			return err
		}
		// Store-backed channels are delivered the moment they are sent.
		if rec.Channel == db.ChannelInApp || rec.Channel == db.ChannelBanner {
			if _, err := s.tracker.MarkDelivered(ctx, rec.ID); err != nil {
				return err
			}
		}
		if s.metrics != nil {
			s.metrics.RecordSendResult(rec.Channel, "sent", time.Since(start).Seconds())
		}
		return nil
	}

	code, recoverable := worker.Classify(sendErr)
	status := failureStatus(code)

	_, retryAt, err := s.tracker.FailAttempt(ctx, rec.ID, status, code, sendErr.Error(), recoverable)
	if err != nil {
		return err
	}
	if retryAt != nil {
		s.queues.EnqueueRetry(queue.Job{
			DeliveryID: rec.ID,
			RequestID:  rec.NotificationID,
			Attempt:    rec.Attempt,
			DueAt:      *retryAt,
		})
		if s.metrics != nil {
			s.metrics.RecordSendResult(rec.Channel, "retried", time.Since(start).Seconds())
		}
		return nil
	}

	if s.metrics != nil {
		s.metrics.RecordSendResult(rec.Channel, status, time.Since(start).Seconds())
	}
	return sendErr
}

// failureStatus maps a provider error code to its terminal failure variant.
func failureStatus(code string) string {
	switch code {
	case "no_email", "no_phone", "no_device", "unknown_recipient":
		return db.StatusRejected
	case "bounce", "hard_bounce":
		return db.StatusBounced
	default:
		return db.StatusFailed
	}
}
