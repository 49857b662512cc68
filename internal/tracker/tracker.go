// Package tracker owns the delivery record state machine. Every status change
// in the system flows through here: attempt outcomes from the workers and
// interaction events from the channels both land on the same guarded
// transition path.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/queue"
)

var (
	// ErrInvalidTransition is returned for a backward move or any change out
	// of a terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownStatus is returned for a status outside the state machine.
	ErrUnknownStatus = errors.New("unknown delivery status")

	// ErrNotClicked is returned when a conversion arrives for a record that
	// was never clicked.
	ErrNotClicked = errors.New("conversion requires a prior click")
)

// Store is the repository surface the tracker needs.
type Store interface {
	GetDelivery(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error)
	ApplyDelivery(ctx context.Context, rec *db.DeliveryRecord) error
	RefreshBatch(ctx context.Context, id uuid.UUID) (*db.Batch, error)
}

// EventPublisher receives every applied transition. Implementations must not
// block the dispatch path.
type EventPublisher interface {
	PublishTransition(ctx context.Context, rec *db.DeliveryRecord, previous string)
}

// Config tunes retry behavior for failed attempts.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Tracker applies guarded transitions to delivery records.
type Tracker struct {
	store  Store
	events EventPublisher
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a tracker. events may be nil.
func New(store Store, events EventPublisher, cfg Config, logger *zap.Logger) *Tracker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Minute
	}
	return &Tracker{
		store:  store,
		events: events,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// mutate loads the record, applies fn, and writes it back under its version
// guard. A lost race re-reads and retries; fn returning changed=false is the
// idempotent no-op path and skips the write entirely.
func (t *Tracker) mutate(ctx context.Context, id uuid.UUID, fn func(rec *db.DeliveryRecord) (bool, error)) (*db.DeliveryRecord, error) {
	const maxRetries = 3

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		rec, err := t.store.GetDelivery(ctx, id)
		if err != nil {
			return nil, err
		}

		previous := rec.Status
		changed, err := fn(rec)
		if err != nil {
			return nil, err
		}
		if !changed {
			return rec, nil
		}

		if err := t.store.ApplyDelivery(ctx, rec); err != nil {
			if errors.Is(err, db.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}

		t.afterApply(ctx, rec, previous)
		return rec, nil
	}
	return nil, fmt.Errorf("delivery %s: transition retries exhausted: %w", id, lastErr)
}

func (t *Tracker) afterApply(ctx context.Context, rec *db.DeliveryRecord, previous string) {
	if !rec.IsTest {
		if _, err := t.store.RefreshBatch(ctx, rec.BatchID); err != nil {
			t.logger.Warn("batch refresh failed",
				zap.String("batch_id", rec.BatchID.String()),
				zap.Error(err),
			)
		}
	}
	if t.events != nil {
		t.events.PublishTransition(ctx, rec, previous)
	}
	t.logger.Debug("delivery transition",
		zap.String("delivery_id", rec.ID.String()),
		zap.String("from", previous),
		zap.String("to", rec.Status),
	)
}

// Transition moves a record to the given status. A repeat of the current
// status is a no-op; a backward move or a move out of a terminal status is
// rejected.
func (t *Tracker) Transition(ctx context.Context, id uuid.UUID, status string) (*db.DeliveryRecord, error) {
	if db.StatusRank(status) < 0 {
		return nil, fmt.Errorf("%q: %w", status, ErrUnknownStatus)
	}

	return t.mutate(ctx, id, func(rec *db.DeliveryRecord) (bool, error) {
		if rec.Status == status {
			return false, nil
		}
		if db.TerminalStatus(rec.Status) {
			return false, fmt.Errorf("%s is terminal: %w", rec.Status, ErrInvalidTransition)
		}
		if db.StatusRank(status) < db.StatusRank(rec.Status) {
			return false, fmt.Errorf("%s -> %s: %w", rec.Status, status, ErrInvalidTransition)
		}
		t.advance(rec, status)
		return true, nil
	})
}

// advance sets the status and stamps every happy-path timestamp the move
// crosses, so a skip such as sent -> read still records delivered_at.
func (t *Tracker) advance(rec *db.DeliveryRecord, status string) {
	now := t.now()
	rec.Status = status

	if db.FailureStatus(status) {
		rec.FailedAt = &now
		return
	}
	if status == db.StatusCancelled {
		return
	}

	rank := db.StatusRank(status)
	if rank >= db.StatusRank(db.StatusSent) && rec.SentAt == nil {
		rec.SentAt = &now
	}
	if rank >= db.StatusRank(db.StatusDelivered) && rec.DeliveredAt == nil {
		rec.DeliveredAt = &now
	}
	if rank >= db.StatusRank(db.StatusRead) && rec.ReadAt == nil {
		rec.ReadAt = &now
	}
	if status == db.StatusClicked && rec.ClickedAt == nil {
		rec.ClickedAt = &now
	}
}

// BeginAttempt moves a queued record to sending and counts the attempt.
func (t *Tracker) BeginAttempt(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error) {
	return t.mutate(ctx, id, func(rec *db.DeliveryRecord) (bool, error) {
		if rec.Status == db.StatusCancelled {
			return false, fmt.Errorf("%s is cancelled: %w", rec.ID, ErrInvalidTransition)
		}
		if rec.Status != db.StatusPending && rec.Status != db.StatusQueued {
			return false, fmt.Errorf("%s -> sending: %w", rec.Status, ErrInvalidTransition)
		}
		rec.Status = db.StatusSending
		rec.Attempt++
		rec.NextRetryAt = nil
		return true, nil
	})
}

// CompleteAttempt marks a sending record sent.
func (t *Tracker) CompleteAttempt(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error) {
	return t.Transition(ctx, id, db.StatusSent)
}

// FailAttempt records an attempt failure. A recoverable failure with attempts
// remaining goes back to queued with a backoff-spaced retry time, returned so
// the caller can requeue the job. Anything else lands on the given failure
// status for good.
func (t *Tracker) FailAttempt(ctx context.Context, id uuid.UUID, status, code, message string, recoverable bool) (*db.DeliveryRecord, *time.Time, error) {
	if !db.FailureStatus(status) {
		return nil, nil, fmt.Errorf("%q is not a failure status: %w", status, ErrUnknownStatus)
	}

	var retryAt *time.Time
	rec, err := t.mutate(ctx, id, func(rec *db.DeliveryRecord) (bool, error) {
		if db.TerminalStatus(rec.Status) {
			return false, nil
		}

		rec.ErrorCode = &code
		rec.ErrorMessage = &message

		if recoverable && rec.Attempt < t.cfg.MaxAttempts {
			due := t.now().Add(queue.Backoff(t.cfg.BaseBackoff, t.cfg.MaxBackoff, rec.Attempt))
			rec.Status = db.StatusQueued
			rec.NextRetryAt = &due
			retryAt = &due
			return true, nil
		}

		now := t.now()
		rec.Status = status
		rec.FailedAt = &now
		rec.NextRetryAt = nil
		return true, nil
	})
	return rec, retryAt, err
}

// Interaction events.

// interaction moves a record to a recipient-side status. An interaction can
// only land on a record that has actually gone out; anything earlier than
// sent is rejected so the stamp walk in advance never invents a send.
func (t *Tracker) interaction(ctx context.Context, id uuid.UUID, status string) (*db.DeliveryRecord, error) {
	return t.mutate(ctx, id, func(rec *db.DeliveryRecord) (bool, error) {
		if rec.Status == status {
			return false, nil
		}
		if db.TerminalStatus(rec.Status) {
			return false, fmt.Errorf("%s is terminal: %w", rec.Status, ErrInvalidTransition)
		}
		if db.StatusRank(rec.Status) < db.StatusRank(db.StatusSent) {
			return false, fmt.Errorf("%s has not been sent: %w", rec.Status, ErrInvalidTransition)
		}
		if db.StatusRank(status) < db.StatusRank(rec.Status) {
			return false, fmt.Errorf("%s -> %s: %w", rec.Status, status, ErrInvalidTransition)
		}
		t.advance(rec, status)
		return true, nil
	})
}

// MarkDelivered records a provider delivery confirmation.
func (t *Tracker) MarkDelivered(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error) {
	return t.interaction(ctx, id, db.StatusDelivered)
}

// MarkRead records that the recipient opened the notification.
func (t *Tracker) MarkRead(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error) {
	return t.interaction(ctx, id, db.StatusRead)
}

// MarkClicked records that the recipient tapped through.
func (t *Tracker) MarkClicked(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error) {
	return t.interaction(ctx, id, db.StatusClicked)
}

// MarkConverted stamps a conversion on a clicked record. The status does not
// change; conversion is a timestamp, and repeats are no-ops.
func (t *Tracker) MarkConverted(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error) {
	return t.mutate(ctx, id, func(rec *db.DeliveryRecord) (bool, error) {
		if rec.ConvertedAt != nil {
			return false, nil
		}
		if rec.ClickedAt == nil {
			return false, fmt.Errorf("delivery %s: %w", rec.ID, ErrNotClicked)
		}
		now := t.now()
		rec.ConvertedAt = &now
		return true, nil
	})
}
