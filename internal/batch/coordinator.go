// Package batch projects read views over a request's fan-out: the cached
// aggregate and the per-recipient delivery log.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/targeting"
)

// Store is the repository surface the coordinator needs.
type Store interface {
	GetBatch(ctx context.Context, id uuid.UUID) (*db.Batch, error)
	RefreshBatch(ctx context.Context, id uuid.UUID) (*db.Batch, error)
	ListDeliveries(ctx context.Context, f db.DeliveryFilter) ([]*db.DeliveryRecord, error)
}

// Directory resolves recipient display fields for log entries.
type Directory interface {
	ByID(ctx context.Context, id uuid.UUID) (*targeting.Recipient, error)
}

// LogEntry is one row of a batch's delivery log, annotated with recipient
// display fields.
type LogEntry struct {
	DeliveryID     uuid.UUID  `json:"delivery_id"`
	RecipientID    uuid.UUID  `json:"recipient_id"`
	RecipientName  string     `json:"recipient_name,omitempty"`
	RecipientEmail string     `json:"recipient_email,omitempty"`
	Channel        string     `json:"channel"`
	Status         string     `json:"status"`
	Attempt        int        `json:"attempt"`
	ErrorCode      *string    `json:"error_code,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Coordinator serves batch read views. The cached counts are recomputed from
// member records on every summary read, so a stale cache can never be
// observed through this path.
type Coordinator struct {
	store     Store
	directory Directory
	logger    *zap.Logger
}

// NewCoordinator creates a batch coordinator. directory may be nil; log
// entries then carry IDs only.
func NewCoordinator(store Store, directory Directory, logger *zap.Logger) *Coordinator {
	return &Coordinator{store: store, directory: directory, logger: logger}
}

// Summarize recounts the batch from its records and returns the aggregate.
func (c *Coordinator) Summarize(ctx context.Context, batchID uuid.UUID) (*db.Batch, error) {
	batch, err := c.store.RefreshBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("refresh batch %s: %w", batchID, err)
	}
	return batch, nil
}

// Logs returns the batch's delivery log, newest first, with recipient display
// fields attached. A directory miss degrades to IDs only.
func (c *Coordinator) Logs(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]LogEntry, error) {
	bid := batchID
	records, err := c.store.ListDeliveries(ctx, db.DeliveryFilter{
		BatchID: &bid,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list batch deliveries: %w", err)
	}

	entries := make([]LogEntry, 0, len(records))
	names := make(map[uuid.UUID]*targeting.Recipient)
	for _, rec := range records {
		entry := LogEntry{
			DeliveryID:   rec.ID,
			RecipientID:  rec.RecipientID,
			Channel:      rec.Channel,
			Status:       rec.Status,
			Attempt:      rec.Attempt,
			ErrorCode:    rec.ErrorCode,
			ErrorMessage: rec.ErrorMessage,
			SentAt:       rec.SentAt,
			DeliveredAt:  rec.DeliveredAt,
			UpdatedAt:    rec.UpdatedAt,
		}
		if c.directory != nil {
			person, ok := names[rec.RecipientID]
			if !ok {
				var err error
				person, err = c.directory.ByID(ctx, rec.RecipientID)
				if err != nil {
					c.logger.Debug("recipient lookup failed",
						zap.String("recipient_id", rec.RecipientID.String()),
						zap.Error(err),
					)
					person = nil
				}
				names[rec.RecipientID] = person
			}
			if person != nil {
				entry.RecipientName = person.Name
				entry.RecipientEmail = person.Email
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
