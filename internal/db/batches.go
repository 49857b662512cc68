package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateBatch inserts a batch shell before its member records are written.
func (r *Repository) CreateBatch(ctx context.Context, batch *Batch) error {
	query := `
		INSERT INTO batches (id, notification_id, total, sent, failed, pending)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		batch.ID, batch.NotificationID, batch.Total, batch.Sent, batch.Failed, batch.Pending,
	).Scan(&batch.CreatedAt, &batch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch retrieves the cached batch aggregate.
func (r *Repository) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	query := `
		SELECT id, notification_id, total, sent, failed, pending, created_at, updated_at
		FROM batches WHERE id = $1
	`

	var b Batch
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&b.ID, &b.NotificationID, &b.Total, &b.Sent, &b.Failed, &b.Pending,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}
	return &b, nil
}

// RefreshBatch recomputes the cached aggregate from member records. The cache
// is a read optimization only; this query is the authoritative rollup.
func (r *Repository) RefreshBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	query := `
		UPDATE batches SET
			total   = agg.total,
			sent    = agg.sent,
			failed  = agg.failed,
			pending = agg.pending,
			updated_at = NOW()
		FROM (
			SELECT
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE status IN ('sent', 'delivered', 'read', 'clicked')) AS sent,
				COUNT(*) FILTER (WHERE status IN ('failed', 'bounced', 'rejected', 'cancelled')) AS failed,
				COUNT(*) FILTER (WHERE status IN ('pending', 'queued', 'sending')) AS pending
			FROM delivery_records
			WHERE batch_id = $1
		) AS agg
		WHERE batches.id = $1
		RETURNING batches.id, batches.notification_id, batches.total, batches.sent,
		          batches.failed, batches.pending, batches.created_at, batches.updated_at
	`

	var b Batch
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&b.ID, &b.NotificationID, &b.Total, &b.Sent, &b.Failed, &b.Pending,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("refresh batch: %w", err)
	}
	return &b, nil
}
