package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrVersionConflict is returned when an optimistic delivery update loses the
// race; the caller re-reads and retries the transition.
var ErrVersionConflict = errors.New("delivery record version conflict")

// DeliveryFilter narrows delivery list queries. Zero values mean "no filter".
type DeliveryFilter struct {
	NotificationID *uuid.UUID
	RecipientID    *uuid.UUID
	BatchID        *uuid.UUID
	Status         string
	Channel        string
	Search         string
	From           *time.Time
	To             *time.Time
	IncludeTest    bool
	Limit          int
	Offset         int
}

const deliveryColumns = `
	id, notification_id, recipient_id, channel, status,
	title, body, body_localized, attempt, error_code, error_message,
	next_retry_at, sent_at, delivered_at, read_at, clicked_at, converted_at, failed_at,
	device_token, platform, batch_id, is_test, version,
	created_at, updated_at
`

func scanDelivery(row pgx.Row) (*DeliveryRecord, error) {
	var rec DeliveryRecord
	err := row.Scan(
		&rec.ID,
		&rec.NotificationID,
		&rec.RecipientID,
		&rec.Channel,
		&rec.Status,
		&rec.Title,
		&rec.Body,
		&rec.BodyLocalized,
		&rec.Attempt,
		&rec.ErrorCode,
		&rec.ErrorMessage,
		&rec.NextRetryAt,
		&rec.SentAt,
		&rec.DeliveredAt,
		&rec.ReadAt,
		&rec.ClickedAt,
		&rec.ConvertedAt,
		&rec.FailedAt,
		&rec.DeviceToken,
		&rec.Platform,
		&rec.BatchID,
		&rec.IsTest,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateDeliveries inserts every record produced from one request in a single
// transaction: either the whole fan-out exists or none of it does.
func (r *Repository) CreateDeliveries(ctx context.Context, records []*DeliveryRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO delivery_records (
			id, notification_id, recipient_id, channel, status,
			title, body, body_localized, attempt,
			next_retry_at, device_token, platform, batch_id, is_test, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`

	for _, rec := range records {
		err := tx.QueryRow(ctx, query,
			rec.ID,
			rec.NotificationID,
			rec.RecipientID,
			rec.Channel,
			rec.Status,
			rec.Title,
			rec.Body,
			rec.BodyLocalized,
			rec.Attempt,
			rec.NextRetryAt,
			rec.DeviceToken,
			rec.Platform,
			rec.BatchID,
			rec.IsTest,
			rec.Version,
		).Scan(&rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert delivery %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("delivery records created",
		zap.Int("count", len(records)),
		zap.String("batch_id", records[0].BatchID.String()),
	)
	return nil
}

// GetDelivery retrieves a delivery record by ID.
func (r *Repository) GetDelivery(ctx context.Context, id uuid.UUID) (*DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_records WHERE id = $1`

	rec, err := scanDelivery(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}
	return rec, nil
}

// ApplyDelivery writes back a mutated record guarded by its previous version.
// The version check is the single-writer path: a concurrent transition makes
// this fail with ErrVersionConflict instead of silently clobbering.
func (r *Repository) ApplyDelivery(ctx context.Context, rec *DeliveryRecord) error {
	query := `
		UPDATE delivery_records
		SET status = $1, attempt = $2, error_code = $3, error_message = $4,
		    next_retry_at = $5, sent_at = $6, delivered_at = $7, read_at = $8,
		    clicked_at = $9, converted_at = $10, failed_at = $11,
		    device_token = $12, platform = $13, version = version + 1, updated_at = NOW()
		WHERE id = $14 AND version = $15
	`

	result, err := r.db.Pool().Exec(ctx, query,
		rec.Status, rec.Attempt, rec.ErrorCode, rec.ErrorMessage,
		rec.NextRetryAt, rec.SentAt, rec.DeliveredAt, rec.ReadAt,
		rec.ClickedAt, rec.ConvertedAt, rec.FailedAt,
		rec.DeviceToken, rec.Platform, rec.ID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("apply delivery: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s at version %d: %w", rec.ID, rec.Version, ErrVersionConflict)
	}
	rec.Version++
	return nil
}

// CancelQueuedDeliveries transitions every still-editable record of a request
// to cancelled and returns the IDs so their jobs can be dropped.
func (r *Repository) CancelQueuedDeliveries(ctx context.Context, notificationID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		UPDATE delivery_records
		SET status = 'cancelled', version = version + 1, updated_at = NOW()
		WHERE notification_id = $1 AND status IN ('pending', 'queued')
		RETURNING id
	`

	rows, err := r.db.Pool().Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("cancel deliveries: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cancelled id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	r.logger.Info("queued deliveries cancelled",
		zap.String("notification_id", notificationID.String()),
		zap.Int("count", len(ids)),
	)
	return ids, nil
}

// ListDeliveries retrieves delivery records matching the filter, newest first.
// Test-send records stay out of listings unless explicitly requested.
func (r *Repository) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]*DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_records WHERE 1=1`
	args := []any{}
	n := 0

	addArg := func(clause string, v any) {
		n++
		args = append(args, v)
		query += fmt.Sprintf(clause, n)
	}

	if !f.IncludeTest {
		query += " AND is_test = FALSE"
	}
	if f.NotificationID != nil {
		addArg(" AND notification_id = $%d", *f.NotificationID)
	}
	if f.RecipientID != nil {
		addArg(" AND recipient_id = $%d", *f.RecipientID)
	}
	if f.BatchID != nil {
		addArg(" AND batch_id = $%d", *f.BatchID)
	}
	if f.Status != "" {
		addArg(" AND status = $%d", f.Status)
	}
	if f.Channel != "" {
		addArg(" AND channel = $%d", f.Channel)
	}
	if f.Search != "" {
		n++
		args = append(args, f.Search)
		query += fmt.Sprintf(" AND (title ILIKE '%%' || $%d || '%%' OR body ILIKE '%%' || $%d || '%%')", n, n)
	}
	if f.From != nil {
		addArg(" AND created_at >= $%d", *f.From)
	}
	if f.To != nil {
		addArg(" AND created_at <= $%d", *f.To)
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	addArg(" ORDER BY created_at DESC LIMIT $%d", limit)
	addArg(" OFFSET $%d", f.Offset)

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var records []*DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return records, nil
}

// Inbox operations - the recipient-side view over store-backed delivery
// records. Both in-app and banner channels land in the inbox.

// ListInbox returns a recipient's inbox records, newest first.
func (r *Repository) ListInbox(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*DeliveryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + deliveryColumns + ` FROM delivery_records
		WHERE recipient_id = $1 AND channel IN ('in_app', 'banner') AND is_test = FALSE
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.Pool().Query(ctx, query, recipientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()

	var records []*DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return records, nil
}

// UnreadCount counts a recipient's inbox records not yet read.
func (r *Repository) UnreadCount(ctx context.Context, recipientID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*) FROM delivery_records
		WHERE recipient_id = $1 AND channel IN ('in_app', 'banner') AND is_test = FALSE
		  AND status IN ('sent', 'delivered')
	`
	var count int
	if err := r.db.Pool().QueryRow(ctx, query, recipientID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

/// QueuedDeliveries returns records still waiting on a send: immediate work
// and scheduled or backing-off work alike, oldest due time first. A non-nil
// notificationID narrows to one request. Used to rebuild the in-process
// queues after a restart and to pull a request's scheduled work forward.
func (r *Repository) QueuedDeliveries(ctx context.Context, notificationID *uuid.UUID, limit int) ([]*DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + `
		FROM delivery_records
		WHERE status = 'queued'
	`
	args := []any{}
	if notificationID != nil {
		args = append(args, *notificationID)
		query += fmt.Sprintf(" AND notification_id = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY next_retry_at ASC NULLS FIRST LIMIT $%d", len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queued deliveries: %w", err)
	}
	defer rows.Close()

	var records []*DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return records, nil
}
