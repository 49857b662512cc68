package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotEditable is returned when a request past queued is edited or deleted.
var ErrNotEditable = errors.New("request is no longer editable")

// Repository handles database operations for the dispatch engine.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// RequestFilter narrows request list queries. Zero values mean "no filter".
type RequestFilter struct {
	Status   string
	Channel  string
	Category string
	Priority string
	Type     string
	Search   string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// CreateRequest inserts a new notification request.
func (r *Repository) CreateRequest(ctx context.Context, req *NotificationRequest) error {
	target, err := json.Marshal(req.Target)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}
	variables, err := json.Marshal(req.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	var navigation []byte
	if req.Navigation != nil {
		navigation, err = json.Marshal(req.Navigation)
		if err != nil {
			return fmt.Errorf("marshal navigation: %w", err)
		}
	}

	query := `
		INSERT INTO notification_requests (
			id, type, category, priority, title, message,
			title_localized, message_localized, template_key, variables,
			channel, target, scheduled_at, navigation, action_url,
			status, batch_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17
		)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		req.ID,
		req.Type,
		req.Category,
		req.Priority,
		req.Title,
		req.Message,
		req.TitleLocalized,
		req.MessageLocalized,
		req.TemplateKey,
		variables,
		req.Channel,
		target,
		req.ScheduledAt,
		navigation,
		req.ActionURL,
		req.Status,
		req.BatchID,
	).Scan(&req.CreatedAt, &req.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create request",
			zap.Error(err),
			zap.String("request_id", req.ID.String()),
		)
		return fmt.Errorf("insert request: %w", err)
	}

	return nil
}

const requestColumns = `
	id, type, category, priority, title, message,
	title_localized, message_localized, template_key, variables,
	channel, target, scheduled_at, navigation, action_url,
	status, batch_id, created_at, updated_at
`

func scanRequest(row pgx.Row) (*NotificationRequest, error) {
	var req NotificationRequest
	var variables, target, navigation []byte

	err := row.Scan(
		&req.ID,
		&req.Type,
		&req.Category,
		&req.Priority,
		&req.Title,
		&req.Message,
		&req.TitleLocalized,
		&req.MessageLocalized,
		&req.TemplateKey,
		&variables,
		&req.Channel,
		&target,
		&req.ScheduledAt,
		&navigation,
		&req.ActionURL,
		&req.Status,
		&req.BatchID,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &req.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	if len(target) > 0 {
		if err := json.Unmarshal(target, &req.Target); err != nil {
			return nil, fmt.Errorf("unmarshal target: %w", err)
		}
	}
	if len(navigation) > 0 {
		var nav Navigation
		if err := json.Unmarshal(navigation, &nav); err != nil {
			return nil, fmt.Errorf("unmarshal navigation: %w", err)
		}
		req.Navigation = &nav
	}

	return &req, nil
}

// GetRequest retrieves a request by ID.
func (r *Repository) GetRequest(ctx context.Context, id uuid.UUID) (*NotificationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM notification_requests WHERE id = $1`

	req, err := scanRequest(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}
	return req, nil
}

// UpdateRequest rewrites the editable fields of a request that is still
// pending or queued. Requests past queued are immutable.
func (r *Repository) UpdateRequest(ctx context.Context, req *NotificationRequest) error {
	variables, err := json.Marshal(req.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	var navigation []byte
	if req.Navigation != nil {
		navigation, err = json.Marshal(req.Navigation)
		if err != nil {
			return fmt.Errorf("marshal navigation: %w", err)
		}
	}

	query := `
		UPDATE notification_requests
		SET title = $1, message = $2, title_localized = $3, message_localized = $4,
		    priority = $5, variables = $6, scheduled_at = $7, navigation = $8,
		    action_url = $9, updated_at = NOW()
		WHERE id = $10 AND status IN ('pending', 'queued')
	`

	result, err := r.db.Pool().Exec(ctx, query,
		req.Title, req.Message, req.TitleLocalized, req.MessageLocalized,
		req.Priority, variables, req.ScheduledAt, navigation,
		req.ActionURL, req.ID,
	)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Distinguish missing from frozen for the caller.
		if _, err := r.GetRequest(ctx, req.ID); err != nil {
			return err
		}
		return ErrNotEditable
	}
	return nil
}

// UpdateRequestStatus moves a request's own lifecycle marker.
func (r *Repository) UpdateRequestStatus(ctx context.Context, id uuid.UUID, status string) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE notification_requests SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetRequestBatch records the batch produced for a request.
func (r *Repository) SetRequestBatch(ctx context.Context, id, batchID uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE notification_requests SET batch_id = $1, updated_at = NOW() WHERE id = $2`,
		batchID, id,
	)
	if err != nil {
		return fmt.Errorf("set request batch: %w", err)
	}
	return nil
}

// DeleteRequest removes a request that has not started dispatching.
func (r *Repository) DeleteRequest(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notification_requests WHERE id = $1 AND status IN ('pending', 'queued')`,
		id,
	)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetRequest(ctx, id); err != nil {
			return err
		}
		return ErrNotEditable
	}
	return nil
}

// ListRequests retrieves requests matching the filter, newest first.
func (r *Repository) ListRequests(ctx context.Context, f RequestFilter) ([]*NotificationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM notification_requests WHERE 1=1`
	args := []any{}
	n := 0

	addArg := func(clause string, v any) {
		n++
		args = append(args, v)
		query += fmt.Sprintf(clause, n)
	}

	if f.Status != "" {
		addArg(" AND status = $%d", f.Status)
	}
	if f.Channel != "" {
		addArg(" AND channel = $%d", f.Channel)
	}
	if f.Category != "" {
		addArg(" AND category = $%d", f.Category)
	}
	if f.Priority != "" {
		addArg(" AND priority = $%d", f.Priority)
	}
	if f.Type != "" {
		addArg(" AND type = $%d", f.Type)
	}
	if f.Search != "" {
		n++
		args = append(args, f.Search)
		query += fmt.Sprintf(" AND (title ILIKE '%%' || $%d || '%%' OR message ILIKE '%%' || $%d || '%%')", n, n)
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
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var requests []*NotificationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return requests, nil
}
