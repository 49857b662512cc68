package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StatWindow scopes an analytics rollup. Nil/empty fields widen the window.
type StatWindow struct {
	From        *time.Time
	To          *time.Time
	Channel     string
	Category    string
	RecipientID *uuid.UUID
}

// Funnel carries the raw interaction counts a rate is derived from.
type Funnel struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Clicked   int `json:"clicked"`
	Converted int `json:"converted"`
}

// TypeFunnel is a funnel attributed to one notification type.
type TypeFunnel struct {
	Type   string `json:"type"`
	Funnel Funnel `json:"funnel"`
}

// statWhere builds the shared WHERE clause for rollup queries. Records from
// test sends never count.
func statWhere(w StatWindow) (string, []any) {
	clause := ` WHERE d.is_test = FALSE`
	args := []any{}
	n := 0

	add := func(cond string, v any) {
		n++
		args = append(args, v)
		clause += fmt.Sprintf(cond, n)
	}

	if w.From != nil {
		add(" AND d.created_at >= $%d", *w.From)
	}
	if w.To != nil {
		add(" AND d.created_at <= $%d", *w.To)
	}
	if w.Channel != "" {
		add(" AND d.channel = $%d", w.Channel)
	}
	if w.Category != "" {
		add(" AND n.category = $%d", w.Category)
	}
	if w.RecipientID != nil {
		add(" AND d.recipient_id = $%d", *w.RecipientID)
	}
	return clause, args
}

func (r *Repository) countsBy(ctx context.Context, column string, w StatWindow) (map[string]int, error) {
	where, args := statWhere(w)
	query := `
		SELECT ` + column + `, COUNT(*)
		FROM delivery_records d
		JOIN notification_requests n ON n.id = d.notification_id
	` + where + `
		GROUP BY ` + column

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query counts by %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[key] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return counts, nil
}

// CountByStatus rolls delivery records up by status.
func (r *Repository) CountByStatus(ctx context.Context, w StatWindow) (map[string]int, error) {
	return r.countsBy(ctx, "d.status", w)
}

// CountByChannel rolls delivery records up by channel.
func (r *Repository) CountByChannel(ctx context.Context, w StatWindow) (map[string]int, error) {
	return r.countsBy(ctx, "d.channel", w)
}

// CountByCategory rolls delivery records up by the owning request's category.
func (r *Repository) CountByCategory(ctx context.Context, w StatWindow) (map[string]int, error) {
	return r.countsBy(ctx, "n.category", w)
}

// CountByType rolls delivery records up by the owning request's type.
func (r *Repository) CountByType(ctx context.Context, w StatWindow) (map[string]int, error) {
	return r.countsBy(ctx, "n.type", w)
}

const funnelSelect = `
	COUNT(*) FILTER (WHERE d.sent_at IS NOT NULL)      AS sent,
	COUNT(*) FILTER (WHERE d.delivered_at IS NOT NULL) AS delivered,
	COUNT(*) FILTER (WHERE d.read_at IS NOT NULL)      AS read,
	COUNT(*) FILTER (WHERE d.clicked_at IS NOT NULL)   AS clicked,
	COUNT(*) FILTER (WHERE d.converted_at IS NOT NULL) AS converted
`

// GlobalFunnel returns the interaction funnel over the window.
func (r *Repository) GlobalFunnel(ctx context.Context, w StatWindow) (*Funnel, error) {
	where, args := statWhere(w)
	query := `
		SELECT ` + funnelSelect + `
		FROM delivery_records d
		JOIN notification_requests n ON n.id = d.notification_id
	` + where

	var f Funnel
	err := r.db.Pool().QueryRow(ctx, query, args...).Scan(
		&f.Sent, &f.Delivered, &f.Read, &f.Clicked, &f.Converted,
	)
	if err != nil {
		return nil, fmt.Errorf("query global funnel: %w", err)
	}
	return &f, nil
}

// FunnelsByType returns one funnel per notification type over the window.
func (r *Repository) FunnelsByType(ctx context.Context, w StatWindow) ([]TypeFunnel, error) {
	where, args := statWhere(w)
	query := `
		SELECT n.type, ` + funnelSelect + `
		FROM delivery_records d
		JOIN notification_requests n ON n.id = d.notification_id
	` + where + `
		GROUP BY n.type
	`

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query funnels by type: %w", err)
	}
	defer rows.Close()

	var funnels []TypeFunnel
	for rows.Next() {
		var tf TypeFunnel
		err := rows.Scan(&tf.Type,
			&tf.Funnel.Sent, &tf.Funnel.Delivered, &tf.Funnel.Read,
			&tf.Funnel.Clicked, &tf.Funnel.Converted,
		)
		if err != nil {
			return nil, fmt.Errorf("scan type funnel: %w", err)
		}
		funnels = append(funnels, tf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return funnels, nil
}
