package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const templateColumns = `
	id, key, title, body, body_localized, category, variables, active,
	created_at, updated_at
`

func scanTemplate(row pgx.Row) (*Template, error) {
	var tpl Template
	var variables []byte

	err := row.Scan(
		&tpl.ID,
		&tpl.Key,
		&tpl.Title,
		&tpl.Body,
		&tpl.BodyLocalized,
		&tpl.Category,
		&variables,
		&tpl.Active,
		&tpl.CreatedAt,
		&tpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &tpl.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	return &tpl, nil
}

// CreateTemplate inserts a new template.
func (r *Repository) CreateTemplate(ctx context.Context, tpl *Template) error {
	variables, err := json.Marshal(tpl.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	query := `
		INSERT INTO templates (id, key, title, body, body_localized, category, variables, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		tpl.ID, tpl.Key, tpl.Title, tpl.Body, tpl.BodyLocalized,
		tpl.Category, variables, tpl.Active,
	).Scan(&tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID.
func (r *Repository) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE id = $1`

	tpl, err := scanTemplate(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return tpl, nil
}

// GetTemplateByKey retrieves an active template by its unique key.
func (r *Repository) GetTemplateByKey(ctx context.Context, key string) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE key = $1 AND active = TRUE`

	tpl, err := scanTemplate(r.db.Pool().QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return tpl, nil
}

// ListTemplates retrieves templates, optionally filtered by category.
func (r *Repository) ListTemplates(ctx context.Context, category string, limit, offset int) ([]*Template, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `SELECT ` + templateColumns + ` FROM templates`
	args := []any{}
	if category != "" {
		query += ` WHERE category = $1 ORDER BY key ASC LIMIT $2 OFFSET $3`
		args = append(args, category, limit, offset)
	} else {
		query += ` ORDER BY key ASC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return templates, nil
}

// UpdateTemplate rewrites a template.
func (r *Repository) UpdateTemplate(ctx context.Context, tpl *Template) error {
	variables, err := json.Marshal(tpl.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	query := `
		UPDATE templates
		SET title = $1, body = $2, body_localized = $3, category = $4,
		    variables = $5, active = $6, updated_at = NOW()
		WHERE id = $7
	`

	result, err := r.db.Pool().Exec(ctx, query,
		tpl.Title, tpl.Body, tpl.BodyLocalized, tpl.Category,
		variables, tpl.Active, tpl.ID,
	)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("template %s: %w", tpl.ID, ErrNotFound)
	}
	return nil
}

// DeleteTemplate removes a template.
func (r *Repository) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	return nil
}
