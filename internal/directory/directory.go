// Package directory is the Postgres-backed recipient lookup used by
// targeting, send-time contact resolution, and batch log annotation.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/targeting"
)

const recipientColumns = `id, name, email, phone, role, active, verified, device_token, platform`

// Store reads the recipients table.
type Store struct {
	db     *db.DB
	logger *zap.Logger
}

// New creates a recipient directory.
func New(database *db.DB, logger *zap.Logger) *Store {
	return &Store{db: database, logger: logger}
}

func scanRecipient(row pgx.Row) (*targeting.Recipient, error) {
	var r targeting.Recipient
	err := row.Scan(&r.ID, &r.Name, &r.Email, &r.Phone, &r.Role, &r.Active, &r.Verified,
		&r.DeviceToken, &r.Platform)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, fmt.Errorf("scan recipient: %w", err)
	}
	return &r, nil
}

// ByID fetches one recipient.
func (s *Store) ByID(ctx context.Context, id uuid.UUID) (*targeting.Recipient, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE id = $1`, id)
	return scanRecipient(row)
}

// ByPhone fetches one recipient by phone number.
func (s *Store) ByPhone(ctx context.Context, phone string) (*targeting.Recipient, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE phone = $1`, phone)
	return scanRecipient(row)
}

// Page returns up to limit recipients matching f with IDs greater than
// afterID, in ID order. The cursor keeps full-directory walks cheap.
func (s *Store) Page(ctx context.Context, f targeting.Filter, afterID uuid.UUID, limit int) ([]*targeting.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE id > $1`
	args := []any{afterID}
	n := 1

	if f.Role != "" {
		n++
		query += fmt.Sprintf(" AND role = $%d", n)
		args = append(args, f.Role)
	}
	if f.Active != nil {
		n++
		query += fmt.Sprintf(" AND active = $%d", n)
		args = append(args, *f.Active)
	}
	if f.Verified != nil {
		n++
		query += fmt.Sprintf(" AND verified = $%d", n)
		args = append(args, *f.Verified)
	}

	n++
	query += fmt.Sprintf(" ORDER BY id LIMIT $%d", n)
	args = append(args, limit)

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("page recipients: %w", err)
	}
	defer rows.Close()

	var out []*targeting.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
