// Package targeting expands a request's recipient specification into a
// concrete, deduplicated recipient ID list.
package targeting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
)

// ErrNoRecipients is returned when a spec resolves to an empty set. This is a
// request-level failure, never a silent no-op.
var ErrNoRecipients = errors.New("no recipients resolved")

// Recipient is the directory's view of one addressable person.
type Recipient struct {
	ID       uuid.UUID
	Name     string
	Email    string
	Phone    string
	Role     string
	Active   bool
	Verified bool
	// DeviceToken is the SNS platform endpoint ARN registered for the
	// recipient's device; empty when no device is registered.
	DeviceToken string
	Platform    string
}

// Filter selects recipients by role and status predicates. Nil pointers mean
// "any".
type Filter struct {
	Role     string
	Active   *bool
	Verified *bool
}

// Directory is the injected recipient lookup collaborator. Page iterates the
// full matching set in stable order using an after-cursor, so "select all
// matching" scales past any single page.
type Directory interface {
	ByID(ctx context.Context, id uuid.UUID) (*Recipient, error)
	ByPhone(ctx context.Context, phone string) (*Recipient, error)
	Page(ctx context.Context, f Filter, afterID uuid.UUID, limit int) ([]*Recipient, error)
}

// Resolver expands target specs against a Directory.
type Resolver struct {
	directory Directory
	logger    *zap.Logger
	pageSize  int
}

// NewResolver creates a targeting resolver.
func NewResolver(directory Directory, logger *zap.Logger) *Resolver {
	return &Resolver{
		directory: directory,
		logger:    logger,
		pageSize:  500,
	}
}

// ParseTokens splits manual comma/whitespace-separated recipient input into
// raw tokens. Used for pasted lists and the first column of uploads.
func ParseTokens(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r' || r == '\t' || r == ' '
	})
	var tokens []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// Expand resolves a target spec to a deduplicated recipient ID list in stable
// order. An empty result is ErrNoRecipients.
func (r *Resolver) Expand(ctx context.Context, spec db.TargetSpec) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	var err error

	switch spec.Kind {
	case db.TargetSingle:
		ids, err = r.expandSingle(spec)
	case db.TargetList:
		ids, err = r.expandList(ctx, spec)
	case db.TargetFilter:
		ids, err = r.expandFilter(ctx, spec)
	default:
		return nil, fmt.Errorf("unknown target kind: %q", spec.Kind)
	}
	if err != nil {
		return nil, err
	}

	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, ErrNoRecipients
	}
	return ids, nil
}

func (r *Resolver) expandSingle(spec db.TargetSpec) ([]uuid.UUID, error) {
	id, err := uuid.Parse(spec.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient id %q: %w", spec.RecipientID, err)
	}
	return []uuid.UUID{id}, nil
}

// expandList resolves explicit IDs plus raw tokens. A raw token is matched
// against the directory by ID, then by phone; a well-formed but unknown ID is
// accepted as-is.
func (r *Resolver) expandList(ctx context.Context, spec db.TargetSpec) ([]uuid.UUID, error) {
	var ids []uuid.UUID

	for _, raw := range spec.Recipients {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}

	for _, token := range spec.RawTokens {
		id, err := r.resolveToken(ctx, token)
		if err != nil {
			r.logger.Warn("recipient token skipped",
				zap.String("token", token),
				zap.Error(err),
			)
			continue
		}
		ids = append(ids, id)
	}

	return ids, nil
}

func (r *Resolver) resolveToken(ctx context.Context, token string) (uuid.UUID, error) {
	if id, err := uuid.Parse(token); err == nil {
		rec, err := r.directory.ByID(ctx, id)
		if err == nil {
			return rec.ID, nil
		}
		if errors.Is(err, db.ErrNotFound) {
			// Identifier-shaped token with no directory entry: accept as-is.
			return id, nil
		}
		return uuid.Nil, err
	}

	rec, err := r.directory.ByPhone(ctx, token)
	if err != nil {
		return uuid.Nil, fmt.Errorf("unresolvable token %q: %w", token, err)
	}
	return rec.ID, nil
}

// expandFilter streams the full matching set page by page instead of
// materializing one UI-sized page.
func (r *Resolver) expandFilter(ctx context.Context, spec db.TargetSpec) ([]uuid.UUID, error) {
	f := Filter{
		Role:     spec.Role,
		Active:   spec.Active,
		Verified: spec.Verified,
	}

	var ids []uuid.UUID
	after := uuid.Nil
	for {
		page, err := r.directory.Page(ctx, f, after, r.pageSize)
		if err != nil {
			return nil, fmt.Errorf("page recipients: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			ids = append(ids, rec.ID)
		}
		after = page[len(page)-1].ID
		if len(page) < r.pageSize {
			break
		}
	}

	return ids, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
