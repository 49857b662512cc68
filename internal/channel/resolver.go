// Package channel maps a (notification type, recipient role) pair to the set
// of channels a dispatch is allowed to use.
package channel

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
)

// ConfigSource supplies the active per-type configuration. A db.ErrNotFound
// result selects the built-in fallback.
type ConfigSource interface {
	GetChannelConfigByType(ctx context.Context, notifType string) (*db.ChannelConfig, error)
}

// Resolution is the outcome of a resolver lookup.
type Resolution struct {
	Allowed []string
	Default string
	// Inconsistent is set when the stored default was not a member of the
	// allowed set and a substitute had to be chosen. Non-fatal; surfaced
	// for configuration audit.
	Inconsistent bool
}

// Resolver resolves allowed/default channels with a static in-app fallback.
type Resolver struct {
	source ConfigSource
	logger *zap.Logger
}

// NewResolver creates a channel resolver backed by the given config source.
func NewResolver(source ConfigSource, logger *zap.Logger) *Resolver {
	return &Resolver{
		source: source,
		logger: logger,
	}
}

// fallback is the built-in default applied when no configuration exists.
func fallback() Resolution {
	return Resolution{
		Allowed: []string{db.ChannelInApp},
		Default: db.ChannelInApp,
	}
}

// Resolve returns the allowed channel set and default channel for a type and
// role. It fails closed: a default channel outside the allowed set is replaced
// by the first allowed channel, or in-app when the allowed set is empty, and
// the inconsistency is flagged rather than raised.
func (r *Resolver) Resolve(ctx context.Context, notifType, role string) (Resolution, error) {
	cfg, err := r.source.GetChannelConfigByType(ctx, notifType)
	if errors.Is(err, db.ErrNotFound) {
		return fallback(), nil
	}
	if err != nil {
		return Resolution{}, err
	}

	if !roleMatches(cfg.TargetRoles, role) {
		return fallback(), nil
	}

	res := Resolution{
		Allowed: cfg.AllowedChannels,
		Default: cfg.DefaultChannel,
	}

	if !contains(res.Allowed, res.Default) {
		res.Inconsistent = true
		if len(res.Allowed) > 0 {
			res.Default = res.Allowed[0]
		} else {
			res.Allowed = []string{db.ChannelInApp}
			res.Default = db.ChannelInApp
		}
		r.logger.Warn("channel config default outside allowed set, substituted",
			zap.String("type", notifType),
			zap.String("configured_default", cfg.DefaultChannel),
			zap.String("substituted_default", res.Default),
			zap.Strings("allowed", res.Allowed),
		)
	}

	return res, nil
}

// Permits reports whether the resolution allows a specific channel.
func (res Resolution) Permits(channel string) bool {
	return contains(res.Allowed, channel)
}

func roleMatches(roles []string, role string) bool {
	// An empty target role list applies to everyone.
	if len(roles) == 0 {
		return true
	}
	return contains(roles, role)
}

func contains(set []string, value string) bool {
	for _, v := range set {
		if v == value {
			return true
		}
	}
	return false
}
