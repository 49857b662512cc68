// Package analytics derives engagement rates from delivery record rollups.
package analytics

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
)

// Store is the rollup surface the aggregator reads from.
type Store interface {
	CountByStatus(ctx context.Context, w db.StatWindow) (map[string]int, error)
	CountByChannel(ctx context.Context, w db.StatWindow) (map[string]int, error)
	CountByCategory(ctx context.Context, w db.StatWindow) (map[string]int, error)
	CountByType(ctx context.Context, w db.StatWindow) (map[string]int, error)
	GlobalFunnel(ctx context.Context, w db.StatWindow) (*db.Funnel, error)
	FunnelsByType(ctx context.Context, w db.StatWindow) ([]db.TypeFunnel, error)
}

// Rates are the derived engagement ratios. Every rate guards its denominator:
// a stage with no traffic yields 0, never NaN.
type Rates struct {
	DeliveryRate   float64 `json:"delivery_rate"`
	OpenRate       float64 `json:"open_rate"`
	ClickRate      float64 `json:"click_rate"`
	ConversionRate float64 `json:"conversion_rate"`
}

// Overview is the full stats payload for a window.
type Overview struct {
	Funnel     db.Funnel      `json:"funnel"`
	Rates      Rates          `json:"rates"`
	ByStatus   map[string]int `json:"by_status"`
	ByChannel  map[string]int `json:"by_channel"`
	ByCategory map[string]int `json:"by_category"`
	ByType     map[string]int `json:"by_type"`
}

// TypePerformance scores one notification type for the leaderboard.
type TypePerformance struct {
	Type   string    `json:"type"`
	Funnel db.Funnel `json:"funnel"`
	Rates  Rates     `json:"rates"`
	Score  float64   `json:"score"`
}

// Aggregator computes engagement stats over delivery records.
type Aggregator struct {
	store  Store
	logger *zap.Logger
}

// NewAggregator creates an analytics aggregator.
func NewAggregator(store Store, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: store, logger: logger}
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// DeriveRates computes the stage-over-stage ratios for a funnel.
func DeriveRates(f db.Funnel) Rates {
	return Rates{
		DeliveryRate:   ratio(f.Delivered, f.Sent),
		OpenRate:       ratio(f.Read, f.Delivered),
		ClickRate:      ratio(f.Clicked, f.Read),
		ConversionRate: ratio(f.Converted, f.Clicked),
	}
}

// Overview assembles the funnel, derived rates and dimensional rollups for a
// window.
func (a *Aggregator) Overview(ctx context.Context, w db.StatWindow) (*Overview, error) {
	funnel, err := a.store.GlobalFunnel(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("global funnel: %w", err)
	}

	byStatus, err := a.store.CountByStatus(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("counts by status: %w", err)
	}
	byChannel, err := a.store.CountByChannel(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("counts by channel: %w", err)
	}
	byCategory, err := a.store.CountByCategory(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("counts by category: %w", err)
	}
	byType, err := a.store.CountByType(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("counts by type: %w", err)
	}

	return &Overview{
		Funnel:     *funnel,
		Rates:      DeriveRates(*funnel),
		ByStatus:   byStatus,
		ByChannel:  byChannel,
		ByCategory: byCategory,
		ByType:     byType,
	}, nil
}

// TopPerformingTypes ranks notification types by a composite of click rate
// and open rate and returns the best n. Ties break alphabetically so the
// ordering is stable.
func (a *Aggregator) TopPerformingTypes(ctx context.Context, w db.StatWindow, n int) ([]TypePerformance, error) {
	if n <= 0 {
		n = 5
	}

	funnels, err := a.store.FunnelsByType(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("funnels by type: %w", err)
	}

	perf := make([]TypePerformance, 0, len(funnels))
	for _, tf := range funnels {
		rates := DeriveRates(tf.Funnel)
		perf = append(perf, TypePerformance{
			Type:   tf.Type,
			Funnel: tf.Funnel,
			Rates:  rates,
			Score:  rates.ClickRate + rates.OpenRate,
		})
	}

	sort.Slice(perf, func(i, j int) bool {
		if perf[i].Score != perf[j].Score {
			return perf[i].Score > perf[j].Score
		}
		return perf[i].Type < perf[j].Type
	})

	if len(perf) > n {
		perf = perf[:n]
	}
	return perf, nil
}
