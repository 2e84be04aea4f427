package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/parking-discovery-service/internal/models"
	"github.com/kjstillabower/parking-discovery-service/internal/observability"
)

// Refresher is implemented by the service layer to run a fresh discovery for a
// position and store the result under a client scope. Used by Warmer to avoid
// a circular dependency on the service package.
type Refresher interface {
	RefreshAt(ctx context.Context, scope string, position models.Coordinate) error
}

// Warmer keeps the result cache of one client scope populated for a fixed home
// position, e.g. a lobby display that always asks with the same client ID.
type Warmer struct {
	refresher Refresher
	scope     string
	logger    *zap.Logger
}

// NewWarmer creates a Warmer that refreshes the entry of scope.
func NewWarmer(refresher Refresher, scope string, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{refresher: refresher, scope: scope, logger: logger}
}

// Warm runs one refresh for home.
func (w *Warmer) Warm(ctx context.Context, home models.Coordinate) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming result cache",
		zap.String("scope", w.scope),
		zap.Float64("lat", home.Latitude),
		zap.Float64("lng", home.Longitude))

	err := w.refresher.RefreshAt(ctx, w.scope, home)
	duration := time.Since(start).Seconds()
	if err != nil {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", err)
	}
	w.logger.Info("cache warming complete", zap.Float64("duration_seconds", duration))
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
// interval should be shorter than the cache TTL so readers never see a stale entry.
func (w *Warmer) WarmPeriodic(ctx context.Context, home models.Coordinate, interval time.Duration) error {
	if err := w.Warm(ctx, home); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, home); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
