// Package locator turns raw spatial-source records into the ranked, capped list
// of parking facilities shown to a user.
package locator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/parking-discovery-service/internal/client"
	"github.com/kjstillabower/parking-discovery-service/internal/geo"
	"github.com/kjstillabower/parking-discovery-service/internal/models"
	"github.com/kjstillabower/parking-discovery-service/internal/observability"
)

// ExpectedFacilities is the number of facilities the dashboard has room for.
// Fewer qualifying results raise the FewerThanExpected warning.
const ExpectedFacilities = 6

// Ranking selects how qualifying facilities are ordered before truncation.
type Ranking string

const (
	// RankBySource keeps the order the spatial source returned.
	RankBySource Ranking = "source"
	// RankByDistance orders by ascending distance, ties in source order.
	RankByDistance Ranking = "distance"
)

// ParseRanking validates a ranking policy name. Empty selects RankBySource.
func ParseRanking(s string) (Ranking, error) {
	switch Ranking(s) {
	case "", RankBySource:
		return RankBySource, nil
	case RankByDistance:
		return RankByDistance, nil
	}
	return "", fmt.Errorf("unknown ranking policy %q (want source or distance)", s)
}

// Config tunes the locator. Zero values select defaults.
type Config struct {
	RadiusMeters       int
	MaxResults         int
	Ranking            Ranking
	ResolveConcurrency int
	ResolveTimeout     time.Duration
}

// Result is the outcome of one FindNearby call.
type Result struct {
	Facilities []models.ParkingFacility
	// Qualifying is the number of named, locatable records before truncation.
	Qualifying int
	// FewerThanExpected is a non-fatal warning: fewer than ExpectedFacilities qualified.
	FewerThanExpected bool
}

// Locator finds parking facilities near a coordinate.
type Locator struct {
	source   client.SpatialSource
	resolver client.AddressResolver
	cfg      Config
	logger   *zap.Logger
}

// New returns a Locator that queries source and fills missing addresses with resolver.
func New(source client.SpatialSource, resolver client.AddressResolver, cfg Config, logger *zap.Logger) *Locator {
	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = client.DefaultRadiusMeters
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = ExpectedFacilities
	}
	if cfg.Ranking == "" {
		cfg.Ranking = RankBySource
	}
	if cfg.ResolveConcurrency <= 0 {
		cfg.ResolveConcurrency = 4
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 3 * time.Second
	}
	return &Locator{source: source, resolver: resolver, cfg: cfg, logger: logger}
}

// candidate is a qualifying record waiting for its address.
type candidate struct {
	facility   models.ParkingFacility
	hasAddress bool
}

// FindNearby queries the spatial source around center and returns at most
// MaxResults facilities. radiusMeters <= 0 uses the configured radius.
// Source failures are returned wrapped in client.ErrSourceUnavailable; address
// lookups never fail the call.
func (l *Locator) FindNearby(ctx context.Context, center models.Coordinate, radiusMeters int) (Result, error) {
	if radiusMeters <= 0 {
		radiusMeters = l.cfg.RadiusMeters
	}
	logger := observability.LoggerFromContext(ctx, l.logger)

	elements, err := l.source.FindParking(ctx, center, radiusMeters)
	if err != nil {
		return Result{}, fmt.Errorf("find parking near %.5f,%.5f: %w", center.Latitude, center.Longitude, err)
	}

	candidates := make([]candidate, 0, len(elements))
	for _, el := range elements {
		name := el.Name()
		if name == "" {
			continue
		}
		loc, ok := el.Location()
		if !ok {
			logger.Debug("skipping parking record without coordinates", zap.String("type", el.Type), zap.Int64("id", el.ID))
			continue
		}
		address := el.Address()
		candidates = append(candidates, candidate{
			facility: models.ParkingFacility{
				Name:       name,
				Address:    address,
				Location:   loc,
				DistanceKm: geo.Distance(center, loc),
			},
			hasAddress: address != "",
		})
	}

	result := Result{
		Qualifying:        len(candidates),
		FewerThanExpected: len(candidates) < ExpectedFacilities,
	}
	if result.FewerThanExpected {
		logger.Warn("fewer parking facilities than expected, try increasing radius",
			zap.Int("found", len(candidates)),
			zap.Int("expected", ExpectedFacilities),
			zap.Int("radius_m", radiusMeters))
	}

	candidates = l.rank(candidates)
	if len(candidates) > l.cfg.MaxResults {
		candidates = candidates[:l.cfg.MaxResults]
	}

	if err := l.resolveAddresses(ctx, candidates); err != nil {
		return Result{}, err
	}

	result.Facilities = make([]models.ParkingFacility, len(candidates))
	for i, c := range candidates {
		result.Facilities[i] = c.facility
	}
	return result, nil
}

func (l *Locator) rank(candidates []candidate) []candidate {
	if l.cfg.Ranking == RankByDistance {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].facility.DistanceKm < candidates[j].facility.DistanceKm
		})
	}
	return candidates
}

// resolveAddresses fills missing addresses with a bounded fan-out. Each lookup
// gets its own timeout and writes only its own slot, so one slow or failing
// lookup cannot affect another. The only error is cancellation of ctx.
func (l *Locator) resolveAddresses(ctx context.Context, candidates []candidate) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.ResolveConcurrency)

	for i := range candidates {
		if candidates[i].hasAddress {
			continue
		}
		c := &candidates[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				c.facility.Address = models.AddressNotAvailable
				return nil
			}
			callCtx, cancel := context.WithTimeout(gctx, l.cfg.ResolveTimeout)
			defer cancel()
			addr := l.resolver.ResolveAddress(callCtx, c.facility.Location)
			if addr == "" {
				addr = models.AddressNotAvailable
			}
			c.facility.Address = addr
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("resolve addresses: %w", err)
	}
	return nil
}
