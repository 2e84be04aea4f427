package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/parking-discovery-service/internal/locator"
	"github.com/kjstillabower/parking-discovery-service/internal/models"
	"github.com/kjstillabower/parking-discovery-service/internal/observability"
	"github.com/kjstillabower/parking-discovery-service/internal/traffic"
)

// State is a step of a discovery session.
type State string

const (
	StateIdle          State = "idle"
	StateCheckingCache State = "checking_cache"
	StateCacheHit      State = "cache_hit"
	StateLocatingUser  State = "locating_user"
	StateFetching      State = "fetching"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

// Failure reasons published with StateFailed.
const (
	ReasonLocationUnavailable = "location_unavailable"
	ReasonSourceUnavailable   = "source_unavailable"
	// ReasonCancelled means the caller stopped waiting. It says nothing about
	// the health of the geolocation provider or the spatial source.
	ReasonCancelled = "cancelled"
)

// DefaultGeolocationTimeout bounds PositionProvider.CurrentPosition.
const DefaultGeolocationTimeout = 10 * time.Second

// DefaultSessionTimeout bounds a shared session once it no longer follows
// the deadline of the caller that started it.
const DefaultSessionTimeout = 60 * time.Second

// Finder is implemented by locator.Locator.
type Finder interface {
	FindNearby(ctx context.Context, center models.Coordinate, radiusMeters int) (locator.Result, error)
}

// ResultCache is implemented by cache.ResultCache. scope names the client
// whose entry is addressed.
type ResultCache interface {
	Read(ctx context.Context, scope string) (models.CacheEntry, bool)
	IsValid(entry models.CacheEntry) bool
	Write(ctx context.Context, scope string, facilities []models.ParkingFacility) error
	Invalidate(ctx context.Context, scope string) error
}

// DiscoveryService runs discovery sessions: serve a valid cached result set,
// otherwise locate the user, fetch nearby facilities and cache them.
//
// Each client scope owns one cache entry and runs at most one session at a
// time. Concurrent callers share a session only when scope, kind and position
// all match; a shared session keeps running while any of them still waits.
type DiscoveryService struct {
	finder         Finder
	cache          ResultCache
	geoTimeout     time.Duration
	sessionTimeout time.Duration
	logger         *zap.Logger

	group     singleflight.Group
	flightsMu sync.Mutex
	flights   map[string]*flight
	flightSeq uint64
	soloSeq   atomic.Uint64
	scopes    scopeLocks

	state atomic.Value // State

	// onTransition, when set, observes every state change. Used by tests.
	onTransition func(from, to State)
}

// NewDiscoveryService wires a service. geoTimeout <= 0 uses DefaultGeolocationTimeout.
func NewDiscoveryService(finder Finder, cache ResultCache, geoTimeout time.Duration, logger *zap.Logger) *DiscoveryService {
	if geoTimeout <= 0 {
		geoTimeout = DefaultGeolocationTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &DiscoveryService{
		finder:         finder,
		cache:          cache,
		geoTimeout:     geoTimeout,
		sessionTimeout: DefaultSessionTimeout,
		logger:         logger,
		flights:        make(map[string]*flight),
		scopes:         scopeLocks{locks: make(map[string]*scopeLock)},
	}
	s.state.Store(StateIdle)
	return s
}

// SetSessionTimeout bounds every session. d <= 0 restores DefaultSessionTimeout.
func (s *DiscoveryService) SetSessionTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultSessionTimeout
	}
	s.sessionTimeout = d
}

// State returns the state of the most recent session transition, in any scope.
func (s *DiscoveryService) State() State {
	return s.state.Load().(State)
}

// Discover runs a session for scope, or joins an identical one already in
// flight. The returned result is always populated; err is non-nil exactly when
// result.State is StateFailed and wraps the cause.
func (s *DiscoveryService) Discover(ctx context.Context, scope string, provider PositionProvider) (models.DiscoveryResult, error) {
	return s.do(ctx, scope, "discover", provider, false)
}

// Refresh runs a session that ignores the cached entry of scope. The entry is
// replaced only when the fetch succeeds.
func (s *DiscoveryService) Refresh(ctx context.Context, scope string, provider PositionProvider) (models.DiscoveryResult, error) {
	return s.do(ctx, scope, "refresh", provider, true)
}

// RefreshAt refreshes scope for a known position. Implements cache.Refresher.
func (s *DiscoveryService) RefreshAt(ctx context.Context, scope string, position models.Coordinate) error {
	_, err := s.Refresh(ctx, scope, StaticPosition(position))
	return err
}

// Clear drops the cached entry of scope, waiting for any session of that
// scope to finish first.
func (s *DiscoveryService) Clear(ctx context.Context, scope string) error {
	release, err := s.scopes.acquire(ctx, scope)
	if err != nil {
		return fmt.Errorf("clear result cache: %w", err)
	}
	defer release()
	if err := s.cache.Invalidate(ctx, scope); err != nil {
		return fmt.Errorf("clear result cache: %w", err)
	}
	return nil
}

type sessionOutcome struct {
	result models.DiscoveryResult
	err    error
}

// flight is one shared session. Its context is detached from the caller that
// started it and is cancelled once no caller waits for it any more.
type flight struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
	done    bool
	outcome sessionOutcome
}

func (s *DiscoveryService) do(ctx context.Context, scope, kind string, provider PositionProvider, refresh bool) (models.DiscoveryResult, error) {
	key := kind + "|" + scope + "|" + s.positionKey(provider)
	f := s.join(ctx, key)
	ch := s.group.DoChan(f.id, func() (interface{}, error) {
		return s.runFlight(key, f, scope, provider, refresh), nil
	})
	select {
	case <-ctx.Done():
		s.leave(key, f)
		return failedResult(ReasonCancelled), fmt.Errorf("discovery %s: %w", ReasonCancelled, ctx.Err())
	case r := <-ch:
		s.leave(key, f)
		out := r.Val.(sessionOutcome)
		return out.result, out.err
	}
}

// positionKey identifies what a provider will answer. Providers that cannot
// say in advance get a unique key and never share a session.
func (s *DiscoveryService) positionKey(provider PositionProvider) string {
	if k, ok := provider.(SessionKeyer); ok {
		return k.SessionKey()
	}
	return fmt.Sprintf("solo-%d", s.soloSeq.Add(1))
}

func (s *DiscoveryService) join(ctx context.Context, key string) *flight {
	s.flightsMu.Lock()
	defer s.flightsMu.Unlock()
	f := s.flights[key]
	if f == nil {
		s.flightSeq++
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sessionTimeout)
		f = &flight{id: fmt.Sprintf("%s#%d", key, s.flightSeq), ctx: fctx, cancel: cancel}
		s.flights[key] = f
	}
	f.waiters++
	return f
}

func (s *DiscoveryService) leave(key string, f *flight) {
	s.flightsMu.Lock()
	defer s.flightsMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if s.flights[key] == f {
		delete(s.flights, key)
	}
}

// runFlight runs the session of f once. A caller that joined f just before it
// finished may start a second execution under the same id; it gets the
// recorded outcome.
func (s *DiscoveryService) runFlight(key string, f *flight, scope string, provider PositionProvider, refresh bool) sessionOutcome {
	s.flightsMu.Lock()
	if f.done {
		out := f.outcome
		s.flightsMu.Unlock()
		return out
	}
	s.flightsMu.Unlock()

	result, err := s.run(f.ctx, scope, provider, refresh)
	out := sessionOutcome{result: result, err: err}

	s.flightsMu.Lock()
	f.done = true
	f.outcome = out
	if s.flights[key] == f {
		delete(s.flights, key)
	}
	s.flightsMu.Unlock()
	return out
}

func (s *DiscoveryService) run(ctx context.Context, scope string, provider PositionProvider, refresh bool) (models.DiscoveryResult, error) {
	logger := observability.LoggerFromContext(ctx, s.logger).With(zap.String("scope", scope))
	release, err := s.scopes.acquire(ctx, scope)
	if err != nil {
		logger.Debug("session abandoned while waiting for scope", zap.Error(err))
		return failedResult(ReasonCancelled), fmt.Errorf("discovery %s: %w", ReasonCancelled, err)
	}
	defer release()

	start := time.Now()
	s.transition(StateIdle)

	s.transition(StateCheckingCache)
	if !refresh {
		if entry, ok := s.cache.Read(ctx, scope); ok && s.cache.IsValid(entry) {
			s.transition(StateCacheHit)
			result := models.DiscoveryResult{
				Facilities:        entry.Facilities,
				FromCache:         true,
				FewerThanExpected: len(entry.Facilities) < locator.ExpectedFacilities,
				FetchedAt:         entry.FetchedAt(),
			}
			s.finish(logger, &result, "cache", start)
			return result, nil
		}
	}

	s.transition(StateLocatingUser)
	position, err := s.locate(ctx, provider)
	if err != nil {
		reason := failureReason(ctx, ReasonLocationUnavailable)
		logger.Warn("geolocation failed", zap.String("reason", reason), zap.Error(err))
		return s.fail(logger, reason, start, err)
	}

	s.transition(StateFetching)
	found, err := s.finder.FindNearby(ctx, position, 0)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		reason := failureReason(ctx, ReasonSourceUnavailable)
		if reason == ReasonCancelled {
			logger.Info("parking lookup abandoned", zap.Error(err))
		} else {
			logger.Error("parking lookup failed", zap.Error(err))
		}
		return s.fail(logger, reason, start, err)
	}

	if err := s.cache.Write(ctx, scope, found.Facilities); err != nil {
		logger.Warn("result cache write failed", zap.Error(err))
	}

	result := models.DiscoveryResult{
		Facilities:        found.Facilities,
		FewerThanExpected: found.FewerThanExpected,
		UserLocation:      &position,
		FetchedAt:         time.Now(),
	}
	s.finish(logger, &result, "fetch", start)
	return result, nil
}

// failureReason returns ReasonCancelled when every caller has left the
// session, and stageReason otherwise. A session deadline is a stage failure.
func failureReason(ctx context.Context, stageReason string) string {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ReasonCancelled
	}
	return stageReason
}

// locate asks provider for a position within the geolocation timeout.
// Every failure is wrapped in one of the geolocation sentinels.
func (s *DiscoveryService) locate(ctx context.Context, provider PositionProvider) (models.Coordinate, error) {
	if provider == nil {
		return models.Coordinate{}, ErrPositionUnavailable
	}
	geoCtx, cancel := context.WithTimeout(ctx, s.geoTimeout)
	defer cancel()

	pos, err := provider.CurrentPosition(geoCtx)
	switch {
	case err == nil:
		return pos, nil
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrPositionUnavailable), errors.Is(err, ErrPositionTimeout):
		return models.Coordinate{}, err
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return models.Coordinate{}, fmt.Errorf("%w after %s", ErrPositionTimeout, s.geoTimeout)
	default:
		return models.Coordinate{}, fmt.Errorf("%w: %w", ErrPositionUnavailable, err)
	}
}

func (s *DiscoveryService) finish(logger *zap.Logger, result *models.DiscoveryResult, source string, start time.Time) {
	s.transition(StateReady)
	result.State = string(StateReady)
	if result.Facilities == nil {
		result.Facilities = []models.ParkingFacility{}
	}

	observability.DiscoverySessionsTotal.WithLabelValues(string(StateReady), source).Inc()
	observability.DiscoveryDuration.WithLabelValues(string(StateReady)).Observe(time.Since(start).Seconds())
	observability.FacilitiesPerSession.Observe(float64(len(result.Facilities)))
	if result.FewerThanExpected {
		observability.FewerThanExpectedTotal.Inc()
	}
	traffic.RecordReady()

	logger.Info("parking discovery ready",
		zap.String("source", source),
		zap.Int("facilities", len(result.Facilities)),
		zap.Bool("fewer_than_expected", result.FewerThanExpected),
		zap.Duration("duration", time.Since(start)))
}

func (s *DiscoveryService) fail(logger *zap.Logger, reason string, start time.Time, cause error) (models.DiscoveryResult, error) {
	s.transition(StateFailed)
	observability.DiscoverySessionsTotal.WithLabelValues(string(StateFailed), reason).Inc()
	observability.DiscoveryDuration.WithLabelValues(string(StateFailed)).Observe(time.Since(start).Seconds())
	if reason != ReasonCancelled {
		traffic.RecordFailed()
	}
	return failedResult(reason), fmt.Errorf("discovery %s: %w", reason, cause)
}

func failedResult(reason string) models.DiscoveryResult {
	return models.DiscoveryResult{
		State:         string(StateFailed),
		Facilities:    []models.ParkingFacility{},
		FailureReason: reason,
	}
}

func (s *DiscoveryService) transition(to State) {
	from := s.State()
	s.state.Store(to)
	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}

// scopeLocks serializes sessions per client scope so writes to one cache
// entry never overlap. Idle scopes are forgotten.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[string]*scopeLock
}

type scopeLock struct {
	sem  chan struct{}
	refs int
}

// acquire blocks until scope is free or ctx is done.
func (l *scopeLocks) acquire(ctx context.Context, scope string) (release func(), err error) {
	l.mu.Lock()
	sl := l.locks[scope]
	if sl == nil {
		sl = &scopeLock{sem: make(chan struct{}, 1)}
		l.locks[scope] = sl
	}
	sl.refs++
	l.mu.Unlock()

	select {
	case sl.sem <- struct{}{}:
		return func() {
			<-sl.sem
			l.unref(scope, sl)
		}, nil
	case <-ctx.Done():
		l.unref(scope, sl)
		return nil, ctx.Err()
	}
}

func (l *scopeLocks) unref(scope string, sl *scopeLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl.refs--
	if sl.refs == 0 && l.locks[scope] == sl {
		delete(l.locks, scope)
	}
}
