package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/parking-discovery-service/internal/cache"
	"github.com/kjstillabower/parking-discovery-service/internal/client"
	"github.com/kjstillabower/parking-discovery-service/internal/locator"
	"github.com/kjstillabower/parking-discovery-service/internal/models"
	"github.com/kjstillabower/parking-discovery-service/internal/traffic"
)

var (
	home  = models.Coordinate{Latitude: 13.0569, Longitude: 80.2425}
	paris = models.Coordinate{Latitude: 48.85, Longitude: 2.35}
)

const scope = "client-1"

type mockFinder struct {
	result locator.Result
	err    error
	calls  int32
	delay  time.Duration

	canceled int32
}

func (m *mockFinder) FindNearby(ctx context.Context, center models.Coordinate, radius int) (locator.Result, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			atomic.AddInt32(&m.canceled, 1)
			return locator.Result{}, fmt.Errorf("%w: %w", client.ErrSourceUnavailable, ctx.Err())
		}
	}
	if m.err != nil {
		return locator.Result{}, m.err
	}
	// Tag facilities with the queried center so callers can tell results apart.
	out := m.result
	out.Facilities = make([]models.ParkingFacility, len(m.result.Facilities))
	for i, f := range m.result.Facilities {
		f.Location = center
		out.Facilities[i] = f
	}
	return out, nil
}

// recordingCache wraps a real ResultCache and counts writes.
type recordingCache struct {
	*cache.ResultCache
	writes int32
}

func (r *recordingCache) Write(ctx context.Context, scope string, f []models.ParkingFacility) error {
	atomic.AddInt32(&r.writes, 1)
	return r.ResultCache.Write(ctx, scope, f)
}

func newCache(nowMs int64) *recordingCache {
	rc := cache.NewResultCache(cache.NewInMemoryStore(), time.Hour, nil)
	if nowMs > 0 {
		rc.SetClock(func() time.Time { return time.UnixMilli(nowMs) })
	}
	return &recordingCache{ResultCache: rc}
}

func facilities(n int) []models.ParkingFacility {
	out := make([]models.ParkingFacility, n)
	for i := range out {
		out[i] = models.ParkingFacility{Name: fmt.Sprintf("Lot %d", i), Address: models.AddressNotAvailable, DistanceKm: float64(i)}
	}
	return out
}

func recordTransitions(s *DiscoveryService) func() []State {
	var mu sync.Mutex
	var states []State
	s.onTransition = func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, to)
	}
	return func() []State {
		mu.Lock()
		defer mu.Unlock()
		return append([]State(nil), states...)
	}
}

func assertStates(t *testing.T, got []State, want ...State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type providerFunc func(ctx context.Context) (models.Coordinate, error)

func (f providerFunc) CurrentPosition(ctx context.Context) (models.Coordinate, error) { return f(ctx) }

func TestDiscover_FetchesAndCaches(t *testing.T) {
	finder := &mockFinder{result: locator.Result{Facilities: facilities(6)}}
	rc := newCache(0)
	s := NewDiscoveryService(finder, rc, 0, nil)
	states := recordTransitions(s)

	result, err := s.Discover(context.Background(), scope, StaticPosition(home))
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if result.State != string(StateReady) || result.FromCache {
		t.Errorf("result = %+v, want fresh Ready", result)
	}
	if len(result.Facilities) != 6 || result.FewerThanExpected {
		t.Errorf("facilities = %d, warning = %v", len(result.Facilities), result.FewerThanExpected)
	}
	if result.UserLocation == nil || *result.UserLocation != home {
		t.Errorf("UserLocation = %v, want %v", result.UserLocation, home)
	}
	assertStates(t, states(), StateIdle, StateCheckingCache, StateLocatingUser, StateFetching, StateReady)

	entry, ok := rc.Read(context.Background(), scope)
	if !ok || len(entry.Facilities) != 6 || !rc.IsValid(entry) {
		t.Errorf("cache after fetch = %+v, %v", entry, ok)
	}
}

func TestDiscover_CacheHitSkipsLocation(t *testing.T) {
	finder := &mockFinder{}
	rc := newCache(0)
	_ = rc.ResultCache.Write(context.Background(), scope, facilities(3))
	s := NewDiscoveryService(finder, rc, 0, nil)
	states := recordTransitions(s)

	result, err := s.Discover(context.Background(), scope, PositionError{Err: ErrPermissionDenied})
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if !result.FromCache || result.State != string(StateReady) {
		t.Errorf("result = %+v, want cached Ready", result)
	}
	if !result.FewerThanExpected {
		t.Error("FewerThanExpected = false for 3 cached facilities")
	}
	if result.UserLocation != nil {
		t.Errorf("UserLocation = %v, want nil on cache hit", result.UserLocation)
	}
	if atomic.LoadInt32(&finder.calls) != 0 {
		t.Error("finder called on cache hit")
	}
	assertStates(t, states(), StateIdle, StateCheckingCache, StateCacheHit, StateReady)
}

func TestDiscover_ScopesHaveSeparateEntries(t *testing.T) {
	finder := &mockFinder{result: locator.Result{Facilities: facilities(6)}}
	rc := newCache(0)
	s := NewDiscoveryService(finder, rc, 0, nil)
	ctx := context.Background()

	if _, err := s.Discover(ctx, "chennai-client", StaticPosition(home)); err != nil {
		t.Fatalf("Discover(chennai) error = %v", err)
	}
	result, err := s.Discover(ctx, "paris-client", StaticPosition(paris))
	if err != nil {
		t.Fatalf("Discover(paris) error = %v", err)
	}
	if result.FromCache {
		t.Error("paris client served from the chennai client's entry")
	}
	if result.Facilities[0].Location != paris {
		t.Errorf("paris facilities located at %v, want %v", result.Facilities[0].Location, paris)
	}
	if got := atomic.LoadInt32(&finder.calls); got != 2 {
		t.Errorf("finder calls = %d, want 2", got)
	}

	again, err := s.Discover(ctx, "chennai-client", PositionError{})
	if err != nil || !again.FromCache || again.Facilities[0].Location != home {
		t.Errorf("chennai cached result = %+v, %v", again, err)
	}
}

func TestDiscover_StaleCacheRefetches(t *testing.T) {
	const now = int64(10_000_000_000)
	rc := newCache(now - 3_700_000)
	_ = rc.ResultCache.Write(context.Background(), scope, facilities(2))
	rc.SetClock(func() time.Time { return time.UnixMilli(now) })

	finder := &mockFinder{result: locator.Result{Facilities: facilities(6)}}
	s := NewDiscoveryService(finder, rc, 0, nil)

	result, err := s.Discover(context.Background(), scope, StaticPosition(home))
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if result.FromCache || len(result.Facilities) != 6 {
		t.Errorf("result = %+v, want fresh fetch", result)
	}
	if got := atomic.LoadInt32(&finder.calls); got != 1 {
		t.Errorf("finder calls = %d, want 1", got)
	}
}

func TestDiscover_GeolocationFailures(t *testing.T) {
	tests := []struct {
		name     string
		provider PositionProvider
		wantErr  error
	}{
		{"denied", PositionError{Err: ErrPermissionDenied}, ErrPermissionDenied},
		{"unavailable", PositionError{}, ErrPositionUnavailable},
		{"nil provider", nil, ErrPositionUnavailable},
		{"out of range", StaticPosition{Latitude: 100}, ErrPositionUnavailable},
		{"provider error wrapped", providerFunc(func(ctx context.Context) (models.Coordinate, error) {
			return models.Coordinate{}, errors.New("gps off")
		}), ErrPositionUnavailable},
		{"provider hangs", providerFunc(func(ctx context.Context) (models.Coordinate, error) {
			<-ctx.Done()
			return models.Coordinate{}, ctx.Err()
		}), ErrPositionTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			finder := &mockFinder{}
			rc := newCache(0)
			s := NewDiscoveryService(finder, rc, 20*time.Millisecond, nil)
			states := recordTransitions(s)

			result, err := s.Discover(context.Background(), scope, tt.provider)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Discover() error = %v, want %v", err, tt.wantErr)
			}
			if result.State != string(StateFailed) || result.FailureReason != ReasonLocationUnavailable {
				t.Errorf("result = %+v", result)
			}
			if result.Facilities == nil || len(result.Facilities) != 0 {
				t.Errorf("Facilities = %v, want empty non-nil", result.Facilities)
			}
			if atomic.LoadInt32(&finder.calls) != 0 || atomic.LoadInt32(&rc.writes) != 0 {
				t.Error("no fetch or cache write expected after geolocation failure")
			}
			assertStates(t, states(), StateIdle, StateCheckingCache, StateLocatingUser, StateFailed)
			if s.State() != StateFailed {
				t.Errorf("State() = %v", s.State())
			}
		})
	}
}

func TestDiscover_SourceFailureLeavesCacheUntouched(t *testing.T) {
	const now = int64(10_000_000_000)
	rc := newCache(now - 3_700_000)
	_ = rc.ResultCache.Write(context.Background(), scope, facilities(4))
	rc.SetClock(func() time.Time { return time.UnixMilli(now) })

	finder := &mockFinder{err: fmt.Errorf("%w: HTTP 504", client.ErrSourceUnavailable)}
	s := NewDiscoveryService(finder, rc, 0, nil)
	states := recordTransitions(s)

	result, err := s.Discover(context.Background(), scope, StaticPosition(home))
	if !errors.Is(err, client.ErrSourceUnavailable) {
		t.Fatalf("Discover() error = %v, want ErrSourceUnavailable", err)
	}
	if result.State != string(StateFailed) || result.FailureReason != ReasonSourceUnavailable {
		t.Errorf("result = %+v", result)
	}
	if atomic.LoadInt32(&rc.writes) != 0 {
		t.Error("cache written after source failure")
	}
	entry, ok := rc.Read(context.Background(), scope)
	if !ok || len(entry.Facilities) != 4 || entry.FetchedAtEpochMs != now-3_700_000 {
		t.Errorf("prior entry modified: %+v", entry)
	}
	assertStates(t, states(), StateIdle, StateCheckingCache, StateLocatingUser, StateFetching, StateFailed)
}

func TestDiscover_CancelDuringFetch(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	finder := &mockFinder{result: locator.Result{Facilities: facilities(6)}, delay: time.Second}
	rc := newCache(0)
	s := NewDiscoveryService(finder, rc, 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	result, err := s.Discover(ctx, scope, StaticPosition(home))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Discover() error = %v, want DeadlineExceeded", err)
	}
	if result.State != string(StateFailed) || result.FailureReason != ReasonCancelled {
		t.Fatalf("result = %+v, want Failed/cancelled", result)
	}

	waitFor(t, "session to stop fetching", func() bool { return atomic.LoadInt32(&finder.canceled) == 1 })
	waitFor(t, "session to fail", func() bool { return s.State() == StateFailed })
	if atomic.LoadInt32(&rc.writes) != 0 {
		t.Error("cache written after cancellation")
	}
	if got := traffic.Counts(time.Minute).Failed; got != 0 {
		t.Errorf("traffic failures = %d, want 0 for an abandoned session", got)
	}
}

func TestDiscover_CancelWhileLocatingIsNotSourceFailure(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	finder := &mockFinder{}
	s := NewDiscoveryService(finder, newCache(0), time.Minute, nil)
	states := recordTransitions(s)
	hanging := providerFunc(func(ctx context.Context) (models.Coordinate, error) {
		<-ctx.Done()
		return models.Coordinate{}, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result, err := s.Discover(ctx, scope, hanging)
	if err == nil || result.FailureReason != ReasonCancelled {
		t.Fatalf("Discover() = %+v, %v; want Failed/cancelled", result, err)
	}

	waitFor(t, "session to fail", func() bool { return len(states()) == 4 })
	assertStates(t, states(), StateIdle, StateCheckingCache, StateLocatingUser, StateFailed)
	if atomic.LoadInt32(&finder.calls) != 0 {
		t.Error("finder called after the caller left")
	}
	if got := traffic.Counts(time.Minute).Failed; got != 0 {
		t.Errorf("traffic failures = %d, want 0", got)
	}
}

func TestDiscover_ConcurrentCallsShareSession(t *testing.T) {
	finder := &mockFinder{result: locator.Result{Facilities: facilities(6)}, delay: 50 * time.Millisecond}
	rc := newCache(0)
	s := NewDiscoveryService(finder, rc, 0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Discover(context.Background(), scope, StaticPosition(home)); err != nil {
				t.Errorf("Discover() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&finder.calls); got != 1 {
		t.Errorf("finder calls = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&rc.writes); got != 1 {
		t.Errorf("cache writes = %d, want 1", got)
	}
}

func TestDiscover_OverlappingCallersAtDifferentPositions(t *testing.T) {
	tests := []struct {
		name        string
		chennaiSc   string
		parisSc     string
		wantFetches int32
	}{
		{"different clients", "chennai-client", "paris-client", 2},
		// One client moving: sessions run one after the other and the
		// second is served from the first one's entry.
		{"same client", scope, scope, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			finder := &mockFinder{result: locator.Result{Facilities: facilities(6)}, delay: 40 * time.Millisecond}
			s := NewDiscoveryService(finder, newCache(0), 0, nil)

			chennaiDone := make(chan models.DiscoveryResult, 1)
			go func() {
				r, _ := s.Discover(context.Background(), tt.chennaiSc, StaticPosition(home))
				chennaiDone <- r
			}()
			waitFor(t, "chennai fetch to start", func() bool { return atomic.LoadInt32(&finder.calls) == 1 })

			parisResult, err := s.Discover(context.Background(), tt.parisSc, StaticPosition(paris))
			if err != nil {
				t.Fatalf("Discover(paris) error = %v", err)
			}
			chennaiResult := <-chennaiDone

			if chennaiResult.UserLocation == nil || *chennaiResult.UserLocation != home {
				t.Errorf("chennai UserLocation = %v, want %v", chennaiResult.UserLocation, home)
			}
			if parisResult.UserLocation != nil && *parisResult.UserLocation != paris {
				t.Errorf("paris caller got UserLocation %v", *parisResult.UserLocation)
			}
			if !parisResult.FromCache && parisResult.Facilities[0].Location != paris {
				t.Errorf("paris caller got facilities around %v", parisResult.Facilities[0].Location)
			}
			if got := atomic.LoadInt32(&finder.calls); got != tt.wantFetches {
				t.Errorf("finder calls = %d, want %d", got, tt.wantFetches)
			}
		})
	}
}

func TestDiscover_JoinerSurvivesLeaderCancel(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	finder := &mockFinder{result: locator.Result{Facilities: facilities(6)}, delay: 80 * time.Millisecond}
	rc := newCache(0)
	s := NewDiscoveryService(finder, rc, 0, nil)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderDone := make(chan models.DiscoveryResult, 1)
	go func() {
		r, _ := s.Discover(leaderCtx, scope, StaticPosition(home))
		leaderDone <- r
	}()
	waitFor(t, "leader fetch to start", func() bool { return atomic.LoadInt32(&finder.calls) == 1 })

	joinerDone := make(chan error, 1)
	var joined models.DiscoveryResult
	go func() {
		var err error
		joined, err = s.Discover(context.Background(), scope, StaticPosition(home))
		joinerDone <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelLeader()

	if r := <-leaderDone; r.FailureReason != ReasonCancelled {
		t.Errorf("leader result = %+v, want Failed/cancelled", r)
	}
	if err := <-joinerDone; err != nil {
		t.Fatalf("joiner Discover() error = %v", err)
	}
	if joined.State != string(StateReady) || len(joined.Facilities) != 6 {
		t.Errorf("joiner result = %+v, want Ready", joined)
	}
	if got := atomic.LoadInt32(&finder.calls); got != 1 {
		t.Errorf("finder calls = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&rc.writes); got != 1 {
		t.Errorf("cache writes = %d, want 1", got)
	}
	if got := traffic.Counts(time.Minute).Failed; got != 0 {
		t.Errorf("traffic failures = %d, want 0", got)
	}
}

func TestDiscover_SessionTimeout(t *testing.T) {
	finder := &mockFinder{result: locator.Result{Facilities: facilities(6)}, delay: time.Second}
	s := NewDiscoveryService(finder, newCache(0), 0, nil)
	s.SetSessionTimeout(30 * time.Millisecond)

	result, err := s.Discover(context.Background(), scope, StaticPosition(home))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Discover() error = %v, want DeadlineExceeded", err)
	}
	if result.FailureReason != ReasonSourceUnavailable {
		t.Errorf("FailureReason = %q, want %q", result.FailureReason, ReasonSourceUnavailable)
	}
}

func TestRefresh_BypassesValidCache(t *testing.T) {
	rc := newCache(0)
	_ = rc.ResultCache.Write(context.Background(), scope, facilities(2))
	finder := &mockFinder{result: locator.Result{Facilities: facilities(6)}}
	s := NewDiscoveryService(finder, rc, 0, nil)
	states := recordTransitions(s)

	result, err := s.Refresh(context.Background(), scope, StaticPosition(home))
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if result.FromCache || len(result.Facilities) != 6 {
		t.Errorf("result = %+v, want fresh fetch", result)
	}
	assertStates(t, states(), StateIdle, StateCheckingCache, StateLocatingUser, StateFetching, StateReady)
	entry, _ := rc.Read(context.Background(), scope)
	if len(entry.Facilities) != 6 {
		t.Errorf("cached facilities = %d, want 6", len(entry.Facilities))
	}
}

func TestRefresh_FailureKeepsValidEntry(t *testing.T) {
	const now = int64(10_000_000_000)
	rc := newCache(now - 60_000)
	_ = rc.ResultCache.Write(context.Background(), scope, facilities(6))
	rc.SetClock(func() time.Time { return time.UnixMilli(now) })
	atomic.StoreInt32(&rc.writes, 0)

	s := NewDiscoveryService(&mockFinder{err: client.ErrSourceUnavailable}, rc, 0, nil)
	if _, err := s.Refresh(context.Background(), scope, StaticPosition(home)); !errors.Is(err, client.ErrSourceUnavailable) {
		t.Fatalf("Refresh() error = %v, want ErrSourceUnavailable", err)
	}

	entry, ok := rc.Read(context.Background(), scope)
	if !ok || !rc.IsValid(entry) || len(entry.Facilities) != 6 || entry.FetchedAtEpochMs != now-60_000 {
		t.Errorf("entry after failed refresh = %+v, ok=%v valid=%v", entry, ok, rc.IsValid(entry))
	}
	if atomic.LoadInt32(&rc.writes) != 0 {
		t.Error("cache written by a failed refresh")
	}

	if err := s.RefreshAt(context.Background(), scope, home); err == nil {
		t.Fatal("RefreshAt() error = nil with failing source")
	}
	if entry, ok := rc.Read(context.Background(), scope); !ok || !rc.IsValid(entry) {
		t.Error("entry lost after failed RefreshAt")
	}
}

func TestRefreshAt_ReportsFailure(t *testing.T) {
	finder := &mockFinder{err: client.ErrSourceUnavailable}
	s := NewDiscoveryService(finder, newCache(0), 0, nil)

	if err := s.RefreshAt(context.Background(), "lobby", home); !errors.Is(err, client.ErrSourceUnavailable) {
		t.Errorf("RefreshAt() error = %v, want ErrSourceUnavailable", err)
	}
}

func TestClear_DropsOnlyThatScope(t *testing.T) {
	rc := newCache(0)
	ctx := context.Background()
	_ = rc.ResultCache.Write(ctx, "a", facilities(2))
	_ = rc.ResultCache.Write(ctx, "b", facilities(3))
	s := NewDiscoveryService(&mockFinder{}, rc, 0, nil)

	if err := s.Clear(ctx, "a"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if entry, ok := rc.Read(ctx, "a"); ok && rc.IsValid(entry) {
		t.Error("cleared entry still valid")
	}
	if entry, ok := rc.Read(ctx, "b"); !ok || !rc.IsValid(entry) || len(entry.Facilities) != 3 {
		t.Errorf("other scope changed: %+v, %v", entry, ok)
	}
}

func TestScopeLocks_ReleaseForgetsIdleScopes(t *testing.T) {
	l := scopeLocks{locks: make(map[string]*scopeLock)}
	release, err := l.acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.acquire(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second acquire() error = %v, want DeadlineExceeded", err)
	}
	otherRelease, err := l.acquire(context.Background(), "b")
	if err != nil {
		t.Fatalf("acquire(b) error = %v", err)
	}
	otherRelease()
	release()

	if len(l.locks) != 0 {
		t.Errorf("locks retained for idle scopes: %v", l.locks)
	}
}

func TestPositionSessionKeys(t *testing.T) {
	if StaticPosition(home).SessionKey() == StaticPosition(paris).SessionKey() {
		t.Error("different positions share a session key")
	}
	if StaticPosition(home).SessionKey() != StaticPosition(home).SessionKey() {
		t.Error("same position yields different session keys")
	}
	if (PositionError{Err: ErrPermissionDenied}).SessionKey() == (PositionError{Err: ErrPositionTimeout}).SessionKey() {
		t.Error("different geolocation errors share a session key")
	}
}

func TestParsePositionError(t *testing.T) {
	tests := map[string]error{
		"denied":      ErrPermissionDenied,
		"timeout":     ErrPositionTimeout,
		"unavailable": ErrPositionUnavailable,
	}
	for code, want := range tests {
		got, ok := ParsePositionError(code)
		if !ok || got != want {
			t.Errorf("ParsePositionError(%q) = %v, %v", code, got, ok)
		}
	}
	if _, ok := ParsePositionError("bogus"); ok {
		t.Error("ParsePositionError(bogus) ok = true")
	}
}
