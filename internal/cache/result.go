package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/parking-discovery-service/internal/models"
	"github.com/kjstillabower/parking-discovery-service/internal/observability"
)

// Keys under which the result set is persisted. The facilities are a JSON array;
// the timestamp is a decimal string of epoch milliseconds.
const (
	KeyFacilities = "parkingSpots"
	KeyTimestamp  = "parkingSpotsTimestamp"
)

// scopedKeys returns the facilities and timestamp keys for a client scope.
// The empty scope uses the bare keys.
func scopedKeys(scope string) (facilities, timestamp string) {
	if scope == "" {
		return KeyFacilities, KeyTimestamp
	}
	return scope + ":" + KeyFacilities, scope + ":" + KeyTimestamp
}

// DefaultTTL is how long a stored result set stays valid.
const DefaultTTL = time.Hour

// ResultCache persists the most recent discovery result set of each client
// scope in a Store. Scopes never share an entry; an entry's validity depends
// only on its age. Reads fail soft: anything missing or unreadable is
// reported as absent.
type ResultCache struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewResultCache creates a ResultCache over store. ttl <= 0 uses DefaultTTL.
func NewResultCache(store Store, ttl time.Duration, logger *zap.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultCache{store: store, ttl: ttl, now: time.Now, logger: logger}
}

// SetClock replaces the time source. Used by tests.
func (c *ResultCache) SetClock(now func() time.Time) {
	c.now = now
}

// TTL returns the configured validity window.
func (c *ResultCache) TTL() time.Duration {
	return c.ttl
}

// Read loads the entry stored for scope. It returns false if either key is
// missing or either value cannot be decoded, and never returns an error.
func (c *ResultCache) Read(ctx context.Context, scope string) (models.CacheEntry, bool) {
	entry, outcome, err := c.read(ctx, scope)
	observability.ResultCacheReadsTotal.WithLabelValues(outcome).Inc()
	if err != nil {
		observability.LoggerFromContext(ctx, c.logger).Warn("result cache read failed",
			zap.String("scope", scope), zap.String("outcome", outcome), zap.Error(err))
		return models.CacheEntry{}, false
	}
	return entry, outcome == "hit"
}

func (c *ResultCache) read(ctx context.Context, scope string) (models.CacheEntry, string, error) {
	keyFacilities, keyTimestamp := scopedKeys(scope)
	rawTS, ok, err := c.store.Get(ctx, keyTimestamp)
	if err != nil {
		return models.CacheEntry{}, "error", err
	}
	if !ok {
		return models.CacheEntry{}, "miss", nil
	}
	rawFacilities, ok, err := c.store.Get(ctx, keyFacilities)
	if err != nil {
		return models.CacheEntry{}, "error", err
	}
	if !ok {
		return models.CacheEntry{}, "miss", nil
	}

	ts, err := strconv.ParseInt(string(rawTS), 10, 64)
	if err != nil {
		return models.CacheEntry{}, "corrupt", fmt.Errorf("decode %s: %w", KeyTimestamp, err)
	}
	var facilities []models.ParkingFacility
	if err := json.Unmarshal(rawFacilities, &facilities); err != nil {
		return models.CacheEntry{}, "corrupt", fmt.Errorf("decode %s: %w", KeyFacilities, err)
	}
	if facilities == nil {
		facilities = []models.ParkingFacility{}
	}
	return models.CacheEntry{Facilities: facilities, FetchedAtEpochMs: ts}, "hit", nil
}

// IsValid reports whether entry is younger than the TTL.
func (c *ResultCache) IsValid(entry models.CacheEntry) bool {
	age := c.now().UnixMilli() - entry.FetchedAtEpochMs
	return age < c.ttl.Milliseconds()
}

// Write replaces the entry of scope with facilities stamped with the current time.
func (c *ResultCache) Write(ctx context.Context, scope string, facilities []models.ParkingFacility) error {
	return c.write(ctx, scope, facilities, c.now().UnixMilli())
}

// Invalidate overwrites the entry of scope with an empty list and a zero
// timestamp, which no TTL considers valid.
func (c *ResultCache) Invalidate(ctx context.Context, scope string) error {
	return c.write(ctx, scope, []models.ParkingFacility{}, 0)
}

func (c *ResultCache) write(ctx context.Context, scope string, facilities []models.ParkingFacility, ts int64) error {
	if facilities == nil {
		facilities = []models.ParkingFacility{}
	}
	raw, err := json.Marshal(facilities)
	if err != nil {
		observability.ResultCacheWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("encode facilities: %w", err)
	}
	keyFacilities, keyTimestamp := scopedKeys(scope)
	err = c.store.SetMany(ctx, map[string][]byte{
		keyFacilities: raw,
		keyTimestamp:  []byte(strconv.FormatInt(ts, 10)),
	})
	if err != nil {
		observability.ResultCacheWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("write result cache: %w", err)
	}
	observability.ResultCacheWritesTotal.WithLabelValues("success").Inc()
	return nil
}
