package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/kjstillabower/parking-discovery-service/internal/models"
)

var sampleFacilities = []models.ParkingFacility{
	{Name: "Express Avenue Parking", Address: "Whites Road", Location: models.Coordinate{Latitude: 13.06, Longitude: 80.26}, DistanceKm: 1.21},
	{Name: "Mall Lot", Address: models.UnknownAddress, Location: models.Coordinate{Latitude: 13.05, Longitude: 80.24}, DistanceKm: 0.73},
}

type failingStore struct{ err error }

func (f failingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, f.err
}

func (f failingStore) SetMany(ctx context.Context, values map[string][]byte) error {
	return f.err
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestResultCache_ReadEmpty(t *testing.T) {
	c := NewResultCache(NewInMemoryStore(), 0, nil)
	if _, ok := c.Read(context.Background(), ""); ok {
		t.Error("Read() on empty store ok = true")
	}
	if c.TTL() != DefaultTTL {
		t.Errorf("TTL() = %v, want %v", c.TTL(), DefaultTTL)
	}
}

func TestResultCache_WriteThenRead(t *testing.T) {
	c := NewResultCache(NewInMemoryStore(), 0, nil)
	c.SetClock(fixedClock(1_700_000_000_000))
	ctx := context.Background()

	if err := c.Write(ctx, "", sampleFacilities); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	entry, ok := c.Read(ctx, "")
	if !ok {
		t.Fatal("Read() ok = false after Write")
	}
	if entry.FetchedAtEpochMs != 1_700_000_000_000 {
		t.Errorf("FetchedAtEpochMs = %d", entry.FetchedAtEpochMs)
	}
	if len(entry.Facilities) != 2 || entry.Facilities[0] != sampleFacilities[0] || entry.Facilities[1] != sampleFacilities[1] {
		t.Errorf("Facilities = %+v", entry.Facilities)
	}
	if !c.IsValid(entry) {
		t.Error("IsValid() = false immediately after write")
	}
}

func TestResultCache_IsValid(t *testing.T) {
	const now = int64(10_000_000_000)
	c := NewResultCache(NewInMemoryStore(), time.Hour, nil)
	c.SetClock(fixedClock(now))

	tests := []struct {
		name  string
		ageMs int64
		want  bool
	}{
		{"fresh", 0, true},
		{"under ttl", 3_500_000, true},
		{"exactly ttl", 3_600_000, false},
		{"over ttl", 3_700_000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := models.CacheEntry{FetchedAtEpochMs: now - tt.ageMs}
			if got := c.IsValid(entry); got != tt.want {
				t.Errorf("IsValid(age=%dms) = %v, want %v", tt.ageMs, got, tt.want)
			}
		})
	}
}

func TestResultCache_Invalidate(t *testing.T) {
	c := NewResultCache(NewInMemoryStore(), 0, nil)
	ctx := context.Background()
	_ = c.Write(ctx, "", sampleFacilities)

	if err := c.Invalidate(ctx, ""); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	entry, ok := c.Read(ctx, "")
	if !ok {
		t.Fatal("Read() after Invalidate ok = false, want readable empty entry")
	}
	if len(entry.Facilities) != 0 || entry.FetchedAtEpochMs != 0 {
		t.Errorf("entry = %+v, want empty with zero timestamp", entry)
	}
	if c.IsValid(entry) {
		t.Error("IsValid() = true after Invalidate")
	}
}

func TestResultCache_WriteReplacesWholeEntry(t *testing.T) {
	c := NewResultCache(NewInMemoryStore(), 0, nil)
	ctx := context.Background()
	_ = c.Write(ctx, "", sampleFacilities)
	_ = c.Write(ctx, "", sampleFacilities[:1])

	entry, _ := c.Read(ctx, "")
	if len(entry.Facilities) != 1 {
		t.Errorf("len(Facilities) = %d, want 1", len(entry.Facilities))
	}
}

func TestResultCache_CorruptEntryReadsAsAbsent(t *testing.T) {
	tests := []struct {
		name   string
		values map[string][]byte
	}{
		{"bad facilities json", map[string][]byte{KeyFacilities: []byte("[{"), KeyTimestamp: []byte("1")}},
		{"bad timestamp", map[string][]byte{KeyFacilities: []byte("[]"), KeyTimestamp: []byte("yesterday")}},
		{"missing facilities", map[string][]byte{KeyTimestamp: []byte("1")}},
		{"torn write without timestamp", map[string][]byte{KeyFacilities: []byte(`[{"name":"Lot"}]`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewInMemoryStore()
			_ = store.SetMany(context.Background(), tt.values)
			if _, ok := NewResultCache(store, 0, nil).Read(context.Background(), ""); ok {
				t.Error("Read() ok = true for corrupt entry")
			}
		})
	}
}

func TestResultCache_StoreErrors(t *testing.T) {
	boom := errors.New("store down")
	c := NewResultCache(failingStore{err: boom}, 0, nil)

	if _, ok := c.Read(context.Background(), ""); ok {
		t.Error("Read() ok = true with failing store")
	}
	if err := c.Write(context.Background(), "", sampleFacilities); !errors.Is(err, boom) {
		t.Errorf("Write() error = %v, want wrapped store error", err)
	}
}

func TestResultCache_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStoreFromAddr(mr.Addr(), "", 0)
	defer store.Close()

	c := NewResultCache(store, 0, nil)
	ctx := context.Background()
	if err := c.Write(ctx, "client-a", sampleFacilities); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	entry, ok := c.Read(ctx, "client-a")
	if !ok || len(entry.Facilities) != 2 {
		t.Fatalf("Read() = %+v, %v", entry, ok)
	}

	ts, err := mr.Get("parking:client-a:" + KeyTimestamp)
	if err != nil || ts == "" {
		t.Errorf("timestamp key not stored as string: %q, %v", ts, err)
	}
}

func TestResultCache_ScopesAreIsolated(t *testing.T) {
	c := NewResultCache(NewInMemoryStore(), 0, nil)
	ctx := context.Background()

	if err := c.Write(ctx, "chennai-client", sampleFacilities); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, ok := c.Read(ctx, "paris-client"); ok {
		t.Error("Read() for another scope ok = true, want miss")
	}
	if _, ok := c.Read(ctx, ""); ok {
		t.Error("Read() for the default scope ok = true, want miss")
	}

	_ = c.Write(ctx, "paris-client", sampleFacilities[:1])
	if err := c.Invalidate(ctx, "paris-client"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	entry, ok := c.Read(ctx, "chennai-client")
	if !ok || !c.IsValid(entry) || len(entry.Facilities) != 2 {
		t.Errorf("Invalidate of one scope touched another: %+v, %v", entry, ok)
	}
}
