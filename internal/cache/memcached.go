package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const memcachedKeyPrefix = "parking:"

// MemcachedStore implements Store on memcached. Memcached has no multi-key
// transaction, so SetMany writes timestamp keys last (see writeOrder). Items
// never expire server-side; freshness is judged by the reader.
type MemcachedStore struct {
	client *memcache.Client
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use package defaults if zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedStore {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client}
}

// Get implements Store.Get.
func (s *MemcachedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	item, err := s.client.Get(memcachedKeyPrefix + key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("memcached get %s: %w", key, err)
	}
	return item.Value, true, nil
}

// SetMany implements Store.SetMany.
func (s *MemcachedStore) SetMany(ctx context.Context, values map[string][]byte) error {
	for _, k := range writeOrder(values) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.client.Set(&memcache.Item{Key: memcachedKeyPrefix + k, Value: values[k]}); err != nil {
			return fmt.Errorf("memcached set %s: %w", k, err)
		}
	}
	return nil
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStore) Ping(ctx context.Context) error {
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}

// writeOrder sorts keys so that every timestamp key comes after the data keys.
// A write torn between the two leaves data without a timestamp, which reads
// as a miss rather than as a fresh stamp on old data.
func writeOrder(values map[string][]byte) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ti, tj := strings.HasSuffix(keys[i], KeyTimestamp), strings.HasSuffix(keys[j], KeyTimestamp)
		if ti != tj {
			return tj
		}
		return keys[i] < keys[j]
	})
	return keys
}
