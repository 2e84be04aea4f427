package http

import (
	"context"
	"sync"
	"time"
)

// drainTracker counts requests being served, per route template, so shutdown
// can wait for them and report which routes are still busy. A slow discovery
// session holds /parking/nearby open for the full source plus resolver timeout.
type drainTracker struct {
	mu     sync.Mutex
	total  int64
	routes map[string]int64
	idle   chan struct{}
}

func newDrainTracker() *drainTracker {
	idle := make(chan struct{})
	close(idle)
	return &drainTracker{routes: make(map[string]int64), idle: idle}
}

// begin registers a request on route and returns the func that ends it.
func (d *drainTracker) begin(route string) (end func()) {
	d.mu.Lock()
	if d.total == 0 {
		d.idle = make(chan struct{})
	}
	d.total++
	d.routes[route]++
	d.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { d.finish(route) }) }
}

func (d *drainTracker) finish(route string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.total--
	if d.routes[route]--; d.routes[route] <= 0 {
		delete(d.routes, route)
	}
	if d.total == 0 {
		close(d.idle)
	}
}

func (d *drainTracker) count() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

func (d *drainTracker) busyRoutes() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int64, len(d.routes))
	for r, n := range d.routes {
		out[r] = n
	}
	return out
}

// wait blocks until no request is in flight or ctx is done. progress, when
// positive, is the interval at which onProgress is called with the remaining count.
func (d *drainTracker) wait(ctx context.Context, progress time.Duration, onProgress func(int64)) error {
	var tick <-chan time.Time
	if progress > 0 && onProgress != nil {
		ticker := time.NewTicker(progress)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		d.mu.Lock()
		idle := d.idle
		d.mu.Unlock()
		select {
		case <-idle:
			if d.count() == 0 {
				return nil
			}
		case <-tick:
			onProgress(d.count())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// requests is the process-wide tracker fed by MetricsMiddleware.
var requests = newDrainTracker()

// InFlightCount returns the number of requests currently being served.
func InFlightCount() int64 {
	return requests.count()
}

// InFlightByRoute returns the in-flight count per route template, omitting idle routes.
func InFlightByRoute() map[string]int64 {
	return requests.busyRoutes()
}

// WaitForInFlight blocks until every in-flight request has finished or ctx is
// done. onProgress, if set, is called every progress interval while waiting.
func WaitForInFlight(ctx context.Context, progress time.Duration, onProgress func(remaining int64)) error {
	return requests.wait(ctx, progress, onProgress)
}
