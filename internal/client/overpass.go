package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/parking-discovery-service/internal/circuitbreaker"
	"github.com/kjstillabower/parking-discovery-service/internal/models"
	"github.com/kjstillabower/parking-discovery-service/internal/observability"
)

// DefaultRadiusMeters is the search radius used when the caller passes none.
const DefaultRadiusMeters = 5000

// SpatialSource returns raw parking records around a coordinate.
type SpatialSource interface {
	FindParking(ctx context.Context, center models.Coordinate, radiusMeters int) ([]Element, error)
}

var (
	// ErrSourceUnavailable wraps every failure to obtain a well-formed response
	// from the spatial data source. It is a hard failure for the discovery session.
	ErrSourceUnavailable = errors.New("spatial source unavailable")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrRateLimited       = errors.New("rate limited")
	ErrMalformedResponse = errors.New("malformed response")
)

// Element is one raw Overpass record. Nodes carry Lat/Lon, ways and relations
// carry Center when queried with "out center".
type Element struct {
	Type   string            `json:"type"`
	ID     int64             `json:"id"`
	Lat    *float64          `json:"lat,omitempty"`
	Lon    *float64          `json:"lon,omitempty"`
	Center *LatLon           `json:"center,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// LatLon is the centroid Overpass reports for ways and relations.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Name returns the trimmed "name" tag.
func (e Element) Name() string {
	return strings.TrimSpace(e.Tags["name"])
}

// Address returns the trimmed "addr:full" tag.
func (e Element) Address() string {
	return strings.TrimSpace(e.Tags["addr:full"])
}

// Location returns the representative coordinate: the node position when present,
// else the shape centroid. ok is false when the record carries neither.
func (e Element) Location() (models.Coordinate, bool) {
	if e.Lat != nil && e.Lon != nil {
		return models.Coordinate{Latitude: *e.Lat, Longitude: *e.Lon}, true
	}
	if e.Center != nil {
		return models.Coordinate{Latitude: e.Center.Lat, Longitude: e.Center.Lon}, true
	}
	return models.Coordinate{}, false
}

type overpassResponse struct {
	Remark   string    `json:"remark"`
	Elements []Element `json:"elements"`
}

// OverpassClient queries an Overpass API interpreter for amenity=parking features.
type OverpassClient struct {
	apiURL         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	userAgent      string
	breaker        *circuitbreaker.CircuitBreaker
}

// NewOverpassClient creates a client with the default retry policy (3 attempts, 500ms base, 5s cap).
func NewOverpassClient(apiURL string, timeout time.Duration) (*OverpassClient, error) {
	return NewOverpassClientWithRetry(apiURL, timeout, 3, 500*time.Millisecond, 5*time.Second)
}

// NewOverpassClientWithRetry creates a client with an explicit retry policy.
// retryAttempts counts the first call; values below 1 are treated as 1.
func NewOverpassClientWithRetry(apiURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*OverpassClient, error) {
	if _, err := url.ParseRequestURI(apiURL); err != nil {
		return nil, fmt.Errorf("invalid overpass URL %q: %w", apiURL, err)
	}
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	return &OverpassClient{
		apiURL:         apiURL,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker guards every attempt with cb. Attempts rejected by an open
// breaker are not retried.
func (c *OverpassClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// SetUserAgent sets the User-Agent sent with each query.
func (c *OverpassClient) SetUserAgent(ua string) {
	c.userAgent = ua
}

// BuildParkingQuery returns the Overpass QL query for point, line and polygon
// parking amenities within radiusMeters of center, with centroids for shapes.
func BuildParkingQuery(center models.Coordinate, radiusMeters int) string {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	around := fmt.Sprintf("(around:%d,%s,%s)",
		radiusMeters,
		strconv.FormatFloat(center.Latitude, 'f', -1, 64),
		strconv.FormatFloat(center.Longitude, 'f', -1, 64),
	)
	var b strings.Builder
	b.WriteString("[out:json];\n(\n")
	for _, kind := range []string{"node", "way", "relation"} {
		b.WriteString("  " + kind + `["amenity"="parking"]` + around + ";\n")
	}
	b.WriteString(");\nout center;")
	return b.String()
}

// FindParking runs the parking query with retries. Any failure is returned wrapped
// in ErrSourceUnavailable.
func (c *OverpassClient) FindParking(ctx context.Context, center models.Coordinate, radiusMeters int) ([]Element, error) {
	query := BuildParkingQuery(center, radiusMeters)
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.SpatialSourceRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, ctx.Err())
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		elements, err := c.attempt(ctx, query)
		if err == nil {
			return elements, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, lastErr)
}

func (c *OverpassClient) attempt(ctx context.Context, query string) ([]Element, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, query)
	}
	var elements []Element
	err := c.breaker.Call(ctx, func() error {
		var callErr error
		elements, callErr = c.callAPI(ctx, query)
		return callErr
	})
	return elements, err
}

func (c *OverpassClient) callAPI(ctx context.Context, query string) ([]Element, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, query)
	if err != nil {
		observability.SpatialSourceCallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.SpatialSourceCallsTotal.WithLabelValues("error").Inc()
		observability.SpatialSourceDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.SpatialSourceCallsTotal.WithLabelValues(status).Inc()
	observability.SpatialSourceDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var apiResp overpassResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrMalformedResponse, err)
	}
	// Overpass reports query timeouts and memory exhaustion as a 200 with a runtime-error remark.
	if strings.HasPrefix(apiResp.Remark, "runtime error") {
		return nil, fmt.Errorf("%w: %s", ErrUpstreamFailure, apiResp.Remark)
	}
	if apiResp.Elements == nil {
		return nil, fmt.Errorf("%w: missing elements", ErrMalformedResponse)
	}
	return apiResp.Elements, nil
}

func (c *OverpassClient) buildRequest(ctx context.Context, query string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	params := url.Values{}
	params.Set("data", query)
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

func (c *OverpassClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryable reports whether a failed attempt may succeed on a later try.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// handleErrorResponse maps HTTP status codes to sentinel errors.
// Overpass answers 429 when the per-IP slot quota is used up and 504 when the server is overloaded.
func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("unexpected status: HTTP %d", resp.StatusCode)
	}
	return nil
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
