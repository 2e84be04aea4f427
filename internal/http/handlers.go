package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/parking-discovery-service/internal/geo"
	"github.com/kjstillabower/parking-discovery-service/internal/lifecycle"
	"github.com/kjstillabower/parking-discovery-service/internal/models"
	"github.com/kjstillabower/parking-discovery-service/internal/observability"
	"github.com/kjstillabower/parking-discovery-service/internal/service"
	"github.com/kjstillabower/parking-discovery-service/internal/traffic"
	"github.com/kjstillabower/parking-discovery-service/internal/validation"
)

// Discoverer is implemented by service.DiscoveryService.
type Discoverer interface {
	Discover(ctx context.Context, scope string, provider service.PositionProvider) (models.DiscoveryResult, error)
	Refresh(ctx context.Context, scope string, provider service.PositionProvider) (models.DiscoveryResult, error)
	Clear(ctx context.Context, scope string) error
	State() service.State
}

// Clients identify themselves with ClientIDHeader, or with ClientCookie which
// is issued on first contact. The ID scopes the cached result.
const (
	ClientIDHeader = "X-Client-ID"
	ClientCookie   = "parking_client"
	clientMaxAge   = 365 * 24 * 60 * 60
)

// HealthConfig holds thresholds and backend checks for the health handler.
type HealthConfig struct {
	DegradedWindow      time.Duration
	DegradedMinSessions int
	DegradedFailurePct  int
	// StorePing, when set, checks reachability of the result cache backend.
	StorePing func(ctx context.Context) error
	// BreakerState, when set, reports the spatial source circuit breaker state.
	BreakerState func() string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	discovery        Discoverer
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(discovery Discoverer, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{discovery: discovery, healthConfig: healthConfig, logger: logger}
}

// facilityView is a ParkingFacility as rendered to clients.
type facilityView struct {
	Name       string            `json:"name"`
	Address    string            `json:"address"`
	Location   models.Coordinate `json:"location"`
	DistanceKm float64           `json:"distanceKm"`
}

type nearbyResponse struct {
	State             string             `json:"state"`
	Facilities        []facilityView     `json:"facilities"`
	FromCache         bool               `json:"fromCache"`
	FewerThanExpected bool               `json:"fewerThanExpected"`
	Warning           string             `json:"warning,omitempty"`
	UserLocation      *models.Coordinate `json:"userLocation,omitempty"`
	FetchedAt         *time.Time         `json:"fetchedAt,omitempty"`
	Error             *errorBody         `json:"error,omitempty"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

const fewerThanExpectedWarning = "Fewer parking spots found nearby than expected. Try increasing the search radius."

// GetNearby handles GET /parking/nearby.
func (h *Handler) GetNearby(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.clientScope(w, r)
	if !ok {
		return
	}
	provider, ok := h.positionProvider(w, r)
	if !ok {
		return
	}
	result, err := h.discovery.Discover(r.Context(), scope, provider)
	h.writeResult(w, r, result, err)
}

// PostRefresh handles POST /parking/refresh.
func (h *Handler) PostRefresh(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.clientScope(w, r)
	if !ok {
		return
	}
	provider, ok := h.positionProvider(w, r)
	if !ok {
		return
	}
	result, err := h.discovery.Refresh(r.Context(), scope, provider)
	h.writeResult(w, r, result, err)
}

// DeleteCache handles DELETE /parking/cache, dropping the caller's cached result.
func (h *Handler) DeleteCache(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.clientScope(w, r)
	if !ok {
		return
	}
	if err := h.discovery.Clear(r.Context(), scope); err != nil {
		logger := observability.LoggerFromContext(r.Context(), h.logger)
		logger.Warn("cache clear failed", zap.String("client_id", scope), zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "Unable to clear cached results")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// clientScope resolves the caller's client ID from the header, then the
// cookie, and otherwise issues a new one. The ID is echoed in ClientIDHeader.
func (h *Handler) clientScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.Header.Get(ClientIDHeader)
	if strings.TrimSpace(raw) == "" {
		if c, err := r.Cookie(ClientCookie); err == nil {
			raw = c.Value
		}
	}
	if strings.TrimSpace(raw) == "" {
		id := uuid.New().String()
		http.SetCookie(w, &http.Cookie{
			Name:     ClientCookie,
			Value:    id,
			Path:     "/parking",
			MaxAge:   clientMaxAge,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		w.Header().Set(ClientIDHeader, id)
		return id, true
	}
	id, err := validation.ParseClientID(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CLIENT_ID", err.Error())
		return "", false
	}
	w.Header().Set(ClientIDHeader, id)
	return id, true
}

// positionProvider builds a provider from lat/lng or geo_error query parameters.
// Missing coordinates are not an error here: a valid cached result needs no position.
func (h *Handler) positionProvider(w http.ResponseWriter, r *http.Request) (service.PositionProvider, bool) {
	q := r.URL.Query()
	if code := strings.TrimSpace(q.Get("geo_error")); code != "" {
		geoErr, ok := service.ParsePositionError(code)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "INVALID_GEO_ERROR", "geo_error must be denied, timeout or unavailable")
			return nil, false
		}
		return service.PositionError{Err: geoErr}, true
	}

	lat, lng := q.Get("lat"), q.Get("lng")
	if strings.TrimSpace(lat) == "" && strings.TrimSpace(lng) == "" {
		return service.PositionError{Err: service.ErrPositionUnavailable}, true
	}
	coord, err := validation.ParseCoordinate(lat, lng)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATE", err.Error())
		return nil, false
	}
	return service.StaticPosition(coord), true
}

func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, result models.DiscoveryResult, err error) {
	resp := presentResult(result)
	if err == nil && result.State == string(service.StateReady) {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	logger := observability.LoggerFromContext(r.Context(), h.logger)
	logger.Debug("discovery failed", zap.String("reason", result.FailureReason), zap.Error(err))

	status, code, message := http.StatusServiceUnavailable, "SOURCE_UNAVAILABLE", "Unable to fetch parking data"
	switch {
	case result.FailureReason == service.ReasonCancelled && errors.Is(err, context.DeadlineExceeded):
		status, code, message = http.StatusGatewayTimeout, "TIMEOUT", "Request timed out"
	case result.FailureReason == service.ReasonCancelled:
		code, message = "REQUEST_CANCELLED", "Request was cancelled"
	case result.FailureReason == service.ReasonLocationUnavailable || errors.Is(err, service.ErrPermissionDenied):
		code, message = "LOCATION_UNAVAILABLE", "Unable to determine your location"
	}
	resp.State = string(service.StateFailed)
	resp.Error = &errorBody{Code: code, Message: message, RequestID: observability.CorrelationIDFromContext(r.Context())}
	writeJSON(w, status, resp)
}

// presentResult renders a result, rounding distances for display.
func presentResult(result models.DiscoveryResult) nearbyResponse {
	resp := nearbyResponse{
		State:             result.State,
		Facilities:        make([]facilityView, 0, len(result.Facilities)),
		FromCache:         result.FromCache,
		FewerThanExpected: result.FewerThanExpected,
		UserLocation:      result.UserLocation,
	}
	for _, f := range result.Facilities {
		resp.Facilities = append(resp.Facilities, facilityView{
			Name:       f.Name,
			Address:    f.Address,
			Location:   f.Location,
			DistanceKm: geo.RoundKm(f.DistanceKm),
		})
	}
	if result.FewerThanExpected {
		resp.Warning = fewerThanExpectedWarning
	}
	if !result.FetchedAt.IsZero() {
		t := result.FetchedAt.UTC()
		resp.FetchedAt = &t
	}
	return resp
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"spatialSource": "healthy"}
	if result.status == "degraded" {
		checks["spatialSource"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.BreakerState != nil {
		checks["circuitBreaker"] = h.healthConfig.BreakerState()
	}
	if h.healthConfig != nil && h.healthConfig.StorePing != nil {
		if h.healthConfig.StorePing(r.Context()) == nil {
			checks["resultCache"] = "healthy"
		} else {
			checks["resultCache"] = "unhealthy"
		}
	}

	now := time.Now()
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":        result.status,
		"service":       "parking-discovery-service",
		"version":       "dev",
		"checks":        checks,
		"lastSession":   string(h.discovery.State()),
		"uptimeSeconds": int64(lifecycle.Uptime(now).Seconds()),
		"timestamp":     now.UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order: shutting-down > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedFailurePct > 0 {
		threshold := float64(h.healthConfig.DegradedFailurePct) / 100
		if traffic.Degraded(h.healthConfig.DegradedWindow, h.healthConfig.DegradedMinSessions, threshold) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "failure_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": errorBody{
			Code:      code,
			Message:   message,
			RequestID: observability.CorrelationIDFromContext(r.Context()),
		},
	})
}
