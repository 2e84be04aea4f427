package http

import (
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/parking-discovery-service/internal/observability"
)

// NewRouter mounts the API. Rate limiting and the request timeout apply to /parking only.
func NewRouter(h *Handler, logger *zap.Logger, limiter *rate.Limiter, requestTimeout time.Duration) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	parking := router.PathPrefix("/parking").Subrouter()
	parking.Use(RateLimitMiddleware(limiter))
	parking.Use(TimeoutMiddleware(requestTimeout))
	parking.HandleFunc("/nearby", h.GetNearby).Methods("GET")
	parking.HandleFunc("/refresh", h.PostRefresh).Methods("POST")
	parking.HandleFunc("/cache", h.DeleteCache).Methods("DELETE")
	return router
}
