package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/parking-discovery-service/internal/models"
	"github.com/kjstillabower/parking-discovery-service/internal/observability"
)

// AddressResolver turns a coordinate into a display address. Implementations
// fail soft: they return models.UnknownAddress instead of an error.
type AddressResolver interface {
	ResolveAddress(ctx context.Context, loc models.Coordinate) string
}

// NominatimClient reverse-geocodes coordinates against a Nominatim /reverse endpoint.
type NominatimClient struct {
	apiURL    string
	userAgent string
	timeout   time.Duration
	client    *http.Client
	logger    *zap.Logger
}

// NewNominatimClient creates a reverse geocoder. timeout bounds each lookup.
// The public Nominatim service rejects requests without an identifying User-Agent.
func NewNominatimClient(apiURL, userAgent string, timeout time.Duration, logger *zap.Logger) (*NominatimClient, error) {
	if _, err := url.ParseRequestURI(apiURL); err != nil {
		return nil, fmt.Errorf("invalid nominatim URL %q: %w", apiURL, err)
	}
	if strings.TrimSpace(userAgent) == "" {
		return nil, fmt.Errorf("nominatim user agent is required")
	}
	return &NominatimClient{
		apiURL:    apiURL,
		userAgent: userAgent,
		timeout:   timeout,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}, nil
}

type nominatimResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

// ResolveAddress returns the display name for loc, or models.UnknownAddress on any failure.
func (c *NominatimClient) ResolveAddress(ctx context.Context, loc models.Coordinate) string {
	addr, err := c.reverse(ctx, loc)
	if err != nil {
		observability.AddressResolutionsTotal.WithLabelValues("failed").Inc()
		observability.LoggerFromContext(ctx, c.logger).Warn("reverse geocoding failed",
			zap.Float64("lat", loc.Latitude),
			zap.Float64("lng", loc.Longitude),
			zap.String("category", string(CategorizeError(err))),
			zap.Error(err))
		return models.UnknownAddress
	}
	observability.AddressResolutionsTotal.WithLabelValues("resolved").Inc()
	return addr
}

func (c *NominatimClient) reverse(ctx context.Context, loc models.Coordinate) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(ctx, loc)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := handleErrorResponse(resp); err != nil {
		return "", err
	}

	var decoded nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: parse response: %v", ErrMalformedResponse, err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("nominatim: %s", decoded.Error)
	}
	name := strings.TrimSpace(decoded.DisplayName)
	if name == "" {
		return "", fmt.Errorf("%w: missing display_name", ErrMalformedResponse)
	}
	return name, nil
}

func (c *NominatimClient) buildRequest(ctx context.Context, loc models.Coordinate) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	params := url.Values{}
	params.Set("format", "json")
	params.Set("lat", strconv.FormatFloat(loc.Latitude, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}
