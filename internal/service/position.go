package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kjstillabower/parking-discovery-service/internal/models"
)

// Geolocation failures. Any of them ends a session in StateFailed.
var (
	ErrPermissionDenied    = errors.New("geolocation permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrPositionTimeout     = errors.New("geolocation timed out")
)

// PositionProvider supplies the user's current position.
type PositionProvider interface {
	CurrentPosition(ctx context.Context) (models.Coordinate, error)
}

// SessionKeyer is implemented by providers whose answer is known before a
// session asks for it. Concurrent callers share a session only when their
// keys are equal.
type SessionKeyer interface {
	SessionKey() string
}

// StaticPosition is a position already known to the caller, e.g. from request parameters.
type StaticPosition models.Coordinate

// SessionKey identifies the exact position, so callers sharing a session
// also share the published user location.
func (p StaticPosition) SessionKey() string {
	return fmt.Sprintf("at:%v,%v", p.Latitude, p.Longitude)
}

// CurrentPosition returns the position, or ErrPositionUnavailable if it is out of range.
func (p StaticPosition) CurrentPosition(ctx context.Context) (models.Coordinate, error) {
	if err := ctx.Err(); err != nil {
		return models.Coordinate{}, err
	}
	c := models.Coordinate(p)
	if !c.Valid() {
		return models.Coordinate{}, fmt.Errorf("%w: %.5f,%.5f out of range", ErrPositionUnavailable, c.Latitude, c.Longitude)
	}
	return c, nil
}

// PositionError is a provider whose lookup already failed with Err, e.g. a
// browser client reporting that the user denied geolocation.
type PositionError struct {
	Err error
}

// SessionKey identifies the reported failure.
func (p PositionError) SessionKey() string {
	if p.Err == nil {
		return "error:" + ErrPositionUnavailable.Error()
	}
	return "error:" + p.Err.Error()
}

// CurrentPosition always returns p.Err.
func (p PositionError) CurrentPosition(ctx context.Context) (models.Coordinate, error) {
	if p.Err == nil {
		return models.Coordinate{}, ErrPositionUnavailable
	}
	return models.Coordinate{}, p.Err
}

// ParsePositionError maps a client-reported geolocation error code to its sentinel.
func ParsePositionError(code string) (error, bool) {
	switch code {
	case "denied", "permission_denied":
		return ErrPermissionDenied, true
	case "timeout":
		return ErrPositionTimeout, true
	case "unavailable", "unsupported":
		return ErrPositionUnavailable, true
	}
	return nil, false
}
