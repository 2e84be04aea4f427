package validation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kjstillabower/parking-discovery-service/internal/models"
)

// ErrCoordinateMissing is returned when lat or lng is empty after trim.
var ErrCoordinateMissing = errors.New("lat and lng are required")

// ErrCoordinateInvalid is returned when lat or lng is not a finite decimal number.
var ErrCoordinateInvalid = errors.New("coordinate is not a number")

// ErrCoordinateOutOfRange is returned when lat is outside [-90, 90] or lng outside [-180, 180].
var ErrCoordinateOutOfRange = errors.New("coordinate out of range")

// ParseCoordinate parses decimal-degree strings from a request into a Coordinate.
// Errors wrap one of the sentinels above and are suitable for 400 INVALID_COORDINATE responses.
func ParseCoordinate(latStr, lngStr string) (models.Coordinate, error) {
	latStr = strings.TrimSpace(latStr)
	lngStr = strings.TrimSpace(lngStr)
	if latStr == "" || lngStr == "" {
		return models.Coordinate{}, ErrCoordinateMissing
	}

	lat, err := parseDegrees("lat", latStr)
	if err != nil {
		return models.Coordinate{}, err
	}
	lng, err := parseDegrees("lng", lngStr)
	if err != nil {
		return models.Coordinate{}, err
	}

	c := models.Coordinate{Latitude: lat, Longitude: lng}
	if !c.Valid() {
		return models.Coordinate{}, fmt.Errorf("%w: lat=%s lng=%s", ErrCoordinateOutOfRange, latStr, lngStr)
	}
	return c, nil
}

func parseDegrees(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s=%q", ErrCoordinateInvalid, field, s)
	}
	return v, nil
}

// ErrClientIDInvalid is returned for client IDs that cannot name a cache scope.
var ErrClientIDInvalid = errors.New("client id must be 1-64 letters, digits, '-' or '_'")

// MaxClientIDLen bounds client IDs so scoped store keys stay within memcached's key limit.
const MaxClientIDLen = 64

// ParseClientID validates a client-supplied ID used to scope cached results.
func ParseClientID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > MaxClientIDLen {
		return "", ErrClientIDInvalid
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return "", fmt.Errorf("%w: %q", ErrClientIDInvalid, s)
		}
	}
	return s, nil
}
