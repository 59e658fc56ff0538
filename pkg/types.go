package pkg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// PositionSample represents one reading of device location with accuracy metadata
type PositionSample struct {
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	AccuracyM        float64   `json:"accuracy_m"`
	Timestamp        time.Time `json:"timestamp"`
	Altitude         *float64  `json:"altitude,omitempty"`
	AltitudeAccuracy *float64  `json:"altitude_accuracy,omitempty"`
	Heading          *float64  `json:"heading,omitempty"`
	Speed            *float64  `json:"speed_mps,omitempty"`
}

// Source identifies where a position sample came from
type Source string

const (
	SourceGPS     Source = "gps"
	SourceNetwork Source = "network"
	SourcePassive Source = "passive"
	SourceCached  Source = "cached"
)

// AcquireOptions controls a single position acquisition attempt
type AcquireOptions struct {
	HighAccuracy bool          `json:"high_accuracy"`
	Timeout      time.Duration `json:"timeout"`
	MaxAge       time.Duration `json:"max_age"`
}

// PositionProvider is the platform position API the engine consumes.
// GetCurrentPosition blocks until a sample is available, the timeout in
// opts elapses, or ctx is cancelled. Watch delivers continuous updates
// until ClearWatch is called with the returned subscription ID.
type PositionProvider interface {
	GetCurrentPosition(ctx context.Context, opts AcquireOptions) (*PositionSample, error)
	Watch(opts AcquireOptions, onUpdate func(*PositionSample), onError func(error)) (int64, error)
	ClearWatch(id int64)
}

// KV is the durable key-value store used for cache persistence
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// LifecyclePhase is an app-lifecycle transition event
type LifecyclePhase string

const (
	LifecycleForeground LifecyclePhase = "foreground"
	LifecycleBackground LifecyclePhase = "background"
)

// LifecycleSignal emits foreground/background transitions. Subscribe
// returns a release func that must be called at engine teardown.
type LifecycleSignal interface {
	Subscribe(func(LifecyclePhase)) (release func())
}

// Error taxonomy for acquisition and validation failures
var (
	ErrPermissionDenied      = errors.New("location permission denied")
	ErrPermissionBlocked     = errors.New("location permission blocked, no further prompting possible")
	ErrPositionUnavailable   = errors.New("position unavailable")
	ErrAcquisitionTimeout    = errors.New("position acquisition timed out")
	ErrAllFallbacksExhausted = errors.New("all position fallbacks exhausted")
	ErrInvalidCoordinate     = errors.New("invalid coordinate")
	ErrStaleData             = errors.New("position data too old")
	ErrImpossibleMovement    = errors.New("implied movement speed physically unreasonable")
)

// Native error codes reported by platform position providers
const (
	CodePermissionDenied    = 1
	CodePositionUnavailable = 2
	CodeTimeout             = 3
)

// ProviderError wraps a platform error code so the fallback chain can
// branch on the failure class.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// Unwrap maps the native code onto the engine error taxonomy
func (e *ProviderError) Unwrap() error {
	switch e.Code {
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodePositionUnavailable:
		return ErrPositionUnavailable
	case CodeTimeout:
		return ErrAcquisitionTimeout
	default:
		return nil
	}
}

// ErrorCode extracts the native provider code from err, or 0
func ErrorCode(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}

// ValidateSample rejects samples with out-of-range or non-finite coordinates
func ValidateSample(s *PositionSample) error {
	if s == nil {
		return fmt.Errorf("%w: nil sample", ErrInvalidCoordinate)
	}
	if math.IsNaN(s.Latitude) || math.IsNaN(s.Longitude) ||
		math.IsInf(s.Latitude, 0) || math.IsInf(s.Longitude, 0) {
		return fmt.Errorf("%w: non-finite values", ErrInvalidCoordinate)
	}
	if s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("%w: latitude %.6f out of range", ErrInvalidCoordinate, s.Latitude)
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("%w: longitude %.6f out of range", ErrInvalidCoordinate, s.Longitude)
	}
	if s.AccuracyM < 0 || math.IsNaN(s.AccuracyM) {
		return fmt.Errorf("%w: negative accuracy %.1f", ErrInvalidCoordinate, s.AccuracyM)
	}
	return nil
}

// Clone returns a caller-owned copy of the sample
func (s *PositionSample) Clone() *PositionSample {
	if s == nil {
		return nil
	}
	out := *s
	out.Altitude = clonePtr(s.Altitude)
	out.AltitudeAccuracy = clonePtr(s.AltitudeAccuracy)
	out.Heading = clonePtr(s.Heading)
	out.Speed = clonePtr(s.Speed)
	return &out
}

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Event types recorded in the engine status log
const (
	EventAcquire          = "acquire"
	EventFallback         = "fallback"
	EventEscalation       = "escalation"
	EventPermissionDenied = "permission_denied"
	EventRefinement       = "refinement"
	EventWatchStarted     = "watch_started"
	EventWatchStopped     = "watch_stopped"
	EventFrequencyChange  = "frequency_change"
	EventServiceDegraded  = "service_degraded"
	EventError            = "error"
)

// Event represents an engine event for diagnostics
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
