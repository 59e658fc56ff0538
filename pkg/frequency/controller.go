// Package frequency adapts the position update cadence to observed movement
package frequency

import (
	"sync"
	"time"

	"github.com/locfix/locfix/pkg"
	"github.com/locfix/locfix/pkg/geo"
	"github.com/locfix/locfix/pkg/logx"
)

// Pattern classifies the device's current movement
type Pattern string

const (
	PatternUnknown    Pattern = "unknown"
	PatternStationary Pattern = "stationary"
	PatternWalking    Pattern = "walking"
	PatternTransit    Pattern = "transit"
	PatternDriving    Pattern = "driving"
)

const (
	// historySize bounds the movement point ring
	historySize = 10

	// minClassifyPoints is how many points are needed before classifying
	minClassifyPoints = 3

	// speedNoiseLimitMPS discards physically implausible jumps
	speedNoiseLimitMPS = 100.0

	// hysteresis suppresses interval churn from small target changes
	hysteresis = 2 * time.Second
)

// Speed thresholds between movement patterns, in m/s
const (
	stationaryMaxSpeed = 0.5
	walkingMaxSpeed    = 2.0
	transitMaxSpeed    = 15.0
)

// Target is the update cadence a movement pattern calls for
type Target struct {
	Interval        time.Duration `json:"interval"`
	DistanceFilterM float64       `json:"distance_filter_m"`
}

// Config bounds how often updates may be requested. With
// AdaptiveFrequency off the cadence is frozen at its current value;
// BatteryOptimized relaxes the per-pattern targets toward lower power.
type Config struct {
	MinUpdatesPerMinute float64 `json:"min_updates_per_minute"`
	MaxUpdatesPerMinute float64 `json:"max_updates_per_minute"`
	AdaptiveFrequency   bool    `json:"adaptive_frequency"`
	BatteryOptimized    bool    `json:"battery_optimized"`
}

// Partial is a sparse Config for runtime reconfiguration; nil fields keep
// their current values.
type Partial struct {
	MinUpdatesPerMinute *float64 `json:"min_updates_per_minute,omitempty"`
	MaxUpdatesPerMinute *float64 `json:"max_updates_per_minute,omitempty"`
	AdaptiveFrequency   *bool    `json:"adaptive_frequency,omitempty"`
	BatteryOptimized    *bool    `json:"battery_optimized,omitempty"`
}

// DefaultConfig allows between 1 and 12 updates per minute (60s down to 5s)
// with adaptive retuning on.
func DefaultConfig() Config {
	return Config{
		MinUpdatesPerMinute: 1,
		MaxUpdatesPerMinute: 12,
		AdaptiveFrequency:   true,
	}
}

// Update is the outcome of recording one movement point
type Update struct {
	Pattern Pattern `json:"pattern"`
	Target  Target  `json:"target"`
	// Changed reports that the interval moved by more than the hysteresis
	// margin, so an active watch subscription should be recreated.
	Changed bool `json:"changed"`
}

type trackPoint struct {
	point geo.Point
	at    time.Time
}

// Controller tracks recent movement and derives the update cadence from it
type Controller struct {
	mu        sync.Mutex
	logger    *logx.Logger
	config    Config
	history   []trackPoint
	pattern   Pattern
	applied   Target
	predictor *SpeedPredictor
}

// New creates a controller starting at the stationary cadence
func New(config Config, logger *logx.Logger) *Controller {
	c := &Controller{
		logger:    logger.WithComponent("frequency"),
		config:    config,
		history:   make([]trackPoint, 0, historySize),
		pattern:   PatternUnknown,
		predictor: NewSpeedPredictor(),
	}
	c.applied = c.clampTarget(c.effectiveTarget(PatternStationary))
	return c
}

// effectiveTarget is the pattern cadence with the battery relaxation
// applied. Battery-optimized runs halve the update rate and widen the
// distance filter.
func (c *Controller) effectiveTarget(p Pattern) Target {
	t := patternTarget(p)
	if c.config.BatteryOptimized {
		t.Interval *= 2
		t.DistanceFilterM *= 2
	}
	return t
}

func patternTarget(p Pattern) Target {
	switch p {
	case PatternWalking:
		return Target{Interval: 30 * time.Second, DistanceFilterM: 25}
	case PatternTransit:
		return Target{Interval: 15 * time.Second, DistanceFilterM: 50}
	case PatternDriving:
		return Target{Interval: 5 * time.Second, DistanceFilterM: 100}
	default:
		return Target{Interval: 60 * time.Second, DistanceFilterM: 100}
	}
}

func classifySpeed(avgSpeedMPS float64) Pattern {
	switch {
	case avgSpeedMPS < stationaryMaxSpeed:
		return PatternStationary
	case avgSpeedMPS < walkingMaxSpeed:
		return PatternWalking
	case avgSpeedMPS < transitMaxSpeed:
		return PatternTransit
	default:
		return PatternDriving
	}
}

// Record feeds one position into the movement history and reports the
// cadence the engine should run at.
func (c *Controller) Record(sample *pkg.PositionSample) Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	at := sample.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	c.history = append(c.history, trackPoint{
		point: geo.Point{Latitude: sample.Latitude, Longitude: sample.Longitude},
		at:    at,
	})
	if len(c.history) > historySize {
		c.history = c.history[len(c.history)-historySize:]
	}

	if len(c.history) >= minClassifyPoints {
		c.reclassifyLocked()
	}

	// Movement is still classified with adaptive mode off, but the
	// cadence stays where it is.
	if !c.config.AdaptiveFrequency {
		return Update{Pattern: c.pattern, Target: c.applied, Changed: false}
	}

	target := c.clampTarget(c.effectiveTarget(c.pattern))
	changed := absDuration(target.Interval-c.applied.Interval) > hysteresis
	if changed {
		c.logger.Info("update cadence changed",
			"pattern", string(c.pattern),
			"interval", target.Interval.String(),
			"distance_filter_m", target.DistanceFilterM,
		)
		c.applied = target
	}

	return Update{Pattern: c.pattern, Target: c.applied, Changed: changed}
}

func (c *Controller) reclassifyLocked() {
	speeds := make([]float64, 0, len(c.history)-1)
	for i := 1; i < len(c.history); i++ {
		prev, cur := c.history[i-1], c.history[i]
		dt := cur.at.Sub(prev.at).Seconds()
		if dt <= 0 {
			continue
		}
		speed := geo.DistanceMeters(prev.point, cur.point) / dt
		if speed >= speedNoiseLimitMPS {
			c.logger.Debug("discarding implausible speed", "speed_mps", speed)
			continue
		}
		speeds = append(speeds, speed)
	}
	if len(speeds) == 0 {
		return
	}

	var sum float64
	for _, s := range speeds {
		sum += s
	}
	avg := sum / float64(len(speeds))
	pattern := classifySpeed(avg)

	// A rising speed trend promotes the cadence one observation early.
	// Battery-optimized runs stick to the observed average.
	if predicted, ok := c.predictNextLocked(speeds); ok {
		if p := classifySpeed(predicted); patternRank(p) > patternRank(pattern) {
			c.logger.Debug("speed trend promotes pattern",
				"avg_mps", avg, "predicted_mps", predicted,
				"pattern", string(p))
			pattern = p
		}
	}

	if pattern != c.pattern {
		c.logger.Debug("movement pattern changed",
			"from", string(c.pattern), "to", string(pattern), "avg_speed_mps", avg)
	}
	c.pattern = pattern
}

func (c *Controller) predictNextLocked(speeds []float64) (float64, bool) {
	if c.config.BatteryOptimized {
		return 0, false
	}
	return c.predictor.PredictNext(c.history, speeds)
}

func patternRank(p Pattern) int {
	switch p {
	case PatternStationary:
		return 1
	case PatternWalking:
		return 2
	case PatternTransit:
		return 3
	case PatternDriving:
		return 4
	default:
		return 0
	}
}

// clampTarget bounds the interval to the configured updates-per-minute range
func (c *Controller) clampTarget(t Target) Target {
	if c.config.MaxUpdatesPerMinute > 0 {
		min := time.Duration(60000/c.config.MaxUpdatesPerMinute) * time.Millisecond
		if t.Interval < min {
			t.Interval = min
		}
	}
	if c.config.MinUpdatesPerMinute > 0 {
		max := time.Duration(60000/c.config.MinUpdatesPerMinute) * time.Millisecond
		if t.Interval > max {
			t.Interval = max
		}
	}
	return t
}

// Configure merges a sparse config; an empty partial changes nothing
func (c *Controller) Configure(partial Partial) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if partial.MinUpdatesPerMinute == nil && partial.MaxUpdatesPerMinute == nil &&
		partial.AdaptiveFrequency == nil && partial.BatteryOptimized == nil {
		return
	}
	if partial.MinUpdatesPerMinute != nil {
		c.config.MinUpdatesPerMinute = *partial.MinUpdatesPerMinute
	}
	if partial.MaxUpdatesPerMinute != nil {
		c.config.MaxUpdatesPerMinute = *partial.MaxUpdatesPerMinute
	}
	if partial.AdaptiveFrequency != nil {
		c.config.AdaptiveFrequency = *partial.AdaptiveFrequency
	}
	if partial.BatteryOptimized != nil {
		c.config.BatteryOptimized = *partial.BatteryOptimized
	}
	if c.config.AdaptiveFrequency {
		p := c.pattern
		if p == PatternUnknown {
			p = PatternStationary
		}
		c.applied = c.clampTarget(c.effectiveTarget(p))
	}
	c.logger.Info("frequency config changed",
		"min_updates_per_minute", c.config.MinUpdatesPerMinute,
		"max_updates_per_minute", c.config.MaxUpdatesPerMinute,
		"adaptive_frequency", c.config.AdaptiveFrequency,
		"battery_optimized", c.config.BatteryOptimized,
	)
}

// Pattern returns the current movement classification
func (c *Controller) Pattern() Pattern {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pattern
}

// Target returns the currently applied cadence
func (c *Controller) Target() Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

// ConfigSnapshot returns the active bounds
func (c *Controller) ConfigSnapshot() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Reset clears the movement history and returns to the stationary cadence
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = c.history[:0]
	c.pattern = PatternUnknown
	c.applied = c.clampTarget(c.effectiveTarget(PatternStationary))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
