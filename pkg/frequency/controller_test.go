package frequency

import (
	"testing"
	"time"

	"github.com/locfix/locfix/pkg"
	"github.com/locfix/locfix/pkg/logx"
)

// metersPerDegreeLat matches the haversine earth radius used for distances
const metersPerDegreeLat = 111194.9

func testController() *Controller {
	return New(DefaultConfig(), logx.New("error"))
}

// feedTrack records a sequence of points moving north, one per interval,
// covering stepMeters between consecutive points.
func feedTrack(c *Controller, points int, interval time.Duration, stepMeters float64) Update {
	start := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	lat := 59.0
	var last Update
	for i := 0; i < points; i++ {
		last = c.Record(&pkg.PositionSample{
			Latitude:  lat,
			Longitude: 18.0,
			AccuracyM: 10,
			Timestamp: start.Add(time.Duration(i) * interval),
		})
		lat += stepMeters / metersPerDegreeLat
	}
	return last
}

func TestPatternClassification(t *testing.T) {
	tests := []struct {
		name       string
		speedMPS   float64
		pattern    Pattern
		interval   time.Duration
		distFilter float64
	}{
		{"stationary", 0.2, PatternStationary, 60 * time.Second, 100},
		{"walking", 1.0, PatternWalking, 30 * time.Second, 25},
		{"transit", 10.0, PatternTransit, 15 * time.Second, 50},
		{"driving", 20.0, PatternDriving, 5 * time.Second, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testController()
			update := feedTrack(c, 4, 10*time.Second, tt.speedMPS*10)
			if update.Pattern != tt.pattern {
				t.Errorf("expected pattern %s, got %s", tt.pattern, update.Pattern)
			}
			if update.Target.Interval != tt.interval {
				t.Errorf("expected interval %s, got %s", tt.interval, update.Target.Interval)
			}
			if update.Target.DistanceFilterM != tt.distFilter {
				t.Errorf("expected distance filter %v, got %v", tt.distFilter, update.Target.DistanceFilterM)
			}
		})
	}
}

func TestNoClassificationBelowThreePoints(t *testing.T) {
	c := testController()
	update := feedTrack(c, 2, 10*time.Second, 200) // fast, but too few points
	if update.Pattern != PatternUnknown {
		t.Errorf("expected unknown pattern with 2 points, got %s", update.Pattern)
	}
	if update.Target.Interval != 60*time.Second {
		t.Errorf("cadence should stay at the stationary default, got %s", update.Target.Interval)
	}
	if update.Changed {
		t.Error("no cadence change expected before classification")
	}
}

func TestImplausibleSpeedDiscarded(t *testing.T) {
	c := testController()
	start := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	// Two stationary points, then a 2 km teleport in 10 s (200 m/s), then
	// stationary again. The jump must not drag the average into driving.
	lats := []float64{59.0, 59.0, 59.0 + 2000/metersPerDegreeLat, 59.0 + 2000/metersPerDegreeLat}
	var update Update
	for i, lat := range lats {
		update = c.Record(&pkg.PositionSample{
			Latitude:  lat,
			Longitude: 18.0,
			AccuracyM: 10,
			Timestamp: start.Add(time.Duration(i) * 10 * time.Second),
		})
	}
	if update.Pattern != PatternStationary {
		t.Errorf("noise spike should be discarded, got pattern %s", update.Pattern)
	}
}

func TestCadenceChangeMarksWatchRecreate(t *testing.T) {
	c := testController()
	update := feedTrack(c, 4, 10*time.Second, 10) // 1 m/s, walking
	if !update.Changed {
		t.Fatal("moving from stationary default to walking should change the cadence")
	}

	// More of the same movement keeps the cadence stable
	lat := 59.0 + 4*10/metersPerDegreeLat
	update = c.Record(&pkg.PositionSample{
		Latitude:  lat,
		Longitude: 18.0,
		AccuracyM: 10,
		Timestamp: time.Date(2026, 8, 29, 12, 0, 40, 0, time.UTC),
	})
	if update.Changed {
		t.Error("stable pattern must not recreate the watch")
	}
}

func TestIntervalClampedToConfiguredBounds(t *testing.T) {
	// At most 6 updates/min the driving cadence cannot go below 10s
	c := New(Config{MinUpdatesPerMinute: 1, MaxUpdatesPerMinute: 6, AdaptiveFrequency: true}, logx.New("error"))
	update := feedTrack(c, 4, 10*time.Second, 200) // 20 m/s, driving
	if update.Pattern != PatternDriving {
		t.Fatalf("expected driving, got %s", update.Pattern)
	}
	if update.Target.Interval != 10*time.Second {
		t.Errorf("driving interval should clamp up to 10s, got %s", update.Target.Interval)
	}

	// At least 2 updates/min the stationary cadence cannot exceed 30s
	c = New(Config{MinUpdatesPerMinute: 2, MaxUpdatesPerMinute: 12, AdaptiveFrequency: true}, logx.New("error"))
	update = feedTrack(c, 4, 10*time.Second, 1) // 0.1 m/s, stationary
	if update.Target.Interval != 30*time.Second {
		t.Errorf("stationary interval should clamp down to 30s, got %s", update.Target.Interval)
	}
}

func TestConfigureEmptyPartialIsNoOp(t *testing.T) {
	c := testController()
	before := c.ConfigSnapshot()
	target := c.Target()

	c.Configure(Partial{})

	if c.ConfigSnapshot() != before {
		t.Error("empty partial must not change the config")
	}
	if c.Target() != target {
		t.Error("empty partial must not change the cadence")
	}
}

func TestConfigurePartialMerge(t *testing.T) {
	c := testController()
	max := 6.0
	c.Configure(Partial{MaxUpdatesPerMinute: &max})

	cfg := c.ConfigSnapshot()
	if cfg.MaxUpdatesPerMinute != 6 {
		t.Errorf("expected max 6, got %v", cfg.MaxUpdatesPerMinute)
	}
	if cfg.MinUpdatesPerMinute != 1 {
		t.Errorf("min should be untouched, got %v", cfg.MinUpdatesPerMinute)
	}
}

func TestConfigureReclampsAppliedCadence(t *testing.T) {
	c := testController()
	feedTrack(c, 4, 10*time.Second, 200) // driving, 5s interval

	max := 6.0 // at most one update per 10s
	c.Configure(Partial{MaxUpdatesPerMinute: &max})

	if got := c.Target().Interval; got != 10*time.Second {
		t.Errorf("applied cadence should be reclamped to 10s, got %s", got)
	}
}

func TestAdaptiveDisabledKeepsCadence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptiveFrequency = false
	c := New(cfg, logx.New("error"))

	update := feedTrack(c, 4, 10*time.Second, 200) // 20 m/s, driving
	if update.Pattern != PatternDriving {
		t.Errorf("movement should still be classified, got %s", update.Pattern)
	}
	if update.Target.Interval != 60*time.Second {
		t.Errorf("cadence must stay at 60s with adaptive off, got %s", update.Target.Interval)
	}
	if update.Changed {
		t.Error("no watch recreation with adaptive off")
	}
}

func TestBatteryOptimizedRelaxesCadence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatteryOptimized = true
	c := New(cfg, logx.New("error"))

	update := feedTrack(c, 4, 10*time.Second, 200) // 20 m/s, driving
	if update.Pattern != PatternDriving {
		t.Fatalf("expected driving, got %s", update.Pattern)
	}
	if update.Target.Interval != 10*time.Second {
		t.Errorf("battery driving interval should double to 10s, got %s", update.Target.Interval)
	}
	if update.Target.DistanceFilterM != 200 {
		t.Errorf("battery driving distance filter should double to 200m, got %v", update.Target.DistanceFilterM)
	}
}

func TestConfigureTogglesAdaptive(t *testing.T) {
	c := testController()
	off := false
	c.Configure(Partial{AdaptiveFrequency: &off})

	// Frozen: a driving track does not move the cadence
	update := feedTrack(c, 4, 10*time.Second, 200)
	if update.Pattern != PatternDriving {
		t.Fatalf("expected driving, got %s", update.Pattern)
	}
	if update.Target.Interval != 60*time.Second {
		t.Errorf("cadence should stay frozen at 60s, got %s", update.Target.Interval)
	}

	// Re-enabling recomputes from the current pattern
	on := true
	c.Configure(Partial{AdaptiveFrequency: &on})
	if got := c.Target().Interval; got != 5*time.Second {
		t.Errorf("re-enabled cadence should follow the driving pattern, got %s", got)
	}
}

func TestRisingSpeedTrendPromotesPattern(t *testing.T) {
	c := testController()
	start := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	// Per-segment speeds 0.6..1.8 m/s average to walking, but the linear
	// trend extrapolates past 2 m/s, so the cadence jumps to transit early.
	speeds := []float64{0.6, 0.9, 1.2, 1.5, 1.8}
	lat := 59.0
	c.Record(&pkg.PositionSample{Latitude: lat, Longitude: 18.0, AccuracyM: 10, Timestamp: start})
	var update Update
	for i, speed := range speeds {
		lat += speed * 10 / metersPerDegreeLat
		update = c.Record(&pkg.PositionSample{
			Latitude:  lat,
			Longitude: 18.0,
			AccuracyM: 10,
			Timestamp: start.Add(time.Duration(i+1) * 10 * time.Second),
		})
	}
	if update.Pattern != PatternTransit {
		t.Errorf("accelerating track should promote to transit, got %s", update.Pattern)
	}
}

func TestBatteryOptimizedSkipsTrendPromotion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatteryOptimized = true
	c := New(cfg, logx.New("error"))
	start := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	// The same accelerating track as above, but battery-optimized runs
	// classify on the observed average only.
	speeds := []float64{0.6, 0.9, 1.2, 1.5, 1.8}
	lat := 59.0
	c.Record(&pkg.PositionSample{Latitude: lat, Longitude: 18.0, AccuracyM: 10, Timestamp: start})
	var update Update
	for i, speed := range speeds {
		lat += speed * 10 / metersPerDegreeLat
		update = c.Record(&pkg.PositionSample{
			Latitude:  lat,
			Longitude: 18.0,
			AccuracyM: 10,
			Timestamp: start.Add(time.Duration(i+1) * 10 * time.Second),
		})
	}
	if update.Pattern != PatternWalking {
		t.Errorf("battery-optimized run should stay at the average pattern, got %s", update.Pattern)
	}
}

func TestReset(t *testing.T) {
	c := testController()
	feedTrack(c, 4, 10*time.Second, 200)

	c.Reset()

	if c.Pattern() != PatternUnknown {
		t.Errorf("expected unknown after reset, got %s", c.Pattern())
	}
	if got := c.Target().Interval; got != 60*time.Second {
		t.Errorf("expected stationary cadence after reset, got %s", got)
	}
}
