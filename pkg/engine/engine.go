// Package engine is the facade over acquisition, caching, permissions,
// watching and adaptive frequency control.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/locfix/locfix/pkg"
	"github.com/locfix/locfix/pkg/accuracy"
	"github.com/locfix/locfix/pkg/cache"
	"github.com/locfix/locfix/pkg/frequency"
	"github.com/locfix/locfix/pkg/geo"
	"github.com/locfix/locfix/pkg/logx"
	"github.com/locfix/locfix/pkg/metrics"
	"github.com/locfix/locfix/pkg/permission"
	"github.com/locfix/locfix/pkg/provider"
	"github.com/locfix/locfix/pkg/watch"
)

// RefinementMethod says how the user corrected a position
type RefinementMethod string

const (
	MethodPin      RefinementMethod = "pin"
	MethodAddress  RefinementMethod = "address"
	MethodLandmark RefinementMethod = "landmark"
	MethodMapTap   RefinementMethod = "mapTap"
)

// ManualRefinement is the audit record of one user position correction.
// Records are never auto-deleted.
type ManualRefinement struct {
	Original       pkg.PositionSample `json:"original"`
	Refined        pkg.PositionSample `json:"refined"`
	UserConfidence int                `json:"user_confidence"`
	Method         RefinementMethod   `json:"method"`
	RefinedAt      time.Time          `json:"refined_at"`
	Notes          string             `json:"notes,omitempty"`
}

// ServiceKind identifies a degraded external collaborator
type ServiceKind string

const (
	ServicePositionProvider ServiceKind = "position_provider"
	ServiceNetwork          ServiceKind = "network"
	ServiceStore            ServiceKind = "store"
)

// DegradedGuidance tells the caller how to proceed while a collaborator is down
type DegradedGuidance struct {
	Kind      ServiceKind `json:"kind"`
	Message   string      `json:"message"`
	Fallbacks []string    `json:"fallbacks"`
}

// Status is the read-only diagnostic aggregate
type Status struct {
	CachedSample    *pkg.PositionSample  `json:"cached_sample,omitempty"`
	Assessment      *accuracy.Assessment `json:"assessment,omitempty"`
	CacheSize       int                  `json:"cache_size"`
	CacheOldestAge  time.Duration        `json:"cache_oldest_age"`
	Permission      permission.Guidance  `json:"permission"`
	WatchState      watch.State          `json:"watch_state"`
	MovementPattern frequency.Pattern    `json:"movement_pattern"`
	UpdateInterval  time.Duration        `json:"update_interval"`
	RecentEvents    []pkg.Event          `json:"recent_events"`
}

// Config holds validation thresholds and event log sizing
type Config struct {
	// StaleAfter rejects validated samples older than this
	StaleAfter time.Duration
	// MaxSpeedMPS rejects validated samples implying faster movement
	MaxSpeedMPS float64
	// EventLogSize bounds the diagnostic event ring
	EventLogSize int
}

// DefaultConfig matches the cache expiry window and the sensor noise limit
func DefaultConfig() Config {
	return Config{
		StaleAfter:   5 * time.Minute,
		MaxSpeedMPS:  100,
		EventLogSize: 50,
	}
}

// Options wires the engine's collaborators. Metrics and Lifecycle are
// optional.
type Options struct {
	Chain       *provider.Chain
	Cache       *cache.Cache
	Permissions *permission.Manager
	Frequency   *frequency.Controller
	Session     *watch.Session
	KV          pkg.KV
	Metrics     *metrics.Server
	Lifecycle   pkg.LifecycleSignal
	Logger      *logx.Logger
	Config      Config
	// EventSink, when set, receives a copy of every diagnostic event as
	// it is recorded. Must not block.
	EventSink func(pkg.Event)
}

// Engine is the single owned instance callers go through for everything
// position-related. Construct with New, then Init before use and Dispose
// at teardown.
type Engine struct {
	mu     sync.Mutex
	logger *logx.Logger
	config Config

	chain     *provider.Chain
	cache     *cache.Cache
	perms     *permission.Manager
	freq      *frequency.Controller
	session   *watch.Session
	kv        pkg.KV
	metrics   *metrics.Server
	lifecycle pkg.LifecycleSignal
	eventSink func(pkg.Event)

	subscribers map[int64]func(*pkg.PositionSample)
	nextSubID   int64
	lastSample  *pkg.PositionSample
	events      []pkg.Event
	disposed    bool
}

func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg.StaleAfter == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		logger:      opts.Logger.WithComponent("engine"),
		config:      cfg,
		chain:       opts.Chain,
		cache:       opts.Cache,
		perms:       opts.Permissions,
		freq:        opts.Frequency,
		session:     opts.Session,
		kv:          opts.KV,
		metrics:     opts.Metrics,
		lifecycle:   opts.Lifecycle,
		eventSink:   opts.EventSink,
		subscribers: make(map[int64]func(*pkg.PositionSample)),
	}
}

// Init reloads persisted cache state and binds the lifecycle signal
func (e *Engine) Init(ctx context.Context) error {
	if err := e.cache.Load(ctx); err != nil {
		return fmt.Errorf("failed to reload cache: %w", err)
	}
	if e.lifecycle != nil {
		e.session.Bind(e.lifecycle)
	}
	e.logger.Info("engine initialized", "cache_entries", e.cache.Size())
	return nil
}

// Dispose stops watching and releases the lifecycle subscription. The KV
// store is owned by the caller and is not closed here.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.mu.Unlock()

	e.session.Stop()
	e.logger.Info("engine disposed")
}

// AcquireCurrentPosition runs the permission gate and the fallback chain
// for one sample. The sample is cached and subscribers are notified.
func (e *Engine) AcquireCurrentPosition(ctx context.Context, highAccuracy bool) (*pkg.PositionSample, error) {
	return e.acquire(ctx, highAccuracy, false)
}

// AcquireValidatedPosition acquires at high accuracy and additionally
// rejects stale samples and samples implying impossible movement. Rejected
// samples are not cached.
func (e *Engine) AcquireValidatedPosition(ctx context.Context) (*pkg.PositionSample, error) {
	return e.acquire(ctx, true, true)
}

func (e *Engine) acquire(ctx context.Context, highAccuracy, validate bool) (*pkg.PositionSample, error) {
	status, err := e.perms.CheckOrRequest(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("permission check failed: %w", err)
	}
	if !status.Granted {
		e.recordEvent(pkg.EventPermissionDenied, "acquisition blocked by permission", nil)
		if e.metrics != nil {
			e.metrics.RecordPermissionDenial()
		}
		if status.Status == permission.StatusBlocked {
			return nil, pkg.ErrPermissionBlocked
		}
		return nil, pkg.ErrPermissionDenied
	}

	result, err := e.chain.Acquire(ctx, highAccuracy)
	if err != nil {
		e.recordEvent(pkg.EventError, "acquisition failed", map[string]interface{}{
			"error": err.Error(),
		})
		if e.metrics != nil {
			e.metrics.RecordAcquisition("none", "error")
		}
		return nil, err
	}

	if validate {
		if verr := e.validateFreshness(result.Sample); verr != nil {
			e.recordEvent(pkg.EventError, "validated acquisition rejected sample", map[string]interface{}{
				"error": verr.Error(),
			})
			return nil, verr
		}
	}

	e.accept(ctx, result, true)
	return result.Sample.Clone(), nil
}

// validateFreshness applies the staleness and impossible-movement checks
func (e *Engine) validateFreshness(sample *pkg.PositionSample) error {
	if age := time.Since(sample.Timestamp); age > e.config.StaleAfter {
		return fmt.Errorf("%w: sample is %s old", pkg.ErrStaleData, age.Round(time.Second))
	}

	e.mu.Lock()
	last := e.lastSample
	e.mu.Unlock()
	if last == nil {
		return nil
	}

	dt := sample.Timestamp.Sub(last.Timestamp).Seconds()
	if dt <= 0 {
		return nil
	}
	dist := geo.DistanceMeters(
		geo.Point{Latitude: last.Latitude, Longitude: last.Longitude},
		geo.Point{Latitude: sample.Latitude, Longitude: sample.Longitude},
	)
	if speed := dist / dt; speed >= e.config.MaxSpeedMPS {
		return fmt.Errorf("%w: %.0f m in %.0f s", pkg.ErrImpossibleMovement, dist, dt)
	}
	return nil
}

// accept caches an acquired sample, updates movement tracking and fans the
// sample out to subscribers. recordMovement is false for watch updates,
// which the session has already fed into the frequency controller.
func (e *Engine) accept(ctx context.Context, result *provider.Result, recordMovement bool) {
	if result.Source != pkg.SourceCached {
		if err := e.cache.Put(ctx, result.Sample, result.Source); err != nil {
			e.logger.Warn("failed to cache sample", "error", err.Error())
		}
	}

	e.mu.Lock()
	e.lastSample = result.Sample.Clone()
	e.mu.Unlock()

	if recordMovement && e.session.State() != watch.StateIdle {
		e.freq.Record(result.Sample)
	}
	if e.metrics != nil {
		e.metrics.SetUpdateInterval(e.freq.Target().Interval)
		e.metrics.SetMovementPattern(string(e.freq.Pattern()))
	}

	e.recordEvent(pkg.EventAcquire, "position acquired", map[string]interface{}{
		"tier":       result.Tier,
		"source":     string(result.Source),
		"accuracy_m": result.Sample.AccuracyM,
	})
	if result.Escalated {
		e.recordEvent(pkg.EventEscalation, "acquisition recovered via escalation", map[string]interface{}{
			"tier": result.Tier,
		})
	}
	if e.metrics != nil {
		e.metrics.RecordAcquisition(result.Tier, "ok")
		if result.Escalated {
			e.metrics.RecordEscalation()
		}
		e.metrics.SetCacheEntries(e.cache.Size())
	}

	e.notify(result.Sample)
}

func (e *Engine) notify(sample *pkg.PositionSample) {
	e.mu.Lock()
	cbs := make([]func(*pkg.PositionSample), 0, len(e.subscribers))
	for _, cb := range e.subscribers {
		cbs = append(cbs, cb)
	}
	e.mu.Unlock()

	for _, cb := range cbs {
		cb(sample.Clone())
	}
}

// Subscribe registers a position callback; the returned func unsubscribes
func (e *Engine) Subscribe(cb func(*pkg.PositionSample)) func() {
	e.mu.Lock()
	e.nextSubID++
	id := e.nextSubID
	e.subscribers[id] = cb
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subscribers, id)
		e.mu.Unlock()
	}
}

// StartWatch opens the continuous position subscription
func (e *Engine) StartWatch(ctx context.Context, highAccuracy bool) error {
	err := e.session.Start(ctx, highAccuracy, e.onWatchUpdate, e.onWatchError)
	if err != nil {
		return err
	}
	e.recordEvent(pkg.EventWatchStarted, "watch started", map[string]interface{}{
		"high_accuracy": highAccuracy,
	})
	if e.metrics != nil {
		e.metrics.SetWatchState(string(e.session.State()))
	}
	return nil
}

// StopWatch tears the subscription down
func (e *Engine) StopWatch() {
	e.session.Stop()
	e.freq.Reset()
	e.recordEvent(pkg.EventWatchStopped, "watch stopped", nil)
	if e.metrics != nil {
		e.metrics.SetWatchState(string(watch.StateIdle))
	}
}

func (e *Engine) onWatchUpdate(sample *pkg.PositionSample) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.accept(ctx, &provider.Result{
		Sample: sample,
		Source: pkg.SourceGPS,
		Tier:   provider.TierGPSHigh,
	}, false)
	if e.metrics != nil {
		e.metrics.SetWatchState(string(e.session.State()))
	}
}

func (e *Engine) onWatchError(err error) {
	if pkg.ErrorCode(err) == pkg.CodePermissionDenied {
		e.recordEvent(pkg.EventPermissionDenied, "permission revoked during watch", nil)
		if e.metrics != nil {
			e.metrics.RecordPermissionDenial()
			e.metrics.SetWatchState(string(watch.StateIdle))
		}
		return
	}
	e.recordEvent(pkg.EventError, "transient watch error", map[string]interface{}{
		"error": err.Error(),
	})
}

// GetCachedPosition returns the best unexpired cached entry, if any
func (e *Engine) GetCachedPosition() *cache.Entry {
	entry := e.cache.BestNear(nil)
	if e.metrics != nil {
		e.metrics.RecordCacheLookup(entry != nil)
	}
	return entry
}

// BestCachedPosition ranks unexpired entries by reliability and proximity
func (e *Engine) BestCachedPosition(near *geo.Point) *cache.Entry {
	entry := e.cache.BestNear(near)
	if e.metrics != nil {
		e.metrics.RecordCacheLookup(entry != nil)
	}
	return entry
}

// Refine applies a user position correction: the refinement is persisted
// as an audit record keyed by the original sample's cache cell, the
// refined sample enters the cache as a GPS-grade entry scored from the
// user's confidence, and subscribers are notified immediately.
func (e *Engine) Refine(ctx context.Context, original, refined *pkg.PositionSample, method RefinementMethod, confidence int, notes string) error {
	if err := pkg.ValidateSample(original); err != nil {
		return fmt.Errorf("invalid original sample: %w", err)
	}
	if err := pkg.ValidateSample(refined); err != nil {
		return fmt.Errorf("invalid refined sample: %w", err)
	}
	if confidence < 0 {
		confidence = 0
	} else if confidence > 100 {
		confidence = 100
	}

	record := ManualRefinement{
		Original:       *original,
		Refined:        *refined,
		UserConfidence: confidence,
		Method:         method,
		RefinedAt:      time.Now(),
		Notes:          notes,
	}
	if err := e.appendRefinement(ctx, cache.Key(original.Latitude, original.Longitude), record); err != nil {
		return fmt.Errorf("failed to persist refinement: %w", err)
	}

	reliability := 80 + confidence/5
	if err := e.cache.PutScored(ctx, refined, pkg.SourceGPS, reliability); err != nil {
		return err
	}

	e.recordEvent(pkg.EventRefinement, "position refined by user", map[string]interface{}{
		"method":     string(method),
		"confidence": confidence,
	})
	if e.metrics != nil {
		e.metrics.RecordRefinement(string(method))
	}

	e.notify(refined)
	return nil
}

const refinementKeyPrefix = "refinement:"

// appendRefinement adds one audit record to the per-cell refinement list
func (e *Engine) appendRefinement(ctx context.Context, cellKey string, record ManualRefinement) error {
	if e.kv == nil {
		return nil
	}
	key := refinementKeyPrefix + cellKey

	var records []ManualRefinement
	if raw, ok, err := e.kv.Get(ctx, key); err != nil {
		return err
	} else if ok {
		if err := json.Unmarshal([]byte(raw), &records); err != nil {
			e.logger.Warn("corrupt refinement history, starting fresh", "key", key)
			records = nil
		}
	}
	records = append(records, record)

	payload, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return e.kv.Set(ctx, key, string(payload))
}

// Refinements returns the audit trail for the cache cell containing the
// given coordinates.
func (e *Engine) Refinements(ctx context.Context, lat, lon float64) ([]ManualRefinement, error) {
	if e.kv == nil {
		return nil, nil
	}
	raw, ok, err := e.kv.Get(ctx, refinementKeyPrefix+cache.Key(lat, lon))
	if err != nil || !ok {
		return nil, err
	}
	var records []ManualRefinement
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("corrupt refinement history: %w", err)
	}
	return records, nil
}

// ConfigureFrequency merges a sparse frequency config; empty partials
// change nothing.
func (e *Engine) ConfigureFrequency(partial frequency.Partial) {
	e.freq.Configure(partial)
	target := e.freq.Target()
	e.recordEvent(pkg.EventFrequencyChange, "frequency bounds reconfigured", map[string]interface{}{
		"interval": target.Interval.String(),
	})
	if e.metrics != nil {
		e.metrics.SetUpdateInterval(target.Interval)
	}
}

// HandlePermissionDenied advances the denial escalation state machine
func (e *Engine) HandlePermissionDenied() permission.Guidance {
	guidance := e.perms.HandleDenied()
	e.recordEvent(pkg.EventPermissionDenied, "permission denial recorded", map[string]interface{}{
		"state":        string(guidance.State),
		"denial_count": guidance.DenialCount,
	})
	if e.metrics != nil {
		e.metrics.RecordPermissionDenial()
	}
	return guidance
}

// HandleServiceUnavailable returns degraded-mode guidance for a failed
// collaborator.
func (e *Engine) HandleServiceUnavailable(kind ServiceKind) DegradedGuidance {
	var g DegradedGuidance
	switch kind {
	case ServicePositionProvider:
		g = DegradedGuidance{
			Kind:      kind,
			Message:   "device positioning unavailable, cached and network estimates remain usable",
			Fallbacks: []string{permission.FallbackNetworkEstimate, permission.FallbackManualEntry, permission.FallbackPostalCode},
		}
	case ServiceNetwork:
		g = DegradedGuidance{
			Kind:      kind,
			Message:   "network geolocation unreachable, device positioning and cache remain usable",
			Fallbacks: []string{permission.FallbackManualEntry, permission.FallbackPostalCode, permission.FallbackAreaBrowse},
		}
	case ServiceStore:
		g = DegradedGuidance{
			Kind:      kind,
			Message:   "durable store unavailable, positions will not survive a restart",
			Fallbacks: nil,
		}
	default:
		g = DegradedGuidance{
			Kind:      kind,
			Message:   "service degraded",
			Fallbacks: []string{permission.FallbackManualEntry},
		}
	}

	e.recordEvent(pkg.EventServiceDegraded, g.Message, map[string]interface{}{
		"kind": string(kind),
	})
	return g
}

// GetStatus returns the read-only diagnostic aggregate; it never mutates
// engine state.
func (e *Engine) GetStatus() Status {
	status := Status{
		CacheSize:       e.cache.Size(),
		CacheOldestAge:  e.cache.OldestAge(),
		Permission:      e.perms.Guidance(),
		WatchState:      e.session.State(),
		MovementPattern: e.freq.Pattern(),
		UpdateInterval:  e.freq.Target().Interval,
	}

	if entry := e.cache.BestNear(nil); entry != nil {
		sample := entry.Sample
		status.CachedSample = &sample
		assessment := accuracy.Assess(sample.AccuracyM)
		status.Assessment = &assessment
	}

	e.mu.Lock()
	status.RecentEvents = make([]pkg.Event, len(e.events))
	copy(status.RecentEvents, e.events)
	e.mu.Unlock()

	return status
}

func (e *Engine) recordEvent(eventType, message string, data map[string]interface{}) {
	event := pkg.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Message:   message,
		Data:      data,
	}

	e.mu.Lock()
	e.events = append(e.events, event)
	max := e.config.EventLogSize
	if max <= 0 {
		max = 50
	}
	if len(e.events) > max {
		e.events = e.events[len(e.events)-max:]
	}
	sink := e.eventSink
	e.mu.Unlock()

	if sink != nil {
		sink(event)
	}
}
