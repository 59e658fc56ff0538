// Package cache provides a reliability-scored, TTL-evicted position cache
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/locfix/locfix/pkg"
	"github.com/locfix/locfix/pkg/geo"
	"github.com/locfix/locfix/pkg/logx"
)

const (
	// Entries older than this are never returned and purged opportunistically
	ExpiryWindow = 5 * time.Minute

	// MaxEntries bounds the persisted cache; oldest entries evicted first
	MaxEntries = 20

	entriesKey   = "cache:entries"
	lastKnownKey = "cache:last_known"
)

// Entry is one cached position with its reliability score
type Entry struct {
	Sample      pkg.PositionSample `json:"sample"`
	CachedAt    time.Time          `json:"cached_at"`
	Source      pkg.Source         `json:"source"`
	Reliability int                `json:"reliability"`
}

// Cache is a coordinate-keyed store of recent position samples, persisted
// through a durable KV backend on every write.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	lastKnown *pkg.PositionSample
	kv        pkg.KV
	logger    *logx.Logger
	now       func() time.Time
}

// New creates a cache persisting through kv. Pass a nil kv for a purely
// in-memory cache.
func New(kv pkg.KV, logger *logx.Logger) *Cache {
	return &Cache{
		entries: make(map[string]*Entry),
		kv:      kv,
		logger:  logger,
		now:     time.Now,
	}
}

// Key rounds coordinates to 3 decimal degrees, about 100 m cells
func Key(lat, lon float64) string {
	return fmt.Sprintf("%.3f:%.3f", lat, lon)
}

// Load restores unexpired entries and the last-known sample from the KV store
func (c *Cache) Load(ctx context.Context) error {
	if c.kv == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok, err := c.kv.Get(ctx, entriesKey)
	if err != nil {
		return fmt.Errorf("failed to load cache entries: %w", err)
	}
	if ok {
		var stored map[string]*Entry
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			return fmt.Errorf("failed to decode cache entries: %w", err)
		}
		loaded, dropped := 0, 0
		for key, entry := range stored {
			if c.expired(entry) {
				dropped++
				continue
			}
			c.entries[key] = entry
			loaded++
		}
		c.logger.Info("cache restored", "loaded", loaded, "dropped_expired", dropped)
	}

	raw, ok, err = c.kv.Get(ctx, lastKnownKey)
	if err != nil {
		return fmt.Errorf("failed to load last known sample: %w", err)
	}
	if ok {
		var sample pkg.PositionSample
		if err := json.Unmarshal([]byte(raw), &sample); err != nil {
			return fmt.Errorf("failed to decode last known sample: %w", err)
		}
		c.lastKnown = &sample
	}

	return nil
}

// Put stores a sample under its coordinate key, scores it, evicts the
// oldest entry when over capacity and persists the result.
func (c *Cache) Put(ctx context.Context, sample *pkg.PositionSample, source pkg.Source) error {
	if err := pkg.ValidateSample(sample); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry := &Entry{
		Sample:      *sample.Clone(),
		CachedAt:    now,
		Source:      source,
		Reliability: reliability(sample.AccuracyM, source, now.Sub(sample.Timestamp)),
	}

	c.purgeExpiredLocked()
	c.entries[Key(sample.Latitude, sample.Longitude)] = entry

	// Evict oldest first when over capacity
	for len(c.entries) > MaxEntries {
		oldestKey := ""
		var oldest time.Time
		for key, e := range c.entries {
			if oldestKey == "" || e.CachedAt.Before(oldest) {
				oldestKey = key
				oldest = e.CachedAt
			}
		}
		delete(c.entries, oldestKey)
		c.logger.Debug("cache entry evicted", "key", oldestKey, "cached_at", oldest)
	}

	c.lastKnown = sample.Clone()

	return c.persistLocked(ctx)
}

// Get returns a copy of the entry for key, or nil when absent or expired
func (c *Cache) Get(key string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.expired(entry) {
		delete(c.entries, key)
		return nil
	}
	out := *entry
	return &out
}

// BestNear returns the best unexpired entry. Without a point it is the
// highest-reliability entry; with a point each entry is scored as
// 0.7*reliability + 0.3*max(0, 100-10*distanceKm).
func (c *Cache) BestNear(near *geo.Point) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpiredLocked()

	var best *Entry
	bestScore := -1.0
	for _, entry := range c.entries {
		score := float64(entry.Reliability)
		if near != nil {
			distKm := geo.DistanceKm(*near, geo.Point{
				Latitude:  entry.Sample.Latitude,
				Longitude: entry.Sample.Longitude,
			})
			proximity := 100 - 10*distKm
			if proximity < 0 {
				proximity = 0
			}
			score = 0.7*float64(entry.Reliability) + 0.3*proximity
		}
		if score > bestScore {
			bestScore = score
			copied := *entry
			best = &copied
		}
	}
	return best
}

// LastKnown returns a copy of the most recent successfully stored sample,
// regardless of cache expiry. Used as the chain's last resort.
func (c *Cache) LastKnown() *pkg.PositionSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastKnown.Clone()
}

// PurgeExpired removes all expired entries and persists the survivors
func (c *Cache) PurgeExpired(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.purgeExpiredLocked() == 0 {
		return nil
	}
	return c.persistLocked(ctx)
}

// Size returns the number of unexpired entries
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpiredLocked()
	return len(c.entries)
}

// OldestAge returns the age of the oldest unexpired entry, or zero when empty
func (c *Cache) OldestAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ages []time.Duration
	now := c.now()
	for _, entry := range c.entries {
		if !c.expired(entry) {
			ages = append(ages, now.Sub(entry.CachedAt))
		}
	}
	if len(ages) == 0 {
		return 0
	}
	sort.Slice(ages, func(i, j int) bool { return ages[i] > ages[j] })
	return ages[0]
}

func (c *Cache) expired(entry *Entry) bool {
	return c.now().Sub(entry.CachedAt) > ExpiryWindow
}

func (c *Cache) purgeExpiredLocked() int {
	purged := 0
	for key, entry := range c.entries {
		if c.expired(entry) {
			delete(c.entries, key)
			purged++
		}
	}
	return purged
}

func (c *Cache) persistLocked(ctx context.Context) error {
	if c.kv == nil {
		return nil
	}

	raw, err := json.Marshal(c.entries)
	if err != nil {
		return fmt.Errorf("failed to encode cache entries: %w", err)
	}
	if err := c.kv.Set(ctx, entriesKey, string(raw)); err != nil {
		return fmt.Errorf("failed to persist cache entries: %w", err)
	}

	if c.lastKnown != nil {
		raw, err = json.Marshal(c.lastKnown)
		if err != nil {
			return fmt.Errorf("failed to encode last known sample: %w", err)
		}
		if err := c.kv.Set(ctx, lastKnownKey, string(raw)); err != nil {
			return fmt.Errorf("failed to persist last known sample: %w", err)
		}
	}
	return nil
}

// reliability combines accuracy, source trustworthiness and sample age into
// a 0-100 score used to rank cached entries.
func reliability(accuracyM float64, source pkg.Source, age time.Duration) int {
	score := 50

	switch {
	case accuracyM <= 10:
		score += 40
	case accuracyM <= 50:
		score += 30
	case accuracyM <= 100:
		score += 20
	case accuracyM <= 500:
		score += 10
	case accuracyM <= 1000:
		score += 5
	}

	switch source {
	case pkg.SourceGPS:
		score += 30
	case pkg.SourceNetwork:
		score += 20
	case pkg.SourcePassive:
		score += 15
	case pkg.SourceCached:
		score += 10
	}

	switch {
	case age < 30*time.Second:
		score += 30
	case age < 5*time.Minute:
		score += 20
	case age < 30*time.Minute:
		score += 10
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// ReliabilityScore exposes the scoring for callers that store refined samples
func ReliabilityScore(accuracyM float64, source pkg.Source, age time.Duration) int {
	return reliability(accuracyM, source, age)
}

// PutScored stores a sample with an explicit reliability score, bypassing
// the standard scoring. Used for manual refinements.
func (c *Cache) PutScored(ctx context.Context, sample *pkg.PositionSample, source pkg.Source, score int) error {
	if err := pkg.ValidateSample(sample); err != nil {
		return err
	}
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[Key(sample.Latitude, sample.Longitude)] = &Entry{
		Sample:      *sample.Clone(),
		CachedAt:    c.now(),
		Source:      source,
		Reliability: score,
	}
	c.lastKnown = sample.Clone()
	return c.persistLocked(ctx)
}
