// Package provider implements the ordered position acquisition fallback chain
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/locfix/locfix/pkg"
	"github.com/locfix/locfix/pkg/accuracy"
	"github.com/locfix/locfix/pkg/cache"
	"github.com/locfix/locfix/pkg/logx"
)

// Tier names reported in acquisition results and metrics
const (
	TierGPSHigh   = "gps_high"
	TierGPSLow    = "gps_low"
	TierCache     = "cache"
	TierPassive   = "passive"
	TierNetwork   = "network"
	TierLastKnown = "last_known"
)

// Config holds the per-tier timeouts and staleness bounds
type Config struct {
	PrimaryTimeout time.Duration `json:"primary_timeout"`
	PrimaryMaxAge  time.Duration `json:"primary_max_age"`
	PassiveTimeout time.Duration `json:"passive_timeout"`
	PassiveMaxAge  time.Duration `json:"passive_max_age"`
}

// DefaultConfig returns the standard chain timing
func DefaultConfig() Config {
	return Config{
		PrimaryTimeout: 15 * time.Second,
		PrimaryMaxAge:  60 * time.Second,
		PassiveTimeout: 5 * time.Second,
		PassiveMaxAge:  600 * time.Second,
	}
}

// Result is a successful acquisition with its provenance
type Result struct {
	Sample    *pkg.PositionSample `json:"sample"`
	Source    pkg.Source          `json:"source"`
	Tier      string              `json:"tier"`
	Escalated bool                `json:"escalated"`
}

// Chain tries heterogeneous position sources in order until one produces a
// usable sample. Tiers run strictly sequentially; each tier's failure is
// absorbed and triggers the next.
type Chain struct {
	device      pkg.PositionProvider
	passive     pkg.PositionProvider
	network     *NetworkLocator
	cache       *cache.Cache
	config      Config
	logger      *logx.Logger
	failureHook func(tier string, code int)
}

// New creates a chain. passive and network may be nil when the platform
// offers no such source; those tiers are then skipped.
func New(device, passive pkg.PositionProvider, network *NetworkLocator, posCache *cache.Cache, config Config, logger *logx.Logger) *Chain {
	return &Chain{
		device:  device,
		passive: passive,
		network: network,
		cache:   posCache,
		config:  config,
		logger:  logger.WithComponent("chain"),
	}
}

// SetFailureHook registers a callback invoked once per failed tier
// attempt with the tier name and the native error code. Used for
// failure counting; must not block.
func (c *Chain) SetFailureHook(hook func(tier string, code int)) {
	c.failureHook = hook
}

func (c *Chain) reportFailure(tier string, err error) {
	if c.failureHook == nil {
		return
	}
	code := pkg.ErrorCode(err)
	if code == 0 {
		code = pkg.CodePositionUnavailable
	}
	c.failureHook(tier, code)
}

// Acquire runs the fallback chain for one position sample.
//
// Order: primary GPS at the requested precision, a low-accuracy retry on
// timeout/unavailable, a fresh cached sample on timeout, passive GPS, the
// network estimate, and finally the last persisted sample. A successful
// high-accuracy sample assessed unusable triggers an escalation pass over
// the remaining tiers before the raw sample is returned as-is.
func (c *Chain) Acquire(ctx context.Context, highAccuracy bool) (*Result, error) {
	lastCode := 0
	noteErr := func(err error) {
		if code := pkg.ErrorCode(err); code != 0 {
			lastCode = code
		}
	}

	// Step 1: primary GPS at requested precision
	sample, err := c.devicePosition(ctx, highAccuracy)
	tier := TierGPSHigh
	if !highAccuracy {
		tier = TierGPSLow
	}

	// Step 2: low-accuracy retry after a high-accuracy timeout or signal loss
	if err != nil {
		noteErr(err)
		c.reportFailure(tier, err)
		code := pkg.ErrorCode(err)
		if highAccuracy && (code == pkg.CodeTimeout || code == pkg.CodePositionUnavailable) {
			c.logger.Debug("primary acquisition failed, retrying at low accuracy", "code", code)
			sample, err = c.devicePosition(ctx, false)
			tier = TierGPSLow
			if err != nil {
				noteErr(err)
				c.reportFailure(tier, err)
			}
		}
	}

	if err == nil {
		if verr := pkg.ValidateSample(sample); verr != nil {
			c.logger.Warn("device returned invalid sample", "error", verr.Error())
			err = verr
		}
	}

	if err == nil {
		assessment := accuracy.Assess(sample.AccuracyM)
		if assessment.IsUsable {
			return &Result{Sample: sample, Source: pkg.SourceGPS, Tier: tier}, nil
		}

		// Escalation path: a fix this poor from a high-accuracy request
		// usually means the better sources just need another try.
		if highAccuracy {
			c.logger.Warn("high-accuracy sample unusable, escalating",
				"accuracy_m", sample.AccuracyM,
				"quality", string(assessment.Quality),
			)
			if escalated := c.escalate(ctx, tier); escalated != nil {
				escalated.Escalated = true
				return escalated, nil
			}
		}

		// No better alternative exists; never discard the sample silently
		c.logger.Warn("returning unusable sample, no better source available",
			"accuracy_m", sample.AccuracyM)
		return &Result{Sample: sample, Source: pkg.SourceGPS, Tier: tier}, nil
	}

	// Step 3: a fresh cached sample substitutes for a timed-out fix
	if pkg.ErrorCode(err) == pkg.CodeTimeout {
		if entry := c.cache.BestNear(nil); entry != nil {
			c.logger.Info("using fresh cached sample after timeout",
				"reliability", entry.Reliability, "source", string(entry.Source))
			s := entry.Sample
			return &Result{Sample: &s, Source: pkg.SourceCached, Tier: TierCache}, nil
		}
	}

	// Step 4: passive low-power source
	if sample, perr := c.passivePosition(ctx); perr == nil {
		return &Result{Sample: sample, Source: pkg.SourcePassive, Tier: TierPassive}, nil
	} else if perr != errTierSkipped {
		noteErr(perr)
		c.reportFailure(TierPassive, perr)
		c.logger.Debug("passive acquisition failed", "error", perr.Error())
	}

	// Step 5: network estimate
	if sample, nerr := c.networkPosition(ctx); nerr == nil {
		return &Result{Sample: sample, Source: pkg.SourceNetwork, Tier: TierNetwork}, nil
	} else if nerr != errTierSkipped {
		c.reportFailure(TierNetwork, nerr)
		c.logger.Debug("network acquisition failed", "error", nerr.Error())
	}

	// Step 6: the last persisted sample is the final resort
	if last := c.cache.LastKnown(); last != nil {
		c.logger.Warn("all live sources failed, returning last known sample",
			"age", time.Since(last.Timestamp).String())
		return &Result{Sample: last, Source: pkg.SourceCached, Tier: TierLastKnown}, nil
	}

	return nil, terminalError(lastCode)
}

var errTierSkipped = fmt.Errorf("tier not configured")

func (c *Chain) devicePosition(ctx context.Context, highAccuracy bool) (*pkg.PositionSample, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.PrimaryTimeout)
	defer cancel()
	return c.device.GetCurrentPosition(attemptCtx, pkg.AcquireOptions{
		HighAccuracy: highAccuracy,
		Timeout:      c.config.PrimaryTimeout,
		MaxAge:       c.config.PrimaryMaxAge,
	})
}

func (c *Chain) passivePosition(ctx context.Context) (*pkg.PositionSample, error) {
	if c.passive == nil {
		return nil, errTierSkipped
	}
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.PassiveTimeout)
	defer cancel()

	sample, err := c.passive.GetCurrentPosition(attemptCtx, pkg.AcquireOptions{
		HighAccuracy: false,
		Timeout:      c.config.PassiveTimeout,
		MaxAge:       c.config.PassiveMaxAge,
	})
	if err != nil {
		return nil, err
	}
	if err := pkg.ValidateSample(sample); err != nil {
		return nil, err
	}
	return sample, nil
}

func (c *Chain) networkPosition(ctx context.Context) (*pkg.PositionSample, error) {
	if c.network == nil {
		return nil, errTierSkipped
	}
	return c.network.Locate(ctx)
}

// escalate retries the remaining tiers after an unusable high-accuracy fix,
// returning the first usable result or nil.
func (c *Chain) escalate(ctx context.Context, triedTier string) *Result {
	if triedTier != TierGPSLow {
		if sample, err := c.devicePosition(ctx, false); err == nil {
			if pkg.ValidateSample(sample) == nil && accuracy.Assess(sample.AccuracyM).IsUsable {
				return &Result{Sample: sample, Source: pkg.SourceGPS, Tier: TierGPSLow}
			}
		}
	}

	if entry := c.cache.BestNear(nil); entry != nil {
		if accuracy.Assess(entry.Sample.AccuracyM).IsUsable {
			s := entry.Sample
			return &Result{Sample: &s, Source: pkg.SourceCached, Tier: TierCache}
		}
	}

	if sample, err := c.passivePosition(ctx); err == nil {
		if accuracy.Assess(sample.AccuracyM).IsUsable {
			return &Result{Sample: sample, Source: pkg.SourcePassive, Tier: TierPassive}
		}
	}

	// The network tier reports a fixed city-level accuracy, which the
	// assessor rejects; it cannot improve on a raw GPS fix here.
	return nil
}

// terminalError builds the AllFallbacksExhausted failure surfaced to the
// caller, with the message derived from the last native error code.
func terminalError(lastCode int) error {
	switch lastCode {
	case pkg.CodeTimeout:
		return fmt.Errorf("%w: %s", pkg.ErrAllFallbacksExhausted, pkg.ErrAcquisitionTimeout.Error())
	case pkg.CodePositionUnavailable:
		return fmt.Errorf("%w: %s", pkg.ErrAllFallbacksExhausted, pkg.ErrPositionUnavailable.Error())
	case pkg.CodePermissionDenied:
		return fmt.Errorf("%w: %s", pkg.ErrAllFallbacksExhausted, pkg.ErrPermissionDenied.Error())
	default:
		return fmt.Errorf("%w: no position source produced a sample", pkg.ErrAllFallbacksExhausted)
	}
}
