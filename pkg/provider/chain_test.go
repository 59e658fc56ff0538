package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/locfix/locfix/pkg"
	"github.com/locfix/locfix/pkg/cache"
	"github.com/locfix/locfix/pkg/logx"
	"github.com/locfix/locfix/pkg/store"
)

type scriptedCall struct {
	sample *pkg.PositionSample
	err    error
}

// scriptedProvider returns a fixed sequence of results and records the
// options each call was made with.
type scriptedProvider struct {
	script []scriptedCall
	calls  []pkg.AcquireOptions
}

func (p *scriptedProvider) GetCurrentPosition(ctx context.Context, opts pkg.AcquireOptions) (*pkg.PositionSample, error) {
	p.calls = append(p.calls, opts)
	if len(p.script) == 0 {
		return nil, &pkg.ProviderError{Code: pkg.CodePositionUnavailable, Message: "script exhausted"}
	}
	call := p.script[0]
	p.script = p.script[1:]
	return call.sample, call.err
}

func (p *scriptedProvider) Watch(opts pkg.AcquireOptions, onUpdate func(*pkg.PositionSample), onError func(error)) (int64, error) {
	return 0, fmt.Errorf("watch not supported")
}

func (p *scriptedProvider) ClearWatch(id int64) {}

type fakeGeoProvider struct {
	sample *pkg.PositionSample
	err    error
}

func (f *fakeGeoProvider) Name() string { return "fake" }

func (f *fakeGeoProvider) Locate(ctx context.Context) (*pkg.PositionSample, error) {
	return f.sample, f.err
}

func testSample(accuracyM float64) *pkg.PositionSample {
	return &pkg.PositionSample{
		Latitude:  59.3293,
		Longitude: 18.0686,
		AccuracyM: accuracyM,
		Timestamp: time.Now(),
	}
}

func timeoutErr() error {
	return &pkg.ProviderError{Code: pkg.CodeTimeout, Message: "location request timed out"}
}

func unavailableErr() error {
	return &pkg.ProviderError{Code: pkg.CodePositionUnavailable, Message: "no fix"}
}

func newTestChain(t *testing.T, device, passive pkg.PositionProvider, network *NetworkLocator) (*Chain, *cache.Cache) {
	t.Helper()
	logger := logx.New("error")
	posCache := cache.New(store.NewMemory(), logger)
	return New(device, passive, network, posCache, DefaultConfig(), logger), posCache
}

func TestAcquireFirstTierSuccess(t *testing.T) {
	device := &scriptedProvider{script: []scriptedCall{{sample: testSample(8)}}}
	chain, _ := newTestChain(t, device, nil, nil)

	result, err := chain.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if result.Tier != TierGPSHigh {
		t.Errorf("expected tier %s, got %s", TierGPSHigh, result.Tier)
	}
	if result.Source != pkg.SourceGPS {
		t.Errorf("expected source gps, got %s", result.Source)
	}
	if result.Escalated {
		t.Error("first-tier success should not be marked escalated")
	}
	if len(device.calls) != 1 {
		t.Errorf("expected 1 device call, got %d", len(device.calls))
	}
	if !device.calls[0].HighAccuracy {
		t.Error("first attempt should request high accuracy")
	}
}

func TestFailureHookCountsFailedTiers(t *testing.T) {
	device := &scriptedProvider{script: []scriptedCall{
		{err: timeoutErr()},
		{err: unavailableErr()},
	}}
	chain, _ := newTestChain(t, device, nil, nil)

	type failure struct {
		tier string
		code int
	}
	var failures []failure
	chain.SetFailureHook(func(tier string, code int) {
		failures = append(failures, failure{tier, code})
	})

	if _, err := chain.Acquire(context.Background(), true); err == nil {
		t.Fatal("expected terminal error")
	}

	want := []failure{
		{TierGPSHigh, pkg.CodeTimeout},
		{TierGPSLow, pkg.CodePositionUnavailable},
	}
	if len(failures) != len(want) {
		t.Fatalf("expected %d failures, got %d: %+v", len(want), len(failures), failures)
	}
	for i, w := range want {
		if failures[i] != w {
			t.Errorf("failure %d = %+v, want %+v", i, failures[i], w)
		}
	}
}

func TestFailureHookSkipsUnconfiguredTiers(t *testing.T) {
	device := &scriptedProvider{script: []scriptedCall{{err: unavailableErr()}}}
	chain, _ := newTestChain(t, device, nil, nil)

	var tiers []string
	chain.SetFailureHook(func(tier string, code int) { tiers = append(tiers, tier) })

	chain.Acquire(context.Background(), false)

	for _, tier := range tiers {
		if tier == TierPassive || tier == TierNetwork {
			t.Errorf("unconfigured tier %s reported as a failure", tier)
		}
	}
}

func TestAcquireDoubleTimeoutIsTerminal(t *testing.T) {
	device := &scriptedProvider{script: []scriptedCall{
		{err: timeoutErr()},
		{err: timeoutErr()},
	}}
	chain, _ := newTestChain(t, device, nil, nil)

	result, err := chain.Acquire(context.Background(), true)
	if err == nil {
		t.Fatalf("expected terminal error, got result %+v", result)
	}
	if !errors.Is(err, pkg.ErrAllFallbacksExhausted) {
		t.Errorf("expected ErrAllFallbacksExhausted, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("terminal message should reflect the timeout, got %q", err.Error())
	}
	if len(device.calls) != 2 {
		t.Errorf("expected exactly 2 device attempts, got %d", len(device.calls))
	}
	if device.calls[1].HighAccuracy {
		t.Error("second attempt should drop to low accuracy")
	}
}

func TestAcquireLowAccuracyRetryRecovers(t *testing.T) {
	device := &scriptedProvider{script: []scriptedCall{
		{err: timeoutErr()},
		{sample: testSample(45)},
	}}
	chain, _ := newTestChain(t, device, nil, nil)

	result, err := chain.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if result.Tier != TierGPSLow {
		t.Errorf("expected tier %s, got %s", TierGPSLow, result.Tier)
	}
	if len(device.calls) != 2 {
		t.Errorf("expected 2 device calls, got %d", len(device.calls))
	}
}

func TestAcquireNoRetryWhenLowAccuracyRequested(t *testing.T) {
	device := &scriptedProvider{script: []scriptedCall{
		{err: timeoutErr()},
	}}
	chain, _ := newTestChain(t, device, nil, nil)

	_, err := chain.Acquire(context.Background(), false)
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if len(device.calls) != 1 {
		t.Errorf("low-accuracy request should not retry, got %d calls", len(device.calls))
	}
}

func TestAcquireCachedSampleAfterTimeout(t *testing.T) {
	device := &scriptedProvider{script: []scriptedCall{
		{err: timeoutErr()},
		{err: timeoutErr()},
	}}
	chain, posCache := newTestChain(t, device, nil, nil)

	if err := posCache.Put(context.Background(), testSample(12), pkg.SourceGPS); err != nil {
		t.Fatalf("cache put failed: %v", err)
	}

	result, err := chain.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if result.Tier != TierCache {
		t.Errorf("expected tier %s, got %s", TierCache, result.Tier)
	}
	if result.Source != pkg.SourceCached {
		t.Errorf("expected source cached, got %s", result.Source)
	}
}

func TestAcquirePassiveTier(t *testing.T) {
	device := &scriptedProvider{script: []scriptedCall{
		{err: timeoutErr()},
		{err: timeoutErr()},
	}}
	passive := &scriptedProvider{script: []scriptedCall{{sample: testSample(80)}}}
	chain, _ := newTestChain(t, device, passive, nil)

	result, err := chain.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if result.Tier != TierPassive {
		t.Errorf("expected tier %s, got %s", TierPassive, result.Tier)
	}
	if result.Source != pkg.SourcePassive {
		t.Errorf("expected source passive, got %s", result.Source)
	}
	if len(passive.calls) != 1 {
		t.Fatalf("expected 1 passive call, got %d", len(passive.calls))
	}
	if passive.calls[0].HighAccuracy {
		t.Error("passive tier should request low accuracy")
	}
	if passive.calls[0].MaxAge != 600*time.Second {
		t.Errorf("passive tier should accept samples up to 600s old, got %s", passive.calls[0].MaxAge)
	}
}

func TestAcquireNetworkTier(t *testing.T) {
	device := &scriptedProvider{script: []scriptedCall{
		{err: timeoutErr()},
		{err: timeoutErr()},
	}}
	logger := logx.New("error")
	network := NewNetworkLocator(logger, &fakeGeoProvider{sample: testSample(30)})
	chain, _ := newTestChain(t, device, nil, network)

	result, err := chain.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if result.Tier != TierNetwork {
		t.Errorf("expected tier %s, got %s", TierNetwork, result.Tier)
	}
	if result.Sample.AccuracyM != NetworkAccuracyM {
		t.Errorf("network samples should carry the fixed accuracy %v, got %v",
			NetworkAccuracyM, result.Sample.AccuracyM)
	}
}

func TestAcquireLastKnownFallback(t *testing.T) {
	device := &scriptedProvider{script: []scriptedCall{
		{err: unavailableErr()},
		{err: unavailableErr()},
	}}
	passive := &scriptedProvider{script: []scriptedCall{{err: unavailableErr()}}}
	chain, posCache := newTestChain(t, device, passive, nil)

	if err := posCache.Put(context.Background(), testSample(25), pkg.SourceGPS); err != nil {
		t.Fatalf("cache put failed: %v", err)
	}

	// Unavailable rather than timeout skips the fresh-cache shortcut, so
	// the chain only reaches the persisted sample at the very end.
	result, err := chain.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if result.Tier != TierLastKnown {
		t.Errorf("expected tier %s, got %s", TierLastKnown, result.Tier)
	}
	if result.Source != pkg.SourceCached {
		t.Errorf("expected source cached, got %s", result.Source)
	}
}

func TestAcquireTerminalWhenNothingAvailable(t *testing.T) {
	device := &scriptedProvider{script: []scriptedCall{
		{err: unavailableErr()},
		{err: unavailableErr()},
	}}
	logger := logx.New("error")
	network := NewNetworkLocator(logger, &fakeGeoProvider{err: fmt.Errorf("endpoint unreachable")})
	chain, _ := newTestChain(t, device, nil, network)

	_, err := chain.Acquire(context.Background(), true)
	if !errors.Is(err, pkg.ErrAllFallbacksExhausted) {
		t.Fatalf("expected ErrAllFallbacksExhausted, got %v", err)
	}
	if !strings.Contains(err.Error(), "unavailable") {
		t.Errorf("terminal message should reflect the last native failure, got %q", err.Error())
	}
}

func TestAcquireEscalationReturnsOriginalPoorSample(t *testing.T) {
	poor := testSample(5000)
	device := &scriptedProvider{script: []scriptedCall{
		{sample: poor},
		{err: timeoutErr()}, // escalation retry at low accuracy fails too
	}}
	chain, _ := newTestChain(t, device, nil, nil)

	result, err := chain.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("an unusable sample with no alternative must still be returned: %v", err)
	}
	if result.Sample.AccuracyM != 5000 {
		t.Errorf("expected the original poor sample back, got accuracy %v", result.Sample.AccuracyM)
	}
	if result.Escalated {
		t.Error("a failed escalation should not mark the result escalated")
	}
	if len(device.calls) != 2 {
		t.Errorf("expected high attempt plus one escalation retry, got %d calls", len(device.calls))
	}
}

func TestAcquireEscalationFindsBetterSample(t *testing.T) {
	device := &scriptedProvider{script: []scriptedCall{
		{sample: testSample(5000)},
		{sample: testSample(20)},
	}}
	chain, _ := newTestChain(t, device, nil, nil)

	result, err := chain.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !result.Escalated {
		t.Error("an escalation recovery should be marked escalated")
	}
	if result.Tier != TierGPSLow {
		t.Errorf("expected tier %s, got %s", TierGPSLow, result.Tier)
	}
	if result.Sample.AccuracyM != 20 {
		t.Errorf("expected the escalated sample, got accuracy %v", result.Sample.AccuracyM)
	}
}

func TestAcquireNoEscalationForLowAccuracyRequest(t *testing.T) {
	device := &scriptedProvider{script: []scriptedCall{
		{sample: testSample(5000)},
	}}
	chain, _ := newTestChain(t, device, nil, nil)

	result, err := chain.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if len(device.calls) != 1 {
		t.Errorf("low-accuracy requests should never escalate, got %d calls", len(device.calls))
	}
	if result.Sample.AccuracyM != 5000 {
		t.Errorf("expected the raw sample back, got accuracy %v", result.Sample.AccuracyM)
	}
}

func TestAcquireInvalidDeviceSampleFallsThrough(t *testing.T) {
	invalid := &pkg.PositionSample{Latitude: 120, Longitude: 18, AccuracyM: 10, Timestamp: time.Now()}
	device := &scriptedProvider{script: []scriptedCall{{sample: invalid}}}
	passive := &scriptedProvider{script: []scriptedCall{{sample: testSample(60)}}}
	chain, _ := newTestChain(t, device, passive, nil)

	result, err := chain.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if result.Tier != TierPassive {
		t.Errorf("invalid device sample should fall through to passive, got tier %s", result.Tier)
	}
}
