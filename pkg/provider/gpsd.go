package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/locfix/locfix/pkg"
	"github.com/locfix/locfix/pkg/logx"
)

// gpsd fix modes
const (
	gpsdModeNoFix = 1
	gpsdMode2D    = 2
	gpsdMode3D    = 3
)

const (
	gpsdPollInterval    = 500 * time.Millisecond
	gpsdMinWatchPeriod  = time.Second
	gpsdRequestTimeout  = 3 * time.Second
	gpsdDefaultEndpoint = "http://127.0.0.1:2948/tpv"
)

// tpvReport is the time-position-velocity JSON shape served by gpsd HTTP
// bridges.
type tpvReport struct {
	Mode     int      `json:"mode"`
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	EPH      float64  `json:"eph"`
	Alt      *float64 `json:"alt,omitempty"`
	EPV      *float64 `json:"epv,omitempty"`
	Track    *float64 `json:"track,omitempty"`
	SpeedMPS *float64 `json:"speed,omitempty"`
	Time     string   `json:"time"`
}

// GPSDProvider reads positions from a gpsd-style TPV endpoint over HTTP.
// It serves as the device position source on hosts with a local GNSS
// receiver.
type GPSDProvider struct {
	url    string
	client *http.Client
	logger *logx.Logger

	mu      sync.Mutex
	nextID  int64
	watches map[int64]chan struct{}
}

// NewGPSDProvider creates a provider polling the given TPV endpoint. An
// empty url selects the default local gpsd bridge.
func NewGPSDProvider(url string, logger *logx.Logger) *GPSDProvider {
	if url == "" {
		url = gpsdDefaultEndpoint
	}
	return &GPSDProvider{
		url:     url,
		client:  &http.Client{Timeout: gpsdRequestTimeout},
		logger:  logger,
		watches: make(map[int64]chan struct{}),
	}
}

// GetCurrentPosition polls the receiver until a fix of the requested
// quality appears or the timeout elapses. High accuracy requires a 3D
// fix; otherwise a 2D fix is accepted.
func (p *GPSDProvider) GetCurrentPosition(ctx context.Context, opts pkg.AcquireOptions) (*pkg.PositionSample, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().PrimaryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	minMode := gpsdMode2D
	if opts.HighAccuracy {
		minMode = gpsdMode3D
	}

	var lastErr error
	for {
		sample, err := p.fetch(ctx, minMode)
		if err == nil {
			return sample, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			if pkg.ErrorCode(lastErr) == pkg.CodePositionUnavailable {
				return nil, lastErr
			}
			return nil, &pkg.ProviderError{Code: pkg.CodeTimeout, Message: "no fix before deadline"}
		case <-time.After(gpsdPollInterval):
		}
	}
}

// Watch polls at the cadence carried in opts.Timeout and delivers each
// fix to onUpdate. Fetch failures go to onError and polling continues.
func (p *GPSDProvider) Watch(opts pkg.AcquireOptions, onUpdate func(*pkg.PositionSample), onError func(error)) (int64, error) {
	period := opts.Timeout
	if period < gpsdMinWatchPeriod {
		period = gpsdMinWatchPeriod
	}
	minMode := gpsdMode2D
	if opts.HighAccuracy {
		minMode = gpsdMode3D
	}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	stop := make(chan struct{})
	p.watches[id] = stop
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), gpsdRequestTimeout)
				sample, err := p.fetch(ctx, minMode)
				cancel()
				if err != nil {
					onError(err)
					continue
				}
				onUpdate(sample)
			}
		}
	}()

	p.logger.Debug("gpsd watch started", "id", id, "period", period.String())
	return id, nil
}

// ClearWatch stops the polling loop for the given subscription
func (p *GPSDProvider) ClearWatch(id int64) {
	p.mu.Lock()
	stop, ok := p.watches[id]
	if ok {
		delete(p.watches, id)
	}
	p.mu.Unlock()
	if ok {
		close(stop)
	}
}

func (p *GPSDProvider) fetch(ctx context.Context, minMode int) (*pkg.PositionSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build gpsd request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &pkg.ProviderError{Code: pkg.CodePositionUnavailable, Message: fmt.Sprintf("gpsd unreachable: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &pkg.ProviderError{Code: pkg.CodePositionUnavailable, Message: fmt.Sprintf("gpsd returned HTTP %d", resp.StatusCode)}
	}

	var tpv tpvReport
	if err := json.NewDecoder(resp.Body).Decode(&tpv); err != nil {
		return nil, &pkg.ProviderError{Code: pkg.CodePositionUnavailable, Message: fmt.Sprintf("malformed TPV report: %v", err)}
	}

	if tpv.Mode < minMode {
		return nil, &pkg.ProviderError{Code: pkg.CodePositionUnavailable, Message: fmt.Sprintf("fix mode %d below required %d", tpv.Mode, minMode)}
	}

	sample := &pkg.PositionSample{
		Latitude:         tpv.Lat,
		Longitude:        tpv.Lon,
		AccuracyM:        tpv.EPH,
		Timestamp:        time.Now(),
		Altitude:         tpv.Alt,
		AltitudeAccuracy: tpv.EPV,
		Heading:          tpv.Track,
		Speed:            tpv.SpeedMPS,
	}
	if ts, err := time.Parse(time.RFC3339, tpv.Time); err == nil {
		sample.Timestamp = ts
	}
	if err := pkg.ValidateSample(sample); err != nil {
		return nil, &pkg.ProviderError{Code: pkg.CodePositionUnavailable, Message: err.Error()}
	}
	return sample, nil
}
