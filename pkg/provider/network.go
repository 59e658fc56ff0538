package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"googlemaps.github.io/maps"

	"github.com/locfix/locfix/pkg"
	"github.com/locfix/locfix/pkg/logx"
)

const (
	// NetworkAccuracyM is the fixed accuracy reported for IP-level estimates
	NetworkAccuracyM = 5000.0

	// NetworkProviderTimeout bounds each individual geolocation endpoint
	NetworkProviderTimeout = 10 * time.Second
)

// GeoProvider is one independent network geolocation endpoint
type GeoProvider interface {
	Name() string
	Locate(ctx context.Context) (*pkg.PositionSample, error)
}

// NetworkLocator tries independent geolocation providers in order and
// returns the first structurally valid, coordinate-valid response.
type NetworkLocator struct {
	providers []GeoProvider
	timeout   time.Duration
	logger    *logx.Logger
}

// NewNetworkLocator builds a locator over the given providers
func NewNetworkLocator(logger *logx.Logger, providers ...GeoProvider) *NetworkLocator {
	return &NetworkLocator{
		providers: providers,
		timeout:   NetworkProviderTimeout,
		logger:    logger.WithComponent("network_locator"),
	}
}

// Locate runs the providers sequentially, each under its own timeout
func (n *NetworkLocator) Locate(ctx context.Context) (*pkg.PositionSample, error) {
	if len(n.providers) == 0 {
		return nil, fmt.Errorf("%w: no network providers configured", pkg.ErrPositionUnavailable)
	}

	var lastErr error
	for _, p := range n.providers {
		attemptCtx, cancel := context.WithTimeout(ctx, n.timeout)
		sample, err := p.Locate(attemptCtx)
		cancel()

		if err != nil {
			n.logger.Debug("network provider failed", "provider", p.Name(), "error", err.Error())
			lastErr = err
			continue
		}
		if err := pkg.ValidateSample(sample); err != nil {
			n.logger.Warn("network provider returned invalid coordinates",
				"provider", p.Name(), "error", err.Error())
			lastErr = err
			continue
		}

		sample.AccuracyM = NetworkAccuracyM
		if sample.Timestamp.IsZero() {
			sample.Timestamp = time.Now()
		}
		n.logger.Info("network position estimate obtained",
			"provider", p.Name(),
			"latitude", sample.Latitude,
			"longitude", sample.Longitude,
		)
		return sample, nil
	}

	return nil, fmt.Errorf("%w: all network providers failed: %v", pkg.ErrPositionUnavailable, lastErr)
}

// GoogleGeoProvider uses the Google Geolocation API with IP-only input
type GoogleGeoProvider struct {
	client *maps.Client
}

// NewGoogleGeoProvider creates the provider from an API key
func NewGoogleGeoProvider(apiKey string) (*GoogleGeoProvider, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Maps client: %w", err)
	}
	return &GoogleGeoProvider{client: client}, nil
}

func (g *GoogleGeoProvider) Name() string { return "google" }

func (g *GoogleGeoProvider) Locate(ctx context.Context) (*pkg.PositionSample, error) {
	resp, err := g.client.Geolocate(ctx, &maps.GeolocationRequest{ConsiderIP: true})
	if err != nil {
		return nil, fmt.Errorf("google geolocate failed: %w", err)
	}
	return &pkg.PositionSample{
		Latitude:  resp.Location.Lat,
		Longitude: resp.Location.Lng,
		AccuracyM: resp.Accuracy,
		Timestamp: time.Now(),
	}, nil
}

// ResponseShape selects how a JSON endpoint encodes coordinates
type ResponseShape string

const (
	// ShapeFlat is {"latitude": 59.3, "longitude": 18.0}
	ShapeFlat ResponseShape = "flat"
	// ShapeLoc is {"loc": "59.3,18.0"}
	ShapeLoc ResponseShape = "loc"
)

// JSONGeoProvider queries a plain HTTP endpoint returning JSON coordinates
type JSONGeoProvider struct {
	name   string
	url    string
	shape  ResponseShape
	client *http.Client
}

// NewJSONGeoProvider creates a provider for one IP-geolocation endpoint
func NewJSONGeoProvider(name, url string, shape ResponseShape) *JSONGeoProvider {
	return &JSONGeoProvider{
		name:   name,
		url:    url,
		shape:  shape,
		client: &http.Client{},
	}
}

func (p *JSONGeoProvider) Name() string { return p.name }

func (p *JSONGeoProvider) Locate(ctx context.Context) (*pkg.PositionSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", p.name, resp.StatusCode)
	}

	switch p.shape {
	case ShapeLoc:
		return p.parseLoc(resp)
	default:
		return p.parseFlat(resp)
	}
}

func (p *JSONGeoProvider) parseFlat(resp *http.Response) (*pkg.PositionSample, error) {
	var body struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%s returned malformed JSON: %w", p.name, err)
	}
	if body.Latitude == 0 && body.Longitude == 0 {
		return nil, fmt.Errorf("%s returned no coordinates", p.name)
	}
	return &pkg.PositionSample{
		Latitude:  body.Latitude,
		Longitude: body.Longitude,
		AccuracyM: NetworkAccuracyM,
		Timestamp: time.Now(),
	}, nil
}

func (p *JSONGeoProvider) parseLoc(resp *http.Response) (*pkg.PositionSample, error) {
	var body struct {
		Loc string `json:"loc"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%s returned malformed JSON: %w", p.name, err)
	}

	parts := strings.Split(body.Loc, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%s returned malformed loc field %q", p.name, body.Loc)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, fmt.Errorf("%s latitude parse: %w", p.name, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("%s longitude parse: %w", p.name, err)
	}

	return &pkg.PositionSample{
		Latitude:  lat,
		Longitude: lon,
		AccuracyM: NetworkAccuracyM,
		Timestamp: time.Now(),
	}, nil
}

// DefaultNetworkProviders builds the standard three-tier provider set.
// The Google tier is skipped when no API key is configured.
func DefaultNetworkProviders(logger *logx.Logger, googleAPIKey string) []GeoProvider {
	var providers []GeoProvider

	if googleAPIKey != "" {
		google, err := NewGoogleGeoProvider(googleAPIKey)
		if err != nil {
			logger.Warn("google geolocation unavailable", "error", err.Error())
		} else {
			providers = append(providers, google)
		}
	}

	providers = append(providers,
		NewJSONGeoProvider("ipapi", "https://ipapi.co/json/", ShapeFlat),
		NewJSONGeoProvider("ipinfo", "https://ipinfo.io/json", ShapeLoc),
	)
	return providers
}
