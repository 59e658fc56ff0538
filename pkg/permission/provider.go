package permission

import "context"

// Provider is the platform permission capability. One variant exists per
// platform family; the variant is chosen once at engine construction.
type Provider interface {
	Check(ctx context.Context) (Status, error)
	Request(ctx context.Context) (Status, error)
	CheckBackground(ctx context.Context) (Status, error)
	RequestBackground(ctx context.Context) (Status, error)
}

// PlatformAPI is the raw permission surface exposed by the host platform
type PlatformAPI interface {
	Check(ctx context.Context, name string) (Status, error)
	Request(ctx context.Context, name string) (Status, error)
}

// Permission names understood by the platform APIs
const (
	NameFineLocation = "location.fine"
	NameWhenInUse    = "location.when_in_use"
	NameAlways       = "location.always"
)

// RuntimeProvider claims a single runtime location permission. Background
// use is covered by the same grant.
type RuntimeProvider struct {
	api PlatformAPI
}

// NewRuntimeProvider wraps a platform with single-permission semantics
func NewRuntimeProvider(api PlatformAPI) *RuntimeProvider {
	return &RuntimeProvider{api: api}
}

func (p *RuntimeProvider) Check(ctx context.Context) (Status, error) {
	return p.api.Check(ctx, NameFineLocation)
}

func (p *RuntimeProvider) Request(ctx context.Context) (Status, error) {
	return p.api.Request(ctx, NameFineLocation)
}

func (p *RuntimeProvider) CheckBackground(ctx context.Context) (Status, error) {
	return p.api.Check(ctx, NameFineLocation)
}

func (p *RuntimeProvider) RequestBackground(ctx context.Context) (Status, error) {
	return p.api.Request(ctx, NameFineLocation)
}

// StaticAPI is a PlatformAPI for hosts without runtime permission
// prompts, where access is decided once by deployment configuration.
// Request returns the same answer as Check.
type StaticAPI struct {
	Result Status
}

func (a StaticAPI) Check(_ context.Context, _ string) (Status, error) {
	return a.Result, nil
}

func (a StaticAPI) Request(_ context.Context, _ string) (Status, error) {
	return a.Result, nil
}

// TieredProvider claims a when-in-use permission first and a separate
// "always" permission only when background tracking is explicitly needed.
type TieredProvider struct {
	api PlatformAPI
}

// NewTieredProvider wraps a platform with when-in-use/always semantics
func NewTieredProvider(api PlatformAPI) *TieredProvider {
	return &TieredProvider{api: api}
}

func (p *TieredProvider) Check(ctx context.Context) (Status, error) {
	return p.api.Check(ctx, NameWhenInUse)
}

func (p *TieredProvider) Request(ctx context.Context) (Status, error) {
	return p.api.Request(ctx, NameWhenInUse)
}

// CheckBackground requires the "always" grant; a when-in-use grant alone
// does not cover background watching on this platform family.
func (p *TieredProvider) CheckBackground(ctx context.Context) (Status, error) {
	return p.api.Check(ctx, NameAlways)
}

func (p *TieredProvider) RequestBackground(ctx context.Context) (Status, error) {
	// The always prompt is only valid once when-in-use is already granted
	fg, err := p.api.Check(ctx, NameWhenInUse)
	if err != nil {
		return StatusUnavailable, err
	}
	if fg != StatusGranted {
		return StatusDenied, nil
	}
	return p.api.Request(ctx, NameAlways)
}
