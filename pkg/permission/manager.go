// Package permission provides platform-abstracted location permission
// handling with denial escalation.
package permission

import (
	"context"
	"sync"
	"time"

	"github.com/locfix/locfix/pkg/logx"
)

// Status is the platform permission state
type Status string

const (
	StatusGranted     Status = "granted"
	StatusDenied      Status = "denied"
	StatusBlocked     Status = "blocked"
	StatusUnavailable Status = "unavailable"
)

// PermissionStatus is the result of a check-or-request cycle
type PermissionStatus struct {
	Granted           bool   `json:"granted"`
	CanAskAgain       bool   `json:"can_ask_again"`
	Status            Status `json:"status"`
	BackgroundGranted *bool  `json:"background_granted,omitempty"`
}

// DenialState is the escalation level after repeated refusals
type DenialState string

const (
	DenialSoft           DenialState = "soft"
	DenialHard           DenialState = "hard"
	DenialSystemSettings DenialState = "system_settings"
)

// Fallback options offered to the caller while permission is unavailable
const (
	FallbackNetworkEstimate = "network-estimate"
	FallbackManualEntry     = "manual-entry"
	FallbackPostalCode      = "postal-code"
	FallbackAreaBrowse      = "area-browse"
)

// RetryCooldown is the minimum wait between permission prompts
const RetryCooldown = 5 * time.Minute

// Guidance tells the caller how to proceed after a denial
type Guidance struct {
	State                  DenialState `json:"state"`
	DenialCount            int         `json:"denial_count"`
	CanRetry               bool        `json:"can_retry"`
	Fallbacks              []string    `json:"fallbacks"`
	SystemSettingsPrompted bool        `json:"system_settings_prompted"`
}

// Manager gates position acquisition behind platform permission checks and
// tracks the denial escalation state machine.
type Manager struct {
	mu                     sync.Mutex
	provider               Provider
	logger                 *logx.Logger
	denialCount            int
	lastRequestAt          time.Time
	systemSettingsPrompted bool
	now                    func() time.Time
}

// NewManager creates a permission manager over the given platform provider
func NewManager(provider Provider, logger *logx.Logger) *Manager {
	return &Manager{
		provider: provider,
		logger:   logger.WithComponent("permission"),
		now:      time.Now,
	}
}

// CheckOrRequest checks the foreground permission and requests it when it
// is deniable-but-askable. With background set, the background permission
// is additionally checked and requested through the provider's own policy.
func (m *Manager) CheckOrRequest(ctx context.Context, background bool) (PermissionStatus, error) {
	status, err := m.provider.Check(ctx)
	if err != nil {
		return PermissionStatus{Status: StatusUnavailable}, err
	}

	if status == StatusDenied {
		m.mu.Lock()
		m.lastRequestAt = m.now()
		m.mu.Unlock()

		status, err = m.provider.Request(ctx)
		if err != nil {
			return PermissionStatus{Status: StatusUnavailable}, err
		}
	}

	result := PermissionStatus{
		Granted:     status == StatusGranted,
		CanAskAgain: status != StatusBlocked && status != StatusUnavailable,
		Status:      status,
	}

	if background && result.Granted {
		bg, err := m.checkOrRequestBackground(ctx)
		if err != nil {
			return result, err
		}
		granted := bg == StatusGranted
		result.BackgroundGranted = &granted
	}

	m.logger.Debug("permission check complete",
		"status", string(status),
		"background", background,
	)
	return result, nil
}

func (m *Manager) checkOrRequestBackground(ctx context.Context) (Status, error) {
	status, err := m.provider.CheckBackground(ctx)
	if err != nil {
		return StatusUnavailable, err
	}
	if status == StatusDenied {
		return m.provider.RequestBackground(ctx)
	}
	return status, nil
}

// HandleDenied advances the escalation state machine and returns guidance.
// The counter only moves forward; Reset is the sole way back.
func (m *Manager) HandleDenied() Guidance {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.denialCount++
	g := m.guidanceLocked()

	m.logger.Warn("permission denied",
		"denial_count", m.denialCount,
		"state", string(g.State),
		"can_retry", g.CanRetry,
	)
	return g
}

// Guidance returns the current escalation guidance without advancing the counter
func (m *Manager) Guidance() Guidance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guidanceLocked()
}

func (m *Manager) guidanceLocked() Guidance {
	cooldownPassed := m.lastRequestAt.IsZero() ||
		m.now().Sub(m.lastRequestAt) >= RetryCooldown

	switch {
	case m.denialCount <= 1:
		return Guidance{
			State:       DenialSoft,
			DenialCount: m.denialCount,
			CanRetry:    cooldownPassed,
			Fallbacks:   []string{FallbackNetworkEstimate, FallbackManualEntry, FallbackPostalCode},
		}
	case m.denialCount == 2:
		return Guidance{
			State:       DenialHard,
			DenialCount: m.denialCount,
			CanRetry:    cooldownPassed,
			Fallbacks: []string{
				FallbackNetworkEstimate, FallbackManualEntry,
				FallbackPostalCode, FallbackAreaBrowse,
			},
		}
	default:
		// Full lockout: a settings change is required, so the network
		// estimate is no longer offered as a stand-in.
		m.systemSettingsPrompted = true
		return Guidance{
			State:                  DenialSystemSettings,
			DenialCount:            m.denialCount,
			CanRetry:               false,
			Fallbacks:              []string{FallbackManualEntry, FallbackPostalCode, FallbackAreaBrowse},
			SystemSettingsPrompted: true,
		}
	}
}

// Reset clears the denial counter, typically after the user grants
// permission through system settings.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denialCount = 0
	m.lastRequestAt = time.Time{}
	m.systemSettingsPrompted = false
	m.logger.Info("permission denial state reset")
}

// DenialCount returns the current denial counter for status reporting
func (m *Manager) DenialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.denialCount
}
