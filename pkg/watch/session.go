// Package watch manages continuous position subscriptions across
// foreground and background app lifecycle phases.
package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/locfix/locfix/pkg"
	"github.com/locfix/locfix/pkg/frequency"
	"github.com/locfix/locfix/pkg/logx"
	"github.com/locfix/locfix/pkg/permission"
)

// State is the session's position in its lifecycle
type State string

const (
	StateIdle       State = "idle"
	StateWatching   State = "watching"
	StateBackground State = "background_watching"
)

// backgroundInterval is the reduced cadence used while backgrounded
const backgroundInterval = 60 * time.Second

// Session owns at most one foreground subscription and, when the app is
// backgrounded with background permission granted, swaps it for a single
// lower-power subscription. Lifecycle transitions drive the swap.
type Session struct {
	mu       sync.Mutex
	provider pkg.PositionProvider
	perms    *permission.Manager
	freq     *frequency.Controller
	logger   *logx.Logger

	state        State
	highAccuracy bool
	watchID      int64
	bgWatchID    int64
	onUpdate     func(*pkg.PositionSample)
	onError      func(error)
	release      func()
}

// NewSession creates an idle session
func NewSession(provider pkg.PositionProvider, perms *permission.Manager, freq *frequency.Controller, logger *logx.Logger) *Session {
	return &Session{
		provider: provider,
		perms:    perms,
		freq:     freq,
		logger:   logger.WithComponent("watch"),
		state:    StateIdle,
	}
}

// Bind subscribes the session to app lifecycle transitions. Call Release
// (or Stop) at teardown.
func (s *Session) Bind(signal pkg.LifecycleSignal) {
	s.release = signal.Subscribe(s.handlePhase)
}

// Start opens the foreground subscription. Only one session may watch at a
// time; starting an active session is an error.
func (s *Session) Start(ctx context.Context, highAccuracy bool, onUpdate func(*pkg.PositionSample), onError func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("watch already active in state %s", s.state)
	}

	status, err := s.perms.CheckOrRequest(ctx, false)
	if err != nil {
		return fmt.Errorf("permission check failed: %w", err)
	}
	if !status.Granted {
		if status.Status == permission.StatusBlocked {
			return pkg.ErrPermissionBlocked
		}
		return pkg.ErrPermissionDenied
	}

	s.highAccuracy = highAccuracy
	s.onUpdate = onUpdate
	s.onError = onError
	return s.startForegroundLocked()
}

func (s *Session) startForegroundLocked() error {
	target := s.freq.Target()
	id, err := s.provider.Watch(pkg.AcquireOptions{
		HighAccuracy: s.highAccuracy,
		Timeout:      target.Interval,
		MaxAge:       target.Interval,
	}, s.handleUpdate, s.handleError)
	if err != nil {
		return fmt.Errorf("failed to open watch subscription: %w", err)
	}
	s.watchID = id
	s.state = StateWatching
	s.logger.Info("watch started",
		"high_accuracy", s.highAccuracy,
		"interval", target.Interval.String(),
	)
	return nil
}

// Stop tears down all subscriptions and returns the session to idle
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAllLocked()
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

func (s *Session) stopAllLocked() {
	if s.watchID != 0 {
		s.provider.ClearWatch(s.watchID)
		s.watchID = 0
	}
	if s.bgWatchID != 0 {
		s.provider.ClearWatch(s.bgWatchID)
		s.bgWatchID = 0
	}
	if s.state != StateIdle {
		s.logger.Info("watch stopped")
	}
	s.state = StateIdle
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) handleUpdate(sample *pkg.PositionSample) {
	if err := pkg.ValidateSample(sample); err != nil {
		s.logger.Warn("dropping invalid watch sample", "error", err.Error())
		return
	}

	update := s.freq.Record(sample)

	s.mu.Lock()
	if update.Changed && s.state == StateWatching {
		// Cadence moved enough to matter; recreate the subscription
		s.provider.ClearWatch(s.watchID)
		s.watchID = 0
		if err := s.startForegroundLocked(); err != nil {
			s.logger.Error("failed to recreate watch after cadence change", "error", err.Error())
			s.state = StateIdle
		}
	}
	cb := s.onUpdate
	s.mu.Unlock()

	if cb != nil {
		cb(sample)
	}
}

// handleError classifies provider errors. Permission loss ends the
// session; transient unavailability and timeouts do not.
func (s *Session) handleError(err error) {
	code := pkg.ErrorCode(err)

	s.mu.Lock()
	cb := s.onError
	if code == pkg.CodePermissionDenied {
		s.logger.Warn("permission revoked during watch, stopping", "error", err.Error())
		s.stopAllLocked()
	} else {
		s.logger.Warn("transient watch error, continuing", "code", code, "error", err.Error())
	}
	s.mu.Unlock()

	if cb != nil {
		cb(err)
	}
}

// handlePhase swaps between the foreground and background subscriptions on
// app lifecycle transitions.
func (s *Session) handlePhase(phase pkg.LifecyclePhase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch phase {
	case pkg.LifecycleBackground:
		if s.state != StateWatching {
			return
		}
		status, err := s.perms.CheckOrRequest(context.Background(), true)
		if err != nil || status.BackgroundGranted == nil || !*status.BackgroundGranted {
			// Without background permission the foreground subscription
			// stays in place; the platform decides whether to pause it.
			s.logger.Info("background permission not granted, keeping foreground watch")
			return
		}
		s.provider.ClearWatch(s.watchID)
		s.watchID = 0
		id, werr := s.provider.Watch(pkg.AcquireOptions{
			HighAccuracy: false,
			Timeout:      backgroundInterval,
			MaxAge:       backgroundInterval,
		}, s.handleUpdate, s.handleError)
		if werr != nil {
			s.logger.Error("failed to open background watch", "error", werr.Error())
			s.state = StateIdle
			return
		}
		s.bgWatchID = id
		s.state = StateBackground
		s.logger.Info("switched to background watch", "interval", backgroundInterval.String())

	case pkg.LifecycleForeground:
		if s.state != StateBackground {
			return
		}
		s.provider.ClearWatch(s.bgWatchID)
		s.bgWatchID = 0
		if err := s.startForegroundLocked(); err != nil {
			s.logger.Error("failed to restore foreground watch", "error", err.Error())
			s.state = StateIdle
			return
		}
		s.logger.Info("restored foreground watch")
	}
}
