// Package recovery keeps the speech session attached across app suspension,
// microphone changes and native recognizer failures.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/orvoice/internal/audio"
	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/eventbus"
	"github.com/lexiqai/orvoice/internal/observability"
	"github.com/lexiqai/orvoice/internal/resilience"
)

// State is the coordinator lifecycle.
type State string

const (
	StateAttached    State = "attached"
	StateDetaching   State = "detaching"
	StateDetached    State = "detached"
	StateReattaching State = "reattaching"
	StateFailed      State = "failed"
)

func (s State) gauge() int {
	switch s {
	case StateDetaching:
		return 1
	case StateDetached:
		return 2
	case StateReattaching:
		return 3
	case StateFailed:
		return 4
	}
	return 0
}

// AudioSession is the part of audio.Manager the coordinator drives.
type AudioSession interface {
	ListDevices(ctx context.Context) ([]domain.AudioDevice, error)
	Selected() (domain.AudioDevice, bool)
	SelectDevice(ctx context.Context, id string) (domain.AudioDevice, error)
	CurrentSession() (domain.SpeechSession, bool)
	StartListening(ctx context.Context, user domain.UserContext) (domain.SpeechSession, error)
	StopListening(ctx context.Context, final domain.SessionState) error
	User() domain.UserContext
}

// Config bounds re-attach attempts.
type Config struct {
	ReattachTimeout time.Duration
	MaxAttempts     int
	Backoff         time.Duration
	MaxBackoff      time.Duration
	Now             func() time.Time
}

// DefaultConfig returns the production re-attach policy.
func DefaultConfig() Config {
	return Config{
		ReattachTimeout: 5 * time.Second,
		MaxAttempts:     3,
		Backoff:         500 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
	}
}

// Coordinator re-synchronizes audio selection and the speech session with
// app lifecycle changes. The case record is never touched here.
type Coordinator struct {
	audio  AudioSession
	bus    eventbus.Publisher
	cfg    Config
	logger zerolog.Logger

	// opMu serializes lifecycle operations.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	resume    bool
	available bool
}

// NewCoordinator starts attached with voice available.
func NewCoordinator(a AudioSession, bus eventbus.Publisher, cfg Config) *Coordinator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	observability.UpdateRecoveryState(StateAttached.gauge())
	return &Coordinator{
		audio:     a,
		bus:       bus,
		cfg:       cfg,
		logger:    observability.Component("recovery"),
		state:     StateAttached,
		available: true,
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// VoiceAvailable reports whether voice capture is usable. Manual entry is
// unaffected either way.
func (c *Coordinator) VoiceAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

// Background suspends the live session. It remembers whether a session was
// listening so Foreground only resumes what was running.
func (c *Coordinator) Background(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch c.State() {
	case StateDetaching, StateDetached:
		return nil
	}

	_, live := c.audio.CurrentSession()
	c.mu.Lock()
	c.resume = live
	c.mu.Unlock()

	c.setState(StateDetaching, "app backgrounded")
	if live {
		if err := c.audio.StopListening(ctx, domain.SessionStateSuspended); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to suspend speech session")
		}
	}
	c.setState(StateDetached, "")
	return nil
}

// Foreground re-attaches after Background. A fresh session with a new id is
// started, so late events from the suspended session are dropped by the
// bridge.
func (c *Coordinator) Foreground(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() != StateDetached {
		return nil
	}

	c.mu.Lock()
	resume := c.resume
	c.mu.Unlock()

	if !resume {
		c.setState(StateAttached, "app foregrounded")
		return nil
	}
	return c.reattach(ctx, "app foregrounded")
}

// DeviceChanged handles an OS device-list notification. When the device of
// the live session has gone the session is re-attached on a fallback.
func (c *Coordinator) DeviceChanged(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() != StateAttached {
		return nil
	}

	devices, err := c.audio.ListDevices(ctx)
	if err != nil {
		return err
	}
	session, live := c.audio.CurrentSession()
	if !live {
		return nil
	}
	if d, ok := audio.Find(devices, session.Device.ID); ok && d.Connected {
		return nil
	}

	c.logger.Warn().Str("device_id", session.Device.ID).Msg("Active microphone disappeared")
	return c.reattach(ctx, "device disconnected")
}

// HandleFailure re-attaches after a native recognizer failure. Failures
// while suspended are ignored; Foreground starts a fresh session anyway.
func (c *Coordinator) HandleFailure(ctx context.Context, f domain.NativeFailure) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch c.State() {
	case StateDetaching, StateDetached:
		c.logger.Debug().Str("session_id", f.SessionID).Msg("Ignoring failure while detached")
		return nil
	}

	c.logger.Warn().
		Str("session_id", f.SessionID).
		Str("code", f.Code).
		Str("message", f.Message).
		Msg("Speech session failed, re-attaching")
	return c.reattach(ctx, fmt.Sprintf("native failure: %s", f.Code))
}

// Retry is the manual retry offered by the "voice unavailable" banner.
func (c *Coordinator) Retry(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch c.State() {
	case StateAttached:
		return nil
	case StateFailed:
	default:
		return fmt.Errorf("cannot retry voice while %s", c.State())
	}
	return c.reattach(ctx, "manual retry")
}

// reattach runs bounded attempts to get a session listening again. Callers
// hold opMu.
func (c *Coordinator) reattach(ctx context.Context, reason string) error {
	c.setState(StateReattaching, reason)

	var announced bool
	err := resilience.Reconnect(ctx, "speech-session", func(ctx context.Context, attempt int) error {
		err := c.attachOnce(ctx, &announced)
		observability.RecordReattach(err == nil)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Re-attach attempt failed")
		}
		return err
	}, &resilience.ReconnectConfig{
		MaxAttempts:    c.cfg.MaxAttempts,
		Backoff:        c.cfg.Backoff,
		Multiplier:     2.0,
		MaxBackoff:     c.cfg.MaxBackoff,
		AttemptTimeout: c.cfg.ReattachTimeout,
	})
	if err != nil {
		c.setState(StateFailed, err.Error())
		c.setAvailable(false, err.Error())
		observability.RecordError("reattach_exhausted", "recovery")
		return &domain.SessionError{Op: "reattach", Err: err}
	}

	c.setState(StateAttached, "")
	c.setAvailable(true, "")
	return nil
}

// attachOnce reselects the previous microphone, or a fallback after
// announcing the change, and starts a new session on it.
func (c *Coordinator) attachOnce(ctx context.Context, announced *bool) error {
	devices, err := c.audio.ListDevices(ctx)
	if err != nil {
		return err
	}

	var target string
	if previous, ok := c.audio.Selected(); ok {
		target = previous.ID
		if d, found := audio.Find(devices, previous.ID); !found || !d.Connected {
			fallback, hasFallback := audio.Preferred(devices)
			if !*announced {
				*announced = true
				c.announceDeviceChange(previous, fallback, hasFallback, devices)
			}
			if !hasFallback {
				return &domain.DeviceError{Code: domain.DeviceUnavailable, DeviceID: previous.ID}
			}
			target = fallback.ID
		}
	}

	if _, err := c.audio.SelectDevice(ctx, target); err != nil {
		return err
	}
	session, err := c.audio.StartListening(ctx, c.audio.User())
	if err != nil {
		return err
	}
	c.logger.Info().Str("session_id", session.ID).Str("device_id", session.Device.ID).Msg("Speech session re-attached")
	return nil
}

func (c *Coordinator) announceDeviceChange(previous, current domain.AudioDevice, ok bool, devices []domain.AudioDevice) {
	payload := domain.DeviceChanged{Previous: previous, Available: devices}
	if ok {
		payload.Current = &current
	}
	c.publish(eventbus.TopicDeviceChanged, payload)
}

func (c *Coordinator) setState(next State, reason string) {
	c.mu.Lock()
	previous := c.state
	c.state = next
	c.mu.Unlock()

	if previous == next {
		return
	}
	observability.UpdateRecoveryState(next.gauge())
	c.logger.Info().Str("from", string(previous)).Str("to", string(next)).Str("reason", reason).Msg("Recovery state changed")
	c.publish(eventbus.TopicRecoveryState, domain.RecoveryStateChanged{State: string(next), Previous: string(previous)})
}

func (c *Coordinator) setAvailable(available bool, reason string) {
	c.mu.Lock()
	changed := c.available != available
	c.available = available
	c.mu.Unlock()

	if !changed {
		return
	}
	c.publish(eventbus.TopicVoiceAvailability, domain.VoiceAvailability{
		Available: available,
		Reason:    reason,
		At:        c.cfg.Now(),
	})
}

func (c *Coordinator) publish(topic eventbus.Topic, payload any) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(topic, payload); err != nil && !errors.Is(err, eventbus.ErrClosed) {
		c.logger.Error().Err(err).Str("topic", string(topic)).Msg("Failed to publish recovery event")
	}
}
