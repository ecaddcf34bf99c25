// Package bridge marshals commands and events between the orchestrator and
// the native speech recognizer.
//
// The bridge owns session identity. Every session gets a fresh id and a
// generation number; a stop bumps the generation so a start still in flight
// for an older generation is discarded when it completes. Events from the
// recognizer are re-queued onto typed channels, and any event whose session
// id is not the active session is dropped: on arrival, when its session is
// retired while the event is still queued, and by consumers through IsActive.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/eventbus"
	"github.com/lexiqai/orvoice/internal/observability"
	"github.com/lexiqai/orvoice/internal/resilience"
)

const eventBuffer = 64

// Options tunes a Bridge.
type Options struct {
	// Breaker guards native starts. Nil disables it.
	Breaker *resilience.CircuitBreaker
	Now     func() time.Time
}

// Bridge owns the single speech session of the process.
type Bridge struct {
	rec    Recognizer
	bus    eventbus.Publisher
	opts   Options
	logger zerolog.Logger

	// opMu serializes StartSession and SwitchMicrophone. StopSession does
	// not take it so a stop can land while a start is in flight.
	opMu sync.Mutex

	mu         sync.Mutex
	generation uint64
	session    *domain.SpeechSession
	metrics    *observability.SessionMetrics
	// releasing is closed once the native side of the last failed session
	// has been stopped.
	releasing chan struct{}

	wake  chan domain.WakeWordEvent
	utter chan domain.RecognizedUtterance
	fail  chan domain.NativeFailure
}

// New creates a bridge over rec. Call Run to start forwarding events.
func New(rec Recognizer, bus eventbus.Publisher, opts Options) *Bridge {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bridge{
		rec:    rec,
		bus:    bus,
		opts:   opts,
		logger: observability.Component("speech-bridge"),
		wake:   make(chan domain.WakeWordEvent, eventBuffer),
		utter:  make(chan domain.RecognizedUtterance, eventBuffer),
		fail:   make(chan domain.NativeFailure, eventBuffer),
	}
}

// WakeWords delivers wake words for the active session.
func (b *Bridge) WakeWords() <-chan domain.WakeWordEvent { return b.wake }

// Utterances delivers final transcripts for the active session.
func (b *Bridge) Utterances() <-chan domain.RecognizedUtterance { return b.utter }

// Failures delivers native faults for the active session.
func (b *Bridge) Failures() <-chan domain.NativeFailure { return b.fail }

// CurrentSession returns the most recent session, live or not.
func (b *Bridge) CurrentSession() (domain.SpeechSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return domain.SpeechSession{}, false
	}
	return *b.session, true
}

// IsActive reports whether sessionID is the live session.
func (b *Bridge) IsActive(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session != nil && b.session.State.Live() && b.session.ID == sessionID
}

// Listening reports whether a session is currently listening.
func (b *Bridge) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session != nil && b.session.State == domain.SessionStateListening
}

// StartSession stops any live session and starts a new one on device.
func (b *Bridge) StartSession(ctx context.Context, device domain.AudioDevice, user domain.UserContext) (domain.SpeechSession, error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	return b.start(ctx, device, user)
}

// SwitchMicrophone moves listening to device. Switching to the device the
// live session already uses returns that session unchanged.
func (b *Bridge) SwitchMicrophone(ctx context.Context, device domain.AudioDevice, user domain.UserContext) (domain.SpeechSession, error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	if b.session != nil && b.session.State.Live() && b.session.Device.ID == device.ID {
		current := *b.session
		b.mu.Unlock()
		b.logger.Debug().Str("session_id", current.ID).Str("device_id", device.ID).Msg("Microphone already selected")
		return current, nil
	}
	b.mu.Unlock()

	return b.start(ctx, device, user)
}

func (b *Bridge) start(ctx context.Context, device domain.AudioDevice, user domain.UserContext) (domain.SpeechSession, error) {
	if prev, ok := b.CurrentSession(); ok && prev.State.Live() {
		if err := b.StopSession(ctx, prev.ID, domain.SessionStateIdle); err != nil {
			b.logger.Warn().Err(err).Str("session_id", prev.ID).Msg("Failed to stop previous session, starting anyway")
		}
	}

	b.mu.Lock()
	releasing := b.releasing
	b.mu.Unlock()
	if releasing != nil {
		select {
		case <-releasing:
		case <-ctx.Done():
			return domain.SpeechSession{}, &domain.SessionError{Op: "start", Err: ctx.Err()}
		}
	}

	b.mu.Lock()
	b.generation++
	gen := b.generation
	session := domain.SpeechSession{
		ID:         uuid.New().String(),
		Device:     device,
		State:      domain.SessionStateStarting,
		Generation: gen,
	}
	b.setSessionLocked(session, "start requested")
	b.mu.Unlock()

	b.logger.Info().
		Str("session_id", session.ID).
		Str("device_id", device.ID).
		Uint64("generation", gen).
		Msg("Starting speech session")

	req := StartRequest{SessionID: session.ID, Device: device, User: user}
	err := b.callStart(ctx, req)

	b.mu.Lock()
	if b.generation != gen {
		b.mu.Unlock()
		b.logger.Info().Str("session_id", session.ID).Msg("Start completed for superseded session, discarding")
		if err == nil {
			if stopErr := b.rec.Stop(context.WithoutCancel(ctx), session.ID); stopErr != nil {
				b.logger.Warn().Err(stopErr).Str("session_id", session.ID).Msg("Failed to stop superseded native session")
			}
		}
		observability.RecordSessionStartFailure("superseded")
		return session, &domain.SessionError{Op: "start", SessionID: session.ID, Err: domain.ErrSessionSuperseded}
	}

	if err != nil {
		session.State = domain.SessionStateFailed
		b.setSessionLocked(session, err.Error())
		b.mu.Unlock()
		observability.RecordSessionStartFailure("native_error")
		b.logger.Error().Err(err).Str("session_id", session.ID).Msg("Failed to start speech session")
		return session, &domain.SessionError{Op: "start", SessionID: session.ID, Err: err}
	}

	session.State = domain.SessionStateListening
	session.StartedAt = b.opts.Now()
	b.metrics = observability.NewSessionMetrics(session.ID)
	b.setSessionLocked(session, "")
	b.mu.Unlock()

	b.logger.Info().Str("session_id", session.ID).Msg("Speech session listening")
	return session, nil
}

func (b *Bridge) callStart(ctx context.Context, req StartRequest) error {
	if b.opts.Breaker == nil {
		return b.rec.Start(ctx, req)
	}
	return b.opts.Breaker.Call(func() error { return b.rec.Start(ctx, req) })
}

// StopSession stops sessionID, or the current session when sessionID is
// empty, leaving it in final (idle, suspended or failed). It supersedes any
// start still in flight.
func (b *Bridge) StopSession(ctx context.Context, sessionID string, final domain.SessionState) error {
	switch final {
	case domain.SessionStateIdle, domain.SessionStateSuspended, domain.SessionStateFailed:
	default:
		final = domain.SessionStateIdle
	}

	b.mu.Lock()
	if b.session == nil || (sessionID != "" && b.session.ID != sessionID) {
		b.mu.Unlock()
		return &domain.SessionError{Op: "stop", SessionID: sessionID, Err: domain.ErrNoSession}
	}
	b.generation++
	session := *b.session
	wasLive := session.State.Live()
	if wasLive {
		session.State = domain.SessionStateStopping
		b.setSessionLocked(session, "stop requested")
		b.dropQueuedLocked()
	}
	b.mu.Unlock()

	var err error
	if wasLive {
		err = b.rec.Stop(ctx, session.ID)
	}

	b.mu.Lock()
	if b.session != nil && b.session.ID == session.ID {
		session.State = final
		b.setSessionLocked(session, "")
		b.metrics.RecordEnd()
		b.metrics = nil
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn().Err(err).Str("session_id", session.ID).Msg("Native stop failed")
		return &domain.SessionError{Op: "stop", SessionID: session.ID, Err: err}
	}
	b.logger.Info().Str("session_id", session.ID).Str("state", string(final)).Msg("Speech session stopped")
	return nil
}

// ResetProcessing clears the recognizer's partial state for the live session.
func (b *Bridge) ResetProcessing(ctx context.Context) error {
	session, ok := b.CurrentSession()
	if !ok || session.State != domain.SessionStateListening {
		return &domain.SessionError{Op: "reset", Err: domain.ErrNoSession}
	}
	if err := b.rec.ResetProcessing(ctx); err != nil {
		return &domain.SessionError{Op: "reset", SessionID: session.ID, Err: err}
	}
	return nil
}

// Run forwards recognizer events for the active session until ctx is done.
// Forwarding blocks when a consumer falls behind so no event is lost.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info().Msg("Speech bridge started")
	defer b.logger.Info().Msg("Speech bridge stopped")

	wakeIn, utterIn, failIn := b.rec.WakeWords(), b.rec.Utterances(), b.rec.Failures()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-wakeIn:
			if !ok {
				wakeIn = nil
				continue
			}
			if !b.accept(ev.SessionID, "wake_word") {
				continue
			}
			select {
			case b.wake <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}

		case u, ok := <-utterIn:
			if !ok {
				utterIn = nil
				continue
			}
			if !b.accept(u.SessionID, "utterance") {
				continue
			}
			select {
			case b.utter <- u:
			case <-ctx.Done():
				return ctx.Err()
			}

		case f, ok := <-failIn:
			if !ok {
				failIn = nil
				continue
			}
			released, ok := b.markFailed(f)
			if !ok {
				continue
			}
			go b.releaseNative(f.SessionID, released)
			select {
			case b.fail <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// accept reports whether an event belongs to the live session.
func (b *Bridge) accept(sessionID, kind string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil && b.session.State.Live() && b.session.ID == sessionID {
		return true
	}
	observability.RecordStaleEvent(kind)
	b.logger.Debug().Str("session_id", sessionID).Str("kind", kind).Msg("Dropping event for inactive session")
	return false
}

// markFailed moves the live session to failed when the fault is its own.
// The returned channel must be closed once the native session is stopped;
// the next start waits for it.
func (b *Bridge) markFailed(f domain.NativeFailure) (chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil || !b.session.State.Live() || b.session.ID != f.SessionID {
		observability.RecordStaleEvent("failure")
		return nil, false
	}
	b.generation++
	session := *b.session
	session.State = domain.SessionStateFailed
	b.setSessionLocked(session, fmt.Sprintf("%s: %s", f.Code, f.Message))
	b.dropQueuedLocked()
	b.metrics.RecordEnd()
	b.metrics = nil
	b.releasing = make(chan struct{})
	b.logger.Error().
		Str("session_id", f.SessionID).
		Str("code", f.Code).
		Str("message", f.Message).
		Msg("Native recognizer failed")
	return b.releasing, true
}

// releaseNative stops the native side of a failed session. It runs off the
// Run loop since a recognizer may still be flushing events into it.
func (b *Bridge) releaseNative(sessionID string, done chan struct{}) {
	defer close(done)
	if err := b.rec.Stop(context.Background(), sessionID); err != nil {
		b.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to stop failed native session")
		return
	}
	b.logger.Debug().Str("session_id", sessionID).Msg("Failed native session released")
}

// dropQueuedLocked discards forwarded events nobody has consumed yet. Callers
// hold mu and have just retired the only session events are accepted for.
func (b *Bridge) dropQueuedLocked() {
	for {
		select {
		case <-b.wake:
			observability.RecordStaleEvent("wake_word")
		case <-b.utter:
			observability.RecordStaleEvent("utterance")
		default:
			return
		}
	}
}

// setSessionLocked records session and publishes the transition. Callers
// hold mu so transitions are published in the order they happen.
func (b *Bridge) setSessionLocked(session domain.SpeechSession, reason string) {
	previous := domain.SessionStateIdle
	if b.session != nil && b.session.ID == session.ID {
		previous = b.session.State
	}
	s := session
	b.session = &s

	if b.bus == nil {
		return
	}
	err := b.bus.Publish(eventbus.TopicSessionState, domain.SessionStateChanged{
		Session:  session,
		Previous: previous,
		Reason:   reason,
	})
	if err != nil && !errors.Is(err, eventbus.ErrClosed) {
		b.logger.Error().Err(err).Msg("Failed to publish session state")
	}
}
