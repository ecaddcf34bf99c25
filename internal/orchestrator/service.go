// Package orchestrator is the dispatch loop between the speech bridge and
// the case record. Voice events are consumed by a single goroutine; manual
// commands from the UI call into the same state machine, which serializes
// both.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/orvoice/internal/casetrack"
	"github.com/lexiqai/orvoice/internal/config"
	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/eventbus"
	"github.com/lexiqai/orvoice/internal/intent"
	"github.com/lexiqai/orvoice/internal/observability"
	"github.com/lexiqai/orvoice/internal/submission"
)

// Utterance outcomes recorded in metrics.
const (
	OutcomeAccepted = "accepted"
	OutcomeConflict = "conflict"
)

// Speech is the event side of bridge.Bridge.
type Speech interface {
	WakeWords() <-chan domain.WakeWordEvent
	Utterances() <-chan domain.RecognizedUtterance
	Failures() <-chan domain.NativeFailure
	ResetProcessing(ctx context.Context) error
	IsActive(sessionID string) bool
}

// Audio is the part of audio.Manager driven by UI commands.
type Audio interface {
	ListDevices(ctx context.Context) ([]domain.AudioDevice, error)
	SelectDevice(ctx context.Context, id string) (domain.AudioDevice, error)
	StartListening(ctx context.Context, user domain.UserContext) (domain.SpeechSession, error)
	StopListening(ctx context.Context, final domain.SessionState) error
	CurrentSession() (domain.SpeechSession, bool)
}

// Recovery is the part of recovery.Coordinator the service reaches.
type Recovery interface {
	Background(ctx context.Context) error
	Foreground(ctx context.Context) error
	DeviceChanged(ctx context.Context) error
	HandleFailure(ctx context.Context, f domain.NativeFailure) error
	Retry(ctx context.Context) error
	VoiceAvailable() bool
}

// Config tunes voice dispatch.
type Config struct {
	// RequireWakeWord drops utterances that do not follow a wake word in the
	// same session within WakeWindow.
	RequireWakeWord bool
	WakeWindow      time.Duration
	DefaultCaseType string
	Now             func() time.Time
}

// ConfigFromEnv maps service configuration onto the dispatcher.
func ConfigFromEnv(cfg *config.Config) Config {
	return Config{
		RequireWakeWord: cfg.RequireWakeWord,
		WakeWindow:      cfg.WakeWindow(),
		DefaultCaseType: cfg.DefaultCaseType,
	}
}

// Deps are the collaborators of a Service.
type Deps struct {
	Speech     Speech
	Audio      Audio
	Recovery   Recovery
	Classifier *intent.Classifier
	Machine    *casetrack.Machine
	Submitter  submission.Submitter
	Bus        eventbus.Publisher
	Catalog    *config.Catalog
}

// Service routes voice events into the case record and exposes the manual
// commands of the tracker screen.
type Service struct {
	deps    Deps
	cfg     Config
	logger  zerolog.Logger
	catalog atomic.Pointer[config.Catalog]

	mu    sync.Mutex
	awake map[string]time.Time // session id -> wake window end
}

// New creates a service. Call Run to start consuming voice events.
func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Speech == nil || deps.Classifier == nil || deps.Machine == nil {
		return nil, errors.New("orchestrator needs speech, classifier and machine")
	}
	if deps.Submitter == nil {
		deps.Submitter = submission.NewLogSubmitter()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Service{
		deps:   deps,
		cfg:    cfg,
		logger: observability.Component("orchestrator"),
		awake:  make(map[string]time.Time),
	}
	if deps.Catalog != nil {
		s.SetCatalog(deps.Catalog)
	}
	return s, nil
}

// SetCatalog swaps the case-type catalog and the classifier phrases. Cases
// already active keep their ordering.
func (s *Service) SetCatalog(cat *config.Catalog) {
	s.catalog.Store(cat)
	s.deps.Classifier.SetCorpus(intent.NewStaticCorpus(cat.PhraseMap()))
}

// Run consumes voice events until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().Bool("require_wake_word", s.cfg.RequireWakeWord).Msg("Orchestrator started")
	defer s.logger.Info().Msg("Orchestrator stopped")

	wake, utter, fail := s.deps.Speech.WakeWords(), s.deps.Speech.Utterances(), s.deps.Speech.Failures()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-wake:
			s.handleWakeWord(ev)
		case u := <-utter:
			// the bridge forwards a wake word before the utterance it
			// precedes; take it first when both are ready
			s.drainWakeWords(wake)
			s.handleUtterance(ctx, u)
		case f := <-fail:
			s.handleFailure(ctx, f)
		}
	}
}

func (s *Service) drainWakeWords(wake <-chan domain.WakeWordEvent) {
	for {
		select {
		case ev := <-wake:
			s.handleWakeWord(ev)
		default:
			return
		}
	}
}

func (s *Service) handleWakeWord(ev domain.WakeWordEvent) {
	if !s.deps.Speech.IsActive(ev.SessionID) {
		observability.RecordStaleEvent("wake_word")
		s.logger.Debug().Str("session_id", ev.SessionID).Msg("Ignoring wake word from a retired session")
		return
	}
	at := ev.At
	if at.IsZero() {
		at = s.cfg.Now()
	}
	s.mu.Lock()
	s.awake[ev.SessionID] = at.Add(s.cfg.WakeWindow)
	s.mu.Unlock()

	s.logger.Debug().Str("session_id", ev.SessionID).Str("keyword", ev.Keyword).Msg("Wake word detected")
	s.publish(eventbus.TopicWakeWord, domain.WakeWordDetected{Event: ev})
}

// handleUtterance ends in exactly one of: a recorded milestone, a conflict
// published by the machine, or an IntentRejected event.
func (s *Service) handleUtterance(ctx context.Context, u domain.RecognizedUtterance) {
	logger := s.logger.With().Str("utterance_id", u.ID).Str("session_id", u.SessionID).Logger()

	if !s.deps.Speech.IsActive(u.SessionID) {
		observability.RecordStaleEvent("utterance")
		logger.Debug().Msg("Ignoring utterance from a retired session")
		return
	}

	state, ok := s.deps.Machine.State()
	if !ok || state.Status.Closed() {
		s.reject(u, &domain.ClassificationError{Code: domain.ClassificationNoActiveCase, UtteranceID: u.ID, Confidence: u.Confidence})
		return
	}

	if s.cfg.RequireWakeWord && !s.isAwake(u) {
		s.reject(u, &domain.ClassificationError{Code: domain.ClassificationNotAwake, UtteranceID: u.ID, Confidence: u.Confidence})
		return
	}

	in, err := s.deps.Classifier.Classify(u, intent.StageContext{Ordering: state.Ordering, Stage: state.Stage})
	if err != nil {
		var ce *domain.ClassificationError
		if !errors.As(err, &ce) {
			ce = &domain.ClassificationError{Code: domain.ClassificationNoMatch, UtteranceID: u.ID, Confidence: u.Confidence}
		}
		s.reject(u, ce)
		return
	}

	if _, err := s.deps.Machine.Apply(casetrack.FromIntent(in)); err != nil {
		var te *domain.TransitionError
		if !errors.As(err, &te) {
			// the case closed after it was read above; the machine published nothing
			s.reject(u, &domain.ClassificationError{Code: domain.ClassificationNoActiveCase, UtteranceID: u.ID, Confidence: in.Confidence})
			return
		}
		observability.RecordUtteranceOutcome(OutcomeConflict)
		logger.Info().Err(err).Str("kind", string(in.Kind)).Msg("Voice milestone rejected")
		return
	}

	observability.RecordUtteranceOutcome(OutcomeAccepted)
	logger.Info().Str("kind", string(in.Kind)).Float64("confidence", in.Confidence).Msg("Voice milestone recorded")

	s.mu.Lock()
	delete(s.awake, u.SessionID)
	s.mu.Unlock()

	if err := s.deps.Speech.ResetProcessing(ctx); err != nil {
		logger.Debug().Err(err).Msg("Failed to reset recognizer after command")
	}
}

func (s *Service) isAwake(u domain.RecognizedUtterance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.awake[u.SessionID]
	if !ok {
		return false
	}
	at := u.At
	if at.IsZero() {
		at = s.cfg.Now()
	}
	return !at.After(until)
}

func (s *Service) reject(u domain.RecognizedUtterance, ce *domain.ClassificationError) {
	observability.RecordUtteranceOutcome(string(ce.Code))
	s.logger.Info().
		Str("utterance_id", u.ID).
		Str("code", string(ce.Code)).
		Str("text", u.Text).
		Msg("Utterance not understood")
	s.publish(eventbus.TopicIntentRejected, domain.IntentRejected{
		Utterance:  u,
		Code:       ce.Code,
		Candidates: ce.Candidates,
		Message:    ce.Error(),
	})
}

func (s *Service) handleFailure(ctx context.Context, f domain.NativeFailure) {
	s.mu.Lock()
	delete(s.awake, f.SessionID)
	s.mu.Unlock()

	if s.deps.Recovery == nil {
		s.logger.Error().Str("session_id", f.SessionID).Str("code", f.Code).Msg("Speech session failed, no recovery configured")
		return
	}
	if err := s.deps.Recovery.HandleFailure(ctx, f); err != nil {
		s.logger.Error().Err(err).Msg("Voice unavailable, manual entry only")
	}
}

// ActivateCase starts tracking a case using the ordering of its case type.
func (s *Service) ActivateCase(info domain.CaseInfo) (domain.CaseMilestoneState, error) {
	if info.CaseType == "" {
		info.CaseType = s.cfg.DefaultCaseType
	}
	ordering := domain.DefaultOrdering()
	if cat := s.catalog.Load(); cat != nil {
		o, err := cat.Ordering(info.CaseType)
		if err != nil {
			return domain.CaseMilestoneState{}, err
		}
		ordering = o
	}
	return s.deps.Machine.Activate(info, ordering)
}

// RecordManual records a milestone entered by hand. A zero at means now.
func (s *Service) RecordManual(kind domain.MilestoneKind, at time.Time) (domain.CaseMilestoneState, error) {
	if at.IsZero() {
		at = s.cfg.Now()
	}
	return s.deps.Machine.Apply(casetrack.Manual(kind, at))
}

// Submit exports the case, hands it to the submission service and closes
// it. If the case changed while the submission was in flight it stays
// active and ErrStaleRevision is returned so the UI can submit again.
func (s *Service) Submit(ctx context.Context) (submission.Receipt, error) {
	export, err := s.deps.Machine.Export()
	if err != nil {
		return submission.Receipt{}, err
	}
	if state, _ := s.deps.Machine.State(); state.Status.Closed() {
		return submission.Receipt{}, fmt.Errorf("%w: %s", domain.ErrCaseClosed, state.Status)
	}

	receipt, err := s.deps.Submitter.Submit(ctx, export)
	if err != nil {
		return submission.Receipt{}, err
	}
	if _, err := s.deps.Machine.Submit(export.Revision); err != nil {
		return receipt, err
	}
	return receipt, nil
}

// Reset discards the active case's milestones.
func (s *Service) Reset() (domain.CaseMilestoneState, error) {
	return s.deps.Machine.Reset()
}

// State returns the current case record.
func (s *Service) State() (domain.CaseMilestoneState, bool) {
	return s.deps.Machine.State()
}

// ListDevices lists microphones.
func (s *Service) ListDevices(ctx context.Context) ([]domain.AudioDevice, error) {
	if s.deps.Audio == nil {
		return nil, &domain.DeviceError{Code: domain.DeviceUnavailable}
	}
	return s.deps.Audio.ListDevices(ctx)
}

// SelectDevice switches the microphone.
func (s *Service) SelectDevice(ctx context.Context, id string) (domain.AudioDevice, error) {
	if s.deps.Audio == nil {
		return domain.AudioDevice{}, &domain.DeviceError{Code: domain.DeviceUnavailable, DeviceID: id}
	}
	return s.deps.Audio.SelectDevice(ctx, id)
}

// StartListening starts voice capture for user.
func (s *Service) StartListening(ctx context.Context, user domain.UserContext) (domain.SpeechSession, error) {
	if s.deps.Audio == nil {
		return domain.SpeechSession{}, &domain.DeviceError{Code: domain.DeviceUnavailable}
	}
	return s.deps.Audio.StartListening(ctx, user)
}

// StopListening stops voice capture.
func (s *Service) StopListening(ctx context.Context) error {
	if s.deps.Audio == nil {
		return nil
	}
	return s.deps.Audio.StopListening(ctx, domain.SessionStateIdle)
}

// RetryVoice re-attaches voice after the "voice unavailable" banner.
func (s *Service) RetryVoice(ctx context.Context) error {
	if s.deps.Recovery == nil {
		return errors.New("voice recovery is not configured")
	}
	return s.deps.Recovery.Retry(ctx)
}

// Background and Foreground forward app lifecycle changes.
func (s *Service) Background(ctx context.Context) error {
	if s.deps.Recovery == nil {
		return nil
	}
	return s.deps.Recovery.Background(ctx)
}

func (s *Service) Foreground(ctx context.Context) error {
	if s.deps.Recovery == nil {
		return nil
	}
	return s.deps.Recovery.Foreground(ctx)
}

// DevicesChanged forwards an OS device-list notification.
func (s *Service) DevicesChanged(ctx context.Context) error {
	if s.deps.Recovery == nil {
		return nil
	}
	return s.deps.Recovery.DeviceChanged(ctx)
}

// VoiceAvailable reports whether voice capture is usable.
func (s *Service) VoiceAvailable() bool {
	return s.deps.Recovery == nil || s.deps.Recovery.VoiceAvailable()
}

func (s *Service) publish(topic eventbus.Topic, payload any) {
	if s.deps.Bus == nil {
		return
	}
	if err := s.deps.Bus.Publish(topic, payload); err != nil && !errors.Is(err, eventbus.ErrClosed) {
		s.logger.Error().Err(err).Str("topic", string(topic)).Msg("Failed to publish")
	}
}
