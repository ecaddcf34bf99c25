// Package casetrack holds the authoritative milestone record of the active
// surgical case.
//
// Every mutation goes through one Machine, which serializes voice and manual
// transitions behind a single mutex. Readers get immutable snapshots without
// taking the lock. Accepted transitions, rejections and lifecycle changes are
// published on the event bus while the lock is held, so observers see them
// in the order they were applied. Bus handlers must therefore never call back
// into the Machine synchronously; subscribe with eventbus.WithQueue instead.
package casetrack

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/eventbus"
	"github.com/lexiqai/orvoice/internal/observability"
)

// DefaultDebounceWindow coalesces repeated voice triggers for one milestone.
const DefaultDebounceWindow = 2 * time.Second

// Config tunes the machine.
type Config struct {
	DebounceWindow time.Duration
	Now            func() time.Time
}

// Transition is a request to record one milestone.
type Transition struct {
	Kind        domain.MilestoneKind
	Source      domain.Source
	At          time.Time // wall-clock time of the originating event
	UtteranceID string
	SessionID   string
	Confidence  float64
}

// FromIntent builds a voice transition from a classified intent.
func FromIntent(intent domain.DomainIntent) Transition {
	return Transition{
		Kind:        intent.Kind,
		Source:      domain.SourceVoice,
		At:          intent.At,
		UtteranceID: intent.UtteranceID,
		SessionID:   intent.SessionID,
		Confidence:  intent.Confidence,
	}
}

// Manual builds a user override from the UI.
func Manual(kind domain.MilestoneKind, at time.Time) Transition {
	return Transition{Kind: kind, Source: domain.SourceManual, At: at, Confidence: 1}
}

func (t Transition) intent() domain.DomainIntent {
	return domain.DomainIntent{
		Kind:        t.Kind,
		Confidence:  t.Confidence,
		UtteranceID: t.UtteranceID,
		SessionID:   t.SessionID,
		At:          t.At,
	}
}

// Machine is the single writer of CaseMilestoneState.
type Machine struct {
	mu     sync.Mutex
	cfg    Config
	bus    eventbus.Publisher
	state  *domain.CaseMilestoneState
	latest atomic.Pointer[domain.CaseMilestoneState]
	logger zerolog.Logger
}

// NewMachine creates a machine with no active case.
func NewMachine(cfg Config, bus eventbus.Publisher) *Machine {
	if cfg.DebounceWindow < 0 {
		cfg.DebounceWindow = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{
		cfg:    cfg,
		bus:    bus,
		logger: observability.Component("casetrack"),
	}
}

// Activate starts tracking a new case. It fails with ErrCaseActive while
// another case is still active.
func (m *Machine) Activate(info domain.CaseInfo, ordering []domain.MilestoneKind) (domain.CaseMilestoneState, error) {
	if err := validateOrdering(ordering); err != nil {
		return domain.CaseMilestoneState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != nil && !m.state.Status.Closed() {
		return m.state.Clone(), fmt.Errorf("%w: %s", domain.ErrCaseActive, m.state.Case.MRN)
	}

	m.state = &domain.CaseMilestoneState{
		Case:        info,
		Ordering:    append([]domain.MilestoneKind(nil), ordering...),
		Stage:       -1,
		Status:      domain.CaseStatusActive,
		Revision:    1,
		ActivatedAt: m.cfg.Now(),
	}
	snapshot := m.commit()

	m.logger.Info().
		Str("mrn", info.MRN).
		Str("ot_id", info.OTID).
		Str("case_type", info.CaseType).
		Int("milestones", len(ordering)).
		Msg("Case activated")
	m.publish(eventbus.TopicCaseLifecycle, domain.CaseLifecycle{Status: snapshot.Status, State: snapshot})
	return snapshot, nil
}

// Apply validates and records one transition. Voice transitions must target
// the next expected milestone; manual ones are accepted unconditionally and
// move the stage to the furthest milestone recorded. A rejected transition
// returns a *domain.TransitionError, publishes a conflict and leaves the
// state untouched.
func (m *Machine) Apply(t Transition) (domain.CaseMilestoneState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return domain.CaseMilestoneState{}, domain.ErrNoActiveCase
	}
	if m.state.Status.Closed() {
		return m.state.Clone(), fmt.Errorf("%w: %s", domain.ErrCaseClosed, m.state.Status)
	}
	if t.Source == "" {
		t.Source = domain.SourceVoice
	}
	if t.At.IsZero() {
		t.At = m.cfg.Now()
	}

	idx := indexOf(m.state.Ordering, t.Kind)
	if idx < 0 {
		return m.reject(t, domain.TransitionUnknown)
	}

	if t.Source == domain.SourceVoice {
		if m.isDuplicate(t) {
			return m.reject(t, domain.TransitionDuplicate)
		}
		if idx != m.state.Stage+1 {
			return m.reject(t, domain.TransitionOutOfOrder)
		}
	}

	recorded := t.At
	if n := len(m.state.Milestones); n > 0 && recorded.Before(m.state.Milestones[n-1].At) {
		recorded = m.state.Milestones[n-1].At
	}

	milestone := domain.Milestone{
		Seq:         len(m.state.Milestones) + 1,
		Kind:        t.Kind,
		At:          recorded,
		EventAt:     t.At,
		Source:      t.Source,
		UtteranceID: t.UtteranceID,
	}
	m.state.Milestones = append(m.state.Milestones, milestone)
	if idx > m.state.Stage {
		m.state.Stage = idx
	}
	m.state.Revision++
	snapshot := m.commit()

	observability.RecordMilestone(string(t.Source))
	m.logger.Info().
		Str("kind", string(t.Kind)).
		Str("source", string(t.Source)).
		Str("utterance_id", t.UtteranceID).
		Int("stage", snapshot.Stage).
		Time("at", recorded).
		Msg("Milestone recorded")
	m.publish(eventbus.TopicMilestoneUpdated, domain.MilestoneUpdated{Milestone: milestone, State: snapshot})
	return snapshot, nil
}

// isDuplicate reports a repeated utterance or a second voice trigger for a
// milestone already recorded within the debounce window.
func (m *Machine) isDuplicate(t Transition) bool {
	for _, ms := range m.state.Milestones {
		if t.UtteranceID != "" && ms.UtteranceID == t.UtteranceID {
			return true
		}
	}
	prev, ok := m.state.Latest(t.Kind)
	if !ok {
		return false
	}
	gap := t.At.Sub(prev.EventAt)
	if gap < 0 {
		gap = -gap
	}
	return gap <= m.cfg.DebounceWindow
}

func (m *Machine) reject(t Transition, code domain.TransitionErrorCode) (domain.CaseMilestoneState, error) {
	err := &domain.TransitionError{
		Code:     code,
		Kind:     t.Kind,
		Expected: m.state.NextExpected(),
		Current:  m.state.StageKind(),
		Source:   t.Source,
	}

	observability.RecordTransitionRejected(string(code))
	m.logger.Warn().
		Str("kind", string(t.Kind)).
		Str("source", string(t.Source)).
		Str("code", string(code)).
		Str("expected", string(err.Expected)).
		Str("utterance_id", t.UtteranceID).
		Msg("Milestone transition rejected")
	m.publish(eventbus.TopicMilestoneConflict, domain.MilestoneConflict{
		Intent:   t.intent(),
		Code:     code,
		Expected: err.Expected,
		Current:  err.Current,
		Message:  err.Error(),
	})
	return m.state.Clone(), err
}

// Submit closes the case. revision must match the exported revision, or be
// zero to skip the check. The record stays readable but immutable until the
// next Activate.
func (m *Machine) Submit(revision uint64) (domain.CaseMilestoneState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return domain.CaseMilestoneState{}, domain.ErrNoActiveCase
	}
	if m.state.Status.Closed() {
		return m.state.Clone(), fmt.Errorf("%w: %s", domain.ErrCaseClosed, m.state.Status)
	}
	if revision != 0 && revision != m.state.Revision {
		return m.state.Clone(), fmt.Errorf("%w: exported %d, current %d", domain.ErrStaleRevision, revision, m.state.Revision)
	}

	m.state.Status = domain.CaseStatusSubmitted
	m.state.SubmittedAt = m.cfg.Now()
	m.state.Revision++
	snapshot := m.commit()

	m.logger.Info().
		Str("mrn", snapshot.Case.MRN).
		Int("milestones", len(snapshot.Milestones)).
		Msg("Case submitted")
	m.publish(eventbus.TopicCaseLifecycle, domain.CaseLifecycle{Status: snapshot.Status, State: snapshot})
	return snapshot, nil
}

// Reset discards the active case's milestones.
func (m *Machine) Reset() (domain.CaseMilestoneState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return domain.CaseMilestoneState{}, domain.ErrNoActiveCase
	}
	if m.state.Status.Closed() {
		return m.state.Clone(), fmt.Errorf("%w: %s", domain.ErrCaseClosed, m.state.Status)
	}

	m.state.Status = domain.CaseStatusReset
	m.state.Milestones = nil
	m.state.Stage = -1
	m.state.Revision++
	snapshot := m.commit()

	m.logger.Info().Str("mrn", snapshot.Case.MRN).Msg("Case reset")
	m.publish(eventbus.TopicCaseLifecycle, domain.CaseLifecycle{Status: snapshot.Status, State: snapshot})
	return snapshot, nil
}

// State returns the latest snapshot without locking.
func (m *Machine) State() (domain.CaseMilestoneState, bool) {
	s := m.latest.Load()
	if s == nil {
		return domain.CaseMilestoneState{}, false
	}
	return s.Clone(), true
}

// Active reports whether a case is open for transitions.
func (m *Machine) Active() bool {
	s := m.latest.Load()
	return s != nil && s.Status == domain.CaseStatusActive
}

// Export returns the milestones in append order for submission.
func (m *Machine) Export() (domain.CaseExport, error) {
	s := m.latest.Load()
	if s == nil {
		return domain.CaseExport{}, domain.ErrNoActiveCase
	}
	return ExportState(*s), nil
}

// ExportState converts a snapshot into the submission view.
func ExportState(s domain.CaseMilestoneState) domain.CaseExport {
	out := domain.CaseExport{
		Case:       s.Case,
		Revision:   s.Revision,
		Complete:   s.Complete(),
		Milestones: make([]domain.ExportedMilestone, len(s.Milestones)),
	}
	for i, ms := range s.Milestones {
		out.Milestones[i] = domain.ExportedMilestone{Kind: ms.Kind, Timestamp: ms.At, Source: ms.Source}
	}
	return out
}

// Restore replaces the machine state with a persisted record. It refuses to
// overwrite a case that is still active.
func (m *Machine) Restore(s domain.CaseMilestoneState) error {
	if err := ValidateState(s); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != nil && !m.state.Status.Closed() {
		return fmt.Errorf("%w: %s", domain.ErrCaseActive, m.state.Case.MRN)
	}

	restored := s.Clone()
	m.state = &restored
	snapshot := m.commit()

	m.logger.Info().
		Str("mrn", snapshot.Case.MRN).
		Str("status", string(snapshot.Status)).
		Int("milestones", len(snapshot.Milestones)).
		Msg("Case restored")
	m.publish(eventbus.TopicCaseLifecycle, domain.CaseLifecycle{Status: snapshot.Status, State: snapshot})
	return nil
}

// commit publishes a fresh snapshot for lock-free readers. Callers hold mu.
func (m *Machine) commit() domain.CaseMilestoneState {
	snapshot := m.state.Clone()
	m.latest.Store(&snapshot)
	return snapshot.Clone()
}

func (m *Machine) publish(topic eventbus.Topic, payload any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(topic, payload); err != nil && !errors.Is(err, eventbus.ErrClosed) {
		m.logger.Error().Err(err).Str("topic", string(topic)).Msg("Failed to publish case event")
	}
}

func indexOf(ordering []domain.MilestoneKind, kind domain.MilestoneKind) int {
	for i, k := range ordering {
		if k == kind {
			return i
		}
	}
	return -1
}

func validateOrdering(ordering []domain.MilestoneKind) error {
	if len(ordering) == 0 {
		return errors.New("milestone ordering is empty")
	}
	seen := make(map[domain.MilestoneKind]bool, len(ordering))
	for _, k := range ordering {
		if k == "" {
			return errors.New("milestone ordering contains an empty kind")
		}
		if seen[k] {
			return fmt.Errorf("milestone ordering repeats %s", k)
		}
		seen[k] = true
	}
	return nil
}
