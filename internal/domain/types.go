package domain

import "time"

// DeviceType identifies how a microphone is attached.
type DeviceType string

const (
	DeviceTypeBuiltin   DeviceType = "builtin"
	DeviceTypeBluetooth DeviceType = "bluetooth"
	DeviceTypeWired     DeviceType = "wired"
)

// AudioDevice is a microphone reported by the OS layer.
type AudioDevice struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      DeviceType `json:"type"`
	Connected bool       `json:"connected"`
}

// SessionState models the speech session lifecycle.
type SessionState string

const (
	SessionStateIdle      SessionState = "idle"
	SessionStateStarting  SessionState = "starting"
	SessionStateListening SessionState = "listening"
	SessionStateSuspended SessionState = "suspended"
	SessionStateStopping  SessionState = "stopping"
	SessionStateFailed    SessionState = "failed"
)

// Live reports whether the session still owns the microphone.
func (s SessionState) Live() bool {
	return s == SessionStateStarting || s == SessionStateListening
}

// SpeechSession is one run of the native recognizer on one device.
type SpeechSession struct {
	ID         string       `json:"id"`
	Device     AudioDevice  `json:"device"`
	State      SessionState `json:"state"`
	Generation uint64       `json:"generation"`
	StartedAt  time.Time    `json:"started_at"`
}

// UserContext is handed to the native recognizer when a session starts.
type UserContext struct {
	UserID string `json:"user_id,omitempty"`
	OTID   string `json:"ot_id,omitempty"`
	MRN    string `json:"mrn,omitempty"`
}

// RecognizedUtterance is a final transcript emitted by the native recognizer.
type RecognizedUtterance struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// WakeWordEvent is emitted when the recognizer hears the wake word.
type WakeWordEvent struct {
	SessionID string    `json:"session_id"`
	Keyword   string    `json:"keyword"`
	At        time.Time `json:"at"`
}

// NativeFailure reports a fault inside the native recognizer.
type NativeFailure struct {
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// MilestoneKind names a procedural event on the case timeline.
type MilestoneKind string

const (
	MilestoneWheelsIn        MilestoneKind = "wheels_in"
	MilestoneAnesthesiaStart MilestoneKind = "anesthesia_start"
	MilestoneProcedureStart  MilestoneKind = "procedure_start"
	MilestoneProcedureEnd    MilestoneKind = "procedure_end"
	MilestoneWheelsOut       MilestoneKind = "wheels_out"
	MilestoneRoomClean       MilestoneKind = "room_clean"
	MilestoneRoomReady       MilestoneKind = "room_ready"
)

// DefaultOrdering is the canonical milestone sequence used when a case type
// does not define its own.
func DefaultOrdering() []MilestoneKind {
	return []MilestoneKind{
		MilestoneWheelsIn,
		MilestoneAnesthesiaStart,
		MilestoneProcedureStart,
		MilestoneProcedureEnd,
		MilestoneWheelsOut,
		MilestoneRoomClean,
		MilestoneRoomReady,
	}
}

// DomainIntent is a classified voice command. It only lives during dispatch.
type DomainIntent struct {
	Kind        MilestoneKind `json:"kind"`
	Confidence  float64       `json:"confidence"`
	UtteranceID string        `json:"utterance_id"`
	SessionID   string        `json:"session_id"`
	At          time.Time     `json:"at"`
}

// Source records who produced a milestone.
type Source string

const (
	SourceVoice  Source = "voice"
	SourceManual Source = "manual"
)

// Milestone is one recorded entry on the case timeline.
type Milestone struct {
	Seq         int           `json:"seq"`
	Kind        MilestoneKind `json:"kind"`
	At          time.Time     `json:"at"`
	EventAt     time.Time     `json:"event_at"`
	Source      Source        `json:"source"`
	UtteranceID string        `json:"utterance_id,omitempty"`
}

// CaseInfo identifies the surgical case being tracked.
type CaseInfo struct {
	MRN      string `json:"mrn"`
	OTID     string `json:"ot_id"`
	CaseType string `json:"case_type"`
}

// CaseStatus is the lifecycle of a case record.
type CaseStatus string

const (
	CaseStatusActive    CaseStatus = "active"
	CaseStatusSubmitted CaseStatus = "submitted"
	CaseStatusReset     CaseStatus = "reset"
)

// Closed reports whether the case is in an absorbing state.
func (s CaseStatus) Closed() bool {
	return s == CaseStatusSubmitted || s == CaseStatusReset
}

// CaseMilestoneState is the authoritative record of one case.
type CaseMilestoneState struct {
	Case        CaseInfo        `json:"case"`
	Ordering    []MilestoneKind `json:"ordering"`
	Milestones  []Milestone     `json:"milestones"`
	Stage       int             `json:"stage"`
	Status      CaseStatus      `json:"status"`
	Revision    uint64          `json:"revision"`
	ActivatedAt time.Time       `json:"activated_at"`
	SubmittedAt time.Time       `json:"submitted_at,omitempty"`
}

// StageKind returns the milestone at the current stage, or "" before the
// first milestone.
func (s CaseMilestoneState) StageKind() MilestoneKind {
	if s.Stage < 0 || s.Stage >= len(s.Ordering) {
		return ""
	}
	return s.Ordering[s.Stage]
}

// NextExpected returns the milestone the case expects next, or "" once the
// terminal milestone is recorded.
func (s CaseMilestoneState) NextExpected() MilestoneKind {
	next := s.Stage + 1
	if next < 0 || next >= len(s.Ordering) {
		return ""
	}
	return s.Ordering[next]
}

// Complete reports whether the terminal milestone has been reached.
func (s CaseMilestoneState) Complete() bool {
	return len(s.Ordering) > 0 && s.Stage == len(s.Ordering)-1
}

// Latest returns the most recent recording of kind.
func (s CaseMilestoneState) Latest(kind MilestoneKind) (Milestone, bool) {
	for i := len(s.Milestones) - 1; i >= 0; i-- {
		if s.Milestones[i].Kind == kind {
			return s.Milestones[i], true
		}
	}
	return Milestone{}, false
}

// Clone returns a deep copy safe to hand to observers.
func (s CaseMilestoneState) Clone() CaseMilestoneState {
	out := s
	out.Ordering = append([]MilestoneKind(nil), s.Ordering...)
	out.Milestones = append([]Milestone(nil), s.Milestones...)
	return out
}

// ExportedMilestone is the submission view of a milestone.
type ExportedMilestone struct {
	Kind      MilestoneKind `json:"kind"`
	Timestamp time.Time     `json:"timestamp"`
	Source    Source        `json:"source"`
}

// Elapsed returns the time since kind was last recorded, or false when it
// has not been recorded.
func (s CaseMilestoneState) Elapsed(kind MilestoneKind, now time.Time) (time.Duration, bool) {
	m, ok := s.Latest(kind)
	if !ok {
		return 0, false
	}
	d := now.Sub(m.At)
	if d < 0 {
		d = 0
	}
	return d, true
}

// CaseExport is the finalized record handed to the submission service.
type CaseExport struct {
	Case       CaseInfo            `json:"case"`
	Revision   uint64              `json:"revision"`
	Complete   bool                `json:"complete"`
	Milestones []ExportedMilestone `json:"milestones"`
}
