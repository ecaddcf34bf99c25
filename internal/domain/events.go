package domain

import "time"

// Payloads published on the event bus. Topic names live in package eventbus.

// MilestoneUpdated is published once per accepted transition.
type MilestoneUpdated struct {
	Milestone Milestone          `json:"milestone"`
	State     CaseMilestoneState `json:"state"`
}

// MilestoneConflict is published when a transition is rejected.
type MilestoneConflict struct {
	Intent   DomainIntent        `json:"intent"`
	Code     TransitionErrorCode `json:"code"`
	Expected MilestoneKind       `json:"expected"`
	Current  MilestoneKind       `json:"current"`
	Message  string              `json:"message"`
}

// CaseLifecycle is published on activate, submit and reset.
type CaseLifecycle struct {
	Status CaseStatus         `json:"status"`
	State  CaseMilestoneState `json:"state"`
}

// SessionStateChanged is published by the speech bridge.
type SessionStateChanged struct {
	Session  SpeechSession `json:"session"`
	Previous SessionState  `json:"previous"`
	Reason   string        `json:"reason,omitempty"`
}

// IntentRejected tells the UI an utterance was not understood.
type IntentRejected struct {
	Utterance  RecognizedUtterance     `json:"utterance"`
	Code       ClassificationErrorCode `json:"code"`
	Candidates []MilestoneKind         `json:"candidates,omitempty"`
	Message    string                  `json:"message"`
}

// WakeWordDetected mirrors a wake-word event to the UI.
type WakeWordDetected struct {
	Event WakeWordEvent `json:"event"`
}

// DeviceChanged is published when the previously selected microphone is gone.
type DeviceChanged struct {
	Previous  AudioDevice   `json:"previous"`
	Current   *AudioDevice  `json:"current,omitempty"`
	Available []AudioDevice `json:"available"`
}

// VoiceAvailability drives the "voice unavailable" banner. Manual entry is
// always available regardless.
type VoiceAvailability struct {
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// RecoveryStateChanged is published on every recovery coordinator transition.
type RecoveryStateChanged struct {
	State    string `json:"state"`
	Previous string `json:"previous"`
}
