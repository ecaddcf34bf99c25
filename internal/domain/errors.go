package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrDeviceUnavailable = errors.New("microphone unavailable")
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceNotFound    = errors.New("microphone not found")

	ErrLowConfidence = errors.New("utterance confidence below threshold")
	ErrAmbiguous     = errors.New("utterance matches more than one intent")
	ErrNoMatch       = errors.New("utterance matches no intent")
	ErrNotAwake      = errors.New("utterance arrived outside the wake window")

	ErrDuplicate        = errors.New("duplicate milestone")
	ErrOutOfOrder       = errors.New("milestone out of order")
	ErrUnknownMilestone = errors.New("milestone not part of case ordering")
	ErrNoActiveCase     = errors.New("no active case")
	ErrCaseClosed       = errors.New("case is closed")
	ErrCaseActive       = errors.New("a case is already active")
	ErrStaleRevision    = errors.New("case changed since it was exported")

	ErrSessionFailed     = errors.New("speech session failed")
	ErrSessionSuperseded = errors.New("speech session superseded")
	ErrNoSession         = errors.New("no active speech session")
)

// DeviceErrorCode classifies microphone selection failures.
type DeviceErrorCode string

const (
	DeviceUnavailable      DeviceErrorCode = "unavailable"
	DevicePermissionDenied DeviceErrorCode = "permission_denied"
	DeviceNotFound         DeviceErrorCode = "not_found"
)

// DeviceError is recoverable: the user can retry after changing settings.
type DeviceError struct {
	Code     DeviceErrorCode
	DeviceID string
	Err      error
}

func (e *DeviceError) Error() string {
	msg := fmt.Sprintf("device error (%s)", e.Code)
	if e.DeviceID != "" {
		msg += " for " + e.DeviceID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceError) Unwrap() error { return e.Err }

func (e *DeviceError) Is(target error) bool {
	switch e.Code {
	case DeviceUnavailable:
		return target == ErrDeviceUnavailable
	case DevicePermissionDenied:
		return target == ErrPermissionDenied
	case DeviceNotFound:
		return target == ErrDeviceNotFound
	}
	return false
}

// ClassificationErrorCode classifies why an utterance produced no intent.
type ClassificationErrorCode string

const (
	ClassificationLowConfidence ClassificationErrorCode = "low_confidence"
	ClassificationAmbiguous     ClassificationErrorCode = "ambiguous"
	ClassificationNoMatch       ClassificationErrorCode = "no_match"
	ClassificationNotAwake      ClassificationErrorCode = "not_awake"
	ClassificationNoActiveCase  ClassificationErrorCode = "no_active_case"
)

// ClassificationError is non-fatal; it is reported to the UI and never retried.
type ClassificationError struct {
	Code        ClassificationErrorCode
	UtteranceID string
	Confidence  float64
	Candidates  []MilestoneKind
}

func (e *ClassificationError) Error() string {
	if len(e.Candidates) > 0 {
		parts := make([]string, len(e.Candidates))
		for i, c := range e.Candidates {
			parts[i] = string(c)
		}
		return fmt.Sprintf("classification failed (%s): candidates %s", e.Code, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("classification failed (%s): confidence %.2f", e.Code, e.Confidence)
}

func (e *ClassificationError) Is(target error) bool {
	switch e.Code {
	case ClassificationLowConfidence:
		return target == ErrLowConfidence
	case ClassificationAmbiguous:
		return target == ErrAmbiguous
	case ClassificationNoMatch:
		return target == ErrNoMatch
	case ClassificationNotAwake:
		return target == ErrNotAwake
	case ClassificationNoActiveCase:
		return target == ErrNoActiveCase
	}
	return false
}

// TransitionErrorCode classifies rejected milestone transitions.
type TransitionErrorCode string

const (
	TransitionDuplicate  TransitionErrorCode = "duplicate"
	TransitionOutOfOrder TransitionErrorCode = "out_of_order"
	TransitionUnknown    TransitionErrorCode = "unknown_milestone"
)

// TransitionError needs an explicit manual decision from the UI.
type TransitionError struct {
	Code     TransitionErrorCode
	Kind     MilestoneKind
	Expected MilestoneKind
	Current  MilestoneKind
	Source   Source
}

func (e *TransitionError) Error() string {
	switch e.Code {
	case TransitionOutOfOrder:
		return fmt.Sprintf("%s milestone %s out of order (current %q, expected %q)", e.Source, e.Kind, e.Current, e.Expected)
	case TransitionDuplicate:
		return fmt.Sprintf("%s milestone %s already recorded within debounce window", e.Source, e.Kind)
	}
	return fmt.Sprintf("milestone %s is not part of this case", e.Kind)
}

func (e *TransitionError) Is(target error) bool {
	switch e.Code {
	case TransitionDuplicate:
		return target == ErrDuplicate
	case TransitionOutOfOrder:
		return target == ErrOutOfOrder
	case TransitionUnknown:
		return target == ErrUnknownMilestone
	}
	return false
}

// SessionError wraps a native bridge failure. It triggers session recovery.
type SessionError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("speech session %s: %s: %v", e.SessionID, e.Op, e.Err)
	}
	return fmt.Sprintf("speech session: %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

func (e *SessionError) Is(target error) bool {
	return target == ErrSessionFailed
}
