package casetrack

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lexiqai/orvoice/internal/domain"
)

const stateFormatVersion = 1

type envelope struct {
	Version int                       `json:"version"`
	State   domain.CaseMilestoneState `json:"state"`
}

// MarshalState encodes a case record for an external store.
func MarshalState(s domain.CaseMilestoneState) ([]byte, error) {
	data, err := json.Marshal(envelope{Version: stateFormatVersion, State: s})
	if err != nil {
		return nil, fmt.Errorf("failed to encode case state: %w", err)
	}
	return data, nil
}

// UnmarshalState decodes and validates a record produced by MarshalState.
func UnmarshalState(data []byte) (domain.CaseMilestoneState, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.CaseMilestoneState{}, fmt.Errorf("failed to decode case state: %w", err)
	}
	if env.Version != stateFormatVersion {
		return domain.CaseMilestoneState{}, fmt.Errorf("unsupported case state version %d", env.Version)
	}
	if err := ValidateState(env.State); err != nil {
		return domain.CaseMilestoneState{}, err
	}
	return env.State, nil
}

// ValidateState checks the invariants a restored record must satisfy.
func ValidateState(s domain.CaseMilestoneState) error {
	if err := validateOrdering(s.Ordering); err != nil {
		return err
	}
	switch s.Status {
	case domain.CaseStatusActive, domain.CaseStatusSubmitted, domain.CaseStatusReset:
	default:
		return fmt.Errorf("unknown case status %q", s.Status)
	}

	stage := -1
	for i, ms := range s.Milestones {
		idx := indexOf(s.Ordering, ms.Kind)
		if idx < 0 {
			return fmt.Errorf("%w: %s", domain.ErrUnknownMilestone, ms.Kind)
		}
		if i > 0 && ms.At.Before(s.Milestones[i-1].At) {
			return errors.New("milestone timestamps go backwards")
		}
		if idx > stage {
			stage = idx
		}
	}
	if stage != s.Stage {
		return fmt.Errorf("stage %d does not match recorded milestones (want %d)", s.Stage, stage)
	}
	return nil
}
