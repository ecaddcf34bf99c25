// Package simulate replays a scripted operating-room session through the
// full pipeline using the fake recognizer.
package simulate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lexiqai/orvoice/internal/domain"
)

// Script is a YAML session script.
//
//	case: {mrn: MRN-1, ot_id: OT-3, case_type: general}
//	steps:
//	  - {at: 0s, wake: hey theatre}
//	  - {at: 1s, say: wheels in, confidence: 0.95}
//	  - {at: 12m, manual: anesthesia_start}
//	  - {fail: asr_error}
//	submit: true
type Script struct {
	Case   ScriptCase `yaml:"case"`
	Device string     `yaml:"device"`
	Start  time.Time  `yaml:"start"`
	Steps  []Step     `yaml:"steps"`
	Submit bool       `yaml:"submit"`
}

// ScriptCase identifies the simulated case.
type ScriptCase struct {
	MRN      string `yaml:"mrn"`
	OTID     string `yaml:"ot_id"`
	CaseType string `yaml:"case_type"`
}

// Step is one scripted event. Exactly one action field is set.
type Step struct {
	At         time.Duration `yaml:"at"`
	Wake       string        `yaml:"wake"`
	Say        string        `yaml:"say"`
	Confidence float64       `yaml:"confidence"`
	Manual     string        `yaml:"manual"`
	Fail       string        `yaml:"fail"`
	Lifecycle  string        `yaml:"lifecycle"` // background or foreground
	Device     string        `yaml:"device"`
}

// Action names the step's single action.
func (s Step) Action() string {
	switch {
	case s.Wake != "":
		return "wake"
	case s.Say != "":
		return "say"
	case s.Manual != "":
		return "manual"
	case s.Fail != "":
		return "fail"
	case s.Lifecycle != "":
		return s.Lifecycle
	case s.Device != "":
		return "device"
	}
	return ""
}

// LoadScript reads and validates a script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return ParseScript(data)
}

// ParseScript parses script YAML.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid script YAML: %w", err)
	}
	if s.Case.MRN == "" {
		return nil, fmt.Errorf("script needs case.mrn")
	}
	if s.Start.IsZero() {
		s.Start = time.Now().UTC().Truncate(time.Second)
	}
	for i, step := range s.Steps {
		switch step.Action() {
		case "wake", "say", "manual", "fail", "device", "background", "foreground":
		default:
			return nil, fmt.Errorf("step %d: no recognised action", i+1)
		}
		if step.Say != "" && step.Confidence == 0 {
			s.Steps[i].Confidence = 0.95
		}
	}
	return &s, nil
}

// CaseInfo returns the scripted case.
func (s *Script) CaseInfo() domain.CaseInfo {
	return domain.CaseInfo{MRN: s.Case.MRN, OTID: s.Case.OTID, CaseType: s.Case.CaseType}
}
