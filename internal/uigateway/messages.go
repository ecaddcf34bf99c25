package uigateway

import (
	"errors"
	"time"

	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/eventbus"
)

// Command types accepted from the UI.
const (
	CmdActivateCase    = "activate_case"
	CmdRecordMilestone = "record_milestone"
	CmdGetState        = "get_state"
	CmdListDevices     = "list_devices"
	CmdSelectDevice    = "select_device"
	CmdStartListening  = "start_listening"
	CmdStopListening   = "stop_listening"
	CmdSubmit          = "submit"
	CmdReset           = "reset"
	CmdRetryVoice      = "retry_voice"
	CmdBackground      = "background"
	CmdForeground      = "foreground"
	CmdDevicesChanged  = "devices_changed"
)

// Command is a message from the UI.
type Command struct {
	ID       string               `json:"id"`
	Type     string               `json:"type"`
	Case     *domain.CaseInfo     `json:"case,omitempty"`
	Kind     domain.MilestoneKind `json:"kind,omitempty"`
	At       time.Time            `json:"at,omitempty"`
	DeviceID string               `json:"device_id,omitempty"`
	User     *domain.UserContext  `json:"user,omitempty"`
}

// Frame is a message to the UI: either a bus event or a command result.
type Frame struct {
	Type string `json:"type"`

	// event frames
	Topic       eventbus.Topic `json:"topic,omitempty"`
	Seq         uint64         `json:"seq,omitempty"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
	Payload     any            `json:"payload,omitempty"`

	// result frames
	ID    string       `json:"id,omitempty"`
	OK    *bool        `json:"ok,omitempty"`
	Data  any          `json:"data,omitempty"`
	Error *ResultError `json:"error,omitempty"`
}

// ResultError describes a failed command.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	frameEvent  = "event"
	frameResult = "result"
)

func eventFrame(e eventbus.Event) Frame {
	at := e.PublishedAt
	return Frame{Type: frameEvent, Topic: e.Topic, Seq: e.Seq, PublishedAt: &at, Payload: e.Payload}
}

func resultFrame(id string, data any, err error) Frame {
	ok := err == nil
	f := Frame{Type: frameResult, ID: id, OK: &ok}
	if err != nil {
		f.Error = &ResultError{Code: errorCode(err), Message: err.Error()}
		return f
	}
	f.Data = data
	return f
}

// errorCode maps typed domain errors onto stable codes the UI can branch on.
func errorCode(err error) string {
	var (
		de *domain.DeviceError
		ce *domain.ClassificationError
		te *domain.TransitionError
		se *domain.SessionError
		be *badRequestError
	)
	switch {
	case errors.As(err, &be):
		return "bad_request"
	case errors.As(err, &de):
		return string(de.Code)
	case errors.As(err, &te):
		return string(te.Code)
	case errors.As(err, &ce):
		return string(ce.Code)
	case errors.Is(err, domain.ErrStaleRevision):
		return "stale_revision"
	case errors.Is(err, domain.ErrCaseClosed):
		return "case_closed"
	case errors.Is(err, domain.ErrCaseActive):
		return "case_active"
	case errors.Is(err, domain.ErrNoActiveCase):
		return "no_active_case"
	case errors.As(err, &se):
		return "session_failed"
	}
	return "internal"
}

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }
