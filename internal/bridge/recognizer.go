package bridge

import (
	"context"

	"github.com/lexiqai/orvoice/internal/domain"
)

// StartRequest asks the native recognizer to open a session. Every event the
// recognizer emits for it must carry SessionID.
type StartRequest struct {
	SessionID string
	Device    domain.AudioDevice
	User      domain.UserContext
}

// Recognizer is the opaque native speech capability. Calls may block until
// the native layer acknowledges them. Events arrive on the returned channels
// from recognizer-owned goroutines.
type Recognizer interface {
	Start(ctx context.Context, req StartRequest) error
	Stop(ctx context.Context, sessionID string) error
	ResetProcessing(ctx context.Context) error

	WakeWords() <-chan domain.WakeWordEvent
	Utterances() <-chan domain.RecognizedUtterance
	Failures() <-chan domain.NativeFailure
}

// NoopRecognizer stands in on platforms without a native recognizer. Sessions
// start and stop successfully but never produce events.
type NoopRecognizer struct {
	wake  chan domain.WakeWordEvent
	utter chan domain.RecognizedUtterance
	fail  chan domain.NativeFailure
}

// NewNoopRecognizer creates a recognizer that never emits.
func NewNoopRecognizer() *NoopRecognizer {
	return &NoopRecognizer{
		wake:  make(chan domain.WakeWordEvent),
		utter: make(chan domain.RecognizedUtterance),
		fail:  make(chan domain.NativeFailure),
	}
}

func (n *NoopRecognizer) Start(context.Context, StartRequest) error { return nil }
func (n *NoopRecognizer) Stop(context.Context, string) error        { return nil }
func (n *NoopRecognizer) ResetProcessing(context.Context) error     { return nil }

func (n *NoopRecognizer) WakeWords() <-chan domain.WakeWordEvent        { return n.wake }
func (n *NoopRecognizer) Utterances() <-chan domain.RecognizedUtterance { return n.utter }
func (n *NoopRecognizer) Failures() <-chan domain.NativeFailure         { return n.fail }
