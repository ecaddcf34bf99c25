package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexiqai/orvoice/internal/domain"
)

// FakeRecognizer is a scriptable Recognizer used by tests and the simulate
// command. Emit methods block until the bridge consumes the event.
type FakeRecognizer struct {
	mu        sync.Mutex
	active    string
	sessions  map[string]StartRequest
	calls     []string
	failures  []error
	startHook func(ctx context.Context, req StartRequest) error

	wake  chan domain.WakeWordEvent
	utter chan domain.RecognizedUtterance
	fail  chan domain.NativeFailure
}

// NewFakeRecognizer creates an idle fake.
func NewFakeRecognizer() *FakeRecognizer {
	return &FakeRecognizer{
		sessions: make(map[string]StartRequest),
		wake:     make(chan domain.WakeWordEvent, 16),
		utter:    make(chan domain.RecognizedUtterance, 16),
		fail:     make(chan domain.NativeFailure, 16),
	}
}

// FailStarts makes the next len(errs) Start calls return errs in order.
func (f *FakeRecognizer) FailStarts(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// OnStart installs a hook run inside Start before it returns. Tests use it
// to hold a start in flight.
func (f *FakeRecognizer) OnStart(hook func(ctx context.Context, req StartRequest) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startHook = hook
}

func (f *FakeRecognizer) Start(ctx context.Context, req StartRequest) error {
	f.mu.Lock()
	f.calls = append(f.calls, "start:"+req.SessionID)
	hook := f.startHook
	var err error
	if len(f.failures) > 0 {
		err, f.failures = f.failures[0], f.failures[1:]
	}
	f.mu.Unlock()

	if err == nil && hook != nil {
		err = hook(ctx, req)
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[req.SessionID] = req
	f.active = req.SessionID
	return nil
}

func (f *FakeRecognizer) Stop(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop:"+sessionID)
	delete(f.sessions, sessionID)
	if f.active == sessionID {
		f.active = ""
	}
	return nil
}

func (f *FakeRecognizer) ResetProcessing(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "reset")
	if f.active == "" {
		return errors.New("no native session")
	}
	return nil
}

func (f *FakeRecognizer) WakeWords() <-chan domain.WakeWordEvent        { return f.wake }
func (f *FakeRecognizer) Utterances() <-chan domain.RecognizedUtterance { return f.utter }
func (f *FakeRecognizer) Failures() <-chan domain.NativeFailure         { return f.fail }

// ActiveSession returns the id of the native session last started and not
// yet stopped.
func (f *FakeRecognizer) ActiveSession() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Running reports whether sessionID is started on the native side.
func (f *FakeRecognizer) Running(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[sessionID]
	return ok
}

// Calls returns the native calls made so far, as "start:<id>", "stop:<id>"
// and "reset".
func (f *FakeRecognizer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// EmitWakeWord sends a wake word tagged with sessionID.
func (f *FakeRecognizer) EmitWakeWord(sessionID, keyword string, at time.Time) {
	f.wake <- domain.WakeWordEvent{SessionID: sessionID, Keyword: keyword, At: at}
}

// EmitUtterance sends a final transcript tagged with sessionID.
func (f *FakeRecognizer) EmitUtterance(sessionID, text string, confidence float64, at time.Time) domain.RecognizedUtterance {
	u := domain.RecognizedUtterance{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Text:       text,
		Confidence: confidence,
		At:         at,
	}
	f.utter <- u
	return u
}

// EmitFailure reports a native fault for sessionID.
func (f *FakeRecognizer) EmitFailure(sessionID, code, message string) {
	f.fail <- domain.NativeFailure{SessionID: sessionID, Code: code, Message: message, At: time.Now()}
}
