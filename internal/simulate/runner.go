package simulate

import (
	"context"
	"fmt"
	"time"

	"github.com/lexiqai/orvoice/internal/app"
	"github.com/lexiqai/orvoice/internal/bridge"
	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/eventbus"
	"github.com/lexiqai/orvoice/internal/recovery"
	"github.com/lexiqai/orvoice/internal/submission"
)

// Outcome is what one step produced.
type Outcome struct {
	Step   int       `json:"step"`
	At     time.Time `json:"at"`
	Action string    `json:"action"`
	Input  string    `json:"input"`
	Result string    `json:"result"`
	Detail string    `json:"detail,omitempty"`
}

// Report is the result of a run.
type Report struct {
	Outcomes []Outcome                 `json:"outcomes"`
	State    domain.CaseMilestoneState `json:"state"`
	Export   domain.CaseExport         `json:"export"`
	Receipt  *submission.Receipt       `json:"receipt,omitempty"`
}

// Runner drives an App built around a FakeRecognizer. The App must already
// be started.
type Runner struct {
	app     *app.App
	fake    *bridge.FakeRecognizer
	timeout time.Duration

	voice    chan eventbus.Event
	wake     chan eventbus.Event
	recovery chan eventbus.Event
}

// NewRunner subscribes to the outcome topics of a.
func NewRunner(a *app.App) (*Runner, error) {
	fake, ok := a.Recognizer.(*bridge.FakeRecognizer)
	if !ok {
		return nil, fmt.Errorf("simulation needs the fake recognizer, got %T", a.Recognizer)
	}
	r := &Runner{
		app:      a,
		fake:     fake,
		timeout:  5 * time.Second,
		voice:    make(chan eventbus.Event, 64),
		wake:     make(chan eventbus.Event, 64),
		recovery: make(chan eventbus.Event, 64),
	}
	collect := func(ch chan eventbus.Event) eventbus.Handler {
		return func(e eventbus.Event) error {
			select {
			case ch <- e:
			default:
			}
			return nil
		}
	}
	for _, topic := range []eventbus.Topic{eventbus.TopicMilestoneUpdated, eventbus.TopicMilestoneConflict, eventbus.TopicIntentRejected} {
		a.Bus.Subscribe(topic, collect(r.voice), eventbus.WithName("simulate"))
	}
	a.Bus.Subscribe(eventbus.TopicWakeWord, collect(r.wake), eventbus.WithName("simulate"))
	a.Bus.Subscribe(eventbus.TopicRecoveryState, collect(r.recovery), eventbus.WithName("simulate"))
	return r, nil
}

// Run plays s and returns the final case record.
func (r *Runner) Run(ctx context.Context, s *Script) (*Report, error) {
	svc := r.app.Service

	if _, err := svc.ActivateCase(s.CaseInfo()); err != nil {
		return nil, fmt.Errorf("failed to activate case: %w", err)
	}
	if s.Device != "" {
		if _, err := svc.SelectDevice(ctx, s.Device); err != nil {
			return nil, err
		}
	}
	if _, err := svc.StartListening(ctx, domain.UserContext{OTID: s.Case.OTID, MRN: s.Case.MRN}); err != nil {
		return nil, fmt.Errorf("failed to start listening: %w", err)
	}

	report := &Report{}
	for i, step := range s.Steps {
		out, err := r.step(ctx, step, s.Start.Add(step.At))
		if err != nil {
			return report, fmt.Errorf("step %d (%s): %w", i+1, step.Action(), err)
		}
		out.Step = i + 1
		report.Outcomes = append(report.Outcomes, out)
	}

	report.State, _ = svc.State()
	export, err := r.app.Machine.Export()
	if err != nil {
		return report, err
	}
	report.Export = export

	if s.Submit {
		receipt, err := svc.Submit(ctx)
		if err != nil {
			return report, fmt.Errorf("submission failed: %w", err)
		}
		report.Receipt = &receipt
		report.State, _ = svc.State()
	}
	return report, nil
}

func (r *Runner) step(ctx context.Context, step Step, at time.Time) (Outcome, error) {
	out := Outcome{At: at, Action: step.Action()}
	svc := r.app.Service
	session, live := r.app.Bridge.CurrentSession()
	live = live && session.State.Live()

	switch out.Action {
	case "wake":
		out.Input = step.Wake
		if !live {
			out.Result = "dropped"
			out.Detail = "no live session"
			return out, nil
		}
		r.fake.EmitWakeWord(session.ID, step.Wake, at)
		if _, err := r.await(ctx, r.wake); err != nil {
			return out, err
		}
		out.Result = "awake"

	case "say":
		out.Input = step.Say
		if !live {
			out.Result = "dropped"
			out.Detail = "no live session"
			return out, nil
		}
		r.fake.EmitUtterance(session.ID, step.Say, step.Confidence, at)
		e, err := r.await(ctx, r.voice)
		if err != nil {
			return out, err
		}
		switch p := e.Payload.(type) {
		case domain.MilestoneUpdated:
			out.Result = "recorded"
			out.Detail = string(p.Milestone.Kind)
		case domain.MilestoneConflict:
			out.Result = "conflict"
			out.Detail = string(p.Code)
		case domain.IntentRejected:
			out.Result = "rejected"
			out.Detail = string(p.Code)
		}

	case "manual":
		out.Input = step.Manual
		_, err := svc.RecordManual(domain.MilestoneKind(step.Manual), at)
		r.drain(r.voice)
		if err != nil {
			out.Result = "error"
			out.Detail = err.Error()
			return out, nil
		}
		out.Result = "recorded"
		out.Detail = step.Manual

	case "fail":
		out.Input = step.Fail
		if !live {
			out.Result = "dropped"
			out.Detail = "no live session"
			return out, nil
		}
		r.drain(r.recovery)
		r.fake.EmitFailure(session.ID, step.Fail, "simulated failure")
		for {
			e, err := r.await(ctx, r.recovery)
			if err != nil {
				return out, err
			}
			state := recovery.State(e.Payload.(domain.RecoveryStateChanged).State)
			if state == recovery.StateAttached || state == recovery.StateFailed {
				out.Result = string(state)
				break
			}
		}

	case "background":
		out.Input = step.Lifecycle
		if err := svc.Background(ctx); err != nil {
			return out, err
		}
		out.Result = string(r.app.Recovery.State())

	case "foreground":
		out.Input = step.Lifecycle
		if err := svc.Foreground(ctx); err != nil {
			out.Result = "error"
			out.Detail = err.Error()
			return out, nil
		}
		out.Result = string(r.app.Recovery.State())

	case "device":
		out.Input = step.Device
		if _, err := svc.SelectDevice(ctx, step.Device); err != nil {
			out.Result = "error"
			out.Detail = err.Error()
			return out, nil
		}
		out.Result = "selected"
	}
	return out, nil
}

func (r *Runner) await(ctx context.Context, ch chan eventbus.Event) (eventbus.Event, error) {
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case e := <-ch:
		return e, nil
	case <-timer.C:
		return eventbus.Event{}, fmt.Errorf("no outcome within %s", r.timeout)
	case <-ctx.Done():
		return eventbus.Event{}, ctx.Err()
	}
}

func (r *Runner) drain(ch chan eventbus.Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
