package casetrack

import (
	"errors"
	"io"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/eventbus"
	"github.com/lexiqai/orvoice/internal/observability"
)

func TestMain(m *testing.M) {
	observability.SetOutput(io.Discard)
	os.Exit(m.Run())
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

var testCase = domain.CaseInfo{MRN: "MRN-1001", OTID: "OT-3", CaseType: "general"}

type harness struct {
	bus       *eventbus.Bus
	machine   *Machine
	updates   []domain.MilestoneUpdated
	conflicts []domain.MilestoneConflict
	lifecycle []domain.CaseLifecycle
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{bus: eventbus.New(eventbus.DefaultConfig())}
	t.Cleanup(h.bus.Close)

	eventbus.On(h.bus, eventbus.TopicMilestoneUpdated, func(p domain.MilestoneUpdated) error {
		h.updates = append(h.updates, p)
		return nil
	})
	eventbus.On(h.bus, eventbus.TopicMilestoneConflict, func(p domain.MilestoneConflict) error {
		h.conflicts = append(h.conflicts, p)
		return nil
	})
	eventbus.On(h.bus, eventbus.TopicCaseLifecycle, func(p domain.CaseLifecycle) error {
		h.lifecycle = append(h.lifecycle, p)
		return nil
	})

	h.machine = NewMachine(Config{
		DebounceWindow: DefaultDebounceWindow,
		Now:            func() time.Time { return t0 },
	}, h.bus)
	return h
}

func (h *harness) activate(t *testing.T) {
	t.Helper()
	_, err := h.machine.Activate(testCase, domain.DefaultOrdering())
	require.NoError(t, err)
}

func voice(kind domain.MilestoneKind, at time.Time, utteranceID string) Transition {
	return FromIntent(domain.DomainIntent{
		Kind:        kind,
		Confidence:  0.9,
		UtteranceID: utteranceID,
		SessionID:   "s-1",
		At:          at,
	})
}

func TestActivate(t *testing.T) {
	h := newHarness(t)

	state, err := h.machine.Activate(testCase, domain.DefaultOrdering())
	require.NoError(t, err)

	assert.Equal(t, -1, state.Stage)
	assert.Equal(t, domain.CaseStatusActive, state.Status)
	assert.Equal(t, domain.MilestoneWheelsIn, state.NextExpected())
	require.Len(t, h.lifecycle, 1)
	assert.Equal(t, domain.CaseStatusActive, h.lifecycle[0].Status)

	_, err = h.machine.Activate(domain.CaseInfo{MRN: "MRN-2"}, domain.DefaultOrdering())
	assert.True(t, errors.Is(err, domain.ErrCaseActive))

	_, err = NewMachine(Config{}, nil).Activate(testCase, nil)
	assert.Error(t, err)
}

func TestApply_NoActiveCase(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Apply(voice(domain.MilestoneWheelsIn, t0, "u-1"))
	assert.True(t, errors.Is(err, domain.ErrNoActiveCase))
}

func TestApply_AdvancesToNextStage(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	_, err := h.machine.Apply(voice(domain.MilestoneWheelsIn, t0.Add(time.Minute), "u-1"))
	require.NoError(t, err)
	_, err = h.machine.Apply(voice(domain.MilestoneAnesthesiaStart, t0.Add(5*time.Minute), "u-2"))
	require.NoError(t, err)
	h.updates = nil

	eventAt := t0.Add(20 * time.Minute)
	state, err := h.machine.Apply(voice(domain.MilestoneProcedureStart, eventAt, "u-3"))
	require.NoError(t, err)

	assert.Equal(t, domain.MilestoneProcedureStart, state.StageKind())
	latest, ok := state.Latest(domain.MilestoneProcedureStart)
	require.True(t, ok)
	assert.Equal(t, eventAt, latest.At)
	assert.Equal(t, domain.SourceVoice, latest.Source)

	require.Len(t, h.updates, 1)
	assert.Equal(t, domain.MilestoneProcedureStart, h.updates[0].Milestone.Kind)
	assert.Equal(t, domain.MilestoneProcedureStart, h.updates[0].State.StageKind())
}

func TestApply_DuplicateWithinDebounce(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	_, err := h.machine.Apply(voice(domain.MilestoneWheelsIn, t0, "u-1"))
	require.NoError(t, err)

	_, err = h.machine.Apply(voice(domain.MilestoneWheelsIn, t0.Add(200*time.Millisecond), "u-2"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDuplicate))

	state, _ := h.machine.State()
	assert.Len(t, state.Milestones, 1)
	require.Len(t, h.conflicts, 1)
	assert.Equal(t, domain.TransitionDuplicate, h.conflicts[0].Code)
}

func TestApply_ResentUtteranceRecordedOnce(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	tr := voice(domain.MilestoneWheelsIn, t0, "u-1")
	for i := 0; i < 5; i++ {
		h.machine.Apply(tr)
	}

	// the same utterance redelivered long after the window is still a duplicate
	tr.At = t0.Add(time.Minute)
	_, err := h.machine.Apply(tr)
	assert.True(t, errors.Is(err, domain.ErrDuplicate))

	state, _ := h.machine.State()
	assert.Len(t, state.Milestones, 1)
	assert.Len(t, h.updates, 1)
}

func TestApply_VoiceBackwardRejectedManualAccepted(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	for i, kind := range domain.DefaultOrdering()[:3] {
		_, err := h.machine.Apply(voice(kind, t0.Add(time.Duration(i)*time.Minute), "u-"+string(kind)))
		require.NoError(t, err)
	}

	before, _ := h.machine.State()
	_, err := h.machine.Apply(voice(domain.MilestoneAnesthesiaStart, t0.Add(10*time.Minute), "u-late"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOutOfOrder))

	var terr *domain.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.MilestoneProcedureStart, terr.Current)
	assert.Equal(t, domain.MilestoneProcedureEnd, terr.Expected)

	after, _ := h.machine.State()
	assert.Equal(t, before.Stage, after.Stage)
	assert.Equal(t, before.Milestones, after.Milestones)
	require.Len(t, h.conflicts, 1)
	assert.Equal(t, domain.TransitionOutOfOrder, h.conflicts[0].Code)
	assert.Equal(t, "u-late", h.conflicts[0].Intent.UtteranceID)

	state, err := h.machine.Apply(Manual(domain.MilestoneAnesthesiaStart, t0.Add(11*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, before.Stage, state.Stage)
	assert.Len(t, state.Milestones, 4)
}

func TestApply_VoiceSkipAheadRejected(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	_, err := h.machine.Apply(voice(domain.MilestoneProcedureEnd, t0, "u-1"))
	assert.True(t, errors.Is(err, domain.ErrOutOfOrder))
}

func TestApply_ManualMovesStageToMaximum(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	state, err := h.machine.Apply(Manual(domain.MilestoneProcedureEnd, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 3, state.Stage)

	state, err = h.machine.Apply(Manual(domain.MilestoneWheelsIn, t0))
	require.NoError(t, err)
	assert.Equal(t, 3, state.Stage)

	// the backfilled entry is clamped so append order stays monotonic
	wheelsIn, _ := state.Latest(domain.MilestoneWheelsIn)
	assert.Equal(t, t0.Add(time.Hour), wheelsIn.At)
	assert.Equal(t, t0, wheelsIn.EventAt)

	_, err = h.machine.Apply(voice(domain.MilestoneWheelsOut, t0.Add(2*time.Hour), "u-1"))
	require.NoError(t, err)
}

func TestApply_UnknownMilestone(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Activate(testCase, []domain.MilestoneKind{domain.MilestoneWheelsIn, domain.MilestoneWheelsOut})
	require.NoError(t, err)

	_, err = h.machine.Apply(Manual(domain.MilestoneRoomClean, t0))
	assert.True(t, errors.Is(err, domain.ErrUnknownMilestone))
}

func TestApply_TimestampsNeverDecrease(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ordering := domain.DefaultOrdering()

	for run := 0; run < 50; run++ {
		h := newHarness(t)
		h.activate(t)

		for i := 0; i < 30; i++ {
			kind := ordering[rng.Intn(len(ordering))]
			at := t0.Add(time.Duration(rng.Intn(3600)) * time.Second)
			if rng.Intn(2) == 0 {
				h.machine.Apply(Manual(kind, at))
			} else {
				h.machine.Apply(voice(kind, at, ""))
			}
		}

		state, _ := h.machine.State()
		for i := 1; i < len(state.Milestones); i++ {
			require.False(t, state.Milestones[i].At.Before(state.Milestones[i-1].At),
				"run %d: milestone %d goes backwards", run, i)
		}
		require.NoError(t, ValidateState(state))
	}
}

func TestApply_ConcurrentWriters(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := domain.DefaultOrdering()[i%7]
			h.machine.Apply(Manual(kind, t0.Add(time.Duration(i)*time.Second)))
		}(i)
	}
	wg.Wait()

	state, _ := h.machine.State()
	require.Len(t, state.Milestones, 20)
	for i, ms := range state.Milestones {
		assert.Equal(t, i+1, ms.Seq)
	}
	assert.Equal(t, uint64(21), state.Revision)
}

func TestSubmit(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	_, err := h.machine.Apply(voice(domain.MilestoneWheelsIn, t0, "u-1"))
	require.NoError(t, err)

	export, err := h.machine.Export()
	require.NoError(t, err)
	require.Len(t, export.Milestones, 1)
	assert.Equal(t, domain.ExportedMilestone{Kind: domain.MilestoneWheelsIn, Timestamp: t0, Source: domain.SourceVoice}, export.Milestones[0])
	assert.False(t, export.Complete)

	// a manual entry lands between export and submit
	_, err = h.machine.Apply(Manual(domain.MilestoneAnesthesiaStart, t0.Add(time.Minute)))
	require.NoError(t, err)

	_, err = h.machine.Submit(export.Revision)
	assert.True(t, errors.Is(err, domain.ErrStaleRevision))

	export, _ = h.machine.Export()
	state, err := h.machine.Submit(export.Revision)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusSubmitted, state.Status)
	assert.False(t, h.machine.Active())

	_, err = h.machine.Apply(Manual(domain.MilestoneWheelsOut, t0.Add(time.Hour)))
	assert.True(t, errors.Is(err, domain.ErrCaseClosed))
	_, err = h.machine.Submit(0)
	assert.True(t, errors.Is(err, domain.ErrCaseClosed))

	// a new case may be activated once the previous one is closed
	_, err = h.machine.Activate(domain.CaseInfo{MRN: "MRN-1002"}, domain.DefaultOrdering())
	require.NoError(t, err)
	assert.True(t, h.machine.Active())
}

func TestSubmit_DoesNotAutoSubmitAtTerminal(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Activate(testCase, []domain.MilestoneKind{domain.MilestoneWheelsIn})
	require.NoError(t, err)

	state, err := h.machine.Apply(voice(domain.MilestoneWheelsIn, t0, "u-1"))
	require.NoError(t, err)
	assert.True(t, state.Complete())
	assert.Equal(t, domain.CaseStatusActive, state.Status)
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.machine.Apply(voice(domain.MilestoneWheelsIn, t0, "u-1"))

	state, err := h.machine.Reset()
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusReset, state.Status)
	assert.Empty(t, state.Milestones)
	assert.Equal(t, -1, state.Stage)

	_, err = h.machine.Apply(Manual(domain.MilestoneWheelsIn, t0))
	assert.True(t, errors.Is(err, domain.ErrCaseClosed))

	require.Len(t, h.lifecycle, 2)
	assert.Equal(t, domain.CaseStatusReset, h.lifecycle[1].Status)
}

func TestRestore(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.machine.Apply(voice(domain.MilestoneWheelsIn, t0, "u-1"))
	saved, _ := h.machine.State()

	other := newHarness(t)
	require.NoError(t, other.machine.Restore(saved))
	restored, ok := other.machine.State()
	require.True(t, ok)
	assert.Equal(t, saved, restored)

	// an active case is never overwritten
	assert.True(t, errors.Is(other.machine.Restore(saved), domain.ErrCaseActive))
}

func TestState_SnapshotIsolation(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.machine.Apply(voice(domain.MilestoneWheelsIn, t0, "u-1"))

	state, _ := h.machine.State()
	state.Milestones[0].Kind = domain.MilestoneRoomReady

	again, _ := h.machine.State()
	assert.Equal(t, domain.MilestoneWheelsIn, again.Milestones[0].Kind)
}
