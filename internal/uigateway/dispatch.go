package uigateway

import (
	"context"
	"fmt"
	"time"

	"github.com/lexiqai/orvoice/internal/casetrack"
	"github.com/lexiqai/orvoice/internal/domain"
)

// StateView is the get_state result: the case record plus the tracker timers,
// keyed by milestone, counting from when each was last recorded.
type StateView struct {
	State  domain.CaseMilestoneState       `json:"state"`
	Timers map[domain.MilestoneKind]string `json:"timers"`
}

func newStateView(state domain.CaseMilestoneState, now time.Time) StateView {
	view := StateView{State: state, Timers: make(map[domain.MilestoneKind]string)}
	for _, kind := range state.Ordering {
		if d, ok := state.Elapsed(kind, now); ok {
			view.Timers[kind] = casetrack.FormatElapsed(d)
		}
	}
	return view
}

// dispatch runs one UI command and returns the data for its result frame.
func (g *Gateway) dispatch(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Type {
	case CmdActivateCase:
		if cmd.Case == nil || cmd.Case.MRN == "" {
			return nil, &badRequestError{msg: "activate_case needs case.mrn"}
		}
		return g.cmds.ActivateCase(*cmd.Case)

	case CmdRecordMilestone:
		if cmd.Kind == "" {
			return nil, &badRequestError{msg: "record_milestone needs kind"}
		}
		return g.cmds.RecordManual(cmd.Kind, cmd.At)

	case CmdGetState:
		state, ok := g.cmds.State()
		if !ok {
			return nil, domain.ErrNoActiveCase
		}
		return newStateView(state, time.Now()), nil

	case CmdListDevices:
		return g.cmds.ListDevices(ctx)

	case CmdSelectDevice:
		return g.cmds.SelectDevice(ctx, cmd.DeviceID)

	case CmdStartListening:
		var user domain.UserContext
		if cmd.User != nil {
			user = *cmd.User
		}
		return g.cmds.StartListening(ctx, user)

	case CmdStopListening:
		return nil, g.cmds.StopListening(ctx)

	case CmdSubmit:
		return g.cmds.Submit(ctx)

	case CmdReset:
		return g.cmds.Reset()

	case CmdRetryVoice:
		return nil, g.cmds.RetryVoice(ctx)

	case CmdBackground:
		return nil, g.cmds.Background(ctx)

	case CmdForeground:
		return nil, g.cmds.Foreground(ctx)

	case CmdDevicesChanged:
		return nil, g.cmds.DevicesChanged(ctx)
	}
	return nil, &badRequestError{msg: fmt.Sprintf("unknown command %q", cmd.Type)}
}
