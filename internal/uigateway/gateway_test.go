package uigateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/orvoice/internal/casetrack"
	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/eventbus"
	"github.com/lexiqai/orvoice/internal/observability"
	"github.com/lexiqai/orvoice/internal/submission"
)

func TestMain(m *testing.M) {
	observability.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// stubCommands drives a real state machine and stubs the audio side.
type stubCommands struct {
	machine *casetrack.Machine
	retries int
}

func (s *stubCommands) ActivateCase(info domain.CaseInfo) (domain.CaseMilestoneState, error) {
	return s.machine.Activate(info, domain.DefaultOrdering())
}

func (s *stubCommands) RecordManual(kind domain.MilestoneKind, at time.Time) (domain.CaseMilestoneState, error) {
	if at.IsZero() {
		at = time.Now()
	}
	return s.machine.Apply(casetrack.Manual(kind, at))
}

func (s *stubCommands) State() (domain.CaseMilestoneState, bool) { return s.machine.State() }

func (s *stubCommands) ListDevices(context.Context) ([]domain.AudioDevice, error) {
	return []domain.AudioDevice{{ID: "default", Name: "Built-in", Type: domain.DeviceTypeBuiltin, Connected: true}}, nil
}

func (s *stubCommands) SelectDevice(_ context.Context, id string) (domain.AudioDevice, error) {
	return domain.AudioDevice{}, &domain.DeviceError{Code: domain.DeviceNotFound, DeviceID: id}
}

func (s *stubCommands) StartListening(context.Context, domain.UserContext) (domain.SpeechSession, error) {
	return domain.SpeechSession{ID: "s-1", State: domain.SessionStateListening}, nil
}

func (s *stubCommands) StopListening(context.Context) error { return nil }

func (s *stubCommands) Submit(context.Context) (submission.Receipt, error) {
	export, err := s.machine.Export()
	if err != nil {
		return submission.Receipt{}, err
	}
	if _, err := s.machine.Submit(export.Revision); err != nil {
		return submission.Receipt{}, err
	}
	return submission.Receipt{CaseID: export.Case.MRN}, nil
}

func (s *stubCommands) Reset() (domain.CaseMilestoneState, error) { return s.machine.Reset() }

func (s *stubCommands) RetryVoice(context.Context) error {
	s.retries++
	return errors.New("cannot retry voice while detached")
}

func (s *stubCommands) Background(context.Context) error     { return nil }
func (s *stubCommands) Foreground(context.Context) error     { return nil }
func (s *stubCommands) DevicesChanged(context.Context) error { return nil }

// wireFrame is Frame as the UI decodes it.
type wireFrame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
	ID      string          `json:"id"`
	OK      *bool           `json:"ok"`
	Data    json.RawMessage `json:"data"`
	Error   *ResultError    `json:"error"`
}

type fixture struct {
	bus  *eventbus.Bus
	cmds *stubCommands
	srv  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := eventbus.New(eventbus.DefaultConfig())
	t.Cleanup(bus.Close)

	cmds := &stubCommands{machine: casetrack.NewMachine(casetrack.Config{}, bus)}
	srv := httptest.NewServer(New(cmds, bus, Config{QueueSize: 16}))
	t.Cleanup(srv.Close)
	return &fixture{bus: bus, cmds: cmds, srv: srv}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wireFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readUntil reads frames until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wireFrame) bool) wireFrame {
	t.Helper()
	for i := 0; i < 32; i++ {
		if f := readFrame(t, conn); match(f) {
			return f
		}
	}
	t.Fatal("expected frame never arrived")
	return wireFrame{}
}

func isResult(id string) func(wireFrame) bool {
	return func(f wireFrame) bool { return f.Type == frameResult && f.ID == id }
}

func send(t *testing.T, conn *websocket.Conn, cmd Command) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(cmd))
}

func TestGateway_SnapshotOnConnect(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bus.Publish(eventbus.TopicVoiceAvailability, domain.VoiceAvailability{Available: false, Reason: "mic busy"}))

	conn := f.dial(t)
	frame := readFrame(t, conn)
	assert.Equal(t, frameEvent, frame.Type)
	assert.Equal(t, string(eventbus.TopicVoiceAvailability), frame.Topic)

	var avail domain.VoiceAvailability
	require.NoError(t, json.Unmarshal(frame.Payload, &avail))
	assert.False(t, avail.Available)
	assert.Equal(t, "mic busy", avail.Reason)

	// a later event is delivered once, without repeating the snapshot
	require.NoError(t, f.bus.Publish(eventbus.TopicVoiceAvailability, domain.VoiceAvailability{Available: true}))
	frame = readFrame(t, conn)
	assert.Equal(t, string(eventbus.TopicVoiceAvailability), frame.Topic)
	require.NoError(t, json.Unmarshal(frame.Payload, &avail))
	assert.True(t, avail.Available)
}

func TestGateway_ActivateAndRecord(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, Command{ID: "1", Type: CmdActivateCase, Case: &domain.CaseInfo{MRN: "MRN-1", OTID: "OT-3"}})
	result := readUntil(t, conn, isResult("1"))
	require.NotNil(t, result.OK)
	assert.True(t, *result.OK)

	var state domain.CaseMilestoneState
	require.NoError(t, json.Unmarshal(result.Data, &state))
	assert.Equal(t, "MRN-1", state.Case.MRN)
	assert.Equal(t, domain.CaseStatusActive, state.Status)

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	send(t, conn, Command{ID: "2", Type: CmdRecordMilestone, Kind: domain.MilestoneWheelsIn, At: at})

	updated := readUntil(t, conn, func(fr wireFrame) bool {
		return fr.Type == frameEvent && fr.Topic == string(eventbus.TopicMilestoneUpdated)
	})
	var payload domain.MilestoneUpdated
	require.NoError(t, json.Unmarshal(updated.Payload, &payload))
	assert.Equal(t, domain.MilestoneWheelsIn, payload.Milestone.Kind)
	assert.Equal(t, domain.SourceManual, payload.Milestone.Source)
	assert.True(t, at.Equal(payload.Milestone.At))
}

func TestGateway_GetStateTimers(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, Command{ID: "1", Type: CmdActivateCase, Case: &domain.CaseInfo{MRN: "MRN-1"}})
	readUntil(t, conn, isResult("1"))
	send(t, conn, Command{ID: "2", Type: CmdRecordMilestone, Kind: domain.MilestoneWheelsIn, At: time.Now().Add(-90 * time.Second)})
	readUntil(t, conn, isResult("2"))

	send(t, conn, Command{ID: "3", Type: CmdGetState})
	result := readUntil(t, conn, isResult("3"))
	require.NotNil(t, result.OK)
	require.True(t, *result.OK)

	var view StateView
	require.NoError(t, json.Unmarshal(result.Data, &view))
	assert.Equal(t, "MRN-1", view.State.Case.MRN)
	require.Contains(t, view.Timers, domain.MilestoneWheelsIn)
	assert.True(t, strings.HasPrefix(view.Timers[domain.MilestoneWheelsIn], "01:3"), view.Timers[domain.MilestoneWheelsIn])
	assert.NotContains(t, view.Timers, domain.MilestoneProcedureStart)
}

func TestGateway_ErrorCodes(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	tests := []struct {
		cmd  Command
		code string
	}{
		{Command{ID: "a", Type: "launch_rocket"}, "bad_request"},
		{Command{ID: "b", Type: CmdActivateCase}, "bad_request"},
		{Command{ID: "c", Type: CmdGetState}, "no_active_case"},
		{Command{ID: "d", Type: CmdSelectDevice, DeviceID: "bt-9"}, "not_found"},
		{Command{ID: "e", Type: CmdRecordMilestone, Kind: domain.MilestoneWheelsIn}, "no_active_case"},
		{Command{ID: "f", Type: CmdRetryVoice}, "internal"},
	}
	for _, tt := range tests {
		send(t, conn, tt.cmd)
		result := readUntil(t, conn, isResult(tt.cmd.ID))
		require.NotNil(t, result.OK, tt.cmd.ID)
		assert.False(t, *result.OK, tt.cmd.ID)
		require.NotNil(t, result.Error, tt.cmd.ID)
		assert.Equal(t, tt.code, result.Error.Code, tt.cmd.ID)
	}

	send(t, conn, Command{ID: "g", Type: CmdActivateCase, Case: &domain.CaseInfo{MRN: "MRN-1"}})
	readUntil(t, conn, isResult("g"))
	send(t, conn, Command{ID: "h", Type: CmdRecordMilestone, Kind: "dressing_applied"})
	result := readUntil(t, conn, isResult("h"))
	require.NotNil(t, result.Error)
	assert.Equal(t, "unknown_milestone", result.Error.Code)

	send(t, conn, Command{ID: "i", Type: CmdSubmit})
	result = readUntil(t, conn, isResult("i"))
	assert.True(t, *result.OK)

	send(t, conn, Command{ID: "j", Type: CmdReset})
	result = readUntil(t, conn, isResult("j"))
	require.NotNil(t, result.Error)
	assert.Equal(t, "case_closed", result.Error.Code)
}

func TestGateway_UnsubscribesOnClose(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, Command{ID: "1", Type: CmdListDevices})
	readUntil(t, conn, isResult("1"))
	assert.Equal(t, 1, f.bus.SubscriberCount(eventbus.TopicMilestoneUpdated))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	require.Eventually(t, func() bool {
		return f.bus.SubscriberCount(eventbus.TopicMilestoneUpdated) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_MultipleClients(t *testing.T) {
	f := newFixture(t)
	tracker := f.dial(t)
	banner := f.dial(t)

	send(t, tracker, Command{ID: "1", Type: CmdListDevices})
	readUntil(t, tracker, isResult("1"))
	send(t, banner, Command{ID: "1", Type: CmdListDevices})
	readUntil(t, banner, isResult("1"))

	require.NoError(t, f.bus.Publish(eventbus.TopicIntentRejected, domain.IntentRejected{Code: domain.ClassificationNoMatch, Message: "not understood"}))

	for _, conn := range []*websocket.Conn{tracker, banner} {
		frame := readFrame(t, conn)
		assert.Equal(t, string(eventbus.TopicIntentRejected), frame.Topic)
	}
}

func TestGateway_CheckOrigin(t *testing.T) {
	g := New(&stubCommands{}, eventbus.New(eventbus.DefaultConfig()), Config{AllowedOrigins: []string{"https://theatre.local"}})

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://theatre.local")
	assert.True(t, g.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, g.checkOrigin(r))
}
