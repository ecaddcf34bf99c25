package audio

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/orvoice/internal/bridge"
	"github.com/lexiqai/orvoice/internal/config"
	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/eventbus"
	"github.com/lexiqai/orvoice/internal/observability"
)

func TestMain(m *testing.M) {
	observability.SetOutput(io.Discard)
	os.Exit(m.Run())
}

var (
	builtin = domain.AudioDevice{ID: "default", Name: "Built-in Microphone", Type: domain.DeviceTypeBuiltin, Connected: true}
	headset = domain.AudioDevice{ID: "bt-1", Name: "Headset", Type: domain.DeviceTypeBluetooth, Connected: true}
)

type fixture struct {
	fake    *bridge.FakeRecognizer
	devices *StaticDevices
	perms   *StaticPermission
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := eventbus.New(eventbus.DefaultConfig())
	t.Cleanup(bus.Close)

	f := &fixture{
		fake:    bridge.NewFakeRecognizer(),
		devices: NewStaticDevices(builtin, headset),
		perms:   NewStaticPermission(true),
	}
	f.manager = NewManager(f.devices, f.perms, bridge.New(f.fake, bus, bridge.Options{}))
	return f
}

func TestListDevices(t *testing.T) {
	f := newFixture(t)

	devices, err := f.manager.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.AudioDevice{builtin, headset}, devices)
}

func TestSelectDevice(t *testing.T) {
	f := newFixture(t)

	device, err := f.manager.SelectDevice(context.Background(), "bt-1")
	require.NoError(t, err)
	assert.Equal(t, headset, device)

	selected, ok := f.manager.Selected()
	require.True(t, ok)
	assert.Equal(t, "bt-1", selected.ID)

	// selecting while idle never starts a session
	assert.Empty(t, f.fake.Calls())
}

func TestSelectDevice_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.SelectDevice(ctx, "usb-9")
	assert.True(t, errors.Is(err, domain.ErrDeviceNotFound))

	f.devices.Disconnect("default")
	f.devices.Disconnect("bt-1")
	_, err = f.manager.SelectDevice(ctx, "")
	assert.True(t, errors.Is(err, domain.ErrDeviceUnavailable))

	f.perms.Set(false)
	_, err = f.manager.SelectDevice(ctx, "default")
	assert.True(t, errors.Is(err, domain.ErrPermissionDenied))

	var derr *domain.DeviceError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, domain.DevicePermissionDenied, derr.Code)
}

func TestSelectDevice_RequestsPermission(t *testing.T) {
	f := newFixture(t)
	f.perms.Set(false)
	f.perms.GrantOnRequest = true

	_, err := f.manager.SelectDevice(context.Background(), "default")
	require.NoError(t, err)
}

func TestSelectDevice_WhileListeningStopsThenStarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.StartListening(ctx, domain.UserContext{UserID: "nurse-7"})
	require.NoError(t, err)
	assert.Equal(t, "default", first.Device.ID)

	_, err = f.manager.SelectDevice(ctx, "bt-1")
	require.NoError(t, err)

	current, ok := f.manager.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, "bt-1", current.Device.ID)
	assert.Equal(t, []string{"start:" + first.ID, "stop:" + first.ID, "start:" + current.ID}, f.fake.Calls())

	// reselecting the same device is a no-op
	_, err = f.manager.SelectDevice(ctx, "bt-1")
	require.NoError(t, err)
	assert.Len(t, f.fake.Calls(), 3)
}

func TestStartListening_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := domain.UserContext{UserID: "nurse-7", OTID: "OT-3"}

	first, err := f.manager.StartListening(ctx, user)
	require.NoError(t, err)
	again, err := f.manager.StartListening(ctx, user)
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, user, f.manager.User())
}

func TestStopListening(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StopListening(ctx, domain.SessionStateIdle))

	_, err := f.manager.StartListening(ctx, domain.UserContext{})
	require.NoError(t, err)
	require.NoError(t, f.manager.StopListening(ctx, domain.SessionStateSuspended))

	_, ok := f.manager.CurrentSession()
	assert.False(t, ok)
}

func TestPreferred(t *testing.T) {
	wired := domain.AudioDevice{ID: "usb", Type: domain.DeviceTypeWired, Connected: true}
	offline := domain.AudioDevice{ID: "old", Type: domain.DeviceTypeBuiltin}

	got, ok := Preferred([]domain.AudioDevice{wired, offline, builtin})
	require.True(t, ok)
	assert.Equal(t, "default", got.ID)

	got, ok = Preferred([]domain.AudioDevice{offline, wired})
	require.True(t, ok)
	assert.Equal(t, "usb", got.ID)

	_, ok = Preferred([]domain.AudioDevice{offline})
	assert.False(t, ok)
}

func TestDevicesFromConfig(t *testing.T) {
	devices := DevicesFromConfig([]config.DeviceSpec{{ID: "bt-1", Name: "Headset", Type: "bluetooth"}})
	assert.Equal(t, []domain.AudioDevice{headset}, devices)
}
