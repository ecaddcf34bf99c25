// Package audio owns microphone selection and hands the chosen device to the
// speech bridge.
package audio

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/observability"
)

// DeviceProvider enumerates microphones reported by the OS.
type DeviceProvider interface {
	Devices(ctx context.Context) ([]domain.AudioDevice, error)
}

// PermissionProvider is the OS microphone permission prompt.
type PermissionProvider interface {
	HasMicrophonePermission(ctx context.Context) (bool, error)
	RequestMicrophonePermission(ctx context.Context) (bool, error)
}

// SpeechBridge is the part of bridge.Bridge the manager drives.
type SpeechBridge interface {
	SwitchMicrophone(ctx context.Context, device domain.AudioDevice, user domain.UserContext) (domain.SpeechSession, error)
	StopSession(ctx context.Context, sessionID string, final domain.SessionState) error
	CurrentSession() (domain.SpeechSession, bool)
}

// Manager validates device choices and keeps at most one session listening.
type Manager struct {
	devices DeviceProvider
	perms   PermissionProvider
	bridge  SpeechBridge
	logger  zerolog.Logger

	mu       sync.Mutex
	known    []domain.AudioDevice
	selected *domain.AudioDevice
	user     domain.UserContext
}

// NewManager creates a manager with nothing selected.
func NewManager(devices DeviceProvider, perms PermissionProvider, bridge SpeechBridge) *Manager {
	return &Manager{
		devices: devices,
		perms:   perms,
		bridge:  bridge,
		logger:  observability.Component("audio-manager"),
	}
}

// ListDevices refreshes the device list from the OS.
func (m *Manager) ListDevices(ctx context.Context) ([]domain.AudioDevice, error) {
	devices, err := m.devices.Devices(ctx)
	if err != nil {
		observability.RecordError("device_list", "audio")
		return nil, &domain.DeviceError{Code: domain.DeviceUnavailable, Err: err}
	}

	m.mu.Lock()
	m.known = append([]domain.AudioDevice(nil), devices...)
	m.mu.Unlock()

	return append([]domain.AudioDevice(nil), devices...), nil
}

// SelectDevice makes id the active microphone. An empty id picks the
// preferred connected device. If a session is live on another device it is
// stopped before a session on the new one starts.
func (m *Manager) SelectDevice(ctx context.Context, id string) (domain.AudioDevice, error) {
	if err := m.ensurePermission(ctx); err != nil {
		return domain.AudioDevice{}, err
	}

	devices, err := m.ListDevices(ctx)
	if err != nil {
		return domain.AudioDevice{}, err
	}

	device, err := resolve(devices, id)
	if err != nil {
		return domain.AudioDevice{}, err
	}

	m.mu.Lock()
	previous := m.selected
	m.selected = &device
	user := m.user
	m.mu.Unlock()

	if previous == nil || previous.ID != device.ID {
		m.logger.Info().Str("device_id", device.ID).Str("device_name", device.Name).Msg("Microphone selected")
	}

	if session, ok := m.bridge.CurrentSession(); ok && session.State.Live() {
		if _, err := m.bridge.SwitchMicrophone(ctx, device, user); err != nil {
			return device, err
		}
	}
	return device, nil
}

// Selected returns the chosen microphone.
func (m *Manager) Selected() (domain.AudioDevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == nil {
		return domain.AudioDevice{}, false
	}
	return *m.selected, true
}

// CurrentSession returns the live speech session, if any.
func (m *Manager) CurrentSession() (domain.SpeechSession, bool) {
	session, ok := m.bridge.CurrentSession()
	if !ok || !session.State.Live() {
		return domain.SpeechSession{}, false
	}
	return session, true
}

// StartListening starts a session on the selected device, selecting the
// preferred one first if needed. Calling it while already listening on the
// selected device returns the existing session.
func (m *Manager) StartListening(ctx context.Context, user domain.UserContext) (domain.SpeechSession, error) {
	m.mu.Lock()
	m.user = user
	var id string
	if m.selected != nil {
		id = m.selected.ID
	}
	m.mu.Unlock()

	device, err := m.SelectDevice(ctx, id)
	if err != nil {
		return domain.SpeechSession{}, err
	}
	return m.bridge.SwitchMicrophone(ctx, device, user)
}

// StopListening stops the live session, leaving it in final.
func (m *Manager) StopListening(ctx context.Context, final domain.SessionState) error {
	err := m.bridge.StopSession(ctx, "", final)
	if errors.Is(err, domain.ErrNoSession) {
		return nil
	}
	return err
}

// User returns the context handed to the last StartListening.
func (m *Manager) User() domain.UserContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

func (m *Manager) ensurePermission(ctx context.Context) error {
	granted, err := m.perms.HasMicrophonePermission(ctx)
	if err == nil && !granted {
		m.logger.Info().Msg("Requesting microphone permission")
		granted, err = m.perms.RequestMicrophonePermission(ctx)
	}
	if err != nil || !granted {
		observability.RecordError("permission_denied", "audio")
		return &domain.DeviceError{Code: domain.DevicePermissionDenied, Err: err}
	}
	return nil
}

func resolve(devices []domain.AudioDevice, id string) (domain.AudioDevice, error) {
	if id == "" {
		device, ok := Preferred(devices)
		if !ok {
			return domain.AudioDevice{}, &domain.DeviceError{Code: domain.DeviceUnavailable}
		}
		return device, nil
	}
	device, ok := Find(devices, id)
	if !ok {
		if _, connected := Preferred(devices); !connected {
			return domain.AudioDevice{}, &domain.DeviceError{Code: domain.DeviceUnavailable, DeviceID: id}
		}
		return domain.AudioDevice{}, &domain.DeviceError{Code: domain.DeviceNotFound, DeviceID: id}
	}
	if !device.Connected {
		return domain.AudioDevice{}, &domain.DeviceError{Code: domain.DeviceUnavailable, DeviceID: id}
	}
	return device, nil
}

// Find looks up a device by id.
func Find(devices []domain.AudioDevice, id string) (domain.AudioDevice, bool) {
	for _, d := range devices {
		if d.ID == id {
			return d, true
		}
	}
	return domain.AudioDevice{}, false
}

// Preferred picks a connected device, favouring the built-in microphone.
func Preferred(devices []domain.AudioDevice) (domain.AudioDevice, bool) {
	var fallback *domain.AudioDevice
	for i := range devices {
		d := devices[i]
		if !d.Connected {
			continue
		}
		if d.Type == domain.DeviceTypeBuiltin {
			return d, true
		}
		if fallback == nil {
			fallback = &devices[i]
		}
	}
	if fallback == nil {
		return domain.AudioDevice{}, false
	}
	return *fallback, true
}
