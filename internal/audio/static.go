package audio

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lexiqai/orvoice/internal/config"
	"github.com/lexiqai/orvoice/internal/domain"
)

// StaticDevices is a DeviceProvider backed by a fixed list. Connect and
// Disconnect stand in for OS hot-plug notifications.
type StaticDevices struct {
	mu      sync.Mutex
	devices []domain.AudioDevice
}

// NewStaticDevices creates a provider reporting devices.
func NewStaticDevices(devices ...domain.AudioDevice) *StaticDevices {
	return &StaticDevices{devices: append([]domain.AudioDevice(nil), devices...)}
}

// DevicesFromConfig converts AUDIO_DEVICES entries into connected devices.
func DevicesFromConfig(specs []config.DeviceSpec) []domain.AudioDevice {
	out := make([]domain.AudioDevice, len(specs))
	for i, s := range specs {
		out[i] = domain.AudioDevice{ID: s.ID, Name: s.Name, Type: domain.DeviceType(s.Type), Connected: true}
	}
	return out
}

func (s *StaticDevices) Devices(context.Context) ([]domain.AudioDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AudioDevice(nil), s.devices...), nil
}

// Connect adds the device or marks it connected.
func (s *StaticDevices) Connect(device domain.AudioDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device.Connected = true
	for i := range s.devices {
		if s.devices[i].ID == device.ID {
			s.devices[i] = device
			return
		}
	}
	s.devices = append(s.devices, device)
}

// Disconnect removes the device.
func (s *StaticDevices) Disconnect(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.devices {
		if s.devices[i].ID == id {
			s.devices = append(s.devices[:i], s.devices[i+1:]...)
			return
		}
	}
}

// StaticPermission answers permission checks from configuration. When
// GrantOnRequest is set a request flips the permission to granted, the way
// a user accepting the OS prompt would.
type StaticPermission struct {
	granted        atomic.Bool
	GrantOnRequest bool
}

// NewStaticPermission creates a permission provider.
func NewStaticPermission(granted bool) *StaticPermission {
	p := &StaticPermission{}
	p.granted.Store(granted)
	return p
}

// Set changes the permission, as if the user edited OS settings.
func (p *StaticPermission) Set(granted bool) { p.granted.Store(granted) }

func (p *StaticPermission) HasMicrophonePermission(context.Context) (bool, error) {
	return p.granted.Load(), nil
}

func (p *StaticPermission) RequestMicrophonePermission(context.Context) (bool, error) {
	if p.GrantOnRequest {
		p.granted.Store(true)
	}
	return p.granted.Load(), nil
}
