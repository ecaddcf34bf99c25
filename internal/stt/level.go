package stt

import (
	"encoding/binary"
	"math"
)

// LevelConfig tunes dead-input detection.
type LevelConfig struct {
	// FloorRMS is the level under which a frame counts as digital silence.
	// Room tone in an operating theatre sits far above it.
	FloorRMS float64
	// DeadFrames is how many consecutive silent frames mean the input died.
	DeadFrames int
}

// DefaultLevelConfig flags roughly 10s of flat input at 100ms frames.
func DefaultLevelConfig() LevelConfig {
	return LevelConfig{FloorRMS: 2, DeadFrames: 100}
}

// levelMonitor watches capture frames for a microphone that has gone flat,
// which is how a yanked USB or Bluetooth device usually looks through ffmpeg.
type levelMonitor struct {
	cfg      LevelConfig
	flat     int
	reported bool
}

func newLevelMonitor(cfg LevelConfig) *levelMonitor {
	if cfg.DeadFrames <= 0 {
		cfg = DefaultLevelConfig()
	}
	return &levelMonitor{cfg: cfg}
}

// observe returns true once, on the frame that crosses DeadFrames.
func (m *levelMonitor) observe(frame []byte) bool {
	if CalculateRMS(frame) > m.cfg.FloorRMS {
		m.flat = 0
		m.reported = false
		return false
	}
	m.flat++
	if m.flat >= m.cfg.DeadFrames && !m.reported {
		m.reported = true
		return true
	}
	return false
}

func (m *levelMonitor) reset() {
	m.flat = 0
	m.reported = false
}

// CalculateRMS returns the root mean square of little-endian s16 PCM.
func CalculateRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
