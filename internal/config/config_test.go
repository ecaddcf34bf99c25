package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	os.Setenv("RECOGNIZER", "deepgram")
	os.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	defer os.Unsetenv("RECOGNIZER")
	defer os.Unsetenv("DEEPGRAM_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Recognizer != RecognizerDeepgram {
		t.Errorf("Expected Recognizer 'deepgram', got '%s'", cfg.Recognizer)
	}

	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
	}
}

func TestLoad_DeepgramRequiresKey(t *testing.T) {
	os.Setenv("RECOGNIZER", "deepgram")
	os.Unsetenv("DEEPGRAM_API_KEY")
	defer os.Unsetenv("RECOGNIZER")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when DEEPGRAM_API_KEY is missing for the deepgram recognizer")
	}
}

func TestLoad_UnknownRecognizer(t *testing.T) {
	os.Setenv("RECOGNIZER", "carrier-pigeon")
	defer os.Unsetenv("RECOGNIZER")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for unknown recognizer")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}

	if cfg.Recognizer != RecognizerNoop {
		t.Errorf("Expected default Recognizer 'noop', got '%s'", cfg.Recognizer)
	}

	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}

	if len(cfg.MilestoneOrder) != 7 || cfg.MilestoneOrder[0] != "wheels_in" || cfg.MilestoneOrder[6] != "room_ready" {
		t.Errorf("Unexpected default MilestoneOrder %v", cfg.MilestoneOrder)
	}

	if cfg.DebounceWindow() != 2*time.Second {
		t.Errorf("Expected default debounce window 2s, got %v", cfg.DebounceWindow())
	}

	if cfg.IntentMinConfidence != 0.6 {
		t.Errorf("Expected default IntentMinConfidence 0.6, got %f", cfg.IntentMinConfidence)
	}

	if cfg.IntentAmbiguityBand != 0.1 {
		t.Errorf("Expected default IntentAmbiguityBand 0.1, got %f", cfg.IntentAmbiguityBand)
	}

	if !cfg.RequireWakeWord {
		t.Error("Expected wake word to be required by default")
	}

	if len(cfg.WakeWords) != 2 || cfg.WakeWords[0] != "hey theatre" {
		t.Errorf("Unexpected default WakeWords %v", cfg.WakeWords)
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}

	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}

	if cfg.ReconnectMaxAttempts != 3 {
		t.Errorf("Expected default ReconnectMaxAttempts 3, got %d", cfg.ReconnectMaxAttempts)
	}

	if cfg.ReattachTimeout() != 5*time.Second {
		t.Errorf("Expected default ReattachTimeout 5s, got %v", cfg.ReattachTimeout())
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	os.Unsetenv("LOG_LEVEL")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}

	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}

func TestConfig_InvalidThreshold(t *testing.T) {
	os.Setenv("INTENT_MIN_CONFIDENCE", "1.5")
	defer os.Unsetenv("INTENT_MIN_CONFIDENCE")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for confidence threshold above 1")
	}
}

func TestConfig_Devices(t *testing.T) {
	cfg := &Config{AudioDevices: []string{"default:Built-in:builtin", "bt-1:AirPods:bluetooth", "usb"}}

	specs, err := cfg.Devices()
	if err != nil {
		t.Fatalf("Devices() failed: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("Expected 3 devices, got %d", len(specs))
	}
	if specs[1].ID != "bt-1" || specs[1].Name != "AirPods" || specs[1].Type != "bluetooth" {
		t.Errorf("Unexpected device spec %+v", specs[1])
	}
	if specs[2].Name != "usb" || specs[2].Type != "builtin" {
		t.Errorf("Expected bare id to default name and type, got %+v", specs[2])
	}

	cfg.AudioDevices = []string{"x:y:satellite"}
	if _, err := cfg.Devices(); err == nil {
		t.Error("Expected error for unknown device type")
	}
}

func TestGetEnv(t *testing.T) {
	os.Setenv("TEST_KEY", "test-value")
	defer os.Unsetenv("TEST_KEY")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}
