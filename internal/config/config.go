package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Recognizer backends selectable at startup
const (
	RecognizerNoop     = "noop"
	RecognizerFake     = "fake"
	RecognizerDeepgram = "deepgram"
)

// Config holds all configuration for the voice milestone service
type Config struct {
	// Server configuration (UI gateway, health and metrics)
	Port string `envconfig:"PORT" default:"8080"`

	// Native recognizer selection: noop, fake or deepgram
	Recognizer string `envconfig:"RECOGNIZER" default:"noop"`

	// Deepgram streaming ASR configuration (only required for RECOGNIZER=deepgram)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`  // Language code (en, es, fr, etc.)

	// Wake words spotted in the transcript stream
	WakeWords []string `envconfig:"WAKE_WORDS" default:"hey theatre,hey theater"`

	// Microphone capture through ffmpeg
	FFmpegPath        string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	FFmpegInputFormat string `envconfig:"FFMPEG_INPUT_FORMAT" default:"pulse"` // pulse, alsa, avfoundation
	CaptureSampleRate int    `envconfig:"CAPTURE_SAMPLE_RATE" default:"16000"`

	// Devices reported by the OS layer, as id:name:type entries
	AudioDevices         []string `envconfig:"AUDIO_DEVICES" default:"default:Built-in Microphone:builtin"`
	MicPermissionGranted bool     `envconfig:"MIC_PERMISSION_GRANTED" default:"true"`

	// Case types: optional YAML catalog, otherwise MILESTONE_ORDER for every case
	CatalogPath     string   `envconfig:"CATALOG_PATH" default:""`
	DefaultCaseType string   `envconfig:"DEFAULT_CASE_TYPE" default:"general"`
	MilestoneOrder  []string `envconfig:"MILESTONE_ORDER" default:"wheels_in,anesthesia_start,procedure_start,procedure_end,wheels_out,room_clean,room_ready"`

	// Case record file, rewritten on every change and restored at startup; empty keeps it in memory only
	CaseStatePath string `envconfig:"CASE_STATE_PATH" default:""`

	// State machine and classifier
	DebounceWindowMs    int     `envconfig:"DEBOUNCE_WINDOW_MS" default:"2000"`   // Duplicate voice milestones within this window are coalesced
	IntentMinConfidence float64 `envconfig:"INTENT_MIN_CONFIDENCE" default:"0.6"` // Below this an utterance is "not understood"
	IntentAmbiguityBand float64 `envconfig:"INTENT_AMBIGUITY_BAND" default:"0.1"` // Two intents this close are ambiguous
	IntentMinMatch      float64 `envconfig:"INTENT_MIN_MATCH" default:"0.75"`     // Minimum phrase coverage for a candidate
	RequireWakeWord     bool    `envconfig:"REQUIRE_WAKE_WORD" default:"true"`    // Only classify utterances after a wake word
	WakeWindowMs        int     `envconfig:"WAKE_WINDOW_MS" default:"8000"`       // How long a wake word keeps the session awake

	// Event bus
	EventBusHandlerBudgetMs int `envconfig:"EVENTBUS_HANDLER_BUDGET_MS" default:"50"`
	EventBusHistorySize     int `envconfig:"EVENTBUS_HISTORY_SIZE" default:"32"`

	// Resilience configuration
	ReattachTimeoutMs          int `envconfig:"REATTACH_TIMEOUT_MS" default:"5000"`         // Bounded wait per re-attach attempt
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`         // Maximum session re-attach attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"500"`            // Re-attach backoff in milliseconds

	// Case submission service (gRPC); empty disables submission
	SubmissionURL        string `envconfig:"SUBMISSION_URL" default:""`
	SubmissionTLSEnabled bool   `envconfig:"SUBMISSION_TLS_ENABLED" default:"false"`
	SubmissionTimeout    int    `envconfig:"SUBMISSION_TIMEOUT" default:"10"` // seconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	switch c.Recognizer {
	case RecognizerNoop, RecognizerFake:
	case RecognizerDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when RECOGNIZER=deepgram")
		}
	default:
		return fmt.Errorf("unknown RECOGNIZER %q (want noop, fake or deepgram)", c.Recognizer)
	}

	if c.IntentMinConfidence < 0 || c.IntentMinConfidence > 1 {
		return fmt.Errorf("INTENT_MIN_CONFIDENCE must be within [0,1], got %v", c.IntentMinConfidence)
	}
	if c.IntentAmbiguityBand < 0 || c.IntentAmbiguityBand > 1 {
		return fmt.Errorf("INTENT_AMBIGUITY_BAND must be within [0,1], got %v", c.IntentAmbiguityBand)
	}
	if c.IntentMinMatch <= 0 || c.IntentMinMatch > 1 {
		return fmt.Errorf("INTENT_MIN_MATCH must be within (0,1], got %v", c.IntentMinMatch)
	}
	if c.DebounceWindowMs < 0 {
		return fmt.Errorf("DEBOUNCE_WINDOW_MS must not be negative")
	}
	if len(c.MilestoneOrder) == 0 {
		return fmt.Errorf("MILESTONE_ORDER must list at least one milestone")
	}
	if _, err := c.Devices(); err != nil {
		return err
	}
	return nil
}

// DebounceWindow returns the duplicate-coalescing window
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceWindowMs) * time.Millisecond
}

// WakeWindow returns how long a wake word keeps a session awake
func (c *Config) WakeWindow() time.Duration {
	return time.Duration(c.WakeWindowMs) * time.Millisecond
}

// ReattachTimeout returns the bounded wait for one re-attach attempt
func (c *Config) ReattachTimeout() time.Duration {
	return time.Duration(c.ReattachTimeoutMs) * time.Millisecond
}

// HandlerBudget returns the event bus delivery budget
func (c *Config) HandlerBudget() time.Duration {
	return time.Duration(c.EventBusHandlerBudgetMs) * time.Millisecond
}

// DeviceSpec is one statically configured microphone
type DeviceSpec struct {
	ID   string
	Name string
	Type string
}

// Devices parses AUDIO_DEVICES entries of the form id:name:type
func (c *Config) Devices() ([]DeviceSpec, error) {
	specs := make([]DeviceSpec, 0, len(c.AudioDevices))
	for _, entry := range c.AudioDevices {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		spec := DeviceSpec{ID: parts[0], Name: parts[0], Type: "builtin"}
		if len(parts) > 1 && parts[1] != "" {
			spec.Name = parts[1]
		}
		if len(parts) > 2 && parts[2] != "" {
			spec.Type = parts[2]
		}
		switch spec.Type {
		case "builtin", "bluetooth", "wired":
		default:
			return nil, fmt.Errorf("AUDIO_DEVICES entry %q has unknown type %q", entry, spec.Type)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
