package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	globalLogger zerolog.Logger
	initialized  bool
)

// InitLogger initializes the global structured logger on stdout
func InitLogger(level string, pretty bool) {
	InitLoggerTo(os.Stdout, level, pretty)
}

// InitLoggerTo initializes the global logger on w. The simulate command logs
// to stderr so stdout only carries its report.
func InitLoggerTo(w io.Writer, level string, pretty bool) {
	if initialized {
		return
	}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		// Pretty console output for development
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	globalLogger = zerolog.New(w).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = globalLogger

	initialized = true
}

// GetLogger returns the global logger
func GetLogger() zerolog.Logger {
	if !initialized {
		// Initialize with defaults if not already initialized
		InitLogger("info", false)
	}
	return globalLogger
}

// Component returns a logger tagged with the component name
func Component(name string) zerolog.Logger {
	return GetLogger().With().Str("component", name).Logger()
}

// SetOutput replaces the global logger sink (tests route logs to io.Discard)
func SetOutput(w io.Writer) {
	globalLogger = zerolog.New(w).With().Timestamp().Logger()
	log.Logger = globalLogger
	initialized = true
}

// WithCorrelationID creates a logger with a correlation ID
func WithCorrelationID(correlationID string) zerolog.Logger {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return GetLogger().With().Str("correlation_id", correlationID).Logger()
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}
