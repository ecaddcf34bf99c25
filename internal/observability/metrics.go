package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Speech session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orvoice_speech_sessions_active",
		Help: "Number of speech sessions currently owning the microphone",
	})

	sessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orvoice_speech_sessions_started_total",
		Help: "Speech session start attempts by outcome",
	}, []string{"status"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orvoice_speech_session_duration_seconds",
		Help:    "Duration of speech sessions in seconds",
		Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
	})

	staleEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orvoice_stale_events_dropped_total",
		Help: "Native events dropped because their session is no longer active",
	}, []string{"kind"})

	// Intent metrics
	utteranceOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orvoice_utterances_total",
		Help: "Recognized utterances by final outcome",
	}, []string{"outcome"})

	classificationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orvoice_classification_latency_seconds",
		Help:    "Time spent classifying one utterance",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	})

	// Milestone metrics
	milestonesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orvoice_milestones_recorded_total",
		Help: "Milestones appended to case records",
	}, []string{"source"})

	transitionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orvoice_transitions_rejected_total",
		Help: "Milestone transitions rejected by the state machine",
	}, []string{"reason"})

	// Event bus metrics
	busHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orvoice_eventbus_handler_errors_total",
		Help: "Subscriber callbacks that returned an error or panicked",
	}, []string{"topic"})

	busHandlerOverruns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orvoice_eventbus_handler_overruns_total",
		Help: "Subscriber callbacks that exceeded the delivery budget",
	}, []string{"topic"})

	busEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orvoice_eventbus_events_dropped_total",
		Help: "Events dropped because a queued subscriber was full",
	}, []string{"topic"})

	// Recovery metrics
	recoveryState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orvoice_recovery_state",
		Help: "Recovery coordinator state (0=attached, 1=detaching, 2=detached, 3=reattaching, 4=failed)",
	})

	reattachAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orvoice_reattach_attempts_total",
		Help: "Session re-attach attempts by outcome",
	}, []string{"status"})

	// UI gateway metrics
	uiClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orvoice_ui_clients_connected",
		Help: "Number of UI clients connected to the gateway",
	})

	uiCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orvoice_ui_commands_total",
		Help: "UI commands handled by command type and outcome",
	}, []string{"command", "status"})

	// Submission metrics
	submissionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orvoice_submission_latency_seconds",
		Help:    "Case submission latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orvoice_submissions_total",
		Help: "Case submissions by outcome",
	}, []string{"status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orvoice_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orvoice_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orvoice_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single speech session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
	ended     bool
	mu        sync.Mutex
}

// NewSessionMetrics creates a metrics tracker for a session that has just
// started listening
func NewSessionMetrics(sessionID string) *SessionMetrics {
	activeSessions.Inc()
	sessionsStarted.WithLabelValues("success").Inc()
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordEnd records the end of the session; repeated calls are ignored
func (m *SessionMetrics) RecordEnd() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordSessionStartFailure counts a start that never reached listening
func RecordSessionStartFailure(reason string) {
	sessionsStarted.WithLabelValues(reason).Inc()
}

// RecordStaleEvent counts a native event dropped by the session filter
func RecordStaleEvent(kind string) {
	staleEventsDropped.WithLabelValues(kind).Inc()
}

// RecordUtteranceOutcome records how an utterance was resolved
func RecordUtteranceOutcome(outcome string) {
	utteranceOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveClassification records classifier latency
func ObserveClassification(d time.Duration) {
	classificationLatency.Observe(d.Seconds())
}

// RecordMilestone records an accepted milestone
func RecordMilestone(source string) {
	milestonesRecorded.WithLabelValues(source).Inc()
}

// RecordTransitionRejected records a rejected transition
func RecordTransitionRejected(reason string) {
	transitionsRejected.WithLabelValues(reason).Inc()
}

// RecordBusHandlerError records a failing subscriber
func RecordBusHandlerError(topic string) {
	busHandlerErrors.WithLabelValues(topic).Inc()
}

// RecordBusHandlerOverrun records a subscriber that blocked too long
func RecordBusHandlerOverrun(topic string) {
	busHandlerOverruns.WithLabelValues(topic).Inc()
}

// RecordBusEventDropped records an event a queued subscriber could not take
func RecordBusEventDropped(topic string) {
	busEventsDropped.WithLabelValues(topic).Inc()
}

// UpdateRecoveryState updates the recovery state gauge
func UpdateRecoveryState(state int) {
	recoveryState.Set(float64(state))
}

// RecordReattach records a re-attach attempt
func RecordReattach(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	reattachAttempts.WithLabelValues(status).Inc()
}

// UIClientConnected records a UI client connecting
func UIClientConnected() {
	uiClients.Inc()
}

// UIClientDisconnected records a UI client going away
func UIClientDisconnected() {
	uiClients.Dec()
}

// RecordUICommand records one handled UI command
func RecordUICommand(command string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	uiCommands.WithLabelValues(command, status).Inc()
}

// RecordSubmission records a case submission and its latency
func RecordSubmission(start time.Time, success bool) {
	submissionLatency.Observe(time.Since(start).Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	submissions.WithLabelValues(status).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
