// Package app wires the voice milestone pipeline from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/orvoice/internal/audio"
	"github.com/lexiqai/orvoice/internal/bridge"
	"github.com/lexiqai/orvoice/internal/casetrack"
	"github.com/lexiqai/orvoice/internal/config"
	"github.com/lexiqai/orvoice/internal/eventbus"
	"github.com/lexiqai/orvoice/internal/intent"
	"github.com/lexiqai/orvoice/internal/observability"
	"github.com/lexiqai/orvoice/internal/orchestrator"
	"github.com/lexiqai/orvoice/internal/recovery"
	"github.com/lexiqai/orvoice/internal/resilience"
	"github.com/lexiqai/orvoice/internal/stt"
	"github.com/lexiqai/orvoice/internal/submission"
	"github.com/lexiqai/orvoice/internal/uigateway"
)

// App holds every component of one process.
type App struct {
	Config     *config.Config
	Bus        *eventbus.Bus
	Recognizer bridge.Recognizer
	Bridge     *bridge.Bridge
	Devices    *audio.StaticDevices
	Permission *audio.StaticPermission
	Audio      *audio.Manager
	Recovery   *recovery.Coordinator
	Classifier *intent.Classifier
	Machine    *casetrack.Machine
	Submitter  submission.Submitter
	Service    *orchestrator.Service
	Gateway    *uigateway.Gateway
	Catalog    *config.Catalog

	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewRecognizer builds the recognizer selected by RECOGNIZER.
func NewRecognizer(cfg *config.Config) (bridge.Recognizer, error) {
	switch cfg.Recognizer {
	case config.RecognizerNoop:
		return bridge.NewNoopRecognizer(), nil
	case config.RecognizerFake:
		return bridge.NewFakeRecognizer(), nil
	case config.RecognizerDeepgram:
		return stt.NewDeepgramRecognizer(stt.DeepgramConfigFromEnv(cfg), stt.NewFFmpegCapture(cfg.FFmpegPath)), nil
	}
	return nil, fmt.Errorf("unknown recognizer %q", cfg.Recognizer)
}

// LoadCatalog returns the YAML catalog at CATALOG_PATH, or a single case
// type built from MILESTONE_ORDER.
func LoadCatalog(cfg *config.Config) (*config.Catalog, error) {
	if cfg.CatalogPath == "" {
		cat := config.DefaultCatalog(cfg)
		if err := cat.Validate(); err != nil {
			return nil, err
		}
		return cat, nil
	}
	return config.LoadCatalog(cfg.CatalogPath)
}

// NewSubmitter returns the gRPC submitter, or a log-only one when no
// SUBMISSION_URL is set.
func NewSubmitter(cfg *config.Config) (submission.Submitter, error) {
	if cfg.SubmissionURL == "" {
		return submission.NewLogSubmitter(), nil
	}
	return submission.NewGRPCSubmitter(submission.ConfigFromEnv(cfg))
}

// New wires the pipeline around rec. A nil rec selects one from cfg.
func New(cfg *config.Config, rec bridge.Recognizer) (*App, error) {
	var err error
	if rec == nil {
		if rec, err = NewRecognizer(cfg); err != nil {
			return nil, err
		}
	}

	catalog, err := LoadCatalog(cfg)
	if err != nil {
		return nil, err
	}

	specs, err := cfg.Devices()
	if err != nil {
		return nil, err
	}

	submitter, err := NewSubmitter(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:     cfg,
		Recognizer: rec,
		Catalog:    catalog,
		Submitter:  submitter,
		logger:     observability.Component("app"),
	}

	a.Bus = eventbus.New(eventbus.Config{
		HandlerBudget: cfg.HandlerBudget(),
		HistorySize:   cfg.EventBusHistorySize,
	})

	a.Bridge = bridge.New(rec, a.Bus, bridge.Options{
		Breaker: resilience.NewCircuitBreaker(
			"speech-recognizer",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	})

	a.Devices = audio.NewStaticDevices(audio.DevicesFromConfig(specs)...)
	a.Permission = audio.NewStaticPermission(cfg.MicPermissionGranted)
	a.Audio = audio.NewManager(a.Devices, a.Permission, a.Bridge)

	a.Recovery = recovery.NewCoordinator(a.Audio, a.Bus, recovery.Config{
		ReattachTimeout: cfg.ReattachTimeout(),
		MaxAttempts:     cfg.ReconnectMaxAttempts,
		Backoff:         time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		MaxBackoff:      5 * time.Second,
	})

	a.Classifier = intent.NewClassifier(intent.Config{
		MinConfidence: cfg.IntentMinConfidence,
		AmbiguityBand: cfg.IntentAmbiguityBand,
		MinMatch:      cfg.IntentMinMatch,
	}, nil)

	a.Machine = casetrack.NewMachine(casetrack.Config{DebounceWindow: cfg.DebounceWindow()}, a.Bus)
	if cfg.CaseStatePath != "" {
		if err := a.restoreCase(cfg.CaseStatePath); err != nil {
			return nil, err
		}
		a.persistCase(cfg.CaseStatePath)
	}

	a.Service, err = orchestrator.New(orchestrator.Deps{
		Speech:     a.Bridge,
		Audio:      a.Audio,
		Recovery:   a.Recovery,
		Classifier: a.Classifier,
		Machine:    a.Machine,
		Submitter:  submitter,
		Bus:        a.Bus,
		Catalog:    catalog,
	}, orchestrator.ConfigFromEnv(cfg))
	if err != nil {
		return nil, err
	}

	a.Gateway = uigateway.New(a.Service, a.Bus, uigateway.DefaultConfig())
	return a, nil
}

// Start runs the bridge and the dispatch loop, and watches the catalog file
// when one is configured. They stop when ctx is done.
func (a *App) Start(ctx context.Context) {
	a.run(ctx, "speech-bridge", a.Bridge.Run)
	a.run(ctx, "orchestrator", a.Service.Run)
	if a.Config.CatalogPath != "" {
		a.run(ctx, "catalog-watcher", func(ctx context.Context) error {
			return config.WatchCatalog(ctx, a.Config.CatalogPath, a.Service.SetCatalog)
		})
	}
}

func (a *App) run(ctx context.Context, name string, fn func(context.Context) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error().Err(err).Str("task", name).Msg("Background task stopped")
		}
	}()
}

// ReadinessChecks reports voice availability and submission service health.
func (a *App) ReadinessChecks() map[string]observability.HealthCheckFunc {
	return map[string]observability.HealthCheckFunc{
		"voice": func(context.Context) (bool, error) {
			if !a.Recovery.VoiceAvailable() {
				return false, errors.New("voice unavailable, manual entry only")
			}
			return true, nil
		},
		"submission": a.Submitter.HealthCheck,
	}
}

// Close waits for background tasks after ctx is cancelled and releases
// resources.
func (a *App) Close() error {
	a.wg.Wait()
	a.Bus.Close()
	return a.Submitter.Close()
}
