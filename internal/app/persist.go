package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lexiqai/orvoice/internal/casetrack"
	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/eventbus"
	"github.com/lexiqai/orvoice/internal/observability"
)

// restoreCase loads the record saved at path. A missing file is not an error.
func (a *App) restoreCase(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read case state %s: %w", path, err)
	}
	state, err := casetrack.UnmarshalState(data)
	if err != nil {
		return fmt.Errorf("failed to restore case state %s: %w", path, err)
	}
	return a.Machine.Restore(state)
}

// persistCase rewrites path with the machine's current snapshot after every
// recorded milestone and lifecycle change. Writes run on queued subscribers,
// off the Apply path.
func (a *App) persistCase(path string) {
	var mu sync.Mutex
	save := func(domain.CaseMilestoneState) error {
		mu.Lock()
		defer mu.Unlock()
		state, ok := a.Machine.State()
		if !ok {
			return nil
		}
		if err := writeCaseState(path, state); err != nil {
			observability.RecordError("case_persist", "app")
			a.logger.Error().Err(err).Str("path", path).Msg("Failed to save case state")
			return err
		}
		return nil
	}
	eventbus.On(a.Bus, eventbus.TopicMilestoneUpdated, func(e domain.MilestoneUpdated) error {
		return save(e.State)
	}, eventbus.WithQueue(16), eventbus.WithName("case-store"))
	eventbus.On(a.Bus, eventbus.TopicCaseLifecycle, func(e domain.CaseLifecycle) error {
		return save(e.State)
	}, eventbus.WithQueue(16), eventbus.WithName("case-store"))
}

func writeCaseState(path string, state domain.CaseMilestoneState) error {
	data, err := casetrack.MarshalState(state)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".case-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
