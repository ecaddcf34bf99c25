package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lexiqai/orvoice/internal/observability"
)

// WatchCatalog reloads the catalog at path whenever it is written and hands
// every valid reload to onChange. Invalid edits are logged and skipped so a
// half-saved file never replaces a good catalog. It blocks until ctx is done.
// When fsnotify is unavailable it falls back to polling the file mtime.
func WatchCatalog(ctx context.Context, path string, onChange func(*Catalog)) error {
	logger := observability.Component("catalog-watcher")

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn().Err(err).Msg("fsnotify not available, falling back to polling")
		return pollCatalog(ctx, abs, onChange)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close catalog watcher")
		}
	}()

	// watch the directory so editors that replace the file are still seen
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		logger.Warn().Err(err).Msg("Failed to watch catalog directory, falling back to polling")
		return pollCatalog(ctx, abs, onChange)
	}

	logger.Info().Str("path", abs).Msg("Catalog watcher started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return pollCatalog(ctx, abs, onChange)
			}
			if event.Name != abs || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// let the writer finish
			time.Sleep(50 * time.Millisecond)
			reloadCatalog(abs, onChange)

		case err, ok := <-watcher.Errors:
			if !ok {
				return pollCatalog(ctx, abs, onChange)
			}
			logger.Warn().Err(err).Msg("Catalog watcher error")
		}
	}
}

func pollCatalog(ctx context.Context, path string, onChange func(*Catalog)) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil || !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()
			reloadCatalog(path, onChange)
		}
	}
}

func reloadCatalog(path string, onChange func(*Catalog)) {
	logger := observability.Component("catalog-watcher")
	cat, err := LoadCatalog(path)
	if err != nil {
		logger.Error().Err(err).Msg("Ignoring invalid catalog edit")
		observability.RecordError("catalog_reload", "config")
		return
	}
	logger.Info().Strs("case_types", cat.CaseTypeNames()).Msg("Catalog reloaded")
	onChange(cat)
}
