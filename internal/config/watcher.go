package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// TenantsWatcher reloads the tenants file whenever it changes on disk.
// Invalid content is logged and ignored; the last good set stays applied.
type TenantsWatcher struct {
	path     string
	apply    func(*TenantsFile)
	debounce time.Duration
	logger   zerolog.Logger

	mu   sync.Mutex
	last []byte
}

func NewTenantsWatcher(path string, apply func(*TenantsFile), logger zerolog.Logger) *TenantsWatcher {
	return &TenantsWatcher{
		path:     path,
		apply:    apply,
		debounce: 250 * time.Millisecond,
		logger:   logger.With().Str("component", "tenants_watcher").Str("path", path).Logger(),
	}
}

// Load reads, validates and applies the file once.
func (w *TenantsWatcher) Load() error {
	_, err := w.reload()
	return err
}

func (w *TenantsWatcher) reload() (bool, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, fmt.Errorf("read tenants: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last != nil && bytes.Equal(w.last, data) {
		return false, nil
	}
	file, err := ParseTenants(data)
	if err != nil {
		return false, err
	}
	w.apply(file)
	w.last = data
	return true, nil
}

// Watch blocks until ctx is cancelled.
func (w *TenantsWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so the directory is watched rather than the file.
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	file := filepath.Base(w.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			changed, err := w.reload()
			switch {
			case err != nil:
				w.logger.Warn().Err(err).Msg("tenants reload rejected")
			case changed:
				w.logger.Info().Msg("tenants reloaded")
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(event.Name), file) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("tenants watch error")
		}
	}
}
