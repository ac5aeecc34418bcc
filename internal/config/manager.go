package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"relaycast/internal/observability/logging"
)

const reloadDebounce = 200 * time.Millisecond

// Manager holds the current settings and reloads them when the file changes.
type Manager struct {
	path   string
	getenv func(string) string
	logger *slog.Logger

	mu        sync.RWMutex
	current   Settings
	listeners []func(Settings)
}

// NewManager loads path and returns a manager serving it. An empty path
// serves defaults plus environment overrides and never reloads.
func NewManager(path string, getenv func(string) string, logger *slog.Logger) (*Manager, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if logger == nil {
		logger = slog.Default()
	}
	settings, err := Load(path, getenv)
	if err != nil {
		return nil, err
	}
	return &Manager{
		path:    path,
		getenv:  getenv,
		logger:  logging.WithComponent(logger, "config"),
		current: settings,
	}, nil
}

// Static returns a manager that always serves settings.
func Static(settings Settings) *Manager {
	return &Manager{current: settings, getenv: os.Getenv, logger: slog.Default()}
}

// Current returns a snapshot of the active settings.
func (m *Manager) Current() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// OnChange registers fn to run after every successful reload.
func (m *Manager) OnChange(fn func(Settings)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Reload re-reads the settings file. A file that fails to parse or validate
// leaves the previous settings in place.
func (m *Manager) Reload() error {
	settings, err := Load(m.path, m.getenv)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.current = settings
	listeners := append([]func(Settings){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(settings.Clone())
	}
	m.logger.Info("settings reloaded", "path", m.path)
	return nil
}

// Watch reloads the settings whenever the file is written, until ctx is done.
// The parent directory is watched so that editors replacing the file are
// picked up.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(m.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("settings watcher closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := m.Reload(); err != nil {
				m.logger.Warn("settings reload failed, keeping previous settings", "path", m.path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("settings watcher closed")
			}
			m.logger.Warn("settings watcher error", "error", err)
		}
	}
}
