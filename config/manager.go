// Copyright 2023 Versity Software
// This file is licensed under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// debounceDelay coalesces the event bursts editors produce when
// rewriting a file.
const debounceDelay = 100 * time.Millisecond

// ReloadCallback is invoked after a successful reload with the
// previous and the new configuration.
type ReloadCallback func(old, new *Config)

// Manager holds the current configuration and reloads it when the
// backing file changes. A reload that fails to parse or validate is
// logged and discarded; the previous configuration stays active.
type Manager struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher

	mu        sync.RWMutex
	current   *Config
	callbacks []ReloadCallback
}

// NewManager loads the initial configuration from path and prepares a
// file watcher. The watcher observes the parent directory because
// editors typically replace files rather than write them in place.
func NewManager(path string, logger *logrus.Logger) (*Manager, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	cfg, err := Load(path, logger)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	return &Manager{
		path:    path,
		logger:  logger,
		watcher: watcher,
		current: cfg,
	}, nil
}

// Current returns the active configuration. The returned value is a
// shared snapshot; callers must not mutate it.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnReload registers a callback for successful reloads.
func (m *Manager) OnReload(fn ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Reload re-reads the configuration file immediately. On success the
// new configuration becomes current and callbacks fire.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path, m.logger)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.current
	m.current = cfg
	callbacks := append([]ReloadCallback(nil), m.callbacks...)
	m.mu.Unlock()

	m.logger.WithField("path", m.path).Info("configuration reloaded")
	for _, fn := range callbacks {
		fn(old, cfg)
	}
	return nil
}

// Run watches the configuration file until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	defer m.watcher.Close()

	name := filepath.Base(m.path)
	timer := time.NewTimer(debounceDelay)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if armed && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounceDelay)
			armed = true

		case <-timer.C:
			armed = false
			if err := m.Reload(); err != nil {
				m.logger.WithError(err).Warn("config reload failed, keeping previous configuration")
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.WithError(err).Warn("config watcher error")

		case <-ctx.Done():
			return nil
		}
	}
}
