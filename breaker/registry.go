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

package breaker

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry hands out shared circuit breakers keyed by dependency name,
// so every component guarding the same backend trips and recovers
// together.
type Registry struct {
	cfg    Config
	logger *logrus.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	onStateChange func(name string, from, to State)
}

// NewRegistry creates a registry whose breakers share cfg. A nil config
// uses DefaultConfig.
func NewRegistry(cfg *Config, logger *logrus.Logger) (*Registry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		cfg:      *cfg,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}, nil
}

// OnStateChange registers a callback applied to every breaker the
// registry creates. Must be set before breakers are handed out.
func (r *Registry) OnStateChange(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = fn
}

// Get returns the breaker for the named dependency, creating it on
// first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	// config was validated in NewRegistry
	b, _ = New(name, &r.cfg, r.logger)
	if r.onStateChange != nil {
		b.OnStateChange(r.onStateChange)
	}
	r.breakers[name] = b
	return b
}

// Stats returns a snapshot for every breaker in the registry.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}

// ResetAll forces every breaker back to closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	for _, b := range breakers {
		b.Reset()
	}
}
