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

// Package breaker implements a circuit breaker for calls to external
// dependencies. A breaker trips open after a run of consecutive
// failures, rejects calls while open, and probes the dependency with a
// limited number of trial calls before closing again.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all calls through.
	StateClosed State = iota
	// StateHalfOpen allows a limited number of trial calls through.
	StateHalfOpen
	// StateOpen rejects calls without invoking the dependency.
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state by name so status endpoints stay
// readable.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses the name form written by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "closed":
		*s = StateClosed
	case "half-open":
		*s = StateHalfOpen
	case "open":
		*s = StateOpen
	default:
		return fmt.Errorf("unknown breaker state %q", name)
	}
	return nil
}

var (
	// ErrOpen is returned when the breaker rejects a call because the
	// dependency is considered down.
	ErrOpen = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned in half-open state once all trial
	// slots are taken.
	ErrTooManyRequests = errors.New("circuit breaker trial limit reached")
)

// Config holds circuit breaker tuning.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trip
	// the breaker open.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// SuccessThreshold is the number of consecutive successful trial
	// calls required to close the breaker again.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`

	// RecoveryTimeout is how long the breaker stays open before
	// admitting trial calls.
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`

	// CallTimeout bounds each call made through the breaker. Zero
	// disables the per-call timeout.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`

	// MaxHalfOpenCalls caps concurrent trial calls while half-open.
	// Zero means SuccessThreshold.
	MaxHalfOpenCalls int `json:"max_half_open_calls" yaml:"max_half_open_calls"`
}

// DefaultConfig returns the breaker settings used when no explicit
// configuration is provided.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		CallTimeout:      10 * time.Second,
	}
}

// Validate reports configuration values that would make the breaker
// misbehave.
func (c *Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success_threshold must be at least 1, got %d", c.SuccessThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery_timeout must be positive, got %s", c.RecoveryTimeout)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call_timeout must not be negative, got %s", c.CallTimeout)
	}
	if c.MaxHalfOpenCalls < 0 {
		return fmt.Errorf("max_half_open_calls must not be negative, got %d", c.MaxHalfOpenCalls)
	}
	return nil
}

// Stats is a snapshot of breaker state and counters.
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	TotalRequests   uint64    `json:"total_requests"`
	TotalSuccesses  uint64    `json:"total_successes"`
	TotalFailures   uint64    `json:"total_failures"`
	Rejections      uint64    `json:"rejections"`
	StateChanges    uint64    `json:"state_changes"`
	LastFailureAt   time.Time `json:"last_failure_at"`
	LastSuccessAt   time.Time `json:"last_success_at"`
	LastStateChange time.Time `json:"last_state_change"`
}

// CircuitBreaker guards calls to a single external dependency.
type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *logrus.Logger

	mu    sync.Mutex
	state State
	// generation increments on every state change; results from calls
	// admitted under an older generation no longer drive transitions.
	generation    uint64
	failures      int
	successes     int
	halfOpenCalls int
	lastFailureAt time.Time
	lastSuccessAt time.Time

	totalRequests   uint64
	totalSuccesses  uint64
	totalFailures   uint64
	rejections      uint64
	stateChanges    uint64
	lastStateChange time.Time

	onStateChange func(name string, from, to State)
}

// New creates a circuit breaker named after the dependency it guards.
// A nil config uses DefaultConfig.
func New(name string, cfg *Config, logger *logrus.Logger) (*CircuitBreaker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker config: %w", err)
	}
	if c.MaxHalfOpenCalls == 0 {
		c.MaxHalfOpenCalls = c.SuccessThreshold
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CircuitBreaker{
		name:            name,
		cfg:             c,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}, nil
}

// OnStateChange registers a callback invoked after every state
// transition. Must be set before the breaker is shared.
func (b *CircuitBreaker) OnStateChange(fn func(name string, from, to State)) {
	b.onStateChange = fn
}

// Name returns the dependency name this breaker guards.
func (b *CircuitBreaker) Name() string { return b.name }

// State returns the current breaker state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call runs fn through the breaker. While open, calls fail fast with
// ErrOpen and are counted as failures without invoking fn. The context
// handed to fn carries CallTimeout when configured.
func (b *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	gen, err := b.beforeCall()
	if err != nil {
		return err
	}

	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterCall(gen, false)
			panic(r)
		}
	}()

	callErr := fn(ctx)
	b.afterCall(gen, callErr == nil)
	return callErr
}

// Do runs fn through breaker b and returns its typed result.
func Do[T any](ctx context.Context, b *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Call(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// Reset forces the breaker back to closed and clears the consecutive
// failure and success counters. Lifetime totals are kept.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	tr := b.transitionLocked(StateClosed)
	b.failures = 0
	b.successes = 0
	b.halfOpenCalls = 0
	b.mu.Unlock()
	b.notify(tr)
}

// Stats returns a snapshot of the breaker's counters.
func (b *CircuitBreaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:            b.name,
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		TotalRequests:   b.totalRequests,
		TotalSuccesses:  b.totalSuccesses,
		TotalFailures:   b.totalFailures,
		Rejections:      b.rejections,
		StateChanges:    b.stateChanges,
		LastFailureAt:   b.lastFailureAt,
		LastSuccessAt:   b.lastSuccessAt,
		LastStateChange: b.lastStateChange,
	}
}

type transition struct {
	from, to State
}

// beforeCall admits or rejects the call and returns the generation the
// call was admitted under.
func (b *CircuitBreaker) beforeCall() (uint64, error) {
	b.mu.Lock()
	b.totalRequests++

	switch b.state {
	case StateClosed:
		gen := b.generation
		b.mu.Unlock()
		return gen, nil

	case StateOpen:
		if wait := b.cfg.RecoveryTimeout - time.Since(b.lastFailureAt); wait > 0 {
			// rejections count as failures for stats but must not
			// touch lastFailureAt, or the recovery window would never
			// elapse under steady traffic
			b.totalFailures++
			b.rejections++
			b.mu.Unlock()
			return 0, fmt.Errorf("%w: %s unavailable, retry in %s", ErrOpen, b.name, wait.Round(time.Millisecond))
		}
		tr := b.transitionLocked(StateHalfOpen)
		b.halfOpenCalls = 1
		gen := b.generation
		b.mu.Unlock()
		b.notify(tr)
		return gen, nil

	default: // StateHalfOpen
		if b.halfOpenCalls >= b.cfg.MaxHalfOpenCalls {
			b.totalFailures++
			b.rejections++
			b.mu.Unlock()
			return 0, fmt.Errorf("%w: %s", ErrTooManyRequests, b.name)
		}
		b.halfOpenCalls++
		gen := b.generation
		b.mu.Unlock()
		return gen, nil
	}
}

// afterCall records the call outcome. Outcomes from an older generation
// only update the lifetime totals.
func (b *CircuitBreaker) afterCall(gen uint64, success bool) {
	b.mu.Lock()

	if success {
		b.totalSuccesses++
	} else {
		b.totalFailures++
	}

	// Results from before the last state change only count toward the
	// totals. The timestamps drive the recovery window, so they must
	// stay generation-consistent.
	if gen != b.generation {
		b.mu.Unlock()
		return
	}

	now := time.Now()
	if success {
		b.lastSuccessAt = now
	} else {
		b.lastFailureAt = now
	}

	var tr *transition
	if b.state == StateHalfOpen && b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}
	if success {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				tr = b.transitionLocked(StateClosed)
			}
		}
	} else {
		b.successes = 0
		switch b.state {
		case StateHalfOpen:
			tr = b.transitionLocked(StateOpen)
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				tr = b.transitionLocked(StateOpen)
			}
		}
	}
	b.mu.Unlock()
	b.notify(tr)
}

// transitionLocked switches state and resets per-state counters. The
// caller must hold b.mu and deliver the returned transition through
// notify after unlocking.
func (b *CircuitBreaker) transitionLocked(to State) *transition {
	if b.state == to {
		return nil
	}
	from := b.state
	b.state = to
	b.generation++
	b.stateChanges++
	b.lastStateChange = time.Now()
	b.successes = 0
	b.halfOpenCalls = 0
	if to == StateClosed {
		b.failures = 0
	}
	return &transition{from: from, to: to}
}

func (b *CircuitBreaker) notify(tr *transition) {
	if tr == nil {
		return
	}
	entry := b.logger.WithFields(logrus.Fields{
		"breaker": b.name,
		"from":    tr.from.String(),
		"to":      tr.to.String(),
	})
	if tr.to == StateOpen {
		entry.Warn("circuit breaker opened")
	} else {
		entry.Info("circuit breaker state changed")
	}
	if b.onStateChange != nil {
		b.onStateChange(b.name, tr.from, tr.to)
	}
}
