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

// Package pool provides a bounded, self-healing connection pool that is
// generic over the driver's connection type. Capacity can be adjusted
// at runtime between the configured minimum and maximum, which is what
// the scaling engine uses to grow and shrink the pool under load.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const destroyTimeout = 10 * time.Second

// record tracks one pooled connection and its lifecycle timestamps.
type record[T comparable] struct {
	id             uuid.UUID
	conn           T
	createdAt      time.Time
	lastAcquiredAt time.Time
	lastReleasedAt time.Time
	inUse          bool
	healthy        bool
}

// Pool manages a bounded set of connections created by a Driver.
// Acquire hands out idle connections, growing the pool on demand up to
// a dynamic ceiling that Resize moves between MinConnections and
// MaxConnections. A background maintenance loop evicts idle, expired,
// and unhealthy connections and keeps the pool replenished to its
// minimum size.
type Pool[T comparable] struct {
	cfg    Config
	driver Driver[T]
	guard  Guard
	logger *logrus.Logger

	mu      sync.Mutex
	records []*record[T]
	// pending counts connections being established but not yet
	// committed to records, so concurrent Acquires cannot overshoot
	// the ceiling while dialing with the lock released.
	pending      int
	dynMax       int
	closed       bool
	started      bool
	replenishing bool

	created            uint64
	destroyed          uint64
	acquired           uint64
	released           uint64
	acquireFailures    uint64
	healthChecks       uint64
	failedHealthChecks uint64

	probeSem *semaphore.Weighted

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool for the given driver. A nil config uses
// DefaultConfig. The pool does not open any connections until
// Initialize is called.
func New[T comparable](cfg *Config, driver Driver[T], logger *logrus.Logger) (*Pool[T], error) {
	if driver == nil {
		return nil, fmt.Errorf("pool driver is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Pool[T]{
		cfg:      c,
		driver:   driver,
		logger:   logger,
		dynMax:   c.MaxConnections,
		probeSem: semaphore.NewWeighted(int64(c.MaxConcurrentProbes)),
		stopCh:   make(chan struct{}),
	}, nil
}

// SetGuard routes driver Connect and Ping calls through g, typically a
// circuit breaker. Must be called before Initialize.
func (p *Pool[T]) SetGuard(g Guard) {
	p.guard = g
}

// Initialize pre-creates MinConnections connections and starts the
// maintenance loop. Individual connection failures are logged rather
// than returned; the maintenance loop retries until the pool reaches
// its minimum size.
func (p *Pool[T]) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool already initialized")
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.cfg.MinConnections; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		added, err := p.addIdle(ctx, p.cfg.MinConnections)
		if err != nil {
			p.logger.WithFields(logrus.Fields{
				"driver": p.driver.Name(),
				"error":  err,
			}).Warn("failed to pre-create connection, will retry in maintenance")
			break
		}
		if !added {
			break
		}
	}

	p.mu.Lock()
	size := len(p.records)
	p.mu.Unlock()
	p.logger.WithFields(logrus.Fields{
		"driver":   p.driver.Name(),
		"size":     size,
		"min_size": p.cfg.MinConnections,
		"max_size": p.cfg.MaxConnections,
	}).Info("connection pool initialized")

	p.wg.Add(1)
	go p.maintenanceLoop()
	return nil
}

// Acquire returns a ready connection, creating one if the pool has
// headroom below its current ceiling. It fails with ErrPoolExhausted
// when the pool is full and every connection is checked out.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrPoolClosed
	}

	now := time.Now()
	expired := p.evictExpiredLocked(now)
	belowMin := len(p.records)+p.pending < p.cfg.MinConnections

	if rec := p.takeIdleLocked(now); rec != nil {
		conn := rec.conn
		p.mu.Unlock()
		p.finishEviction(expired, belowMin)
		return conn, nil
	}

	if len(p.records)+p.pending >= p.dynMax {
		p.acquireFailures++
		size := len(p.records)
		limit := p.dynMax
		p.mu.Unlock()
		p.finishEviction(expired, belowMin)
		p.logger.WithFields(logrus.Fields{
			"driver": p.driver.Name(),
			"size":   size,
			"limit":  limit,
		}).Warn("connection pool exhausted")
		return zero, fmt.Errorf("%w: %d of %d connections in use", ErrPoolExhausted, size, limit)
	}

	p.pending++
	p.mu.Unlock()
	p.finishEviction(expired, belowMin)

	conn, err := p.connect(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.acquireFailures++
		p.mu.Unlock()
		return zero, fmt.Errorf("%w: %w", ErrConnectionCreateFailed, err)
	}
	if p.closed {
		p.mu.Unlock()
		p.destroyConn(conn)
		return zero, ErrPoolClosed
	}
	now = time.Now()
	p.records = append(p.records, &record[T]{
		id:             uuid.New(),
		conn:           conn,
		createdAt:      now,
		lastAcquiredAt: now,
		inUse:          true,
		healthy:        true,
	})
	p.created++
	p.acquired++
	p.mu.Unlock()
	return conn, nil
}

// Release returns a connection to the pool. Unknown connections are
// closed through the driver rather than silently dropped; after pool
// shutdown they are assumed to have been force-closed already.
func (p *Pool[T]) Release(conn T) {
	p.mu.Lock()
	for _, rec := range p.records {
		if rec.conn == conn {
			if !rec.inUse {
				p.mu.Unlock()
				p.logger.WithFields(logrus.Fields{
					"driver":        p.driver.Name(),
					"connection_id": rec.id,
				}).Warn("duplicate release ignored")
				return
			}
			rec.inUse = false
			rec.lastReleasedAt = time.Now()
			p.released++
			p.mu.Unlock()
			return
		}
	}
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return
	}
	p.logger.WithField("driver", p.driver.Name()).
		Warn("released connection unknown to pool, closing it")
	p.destroyConn(conn)
}

// Resize moves the pool's dynamic capacity ceiling to target, clamped
// to the configured [MinConnections, MaxConnections] range. Raising the
// ceiling pre-warms idle connections up to the new target; lowering it
// never closes checked-out connections, the surplus drains through
// normal idle eviction.
func (p *Pool[T]) Resize(ctx context.Context, target int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	clamped := target
	if clamped < p.cfg.MinConnections {
		clamped = p.cfg.MinConnections
	}
	if clamped > p.cfg.MaxConnections {
		clamped = p.cfg.MaxConnections
	}
	prev := p.dynMax
	p.dynMax = clamped
	size := len(p.records) + p.pending
	p.mu.Unlock()

	if clamped != prev {
		p.logger.WithFields(logrus.Fields{
			"driver":    p.driver.Name(),
			"requested": target,
			"from":      prev,
			"to":        clamped,
		}).Info("pool capacity resized")
	}

	if clamped <= prev || size >= clamped {
		return nil
	}
	if err := p.fillTo(ctx, clamped); err != nil {
		return fmt.Errorf("pre-warming pool to %d: %w", clamped, err)
	}
	return nil
}

// Stats returns a snapshot of the pool's current state and counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse := 0
	for _, rec := range p.records {
		if rec.inUse {
			inUse++
		}
	}
	size := len(p.records)
	util := 0.0
	if size > 0 {
		util = float64(inUse) / float64(size)
	}
	return Stats{
		Size:               size,
		Available:          size - inUse,
		InUse:              inUse,
		Pending:            p.pending,
		MinSize:            p.cfg.MinConnections,
		MaxSize:            p.cfg.MaxConnections,
		DynamicMaxSize:     p.dynMax,
		Created:            p.created,
		Destroyed:          p.destroyed,
		Acquired:           p.acquired,
		Released:           p.released,
		AcquireFailures:    p.acquireFailures,
		HealthChecks:       p.healthChecks,
		FailedHealthChecks: p.failedHealthChecks,
		Utilization:        util,
	}
}

// Close drains the pool and closes every connection, including ones
// still checked out. Safe to call more than once.
func (p *Pool[T]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	recs := p.records
	p.records = nil
	p.destroyed += uint64(len(recs))
	started := p.started
	p.mu.Unlock()

	if started {
		close(p.stopCh)
		p.wg.Wait()
	}

	var firstErr error
	for _, rec := range recs {
		if rec.inUse {
			p.logger.WithFields(logrus.Fields{
				"driver":        p.driver.Name(),
				"connection_id": rec.id,
			}).Warn("force closing connection still in use")
		}
		if err := p.driver.Close(ctx, rec.conn); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			p.logger.WithFields(logrus.Fields{
				"driver": p.driver.Name(),
				"error":  err,
			}).Debug("error closing connection")
		}
	}

	p.logger.WithFields(logrus.Fields{
		"driver": p.driver.Name(),
		"closed": len(recs),
	}).Info("connection pool closed")
	return firstErr
}

// connect establishes one connection through the guard, bounded by the
// configured connect timeout.
func (p *Pool[T]) connect(ctx context.Context) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	if p.guard == nil {
		return p.driver.Connect(ctx)
	}
	var conn T
	err := p.guard.Call(ctx, func(ctx context.Context) error {
		var err error
		conn, err = p.driver.Connect(ctx)
		return err
	})
	return conn, err
}

// addIdle creates one idle connection if the pool is below limit and
// below its dynamic ceiling. It returns false when no connection was
// needed.
func (p *Pool[T]) addIdle(ctx context.Context, limit int) (bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, ErrPoolClosed
	}
	if limit > p.dynMax {
		limit = p.dynMax
	}
	if len(p.records)+p.pending >= limit {
		p.mu.Unlock()
		return false, nil
	}
	p.pending++
	p.mu.Unlock()

	conn, err := p.connect(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		return false, fmt.Errorf("%w: %w", ErrConnectionCreateFailed, err)
	}
	if p.closed {
		p.mu.Unlock()
		p.destroyConn(conn)
		return false, ErrPoolClosed
	}
	now := time.Now()
	p.records = append(p.records, &record[T]{
		id:             uuid.New(),
		conn:           conn,
		createdAt:      now,
		lastReleasedAt: now,
		healthy:        true,
	})
	p.created++
	p.mu.Unlock()
	return true, nil
}

// fillTo creates idle connections until the pool holds limit
// connections, stopping early on the first driver failure.
func (p *Pool[T]) fillTo(ctx context.Context, limit int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		added, err := p.addIdle(ctx, limit)
		if err != nil {
			return err
		}
		if !added {
			return nil
		}
	}
}

// takeIdleLocked hands out the first idle healthy connection, if any.
func (p *Pool[T]) takeIdleLocked(now time.Time) *record[T] {
	for _, rec := range p.records {
		if !rec.inUse && rec.healthy {
			rec.inUse = true
			rec.lastAcquiredAt = now
			p.acquired++
			return rec
		}
	}
	return nil
}

// evictExpiredLocked removes idle connections that are unhealthy, have
// been idle past IdleTimeout, or have outlived MaxLifetime. In-use
// connections are never touched. The removed connections are returned
// for the caller to close outside the lock.
func (p *Pool[T]) evictExpiredLocked(now time.Time) []T {
	var victims []T
	kept := p.records[:0]
	for _, rec := range p.records {
		if rec.inUse {
			kept = append(kept, rec)
			continue
		}
		if reason := p.evictReason(rec, now); reason != "" {
			victims = append(victims, rec.conn)
			p.destroyed++
			p.logger.WithFields(logrus.Fields{
				"driver":        p.driver.Name(),
				"connection_id": rec.id,
				"reason":        reason,
			}).Debug("evicting connection")
			continue
		}
		kept = append(kept, rec)
	}
	p.records = kept
	return victims
}

func (p *Pool[T]) evictReason(rec *record[T], now time.Time) string {
	if !rec.healthy {
		return "unhealthy"
	}
	if p.cfg.MaxLifetime > 0 && now.Sub(rec.createdAt) >= p.cfg.MaxLifetime {
		return "max_lifetime"
	}
	if p.cfg.IdleTimeout > 0 {
		idleSince := rec.lastReleasedAt
		if idleSince.IsZero() {
			idleSince = rec.createdAt
		}
		if now.Sub(idleSince) >= p.cfg.IdleTimeout {
			return "idle_timeout"
		}
	}
	return ""
}

// finishEviction closes evicted connections and kicks an asynchronous
// replenish when the pool dropped below its minimum. Runs without the
// pool lock.
func (p *Pool[T]) finishEviction(victims []T, replenish bool) {
	if len(victims) > 0 {
		go p.destroyAll(victims)
	}
	if replenish {
		p.maybeReplenish()
	}
}

// maybeReplenish starts a single background fill toward the minimum
// size. Additional calls while one is running are no-ops.
func (p *Pool[T]) maybeReplenish() {
	p.mu.Lock()
	if p.closed || p.replenishing ||
		len(p.records)+p.pending >= p.cfg.MinConnections {
		p.mu.Unlock()
		return
	}
	p.replenishing = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.replenishing = false
			p.mu.Unlock()
		}()
		err := p.fillTo(context.Background(), p.cfg.MinConnections)
		if err != nil && !errors.Is(err, ErrPoolClosed) {
			p.logger.WithFields(logrus.Fields{
				"driver": p.driver.Name(),
				"error":  err,
			}).Warn("failed to replenish pool to minimum size")
		}
	}()
}

func (p *Pool[T]) maintenanceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.maintain(context.Background())
		case <-p.stopCh:
			return
		}
	}
}

// maintain runs one maintenance pass: evict expired connections, probe
// idle connections, and top the pool back up to its minimum size.
func (p *Pool[T]) maintain(ctx context.Context) {
	p.mu.Lock()
	victims := p.evictExpiredLocked(time.Now())
	p.mu.Unlock()
	p.destroyAll(victims)

	p.probeIdle(ctx)

	err := p.fillTo(ctx, p.cfg.MinConnections)
	if err != nil && !errors.Is(err, ErrPoolClosed) {
		p.logger.WithFields(logrus.Fields{
			"driver": p.driver.Name(),
			"error":  err,
		}).Warn("failed to replenish pool to minimum size")
	}
}

type probeTarget[T comparable] struct {
	id   uuid.UUID
	conn T
}

// probeIdle pings every idle connection, bounded by
// MaxConcurrentProbes, and evicts the ones that fail.
func (p *Pool[T]) probeIdle(ctx context.Context) {
	p.mu.Lock()
	targets := make([]probeTarget[T], 0, len(p.records))
	for _, rec := range p.records {
		if !rec.inUse {
			targets = append(targets, probeTarget[T]{id: rec.id, conn: rec.conn})
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		if err := p.probeSem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(t probeTarget[T]) {
			defer wg.Done()
			defer p.probeSem.Release(1)
			p.applyProbeResult(t.id, p.probe(ctx, t.conn))
		}(t)
	}
	wg.Wait()
}

func (p *Pool[T]) probe(ctx context.Context, conn T) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	var err error
	if p.guard == nil {
		err = p.driver.Ping(ctx, conn)
	} else {
		err = p.guard.Call(ctx, func(ctx context.Context) error {
			return p.driver.Ping(ctx, conn)
		})
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}
	return nil
}

// applyProbeResult updates counters and evicts the probed connection on
// failure. A connection acquired while its probe was in flight is left
// to the borrower; it is only marked so the next idle pass evicts it.
func (p *Pool[T]) applyProbeResult(id uuid.UUID, probeErr error) {
	p.mu.Lock()
	p.healthChecks++
	if probeErr != nil {
		p.failedHealthChecks++
	}

	var rec *record[T]
	idx := -1
	for i, r := range p.records {
		if r.id == id {
			rec, idx = r, i
			break
		}
	}
	if rec == nil {
		p.mu.Unlock()
		return
	}
	if probeErr == nil {
		rec.healthy = true
		p.mu.Unlock()
		return
	}
	rec.healthy = false
	if rec.inUse {
		p.mu.Unlock()
		return
	}
	p.records = append(p.records[:idx], p.records[idx+1:]...)
	p.destroyed++
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"driver":        p.driver.Name(),
		"connection_id": id,
		"error":         probeErr,
	}).Warn("evicting unhealthy connection")
	p.destroyConn(rec.conn)
}

// destroyAll closes a batch of evicted connections.
func (p *Pool[T]) destroyAll(conns []T) {
	for _, conn := range conns {
		p.destroyConn(conn)
	}
}

func (p *Pool[T]) destroyConn(conn T) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := p.driver.Close(ctx, conn); err != nil {
		p.logger.WithFields(logrus.Fields{
			"driver": p.driver.Name(),
			"error":  err,
		}).Debug("error closing connection")
	}
}
