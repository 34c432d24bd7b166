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

package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

const (
	longRunningSQL = `SELECT count(*) FROM pg_stat_activity
		WHERE state = 'active' AND now() - query_start > make_interval(secs => $1)`
	blockedSQL = `SELECT count(*) FROM pg_stat_activity
		WHERE wait_event_type = 'Lock'`
)

// Probe answers load monitor questions from pg_stat_activity. It holds
// one dedicated connection outside the pool so health checks keep
// working while the pool itself is saturated, and redials it lazily
// after failures. The monitor runs its checks sequentially, so the
// probe does not need to be safe for concurrent use beyond that.
type Probe struct {
	driver *Driver
	logger *logrus.Logger

	mu   sync.Mutex
	conn *pgx.Conn
}

// NewProbe creates a probe sharing the driver's target and credentials.
func NewProbe(d *Driver, logger *logrus.Logger) *Probe {
	if logger == nil {
		logger = logrus.New()
	}
	return &Probe{driver: d, logger: logger}
}

// LongRunning implements monitor.Probe.
func (p *Probe) LongRunning(ctx context.Context, olderThan time.Duration) (int, error) {
	return p.queryCount(ctx, longRunningSQL, olderThan.Seconds())
}

// Blocked implements monitor.Probe.
func (p *Probe) Blocked(ctx context.Context) (int, error) {
	return p.queryCount(ctx, blockedSQL)
}

func (p *Probe) queryCount(ctx context.Context, sql string, args ...interface{}) (int, error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		return 0, err
	}

	var count int
	if err := conn.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		p.invalidate()
		return 0, fmt.Errorf("query pg_stat_activity: %w", err)
	}
	return count, nil
}

func (p *Probe) acquire(ctx context.Context) (*pgx.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn, nil
	}

	conn, err := p.driver.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect probe: %w", err)
	}
	p.conn = conn
	return conn, nil
}

func (p *Probe) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.conn.Close(ctx); err != nil {
		p.logger.WithError(err).Debug("failed to close stale probe connection")
	}
	p.conn = nil
}

// Close releases the probe connection.
func (p *Probe) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close(ctx)
	p.conn = nil
	return err
}
