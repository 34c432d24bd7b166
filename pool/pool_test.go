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

package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id int
}

type fakeDriver struct {
	mu         sync.Mutex
	nextID     int
	connects   int
	connectErr error
	failPing   map[int]bool
	closes     map[int]int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		failPing: make(map[int]bool),
		closes:   make(map[int]int),
	}
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Connect(ctx context.Context) (*fakeConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	c := &fakeConn{id: d.nextID}
	d.nextID++
	d.connects++
	return c, nil
}

func (d *fakeDriver) Ping(ctx context.Context, conn *fakeConn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failPing[conn.id] {
		return fmt.Errorf("ping failed for conn %d", conn.id)
	}
	return nil
}

func (d *fakeDriver) Close(ctx context.Context, conn *fakeConn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes[conn.id]++
	return nil
}

func (d *fakeDriver) setConnectErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
}

func (d *fakeDriver) setPingFail(id int, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failPing[id] = fail
}

func (d *fakeDriver) closeCount(id int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes[id]
}

func (d *fakeDriver) connectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

func testConfig(minConns, maxConns int) *Config {
	return &Config{
		MinConnections:      minConns,
		MaxConnections:      maxConns,
		ConnectTimeout:      time.Second,
		ProbeTimeout:        time.Second,
		IdleTimeout:         30 * time.Minute,
		MaxLifetime:         time.Hour,
		HealthCheckInterval: time.Hour,
		MaxConcurrentProbes: 2,
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestPool(t *testing.T, cfg *Config) (*Pool[*fakeConn], *fakeDriver) {
	t.Helper()
	driver := newFakeDriver()
	p, err := New[*fakeConn](cfg, driver, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.Close(context.Background())
	})
	return p, driver
}

// backdateReleased shifts every idle timestamp into the past so idle
// eviction rules fire on the next maintenance pass.
func backdateReleased(p *Pool[*fakeConn], by time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.records {
		rec.lastReleasedAt = rec.lastReleasedAt.Add(-by)
	}
}

func backdateCreated(p *Pool[*fakeConn], by time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.records {
		rec.createdAt = rec.createdAt.Add(-by)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	driver := newFakeDriver()

	_, err := New[*fakeConn](nil, nil, testLogger())
	assert.Error(t, err)

	bad := testConfig(10, 5)
	_, err = New[*fakeConn](bad, driver, testLogger())
	assert.Error(t, err)

	_, err = New[*fakeConn](testConfig(0, 5), driver, testLogger())
	assert.NoError(t, err)
}

func TestInitializeCreatesMinimum(t *testing.T) {
	p, driver := newTestPool(t, testConfig(3, 10))

	require.NoError(t, p.Initialize(context.Background()))

	st := p.Stats()
	assert.Equal(t, 3, st.Size)
	assert.Equal(t, 3, st.Available)
	assert.Equal(t, 0, st.InUse)
	assert.Equal(t, uint64(3), st.Created)
	assert.Equal(t, 3, driver.connectCount())

	assert.Error(t, p.Initialize(context.Background()))
}

func TestInitializeSurvivesConnectFailure(t *testing.T) {
	p, driver := newTestPool(t, testConfig(3, 10))
	driver.setConnectErr(errors.New("backend down"))

	require.NoError(t, p.Initialize(context.Background()))
	assert.Equal(t, 0, p.Stats().Size)

	// backend recovers, maintenance brings the pool back to minimum
	driver.setConnectErr(nil)
	p.maintain(context.Background())
	assert.Equal(t, 3, p.Stats().Size)
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	p, driver := newTestPool(t, testConfig(0, 5))
	require.NoError(t, p.Initialize(context.Background()))

	ctx := context.Background()
	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(conn)

	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.Equal(t, 1, driver.connectCount())

	st := p.Stats()
	assert.Equal(t, uint64(2), st.Acquired)
	assert.Equal(t, uint64(1), st.Released)
}

func TestAcquireGrowsUntilExhausted(t *testing.T) {
	p, _ := newTestPool(t, testConfig(0, 2))
	require.NoError(t, p.Initialize(context.Background()))

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)

	st := p.Stats()
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, 2, st.InUse)
	assert.Equal(t, uint64(1), st.AcquireFailures)

	// releasing one connection makes room again
	p.Release(c1)
	c3, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, c1, c3)
}

func TestAcquireConnectFailure(t *testing.T) {
	p, driver := newTestPool(t, testConfig(0, 2))
	require.NoError(t, p.Initialize(context.Background()))
	driver.setConnectErr(errors.New("dial refused"))

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrConnectionCreateFailed)
	assert.Equal(t, uint64(1), p.Stats().AcquireFailures)
	assert.Equal(t, 0, p.Stats().Size)
}

func TestReleaseBookkeeping(t *testing.T) {
	p, _ := newTestPool(t, testConfig(0, 4))
	require.NoError(t, p.Initialize(context.Background()))

	ctx := context.Background()
	conn, err := p.Acquire(ctx)
	require.NoError(t, err)

	st := p.Stats()
	assert.Equal(t, 1, st.InUse)
	assert.Equal(t, 0, st.Available)

	p.Release(conn)
	st = p.Stats()
	assert.Equal(t, 0, st.InUse)
	assert.Equal(t, 1, st.Available)

	// duplicate release must not double-count
	p.Release(conn)
	assert.Equal(t, uint64(1), p.Stats().Released)
}

func TestReleaseUnknownConnectionCloses(t *testing.T) {
	p, driver := newTestPool(t, testConfig(0, 4))
	require.NoError(t, p.Initialize(context.Background()))

	stray := &fakeConn{id: 999}
	p.Release(stray)
	assert.Equal(t, 1, driver.closeCount(999))
	assert.Equal(t, uint64(0), p.Stats().Released)
}

func TestEvictIdleConnections(t *testing.T) {
	p, driver := newTestPool(t, testConfig(0, 5))
	require.NoError(t, p.Initialize(context.Background()))

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(c1)
	p.Release(c2)

	backdateReleased(p, time.Hour)
	p.maintain(ctx)

	st := p.Stats()
	assert.Equal(t, 0, st.Size)
	assert.Equal(t, uint64(2), st.Destroyed)
	assert.Equal(t, 1, driver.closeCount(c1.id))
	assert.Equal(t, 1, driver.closeCount(c2.id))
}

func TestMaxLifetimeEviction(t *testing.T) {
	p, _ := newTestPool(t, testConfig(0, 5))
	require.NoError(t, p.Initialize(context.Background()))

	ctx := context.Background()
	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(conn)

	backdateCreated(p, 2*time.Hour)
	p.maintain(ctx)
	assert.Equal(t, 0, p.Stats().Size)
}

func TestNeverEvictInUseConnections(t *testing.T) {
	p, driver := newTestPool(t, testConfig(0, 5))
	require.NoError(t, p.Initialize(context.Background()))

	ctx := context.Background()
	conn, err := p.Acquire(ctx)
	require.NoError(t, err)

	// expired by every rule, but checked out
	backdateCreated(p, 3*time.Hour)
	backdateReleased(p, 3*time.Hour)
	p.maintain(ctx)

	st := p.Stats()
	assert.Equal(t, 1, st.Size)
	assert.Equal(t, 1, st.InUse)
	assert.Equal(t, 0, driver.closeCount(conn.id))

	// once released it drains on the next pass
	p.Release(conn)
	backdateReleased(p, 3*time.Hour)
	p.maintain(ctx)
	assert.Equal(t, 0, p.Stats().Size)
	assert.Equal(t, 1, driver.closeCount(conn.id))
}

func TestProbeEvictsUnhealthy(t *testing.T) {
	p, driver := newTestPool(t, testConfig(2, 5))
	require.NoError(t, p.Initialize(context.Background()))

	driver.setPingFail(0, true)
	p.maintain(context.Background())

	st := p.Stats()
	assert.Equal(t, 2, st.Size, "unhealthy connection should be replaced")
	assert.Equal(t, uint64(1), st.FailedHealthChecks)
	assert.GreaterOrEqual(t, st.HealthChecks, uint64(2))
	assert.Equal(t, 1, driver.closeCount(0))
}

func TestResizePrewarmsAndClamps(t *testing.T) {
	p, _ := newTestPool(t, testConfig(1, 10))
	require.NoError(t, p.Initialize(context.Background()))
	ctx := context.Background()

	require.NoError(t, p.Resize(ctx, 5))
	st := p.Stats()
	assert.Equal(t, 5, st.Size)
	assert.Equal(t, 5, st.DynamicMaxSize)

	// above max clamps to max
	require.NoError(t, p.Resize(ctx, 100))
	st = p.Stats()
	assert.Equal(t, 10, st.DynamicMaxSize)
	assert.Equal(t, 10, st.Size)

	// below min clamps to min; existing connections are not closed
	require.NoError(t, p.Resize(ctx, 0))
	st = p.Stats()
	assert.Equal(t, 1, st.DynamicMaxSize)
	assert.Equal(t, 10, st.Size)

	// the surplus drains through idle eviction down to the minimum
	backdateReleased(p, time.Hour)
	p.maintain(ctx)
	assert.Equal(t, 1, p.Stats().Size)
}

func TestResizeBlocksGrowthWhenLowered(t *testing.T) {
	p, _ := newTestPool(t, testConfig(0, 10))
	require.NoError(t, p.Initialize(context.Background()))
	ctx := context.Background()

	require.NoError(t, p.Resize(ctx, 2))
	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)

	p.Release(c1)
	p.Release(c2)
}

func TestCloseDestroysEverythingOnce(t *testing.T) {
	p, driver := newTestPool(t, testConfig(0, 4))
	require.NoError(t, p.Initialize(context.Background()))
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)
	idle, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(idle)

	require.NoError(t, p.Close(ctx))
	assert.Equal(t, 1, driver.closeCount(held.id))
	assert.Equal(t, 1, driver.closeCount(idle.id))

	// a late release of a force-closed connection must not close twice
	p.Release(held)
	assert.Equal(t, 1, driver.closeCount(held.id))

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.NoError(t, p.Close(ctx))

	st := p.Stats()
	assert.Equal(t, st.Created, st.Destroyed)
}

func TestUtilizationEmptyPool(t *testing.T) {
	p, _ := newTestPool(t, testConfig(0, 4))
	require.NoError(t, p.Initialize(context.Background()))

	st := p.Stats()
	assert.Equal(t, 0, st.Size)
	assert.Equal(t, 0.0, st.Utilization)
}

func TestAcquireUsesGuard(t *testing.T) {
	driver := newFakeDriver()
	p, err := New[*fakeConn](testConfig(0, 2), driver, testLogger())
	require.NoError(t, err)
	guard := &fakeGuard{err: errors.New("circuit open")}
	p.SetGuard(guard)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrConnectionCreateFailed)
	assert.Equal(t, 1, guard.callCount())
	assert.Equal(t, 0, driver.connectCount())

	guard.setErr(nil)
	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, conn)
	assert.Equal(t, 1, driver.connectCount())
}

func TestConcurrentAcquireRelease(t *testing.T) {
	p, _ := newTestPool(t, testConfig(2, 8))
	require.NoError(t, p.Initialize(context.Background()))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				conn, err := p.Acquire(ctx)
				if err != nil {
					if !errors.Is(err, ErrPoolExhausted) {
						t.Errorf("unexpected acquire error: %v", err)
					}
					continue
				}
				p.Release(conn)
			}
		}()
	}
	wg.Wait()

	st := p.Stats()
	assert.Equal(t, st.Size, st.Available+st.InUse)
	assert.LessOrEqual(t, st.Size, 8)
	assert.Equal(t, st.Created-st.Destroyed, uint64(st.Size))
	assert.Equal(t, 0, st.InUse)
}

type fakeGuard struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (g *fakeGuard) Call(ctx context.Context, fn func(context.Context) error) error {
	g.mu.Lock()
	g.calls++
	err := g.err
	g.mu.Unlock()
	if err != nil {
		return err
	}
	return fn(ctx)
}

func (g *fakeGuard) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGuard) setErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}
