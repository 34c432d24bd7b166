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

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/versity/poolwarden/automation"
	"github.com/versity/poolwarden/breaker"
	"github.com/versity/poolwarden/config"
	"github.com/versity/poolwarden/event"
	"github.com/versity/poolwarden/metrics"
	"github.com/versity/poolwarden/monitor"
	"github.com/versity/poolwarden/pool"
	"github.com/versity/poolwarden/scaling"
	"github.com/versity/poolwarden/statusapi"
)

const shutdownGrace = 30 * time.Second

// runControlPlane wires the pool, breaker, monitor, scaling engine,
// scheduler, metrics, event bus, and status API around the supplied
// driver and runs them until ctx is canceled. probe may be nil for
// backends without an activity view.
func runControlPlane[T comparable](ctx context.Context, cfg *config.Config,
	logger *logrus.Logger, drv pool.Driver[T], probe monitor.Probe) error {
	breakers, err := breaker.NewRegistry(&cfg.Breaker, logger)
	if err != nil {
		return err
	}

	p, err := pool.New(&cfg.Pool, drv, logger)
	if err != nil {
		return err
	}
	p.SetGuard(breakers.Get(drv.Name()))

	mon, err := monitor.New(&cfg.Monitor, p, probe, logger)
	if err != nil {
		return err
	}

	engine, err := scaling.NewEngine(&cfg.Scaling, p, logger)
	if err != nil {
		return err
	}

	sched, err := automation.NewScheduler(&cfg.Automation, p, mon, engine, logger)
	if err != nil {
		return err
	}

	mm, err := metrics.NewManager(&cfg.Metrics, p, breakers, logger)
	if err != nil {
		return err
	}

	bus, err := event.FromConfig(&cfg.Events, logger)
	if err != nil {
		return err
	}

	api, err := statusapi.NewServer(&cfg.StatusAPI, p, mon, engine, breakers, sched, logger)
	if err != nil {
		return err
	}

	service := cfg.Service
	engine.SetDecisionCallback(func(d scaling.Decision) {
		bus.Publish(event.NewDecisionEvent(service, d))
		mm.RecordDecision(d)
	})
	mon.SetAlertCallback(func(a monitor.Alert) {
		bus.Publish(event.NewAlertEvent(service, a))
		mm.RecordAlert(a)
	})
	breakers.OnStateChange(func(name string, from, to breaker.State) {
		bus.Publish(event.NewBreakerEvent(service, name, from, to))
		mm.RecordBreakerTransition(name, from, to)
	})

	if err := p.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize pool: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"service":         service,
		"driver":          drv.Name(),
		"min_connections": cfg.Pool.MinConnections,
		"max_connections": cfg.Pool.MaxConnections,
	}).Info("control plane started")

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(runCtx) })
	g.Go(func() error { return engine.Run(runCtx) })
	g.Go(func() error { return sched.Run(runCtx) })
	g.Go(func() error { return mm.Run(runCtx) })
	g.Go(func() error { return bus.Run(runCtx) })
	g.Go(func() error { return api.Run(runCtx) })

	err = g.Wait()

	// Loops are stopped. Flush outbound sinks before tearing down the
	// pool so final events and gauges still go out.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if cerr := bus.Close(); cerr != nil {
		logger.WithError(cerr).Warn("event bus close failed")
	}
	if cerr := mm.Close(); cerr != nil {
		logger.WithError(cerr).Warn("metrics close failed")
	}
	if cerr := p.Close(shutdownCtx); cerr != nil {
		logger.WithError(cerr).Warn("pool close failed")
	}

	logger.Info("control plane stopped")
	return err
}
