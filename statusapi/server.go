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

// Package statusapi serves the control plane's read-only JSON status
// endpoints.
package statusapi

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/versity/poolwarden/automation"
	"github.com/versity/poolwarden/breaker"
	"github.com/versity/poolwarden/monitor"
	"github.com/versity/poolwarden/pool"
	"github.com/versity/poolwarden/scaling"
)

const shutdownTimeout = 5 * time.Second

// Config holds status API settings. An empty Address disables the
// server.
type Config struct {
	Address      string        `json:"address" yaml:"address"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	// JWTSecret enables HS256 bearer authentication on the /status
	// routes when non-empty. /health stays open for load balancer
	// probes.
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
}

// DefaultConfig returns a disabled status API.
func DefaultConfig() *Config {
	return &Config{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Validate reports an unusable configuration.
func (c *Config) Validate() error {
	if c.Address == "" {
		return nil
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive, got %s", c.ReadTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %s", c.WriteTimeout)
	}
	return nil
}

// PoolSource provides pool statistics.
type PoolSource interface {
	Stats() pool.Stats
}

// MonitorSource provides health snapshots and alert history.
type MonitorSource interface {
	Latest() *monitor.Snapshot
	AlertHistory() []monitor.Alert
}

// ScalingSource provides scaling status and decision history.
type ScalingSource interface {
	Status() scaling.Status
	History(n int) []scaling.Decision
}

// BreakerSource provides per-breaker statistics.
type BreakerSource interface {
	Stats() map[string]breaker.Stats
}

// SchedulerSource provides automation loop status and reports.
type SchedulerSource interface {
	Status() automation.Status
	Report() automation.Report
}

// Server exposes control plane state over HTTP. All routes are
// read-only; a missing source answers 503 so partial deployments stay
// inspectable.
type Server struct {
	cfg      Config
	pools    PoolSource
	monitor  MonitorSource
	scaler   ScalingSource
	breakers BreakerSource
	sched    SchedulerSource
	logger   *logrus.Logger
	app      *fiber.App
}

// NewServer creates a status server. Any source may be nil; its
// routes then answer 503.
func NewServer(cfg *Config, pools PoolSource, mon MonitorSource, scaler ScalingSource,
	breakers BreakerSource, sched SchedulerSource, logger *logrus.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}

	s := &Server{
		cfg:      *cfg,
		pools:    pools,
		monitor:  mon,
		scaler:   scaler,
		breakers: breakers,
		sched:    sched,
		logger:   logger,
	}

	app := fiber.New(fiber.Config{
		AppName:               "poolwarden status",
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	app.Use(recover.New())

	app.Get("/health", s.handleHealth)

	status := app.Group("/status")
	if cfg.JWTSecret != "" {
		status.Use(s.authMiddleware())
	}
	status.Get("/pool", s.handlePool)
	status.Get("/scaling", s.handleScaling)
	status.Get("/scaling/history", s.handleScalingHistory)
	status.Get("/alerts", s.handleAlerts)
	status.Get("/breakers", s.handleBreakers)
	status.Get("/scheduler", s.handleScheduler)

	s.app = app
	return s, nil
}

// Enabled reports whether an address is configured.
func (s *Server) Enabled() bool { return s.cfg.Address != "" }

// Run serves until ctx is canceled, then shuts down gracefully. A
// disabled server just waits for cancellation.
func (s *Server) Run(ctx context.Context) error {
	if !s.Enabled() {
		<-ctx.Done()
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(s.cfg.Address)
	}()
	s.logger.WithFields(logrus.Fields{
		"address":       s.cfg.Address,
		"authenticated": s.cfg.JWTSecret != "",
	}).Info("status api listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("status api listen: %w", err)
	case <-ctx.Done():
	}

	if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return fmt.Errorf("status api shutdown: %w", err)
	}
	s.logger.Info("status api stopped")
	return nil
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	if s.monitor == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "monitor not configured")
	}
	snap := s.monitor.Latest()
	if snap == nil {
		// Up but no check has completed yet. Not a probe failure.
		return c.JSON(fiber.Map{"status": "starting"})
	}
	code := fiber.StatusOK
	if snap.Overall == monitor.SeverityCritical {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(snap)
}

func (s *Server) handlePool(c *fiber.Ctx) error {
	if s.pools == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "pool not configured")
	}
	return c.JSON(s.pools.Stats())
}

func (s *Server) handleScaling(c *fiber.Ctx) error {
	if s.scaler == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "scaling not configured")
	}
	return c.JSON(s.scaler.Status())
}

func (s *Server) handleScalingHistory(c *fiber.Ctx) error {
	if s.scaler == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "scaling not configured")
	}
	limit := c.QueryInt("limit", 0)
	return c.JSON(fiber.Map{"decisions": s.scaler.History(limit)})
}

func (s *Server) handleAlerts(c *fiber.Ctx) error {
	if s.monitor == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "monitor not configured")
	}
	return c.JSON(fiber.Map{"alerts": s.monitor.AlertHistory()})
}

func (s *Server) handleBreakers(c *fiber.Ctx) error {
	if s.breakers == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "breakers not configured")
	}
	return c.JSON(s.breakers.Stats())
}

func (s *Server) handleScheduler(c *fiber.Ctx) error {
	if s.sched == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "scheduler not configured")
	}
	return c.JSON(fiber.Map{
		"loops":  s.sched.Status(),
		"report": s.sched.Report(),
	})
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error":     err.Error(),
		"timestamp": time.Now(),
	})
}
