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

package event

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config selects event targets. Empty endpoints disable the bus.
type Config struct {
	// QueueSize bounds the publish queue; overflow drops the oldest
	// event.
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// SendTimeout bounds each delivery attempt per target.
	SendTimeout time.Duration `json:"send_timeout" yaml:"send_timeout"`

	NATSURL     string `json:"nats_url" yaml:"nats_url"`
	NATSSubject string `json:"nats_subject" yaml:"nats_subject"`

	// KafkaBrokers is a comma separated broker list.
	KafkaBrokers string `json:"kafka_brokers" yaml:"kafka_brokers"`
	KafkaTopic   string `json:"kafka_topic" yaml:"kafka_topic"`

	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// DefaultConfig returns bus defaults with no targets.
func DefaultConfig() *Config {
	return &Config{
		QueueSize:   256,
		SendTimeout: 5 * time.Second,
		NATSSubject: "poolwarden.events",
		KafkaTopic:  "poolwarden-events",
	}
}

// Validate reports invalid bus settings.
func (c *Config) Validate() error {
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("send_timeout must be positive, got %s", c.SendTimeout)
	}
	if c.KafkaBrokers != "" && c.KafkaTopic == "" {
		return fmt.Errorf("kafka_topic is required with kafka_brokers")
	}
	if c.NATSURL != "" && c.NATSSubject == "" {
		return fmt.Errorf("nats_subject is required with nats_url")
	}
	return nil
}

// Target delivers a serialized event to one destination.
type Target interface {
	Name() string
	Send(ctx context.Context, ev Event) error
	Close() error
}

// BusStats counts bus activity.
type BusStats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Delivered int64 `json:"delivered"`
	Failures  int64 `json:"failures"`
}

// Bus queues events and delivers them to all targets from a single
// worker, so slow targets never block the component callbacks that
// publish.
type Bus struct {
	cfg     Config
	targets []Target
	logger  *logrus.Logger
	queue   chan Event

	mu    sync.Mutex
	stats BusStats
}

// NewBus creates a bus over the given targets. A nil config uses
// DefaultConfig.
func NewBus(cfg *Config, targets []Target, logger *logrus.Logger) (*Bus, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event config: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{
		cfg:     *cfg,
		targets: targets,
		logger:  logger,
		queue:   make(chan Event, cfg.QueueSize),
	}, nil
}

// FromConfig builds the targets cfg describes and wraps them in a bus.
func FromConfig(cfg *Config, logger *logrus.Logger) (*Bus, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var targets []Target
	closeAll := func() {
		for _, t := range targets {
			t.Close()
		}
	}

	if cfg.NATSURL != "" {
		t, err := NewNATSTarget(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			closeAll()
			return nil, err
		}
		targets = append(targets, t)
		logger.WithFields(logrus.Fields{
			"url":     cfg.NATSURL,
			"subject": cfg.NATSSubject,
		}).Info("nats event target enabled")
	}
	if cfg.KafkaBrokers != "" {
		targets = append(targets, NewKafkaTarget(splitList(cfg.KafkaBrokers), cfg.KafkaTopic))
		logger.WithFields(logrus.Fields{
			"brokers": cfg.KafkaBrokers,
			"topic":   cfg.KafkaTopic,
		}).Info("kafka event target enabled")
	}
	if cfg.WebhookURL != "" {
		targets = append(targets, NewWebhookTarget(cfg.WebhookURL))
		logger.WithField("url", cfg.WebhookURL).Info("webhook event target enabled")
	}

	bus, err := NewBus(cfg, targets, logger)
	if err != nil {
		closeAll()
		return nil, err
	}
	return bus, nil
}

// Enabled reports whether any target is configured.
func (b *Bus) Enabled() bool {
	return len(b.targets) > 0
}

// Publish enqueues an event without blocking. When the queue is full
// the oldest queued event is dropped to make room.
func (b *Bus) Publish(ev Event) {
	if !b.Enabled() {
		return
	}
	for {
		select {
		case b.queue <- ev:
			b.mu.Lock()
			b.stats.Published++
			b.mu.Unlock()
			return
		default:
		}
		select {
		case old := <-b.queue:
			b.mu.Lock()
			b.stats.Dropped++
			b.mu.Unlock()
			b.logger.WithFields(logrus.Fields{
				"event_id": old.ID,
				"type":     old.Type,
			}).Warn("event queue full, dropped oldest event")
		default:
		}
	}
}

// Run delivers queued events until the context is canceled.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.queue:
			b.deliver(ctx, ev)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, ev Event) {
	for _, t := range b.targets {
		sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
		err := t.Send(sendCtx, ev)
		cancel()
		if err != nil {
			b.mu.Lock()
			b.stats.Failures++
			b.mu.Unlock()
			b.logger.WithError(err).WithFields(logrus.Fields{
				"target":   t.Name(),
				"event_id": ev.ID,
				"type":     ev.Type,
			}).Error("event delivery failed")
			continue
		}
		b.mu.Lock()
		b.stats.Delivered++
		b.mu.Unlock()
	}
}

// Stats returns a copy of the bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Close closes all targets.
func (b *Bus) Close() error {
	var errs []error
	for _, t := range b.targets {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s target: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
