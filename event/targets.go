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
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/valyala/fasthttp"
)

// NATSTarget publishes events to a NATS subject.
type NATSTarget struct {
	conn    *nats.Conn
	subject string
}

// NewNATSTarget connects to the NATS server. The connection retries in
// the background, so a server outage at startup is not fatal.
func NewNATSTarget(url, subject string) (*NATSTarget, error) {
	conn, err := nats.Connect(url,
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSTarget{conn: conn, subject: subject}, nil
}

func (t *NATSTarget) Name() string { return "nats" }

func (t *NATSTarget) Send(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return t.conn.Publish(t.subject, data)
}

func (t *NATSTarget) Close() error {
	return t.conn.Drain()
}

// KafkaTarget publishes events to a Kafka topic.
type KafkaTarget struct {
	writer *kafka.Writer
}

// NewKafkaTarget builds a writer for the given brokers and topic.
func NewKafkaTarget(brokers []string, topic string) *KafkaTarget {
	return &KafkaTarget{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}}
}

func (t *KafkaTarget) Name() string { return "kafka" }

func (t *KafkaTarget) Send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Keyed by type so consumers get per-kind ordering.
	return t.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Type),
		Value: data,
	})
}

func (t *KafkaTarget) Close() error {
	return t.writer.Close()
}

// WebhookTarget POSTs events as JSON to an HTTP endpoint.
type WebhookTarget struct {
	url    string
	client *fasthttp.Client
}

// NewWebhookTarget builds a webhook target for the given URL.
func NewWebhookTarget(url string) *WebhookTarget {
	return &WebhookTarget{
		url:    url,
		client: &fasthttp.Client{},
	}
}

func (t *WebhookTarget) Name() string { return "webhook" }

func (t *WebhookTarget) Send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(t.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(data)

	if deadline, ok := ctx.Deadline(); ok {
		err = t.client.DoDeadline(req, resp, deadline)
	} else {
		err = t.client.Do(req, resp)
	}
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return fmt.Errorf("webhook returned status %d", code)
	}
	return nil
}

func (t *WebhookTarget) Close() error { return nil }
