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

// Package event fans control-plane events out to NATS, Kafka, and
// webhook targets: scaling decisions, health alerts, and breaker
// transitions, serialized as JSON.
package event

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/versity/poolwarden/breaker"
	"github.com/versity/poolwarden/monitor"
	"github.com/versity/poolwarden/scaling"
)

// Type enumerates event kinds.
type Type string

const (
	TypeScalingDecision   Type = "scaling_decision"
	TypeHealthAlert       Type = "health_alert"
	TypeBreakerTransition Type = "breaker_transition"
)

// Event is the wire payload delivered to every target.
type Event struct {
	ID        string      `json:"id"`
	Type      Type        `json:"type"`
	Service   string      `json:"service"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// BreakerTransition is the payload of a TypeBreakerTransition event.
type BreakerTransition struct {
	Name string `json:"name"`
	From string `json:"from"`
	To   string `json:"to"`
}

// NewDecisionEvent wraps a scaling decision.
func NewDecisionEvent(service string, d scaling.Decision) Event {
	return newEvent(service, TypeScalingDecision, d)
}

// NewAlertEvent wraps a health alert.
func NewAlertEvent(service string, a monitor.Alert) Event {
	return newEvent(service, TypeHealthAlert, a)
}

// NewBreakerEvent wraps a breaker state change.
func NewBreakerEvent(service, name string, from, to breaker.State) Event {
	return newEvent(service, TypeBreakerTransition, BreakerTransition{
		Name: name,
		From: from.String(),
		To:   to.String(),
	})
}

func newEvent(service string, typ Type, payload interface{}) Event {
	return Event{
		ID:        ulid.Make().String(),
		Type:      typ,
		Service:   service,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
