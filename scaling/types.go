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

package scaling

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is the kind of scaling decision the engine produced.
type Action int

const (
	// ActionNone leaves the pool alone.
	ActionNone Action = iota
	// ActionScaleUp grows the pool by one step.
	ActionScaleUp
	// ActionScaleDown shrinks the pool by one step.
	ActionScaleDown
	// ActionScaleUpCritical grows the pool by a double step and is
	// executed immediately, without sustained-load hysteresis.
	ActionScaleUpCritical
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionScaleUp:
		return "scale_up"
	case ActionScaleDown:
		return "scale_down"
	case ActionScaleUpCritical:
		return "scale_up_critical"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the action by name for the status API and event
// payloads.
func (a Action) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON parses the name form written by MarshalJSON.
func (a *Action) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "none":
		*a = ActionNone
	case "scale_up":
		*a = ActionScaleUp
	case "scale_down":
		*a = ActionScaleDown
	case "scale_up_critical":
		*a = ActionScaleUpCritical
	default:
		return fmt.Errorf("unknown scaling action %q", name)
	}
	return nil
}

// Sample is one utilization observation.
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	Utilization float64   `json:"utilization"`
	Active      int       `json:"active_connections"`
	Total       int       `json:"total_connections"`
	HourOfDay   int       `json:"hour_of_day"`
	DayOfWeek   int       `json:"day_of_week"`
}

// Decision records one scaling evaluation and its outcome.
type Decision struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Action          Action    `json:"action"`
	Reason          string    `json:"reason"`
	NewPoolSize     int       `json:"new_pool_size"`
	Confidence      float64   `json:"confidence"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Executed        bool      `json:"executed"`
	Error           string    `json:"error,omitempty"`
}

// PatternBucket aggregates samples sharing an (hour, weekday) slot.
type PatternBucket struct {
	HourOfDay int     `json:"hour_of_day"`
	DayOfWeek int     `json:"day_of_week"`
	Mean      float64 `json:"mean"`
	Peak      float64 `json:"peak"`
	StdDev    float64 `json:"std_dev"`
	Samples   int     `json:"samples"`
}

// PatternSummary is the output of one pattern analysis pass.
type PatternSummary struct {
	Buckets      []PatternBucket `json:"buckets"`
	BaselineLoad float64         `json:"baseline_load"`
	PeakWindows  []string        `json:"peak_windows,omitempty"`
	SampleCount  int             `json:"sample_count"`
	AnalyzedAt   time.Time       `json:"analyzed_at"`
}

// Status summarizes engine state for the status API.
type Status struct {
	Samples         int             `json:"samples"`
	LastDecision    *Decision       `json:"last_decision,omitempty"`
	RecentDecisions []Decision      `json:"recent_decisions,omitempty"`
	ScaleUpLevel    float64         `json:"scale_up_threshold"`
	ScaleDownLevel  float64         `json:"scale_down_threshold"`
	BaselineLoad    float64         `json:"baseline_load"`
	Patterns        *PatternSummary `json:"patterns,omitempty"`
}
