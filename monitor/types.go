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

package monitor

import (
	"encoding/json"
	"fmt"
	"time"
)

// Severity classifies a health check result.
type Severity int

const (
	SeverityHealthy Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityHealthy:
		return "healthy"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the severity by name for the status API.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses the name form written by MarshalJSON.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "healthy":
		*s = SeverityHealthy
	case "warning":
		*s = SeverityWarning
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", name)
	}
	return nil
}

// Check names used in snapshots and alerts.
const (
	CheckUtilization = "utilization"
	CheckLongRunning = "long_running"
	CheckSizeTrend   = "size_trend"
	CheckBlocked     = "blocked"
	CheckDescriptors = "descriptors"
)

// CheckResult is the outcome of a single health sub-check.
type CheckResult struct {
	Name      string    `json:"name"`
	Status    Severity  `json:"status"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	CheckedAt time.Time `json:"checked_at"`
}

// Alert records a non-healthy check result.
type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Check     string    `json:"check"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is the aggregate result of one monitoring pass. Overall is
// the worst severity across all checks.
type Snapshot struct {
	Overall   Severity               `json:"overall"`
	Checks    map[string]CheckResult `json:"checks"`
	Alerts    []Alert                `json:"alerts"`
	Timestamp time.Time              `json:"timestamp"`
}
