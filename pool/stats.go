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

// Stats is a point-in-time snapshot of pool state and lifetime
// counters. It is safe to retain; the pool copies everything out under
// its lock.
type Stats struct {
	Size           int `json:"size"`
	Available      int `json:"available"`
	InUse          int `json:"in_use"`
	Pending        int `json:"pending"`
	MinSize        int `json:"min_size"`
	MaxSize        int `json:"max_size"`
	DynamicMaxSize int `json:"dynamic_max_size"`

	Created            uint64 `json:"created"`
	Destroyed          uint64 `json:"destroyed"`
	Acquired           uint64 `json:"acquired"`
	Released           uint64 `json:"released"`
	AcquireFailures    uint64 `json:"acquire_failures"`
	HealthChecks       uint64 `json:"health_checks"`
	FailedHealthChecks uint64 `json:"failed_health_checks"`

	// Utilization is InUse / Size, reported as 0 for an empty pool.
	Utilization float64 `json:"utilization"`
}
