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
	"fmt"
	"time"
)

// Config holds scaling thresholds and cadences. The up and down
// thresholds are starting points; pattern analysis may shift the
// effective values when the observed baseline load is high.
type Config struct {
	ScaleUpThreshold   float64 `json:"scale_up_threshold" yaml:"scale_up_threshold"`
	ScaleDownThreshold float64 `json:"scale_down_threshold" yaml:"scale_down_threshold"`
	CriticalThreshold  float64 `json:"critical_threshold" yaml:"critical_threshold"`
	ScaleStep          int     `json:"scale_step" yaml:"scale_step"`

	// Sustained-load windows: how many trailing samples must agree
	// before a non-critical decision fires.
	SustainedUpWindow   int `json:"sustained_up_window" yaml:"sustained_up_window"`
	SustainedDownWindow int `json:"sustained_down_window" yaml:"sustained_down_window"`

	EvaluateInterval   time.Duration `json:"evaluate_interval" yaml:"evaluate_interval"`
	PatternInterval    time.Duration `json:"pattern_interval" yaml:"pattern_interval"`
	PredictiveInterval time.Duration `json:"predictive_interval" yaml:"predictive_interval"`

	// SampleHistory and DecisionHistory bound the retained rings.
	SampleHistory   int `json:"sample_history" yaml:"sample_history"`
	DecisionHistory int `json:"decision_history" yaml:"decision_history"`

	// PredictiveMargin is how far above the scale-up threshold a
	// forecast must land before pre-scaling, and MinConfidence how
	// trustworthy it must be.
	PredictiveMargin float64 `json:"predictive_margin" yaml:"predictive_margin"`
	MinConfidence    float64 `json:"min_confidence" yaml:"min_confidence"`
}

// DefaultConfig returns the scaling settings used when no explicit
// configuration is provided.
func DefaultConfig() *Config {
	return &Config{
		ScaleUpThreshold:    0.8,
		ScaleDownThreshold:  0.3,
		CriticalThreshold:   0.95,
		ScaleStep:           5,
		SustainedUpWindow:   10,
		SustainedDownWindow: 20,
		EvaluateInterval:    60 * time.Second,
		PatternInterval:     5 * time.Minute,
		PredictiveInterval:  15 * time.Minute,
		SampleHistory:       1000,
		DecisionHistory:     200,
		PredictiveMargin:    0.1,
		MinConfidence:       0.6,
	}
}

// Validate reports configuration values that would produce unstable
// scaling behavior.
func (c *Config) Validate() error {
	if c.ScaleUpThreshold <= 0 || c.ScaleUpThreshold >= 1 {
		return fmt.Errorf("scale_up_threshold must be in (0, 1), got %g", c.ScaleUpThreshold)
	}
	if c.ScaleDownThreshold <= 0 || c.ScaleDownThreshold >= c.ScaleUpThreshold {
		return fmt.Errorf("scale_down_threshold must be in (0, scale_up_threshold), got %g",
			c.ScaleDownThreshold)
	}
	if c.CriticalThreshold < c.ScaleUpThreshold || c.CriticalThreshold > 1 {
		return fmt.Errorf("critical_threshold must be in [scale_up_threshold, 1], got %g",
			c.CriticalThreshold)
	}
	if c.ScaleStep < 1 {
		return fmt.Errorf("scale_step must be at least 1, got %d", c.ScaleStep)
	}
	if c.SustainedUpWindow < 1 || c.SustainedDownWindow < 1 {
		return fmt.Errorf("sustained windows must be at least 1")
	}
	if c.EvaluateInterval <= 0 || c.PatternInterval <= 0 || c.PredictiveInterval <= 0 {
		return fmt.Errorf("scaling intervals must be positive")
	}
	if c.SampleHistory < c.SustainedUpWindow || c.SampleHistory < c.SustainedDownWindow {
		return fmt.Errorf("sample_history %d smaller than sustained windows", c.SampleHistory)
	}
	if c.DecisionHistory < 1 {
		return fmt.Errorf("decision_history must be at least 1, got %d", c.DecisionHistory)
	}
	if c.PredictiveMargin < 0 {
		return fmt.Errorf("predictive_margin must not be negative, got %g", c.PredictiveMargin)
	}
	if c.MinConfidence < 0 || c.MinConfidence >= 1 {
		return fmt.Errorf("min_confidence must be in [0, 1), got %g", c.MinConfidence)
	}
	return nil
}
