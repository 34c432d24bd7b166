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
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// minPatternSamples gates analysis until the history carries enough
	// signal to bucket.
	minPatternSamples = 12

	// highBaseline is the baseline utilization above which the scale
	// thresholds are shifted upward.
	highBaseline = 0.5

	// maxThresholdShift bounds how far adaptation can move a threshold
	// from its configured value.
	maxThresholdShift = 0.1

	// criticalGap keeps the adapted scale-up threshold below the
	// critical threshold so the critical path stays reachable first.
	criticalGap = 0.02
)

// AnalyzeNow rebuilds the hour-of-day/day-of-week load profile from the
// sample history and adapts the effective thresholds to the observed
// baseline. Returns nil when history is too thin to analyze.
func (e *Engine) AnalyzeNow() *PatternSummary {
	e.mu.Lock()
	samples := append([]Sample(nil), e.samples...)
	e.mu.Unlock()

	if len(samples) < minPatternSamples {
		return nil
	}

	type agg struct {
		sum, sumSq, peak float64
		n                int
	}
	byWindow := make(map[[2]int]*agg)
	all := make([]float64, 0, len(samples))
	for _, s := range samples {
		key := [2]int{s.DayOfWeek, s.HourOfDay}
		a := byWindow[key]
		if a == nil {
			a = &agg{}
			byWindow[key] = a
		}
		a.sum += s.Utilization
		a.sumSq += s.Utilization * s.Utilization
		if s.Utilization > a.peak {
			a.peak = s.Utilization
		}
		a.n++
		all = append(all, s.Utilization)
	}

	summary := &PatternSummary{
		SampleCount: len(samples),
		AnalyzedAt:  time.Now(),
	}
	for key, a := range byWindow {
		mean := a.sum / float64(a.n)
		b := PatternBucket{
			DayOfWeek: key[0],
			HourOfDay: key[1],
			Mean:      mean,
			Peak:      a.peak,
			StdDev:    stddev(a.sumSq, mean, a.n),
			Samples:   a.n,
		}
		summary.Buckets = append(summary.Buckets, b)
		if mean >= e.cfg.ScaleUpThreshold {
			summary.PeakWindows = append(summary.PeakWindows,
				peakWindowLabel(key[0], key[1]))
		}
	}
	sort.Slice(summary.Buckets, func(i, j int) bool {
		a, b := summary.Buckets[i], summary.Buckets[j]
		if a.DayOfWeek != b.DayOfWeek {
			return a.DayOfWeek < b.DayOfWeek
		}
		return a.HourOfDay < b.HourOfDay
	})
	sort.Strings(summary.PeakWindows)

	// The 25th percentile stands in for the quiet-hours baseline; the
	// mean would be dragged up by the very peaks we bucket above.
	summary.BaselineLoad = percentile(all, 0.25)

	e.mu.Lock()
	e.patterns = summary
	e.baseline = summary.BaselineLoad
	e.adaptThresholdsLocked(summary.BaselineLoad)
	up, down := e.upLevel, e.downLevel
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"samples":          summary.SampleCount,
		"windows":          len(summary.Buckets),
		"peak_windows":     len(summary.PeakWindows),
		"baseline_load":    summary.BaselineLoad,
		"scale_up_level":   up,
		"scale_down_level": down,
	}).Info("load pattern analysis complete")
	return summary
}

// adaptThresholdsLocked shifts both thresholds upward when the baseline
// sits above highBaseline, so a pool that is simply busy all day does
// not flap at the configured levels. A normal baseline restores the
// configured thresholds.
func (e *Engine) adaptThresholdsLocked(baseline float64) {
	if baseline <= highBaseline {
		e.upLevel = e.cfg.ScaleUpThreshold
		e.downLevel = e.cfg.ScaleDownThreshold
		return
	}
	shift := (baseline - highBaseline) * 0.5
	if shift > maxThresholdShift {
		shift = maxThresholdShift
	}
	e.upLevel = e.cfg.ScaleUpThreshold + shift
	if limit := e.cfg.CriticalThreshold - criticalGap; e.upLevel > limit {
		e.upLevel = limit
	}
	e.downLevel = e.cfg.ScaleDownThreshold + shift
}

func peakWindowLabel(day, hour int) string {
	return fmt.Sprintf("%s %02d:00", time.Weekday(day), hour)
}

// percentile returns the nearest-rank p-th percentile of v.
func percentile(v []float64, p float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sorted := append([]float64(nil), v...)
	sort.Float64s(sorted)
	idx := int(math.Round(p * float64(len(sorted)-1)))
	return sorted[idx]
}

func stddev(sumSq, mean float64, n int) float64 {
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		return 0
	}
	return math.Sqrt(variance)
}
