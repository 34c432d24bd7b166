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
	"context"
	"fmt"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
)

// minForecastSamples is the smallest history bucket a forecast may be
// drawn from.
const minForecastSamples = 3

type forecast struct {
	expected   float64
	confidence float64
	samples    int
	// source names the bucket the forecast came from, "weekday" for the
	// exact hour and weekday match or "hour" for the any-day fallback.
	source string
}

// PredictNow forecasts utilization one predictive interval ahead and
// pre-scales when a confident forecast clears the scale-up level by the
// configured margin. It returns an ActionNone decision when no
// pre-scaling is warranted.
func (e *Engine) PredictNow(ctx context.Context) (Decision, error) {
	now := time.Now()
	target := now.Add(e.cfg.PredictiveInterval)

	e.mu.Lock()
	samples := append([]Sample(nil), e.samples...)
	up := e.upLevel
	e.mu.Unlock()

	d := Decision{
		ID:        ulid.Make().String(),
		Timestamp: now,
		Action:    ActionNone,
	}

	f, ok := forecastFor(samples, target.Hour(), int(target.Weekday()))
	if !ok {
		d.Reason = "insufficient history for forecast"
		return d, nil
	}

	// Recent momentum nudges the historical expectation.
	predicted := f.expected + 0.5*shortTrend(samples)

	gate := up + e.cfg.PredictiveMargin
	if predicted <= gate || f.confidence <= e.cfg.MinConfidence {
		d.Reason = fmt.Sprintf(
			"no pre-scaling needed, predicted %.2f confidence %.2f from %d %s samples",
			predicted, f.confidence, f.samples, f.source)
		return d, nil
	}

	st := e.pool.Stats()
	d.NewPoolSize = st.Size + e.cfg.ScaleStep
	if d.NewPoolSize > st.MaxSize {
		d.NewPoolSize = st.MaxSize
	}
	if d.NewPoolSize == st.Size {
		d.Reason = fmt.Sprintf(
			"predicted %.2f but pool already at %d", predicted, st.Size)
		return d, nil
	}

	d.Action = ActionScaleUp
	d.Confidence = f.confidence
	d.Reason = fmt.Sprintf(
		"predicted utilization %.2f for %02d:00 window (%d %s samples)",
		predicted, target.Hour(), f.samples, f.source)

	execErr := e.execute(ctx, &d)
	e.record(d)
	return d, execErr
}

// forecastFor derives the expected utilization for the given hour and
// weekday. It prefers history from the same hour on the same weekday
// and falls back to the same hour across all days; fewer than
// minForecastSamples in both buckets yields no forecast.
func forecastFor(samples []Sample, hour, weekday int) (forecast, bool) {
	var exact, anyDay []float64
	for _, s := range samples {
		if s.HourOfDay != hour {
			continue
		}
		anyDay = append(anyDay, s.Utilization)
		if s.DayOfWeek == weekday {
			exact = append(exact, s.Utilization)
		}
	}

	values, source := exact, "weekday"
	if len(values) < minForecastSamples {
		values, source = anyDay, "hour"
	}
	if len(values) < minForecastSamples {
		return forecast{}, false
	}

	mean, sd := meanStddev(values)
	// Confidence grows with sample count and shrinks with spread.
	depth := math.Min(1, float64(len(values))/10)
	spread := 1 - 2*sd
	if spread < 0 {
		spread = 0
	}
	return forecast{
		expected:   mean,
		confidence: depth * spread,
		samples:    len(values),
		source:     source,
	}, true
}

// shortTrend compares the mean of the last five samples against the
// five before them. Returns 0 until ten samples exist.
func shortTrend(samples []Sample) float64 {
	if len(samples) < 10 {
		return 0
	}
	recent := samples[len(samples)-5:]
	prior := samples[len(samples)-10 : len(samples)-5]
	return meanOf(recent) - meanOf(prior)
}

func meanOf(samples []Sample) float64 {
	sum := 0.0
	for _, s := range samples {
		sum += s.Utilization
	}
	return sum / float64(len(samples))
}

func meanStddev(values []float64) (float64, float64) {
	sum, sumSq := 0.0, 0.0
	for _, v := range values {
		sum += v
		sumSq += v * v
	}
	mean := sum / float64(len(values))
	return mean, stddev(sumSq, mean, len(values))
}
