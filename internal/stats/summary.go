// Package stats aggregates ledger metrics across repetitions.
package stats

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	mstats "github.com/montanaflynn/stats"

	"ipalab/internal/model"
)

// MetricSummary describes one metric across the repetitions of an
// experiment. NaN observations are counted in Missing and excluded from the
// moments.
type MetricSummary struct {
	Count   int     `json:"count"`
	Missing int     `json:"missing,omitempty"`
	Mean    float64 `json:"mean"`
	Std     float64 `json:"std"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Median  float64 `json:"median"`
}

type ExperimentSummary struct {
	ExpNo       int                      `json:"exp_no"`
	Fingerprint string                   `json:"fingerprint"`
	Params      model.ExperimentParams   `json:"params"`
	Repetitions int                      `json:"repetitions"`
	Metrics     map[string]MetricSummary `json:"metrics"`
}

// SummaryReport is the summary of a whole run.
type SummaryReport struct {
	Run         string              `json:"run"`
	GeneratedAt string              `json:"generated_at_utc"`
	Experiments []ExperimentSummary `json:"experiments"`
}

// Summarize groups rows by experiment number and summarizes every metric.
func Summarize(rows []model.ResultRow) []ExperimentSummary {
	byExp := make(map[int]*ExperimentSummary)
	values := make(map[int]map[string][]float64)
	for _, row := range rows {
		s, ok := byExp[row.ExpNo]
		if !ok {
			s = &ExperimentSummary{ExpNo: row.ExpNo, Fingerprint: row.Fingerprint, Params: row.Params}
			byExp[row.ExpNo] = s
			values[row.ExpNo] = make(map[string][]float64)
		}
		s.Repetitions++
		for name, v := range row.Metrics {
			values[row.ExpNo][name] = append(values[row.ExpNo][name], v)
		}
	}

	out := make([]ExperimentSummary, 0, len(byExp))
	for expNo, s := range byExp {
		s.Metrics = make(map[string]MetricSummary, len(values[expNo]))
		for name, vs := range values[expNo] {
			s.Metrics[name] = summarizeMetric(vs)
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpNo < out[j].ExpNo })
	return out
}

func summarizeMetric(values []float64) MetricSummary {
	finite := make(mstats.Float64Data, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}
	s := MetricSummary{Count: len(finite), Missing: len(values) - len(finite)}
	if len(finite) == 0 {
		nan := math.NaN()
		s.Mean, s.Std, s.Min, s.Max, s.Median = nan, nan, nan, nan, nan
		return s
	}
	// The only error these return is for empty input.
	s.Mean, _ = mstats.Mean(finite)
	s.Min, _ = mstats.Min(finite)
	s.Max, _ = mstats.Max(finite)
	s.Median, _ = mstats.Median(finite)
	if len(finite) > 1 {
		s.Std, _ = mstats.StdDevS(finite)
	} else {
		s.Std = math.NaN()
	}
	return s
}

// MetricNames returns the union of metric names over summaries, sorted.
func MetricNames(summaries []ExperimentSummary) []string {
	seen := map[string]bool{}
	for _, s := range summaries {
		for name := range s.Metrics {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON writes non-finite moments as strings.
func (m MetricSummary) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Count   int          `json:"count"`
		Missing int          `json:"missing,omitempty"`
		Moments model.Floats `json:"moments"`
	}{
		Count:   m.Count,
		Missing: m.Missing,
		Moments: model.Floats{"mean": m.Mean, "std": m.Std, "min": m.Min, "max": m.Max, "median": m.Median},
	})
}

// WriteSummaryReport writes <dir>/summary.json and returns its path.
func WriteSummaryReport(dir string, report SummaryReport) (string, error) {
	if report.Run == "" {
		return "", fmt.Errorf("report run name is required")
	}
	if report.GeneratedAt == "" {
		report.GeneratedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	path := filepath.Join(dir, "summary.json")
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
