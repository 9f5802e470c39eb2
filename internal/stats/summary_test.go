package stats

import (
	"encoding/json"
	"math"
	"os"
	"testing"

	"ipalab/internal/model"
)

func summaryRow(expNo, repNo int, metrics model.Floats) model.ResultRow {
	return model.ResultRow{
		ExpNo:            expNo,
		Fingerprint:      "fp",
		RepetitionResult: model.RepetitionResult{RepNo: repNo, Metrics: metrics},
	}
}

func TestSummarize(t *testing.T) {
	rows := []model.ResultRow{
		summaryRow(2, 1, model.Floats{"auc": 0.5}),
		summaryRow(1, 1, model.Floats{"auc": 0.6, "iv_auc": math.NaN()}),
		summaryRow(1, 2, model.Floats{"auc": 0.8, "iv_auc": 0.7}),
		summaryRow(1, 3, model.Floats{"auc": 1.0, "iv_auc": math.NaN()}),
	}
	summaries := Summarize(rows)
	if len(summaries) != 2 || summaries[0].ExpNo != 1 || summaries[1].ExpNo != 2 {
		t.Fatalf("unexpected grouping: %+v", summaries)
	}

	first := summaries[0]
	if first.Repetitions != 3 {
		t.Fatalf("repetitions = %d, want 3", first.Repetitions)
	}
	auc := first.Metrics["auc"]
	if auc.Count != 3 || math.Abs(auc.Mean-0.8) > 1e-12 || auc.Min != 0.6 || auc.Max != 1.0 || math.Abs(auc.Median-0.8) > 1e-12 {
		t.Fatalf("unexpected auc summary: %+v", auc)
	}
	if math.Abs(auc.Std-0.2) > 1e-12 {
		t.Fatalf("sample std = %v, want 0.2", auc.Std)
	}
	iv := first.Metrics["iv_auc"]
	if iv.Count != 1 || iv.Missing != 2 || iv.Mean != 0.7 || !math.IsNaN(iv.Std) {
		t.Fatalf("unexpected iv_auc summary: %+v", iv)
	}

	single := summaries[1].Metrics["auc"]
	if !math.IsNaN(single.Std) || single.Mean != 0.5 {
		t.Fatalf("unexpected single-repetition summary: %+v", single)
	}

	names := MetricNames(summaries)
	if len(names) != 2 || names[0] != "auc" || names[1] != "iv_auc" {
		t.Fatalf("metric names = %v", names)
	}
}

func TestSummarizeAllMissing(t *testing.T) {
	s := Summarize([]model.ResultRow{summaryRow(1, 1, model.Floats{"iv_auc": math.NaN()})})
	m := s[0].Metrics["iv_auc"]
	if m.Count != 0 || m.Missing != 1 || !math.IsNaN(m.Mean) || !math.IsNaN(m.Max) {
		t.Fatalf("unexpected summary: %+v", m)
	}
}

func TestWriteSummaryReport(t *testing.T) {
	dir := t.TempDir()
	if _, err := WriteSummaryReport(dir, SummaryReport{}); err == nil {
		t.Fatal("expected error for unnamed report")
	}
	report := SummaryReport{
		Run:         "suite",
		Experiments: Summarize([]model.ResultRow{summaryRow(1, 1, model.Floats{"auc": 0.9})}),
	}
	path, err := WriteSummaryReport(dir, report)
	if err != nil {
		t.Fatalf("write report: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded struct {
		Run         string `json:"run"`
		GeneratedAt string `json:"generated_at_utc"`
		Experiments []struct {
			Metrics map[string]struct {
				Count   int          `json:"count"`
				Moments model.Floats `json:"moments"`
			} `json:"metrics"`
		} `json:"experiments"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.Run != "suite" || decoded.GeneratedAt == "" || len(decoded.Experiments) != 1 {
		t.Fatalf("unexpected report: %+v", decoded)
	}
	auc := decoded.Experiments[0].Metrics["auc"]
	if auc.Count != 1 || auc.Moments["mean"] != 0.9 || !math.IsNaN(auc.Moments["std"]) {
		t.Fatalf("unexpected auc entry: %+v", auc)
	}
}
