package ledger

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"ipalab/internal/model"
)

// leading are the flattened columns that precede the union of nested keys.
var leading = []string{"exp_no", "rep_no", "fingerprint", "session"}

// Flatten unpacks params, stats, cv_params, fit_params and metrics into one
// wide table. Columns are the leading identity columns, the sorted union of
// nested keys and finally surrogate_serial. Missing values are empty.
func Flatten(rows []model.ResultRow) ([]string, [][]string, error) {
	unpacked := make([]map[string]string, len(rows))
	union := map[string]bool{}
	for i, row := range rows {
		cells := map[string]string{
			"exp_no":           strconv.Itoa(row.ExpNo),
			"rep_no":           strconv.Itoa(row.RepNo),
			"fingerprint":      row.Fingerprint,
			"session":          row.Session,
			"surrogate_serial": row.SurrogateSerial,
		}
		for _, nested := range []any{row.Params, row.CVParams, row.FitParams} {
			m, err := toMap(nested)
			if err != nil {
				return nil, nil, fmt.Errorf("row %d: %w", i+1, err)
			}
			for k, v := range m {
				cells[k] = v
				union[k] = true
			}
		}
		for _, f := range []model.Floats{row.Stats, row.Metrics} {
			for k, v := range f {
				cells[k] = formatFloat(v)
				union[k] = true
			}
		}
		unpacked[i] = cells
	}
	for _, k := range append(leading, "surrogate_serial") {
		delete(union, k)
	}
	nested := make([]string, 0, len(union))
	for k := range union {
		nested = append(nested, k)
	}
	sort.Strings(nested)

	header := append(append(append([]string(nil), leading...), nested...), "surrogate_serial")
	records := make([][]string, len(unpacked))
	for i, cells := range unpacked {
		record := make([]string, len(header))
		for j, h := range header {
			record[j] = cells[h]
		}
		records[i] = record
	}
	return header, records, nil
}

// Export writes the flattened table as CSV.
func Export(w io.Writer, rows []model.ResultRow) error {
	header, records, err := Flatten(rows)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(records); err != nil {
		return err
	}
	return cw.Error()
}

func toMap(v any) (map[string]string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, msg := range raw {
		var s string
		if err := json.Unmarshal(msg, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(msg)
	}
	return out, nil
}

func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
