package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"ipalab/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var (
	ErrVersionMismatch = errors.New("record version mismatch")
	ErrSchemaMismatch  = errors.New("ledger columns differ from the row schema")
	ErrDuplicateRow    = errors.New("ledger already holds this repetition")
)

// Columns is the packed row schema in its default order.
var Columns = []string{
	"schema_version",
	"codec_version",
	"exp_no",
	"fingerprint",
	"params",
	"rep_no",
	"session",
	"stats",
	"cv_params",
	"fit_params",
	"metrics",
	"surrogate_serial",
}

// packedRow is a row with every nested value rendered as a JSON cell.
type packedRow struct {
	SchemaVersion   string `csv:"schema_version"`
	CodecVersion    string `csv:"codec_version"`
	ExpNo           string `csv:"exp_no"`
	Fingerprint     string `csv:"fingerprint"`
	Params          string `csv:"params"`
	RepNo           string `csv:"rep_no"`
	Session         string `csv:"session"`
	Stats           string `csv:"stats"`
	CVParams        string `csv:"cv_params"`
	FitParams       string `csv:"fit_params"`
	Metrics         string `csv:"metrics"`
	SurrogateSerial string `csv:"surrogate_serial"`
}

func (p packedRow) cells() map[string]string {
	return map[string]string{
		"schema_version":   p.SchemaVersion,
		"codec_version":    p.CodecVersion,
		"exp_no":           p.ExpNo,
		"fingerprint":      p.Fingerprint,
		"params":           p.Params,
		"rep_no":           p.RepNo,
		"session":          p.Session,
		"stats":            p.Stats,
		"cv_params":        p.CVParams,
		"fit_params":       p.FitParams,
		"metrics":          p.Metrics,
		"surrogate_serial": p.SurrogateSerial,
	}
}

// values orders the cells by header.
func (p packedRow) values(header []string) []string {
	cells := p.cells()
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = cells[h]
	}
	return out
}

// Stamp sets the current schema and codec versions on row.
func Stamp(row model.ResultRow) model.ResultRow {
	row.SchemaVersion = CurrentSchemaVersion
	row.CodecVersion = CurrentCodecVersion
	return row
}

func EncodeRow(row model.ResultRow) ([]byte, error) {
	return json.Marshal(row)
}

func DecodeRow(data []byte) (model.ResultRow, error) {
	var row model.ResultRow
	if err := json.Unmarshal(data, &row); err != nil {
		return model.ResultRow{}, err
	}
	if err := checkVersion(row.VersionedRecord); err != nil {
		return model.ResultRow{}, err
	}
	return row, nil
}

func packRow(row model.ResultRow) (packedRow, error) {
	p := packedRow{
		SchemaVersion:   strconv.Itoa(row.SchemaVersion),
		CodecVersion:    strconv.Itoa(row.CodecVersion),
		ExpNo:           strconv.Itoa(row.ExpNo),
		Fingerprint:     row.Fingerprint,
		RepNo:           strconv.Itoa(row.RepNo),
		Session:         row.Session,
		SurrogateSerial: row.SurrogateSerial,
	}
	for _, cell := range []struct {
		dst *string
		v   any
	}{
		{&p.Params, row.Params},
		{&p.Stats, row.Stats},
		{&p.CVParams, row.CVParams},
		{&p.FitParams, row.FitParams},
		{&p.Metrics, row.Metrics},
	} {
		data, err := json.Marshal(cell.v)
		if err != nil {
			return packedRow{}, err
		}
		*cell.dst = string(data)
	}
	return p, nil
}

func unpackRow(p packedRow) (model.ResultRow, error) {
	var row model.ResultRow
	for _, cell := range []struct {
		name string
		src  string
		dst  *int
	}{
		{"schema_version", p.SchemaVersion, &row.SchemaVersion},
		{"codec_version", p.CodecVersion, &row.CodecVersion},
		{"exp_no", p.ExpNo, &row.ExpNo},
		{"rep_no", p.RepNo, &row.RepNo},
	} {
		v, err := strconv.Atoi(cell.src)
		if err != nil {
			return model.ResultRow{}, fmt.Errorf("column %s: %w", cell.name, err)
		}
		*cell.dst = v
	}
	if err := checkVersion(row.VersionedRecord); err != nil {
		return model.ResultRow{}, err
	}
	row.Fingerprint = p.Fingerprint
	row.Session = p.Session
	row.SurrogateSerial = p.SurrogateSerial
	for _, cell := range []struct {
		name string
		src  string
		dst  any
	}{
		{"params", p.Params, &row.Params},
		{"stats", p.Stats, &row.Stats},
		{"cv_params", p.CVParams, &row.CVParams},
		{"fit_params", p.FitParams, &row.FitParams},
		{"metrics", p.Metrics, &row.Metrics},
	} {
		if err := json.Unmarshal([]byte(cell.src), cell.dst); err != nil {
			return model.ResultRow{}, fmt.Errorf("column %s: %w", cell.name, err)
		}
	}
	return row, nil
}

// sameColumns reports whether header holds exactly the schema columns.
func sameColumns(header []string) bool {
	if len(header) != len(Columns) {
		return false
	}
	a := append([]string(nil), header...)
	b := append([]string(nil), Columns...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: schema %d codec %d", ErrVersionMismatch, v.SchemaVersion, v.CodecVersion)
	}
	return nil
}
