package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gocarina/gocsv"

	"ipalab/internal/model"
)

// CSVLedger appends packed rows to a CSV file. An existing file keeps its
// column order; every append is flushed and synced before it returns.
type CSVLedger struct {
	path string

	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	header []string
	keys   map[rowKey]bool
}

func NewCSVLedger(path string) *CSVLedger {
	return &CSVLedger{path: path}
}

func (s *CSVLedger) Path() string {
	return s.path
}

func (s *CSVLedger) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("csv ledger path is required")
	}
	if s.file != nil {
		return nil
	}

	header, err := readHeader(s.path)
	if err != nil {
		return err
	}
	fresh := header == nil
	if fresh {
		header = append([]string(nil), Columns...)
	} else if !sameColumns(header) {
		return fmt.Errorf("%w: %s has columns %v", ErrSchemaMismatch, s.path, header)
	}

	keys := make(map[rowKey]bool)
	if !fresh {
		rows, err := readRows(s.path)
		if err != nil {
			return err
		}
		for _, row := range rows {
			keys[keyOf(row)] = true
		}
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	writer := csv.NewWriter(file)
	if fresh {
		if err := writer.Write(header); err != nil {
			_ = file.Close()
			return err
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			_ = file.Close()
			return err
		}
	}
	s.file, s.writer, s.header, s.keys = file, writer, header, keys
	return nil
}

func (s *CSVLedger) Rows(_ context.Context) ([]model.ResultRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil, errors.New("csv ledger is not initialized")
	}
	return readRows(s.path)
}

func (s *CSVLedger) Append(_ context.Context, row model.ResultRow) error {
	if err := checkVersion(row.VersionedRecord); err != nil {
		return err
	}
	packed, err := packRow(row)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return errors.New("csv ledger is not initialized")
	}
	if s.keys[keyOf(row)] {
		return fmt.Errorf("%w: exp %d rep %d", ErrDuplicateRow, row.ExpNo, row.RepNo)
	}
	if err := s.writer.Write(packed.values(s.header)); err != nil {
		return err
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", s.path, err)
	}
	s.keys[keyOf(row)] = true
	return nil
}

func (s *CSVLedger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.writer = nil, nil
	return err
}

// readHeader returns nil for a missing or empty file.
func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	return header, nil
}

func readRows(path string) ([]model.ResultRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var packed []*packedRow
	if err := gocsv.UnmarshalFile(f, &packed); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	rows := make([]model.ResultRow, 0, len(packed))
	for i, p := range packed {
		row, err := unpackRow(*p)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
