package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ipalab/internal/model"
)

// MemoryLedger keeps rows in process memory. Rows are stored encoded so
// callers cannot mutate them after Append.
type MemoryLedger struct {
	mu          sync.RWMutex
	initialized bool
	rows        [][]byte
	keys        map[rowKey]bool
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (s *MemoryLedger) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.keys = make(map[rowKey]bool)
	return nil
}

func (s *MemoryLedger) Rows(_ context.Context) ([]model.ResultRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errors.New("memory ledger is not initialized")
	}
	out := make([]model.ResultRow, 0, len(s.rows))
	for _, data := range s.rows {
		row, err := DecodeRow(data)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *MemoryLedger) Append(_ context.Context, row model.ResultRow) error {
	if err := checkVersion(row.VersionedRecord); err != nil {
		return err
	}
	data, err := EncodeRow(row)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("memory ledger is not initialized")
	}
	if s.keys[keyOf(row)] {
		return fmt.Errorf("%w: exp %d rep %d", ErrDuplicateRow, row.ExpNo, row.RepNo)
	}
	s.keys[keyOf(row)] = true
	s.rows = append(s.rows, data)
	return nil
}
