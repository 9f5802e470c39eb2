package storage

import (
	"fmt"
	"path/filepath"
)

const (
	BackendCSV    = "csv"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// FileName is the ledger file a backend keeps inside a run directory.
func FileName(kind string) string {
	switch kind {
	case BackendSQLite:
		return "results.db"
	case BackendMemory:
		return ""
	default:
		return "results.csv"
	}
}

// NewLedger returns an uninitialized ledger stored in dir.
func NewLedger(kind, dir string) (Ledger, error) {
	switch kind {
	case "", BackendCSV:
		return NewCSVLedger(filepath.Join(dir, FileName(BackendCSV))), nil
	case BackendSQLite:
		return NewSQLiteLedger(filepath.Join(dir, FileName(BackendSQLite))), nil
	case BackendMemory:
		return NewMemoryLedger(), nil
	default:
		return nil, fmt.Errorf("unsupported ledger backend: %s", kind)
	}
}

func CloseIfSupported(ledger Ledger) error {
	closer, ok := ledger.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
