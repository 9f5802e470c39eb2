package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"ipalab/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteLedger stores encoded rows in an insert-only table.
type SQLiteLedger struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteLedger(path string) *SQLiteLedger {
	return &SQLiteLedger{path: path}
}

func (s *SQLiteLedger) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}
	if err := checkSchema(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteLedger) Rows(ctx context.Context) ([]model.ResultRow, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT payload FROM results ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ResultRow
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		row, err := DecodeRow(payload)
		if err != nil {
			return nil, fmt.Errorf("decode row %d: %w", len(out)+1, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteLedger) Append(ctx context.Context, row model.ResultRow) error {
	if err := checkVersion(row.VersionedRecord); err != nil {
		return err
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRow(row)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM results WHERE exp_no = ? AND rep_no = ?`, row.ExpNo, row.RepNo).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("%w: exp %d rep %d", ErrDuplicateRow, row.ExpNo, row.RepNo)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO results (exp_no, rep_no, fingerprint, session, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, row.ExpNo, row.RepNo, row.Fingerprint, row.Session, row.SchemaVersion, row.CodecVersion, payload)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteLedger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteLedger) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("sqlite ledger is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`INSERT OR IGNORE INTO ledger_meta (key, value) VALUES ('schema_version', '` + strconv.Itoa(CurrentSchemaVersion) + `')`,
		`CREATE TABLE IF NOT EXISTS results (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			exp_no INTEGER NOT NULL,
			rep_no INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			session TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			UNIQUE (exp_no, rep_no)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func checkSchema(ctx context.Context, db *sql.DB) error {
	var version string
	err := db.QueryRowContext(ctx, `SELECT value FROM ledger_meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil {
		return err
	}
	if version != strconv.Itoa(CurrentSchemaVersion) {
		return fmt.Errorf("%w: ledger schema %s, expected %d", ErrSchemaMismatch, version, CurrentSchemaVersion)
	}
	return nil
}
