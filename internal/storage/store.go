package storage

import (
	"context"

	"ipalab/internal/model"
)

// Ledger is the append-only result log of one named run. Rows come back in
// append order. Implementations never rewrite or reorder stored rows.
type Ledger interface {
	Init(ctx context.Context) error
	Rows(ctx context.Context) ([]model.ResultRow, error)
	Append(ctx context.Context, row model.ResultRow) error
}

type rowKey struct {
	expNo int
	repNo int
}

func keyOf(row model.ResultRow) rowKey {
	return rowKey{expNo: row.ExpNo, repNo: row.RepNo}
}
