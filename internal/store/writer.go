// Package store writes coerced record batches to the destination
// database, one transaction per batch.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/syncd/internal/coerce"
	"github.com/SirClappington/syncd/internal/mapping"
	"github.com/SirClappington/syncd/internal/source"
)

// Tx is the slice of a database transaction the writer needs.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner opens transactions. The production implementation wraps a
// pgx pool; tests substitute a fake.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// Pool adapts *pgxpool.Pool to Beginner.
type Pool struct{ db *pgxpool.Pool }

func NewPool(db *pgxpool.Pool) *Pool { return &Pool{db} }

func (p *Pool) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	return pgxTx{tx}, nil
}

type pgxTx struct{ tx pgx.Tx }

func (t pgxTx) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return err
}

func (t pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

type Outcome string

const (
	Committed  Outcome = "committed"
	RolledBack Outcome = "rolled_back"
)

// UpsertResult reports one batch attempt. Committed means every
// non-skipped record in the batch is durably persisted; RolledBack
// means none of them are, and FailedIDs lists the source identifier
// of every record that was in the batch.
type UpsertResult struct {
	Outcome    Outcome  `json:"outcome"`
	BatchIndex int      `json:"batch"`
	Processed  int      `json:"processed"`
	Skipped    int      `json:"skipped"`
	FailedIDs  []string `json:"failed_ids,omitempty"`
	Err        string   `json:"error,omitempty"`
}

// Writer executes per-batch upsert transactions.
type Writer struct {
	db  Beginner
	log *zap.Logger
}

func NewWriter(db Beginner, log *zap.Logger) *Writer {
	return &Writer{db: db, log: log}
}

// WriteBatch upserts one batch atomically. A record without a source
// identifier is skipped before the transaction opens; it is counted
// but can neither fail the batch nor appear in FailedIDs. Any
// statement or commit failure rolls the whole batch back.
func (w *Writer) WriteBatch(ctx context.Context, batchIndex int, batch []source.Record, sc *mapping.Schema) UpsertResult {
	res := UpsertResult{Outcome: RolledBack, BatchIndex: batchIndex}

	var usable []source.Record
	var ids []string
	for _, rec := range batch {
		if rec.ID == "" {
			res.Skipped++
			continue
		}
		usable = append(usable, rec)
		ids = append(ids, rec.ID)
	}
	if len(usable) == 0 {
		res.Outcome = Committed
		return res
	}

	sql := upsertSQL(sc)

	tx, err := w.db.Begin(ctx)
	if err != nil {
		return w.failed(res, ids, errors.Wrap(err, "begin batch"))
	}

	for _, rec := range usable {
		args := make([]any, 0, len(sc.Fields)+1)
		args = append(args, rec.ID)
		for _, f := range sc.Fields {
			raw := rec.Properties[f.Property]
			v := coerce.Value(f.Type, raw)
			if v == nil && raw != nil && raw != "" {
				w.log.Debug("uncoercible value, writing null",
					zap.String("resource", sc.Resource),
					zap.String("id", rec.ID),
					zap.String("property", f.Property))
			}
			args = append(args, v)
		}
		if err := tx.Exec(ctx, sql, args...); err != nil {
			_ = tx.Rollback(ctx)
			return w.failed(res, ids, errors.Wrapf(err, "upsert %s id=%s", sc.Resource, rec.ID))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return w.failed(res, ids, errors.Wrap(err, "commit batch"))
	}

	res.Outcome = Committed
	res.Processed = len(usable)
	return res
}

func (w *Writer) failed(res UpsertResult, ids []string, err error) UpsertResult {
	res.Outcome = RolledBack
	res.FailedIDs = ids
	res.Err = err.Error()
	w.log.Error("batch rolled back",
		zap.Int("batch", res.BatchIndex),
		zap.Int("records", len(ids)),
		zap.Error(err))
	return res
}

// upsertSQL builds the insert-or-update statement for one schema:
// every mapped column is written on conflict, last write wins.
func upsertSQL(sc *mapping.Schema) string {
	cols := make([]string, 0, len(sc.Fields)+1)
	params := make([]string, 0, len(sc.Fields)+1)
	updates := make([]string, 0, len(sc.Fields))

	cols = append(cols, sc.IDColumn)
	params = append(params, "$1")
	for i, f := range sc.Fields {
		cols = append(cols, f.Column)
		params = append(params, fmt.Sprintf("$%d", i+2))
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", f.Column, f.Column))
	}

	return fmt.Sprintf(
		"insert into %s (%s) values (%s) on conflict (%s) do update set %s",
		sc.Table,
		strings.Join(cols, ", "),
		strings.Join(params, ", "),
		sc.IDColumn,
		strings.Join(updates, ", "),
	)
}
