package docstore

import (
	"context"
	"log/slog"

	"github.com/calvinalkan/docstore/pkg/blob"
)

type undoKind uint8

const (
	undoCreate undoKind = iota + 1
	undoUpdate
	undoDelete
)

func (k undoKind) String() string {
	switch k {
	case undoCreate:
		return "create"
	case undoUpdate:
		return "update"
	case undoDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// undoRecord reverses one write. prior is unset for creates.
type undoRecord struct {
	kind  undoKind
	key   string
	prior Value
}

// txState exists only while a transaction is active.
type txState struct {
	undo []undoRecord

	// uploaded are blobs stored during the transaction.
	uploaded []blob.Meta

	// pendingRemoval are blobs the transaction dropped; they are removed on
	// commit.
	pendingRemoval []blob.Meta
}

// Begin starts a transaction. Until [Engine.Commit], writes are kept in
// memory only. Fails with [ErrTransactionInProgress] if one is active.
func (e *Engine) Begin(ctx context.Context) error {
	return e.do(ctx, "begin", "", func(ctx context.Context) error {
		if e.tx != nil {
			return ErrTransactionInProgress
		}

		e.tx = &txState{}

		e.logger.LogAttrs(ctx, slog.LevelDebug, "transaction started")

		return nil
	})
}

// Commit persists the store and ends the transaction.
//
// If persisting fails the transaction stays active, so the caller may retry
// Commit or call [Engine.Rollback]. Fails with [ErrNoTransaction] if none is
// active.
func (e *Engine) Commit(ctx context.Context) error {
	return e.do(ctx, "commit", "", func(ctx context.Context) error {
		if e.tx == nil {
			return ErrNoTransaction
		}

		err := e.saveLocked(ctx)
		if err != nil {
			return err
		}

		tx := e.tx
		e.tx = nil

		e.logger.LogAttrs(ctx, slog.LevelDebug, "transaction committed", slog.Int("changes", len(tx.undo)))

		e.removeUnreferencedLocked(ctx, tx.pendingRemoval)

		return nil
	})
}

// Rollback undoes every write made since [Engine.Begin].
//
// The undo log is replayed in the order it was recorded. A create record
// removes the key if it still exists; an update or delete record restores the
// prior value and rebuilds all indexes. When the same key is written twice in
// one transaction, the last record replayed wins.
//
// If an index rebuild times out the store is still fully restored, the
// indexes are marked stale and rebuilt on next use, and [ErrTimeout] is
// returned. Fails with [ErrNoTransaction] if none is active.
func (e *Engine) Rollback(ctx context.Context) error {
	return e.do(ctx, "rollback", "", func(ctx context.Context) error {
		return e.rollbackLocked(ctx)
	})
}

func (e *Engine) rollbackLocked(ctx context.Context) error {
	if e.tx == nil {
		return ErrNoTransaction
	}

	tx := e.tx
	e.tx = nil

	orphans := tx.uploaded

	var rebuildErr error

	for _, rec := range tx.undo {
		switch rec.kind {
		case undoCreate:
			if old, ok := e.unsetLocked(rec.key); ok {
				orphans = append(orphans, attachmentsOf(old)...)
			}
		case undoUpdate, undoDelete:
			e.records[rec.key] = rec.prior

			if e.stale {
				continue
			}

			err := e.rebuildLocked(ctx)
			if err != nil {
				rebuildErr = err
			}
		}
	}

	e.metrics.records.Set(float64(len(e.records)))

	e.logger.LogAttrs(ctx, slog.LevelDebug, "transaction rolled back",
		slog.Int("changes", len(tx.undo)),
		slog.Bool("indexes_stale", e.stale))

	e.removeUnreferencedLocked(ctx, orphans)

	return rebuildErr
}
