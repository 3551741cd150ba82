package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calvinalkan/docstore/pkg/fs"
)

// Engine is an embedded key/value document store.
//
// Records live in memory and are written to a single snapshot file after
// every change made outside a transaction, or on [Engine.Commit]. Three
// secondary indexes (equality, numeric range, full text) are maintained
// alongside and serve [Engine.Find].
//
// # Concurrency
//
// Safe for concurrent use. Every public method holds one engine-wide lock
// for its whole duration; waiting for it is bounded by [Options.LockTimeout]
// and fails with [ErrLockTimeout]. A flock on "<Path>.lock" is held from
// [Open] to [Engine.Close] so a second process cannot open the same
// snapshot.
//
// The transaction state is engine-wide: a transaction begun by one caller
// covers writes made by every caller until it is committed or rolled back.
type Engine struct {
	opts    Options
	fs      fs.FS
	writer  *fs.AtomicWriter
	logger  *slog.Logger
	metrics *metrics
	flock   *fs.Lock
	closed  atomic.Bool

	// sem is the engine lock. Holding it means having sent into it.
	sem chan struct{}

	// Guarded by sem.
	records map[string]Value
	indexes *Indexes
	stale   bool
	tx      *txState
}

// Open loads (or creates) the store at opts.Path.
//
// A missing snapshot yields an empty store. A snapshot that cannot be decoded
// is logged, replaced by an empty one, and Open succeeds. A legacy snapshot
// at [Options.LegacyPath] is migrated when Path does not exist.
//
// Returns [ErrLockTimeout] if another process holds the store, and
// [ErrTimeout] if loading or the initial index build exceeds its deadline.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if ctx == nil {
		return nil, errors.New("context is nil")
	}

	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:    opts,
		fs:      opts.FS,
		writer:  fs.NewAtomicWriter(opts.FS),
		logger:  opts.Logger,
		metrics: m,
		sem:     make(chan struct{}, 1),
		records: make(map[string]Value),
		indexes: newIndexes(),
	}

	err = e.fs.MkdirAll(filepath.Dir(opts.Path), 0o750)
	if err != nil {
		return nil, withContext(fmt.Errorf("create data dir: %w", err), "open", "")
	}

	lockCtx, cancel := context.WithTimeout(ctx, opts.LockTimeout)
	flock, err := fs.NewLocker(e.fs).Lock(lockCtx, opts.Path+".lock")

	cancel()

	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, withContext(ctxErr, "open", "")
			}

			return nil, withContext(fmt.Errorf("%w: %s is held by another process", ErrLockTimeout, opts.Path), "open", "")
		}

		return nil, withContext(err, "open", "")
	}

	e.flock = flock

	err = e.loadLocked(ctx)
	if err != nil {
		return nil, errors.Join(withContext(err, "open", ""), flock.Close())
	}

	e.logger.LogAttrs(ctx, slog.LevelInfo, "docstore opened",
		slog.String("path", opts.Path),
		slog.Int("records", len(e.records)),
		slog.String("codec", string(opts.Codec)),
		slog.Bool("compress", opts.Compress))

	return e, nil
}

// Close releases the store. An active transaction is rolled back.
// Close waits for in-flight operations and is idempotent.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}

	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	if e.closed.Swap(true) {
		return nil
	}

	var rollbackErr error

	if e.tx != nil {
		e.logger.LogAttrs(context.Background(), slog.LevelWarn, "discarding uncommitted transaction on close",
			slog.Int("changes", len(e.tx.undo)))

		rollbackErr = e.rollbackLocked(context.Background())
	}

	return errors.Join(rollbackErr, e.flock.Close())
}

// Path returns the snapshot path.
func (e *Engine) Path() string { return e.opts.Path }

// InTransaction reports whether a transaction is active.
func (e *Engine) InTransaction(ctx context.Context) (bool, error) {
	var active bool

	err := e.do(ctx, "in_transaction", "", func(context.Context) error {
		active = e.tx != nil

		return nil
	})

	return active, err
}

// Len returns the number of records.
func (e *Engine) Len(ctx context.Context) (int, error) {
	var n int

	err := e.do(ctx, "len", "", func(context.Context) error {
		n = len(e.records)

		return nil
	})

	return n, err
}

// Indexes returns a sorted copy of the current indexes, rebuilding them
// first if a previous rebuild failed.
func (e *Engine) Indexes(ctx context.Context) (IndexView, error) {
	var view IndexView

	err := e.do(ctx, "indexes", "", func(ctx context.Context) error {
		err := e.ensureIndexesLocked(ctx)
		if err != nil {
			return err
		}

		view = e.indexes.View()

		return nil
	})

	return view, err
}

// do runs fn holding the engine lock, attaching op and key to any error and
// recording the outcome.
func (e *Engine) do(ctx context.Context, op, key string, fn func(ctx context.Context) error) (err error) {
	if ctx == nil {
		return withContext(errors.New("context is nil"), op, key)
	}

	defer func() {
		e.metrics.observeOp(op, err)

		if err != nil {
			e.logger.LogAttrs(ctx, slog.LevelDebug, "operation failed",
				slog.String("op", op),
				slog.String("key", key),
				slog.Any("error", err))
		}
	}()

	release, err := e.acquire(ctx)
	if err != nil {
		return withContext(err, op, key)
	}

	defer release()

	return withContext(fn(ctx), op, key)
}

// acquire takes the engine lock, waiting at most LockTimeout. The returned
// release func is idempotent.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.opts.LockTimeout)
	defer cancel()

	select {
	case e.sem <- struct{}{}:
	case <-lockCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("%w after %s", ErrLockTimeout, e.opts.LockTimeout)
	}

	if e.closed.Load() {
		<-e.sem

		return nil, ErrClosed
	}

	var once sync.Once

	return func() { once.Do(func() { <-e.sem }) }, nil
}

// rebuildLocked replaces the indexes with a fresh build bounded by
// RebuildTimeout. On failure the old indexes are discarded and marked stale,
// so the next index read rebuilds them.
func (e *Engine) rebuildLocked(ctx context.Context) error {
	start := time.Now()

	rctx, cancel := context.WithTimeout(ctx, e.opts.RebuildTimeout)
	defer cancel()

	ix, err := BuildIndexes(rctx, e.records)
	if err != nil {
		e.stale = true
		e.indexes = newIndexes()

		e.logger.LogAttrs(ctx, slog.LevelWarn, "index rebuild failed",
			slog.Int("records", len(e.records)),
			slog.Any("error", err))

		return deadlineToTimeout(err, "rebuild indexes")
	}

	e.indexes = ix
	e.stale = false
	e.metrics.observeRebuild(start)
	e.metrics.records.Set(float64(len(e.records)))

	return nil
}

// ensureIndexesLocked rebuilds stale indexes before they are read.
func (e *Engine) ensureIndexesLocked(ctx context.Context) error {
	if !e.stale {
		return nil
	}

	return e.rebuildLocked(ctx)
}

// indexAdd and indexRemove keep incremental index maintenance off while the
// indexes are stale; the next rebuild covers those changes.
func (e *Engine) indexAdd(key string, v Value) {
	if !e.stale {
		e.indexes.add(key, v)
	}

	e.metrics.records.Set(float64(len(e.records)))
}

func (e *Engine) indexRemove(key string, v Value) {
	if !e.stale {
		e.indexes.remove(key, v)
	}

	e.metrics.records.Set(float64(len(e.records)))
}

// deadlineToTimeout maps an expired deadline to ErrTimeout.
func deadlineToTimeout(err error, step string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", step, ErrTimeout, err)
	}

	return fmt.Errorf("%s: %w", step, err)
}
