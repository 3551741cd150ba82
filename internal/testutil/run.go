package testutil

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/calvinalkan/docstore/pkg/docstore"
)

// RunConfig configures a behavior test run.
type RunConfig struct {
	// MaxOps is the maximum number of operations to execute.
	MaxOps int

	// CompareStateEveryN compares full record state every N operations.
	// Set to 0 to compare only at the end.
	CompareStateEveryN int

	// Options builds the engine options for a store at path. Nil uses the
	// defaults with no attachment store.
	Options func(path string) docstore.Options
}

// DefaultRunConfig returns a balanced configuration for behavior tests.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxOps:             100,
		CompareStateEveryN: 10,
	}
}

// Harness holds one engine and its model.
type Harness struct {
	tb    testing.TB
	ctx   context.Context
	path  string
	opts  func(path string) docstore.Options
	db    *docstore.Engine
	model *Model
}

// NewHarness opens an engine on a fresh temp directory.
func NewHarness(tb testing.TB, cfg RunConfig) *Harness {
	tb.Helper()

	opts := cfg.Options
	if opts == nil {
		opts = func(path string) docstore.Options { return docstore.Options{Path: path} }
	}

	h := &Harness{
		tb:    tb,
		ctx:   context.Background(),
		path:  filepath.Join(tb.TempDir(), "db.json"),
		opts:  opts,
		model: NewModel(),
	}

	h.open()

	tb.Cleanup(func() {
		if h.db != nil {
			_ = h.db.Close()
		}
	})

	return h
}

func (h *Harness) open() {
	h.tb.Helper()

	db, err := docstore.Open(h.ctx, h.opts(h.path))
	if err != nil {
		h.tb.Fatalf("open: %v", err)
	}

	h.db = db
}

// Apply runs op on both sides and returns engine and model results.
func (h *Harness) Apply(op Op) (Result, Result) {
	h.tb.Helper()

	if op.Kind == OpReopen {
		err := h.db.Close()
		if err != nil {
			h.tb.Fatalf("close: %v", err)
		}

		h.open()

		return Result{}, h.model.Apply(op)
	}

	return op.ApplyEngine(h.ctx, h.db), h.model.Apply(op)
}

// RunBehaviorWithSeed executes operations derived from fuzzBytes on the
// engine and the model and fails on the first divergence.
func RunBehaviorWithSeed(tb testing.TB, fuzzBytes []byte, cfg RunConfig) {
	tb.Helper()

	if cfg.MaxOps <= 0 {
		tb.Fatalf("RunBehaviorWithSeed requires MaxOps > 0")
	}

	h := NewHarness(tb, cfg)
	gen := NewOpGenerator(fuzzBytes)
	history := make([]string, 0, cfg.MaxOps)

	for opIndex := 1; opIndex <= cfg.MaxOps && gen.HasMore(); opIndex++ {
		op := gen.NextOp()
		history = append(history, op.String())

		got, want := h.Apply(op)

		if err := compareResults(got, want); err != nil {
			tb.Fatalf("%s: %v\n%s", op, err, FormatOps(history))
		}

		if cfg.CompareStateEveryN > 0 && opIndex%cfg.CompareStateEveryN == 0 {
			if err := h.CompareState(); err != nil {
				tb.Fatalf("after op %d: %v\n%s", opIndex, err, FormatOps(history))
			}
		}
	}

	if err := h.CompareState(); err != nil {
		tb.Fatalf("final state: %v\n%s", err, FormatOps(history))
	}

	// Whatever was durable must come back after a reopen.
	history = append(history, OpReopen.String())
	h.Apply(Op{Kind: OpReopen})

	if err := h.CompareState(); err != nil {
		tb.Fatalf("after reopen: %v\n%s", err, FormatOps(history))
	}
}

// CompareState compares every record and checks the indexes against a
// fresh rebuild.
func (h *Harness) CompareState() error {
	recs, err := h.db.List(h.ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	got := make(map[string]string, len(recs))
	for _, r := range recs {
		got[r.Key] = r.Value.Canonical()
	}

	if diff := cmp.Diff(h.model.Records(), got); diff != "" {
		return fmt.Errorf("records differ (-model +engine):\n%s", diff)
	}

	live, err := h.db.Indexes(h.ctx)
	if err != nil {
		return fmt.Errorf("indexes: %w", err)
	}

	values := make(map[string]docstore.Value, len(recs))
	for _, r := range recs {
		values[r.Key] = r.Value
	}

	fresh, err := docstore.BuildIndexes(h.ctx, values)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	if diff := cmp.Diff(fresh.View(), live, cmpopts.EquateEmpty()); diff != "" {
		return fmt.Errorf("indexes differ from rebuild (-rebuild +live):\n%s", diff)
	}

	return nil
}

var sentinels = []error{
	docstore.ErrKeyNotFound,
	docstore.ErrKeyExists,
	docstore.ErrTransactionInProgress,
	docstore.ErrNoTransaction,
}

func compareResults(got, want Result) error {
	if (got.Err == nil) != (want.Err == nil) {
		return fmt.Errorf("engine err=%v, model err=%v", got.Err, want.Err)
	}

	if want.Err != nil {
		if !errors.Is(got.Err, want.Err) {
			return fmt.Errorf("engine err=%v, want %v", got.Err, want.Err)
		}

		for _, s := range sentinels {
			if s != want.Err && errors.Is(got.Err, s) {
				return fmt.Errorf("engine err=%v also matches %v", got.Err, s)
			}
		}

		return nil
	}

	if got.Output != want.Output {
		return fmt.Errorf("engine output=%q, model output=%q", got.Output, want.Output)
	}

	if !slices.Equal(got.Keys, want.Keys) {
		return fmt.Errorf("engine keys=%v, model keys=%v", got.Keys, want.Keys)
	}

	return nil
}
