package docstore_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/calvinalkan/docstore/pkg/docstore"
)

type testOpts struct {
	opts docstore.Options
}

type testOpt func(*testOpts)

func withCompress() testOpt {
	return func(o *testOpts) {
		o.opts.Compress = true
		o.opts.Path += ".gz"
	}
}

func withCodec(c docstore.Codec) testOpt {
	return func(o *testOpts) { o.opts.Codec = c }
}

func withOptions(fn func(*docstore.Options)) testOpt {
	return func(o *testOpts) { fn(&o.opts) }
}

func withShortLockTimeout() testOpt {
	return func(o *testOpts) { o.opts.LockTimeout = 20 * time.Millisecond }
}

func testOptions(t *testing.T, dir string, mods ...testOpt) docstore.Options {
	t.Helper()

	o := &testOpts{opts: docstore.Options{
		Path:   filepath.Join(dir, "db.json"),
		Logger: slog.New(slog.DiscardHandler),
	}}

	for _, m := range mods {
		m(o)
	}

	return o.opts
}

// openTestStore opens a store in a fresh temp dir and closes it on cleanup.
func openTestStore(t *testing.T, mods ...testOpt) *docstore.Engine {
	t.Helper()

	return openTestStoreAt(t, t.TempDir(), mods...)
}

func openTestStoreAt(t *testing.T, dir string, mods ...testOpt) *docstore.Engine {
	t.Helper()

	db, err := docstore.Open(t.Context(), testOptions(t, dir, mods...))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func mustCreate(t *testing.T, db *docstore.Engine, key, raw string) {
	t.Helper()

	_, err := db.Create(t.Context(), key, raw)
	if err != nil {
		t.Fatalf("Create(%q, %q): %v", key, raw, err)
	}
}

func mustRead(t *testing.T, db *docstore.Engine, key string) docstore.Value {
	t.Helper()

	v, err := db.Read(t.Context(), key)
	if err != nil {
		t.Fatalf("Read(%q): %v", key, err)
	}

	return v
}

func mustFind(t *testing.T, db *docstore.Engine, expr string) []string {
	t.Helper()

	keys, err := db.FindExpr(t.Context(), expr)
	if err != nil {
		t.Fatalf("FindExpr(%q): %v", expr, err)
	}

	return keys
}

// snapshotOnDisk decodes a JSON snapshot file without going through an engine.
func snapshotOnDisk(t *testing.T, path string) docstore.Value {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	return docstore.ParseValue(string(data))
}

// assertIndexesConsistent checks the live indexes against a fresh build
// from the live records.
func assertIndexesConsistent(t *testing.T, ctx context.Context, db *docstore.Engine) {
	t.Helper()

	records, err := db.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	m := make(map[string]docstore.Value, len(records))
	for _, r := range records {
		m[r.Key] = r.Value
	}

	want, err := docstore.BuildIndexes(ctx, m)
	if err != nil {
		t.Fatalf("BuildIndexes: %v", err)
	}

	got, err := db.Indexes(ctx)
	if err != nil {
		t.Fatalf("Indexes: %v", err)
	}

	if diff := cmp.Diff(want.View(), got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("indexes diverge from rebuild (-rebuilt +live):\n%s", diff)
	}
}

func keysEqual(t *testing.T, got, want []string) {
	t.Helper()

	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
}
