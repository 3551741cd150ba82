package docstore_test

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/calvinalkan/docstore/pkg/docstore"
	"github.com/calvinalkan/docstore/pkg/fs"
)

func Test_Read_Returns_KeyNotFound_When_Key_Missing(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)

	_, err := db.Read(t.Context(), "nope")
	if !errors.Is(err, docstore.ErrKeyNotFound) {
		t.Fatalf("err = %v, want %v", err, docstore.ErrKeyNotFound)
	}

	var dErr *docstore.Error
	if !errors.As(err, &dErr) {
		t.Fatalf("err = %T, want *docstore.Error", err)
	}

	if got, want := dErr.Op, "read"; got != want {
		t.Fatalf("Op = %q, want %q", got, want)
	}

	if got, want := dErr.Key, "nope"; got != want {
		t.Fatalf("Key = %q, want %q", got, want)
	}
}

func Test_Read_Returns_Created_Value_When_Key_Created(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)

	raw := `{"Name":"Alice","Age":20,"Grade":"A","Class":"1A","Subjects":["Math"]}`
	mustCreate(t, db, "alice", raw)

	got := mustRead(t, db, "alice")
	if want := docstore.ParseValue(raw); got.Canonical() != want.Canonical() {
		t.Fatalf("Read = %s, want %s", got, want)
	}
}

func Test_Create_Returns_KeyExists_When_Key_Present(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)
	mustCreate(t, db, "a", "1")

	_, err := db.Create(t.Context(), "a", "2")
	if !errors.Is(err, docstore.ErrKeyExists) {
		t.Fatalf("err = %v, want %v", err, docstore.ErrKeyExists)
	}

	if got := mustRead(t, db, "a"); got.Canonical() != "1" {
		t.Fatalf("value changed to %s", got)
	}
}

func Test_Create_Returns_EmptyKey_When_Key_Empty(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)

	_, err := db.Create(t.Context(), "", "1")
	if !errors.Is(err, docstore.ErrEmptyKey) {
		t.Fatalf("err = %v, want %v", err, docstore.ErrEmptyKey)
	}
}

func Test_Update_Returns_KeyNotFound_When_Key_Missing(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)

	_, err := db.Update(t.Context(), "a", "1")
	if !errors.Is(err, docstore.ErrKeyNotFound) {
		t.Fatalf("err = %v, want %v", err, docstore.ErrKeyNotFound)
	}

	err = db.Delete(t.Context(), "a")
	if !errors.Is(err, docstore.ErrKeyNotFound) {
		t.Fatalf("Delete err = %v, want %v", err, docstore.ErrKeyNotFound)
	}
}

func Test_Find_Returns_Range_Matches_When_Numbers_Stored(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)
	mustCreate(t, db, "a", "5")
	mustCreate(t, db, "b", "7")

	keysEqual(t, mustFind(t, db, "> 5"), []string{"b"})
	keysEqual(t, mustFind(t, db, "< 7"), []string{"a"})
}

func Test_Find_Field_Query_Stops_Matching_When_Record_Deleted(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)
	mustCreate(t, db, "s1", `{"Class":"A"}`)

	keysEqual(t, mustFind(t, db, "Class = A"), []string{"s1"})

	err := db.Delete(t.Context(), "s1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}

	keysEqual(t, mustFind(t, db, "Class = A"), nil)
	assertIndexesConsistent(t, t.Context(), db)
}

func Test_Update_Moves_Index_Entries_When_Value_Changes(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)
	mustCreate(t, db, "a", `"red apple"`)

	_, err := db.Update(t.Context(), "a", "42")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	keysEqual(t, mustFind(t, db, "fulltext apple"), nil)
	keysEqual(t, mustFind(t, db, "> 41"), []string{"a"})
	keysEqual(t, mustFind(t, db, "= 42"), []string{"a"})
	assertIndexesConsistent(t, t.Context(), db)
}

func Test_Indexes_Match_Rebuild_When_Random_Operations_Applied(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)
	ctx := t.Context()
	rng := rand.New(rand.NewPCG(7, 11))

	values := []string{
		"1", "2.5", "-3", "true", "null", `"hello world"`, "plain words here",
		`{"Class":"A","n":3}`, `{"Class":"B"}`, `[1,"two",3]`, `"HELLO"`, "7",
	}

	live := map[string]bool{}

	for i := range 300 {
		key := fmt.Sprintf("k%d", rng.IntN(25))
		raw := values[rng.IntN(len(values))]

		switch rng.IntN(3) {
		case 0:
			_, err := db.Create(ctx, key, raw)
			if live[key] != errors.Is(err, docstore.ErrKeyExists) {
				t.Fatalf("step %d: create %s: err=%v live=%v", i, key, err, live[key])
			}

			live[key] = true
		case 1:
			_, err := db.Update(ctx, key, raw)
			if !live[key] != errors.Is(err, docstore.ErrKeyNotFound) {
				t.Fatalf("step %d: update %s: err=%v live=%v", i, key, err, live[key])
			}
		case 2:
			err := db.Delete(ctx, key)
			if !live[key] != errors.Is(err, docstore.ErrKeyNotFound) {
				t.Fatalf("step %d: delete %s: err=%v live=%v", i, key, err, live[key])
			}

			delete(live, key)
		}
	}

	assertIndexesConsistent(t, ctx, db)
}

func Test_Open_Reproduces_Store_And_Indexes_When_Reopened(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		mods []testOpt
	}{
		{name: "json"},
		{name: "json-gzip", mods: []testOpt{withCompress()}},
		{name: "msgpack", mods: []testOpt{withCodec(docstore.CodecMsgpack)}},
		{name: "msgpack-gzip", mods: []testOpt{withCodec(docstore.CodecMsgpack), withCompress()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			ctx := t.Context()

			db, err := docstore.Open(ctx, testOptions(t, dir, tc.mods...))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}

			for k, raw := range map[string]string{
				"i": "5", "f": "5.0", "s": "text here", "n": "null", "b": "false",
				"o": `{"Name":"Al","Age":3,"Grade":1,"Class":"x","Subjects":["Art"]}`,
				"a": `[1, 2.5, "x", {"k": [true]}]`,
			} {
				mustCreate(t, db, k, raw)
			}

			before, _ := db.List(ctx)
			beforeIdx, _ := db.Indexes(ctx)

			err = db.Close()
			if err != nil {
				t.Fatalf("Close: %v", err)
			}

			db2 := openTestStoreAt(t, dir, tc.mods...)

			after, err := db2.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}

			if diff := cmp.Diff(canonRecords(before), canonRecords(after)); diff != "" {
				t.Fatalf("records differ after reopen (-before +after):\n%s", diff)
			}

			afterIdx, err := db2.Indexes(ctx)
			if err != nil {
				t.Fatalf("Indexes: %v", err)
			}

			if diff := cmp.Diff(beforeIdx, afterIdx, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("indexes differ after reopen (-before +after):\n%s", diff)
			}
		})
	}
}

func Test_Open_Loads_Snapshot_When_Codec_Changed_Between_Runs(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name        string
		first, next docstore.Codec
		compress    bool
	}{
		{name: "json-to-msgpack", first: docstore.CodecJSON, next: docstore.CodecMsgpack},
		{name: "msgpack-to-json", first: docstore.CodecMsgpack, next: docstore.CodecJSON},
		{name: "json-to-msgpack-gzip", first: docstore.CodecJSON, next: docstore.CodecMsgpack, compress: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			ctx := t.Context()

			mods := func(c docstore.Codec) []testOpt {
				m := []testOpt{withCodec(c)}
				if tc.compress {
					m = append(m, withCompress())
				}

				return m
			}

			db, err := docstore.Open(ctx, testOptions(t, dir, mods(tc.first)...))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}

			mustCreate(t, db, "a", "5")
			mustCreate(t, db, "b", "7")

			err = db.Close()
			if err != nil {
				t.Fatalf("Close: %v", err)
			}

			db2, err := docstore.Open(ctx, testOptions(t, dir, mods(tc.next)...))
			if err != nil {
				t.Fatalf("reopen with %s: %v", tc.next, err)
			}

			keysEqual(t, mustFind(t, db2, "> 0"), []string{"a", "b"})

			// The next write converts the snapshot to the new codec.
			mustCreate(t, db2, "c", "9")

			err = db2.Close()
			if err != nil {
				t.Fatalf("Close: %v", err)
			}

			db3 := openTestStoreAt(t, dir, mods(tc.first)...)

			got, err := db3.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}

			want := map[string]string{"a": "5", "b": "7", "c": "9"}
			if diff := cmp.Diff(want, canonRecords(got)); diff != "" {
				t.Fatalf("records after codec switch (-want +got):\n%s", diff)
			}
		})
	}
}

func canonRecords(recs []docstore.Record) map[string]string {
	out := make(map[string]string, len(recs))
	for _, r := range recs {
		out[r.Key] = r.Value.Canonical()
	}

	return out
}

func Test_Save_Writes_Backup_Of_Previous_Snapshot_When_File_Exists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db := openTestStoreAt(t, dir)
	path := filepath.Join(dir, "db.json")

	mustCreate(t, db, "a", "1")

	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	mustCreate(t, db, "b", "2")

	backup, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}

	if got, want := string(backup), string(first); got != want {
		t.Fatalf("backup = %q, want %q", got, want)
	}

	if got, want := snapshotOnDisk(t, path).Canonical(), `{"a":1,"b":2}`; got != want {
		t.Fatalf("snapshot = %s, want %s", got, want)
	}
}

func Test_Save_Writes_Gzip_When_Compress_Enabled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db := openTestStoreAt(t, dir, withCompress())
	mustCreate(t, db, "a", "1")

	data, err := os.ReadFile(filepath.Join(dir, "db.json.gz"))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		t.Fatalf("snapshot does not start with gzip magic: % x", data[:min(len(data), 4)])
	}
}

func Test_Open_Resets_To_Empty_When_Snapshot_Corrupted(t *testing.T) {
	t.Parallel()

	for name, content := range map[string]string{
		"garbage":      "{not json",
		"non-object":   "[1,2,3]",
		"empty":        "",
		"gzip-garbage": "\x1f\x8b\x08\x00\x00\x00\x00\x00\x00\xff\xde\xad\xbe\xef\x00\x01",
		"msgpack-cut":  "\x81\xa1",
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			path := filepath.Join(dir, "db.json")

			err := os.WriteFile(path, []byte(content), 0o644)
			if err != nil {
				t.Fatalf("setup: %v", err)
			}

			db := openTestStoreAt(t, dir)

			n, err := db.Len(t.Context())
			if err != nil || n != 0 {
				t.Fatalf("Len = %d, %v; want 0, nil", n, err)
			}

			if got, want := snapshotOnDisk(t, path).Canonical(), "{}"; got != want {
				t.Fatalf("snapshot = %s, want %s", got, want)
			}

			if content == "" {
				return
			}

			backup, err := os.ReadFile(path + ".bak")
			if err != nil {
				t.Fatalf("read backup: %v", err)
			}

			if got := string(backup); got != content {
				t.Fatalf("backup = %q, want corrupt original %q", got, content)
			}
		})
	}
}

func Test_Create_Returns_PermissionDenied_When_Directory_Read_Only(t *testing.T) {
	t.Parallel()

	chaos := fs.NewChaos(fs.NewReal(), 1, &fs.ChaosConfig{ReadOnly: true})
	chaos.SetMode(fs.ChaosModeNoOp)

	db := openTestStore(t, withOptions(func(o *docstore.Options) { o.FS = chaos }))
	mustCreate(t, db, "a", "1")

	chaos.SetMode(fs.ChaosModeActive)

	_, err := db.Create(t.Context(), "b", "2")
	if !errors.Is(err, docstore.ErrPermissionDenied) {
		t.Fatalf("err = %v, want %v", err, docstore.ErrPermissionDenied)
	}

	_, err = db.Read(t.Context(), "b")
	if !errors.Is(err, docstore.ErrKeyNotFound) {
		t.Fatalf("failed create left key behind: err = %v", err)
	}

	assertIndexesConsistent(t, t.Context(), db)
}

func Test_Write_Keeps_Previous_Snapshot_When_Rename_Fails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	chaos := fs.NewChaos(fs.NewReal(), 1, &fs.ChaosConfig{RenameFailRate: 1})
	chaos.SetMode(fs.ChaosModeNoOp)

	db := openTestStoreAt(t, dir, withOptions(func(o *docstore.Options) { o.FS = chaos }))
	mustCreate(t, db, "a", "5")

	chaos.SetMode(fs.ChaosModeActive)

	_, err := db.Update(t.Context(), "a", "6")
	if err == nil || !fs.IsChaosErr(err) {
		t.Fatalf("err = %v, want injected rename failure", err)
	}

	if got := mustRead(t, db, "a"); got.Canonical() != "5" {
		t.Fatalf("in-memory value = %s, want 5 after failed save", got)
	}

	err = db.Delete(t.Context(), "a")
	if err == nil {
		t.Fatal("Delete should fail while renames fail")
	}

	if got, want := snapshotOnDisk(t, filepath.Join(dir, "db.json")).Canonical(), `{"a":5}`; got != want {
		t.Fatalf("snapshot = %s, want %s", got, want)
	}

	keysEqual(t, mustFind(t, db, "= 5"), []string{"a"})
	assertIndexesConsistent(t, t.Context(), db)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" && filepath.Ext(e.Name()) != ".bak" && filepath.Ext(e.Name()) != ".lock" {
			t.Fatalf("unexpected leftover file %q", e.Name())
		}
	}
}

func Test_Create_Returns_Timeout_When_Write_Exceeds_IO_Deadline(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	chaos := fs.NewChaos(fs.NewReal(), 1, &fs.ChaosConfig{WriteDelay: 50 * time.Millisecond})
	chaos.SetMode(fs.ChaosModeNoOp)

	db := openTestStoreAt(t, dir, withOptions(func(o *docstore.Options) {
		o.FS = chaos
		o.IOTimeout = 10 * time.Millisecond
	}))
	mustCreate(t, db, "a", "1")

	chaos.SetMode(fs.ChaosModeActive)

	_, err := db.Create(t.Context(), "b", "2")
	if !errors.Is(err, docstore.ErrTimeout) {
		t.Fatalf("err = %v, want %v", err, docstore.ErrTimeout)
	}

	chaos.SetMode(fs.ChaosModeNoOp)

	if got, want := snapshotOnDisk(t, filepath.Join(dir, "db.json")).Canonical(), `{"a":1}`; got != want {
		t.Fatalf("snapshot = %s, want %s", got, want)
	}
}

func Test_Read_Returns_LockTimeout_When_Lock_Held(t *testing.T) {
	t.Parallel()

	db := openTestStore(t, withShortLockTimeout())

	release, err := db.HoldLock(t.Context())
	if err != nil {
		t.Fatalf("HoldLock: %v", err)
	}

	_, err = db.Read(t.Context(), "a")
	if !errors.Is(err, docstore.ErrLockTimeout) {
		t.Fatalf("err = %v, want %v", err, docstore.ErrLockTimeout)
	}

	release()

	_, err = db.Read(t.Context(), "a")
	if !errors.Is(err, docstore.ErrKeyNotFound) {
		t.Fatalf("after release err = %v, want %v", err, docstore.ErrKeyNotFound)
	}
}

func Test_Open_Returns_LockTimeout_When_Store_Already_Open(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_ = openTestStoreAt(t, dir)

	_, err := docstore.Open(t.Context(), testOptions(t, dir, withShortLockTimeout()))
	if !errors.Is(err, docstore.ErrLockTimeout) {
		t.Fatalf("err = %v, want %v", err, docstore.ErrLockTimeout)
	}
}

func Test_Close_Is_Idempotent_And_Rejects_Later_Calls(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	db, err := docstore.Open(t.Context(), testOptions(t, dir))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	_, err = db.Read(t.Context(), "a")
	if !errors.Is(err, docstore.ErrClosed) {
		t.Fatalf("err = %v, want %v", err, docstore.ErrClosed)
	}

	// The file lock is released, so the store can be opened again.
	_ = openTestStoreAt(t, dir)
}

func Test_Engine_Serializes_Writers_When_Called_Concurrently(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)
	ctx := t.Context()

	const workers, perWorker = 8, 10

	var wg sync.WaitGroup

	errs := make(chan error, workers*perWorker)

	for w := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range perWorker {
				_, err := db.Create(ctx, fmt.Sprintf("w%d-%d", w, i), fmt.Sprintf(`{"n":%d,"w":"worker %d"}`, i, w))
				if err != nil {
					errs <- err
				}
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent create: %v", err)
	}

	n, err := db.Len(ctx)
	if err != nil || n != workers*perWorker {
		t.Fatalf("Len = %d, %v; want %d", n, err, workers*perWorker)
	}

	assertIndexesConsistent(t, ctx, db)
}
