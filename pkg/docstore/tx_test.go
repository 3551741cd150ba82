package docstore_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/docstore/pkg/docstore"
	"github.com/calvinalkan/docstore/pkg/fs"
)

func Test_Rollback_Removes_Key_When_Created_In_Transaction(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db := openTestStoreAt(t, dir)
	ctx := t.Context()

	mustCreate(t, db, "a", "5")

	before, err := db.Indexes(ctx)
	require.NoError(t, err)

	require.NoError(t, db.Begin(ctx))
	mustCreate(t, db, "k", `"some words"`)
	require.NoError(t, db.Rollback(ctx))

	_, err = db.Read(ctx, "k")
	require.ErrorIs(t, err, docstore.ErrKeyNotFound)

	after, err := db.Indexes(ctx)
	require.NoError(t, err)
	require.Equal(t, before.Inverted, after.Inverted)
	require.Equal(t, before.Equality, after.Equality)

	keysEqual(t, mustFind(t, db, "fulltext words"), nil)
	require.Equal(t, `{"a":5}`, snapshotOnDisk(t, filepath.Join(dir, "db.json")).Canonical())
}

func Test_Rollback_Restores_Value_And_Range_Index_When_Updated_In_Transaction(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)
	ctx := t.Context()

	mustCreate(t, db, "a", "5")

	require.NoError(t, db.Begin(ctx))

	_, err := db.Update(ctx, "a", "6")
	require.NoError(t, err)
	keysEqual(t, mustFind(t, db, "> 5"), []string{"a"})

	require.NoError(t, db.Rollback(ctx))

	require.Equal(t, "5", mustRead(t, db, "a").Canonical())

	view, err := db.Indexes(ctx)
	require.NoError(t, err)
	require.Equal(t, []docstore.NumericEntry{{Value: 5, Key: "a"}}, view.Numeric)

	keysEqual(t, mustFind(t, db, "> 5"), nil)
	assertIndexesConsistent(t, ctx, db)
}

func Test_Rollback_Recreates_Key_When_Deleted_In_Transaction(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)
	ctx := t.Context()

	mustCreate(t, db, "a", `{"Class":"A"}`)

	require.NoError(t, db.Begin(ctx))
	require.NoError(t, db.Delete(ctx, "a"))
	keysEqual(t, mustFind(t, db, "Class = A"), nil)
	require.NoError(t, db.Rollback(ctx))

	keysEqual(t, mustFind(t, db, "Class = A"), []string{"a"})
	assertIndexesConsistent(t, ctx, db)
}

func Test_Rollback_Replays_In_Recorded_Order_When_Key_Created_Then_Updated(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)
	ctx := t.Context()

	require.NoError(t, db.Begin(ctx))
	mustCreate(t, db, "k", "1")

	_, err := db.Update(ctx, "k", "2")
	require.NoError(t, err)

	require.NoError(t, db.Rollback(ctx))

	// The create record removes k, then the update record restores its
	// prior value.
	require.Equal(t, "1", mustRead(t, db, "k").Canonical())
	assertIndexesConsistent(t, ctx, db)
}

func Test_Transaction_Defers_Persistence_When_Active(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db := openTestStoreAt(t, dir)
	ctx := t.Context()
	path := filepath.Join(dir, "db.json")

	mustCreate(t, db, "a", "1")

	require.NoError(t, db.Begin(ctx))

	active, err := db.InTransaction(ctx)
	require.NoError(t, err)
	require.True(t, active)

	mustCreate(t, db, "b", "2")
	require.NoError(t, db.Delete(ctx, "a"))

	require.Equal(t, `{"a":1}`, snapshotOnDisk(t, path).Canonical())

	require.NoError(t, db.Commit(ctx))
	require.Equal(t, `{"b":2}`, snapshotOnDisk(t, path).Canonical())

	active, err = db.InTransaction(ctx)
	require.NoError(t, err)
	require.False(t, active)
}

func Test_Begin_Returns_TransactionInProgress_When_Already_Active(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)
	ctx := t.Context()

	require.NoError(t, db.Begin(ctx))
	require.ErrorIs(t, db.Begin(ctx), docstore.ErrTransactionInProgress)
}

func Test_Commit_And_Rollback_Return_NoTransaction_When_Idle(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)
	ctx := t.Context()

	require.ErrorIs(t, db.Commit(ctx), docstore.ErrNoTransaction)
	require.ErrorIs(t, db.Rollback(ctx), docstore.ErrNoTransaction)

	require.NoError(t, db.Begin(ctx))
	require.NoError(t, db.Commit(ctx))
	require.ErrorIs(t, db.Rollback(ctx), docstore.ErrNoTransaction)
}

func Test_Commit_Leaves_Transaction_Active_When_Save_Fails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	chaos := fs.NewChaos(fs.NewReal(), 1, &fs.ChaosConfig{RenameFailRate: 1})
	chaos.SetMode(fs.ChaosModeNoOp)

	db := openTestStoreAt(t, dir, withOptions(func(o *docstore.Options) { o.FS = chaos }))
	ctx := t.Context()

	require.NoError(t, db.Begin(ctx))
	mustCreate(t, db, "a", "1")

	chaos.SetMode(fs.ChaosModeActive)

	err := db.Commit(ctx)
	require.Error(t, err)
	require.True(t, fs.IsChaosErr(err), "err = %v", err)

	active, err := db.InTransaction(ctx)
	require.NoError(t, err)
	require.True(t, active)

	chaos.SetMode(fs.ChaosModeNoOp)
	require.NoError(t, db.Commit(ctx))
	require.Equal(t, `{"a":1}`, snapshotOnDisk(t, filepath.Join(dir, "db.json")).Canonical())
}

func Test_Close_Discards_Transaction_When_Uncommitted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := t.Context()

	db, err := docstore.Open(ctx, testOptions(t, dir))
	require.NoError(t, err)

	mustCreate(t, db, "a", "1")
	require.NoError(t, db.Begin(ctx))
	mustCreate(t, db, "b", "2")
	require.NoError(t, db.Close())

	db2 := openTestStoreAt(t, dir)

	_, err = db2.Read(ctx, "b")
	require.True(t, errors.Is(err, docstore.ErrKeyNotFound), "err = %v", err)
	require.Equal(t, "1", mustRead(t, db2, "a").Canonical())
}

func Test_Find_Rebuilds_Indexes_When_Marked_Stale(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)
	ctx := t.Context()

	mustCreate(t, db, "a", "5")
	mustCreate(t, db, "b", `"five apples"`)

	db.MarkStale()
	require.True(t, db.IndexesStale())

	// Writes while stale skip incremental maintenance.
	mustCreate(t, db, "c", "9")

	keysEqual(t, mustFind(t, db, "> 4"), []string{"a", "c"})
	require.False(t, db.IndexesStale())
	keysEqual(t, mustFind(t, db, "fulltext apples"), []string{"b"})
	assertIndexesConsistent(t, ctx, db)
}
