package docstore_test

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/docstore/pkg/docstore"
)

func Test_ImportCSV_Creates_Rows_And_Reports_Failures_When_Some_Rows_Bad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db := openTestStoreAt(t, dir)
	mustCreate(t, db, "dup", "0")

	in := "id,key,value\n" +
		"1,a,5\n" +
		`2,b,"{""Class"":""A""}"` + "\n" +
		"3,dup,1\n" +
		"4,,2\n" +
		"5,c,plain text\n"

	res, err := db.ImportCSV(t.Context(), strings.NewReader(in))
	require.NoError(t, err)

	assert.Equal(t, 3, res.Created)
	require.Len(t, res.Failed, 2)
	assert.ErrorIs(t, res.Failed[0].Err, docstore.ErrKeyExists)
	assert.Equal(t, "dup", res.Failed[0].Key)
	assert.ErrorIs(t, res.Failed[1].Err, docstore.ErrEmptyKey)

	keysEqual(t, mustFind(t, db, "Class = A"), []string{"b"})
	assert.Equal(t, `{"a":5,"b":{"Class":"A"},"c":"plain text","dup":0}`,
		snapshotOnDisk(t, filepath.Join(dir, "db.json")).Canonical())
}

func Test_ImportCSV_Returns_InvalidCSV_When_Header_Lacks_Columns(t *testing.T) {
	t.Parallel()

	db := openTestStore(t)

	for _, in := range []string{"", "key,val\na,1\n", "k,value\n"} {
		_, err := db.ImportCSV(t.Context(), strings.NewReader(in))
		if !errors.Is(err, docstore.ErrInvalidCSV) {
			t.Fatalf("ImportCSV(%q) err = %v, want %v", in, err, docstore.ErrInvalidCSV)
		}
	}
}

func Test_ImportCSV_Joins_Transaction_When_Active(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db := openTestStoreAt(t, dir)
	ctx := t.Context()

	var sb strings.Builder

	sb.WriteString("key,value\n")

	for i := range 250 {
		fmt.Fprintf(&sb, "k%03d,%d\n", i, i)
	}

	require.NoError(t, db.Begin(ctx))

	res, err := db.ImportCSV(ctx, strings.NewReader(sb.String()))
	require.NoError(t, err)
	require.Equal(t, 250, res.Created)

	n, err := db.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 250, n)

	require.NoError(t, db.Rollback(ctx))

	n, err = db.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	assertIndexesConsistent(t, ctx, db)
}

func Test_ExportCSV_Roundtrips_Values_When_Reimported(t *testing.T) {
	t.Parallel()

	src := openTestStore(t)
	ctx := t.Context()

	values := map[string]string{
		"int":    "5",
		"float":  "5.0",
		"numstr": `"123"`,
		"text":   "hello, world",
		"obj":    `{"Name":"Ann","Age":15,"Grade":"A","Class":"1A","Subjects":["Math"]}`,
		"arr":    `[1,"a",null]`,
		"quote":  `say "hi"`,
	}

	for k, raw := range values {
		mustCreate(t, src, k, raw)
	}

	var buf bytes.Buffer

	n, err := src.ExportCSV(ctx, &buf)
	require.NoError(t, err)
	require.Equal(t, len(values), n)
	require.True(t, strings.HasPrefix(buf.String(), "key,value\n"))

	dst := openTestStore(t)

	res, err := dst.ImportCSV(ctx, &buf)
	require.NoError(t, err)
	require.Empty(t, res.Failed)

	for k := range values {
		require.Equal(t, mustRead(t, src, k).Canonical(), mustRead(t, dst, k).Canonical(), "key %s", k)
	}
}
