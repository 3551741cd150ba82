package fs_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/calvinalkan/docstore/pkg/fs"
)

const testContentHello = "hello world"

func listDir(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}

func Test_AtomicWriter_Replaces_File_When_Write_Succeeds(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	err := os.WriteFile(path, []byte("old"), 0o600)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	w := fs.NewAtomicWriter(fs.NewReal())

	err = w.Write(t.Context(), path, strings.NewReader(testContentHello), w.DefaultOptions())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != testContentHello {
		t.Fatalf("content=%q, want %q", got, testContentHello)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if got, want := info.Mode().Perm(), os.FileMode(0o644); got != want {
		t.Fatalf("perm=%v, want=%v", got, want)
	}

	if names := listDir(t, dir); len(names) != 1 {
		t.Fatalf("dir entries=%v, want only final.txt", names)
	}
}

func Test_AtomicWriter_Keeps_Old_Content_When_Rename_Fails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	err := os.WriteFile(path, []byte("old"), 0o600)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	chaos := fs.NewChaos(fs.NewReal(), 1, &fs.ChaosConfig{RenameFailRate: 1})
	w := fs.NewAtomicWriter(chaos)

	err = w.Write(t.Context(), path, strings.NewReader(testContentHello), w.DefaultOptions())
	if !fs.IsChaosErr(err) {
		t.Fatalf("err=%v, want injected rename failure", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "old" {
		t.Fatalf("content=%q, want %q", got, "old")
	}

	if names := listDir(t, dir); len(names) != 1 {
		t.Fatalf("temp file left behind: %v", names)
	}

	if chaos.TotalFaults() != 1 {
		t.Fatalf("faults=%d, want 1", chaos.TotalFaults())
	}
}

func Test_AtomicWriter_Stops_And_Cleans_Up_When_Context_Expires(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	chaos := fs.NewChaos(fs.NewReal(), 1, &fs.ChaosConfig{WriteDelay: 30 * time.Millisecond})
	w := fs.NewAtomicWriter(chaos)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	// Many small reads force several chunks so the deadline is seen mid-copy.
	src := &chunkedReader{data: bytes.Repeat([]byte("x"), 64), chunk: 8}

	err := w.Write(ctx, path, src, w.DefaultOptions())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want %v", err, context.DeadlineExceeded)
	}

	if names := listDir(t, dir); len(names) != 0 {
		t.Fatalf("dir entries=%v, want none", names)
	}
}

func Test_AtomicWriter_Rejects_Invalid_Arguments(t *testing.T) {
	t.Parallel()

	w := fs.NewAtomicWriter(fs.NewReal())

	err := w.Write(t.Context(), "", strings.NewReader("x"), w.DefaultOptions())
	if err == nil {
		t.Fatal("empty path should fail")
	}

	err = w.Write(t.Context(), filepath.Join(t.TempDir(), "f"), strings.NewReader("x"), fs.AtomicWriteOptions{})
	if err == nil {
		t.Fatal("zero perm should fail")
	}
}

func Test_CopyFile_Truncates_Destination_When_It_Exists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	if err := os.WriteFile(src, []byte("short"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := os.WriteFile(dst, []byte("a much longer previous content"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	err := fs.CopyFile(t.Context(), fs.NewReal(), src, dst, 0o600)
	if err != nil {
		t.Fatalf("CopyFile: %v", err)
	}

	got, _ := os.ReadFile(dst)
	if string(got) != "short" {
		t.Fatalf("dst=%q, want %q", got, "short")
	}
}

func Test_ContextReader_Fails_When_Context_Done(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	r := fs.NewContextReader(ctx, strings.NewReader("abc"))

	buf := make([]byte, 1)

	if _, err := r.Read(buf); err != nil {
		t.Fatalf("Read before cancel: %v", err)
	}

	cancel()

	if _, err := r.Read(buf); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want %v", err, context.Canceled)
	}
}

type chunkedReader struct {
	data  []byte
	chunk int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}

	n := min(len(p), c.chunk, len(c.data))
	copy(p, c.data[:n])
	c.data = c.data[n:]

	return n, nil
}
