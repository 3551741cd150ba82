// Package blob stores gzip-compressed file attachments in a flat directory.
//
// Each upload becomes one file named "<key>_<uuid>_<filename>.gz". The uuid
// keeps repeated uploads of the same filename apart. Files are written via
// [fs.AtomicWriter], so a crash never leaves a partial blob under its final
// name. A 64-bit xxhash of the uncompressed content is recorded in [Meta] and
// verified on every [Store.Get].
package blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/calvinalkan/docstore/pkg/fs"
)

var (
	// ErrNotFound indicates the blob file does not exist.
	ErrNotFound = errors.New("blob not found")

	// ErrChecksum indicates the decompressed content does not match [Meta.Checksum].
	ErrChecksum = errors.New("blob checksum mismatch")
)

// Meta describes one stored attachment.
type Meta struct {
	// Path is the blob's file name inside the store directory.
	Path string

	// Name is the original file name, without directories.
	Name string

	// Ext is the lowercase extension of Name including the dot, or "".
	Ext string

	CompressedSize int64
	OriginalSize   int64
	UploadedAt     time.Time
	MIMEType       string

	// Checksum is the hex xxhash64 of the uncompressed content.
	Checksum string
}

// Store manages blobs under a single directory.
type Store struct {
	dir    string
	fs     fs.FS
	writer *fs.AtomicWriter
	now    func() time.Time
}

// NewStore returns a store rooted at dir. The directory is created on first Put.
func NewStore(dir string, fsys fs.FS) *Store {
	if fsys == nil {
		fsys = fs.NewReal()
	}

	return &Store{
		dir:    dir,
		fs:     fsys,
		writer: fs.NewAtomicWriter(fsys),
		now:    time.Now,
	}
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Put compresses the file at srcPath into the store on behalf of key.
func (s *Store) Put(ctx context.Context, key, srcPath string) (Meta, error) {
	src, err := s.fs.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, fmt.Errorf("open %q: %w", srcPath, ErrNotFound)
		}

		return Meta{}, fmt.Errorf("open %q: %w", srcPath, err)
	}

	defer func() { _ = src.Close() }()

	head := make([]byte, 512)

	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Meta{}, fmt.Errorf("read %q: %w", srcPath, err)
	}

	head = head[:n]

	name := filepath.Base(srcPath)
	meta := Meta{
		Path:       safeName(key) + "_" + uuid.NewString() + "_" + safeName(name) + ".gz",
		Name:       name,
		Ext:        strings.ToLower(filepath.Ext(name)),
		UploadedAt: s.now().UTC().Truncate(time.Second),
		MIMEType:   detectMIME(name, head),
	}

	err = s.fs.MkdirAll(s.dir, 0o750)
	if err != nil {
		return Meta{}, fmt.Errorf("create blob dir: %w", err)
	}

	hasher := xxhash.New()
	original := &countingReader{r: io.TeeReader(io.MultiReader(bytes.NewReader(head), src), hasher)}

	pr, pw := io.Pipe()

	go func() {
		gz := gzip.NewWriter(pw)
		gz.Name = name

		_, copyErr := io.Copy(gz, fs.NewContextReader(ctx, original))
		pw.CloseWithError(errors.Join(copyErr, gz.Close()))
	}()

	compressed := &countingReader{r: pr}

	err = s.writer.Write(ctx, s.path(meta.Path), compressed, s.writer.DefaultOptions())

	// Unblocks the compressor if the writer stopped reading early.
	_ = pr.CloseWithError(io.ErrClosedPipe)

	if err != nil {
		return Meta{}, fmt.Errorf("write blob: %w", err)
	}

	meta.OriginalSize = original.n
	meta.CompressedSize = compressed.n
	meta.Checksum = strconv.FormatUint(hasher.Sum64(), 16)

	return meta, nil
}

// Get decompresses the blob described by m into w, verifying its checksum.
// On mismatch w has already received the content and [ErrChecksum] is returned.
func (s *Store) Get(ctx context.Context, m Meta, w io.Writer) error {
	f, err := s.fs.Open(s.path(m.Path))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("open %q: %w", m.Path, ErrNotFound)
		}

		return fmt.Errorf("open %q: %w", m.Path, err)
	}

	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(fs.NewContextReader(ctx, f))
	if err != nil {
		return fmt.Errorf("decompress %q: %w", m.Path, err)
	}

	hasher := xxhash.New()

	_, err = io.Copy(io.MultiWriter(w, hasher), gz)
	if err != nil {
		return fmt.Errorf("decompress %q: %w", m.Path, err)
	}

	err = gz.Close()
	if err != nil {
		return fmt.Errorf("decompress %q: %w", m.Path, err)
	}

	if m.Checksum != "" && strconv.FormatUint(hasher.Sum64(), 16) != m.Checksum {
		return fmt.Errorf("%q: %w", m.Path, ErrChecksum)
	}

	return nil
}

// Remove deletes the blob file. A missing file is not an error.
func (s *Store) Remove(_ context.Context, m Meta) error {
	err := s.fs.Remove(s.path(m.Path))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %q: %w", m.Path, err)
	}

	return nil
}

// path resolves a blob file name inside the store directory. Only the base
// name is used so metadata cannot point outside dir.
func (s *Store) path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

func detectMIME(name string, head []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}

	return http.DetectContentType(head)
}

// safeName replaces anything but ASCII letters, digits, '.', '-' and '_'.
func safeName(s string) string {
	var sb strings.Builder

	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}

	if sb.Len() == 0 {
		return "_"
	}

	return sb.String()
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)

	return n, err
}
