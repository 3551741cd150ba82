package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/calvinalkan/docstore/internal/config"
	"github.com/calvinalkan/docstore/pkg/docstore"
	"github.com/calvinalkan/docstore/pkg/fs"
)

// app carries what every command needs once global flags and config are
// resolved.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	in     io.Reader
	fsys   fs.FS

	// historyFile is where the interactive shell keeps its history. Empty
	// disables history.
	historyFile string
}

func (a *app) open(ctx context.Context) (*docstore.Engine, error) {
	opts := a.cfg.StoreOptions(a.logger)
	opts.FS = a.fsys

	return docstore.Open(ctx, opts)
}

// withStore opens the store, runs fn and closes the store again, releasing
// the file lock.
func (a *app) withStore(ctx context.Context, fn func(db *docstore.Engine) error) (err error) {
	db, err := a.open(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	return fn(db)
}

// resolve makes path absolute against the effective working directory.
func (a *app) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(a.cfg.EffectiveCwd, path)
}

// writeFile atomically replaces path with data, creating missing parent
// directories.
func (a *app) writeFile(ctx context.Context, path string, data []byte) error {
	abs := a.resolve(path)

	err := a.fsys.MkdirAll(filepath.Dir(abs), 0o755)
	if err != nil {
		return err
	}

	w := fs.NewAtomicWriter(a.fsys)

	return w.Write(ctx, abs, bytes.NewReader(data), w.DefaultOptions())
}
