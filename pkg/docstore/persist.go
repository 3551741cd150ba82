package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/calvinalkan/docstore/pkg/fs"
)

// backupSuffix names the copy of the previous snapshot taken before a save.
const backupSuffix = ".bak"

// Save persists the store immediately, regardless of transaction state.
func (e *Engine) Save(ctx context.Context) error {
	return e.do(ctx, "save", "", func(ctx context.Context) error {
		return e.saveLocked(ctx)
	})
}

// saveLocked writes the whole store to Path.
//
// The directory (and the snapshot, if present) must be writable. A non-empty
// snapshot is first copied to Path+".bak". The new snapshot goes to a temp
// file that is synced and renamed over Path. Backup and write each get their
// own IOTimeout; on expiry the previous snapshot is left untouched.
func (e *Engine) saveLocked(ctx context.Context) (err error) {
	start := time.Now()
	path := e.opts.Path

	defer func() {
		if err != nil {
			e.logger.LogAttrs(ctx, slog.LevelWarn, "save failed",
				slog.String("path", path),
				slog.Any("error", err))

			return
		}

		e.metrics.observeSave(start)
	}()

	err = e.checkWritable(filepath.Dir(path))
	if err != nil {
		return err
	}

	info, statErr := e.fs.Stat(path)

	switch {
	case statErr == nil:
		err = e.checkWritable(path)
		if err != nil {
			return err
		}

		if info.Size() > 0 {
			err = e.backupLocked(ctx, path)
			if err != nil {
				return err
			}
		}
	case os.IsNotExist(statErr):
	default:
		return fmt.Errorf("stat snapshot: %w", statErr)
	}

	var buf bytes.Buffer

	err = encodeSnapshot(&buf, e.records, e.opts.Codec, e.opts.Compress)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, e.opts.IOTimeout)
	defer cancel()

	err = e.writer.Write(wctx, path, &buf, e.writer.DefaultOptions())
	if errors.Is(err, fs.ErrAtomicWriteDirSync) {
		e.logger.LogAttrs(ctx, slog.LevelWarn, "snapshot replaced but directory sync failed",
			slog.String("path", path),
			slog.Any("error", err))

		return nil
	}

	if err != nil {
		return deadlineToTimeout(err, "write snapshot")
	}

	return nil
}

func (e *Engine) backupLocked(ctx context.Context, path string) error {
	bctx, cancel := context.WithTimeout(ctx, e.opts.IOTimeout)
	defer cancel()

	err := fs.CopyFile(bctx, e.fs, path, path+backupSuffix, 0o644)
	if err != nil {
		return deadlineToTimeout(err, "backup snapshot")
	}

	return nil
}

func (e *Engine) checkWritable(path string) error {
	ok, err := e.fs.Writable(path)
	if err != nil {
		return fmt.Errorf("check write access: %w", err)
	}

	if !ok {
		return fmt.Errorf("%w: %s is not writable", ErrPermissionDenied, path)
	}

	return nil
}

// loadLocked populates the store from disk and builds the indexes.
func (e *Engine) loadLocked(ctx context.Context) error {
	path := e.opts.Path

	exists, err := e.fs.Exists(path)
	if err != nil {
		return fmt.Errorf("stat snapshot: %w", err)
	}

	if !exists && e.opts.LegacyPath != "" {
		migrated, err := e.migrateLegacyLocked(ctx)
		if err != nil || migrated {
			return err
		}
	}

	if !exists {
		e.logger.LogAttrs(ctx, slog.LevelInfo, "no snapshot found, starting empty", slog.String("path", path))

		return nil
	}

	records, err := e.readSnapshot(ctx, path)
	if errors.Is(err, ErrCorrupted) {
		e.logger.LogAttrs(ctx, slog.LevelWarn, "snapshot corrupted, resetting to empty store",
			slog.String("path", path),
			slog.Any("error", err))

		e.records = make(map[string]Value)
		e.indexes = newIndexes()

		return e.saveLocked(ctx)
	}

	if err != nil {
		return err
	}

	e.records = records

	return e.rebuildLocked(ctx)
}

func (e *Engine) readSnapshot(ctx context.Context, path string) (map[string]Value, error) {
	rctx, cancel := context.WithTimeout(ctx, e.opts.IOTimeout)
	defer cancel()

	f, err := e.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}

	defer func() { _ = f.Close() }()

	records, err := decodeSnapshot(fs.NewContextReader(rctx, f))
	if err != nil {
		if errors.Is(err, ErrCorrupted) {
			return nil, err
		}

		return nil, deadlineToTimeout(err, "read snapshot")
	}

	return records, nil
}

// migrateLegacyLocked loads an older uncompressed JSON snapshot, normalizes
// single attachments into the "_attachments" array, saves in the current
// format and removes the legacy file. Reports whether a migration happened.
func (e *Engine) migrateLegacyLocked(ctx context.Context) (bool, error) {
	legacy := e.opts.LegacyPath

	exists, err := e.fs.Exists(legacy)
	if err != nil || !exists {
		return false, err
	}

	records, err := e.readSnapshot(ctx, legacy)
	if errors.Is(err, ErrCorrupted) {
		e.logger.LogAttrs(ctx, slog.LevelWarn, "legacy snapshot unreadable, ignoring",
			slog.String("path", legacy),
			slog.Any("error", err))

		return false, nil
	}

	if err != nil {
		return false, err
	}

	for k, v := range records {
		records[k] = normalizeLegacyAttachment(v)
	}

	e.records = records

	err = e.rebuildLocked(ctx)
	if err != nil {
		return false, err
	}

	err = e.saveLocked(ctx)
	if err != nil {
		return false, fmt.Errorf("save migrated snapshot: %w", err)
	}

	err = e.fs.Remove(legacy)
	if err != nil && !os.IsNotExist(err) {
		e.logger.LogAttrs(ctx, slog.LevelWarn, "could not remove legacy snapshot",
			slog.String("path", legacy),
			slog.Any("error", err))
	}

	e.logger.LogAttrs(ctx, slog.LevelInfo, "migrated legacy snapshot",
		slog.String("from", legacy),
		slog.String("to", e.opts.Path),
		slog.Int("records", len(records)))

	return true, nil
}
