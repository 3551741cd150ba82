package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/docstore/pkg/blob"
	"github.com/calvinalkan/docstore/pkg/fs"
)

// Default timeouts, applied when the corresponding [Options] field is zero.
const (
	DefaultLockTimeout    = 5 * time.Second
	DefaultIOTimeout      = 5 * time.Second
	DefaultRebuildTimeout = 30 * time.Second
)

// Codec selects the snapshot encoding.
type Codec string

const (
	// CodecJSON writes an indented JSON object of key to value.
	CodecJSON Codec = "json"

	// CodecMsgpack writes a msgpack map of key to value.
	CodecMsgpack Codec = "msgpack"
)

// AttachmentStore holds attachment content outside the snapshot.
// [*blob.Store] is the standard implementation.
type AttachmentStore interface {
	Put(ctx context.Context, key, srcPath string) (blob.Meta, error)
	Get(ctx context.Context, m blob.Meta, w io.Writer) error
	Remove(ctx context.Context, m blob.Meta) error
}

// Options configures [Open].
type Options struct {
	// Path is the snapshot file. Required.
	Path string

	// Compress gzips the snapshot. Loading detects gzip regardless.
	Compress bool

	// Codec selects the snapshot encoding for writes. Loading detects the
	// codec from the content. Default: CodecJSON.
	Codec Codec

	// LegacyPath is an older uncompressed snapshot to migrate from when Path
	// does not exist yet. When empty and Path ends in ".gz", it defaults to
	// Path without that suffix.
	LegacyPath string

	// LockTimeout bounds waiting for the engine lock. Default: 5s.
	LockTimeout time.Duration

	// IOTimeout bounds each persistence step (backup, write, load). Default: 5s.
	IOTimeout time.Duration

	// RebuildTimeout bounds a full index rebuild. Default: 30s.
	RebuildTimeout time.Duration

	// FS is the filesystem used for snapshots and the lock file.
	// Default: [fs.NewReal].
	FS fs.FS

	// Attachments stores attachment content. Nil disables attachments.
	Attachments AttachmentStore

	// Logger receives engine events. Default: [slog.Default].
	Logger *slog.Logger

	// Registerer receives the engine's Prometheus collectors. Nil skips
	// registration.
	Registerer prometheus.Registerer
}

func (o Options) withDefaults() (Options, error) {
	if o.Path == "" {
		return o, errors.New("Options.Path is required")
	}

	switch o.Codec {
	case "":
		o.Codec = CodecJSON
	case CodecJSON, CodecMsgpack:
	default:
		return o, fmt.Errorf("Options.Codec %q: must be %q or %q", o.Codec, CodecJSON, CodecMsgpack)
	}

	if o.LegacyPath == "" && o.Compress && strings.HasSuffix(o.Path, ".gz") {
		o.LegacyPath = strings.TrimSuffix(o.Path, ".gz")
	}

	if o.LegacyPath == o.Path {
		o.LegacyPath = ""
	}

	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}

	if o.IOTimeout <= 0 {
		o.IOTimeout = DefaultIOTimeout
	}

	if o.RebuildTimeout <= 0 {
		o.RebuildTimeout = DefaultRebuildTimeout
	}

	if o.FS == nil {
		o.FS = fs.NewReal()
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	return o, nil
}
