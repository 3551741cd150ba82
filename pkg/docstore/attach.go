package docstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/calvinalkan/docstore/pkg/blob"
)

const (
	// AttachmentsField is the reserved object field holding attachment metadata.
	AttachmentsField = "_attachments"

	// legacyAttachmentField held a single attachment in older snapshots.
	legacyAttachmentField = "_attachment"
)

// Attach stores the file at srcPath in the attachment store and appends its
// metadata to the "_attachments" array of the object stored under key.
//
// Fails with [ErrKeyNotFound] for a missing key, [ErrUnsupportedType] if the
// value is not an object, and [ErrNoAttachmentStore] if the engine has no
// attachment store. Inside a transaction the upload is removed again by
// [Engine.Rollback].
func (e *Engine) Attach(ctx context.Context, key, srcPath string) (blob.Meta, error) {
	var meta blob.Meta

	err := e.do(ctx, "attach", key, func(ctx context.Context) error {
		if e.opts.Attachments == nil {
			return ErrNoAttachmentStore
		}

		prior, ok := e.records[key]
		if !ok {
			return ErrKeyNotFound
		}

		if prior.Kind() != KindObject {
			return fmt.Errorf("%w: attachments need an object value, have %s", ErrUnsupportedType, prior.Kind())
		}

		pctx, cancel := context.WithTimeout(ctx, e.opts.IOTimeout)
		defer cancel()

		m, err := e.opts.Attachments.Put(pctx, key, srcPath)
		if err != nil {
			return deadlineToTimeout(err, "store attachment")
		}

		existing, _ := prior.Field(AttachmentsField)
		items := append(existing.Items(), metaToValue(m))
		next := prior.With(AttachmentsField, Array(items...))

		if e.tx != nil {
			e.tx.undo = append(e.tx.undo, undoRecord{kind: undoUpdate, key: key, prior: prior})
			e.tx.uploaded = append(e.tx.uploaded, m)
		}

		e.setLocked(key, next)

		if e.tx == nil {
			err = e.saveLocked(ctx)
			if err != nil {
				e.setLocked(key, prior)
				e.removeBlob(ctx, m)

				return err
			}
		}

		meta = m

		return nil
	})

	return meta, err
}

// Attachments returns the attachment metadata of the record under key.
func (e *Engine) Attachments(ctx context.Context, key string) ([]blob.Meta, error) {
	var out []blob.Meta

	err := e.do(ctx, "attachments", key, func(context.Context) error {
		v, ok := e.records[key]
		if !ok {
			return ErrKeyNotFound
		}

		out = attachmentsOf(v)

		return nil
	})

	return out, err
}

// Fetch writes the content of the attachment called name (its original file
// name or its blob path) to w. When several share a name the newest wins.
func (e *Engine) Fetch(ctx context.Context, key, name string, w io.Writer) (blob.Meta, error) {
	var meta blob.Meta

	err := e.do(ctx, "fetch", key, func(ctx context.Context) error {
		if e.opts.Attachments == nil {
			return ErrNoAttachmentStore
		}

		v, ok := e.records[key]
		if !ok {
			return ErrKeyNotFound
		}

		metas := attachmentsOf(v)

		found := -1

		for i := len(metas) - 1; i >= 0; i-- {
			if metas[i].Name == name || metas[i].Path == name {
				found = i

				break
			}
		}

		if found < 0 {
			return fmt.Errorf("%w: %q", ErrAttachmentNotFound, name)
		}

		gctx, cancel := context.WithTimeout(ctx, e.opts.IOTimeout)
		defer cancel()

		err := e.opts.Attachments.Get(gctx, metas[found], w)
		if err != nil {
			return deadlineToTimeout(err, "read attachment")
		}

		meta = metas[found]

		return nil
	})

	return meta, err
}

// releaseBlobsLocked removes blobs a durable change dropped. Inside a
// transaction removal waits for commit.
func (e *Engine) releaseBlobsLocked(ctx context.Context, metas []blob.Meta) {
	if len(metas) == 0 {
		return
	}

	if e.tx != nil {
		e.tx.pendingRemoval = append(e.tx.pendingRemoval, metas...)

		return
	}

	e.removeUnreferencedLocked(ctx, metas)
}

// removeUnreferencedLocked removes each blob no live record references.
func (e *Engine) removeUnreferencedLocked(ctx context.Context, metas []blob.Meta) {
	if len(metas) == 0 || e.opts.Attachments == nil {
		return
	}

	referenced := make(map[string]struct{})

	for _, v := range e.records {
		for _, m := range attachmentsOf(v) {
			referenced[m.Path] = struct{}{}
		}
	}

	for _, m := range metas {
		if _, ok := referenced[m.Path]; ok {
			continue
		}

		e.removeBlob(ctx, m)
	}
}

func (e *Engine) removeBlob(ctx context.Context, m blob.Meta) {
	if e.opts.Attachments == nil {
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.IOTimeout)
	defer cancel()

	err := e.opts.Attachments.Remove(rctx, m)
	if err != nil {
		e.logger.LogAttrs(ctx, slog.LevelWarn, "attachment cleanup failed",
			slog.String("blob", m.Path),
			slog.Any("error", err))
	}
}

// carryAttachments keeps prior's attachments when next is an object that
// does not set the field itself.
func carryAttachments(prior, next Value) Value {
	if next.Kind() != KindObject {
		return next
	}

	if _, ok := next.Field(AttachmentsField); ok {
		return next
	}

	existing, ok := prior.Field(AttachmentsField)
	if !ok {
		return next
	}

	return next.With(AttachmentsField, existing)
}

// droppedAttachments returns the attachments of prior that next no longer holds.
func droppedAttachments(prior, next Value) []blob.Meta {
	old := attachmentsOf(prior)
	if len(old) == 0 {
		return nil
	}

	kept := make(map[string]struct{})
	for _, m := range attachmentsOf(next) {
		kept[m.Path] = struct{}{}
	}

	var out []blob.Meta

	for _, m := range old {
		if _, ok := kept[m.Path]; !ok {
			out = append(out, m)
		}
	}

	return out
}

// attachmentsOf decodes the "_attachments" array of an object value.
// Malformed entries are skipped.
func attachmentsOf(v Value) []blob.Meta {
	arr, ok := v.Field(AttachmentsField)
	if !ok || arr.Kind() != KindArray {
		return nil
	}

	var out []blob.Meta

	for _, item := range arr.arr {
		m, ok := valueToMeta(item)
		if ok {
			out = append(out, m)
		}
	}

	return out
}

// normalizeLegacyAttachment moves a single "_attachment" object into the
// "_attachments" array.
func normalizeLegacyAttachment(v Value) Value {
	single, ok := v.Field(legacyAttachmentField)
	if !ok {
		return v
	}

	v = v.Without(legacyAttachmentField)

	if single.Kind() != KindObject {
		return v
	}

	existing, _ := v.Field(AttachmentsField)

	return v.With(AttachmentsField, Array(append(existing.Items(), single)...))
}

func metaToValue(m blob.Meta) Value {
	return Object(map[string]Value{
		"path":            String(m.Path),
		"name":            String(m.Name),
		"ext":             String(m.Ext),
		"compressed_size": Int(m.CompressedSize),
		"original_size":   Int(m.OriginalSize),
		"uploaded_at":     String(m.UploadedAt.UTC().Format(time.RFC3339)),
		"mime_type":       String(m.MIMEType),
		"checksum":        String(m.Checksum),
	})
}

func valueToMeta(v Value) (blob.Meta, bool) {
	if v.Kind() != KindObject {
		return blob.Meta{}, false
	}

	str := func(name string) string {
		f, _ := v.Field(name)
		s, _ := f.AsString()

		return s
	}

	num := func(name string) int64 {
		f, _ := v.Field(name)
		n, _ := f.Number()

		return int64(n)
	}

	m := blob.Meta{
		Path:           str("path"),
		Name:           str("name"),
		Ext:            str("ext"),
		CompressedSize: num("compressed_size"),
		OriginalSize:   num("original_size"),
		MIMEType:       str("mime_type"),
		Checksum:       str("checksum"),
	}

	if m.Path == "" {
		return blob.Meta{}, false
	}

	if ts := str("uploaded_at"); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err == nil {
			m.UploadedAt = t
		}
	}

	return m, true
}
