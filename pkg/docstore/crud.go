package docstore

import (
	"context"
	"slices"
)

// Record is one key and its value.
type Record struct {
	Key   string
	Value Value
}

// Create parses raw with [ParseValue] and stores it under key.
// Fails with [ErrKeyExists] if key is present. Outside a transaction the
// change is persisted before Create returns; if persisting fails the change
// is undone and the error returned.
func (e *Engine) Create(ctx context.Context, key, raw string) (Value, error) {
	v := ParseValue(raw)

	err := e.CreateValue(ctx, key, v)
	if err != nil {
		return Value{}, err
	}

	return v, nil
}

// CreateValue stores an already-built value under key. See [Engine.Create].
func (e *Engine) CreateValue(ctx context.Context, key string, v Value) error {
	return e.do(ctx, "create", key, func(ctx context.Context) error {
		return e.createLocked(ctx, key, v, true)
	})
}

// Read returns the value stored under key.
func (e *Engine) Read(ctx context.Context, key string) (Value, error) {
	var v Value

	err := e.do(ctx, "read", key, func(context.Context) error {
		stored, ok := e.records[key]
		if !ok {
			return ErrKeyNotFound
		}

		v = stored

		return nil
	})

	return v, err
}

// Update parses raw and replaces the value under key.
//
// If the old value is an object with attachments and the new value is an
// object without an "_attachments" field, the attachments carry over.
// Attachments the new value no longer references are removed once the
// change is durable.
func (e *Engine) Update(ctx context.Context, key, raw string) (Value, error) {
	var stored Value

	err := e.do(ctx, "update", key, func(ctx context.Context) error {
		var err error

		stored, err = e.updateLocked(ctx, key, ParseValue(raw))

		return err
	})

	return stored, err
}

// UpdateValue replaces the value under key with v. See [Engine.Update].
func (e *Engine) UpdateValue(ctx context.Context, key string, v Value) (Value, error) {
	var stored Value

	err := e.do(ctx, "update", key, func(ctx context.Context) error {
		var err error

		stored, err = e.updateLocked(ctx, key, v)

		return err
	})

	return stored, err
}

// Delete removes key and, once the removal is durable, its attachments.
func (e *Engine) Delete(ctx context.Context, key string) error {
	return e.do(ctx, "delete", key, func(ctx context.Context) error {
		return e.deleteLocked(ctx, key)
	})
}

// List returns every record in key order.
func (e *Engine) List(ctx context.Context) ([]Record, error) {
	var out []Record

	err := e.do(ctx, "list", "", func(context.Context) error {
		out = e.sortedRecordsLocked()

		return nil
	})

	return out, err
}

func (e *Engine) createLocked(ctx context.Context, key string, v Value, persist bool) error {
	if key == "" {
		return ErrEmptyKey
	}

	if _, ok := e.records[key]; ok {
		return ErrKeyExists
	}

	if e.tx != nil {
		e.tx.undo = append(e.tx.undo, undoRecord{kind: undoCreate, key: key})
	}

	e.setLocked(key, v)

	if e.tx != nil || !persist {
		return nil
	}

	err := e.saveLocked(ctx)
	if err != nil {
		e.unsetLocked(key)

		return err
	}

	return nil
}

func (e *Engine) updateLocked(ctx context.Context, key string, v Value) (Value, error) {
	if key == "" {
		return Value{}, ErrEmptyKey
	}

	prior, ok := e.records[key]
	if !ok {
		return Value{}, ErrKeyNotFound
	}

	v = carryAttachments(prior, v)

	if e.tx != nil {
		e.tx.undo = append(e.tx.undo, undoRecord{kind: undoUpdate, key: key, prior: prior})
	}

	e.setLocked(key, v)

	if e.tx == nil {
		err := e.saveLocked(ctx)
		if err != nil {
			e.setLocked(key, prior)

			return Value{}, err
		}
	}

	e.releaseBlobsLocked(ctx, droppedAttachments(prior, v))

	return v, nil
}

func (e *Engine) deleteLocked(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	prior, ok := e.records[key]
	if !ok {
		return ErrKeyNotFound
	}

	if e.tx != nil {
		e.tx.undo = append(e.tx.undo, undoRecord{kind: undoDelete, key: key, prior: prior})
	}

	e.unsetLocked(key)

	if e.tx == nil {
		err := e.saveLocked(ctx)
		if err != nil {
			e.setLocked(key, prior)

			return err
		}
	}

	e.releaseBlobsLocked(ctx, attachmentsOf(prior))

	return nil
}

// setLocked stores v under key and keeps the indexes in step.
func (e *Engine) setLocked(key string, v Value) {
	if old, ok := e.records[key]; ok {
		delete(e.records, key)
		e.indexRemove(key, old)
	}

	e.records[key] = v
	e.indexAdd(key, v)
}

// unsetLocked removes key and its index entries, returning the old value.
func (e *Engine) unsetLocked(key string) (Value, bool) {
	old, ok := e.records[key]
	if !ok {
		return Value{}, false
	}

	delete(e.records, key)
	e.indexRemove(key, old)

	return old, true
}

func (e *Engine) sortedRecordsLocked() []Record {
	keys := make([]string, 0, len(e.records))
	for k := range e.records {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	out := make([]Record, len(keys))
	for i, k := range keys {
		out[i] = Record{Key: k, Value: e.records[k]}
	}

	return out
}
