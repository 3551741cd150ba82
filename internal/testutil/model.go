package testutil

import (
	"maps"
	"slices"

	"github.com/calvinalkan/docstore/pkg/docstore"
)

// Model is a reference implementation of the engine's record semantics.
//
// Transactions are modelled by copying the whole record map at begin
// instead of keeping an undo log, so the two implementations share no
// rollback logic.
type Model struct {
	records map[string]docstore.Value

	// saved is what a reopen must see.
	saved map[string]docstore.Value

	// base is the record map at begin; nil outside a transaction.
	base map[string]docstore.Value
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{
		records: map[string]docstore.Value{},
		saved:   map[string]docstore.Value{},
	}
}

// Records returns the current records by canonical value.
func (m *Model) Records() map[string]string {
	return canonicalMap(m.records)
}

// Saved returns the durable records by canonical value.
func (m *Model) Saved() map[string]string {
	return canonicalMap(m.saved)
}

// Apply runs op against the model.
func (m *Model) Apply(op Op) Result {
	switch op.Kind {
	case OpCreate:
		if _, ok := m.records[op.Key]; ok {
			return Result{Err: docstore.ErrKeyExists}
		}

		m.records[op.Key] = docstore.ParseValue(op.Raw)
		m.persist()
	case OpUpdate:
		if _, ok := m.records[op.Key]; !ok {
			return Result{Err: docstore.ErrKeyNotFound}
		}

		m.records[op.Key] = docstore.ParseValue(op.Raw)
		m.persist()
	case OpDelete:
		if _, ok := m.records[op.Key]; !ok {
			return Result{Err: docstore.ErrKeyNotFound}
		}

		delete(m.records, op.Key)
		m.persist()
	case OpRead:
		v, ok := m.records[op.Key]
		if !ok {
			return Result{Err: docstore.ErrKeyNotFound}
		}

		return Result{Output: v.Canonical()}
	case OpBegin:
		if m.base != nil {
			return Result{Err: docstore.ErrTransactionInProgress}
		}

		m.base = maps.Clone(m.records)
	case OpCommit:
		if m.base == nil {
			return Result{Err: docstore.ErrNoTransaction}
		}

		m.base = nil
		m.persist()
	case OpRollback:
		if m.base == nil {
			return Result{Err: docstore.ErrNoTransaction}
		}

		m.records = m.base
		m.base = nil
	case OpFindEqual:
		want := docstore.ParseValue(op.Raw).Canonical()

		var keys []string

		for k, v := range m.records {
			if v.Canonical() == want {
				keys = append(keys, k)
			}
		}

		slices.Sort(keys)

		return Result{Keys: keys}
	case OpFindGreater:
		return Result{Keys: m.greater(op.Bound)}
	case OpReopen:
		m.records = maps.Clone(m.saved)
		m.base = nil
	}

	return Result{}
}

func (m *Model) persist() {
	if m.base == nil {
		m.saved = maps.Clone(m.records)
	}
}

// greater returns keys of numeric records above bound ordered by value,
// then key.
func (m *Model) greater(bound int) []string {
	type entry struct {
		key string
		n   float64
	}

	var hits []entry

	for k, v := range m.records {
		if n, ok := v.Number(); ok && n > float64(bound) {
			hits = append(hits, entry{key: k, n: n})
		}
	}

	slices.SortFunc(hits, func(a, b entry) int {
		switch {
		case a.n < b.n:
			return -1
		case a.n > b.n:
			return 1
		case a.key < b.key:
			return -1
		case a.key > b.key:
			return 1
		}

		return 0
	})

	keys := make([]string, len(hits))
	for i, h := range hits {
		keys[i] = h.key
	}

	return keys
}

func canonicalMap(records map[string]docstore.Value) map[string]string {
	out := make(map[string]string, len(records))
	for k, v := range records {
		out[k] = v.Canonical()
	}

	return out
}
