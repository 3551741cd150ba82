package docstore

import (
	"cmp"
	"context"
	"slices"
)

// rebuildCheckEvery is how many records BuildIndexes processes between
// context checks.
const rebuildCheckEvery = 256

// RangeOp selects the comparison used by a numeric range lookup.
type RangeOp uint8

const (
	// Greater selects values strictly greater than the bound.
	Greater RangeOp = iota + 1
	// Less selects values strictly less than the bound.
	Less
)

// NumericEntry is one element of the numeric index.
type NumericEntry struct {
	Value float64
	Key   string
}

// Indexes holds the three secondary indexes derived from the records.
//
// Equality maps the canonical form of a value to the keys holding it.
// Numeric lists (value, key) for every numeric record, ascending.
// Inverted maps each token of a record's text rendering to the keys whose
// text contains it.
//
// Indexes is not safe for concurrent use; the engine lock guards it.
type Indexes struct {
	equality map[string]map[string]struct{}
	numeric  []NumericEntry
	inverted map[string]map[string]struct{}
}

func newIndexes() *Indexes {
	return &Indexes{
		equality: make(map[string]map[string]struct{}),
		inverted: make(map[string]map[string]struct{}),
	}
}

// BuildIndexes derives fresh indexes from records. It does not touch any
// existing indexes, so a caller can swap the result in only on success.
//
// Returns ctx.Err() if ctx is done before the build completes.
func BuildIndexes(ctx context.Context, records map[string]Value) (*Indexes, error) {
	ix := newIndexes()
	n := 0

	for key, v := range records {
		if n%rebuildCheckEvery == 0 {
			err := ctx.Err()
			if err != nil {
				return nil, err
			}
		}

		n++

		ix.addEquality(key, v)
		ix.addTokens(key, v)

		if f, ok := v.Number(); ok {
			ix.numeric = append(ix.numeric, NumericEntry{Value: f, Key: key})
		}
	}

	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	slices.SortFunc(ix.numeric, compareNumeric)

	return ix, nil
}

// add indexes key holding v. The key must not currently be indexed.
func (ix *Indexes) add(key string, v Value) {
	ix.addEquality(key, v)
	ix.addTokens(key, v)

	if f, ok := v.Number(); ok {
		ix.numeric = append(ix.numeric, NumericEntry{Value: f, Key: key})
		slices.SortFunc(ix.numeric, compareNumeric)
	}
}

// remove drops key, previously indexed as holding v, from every index.
// Buckets left empty are deleted.
func (ix *Indexes) remove(key string, v Value) {
	canon := v.Canonical()
	if bucket, ok := ix.equality[canon]; ok {
		delete(bucket, key)

		if len(bucket) == 0 {
			delete(ix.equality, canon)
		}
	}

	for _, tok := range valueTokens(v) {
		if bucket, ok := ix.inverted[tok]; ok {
			delete(bucket, key)

			if len(bucket) == 0 {
				delete(ix.inverted, tok)
			}
		}
	}

	ix.numeric = slices.DeleteFunc(ix.numeric, func(e NumericEntry) bool { return e.Key == key })
}

func (ix *Indexes) addEquality(key string, v Value) {
	canon := v.Canonical()

	bucket, ok := ix.equality[canon]
	if !ok {
		bucket = make(map[string]struct{})
		ix.equality[canon] = bucket
	}

	bucket[key] = struct{}{}
}

func (ix *Indexes) addTokens(key string, v Value) {
	for _, tok := range valueTokens(v) {
		bucket, ok := ix.inverted[tok]
		if !ok {
			bucket = make(map[string]struct{})
			ix.inverted[tok] = bucket
		}

		bucket[key] = struct{}{}
	}
}

// lookupEqual returns the keys whose value has canonical form canon, sorted.
func (ix *Indexes) lookupEqual(canon string) []string {
	return sortedKeys(ix.equality[canon])
}

// lookupRange returns keys of numeric records strictly above or below bound,
// in ascending (value, key) order.
func (ix *Indexes) lookupRange(op RangeOp, bound float64) []string {
	var out []string

	switch op {
	case Greater:
		i, _ := slices.BinarySearchFunc(ix.numeric, bound, func(e NumericEntry, b float64) int {
			if e.Value <= b {
				return -1
			}

			return 1
		})
		for _, e := range ix.numeric[i:] {
			out = append(out, e.Key)
		}
	case Less:
		for _, e := range ix.numeric {
			if e.Value >= bound {
				break
			}

			out = append(out, e.Key)
		}
	}

	return out
}

// lookupToken returns the keys whose text contains tok, or nil.
func (ix *Indexes) lookupToken(tok string) map[string]struct{} {
	return ix.inverted[tok]
}

// IndexView is a read-only copy of [Indexes] with every key list sorted.
type IndexView struct {
	Equality map[string][]string
	Numeric  []NumericEntry
	Inverted map[string][]string
}

// View returns a sorted copy of ix.
func (ix *Indexes) View() IndexView {
	view := IndexView{
		Equality: make(map[string][]string, len(ix.equality)),
		Numeric:  slices.Clone(ix.numeric),
		Inverted: make(map[string][]string, len(ix.inverted)),
	}

	for canon, bucket := range ix.equality {
		view.Equality[canon] = sortedKeys(bucket)
	}

	for tok, bucket := range ix.inverted {
		view.Inverted[tok] = sortedKeys(bucket)
	}

	return view
}

func compareNumeric(a, b NumericEntry) int {
	return cmp.Or(cmp.Compare(a.Value, b.Value), cmp.Compare(a.Key, b.Key))
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}

	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}

	slices.Sort(out)

	return out
}
