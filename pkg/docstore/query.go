package docstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Op is a query operator.
type Op string

const (
	OpEqual    Op = "="
	OpGreater  Op = ">"
	OpLess     Op = "<"
	OpContains Op = "contains"
	OpFullText Op = "fulltext"

	// OpField matches objects whose Field equals Value.
	OpField Op = "field"
)

// Query selects records. Exactly one operator applies.
type Query struct {
	Op Op

	// Value is the operand of OpEqual, OpGreater, OpLess and OpField.
	Value Value

	// Text is the operand of OpContains and OpFullText.
	Text string

	// Field names the object field for OpField.
	Field string

	// SortBy orders results by this object field when set.
	SortBy string

	// Limit truncates results when positive.
	Limit int
}

// ParseQuery parses a find expression:
//
//	= <value>
//	> <number>
//	< <number>
//	contains <text>
//	fulltext <words...>
//	<field> = <value>
//
// each optionally followed (anywhere) by "sortby <field>" and "limit <n>".
// Words are split with shell quoting rules, see [SplitWords]. Values go
// through [ParseValue]; contains and fulltext operands have surrounding
// quotes stripped.
func ParseQuery(expr string) (Query, error) {
	words, err := SplitWords(expr)
	if err != nil {
		return Query{}, fmt.Errorf("%w: %w", ErrInvalidQuerySyntax, err)
	}

	return ParseQueryWords(words)
}

// ParseQueryWords is [ParseQuery] over words that are already split, such as
// command-line arguments.
func ParseQueryWords(words []string) (Query, error) {
	var (
		q   Query
		err error
	)

	words, q.SortBy, err = takeOption(words, "sortby")
	if err != nil {
		return Query{}, err
	}

	words, limit, err := takeOption(words, "limit")
	if err != nil {
		return Query{}, err
	}

	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return Query{}, fmt.Errorf("%w: limit must be a positive integer, got %q", ErrInvalidQuerySyntax, limit)
		}

		q.Limit = n
	}

	if len(words) < 2 {
		return Query{}, fmt.Errorf("%w: expected <operator> <value>", ErrInvalidQuerySyntax)
	}

	operand := strings.Join(words[1:], " ")

	switch op := Op(words[0]); op {
	case OpEqual, OpGreater, OpLess:
		q.Op = op
		q.Value = ParseValue(operand)
	case OpContains, OpFullText:
		q.Op = op
		q.Text = strings.Trim(operand, `"'`)
	default:
		if words[1] != "=" || len(words) < 3 {
			return Query{}, fmt.Errorf("%w: unknown operator %q", ErrInvalidQuerySyntax, words[0])
		}

		q.Op = OpField
		q.Field = words[0]
		q.Value = ParseValue(strings.Join(words[2:], " "))
	}

	return q, nil
}

// takeOption removes the first "<name> <arg>" pair from words.
func takeOption(words []string, name string) ([]string, string, error) {
	i := slices.Index(words, name)
	if i < 0 {
		return words, "", nil
	}

	if i+1 >= len(words) {
		return nil, "", fmt.Errorf("%w: %s needs an argument", ErrInvalidQuerySyntax, name)
	}

	arg := words[i+1]
	rest := append(slices.Clone(words[:i]), words[i+2:]...)

	return rest, arg, nil
}

// FindExpr parses expr with [ParseQuery] and runs it.
func (e *Engine) FindExpr(ctx context.Context, expr string) ([]string, error) {
	q, err := ParseQuery(expr)
	if err != nil {
		return nil, withContext(err, "find", "")
	}

	return e.Find(ctx, q)
}

// Find returns the keys matching q.
//
// Equality, contains, fulltext and field queries return keys in ascending
// order; range queries return them by ascending value. SortBy then reorders
// stably by the named field: records lacking it come first, then numbers,
// strings, booleans, null and containers. Limit truncates last.
func (e *Engine) Find(ctx context.Context, q Query) ([]string, error) {
	var keys []string

	err := e.do(ctx, "find", "", func(ctx context.Context) error {
		err := e.ensureIndexesLocked(ctx)
		if err != nil {
			return err
		}

		keys, err = e.findLocked(q)
		if err != nil {
			return err
		}

		if q.SortBy != "" {
			e.sortByFieldLocked(keys, q.SortBy)
		}

		if q.Limit > 0 && len(keys) > q.Limit {
			keys = keys[:q.Limit]
		}

		return nil
	})

	return keys, err
}

func (e *Engine) findLocked(q Query) ([]string, error) {
	switch q.Op {
	case OpEqual:
		return e.indexes.lookupEqual(q.Value.Canonical()), nil
	case OpGreater, OpLess:
		bound, ok := q.Value.Number()
		if !ok {
			return nil, fmt.Errorf("%w: range bound %s is not a number", ErrUnsupportedType, q.Value.Canonical())
		}

		op := Greater
		if q.Op == OpLess {
			op = Less
		}

		return e.indexes.lookupRange(op, bound), nil
	case OpContains:
		needle := strings.ToLower(q.Text)

		var out []string

		for _, rec := range e.sortedRecordsLocked() {
			if strings.Contains(strings.ToLower(rec.Value.Text()), needle) {
				out = append(out, rec.Key)
			}
		}

		return out, nil
	case OpFullText:
		return e.fullTextLocked(q.Text)
	case OpField:
		var out []string

		for _, rec := range e.sortedRecordsLocked() {
			f, ok := rec.Value.Field(q.Field)
			if ok && f.Equal(q.Value) {
				out = append(out, rec.Key)
			}
		}

		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidQuerySyntax, q.Op)
	}
}

// fullTextLocked intersects the token buckets of every whitespace-separated
// word of text. A word absent from the index yields no results.
func (e *Engine) fullTextLocked(text string) ([]string, error) {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return nil, ErrEmptyQuery
	}

	var acc map[string]struct{}

	for _, w := range words {
		bucket := e.indexes.lookupToken(w)
		if len(bucket) == 0 {
			return nil, nil
		}

		if acc == nil {
			acc = make(map[string]struct{}, len(bucket))
			for k := range bucket {
				acc[k] = struct{}{}
			}

			continue
		}

		for k := range acc {
			if _, ok := bucket[k]; !ok {
				delete(acc, k)
			}
		}
	}

	return sortedKeys(acc), nil
}

func (e *Engine) sortByFieldLocked(keys []string, field string) {
	slices.SortStableFunc(keys, func(a, b string) int {
		fa, okA := e.records[a].Field(field)
		fb, okB := e.records[b].Field(field)

		return compareSortKeys(fa, okA, fb, okB)
	})
}

// sortRank orders kinds for SortBy.
func sortRank(v Value, present bool) int {
	if !present {
		return 0
	}

	switch v.Kind() {
	case KindInt, KindFloat:
		return 1
	case KindString:
		return 2
	case KindBool:
		return 3
	case KindNull:
		return 4
	default:
		return 5
	}
}

func compareSortKeys(a Value, okA bool, b Value, okB bool) int {
	ra, rb := sortRank(a, okA), sortRank(b, okB)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}

	switch ra {
	case 1:
		x, _ := a.Number()
		y, _ := b.Number()

		return cmp.Compare(x, y)
	case 2:
		return strings.Compare(a.s, b.s)
	case 3:
		switch {
		case a.b == b.b:
			return 0
		case !a.b:
			return -1
		default:
			return 1
		}
	case 5:
		return strings.Compare(a.Canonical(), b.Canonical())
	default:
		return 0
	}
}
