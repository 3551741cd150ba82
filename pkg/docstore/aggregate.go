package docstore

import (
	"context"
	"fmt"
	"strings"
)

// Aggregate names a numeric reduction over one record.
type Aggregate string

const (
	AggMax Aggregate = "max"
	AggMin Aggregate = "min"
	AggSum Aggregate = "sum"
	AggAvg Aggregate = "avg"
)

// Aggregate reduces the value under key, which must be a number or an
// array of numbers. Max, Min and Sum stay Int when every input is an Int;
// Avg is always a Float.
//
// Fails with [ErrUnsupportedType] for any other shape, including an empty
// array, and [ErrKeyNotFound] for a missing key.
func (e *Engine) Aggregate(ctx context.Context, agg Aggregate, key string) (Value, error) {
	var out Value

	err := e.do(ctx, string(agg), key, func(context.Context) error {
		v, ok := e.records[key]
		if !ok {
			return ErrKeyNotFound
		}

		nums, err := numericInputs(v)
		if err != nil {
			return err
		}

		out, err = reduce(agg, nums)

		return err
	})

	return out, err
}

// Max returns the largest number under key. See [Engine.Aggregate].
func (e *Engine) Max(ctx context.Context, key string) (Value, error) {
	return e.Aggregate(ctx, AggMax, key)
}

// Min returns the smallest number under key. See [Engine.Aggregate].
func (e *Engine) Min(ctx context.Context, key string) (Value, error) {
	return e.Aggregate(ctx, AggMin, key)
}

// Sum adds the numbers under key. See [Engine.Aggregate].
func (e *Engine) Sum(ctx context.Context, key string) (Value, error) {
	return e.Aggregate(ctx, AggSum, key)
}

// Avg returns the mean of the numbers under key. See [Engine.Aggregate].
func (e *Engine) Avg(ctx context.Context, key string) (Value, error) {
	return e.Aggregate(ctx, AggAvg, key)
}

func numericInputs(v Value) ([]Value, error) {
	if v.IsNumeric() {
		return []Value{v}, nil
	}

	if v.Kind() != KindArray || len(v.arr) == 0 {
		return nil, fmt.Errorf("%w: need a number or a non-empty array of numbers, have %s", ErrUnsupportedType, v.Kind())
	}

	for _, item := range v.arr {
		if !item.IsNumeric() {
			return nil, fmt.Errorf("%w: array holds %s", ErrUnsupportedType, item.Kind())
		}
	}

	return v.arr, nil
}

func reduce(agg Aggregate, nums []Value) (Value, error) {
	allInt := true

	for _, n := range nums {
		if n.Kind() != KindInt {
			allInt = false

			break
		}
	}

	switch agg {
	case AggMax, AggMin:
		best := nums[0]

		for _, n := range nums[1:] {
			x, _ := n.Number()
			y, _ := best.Number()

			if (agg == AggMax && x > y) || (agg == AggMin && x < y) {
				best = n
			}
		}

		return best, nil
	case AggSum:
		if allInt {
			var total int64
			for _, n := range nums {
				total += n.i
			}

			return Int(total), nil
		}

		return Float(floatSum(nums)), nil
	case AggAvg:
		return Float(floatSum(nums) / float64(len(nums))), nil
	default:
		return Value{}, fmt.Errorf("unknown aggregate %q", agg)
	}
}

func floatSum(nums []Value) float64 {
	var total float64

	for _, n := range nums {
		f, _ := n.Number()
		total += f
	}

	return total
}

// JoinResult reports whether two records match.
type JoinResult struct {
	Matched bool
	Left    Value
	Right   Value
}

// Join compares the records under k1 and k2. With an empty field the whole
// values are compared; otherwise both must be objects holding field and their
// field values are compared.
func (e *Engine) Join(ctx context.Context, k1, k2, field string) (JoinResult, error) {
	var res JoinResult

	err := e.do(ctx, "join", k1, func(context.Context) error {
		left, ok := e.records[k1]
		if !ok {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, k1)
		}

		right, ok := e.records[k2]
		if !ok {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, k2)
		}

		res.Left, res.Right = left, right

		if field == "" {
			res.Matched = left.Equal(right)

			return nil
		}

		if left.Kind() != KindObject || right.Kind() != KindObject {
			return fmt.Errorf("%w: join on field %q needs two objects", ErrUnsupportedType, field)
		}

		lf, okL := left.Field(field)
		rf, okR := right.Field(field)

		if !okL || !okR {
			return fmt.Errorf("%w: %q", ErrFieldNotFound, field)
		}

		res.Matched = lf.Equal(rf)

		return nil
	})

	return res, err
}

// InspectIndex returns the full-text index bucket for token, or every
// bucket when token is empty. Keys in each bucket are sorted.
func (e *Engine) InspectIndex(ctx context.Context, token string) (map[string][]string, error) {
	out := make(map[string][]string)

	err := e.do(ctx, "inspect", "", func(ctx context.Context) error {
		err := e.ensureIndexesLocked(ctx)
		if err != nil {
			return err
		}

		if token == "" {
			for tok, bucket := range e.indexes.inverted {
				out[tok] = sortedKeys(bucket)
			}

			return nil
		}

		tok := strings.ToLower(token)
		if bucket := e.indexes.lookupToken(tok); len(bucket) > 0 {
			out[tok] = sortedKeys(bucket)
		}

		return nil
	})

	return out, err
}
