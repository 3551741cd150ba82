package testutil

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/calvinalkan/docstore/pkg/docstore"
)

// OpKind identifies an operation.
type OpKind uint8

const (
	OpCreate OpKind = iota
	OpUpdate
	OpDelete
	OpRead
	OpBegin
	OpCommit
	OpRollback
	OpFindEqual
	OpFindGreater
	OpReopen
)

var opNames = [...]string{
	OpCreate:      "create",
	OpUpdate:      "update",
	OpDelete:      "delete",
	OpRead:        "read",
	OpBegin:       "begin",
	OpCommit:      "commit",
	OpRollback:    "rollback",
	OpFindEqual:   "find =",
	OpFindGreater: "find >",
	OpReopen:      "reopen",
}

func (k OpKind) String() string {
	if int(k) < len(opNames) {
		return opNames[k]
	}

	return "op(" + strconv.Itoa(int(k)) + ")"
}

// Op is one generated operation.
type Op struct {
	Kind  OpKind
	Key   string
	Raw   string
	Bound int
}

func (o Op) String() string {
	switch o.Kind {
	case OpCreate, OpUpdate:
		return fmt.Sprintf("%s %s %s", o.Kind, o.Key, o.Raw)
	case OpDelete, OpRead:
		return fmt.Sprintf("%s %s", o.Kind, o.Key)
	case OpFindEqual:
		return fmt.Sprintf("%s %s", o.Kind, o.Raw)
	case OpFindGreater:
		return fmt.Sprintf("%s %d", o.Kind, o.Bound)
	default:
		return o.Kind.String()
	}
}

// Result is the observable outcome of an operation.
type Result struct {
	Output string
	Keys   []string
	Err    error
}

// ApplyEngine runs op against db. OpReopen is the caller's job.
func (o Op) ApplyEngine(ctx context.Context, db *docstore.Engine) Result {
	var err error

	switch o.Kind {
	case OpCreate:
		_, err = db.Create(ctx, o.Key, o.Raw)
	case OpUpdate:
		_, err = db.Update(ctx, o.Key, o.Raw)
	case OpDelete:
		err = db.Delete(ctx, o.Key)
	case OpRead:
		v, err := db.Read(ctx, o.Key)
		if err != nil {
			return Result{Err: err}
		}

		return Result{Output: v.Canonical()}
	case OpBegin:
		err = db.Begin(ctx)
	case OpCommit:
		err = db.Commit(ctx)
	case OpRollback:
		err = db.Rollback(ctx)
	case OpFindEqual, OpFindGreater:
		q := docstore.Query{Op: docstore.OpEqual, Value: docstore.ParseValue(o.Raw)}
		if o.Kind == OpFindGreater {
			q = docstore.Query{Op: docstore.OpGreater, Value: docstore.Int(int64(o.Bound))}
		}

		keys, err := db.Find(ctx, q)
		if err != nil {
			return Result{Err: err}
		}

		return Result{Keys: keys}
	}

	return Result{Err: err}
}

// FormatOps renders an operation history for failure messages.
func FormatOps(history []string) string {
	var sb strings.Builder

	sb.WriteString("operations:\n")

	for i, op := range history {
		fmt.Fprintf(&sb, "  %3d: %s\n", i+1, op)
	}

	return sb.String()
}
