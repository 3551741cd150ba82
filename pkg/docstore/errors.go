package docstore

import (
	"errors"
	"strings"
)

var (
	// ErrKeyNotFound indicates the requested key is absent.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists indicates create was called for a key that is present.
	ErrKeyExists = errors.New("key already exists")

	// ErrEmptyKey indicates an empty key was passed to a write operation.
	ErrEmptyKey = errors.New("key is empty")

	// ErrUnsupportedType indicates an operand of the wrong kind, such as a
	// non-numeric range bound or a non-numeric aggregate input.
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrEmptyQuery indicates a full-text query with no terms.
	ErrEmptyQuery = errors.New("empty query")

	// ErrInvalidQuerySyntax indicates a query expression that cannot be parsed.
	ErrInvalidQuerySyntax = errors.New("invalid query syntax")

	// ErrTransactionInProgress indicates Begin was called while a transaction is active.
	ErrTransactionInProgress = errors.New("transaction already in progress")

	// ErrNoTransaction indicates Commit or Rollback was called with no active transaction.
	ErrNoTransaction = errors.New("no active transaction")

	// ErrLockTimeout indicates the engine lock was not acquired in time.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrTimeout indicates a persistence or rebuild step exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrPermissionDenied indicates the snapshot or its directory is not writable.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrCorrupted indicates a snapshot that could not be decoded.
	ErrCorrupted = errors.New("snapshot corrupted")

	// ErrClosed indicates an operation on a closed engine.
	ErrClosed = errors.New("docstore closed")

	// ErrInvalidCSV indicates CSV input without the key and value columns.
	ErrInvalidCSV = errors.New("invalid csv")

	// ErrFieldNotFound indicates a join field missing from one of the records.
	ErrFieldNotFound = errors.New("field not found")

	// ErrAttachmentNotFound indicates the record holds no attachment with that name.
	ErrAttachmentNotFound = errors.New("attachment not found")

	// ErrNoAttachmentStore indicates attachments were used on an engine opened
	// without [Options.Attachments].
	ErrNoAttachmentStore = errors.New("attachments not configured")
)

// Error is the error type returned by [Engine] methods.
//
// The cause comes first, followed by the operation and key:
//
//	key not found (op=read key=alice)
//
// Sentinels are matched with [errors.Is]:
//
//	if errors.Is(err, docstore.ErrKeyNotFound) { ... }
type Error struct {
	// Op is the engine operation that failed, e.g. "create" or "commit".
	Op string

	// Key is the record key involved, if any.
	Key string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var parts []string

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}

	if e.Key != "" {
		parts = append(parts, "key="+e.Key)
	}

	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}

	if len(parts) == 0 {
		return cause
	}

	suffix := "(" + strings.Join(parts, " ") + ")"
	if cause == "" {
		return suffix
	}

	return cause + " " + suffix
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// withContext attaches op and key at API boundaries. An existing *Error keeps
// its fields; only missing ones are filled.
func withContext(err error, op, key string) error {
	if err == nil {
		return nil
	}

	existing := &Error{}
	if errors.As(err, &existing) {
		if existing.Op == "" {
			existing.Op = op
		}

		if existing.Key == "" && key != "" {
			existing.Key = key
		}

		return existing
	}

	return &Error{Op: op, Key: key, Err: err}
}

// errorClass maps err to a short label for metrics.
func errorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, ErrKeyExists):
		return "key_exists"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrInvalidQuerySyntax), errors.Is(err, ErrEmptyQuery):
		return "bad_query"
	case errors.Is(err, ErrUnsupportedType):
		return "unsupported_type"
	case errors.Is(err, ErrTransactionInProgress), errors.Is(err, ErrNoTransaction):
		return "tx_state"
	default:
		return "error"
	}
}
