// Package docstore is an embedded, single-process document store.
//
// Records map string keys to JSON-like [Value]s and live in memory. Every
// change is persisted by rewriting one snapshot file atomically (backup,
// temp file, fsync, rename); a transaction defers that rewrite to commit and
// keeps an in-memory undo log for rollback.
//
// Three indexes are derived from the records and kept current on every
// write:
//
//   - equality: canonical serialization of a value to the keys holding it
//   - numeric: (value, key) pairs of numeric records, ascending
//   - full text: lowercase word to the keys whose text rendering contains it
//
// [BuildIndexes] derives all three from scratch and is used after load and
// after rolling back updates or deletes.
//
// # Basic usage
//
//	db, err := docstore.Open(ctx, docstore.Options{Path: "data/db.json"})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	_, err = db.Create(ctx, "alice", `{"Name":"Alice","Age":20,"Grade":"A","Class":"1A","Subjects":["Math"]}`)
//	keys, err := db.FindExpr(ctx, "fulltext math")
//
// # Errors
//
// Methods return *[Error] carrying the operation and key. Match causes with
// [errors.Is] against the Err* sentinels.
package docstore
