package docstore

import "context"

// HoldLock takes the engine lock from a test so lock timeouts can be observed.
func (e *Engine) HoldLock(ctx context.Context) (func(), error) {
	return e.acquire(ctx)
}

// MarkStale simulates a failed rebuild.
func (e *Engine) MarkStale() {
	release, err := e.acquire(context.Background())
	if err != nil {
		panic(err)
	}
	defer release()

	e.stale = true
	e.indexes = newIndexes()
}

// IndexesStale reports whether the indexes await a rebuild.
func (e *Engine) IndexesStale() bool {
	release, err := e.acquire(context.Background())
	if err != nil {
		panic(err)
	}
	defer release()

	return e.stale
}
