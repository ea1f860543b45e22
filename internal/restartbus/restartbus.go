// Package restartbus implements C8, the Restart Bus: a one-shot broadcast
// that tells every worker to abandon its in-flight scan. It is modeled per
// spec.md section 9 as a single cancellation token shared by all workers,
// rather than the original source's per-worker work_restart[i].restart
// boolean array.
package restartbus

import "sync/atomic"

// Bus is a generation-counted cancellation signal. Workers snapshot the
// generation at the start of a scan and poll Stale during the scan; a
// mismatch means Raise happened and the scan must stop.
type Bus struct {
	generation uint64
}

// New returns a ready-to-use Bus.
func New() *Bus {
	return &Bus{}
}

// Raise broadcasts an abandon signal to all workers. Called on: C1 publish
// of a new job, a clean-flag notify, a long-poll new-block notification,
// share-duplicate detection, and process shutdown.
func (b *Bus) Raise() {
	atomic.AddUint64(&b.generation, 1)
}

// Token is a snapshot of the bus generation taken at scan start.
type Token uint64

// Snapshot returns the current generation as a Token for a worker to carry
// into its scan loop.
func (b *Bus) Snapshot() Token {
	return Token(atomic.LoadUint64(&b.generation))
}

// Stale reports whether the bus has been raised since tok was taken. A
// kernel cancellation callback is typically `func() bool { return
// bus.Stale(tok) }`, polled at least every 10ms per the kernel contract in
// spec.md section 6.
func (b *Bus) Stale(tok Token) bool {
	return atomic.LoadUint64(&b.generation) != uint64(tok)
}
