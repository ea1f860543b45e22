// Package workqueue implements C2, the Work Queue: a bounded
// single-producer/single-consumer channel carrying the three command
// variants described in spec.md section 4.2. Per spec.md section 9's design
// note on the back-pointer bug, each command carries its own response
// channel instead of a raw pointer back to the requesting worker — a worker
// that exits before its request is served simply never reads its response
// channel again, with no use-after-free hazard.
package workqueue

import (
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/header"
)

// Kind identifies a command variant.
type Kind int

const (
	// KindGetWork requests a fresh Job Template from upstream.
	KindGetWork Kind = iota
	// KindSubmitWork submits a candidate solution upstream.
	KindSubmitWork
	// KindAbort terminates the actor. It does not close the backend's
	// session; the coordinator's Shutdown does that separately.
	KindAbort
)

// Submission is the payload of a KindSubmitWork command: a worker's
// candidate solution against a specific job.
type Submission struct {
	JobID   string
	Xnonce2 []byte
	NTime   [4]byte
	Nonce   uint32
}

// Result is what the Work-I/O Actor reports back for a command.
type Result struct {
	Job      *header.JobTemplate // set for KindGetWork
	Accepted bool                // set for KindSubmitWork
	Reason   string              // rejection reason, if any
	Err      error
}

// Command is a single request enqueued on the Work Queue.
type Command struct {
	Kind       Kind
	Submission Submission
	Response   chan Result
}

// Queue is the bounded FIFO. Capacity is configurable; a small buffer
// (spec suggests a handful of slots) keeps producers from blocking on a
// momentarily busy Work-I/O Actor without turning the queue into an
// unbounded backlog.
type Queue struct {
	ch chan Command
}

// New returns a Queue with the given capacity.
func New(capacity int) *Queue {
	return &Queue{ch: make(chan Command, capacity)}
}

// GetWork enqueues a getwork request and returns a channel the caller can
// read exactly one Result from.
func (q *Queue) GetWork() chan Result {
	resp := make(chan Result, 1)
	q.ch <- Command{Kind: KindGetWork, Response: resp}
	return resp
}

// SubmitWork enqueues a submit request and returns a channel the caller can
// read exactly one Result from.
func (q *Queue) SubmitWork(s Submission) chan Result {
	resp := make(chan Result, 1)
	q.ch <- Command{Kind: KindSubmitWork, Submission: s, Response: resp}
	return resp
}

// Abort enqueues a teardown command. The Work-I/O Actor terminates after
// processing it.
func (q *Queue) Abort() {
	q.ch <- Command{Kind: KindAbort, Response: make(chan Result, 1)}
}

// Commands exposes the receive side for the single consuming actor.
func (q *Queue) Commands() <-chan Command {
	return q.ch
}
