package workerpool

import (
	"testing"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/header"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/jobstate"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/kernel"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/ledger"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/restartbus"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/workqueue"
)

// TestPartitionCoversFullRangeWithoutOverlap exercises invariant I2 /
// property P1: N workers' nonce sub-ranges collectively cover [0, 2**32)
// with no gaps or overlaps, and the last worker's range is extended to
// absorb any remainder from integer division.
func TestPartitionCoversFullRangeWithoutOverlap(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 7, 16} {
		var lastEnd uint64 = 0
		for i := 0; i < n; i++ {
			start, end := partition(i, n)
			if uint64(start) != lastEnd {
				t.Fatalf("n=%d i=%d: start=%d, want %d (no gap/overlap)", n, i, start, lastEnd)
			}
			if end < start && !(i == n-1 && end == MaxNonce32) {
				t.Fatalf("n=%d i=%d: end %d < start %d", n, i, end, start)
			}
			lastEnd = uint64(end) + 1
		}
		if lastEnd != uint64(1)<<32 {
			t.Fatalf("n=%d: ranges end at %d, want 2**32", n, lastEnd)
		}
	}
}

// noopScanner never finds a result; it exists so Pool.Run's worker loops
// can be driven briefly without hammering the CPU reference implementation.
type noopScanner struct{}

func (noopScanner) Scan(thrID int, h *header.Header, target [8]uint32, maxNonce uint32, cancel kernel.Cancel) (int, uint64) {
	return kernel.ResultNone, 1
}

func TestStatsReportsWorkerCountAndCounters(t *testing.T) {
	bus := restartbus.New()
	js := jobstate.New(bus)
	queue := workqueue.New(1)
	l, err := ledger.New(0, nil)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}

	p := New(Config{N: 4, Source: SourceGetwork}, js, bus, queue, l, noopScanner{})
	stats := p.Stats()
	if stats.WorkerCount != 4 {
		t.Errorf("WorkerCount = %d, want 4", stats.WorkerCount)
	}
	if stats.Accepted != 0 || stats.Rejected != 0 {
		t.Errorf("fresh pool should report zero accepted/rejected shares, got %+v", stats)
	}
}

// TestSubmitDropsStaleJobWithoutTouchingQueue exercises spec.md section 9's
// resolved open question: with StrictStaleCheck enabled, a submit for a job
// id Job State has already moved past is dropped before it ever reaches the
// Work Queue (there is deliberately no consumer draining the queue in this
// test, so a submit that got through would hang and fail the test).
func TestSubmitDropsStaleJobWithoutTouchingQueue(t *testing.T) {
	bus := restartbus.New()
	js := jobstate.New(bus)
	queue := workqueue.New(1)
	l, err := ledger.New(0, nil)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}

	p := New(Config{N: 1, StrictStaleCheck: true}, js, bus, queue, l, noopScanner{})
	js.Publish(&header.JobTemplate{JobID: "job-2"})

	w := newWorker(0, 1, p)
	staleJob := &header.JobTemplate{JobID: "job-1"}

	done := make(chan struct{})
	go func() {
		w.submit(staleJob, nil, 1)
		close(done)
	}()
	<-done

	if stats := p.Stats(); stats.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1 after a stale-job submit", stats.Rejected)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	bus := restartbus.New()
	js := jobstate.New(bus)
	queue := workqueue.New(1)
	l, err := ledger.New(0, nil)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	p := New(Config{N: 1}, js, bus, queue, l, noopScanner{})

	done := make(chan struct{})
	go func() {
		p.Run()
		close(done)
	}()
	p.Stop()
	p.Stop() // must not panic on a closed channel
	<-done

	if !p.Aborted() {
		t.Error("Aborted() should report true after Stop")
	}
}
