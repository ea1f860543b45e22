package jobstate

import (
	"testing"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/header"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/restartbus"
)

// TestPublishRaisesBusOnCleanOrNewJob is the mechanism property P3 (job
// freshness) depends on: a clean-flagged or job-id-changing publish must
// raise the Restart Bus so every worker's in-flight scan token goes stale
// immediately, well inside the 100ms bound.
func TestPublishRaisesBusOnCleanOrNewJob(t *testing.T) {
	bus := restartbus.New()
	js := New(bus)

	tok := bus.Snapshot()
	js.Publish(&header.JobTemplate{JobID: "job1", Clean: true})
	if !bus.Stale(tok) {
		t.Error("publishing a clean job should raise the Restart Bus")
	}

	tok = bus.Snapshot()
	js.Publish(&header.JobTemplate{JobID: "job2", Clean: false})
	if !bus.Stale(tok) {
		t.Error("publishing a job with a new id should raise the Restart Bus")
	}

	tok = bus.Snapshot()
	js.Publish(&header.JobTemplate{JobID: "job2", Clean: false, Difficulty: 2})
	if bus.Stale(tok) {
		t.Error("republishing the same job id without the clean flag should not raise the Restart Bus")
	}
}

func TestSnapshotReflectsMostRecentPublish(t *testing.T) {
	bus := restartbus.New()
	js := New(bus)

	js.Publish(&header.JobTemplate{JobID: "job1"})
	js.Publish(&header.JobTemplate{JobID: "job2"})

	snap := js.Snapshot()
	if snap.Job.JobID != "job2" {
		t.Errorf("Snapshot().Job.JobID = %q, want job2", snap.Job.JobID)
	}
	if snap.Generation != 2 {
		t.Errorf("Snapshot().Generation = %d, want 2", snap.Generation)
	}
}

// TestPublishIfFreshRejectsStaleGeneration is the total-order guarantee a
// long-poll reply relies on: if a fresher publish happened since the
// caller's snapshot, its own (now-stale) result must not clobber it.
func TestPublishIfFreshRejectsStaleGeneration(t *testing.T) {
	bus := restartbus.New()
	js := New(bus)

	js.Publish(&header.JobTemplate{JobID: "job1"})
	snap := js.Snapshot()

	// A newer job lands while a long-poll round trip is still in flight.
	js.Publish(&header.JobTemplate{JobID: "job2"})

	ok := js.PublishIfFresh(snap.Generation, &header.JobTemplate{JobID: "stale-reply"})
	if ok {
		t.Error("PublishIfFresh should reject a generation that is no longer current")
	}
	if js.Snapshot().Job.JobID != "job2" {
		t.Error("the fresher job must still be current after the stale publish attempt")
	}
}
