package ledger

import (
	"testing"
	"time"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(time.Minute, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// TestNoDuplicateSubmit exercises property P2: once a (job_id, nonce) pair
// has been remembered, AlreadySubmitted must report it as a duplicate.
func TestNoDuplicateSubmit(t *testing.T) {
	l := newTestLedger(t)

	if _, found := l.AlreadySubmitted("job1", 42); found {
		t.Fatal("AlreadySubmitted on an empty ledger reported a duplicate")
	}

	if err := l.Remember("job1", 42, time.Now(), true); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	if _, found := l.AlreadySubmitted("job1", 42); !found {
		t.Error("AlreadySubmitted should report the just-remembered (job, nonce) as a duplicate")
	}
	if _, found := l.AlreadySubmitted("job1", 43); found {
		t.Error("a different nonce under the same job must not be seen as a duplicate")
	}
	if _, found := l.AlreadySubmitted("job2", 42); found {
		t.Error("the same nonce under a different job must not be seen as a duplicate")
	}
}

func TestPurgeJobDropsOnlyThatJob(t *testing.T) {
	l := newTestLedger(t)
	l.Remember("job1", 1, time.Now(), true)
	l.Remember("job2", 1, time.Now(), true)

	l.PurgeJob("job1")

	if _, found := l.AlreadySubmitted("job1", 1); found {
		t.Error("job1 entry should have been purged")
	}
	if _, found := l.AlreadySubmitted("job2", 1); !found {
		t.Error("job2 entry should have survived purging job1")
	}
}

func TestPurgeOldDropsExpiredEntriesOnly(t *testing.T) {
	l := newTestLedger(t)
	old := time.Now().Add(-time.Hour)
	l.Remember("job1", 1, old, true)
	l.Remember("job1", 2, time.Now(), true)

	l.PurgeOld(time.Now().Add(-time.Minute))

	if _, found := l.AlreadySubmitted("job1", 1); found {
		t.Error("entry older than the cutoff should have been purged")
	}
	if _, found := l.AlreadySubmitted("job1", 2); !found {
		t.Error("entry newer than the cutoff should have survived")
	}
}

func TestPurgeAllClearsEverything(t *testing.T) {
	l := newTestLedger(t)
	l.Remember("job1", 1, time.Now(), true)
	l.Remember("job2", 2, time.Now(), true)

	l.PurgeAll()

	if _, found := l.AlreadySubmitted("job1", 1); found {
		t.Error("PurgeAll should have dropped job1's entry")
	}
	if _, found := l.AlreadySubmitted("job2", 2); found {
		t.Error("PurgeAll should have dropped job2's entry")
	}
}
