// Package ledger implements C7, the Share Ledger: a (job_id, nonce) keyed
// deduplication table with submit history. It supports an optional bbolt
// backing store so that duplicate suppression survives a coordinator
// restart, the same persistence library (github.com/coreos/bbolt) the
// teacher uses for pool account/job/work state.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "github.com/coreos/bbolt"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/log"
)

var logger = log.Subsystem(log.SubsystemLedger)

var sharesBucket = []byte("shares")

// Record is a single submitted share, per spec.md section 3.
type Record struct {
	JobID      string    `json:"job_id"`
	Nonce      uint32    `json:"nonce"`
	SubmitTime time.Time `json:"submit_time"`
	Accepted   bool      `json:"accepted"`
}

type key struct {
	jobID string
	nonce uint32
}

// Ledger is the mutex-protected in-memory index, with an optional bbolt
// mirror for crash-safe dedup across restarts.
type Ledger struct {
	mu        sync.Mutex
	entries   map[key]Record
	db        *bolt.DB
	retention time.Duration
}

// DefaultRetention keeps entries long enough to outlast one block interval,
// per spec.md section 4.6.
const DefaultRetention = 15 * time.Minute

// New returns a Ledger with the given retention window. db may be nil to
// run purely in-memory (e.g. for --benchmark or tests).
func New(retention time.Duration, db *bolt.DB) (*Ledger, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	l := &Ledger{
		entries:   make(map[key]Record),
		db:        db,
		retention: retention,
	}
	if db != nil {
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(sharesBucket)
			return err
		}); err != nil {
			return nil, fmt.Errorf("ledger: init bucket: %w", err)
		}
		if err := l.loadFromDB(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func recordKeyBytes(jobID string, nonce uint32) []byte {
	b := make([]byte, len(jobID)+4)
	copy(b, jobID)
	binary.BigEndian.PutUint32(b[len(jobID):], nonce)
	return b
}

func (l *Ledger) loadFromDB() error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sharesBucket)
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip corrupt entries rather than fail startup
			}
			l.entries[key{rec.JobID, rec.Nonce}] = rec
			return nil
		})
	})
}

// Remember records a submitted share. It overwrites any prior entry for the
// same (job_id, nonce) — callers should have already checked
// AlreadySubmitted before calling Remember for the first time.
func (l *Ledger) Remember(jobID string, nonce uint32, at time.Time, accepted bool) error {
	rec := Record{JobID: jobID, Nonce: nonce, SubmitTime: at, Accepted: accepted}
	l.mu.Lock()
	l.entries[key{jobID, nonce}] = rec
	l.mu.Unlock()

	if l.db == nil {
		return nil
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sharesBucket).Put(recordKeyBytes(jobID, nonce), buf)
	})
}

// AlreadySubmitted reports the age of a prior submission for (job_id,
// nonce), if any. Invariant I3 / testable property P2: a true return means
// the caller must suppress the submit.
func (l *Ledger) AlreadySubmitted(jobID string, nonce uint32) (age time.Duration, found bool) {
	l.mu.Lock()
	rec, ok := l.entries[key{jobID, nonce}]
	l.mu.Unlock()
	if !ok {
		return 0, false
	}
	return time.Since(rec.SubmitTime), true
}

// PurgeJob drops every entry for a specific job id, typically called when a
// worker's difficulty target changes and deduplication for the prior job is
// no longer needed (spec.md section 4.5 step 2).
func (l *Ledger) PurgeJob(jobID string) {
	l.mu.Lock()
	for k := range l.entries {
		if k.jobID == jobID {
			delete(l.entries, k)
		}
	}
	l.mu.Unlock()

	if l.db == nil {
		return
	}
	// A byte-prefix cursor scan would also match a longer job id that
	// happens to start with jobID's bytes (e.g. "job1" vs "job10"), so
	// collect exact matches by trimming the trailing 4-byte nonce instead
	// of comparing raw prefixes.
	if err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sharesBucket)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(k) >= 4 && string(k[:len(k)-4]) == jobID {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		logger.Errorf("purge job %s: %v", jobID, err)
	}
}

// PurgeOld drops every entry submitted before cutoff.
func (l *Ledger) PurgeOld(cutoff time.Time) {
	var toDelete []key
	l.mu.Lock()
	for k, rec := range l.entries {
		if rec.SubmitTime.Before(cutoff) {
			delete(l.entries, k)
			toDelete = append(toDelete, k)
		}
	}
	l.mu.Unlock()

	if l.db == nil || len(toDelete) == 0 {
		return
	}
	if err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sharesBucket)
		for _, k := range toDelete {
			if err := b.Delete(recordKeyBytes(k.jobID, k.nonce)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		logger.Errorf("purge old entries: %v", err)
	}
}

// PurgeAll clears the ledger entirely.
func (l *Ledger) PurgeAll() {
	l.mu.Lock()
	l.entries = make(map[key]Record)
	l.mu.Unlock()

	if l.db == nil {
		return
	}
	if err := l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(sharesBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(sharesBucket)
		return err
	}); err != nil {
		logger.Errorf("purge all: %v", err)
	}
}

// RetentionLoop runs PurgeOld on a ticker until stop is closed. Intended to
// be launched as a goroutine from the coordinator.
func (l *Ledger) RetentionLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(l.retention / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			l.PurgeOld(now.Add(-l.retention))
		}
	}
}
