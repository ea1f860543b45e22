// Package jobstate implements C1, the Job State: a single versioned holder
// of the current Job Template. Publish always installs its job;
// PublishIfFresh rejects a reply that raced a newer publish rather than
// silently clobbering it (the getwork long-poll path calls Publish, not
// PublishIfFresh). Reads never block writers for long (a short critical
// section copies the pointer out).
package jobstate

import (
	"sync"
	"time"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/header"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/log"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/restartbus"
)

var logger = log.Subsystem(log.SubsystemJobState)

// JobState is the mutable slot described in spec.md section 4.1.
type JobState struct {
	mu         sync.RWMutex
	generation uint64
	job        *header.JobTemplate
	updatedAt  time.Time
	bus        *restartbus.Bus
}

// New returns an empty JobState wired to the given Restart Bus.
func New(bus *restartbus.Bus) *JobState {
	return &JobState{bus: bus}
}

// Snapshot is a non-blocking read of the current generation and job.
type Snapshot struct {
	Generation uint64
	Job        *header.JobTemplate
	UpdatedAt  time.Time
}

// Snapshot returns the current generation and Job Template. The returned
// job must be treated as immutable by the caller.
func (s *JobState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Generation: s.generation, Job: s.job, UpdatedAt: s.updatedAt}
}

// Publish unconditionally installs job as current, bumps the generation,
// and raises the Restart Bus if the job id changed or the clean flag is
// set (invariant I5). Used by actors considered authoritative while
// active (stratum notify, a direct getwork fetch with no competing
// source).
func (s *JobState) Publish(job *header.JobTemplate) uint64 {
	s.mu.Lock()
	prev := s.job
	s.job = job
	s.generation++
	s.updatedAt = time.Now()
	gen := s.generation
	s.mu.Unlock()

	if shouldRestart(prev, job) {
		s.bus.Raise()
		logger.Debugf("job %s published (generation %d), restart bus raised", job.JobID, gen)
	} else {
		logger.Tracef("job %s published (generation %d)", job.JobID, gen)
	}
	return gen
}

// PublishIfFresh installs job only if no publish has happened since
// expectedGeneration was observed (typically via Snapshot, taken before a
// blocking long-poll or getwork round-trip started). It returns false
// without installing anything if a newer job has since arrived — the
// total-order guarantee that keeps a slow long-poll reply from clobbering
// a fresher stratum job.
func (s *JobState) PublishIfFresh(expectedGeneration uint64, job *header.JobTemplate) bool {
	s.mu.Lock()
	if s.generation != expectedGeneration {
		s.mu.Unlock()
		logger.Debugf("discarding stale job %s (expected generation %d, now %d)",
			job.JobID, expectedGeneration, s.generation)
		return false
	}
	prev := s.job
	s.job = job
	s.generation++
	s.updatedAt = time.Now()
	s.mu.Unlock()

	if shouldRestart(prev, job) {
		s.bus.Raise()
	}
	return true
}

// StaleAfter reports whether no publish has occurred within the last
// window, which should drive a forced getwork refetch.
func (s *JobState) StaleAfter(window time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.job == nil {
		return true
	}
	return time.Since(s.updatedAt) > window
}

func shouldRestart(prev, next *header.JobTemplate) bool {
	if next == nil {
		return false
	}
	if next.Clean {
		return true
	}
	if prev == nil {
		return true
	}
	return prev.JobID != next.JobID
}
