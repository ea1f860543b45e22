package workerpool

import (
	"sync"
	"time"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/difficulty"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/header"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/jobstate"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/kernel"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/workqueue"
)

// PowLimit is the algorithm's proof-of-work ceiling used to convert between
// difficulty and target. It is a package variable, defaulting to
// difficulty.DefaultPowLimit, rather than per-pool configuration because
// every worker in a coordinator mines the same algorithm; tests override it
// directly.
var PowLimit = difficulty.DefaultPowLimit

// staleJobGrace is how long a stratum job may go unrefreshed before a
// worker briefly waits for a push, per spec.md section 4.5 step 1.
const staleJobGrace = 60 * time.Second

// pushWait is how long to wait for that push before proceeding anyway.
const pushWait = 500 * time.Millisecond

// nearRangeEndMargin is how close to the end of a getwork worker's nonce
// range triggers a forced refetch (spec.md section 4.5 step 1).
const nearRangeEndMargin = 256

// worker is one of the N miner actors described in spec.md section 4.5.
type worker struct {
	id         int
	n          int
	nonceStart uint32
	nonceEnd   uint32
	pool       *Pool

	startNonce uint32 // current scan cursor, advances each iteration

	hashrateMu sync.RWMutex
	hashrate   float64

	lastJobID      string
	lastDifficulty float64
	target         [8]uint32
}

func newWorker(id, n int, p *Pool) *worker {
	start, end := partition(id, n)
	return &worker{
		id:         id,
		n:          n,
		nonceStart: start,
		nonceEnd:   end,
		pool:       p,
		startNonce: start,
		hashrate:   1e5, // seed estimate until the first measurement lands
	}
}

func (w *worker) setHashrate(v float64) {
	w.hashrateMu.Lock()
	w.hashrate = v
	w.hashrateMu.Unlock()
}

func (w *worker) getHashrate() float64 {
	w.hashrateMu.RLock()
	defer w.hashrateMu.RUnlock()
	return w.hashrate
}

// loop runs steps 1-7 of spec.md section 4.5 until stop is closed.
func (w *worker) loop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		if w.pool.networkFail.Load() {
			time.Sleep(time.Second)
			continue
		}

		snap := w.pool.js.Snapshot()
		if snap.Job == nil {
			time.Sleep(250 * time.Millisecond)
			continue
		}

		// Step 1: refresh.
		w.maybeWaitForPush(snap)

		// Step 2: diff update.
		if snap.Job.JobID != w.lastJobID || snap.Job.Difficulty != w.lastDifficulty {
			target := difficulty.ToTarget(PowLimit, snap.Job.Difficulty)
			w.target = targetToWords(target)
			if w.lastJobID != "" && w.lastJobID != snap.Job.JobID && w.pool.cfg.DedupEnabled {
				w.pool.ledger.PurgeJob(w.lastJobID)
			}
			w.lastDifficulty = snap.Job.Difficulty
		}
		if snap.Job.JobID != w.lastJobID {
			w.lastJobID = snap.Job.JobID
			w.startNonce = w.nonceStart
		}

		xnonce2 := w.pool.nextXnonce2(snap.Job.Xnonce2Size)
		h, err := header.Build(w.pool.cfg.Algo, snap.Job, xnonce2)
		if err != nil {
			logger.Errorf("worker %d: build header: %v", w.id, err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		h[header.NonceWordIdx] = w.startNonce

		// Step 3: compute max_nonce.
		maxNonce := w.computeMaxNonce(snap)
		if maxNonce <= w.startNonce {
			w.startNonce = w.nonceStart
			continue
		}

		// Step 4: scan, observing the Restart Bus.
		token := w.pool.bus.Snapshot()
		cancelled := false
		scanStart := time.Now()
		result, hashesDone := w.pool.scanner.Scan(w.id, h, w.target, maxNonce, func() bool {
			if w.pool.bus.Stale(token) {
				cancelled = true
				return true
			}
			return false
		})
		elapsed := time.Since(scanStart)

		// Step 5: measure.
		if elapsed > 2*time.Millisecond && hashesDone > 0 {
			instant := float64(hashesDone) / elapsed.Seconds()
			w.setHashrate((w.getHashrate() + instant) / 2)
		}

		// Step 6: submit.
		if result == kernel.ResultOneNonce || result == kernel.ResultTwoNonces {
			w.submit(snap.Job, xnonce2, h[header.NonceWordIdx])
			if result == kernel.ResultTwoNonces {
				w.submit(snap.Job, xnonce2, h[header.SecondNonceIdx])
			}
		}

		// Step 7: advance.
		if cancelled {
			w.startNonce = w.nonceStart
		} else {
			w.startNonce = h[header.NonceWordIdx]
			if hashesDone > 0 && w.startNonce < w.nonceEnd {
				w.startNonce++
			}
		}
	}
}

// maybeWaitForPush implements the stratum half of spec.md section 4.5 step
// 1: once a job is older than staleJobGrace, wait briefly for a push before
// proceeding with whatever is current (the grace wait itself is the
// "refresh"; there is no separate re-derivation step since the template
// doesn't change shape, only contents).
func (w *worker) maybeWaitForPush(snap jobstate.Snapshot) {
	switch w.pool.cfg.Source {
	case SourceStratum:
		if time.Since(snap.UpdatedAt) <= staleJobGrace {
			return
		}
		time.Sleep(pushWait)

	case SourceGetwork:
		intervalElapsed := time.Since(snap.UpdatedAt) > w.pool.cfg.GetworkScanInterval
		nearEnd := w.nonceEnd > nearRangeEndMargin && w.startNonce >= w.nonceEnd-nearRangeEndMargin
		if intervalElapsed || nearEnd {
			w.pool.requestGetworkRefresh()
		}
	}
}

// computeMaxNonce implements spec.md section 4.5 step 3.
func (w *worker) computeMaxNonce(snap jobstate.Snapshot) uint32 {
	var budget time.Duration
	switch w.pool.cfg.Source {
	case SourceStratum:
		budget = w.pool.cfg.StratumScanSlice
	case SourceGetwork:
		budget = w.pool.cfg.GetworkScanInterval - time.Since(snap.UpdatedAt)
		if budget < 0 {
			budget = 0
		}
	}

	scanBudgetHashes := uint64(budget.Seconds() * w.getHashrate())
	if scanBudgetHashes < MinHashesPerScan {
		scanBudgetHashes = MinHashesPerScan
	}
	if scanBudgetHashes > uint64(MaxNonce32) {
		scanBudgetHashes = uint64(MaxNonce32)
	}

	candidate := uint64(w.startNonce) + scanBudgetHashes
	if candidate > uint64(w.nonceEnd) {
		return w.nonceEnd
	}
	return uint32(candidate)
}

// submit enqueues a candidate solution via the Work Queue (C2), after
// consulting the Share Ledger for invariant I3 / testable property P2 and,
// with StrictStaleCheck enabled, rejecting a submit for a job id Job State
// has already moved past rather than sending it upstream to be rejected
// there (spec.md section 9).
func (w *worker) submit(job *header.JobTemplate, xnonce2 []byte, nonce uint32) {
	if w.pool.cfg.StrictStaleCheck {
		if cur := w.pool.js.Snapshot().Job; cur != nil && cur.JobID != job.JobID {
			logger.Debugf("worker %d: dropping stale submit job=%s nonce=%08x (current job=%s)", w.id, job.JobID, nonce, cur.JobID)
			w.pool.rejectedShares.Add(1)
			return
		}
	}

	if _, dup := w.pool.ledger.AlreadySubmitted(job.JobID, nonce); dup {
		logger.Debugf("worker %d: suppressing duplicate submit job=%s nonce=%08x", w.id, job.JobID, nonce)
		w.pool.onDuplicateShare()
		return
	}

	resp := w.pool.queue.SubmitWork(workqueue.Submission{
		JobID:   job.JobID,
		Xnonce2: xnonce2,
		NTime:   job.NTime,
		Nonce:   nonce,
	})
	result := <-resp
	accepted := result.Err == nil && result.Accepted
	if err := w.pool.ledger.Remember(job.JobID, nonce, time.Now(), accepted); err != nil {
		logger.Errorf("worker %d: remember share: %v", w.id, err)
	}
	if result.Err != nil {
		w.pool.rejectedShares.Add(1)
		logger.Errorf("worker %d: submit job=%s nonce=%08x: %v", w.id, job.JobID, nonce, result.Err)
		return
	}
	if !accepted {
		w.pool.rejectedShares.Add(1)
		logger.Infof("worker %d: share rejected job=%s nonce=%08x reason=%q", w.id, job.JobID, nonce, result.Reason)
		return
	}
	w.pool.acceptedShares.Add(1)
	logger.Infof("worker %d: share accepted job=%s nonce=%08x", w.id, job.JobID, nonce)
}
