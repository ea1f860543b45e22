// Package workerpool implements C6, the Worker Pool: N miner actors that
// own nonce sub-ranges and drive the hash kernel, per spec.md section 4.5.
package workerpool

import (
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/header"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/jobstate"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/kernel"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/ledger"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/log"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/restartbus"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/workqueue"
)

var logger = log.Subsystem(log.SubsystemWorkerPool)

// Source distinguishes which upstream transport is currently supplying
// work, since the scan-budget and refresh rules differ (spec.md section
// 4.5 step 1 and step 3).
type Source int

const (
	// SourceStratum means the pool is fed by the stratum session.
	SourceStratum Source = iota
	// SourceGetwork means the pool is fed by the long-poll/getwork session.
	SourceGetwork
)

// MinHashesPerScan is the configured minimum scan-budget clamp for the
// supported algorithm (2**25), per spec.md section 4.5 step 3.
const MinHashesPerScan = 1 << 25

// MaxNonce32 is the maximum representable nonce value, 2**32-1.
const MaxNonce32 = ^uint32(0)

// Config configures the pool.
type Config struct {
	N                   int
	Algo                header.Algo
	Source              Source
	StratumScanSlice    time.Duration // fixed 30s scan budget in stratum mode
	GetworkScanInterval time.Duration // scan_time, getwork mode
	DedupEnabled        bool
	TimeLimit           time.Duration // 0 means unlimited
	// StrictStaleCheck rejects a worker's submit outright when Job State's
	// current job id no longer matches the job the share was mined against,
	// rather than sending it upstream to be rejected there (spec.md section
	// 9's resolved open question).
	StrictStaleCheck bool
}

// Pool owns N workers sharing Job State, the Restart Bus, the Work Queue,
// and the Share Ledger.
type Pool struct {
	cfg     Config
	js      *jobstate.JobState
	bus     *restartbus.Bus
	queue   *workqueue.Queue
	ledger  *ledger.Ledger
	scanner kernel.Scanner

	xnonce2Mu sync.Mutex
	xnonce2   []byte

	networkFail            atomic.Bool
	getworkRefreshInFlight atomic.Bool

	acceptedShares atomic.Uint64
	rejectedShares atomic.Uint64

	duplicateHandlerMu sync.Mutex
	duplicateHandler   func()

	workers []*worker
	wg      sync.WaitGroup
	stopCh  chan struct{}

	startTime time.Time
	abortOnce sync.Once
	aborted   atomic.Bool
}

// New constructs a Pool. scanner is the hash kernel; in production this is
// the GPU device binding, in tests and --benchmark it's
// kernel.CPUReference{}.
func New(cfg Config, js *jobstate.JobState, bus *restartbus.Bus, queue *workqueue.Queue,
	shareLedger *ledger.Ledger, scanner kernel.Scanner) *Pool {
	if cfg.N <= 0 {
		cfg.N = 1
	}
	if cfg.StratumScanSlice <= 0 {
		cfg.StratumScanSlice = 30 * time.Second
	}
	if cfg.GetworkScanInterval <= 0 {
		cfg.GetworkScanInterval = 5 * time.Second
	}
	p := &Pool{
		cfg:     cfg,
		js:      js,
		bus:     bus,
		queue:   queue,
		ledger:  shareLedger,
		scanner: scanner,
		xnonce2: make([]byte, 4),
		stopCh:  make(chan struct{}),
	}
	p.workers = make([]*worker, cfg.N)
	for i := 0; i < cfg.N; i++ {
		p.workers[i] = newWorker(i, cfg.N, p)
	}
	return p
}

// SetNetworkFail is called by the Work-I/O actor when upstream requests are
// transiently failing, so workers pause rather than spin on stale headers
// (spec.md section 7).
func (p *Pool) SetNetworkFail(failed bool) {
	p.networkFail.Store(failed)
}

// SetDuplicateShareHandler registers the callback invoked when a worker's
// would-be submit is suppressed by the Share Ledger as a duplicate. Per
// spec.md section 4.6, a duplicate hit raises the stratum session-reset
// flag in addition to the Restart Bus; the coordinator wires this to the
// active stratum.Session, if any.
func (p *Pool) SetDuplicateShareHandler(fn func()) {
	p.duplicateHandlerMu.Lock()
	p.duplicateHandler = fn
	p.duplicateHandlerMu.Unlock()
}

// requestGetworkRefresh asks the Work-I/O actor for fresh work when a
// getwork-fed worker's cursor nears the end of its range or the scan
// interval has elapsed (spec.md section 4.5 step 1). At most one refresh
// request is in flight at a time; callers that lose the race simply carry
// on with the current job until the in-flight one lands.
func (p *Pool) requestGetworkRefresh() {
	if !p.getworkRefreshInFlight.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer p.getworkRefreshInFlight.Store(false)
		resp := p.queue.GetWork()
		<-resp
	}()
}

func (p *Pool) onDuplicateShare() {
	p.bus.Raise()
	p.duplicateHandlerMu.Lock()
	fn := p.duplicateHandler
	p.duplicateHandlerMu.Unlock()
	if fn != nil {
		fn()
	}
}

// nextXnonce2 returns the next client-incremented extranonce2 value,
// sized per the current job's Xnonce2Size (spec.md section 3: "xnonce2 is
// client-incremented per built header").
func (p *Pool) nextXnonce2(size int) []byte {
	p.xnonce2Mu.Lock()
	defer p.xnonce2Mu.Unlock()
	if len(p.xnonce2) != size {
		p.xnonce2 = make([]byte, size)
	}
	out := make([]byte, size)
	copy(out, p.xnonce2)
	header.IncrementExtranonce2(p.xnonce2)
	return out
}

// Run starts all workers and blocks until Stop is called or, if a time
// limit is configured, until it elapses — at which point the pool aborts
// gracefully (spec.md section 4.5, "Time-limit").
func (p *Pool) Run() {
	p.startTime = time.Now()
	p.wg.Add(len(p.workers))
	for _, w := range p.workers {
		go func(w *worker) {
			defer p.wg.Done()
			w.loop(p.stopCh)
		}(w)
	}
	if p.cfg.TimeLimit > 0 {
		go p.enforceTimeLimit()
	}
	p.wg.Wait()
}

func (p *Pool) enforceTimeLimit() {
	timer := time.NewTimer(p.cfg.TimeLimit)
	defer timer.Stop()
	select {
	case <-timer.C:
		logger.Infof("time limit of %s reached, stopping", p.cfg.TimeLimit)
		p.Stop()
	case <-p.stopCh:
	}
}

// Stop raises the Restart Bus and signals every worker to exit. Safe to
// call more than once.
func (p *Pool) Stop() {
	p.abortOnce.Do(func() {
		p.aborted.Store(true)
		p.bus.Raise()
		close(p.stopCh)
	})
}

// Aborted reports whether Stop has been called (e.g. by the time limit or
// a process shutdown signal).
func (p *Pool) Aborted() bool {
	return p.aborted.Load()
}

// Stats is a point-in-time snapshot of pool-wide mining statistics, used by
// the admin/stats API.
type Stats struct {
	WorkerCount     int
	HashrateHashSec float64
	Accepted        uint64
	Rejected        uint64
	Uptime          time.Duration
	NetworkFailing  bool
}

// Stats aggregates each worker's hashrate estimate and the accepted/rejected
// share counters.
func (p *Pool) Stats() Stats {
	var total float64
	for _, w := range p.workers {
		total += w.getHashrate()
	}
	uptime := time.Duration(0)
	if !p.startTime.IsZero() {
		uptime = time.Since(p.startTime)
	}
	return Stats{
		WorkerCount:     len(p.workers),
		HashrateHashSec: total,
		Accepted:        p.acceptedShares.Load(),
		Rejected:        p.rejectedShares.Load(),
		Uptime:          uptime,
		NetworkFailing:  p.networkFail.Load(),
	}
}

// partition computes worker i's nonce sub-range of N, per invariant I2:
// [i*2**32/N, (i+1)*2**32/N), collectively covering [0, 2**32) without
// overlap. The final worker's range is clamped to MaxNonce32 inclusive.
func partition(i, n int) (start, end uint32) {
	span := (uint64(1) << 32) / uint64(n)
	s := uint64(i) * span
	var e uint64
	if i == n-1 {
		e = uint64(1) << 32
	} else {
		e = uint64(i+1) * span
	}
	if s > uint64(MaxNonce32) {
		s = uint64(MaxNonce32)
	}
	if e > uint64(1)<<32 {
		e = uint64(1) << 32
	}
	return uint32(s), uint32(e - 1)
}

// targetToWords renders a 256-bit big-endian target as 8 big-endian
// uint32 words, the form the hash kernel interface expects.
func targetToWords(target *big.Int) [8]uint32 {
	b := target.FillBytes(make([]byte, 32))
	var words [8]uint32
	for i := 0; i < 8; i++ {
		words[i] = beUint32(b[i*4 : i*4+4])
	}
	return words
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
