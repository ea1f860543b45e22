// Package coordinator wires C1-C8 and the admin/stats API together into a
// single running process, the role the teacher's cmd/eacrpoold main would
// play for a pool daemon: parse config, construct every actor, start them,
// and drive shutdown on signal.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/api"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/config"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/getwork"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/header"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/jobstate"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/kernel"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/ledger"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/log"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/restartbus"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/retry"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/stratum"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/workerpool"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/workio"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/workqueue"

	bolt "github.com/coreos/bbolt"
)

var logger = log.Subsystem(log.SubsystemCoordinator)

// Coordinator owns every actor for one mining run.
type Coordinator struct {
	cfg *config.Config

	bus   *restartbus.Bus
	js    *jobstate.JobState
	queue *workqueue.Queue
	pool  *workerpool.Pool

	stratumSession *stratum.Session
	getworkClient  *getwork.Client
	actor          *workio.Actor
	ledger         *ledger.Ledger

	apiServer *api.Server
	db        *bolt.DB

	retentionStop chan struct{}
	retentionOnce sync.Once

	runCancelMu sync.Mutex
	runCancel   context.CancelFunc
}

// New constructs every actor described by cfg but does not start them.
func New(cfg *config.Config, scanner kernel.Scanner) (*Coordinator, error) {
	bus := restartbus.New()
	js := jobstate.New(bus)
	queue := workqueue.New(8)

	var db *bolt.DB
	var err error
	if cfg.ConfigFile != "" { // reuse presence of a config dir as the share-db location hint
		db, err = bolt.Open(cfg.ConfigFile+".sharedb", 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("coordinator: open share ledger db: %w", err)
		}
	}
	shareLedger, err := ledger.New(ledger.DefaultRetention, db)
	if err != nil {
		return nil, fmt.Errorf("coordinator: new ledger: %w", err)
	}

	algo := header.AlgoNeoscrypt
	source := workerpool.SourceGetwork
	var backend workio.Backend
	var sess *stratum.Session
	var gw *getwork.Client

	// cfg.Retries counts retries after the first attempt; -1 means unbounded,
	// which retry.Policy spells as MaxAttempts 0.
	maxAttempts := 0
	if cfg.Retries >= 0 {
		maxAttempts = cfg.Retries + 1
	}
	retryPolicy := retry.Policy{MaxAttempts: maxAttempts, Pause: cfg.RetryPause}

	if cfg.UsesStratum() {
		source = workerpool.SourceStratum
		sess = stratum.New(stratum.Config{
			URL:         cfg.PoolURL,
			WorkerName:  cfg.User,
			Password:    cfg.Pass,
			Algo:        algo,
			RetryPolicy: retryPolicy,
		}, js, bus)
		backend = sess
	} else {
		gw = getwork.New(getwork.Config{
			URL:            cfg.PoolURL,
			Username:       cfg.User,
			Password:       cfg.Pass,
			Algo:           algo,
			Timeout:        cfg.Timeout,
			EnableLongPoll: !cfg.NoLongPoll,
		}, js, bus)
		backend = gw
	}

	actor := workio.New(queue, backend)

	poolCfg := workerpool.Config{
		N:                   cfg.Threads,
		Algo:                algo,
		Source:              source,
		GetworkScanInterval: cfg.ScanTime,
		DedupEnabled:        true,
		TimeLimit:           cfg.TimeLimit,
		StrictStaleCheck:    cfg.StrictStaleCheck,
	}
	pool := workerpool.New(poolCfg, js, bus, queue, shareLedger, scanner)
	actor.NetworkFail = pool.SetNetworkFail
	if sess != nil {
		pool.SetDuplicateShareHandler(sess.RequestReset)
	}

	c := &Coordinator{
		cfg:            cfg,
		bus:            bus,
		js:             js,
		queue:          queue,
		pool:           pool,
		stratumSession: sess,
		getworkClient:  gw,
		actor:          actor,
		ledger:         shareLedger,
		db:             db,
		retentionStop:  make(chan struct{}),
	}

	if cfg.APIBind != "" {
		c.apiServer = api.New(api.Config{
			Bind: cfg.APIBind,
		}, pool, api.Controls{
			Pause:  pool.Stop,
			Resume: func() { logger.Infof("resume requested; restart the coordinator to resume after a stop") },
			Reload: func() { logger.Infof("reload requested") },
		})
	}

	return c, nil
}

// Run starts every actor and blocks until ctx is cancelled or the pool
// stops on its own (time limit reached, or a submit exhausted its retries).
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.closeDB()

	runCtx, cancel := context.WithCancel(ctx)
	c.runCancelMu.Lock()
	c.runCancel = cancel
	c.runCancelMu.Unlock()
	defer cancel()

	errCh := make(chan error, 4)

	go c.ledger.RetentionLoop(c.retentionStop)

	go func() {
		errCh <- c.actor.Run(runCtx)
	}()

	if c.stratumSession != nil {
		go func() {
			errCh <- c.stratumSession.Run(runCtx)
		}()
	} else if c.getworkClient != nil {
		go c.runGetworkLoop(runCtx)
	}

	if c.apiServer != nil {
		go func() {
			errCh <- c.apiServer.Serve(runCtx)
		}()
	}

	go func() {
		c.pool.Run()
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		c.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		c.Shutdown()
		return err
	}
}

// Shutdown tears every actor down. Safe to call more than once.
func (c *Coordinator) Shutdown() {
	c.pool.Stop()
	c.queue.Abort()
	c.retentionOnce.Do(func() { close(c.retentionStop) })

	c.runCancelMu.Lock()
	cancel := c.runCancel
	c.runCancelMu.Unlock()
	if cancel != nil {
		// Cancels runCtx so runGetworkLoop/runLongPollLoop stop even when
		// Shutdown is triggered by an actor error rather than by the
		// caller's own ctx being cancelled.
		cancel()
	}

	if c.stratumSession != nil {
		c.stratumSession.Close()
	}
	if c.apiServer != nil {
		c.apiServer.Close()
	}
}

func (c *Coordinator) closeDB() {
	if c.db != nil {
		c.db.Close()
	}
}

// runGetworkLoop drives the pull-based getwork transport: an initial fetch,
// then a fixed-interval refetch every scan_time, mirroring the original
// source's main scan loop. When long-polling is enabled a second goroutine
// blocks on PollLongPoll in a loop alongside it, exactly as cudaminer.cpp
// runs its longpoll_thread next to the regular work loop rather than instead
// of it.
func (c *Coordinator) runGetworkLoop(ctx context.Context) {
	if _, err := c.getworkClient.GetWork(ctx); err != nil {
		logger.Errorf("initial getwork fetch: %v", err)
	}

	if !c.cfg.NoLongPoll {
		go c.runLongPollLoop(ctx)
	}

	ticker := time.NewTicker(c.cfg.ScanTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.getworkClient.GetWork(ctx); err != nil {
				logger.Errorf("getwork: %v", err)
			}
		}
	}
}

func (c *Coordinator) runLongPollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.getworkClient.PollLongPoll(ctx); err != nil {
			logger.Debugf("long-poll: %v", err)
			time.Sleep(time.Second)
		}
	}
}
