// Package workio implements C5, the Work-I/O Actor: the single consumer of
// the Work Queue (C2) that owns the one HTTP/TCP client talking to
// upstream, dispatching each command to whichever transport is configured —
// a stratum.Session or a getwork.Client — through the small Backend
// interface below. Modeled on the teacher's single-owner-per-resource shape
// (one Client per TCP connection, nothing else touches the socket).
package workio

import (
	"context"
	"errors"
	"time"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/header"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/log"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/retry"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/workqueue"
)

var logger = log.Subsystem(log.SubsystemWorkIO)

// Backend is satisfied by both stratum.Session and getwork.Client; the
// actor doesn't care which transport it's driving.
type Backend interface {
	GetWork(ctx context.Context) (*header.JobTemplate, error)
	SubmitWork(ctx context.Context, sub workqueue.Submission) (accepted bool, reason string, err error)
}

// GetWorkRetryPolicy retries a failed getwork round trip forever with a
// fixed pause; a getwork fetch failing is routine (the pool is momentarily
// unreachable) and should never give up.
var GetWorkRetryPolicy = retry.Policy{MaxAttempts: 0, Pause: 5 * time.Second}

// SubmitRetryPolicy bounds how many times a submit is retried before the
// actor gives up on it entirely. Per spec.md section 4.2, exhausting these
// retries terminates the actor (and, in turn, the process) rather than
// silently dropping the share.
var SubmitRetryPolicy = retry.Policy{MaxAttempts: 3, Pause: 2 * time.Second}

// ErrSubmitExhausted is returned from Run when a submit could not be
// delivered after SubmitRetryPolicy's attempts.
var ErrSubmitExhausted = errors.New("workio: submit retries exhausted")

// Actor is the Work-I/O Actor. One Actor owns one Backend for its entire
// lifetime; switching transports means constructing a new Actor.
type Actor struct {
	queue   *workqueue.Queue
	backend Backend

	// NetworkFail, if set, is called with true/false as round trips start
	// failing and recover, so the coordinator can pause the Worker Pool
	// (spec.md section 7) without the pool needing its own upstream probe.
	NetworkFail func(failed bool)
}

// New returns an Actor consuming cmds from queue and dispatching to backend.
func New(queue *workqueue.Queue, backend Backend) *Actor {
	return &Actor{queue: queue, backend: backend}
}

// Run consumes commands until ctx is cancelled, an Abort command arrives,
// or a submit exhausts its retries. A non-nil return always means the actor
// has stopped serving the queue.
func (a *Actor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd, ok := <-a.queue.Commands():
			if !ok {
				return nil
			}
			switch cmd.Kind {
			case workqueue.KindGetWork:
				a.handleGetWork(ctx, cmd)
			case workqueue.KindSubmitWork:
				if err := a.handleSubmitWork(ctx, cmd); err != nil {
					return err
				}
			case workqueue.KindAbort:
				logger.Infof("work-io actor: abort received, terminating")
				return nil
			}
		}
	}
}

func (a *Actor) handleGetWork(ctx context.Context, cmd workqueue.Command) {
	var job *header.JobTemplate
	err := retry.Run(ctx, GetWorkRetryPolicy, func() error {
		j, err := a.backend.GetWork(ctx)
		if err != nil {
			logger.Errorf("getwork: %v", err)
			a.setNetworkFail(true)
			return err
		}
		a.setNetworkFail(false)
		job = j
		return nil
	})
	cmd.Response <- workqueue.Result{Job: job, Err: err}
}

func (a *Actor) handleSubmitWork(ctx context.Context, cmd workqueue.Command) error {
	var accepted bool
	var reason string
	err := retry.Run(ctx, SubmitRetryPolicy, func() error {
		acc, rsn, err := a.backend.SubmitWork(ctx, cmd.Submission)
		if err != nil {
			logger.Errorf("submit job=%s: %v", cmd.Submission.JobID, err)
			return err
		}
		accepted, reason = acc, rsn
		return nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		cmd.Response <- workqueue.Result{Err: ErrSubmitExhausted}
		logger.Errorf("submit job=%s: retries exhausted, terminating work-io actor", cmd.Submission.JobID)
		return ErrSubmitExhausted
	}
	if err != nil {
		cmd.Response <- workqueue.Result{Err: err}
		return err
	}
	cmd.Response <- workqueue.Result{Accepted: accepted, Reason: reason}
	return nil
}

func (a *Actor) setNetworkFail(failed bool) {
	if a.NetworkFail != nil {
		a.NetworkFail(failed)
	}
}
