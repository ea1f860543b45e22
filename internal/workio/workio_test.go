package workio

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/header"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/retry"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/workqueue"
)

type fakeBackend struct {
	getworkCalls int32
	getworkFails int32 // fail this many times before succeeding
	submitErr    error
}

func (f *fakeBackend) GetWork(ctx context.Context) (*header.JobTemplate, error) {
	n := atomic.AddInt32(&f.getworkCalls, 1)
	if n <= f.getworkFails {
		return nil, errors.New("transient")
	}
	return &header.JobTemplate{JobID: "job-1"}, nil
}

func (f *fakeBackend) SubmitWork(ctx context.Context, sub workqueue.Submission) (bool, string, error) {
	if f.submitErr != nil {
		return false, "", f.submitErr
	}
	return true, "", nil
}

func newTestActor(backend *fakeBackend) (*Actor, *workqueue.Queue) {
	q := workqueue.New(4)
	a := New(q, backend)
	return a, q
}

func TestGetWorkRetriesUntilSuccess(t *testing.T) {
	backend := &fakeBackend{getworkFails: 2}
	savedPolicy := GetWorkRetryPolicy
	GetWorkRetryPolicy.Pause = time.Millisecond
	defer func() { GetWorkRetryPolicy = savedPolicy }()

	a, q := newTestActor(backend)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	resp := q.GetWork()
	select {
	case result := <-resp:
		if result.Err != nil {
			t.Fatalf("unexpected error: %v", result.Err)
		}
		if result.Job == nil || result.Job.JobID != "job-1" {
			t.Fatalf("unexpected job: %+v", result.Job)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("getwork never completed")
	}
	if backend.getworkCalls != 3 {
		t.Errorf("expected 3 attempts (2 failures + 1 success), got %d", backend.getworkCalls)
	}
}

// TestSubmitExhaustionTerminatesActor exercises testable property P6: once
// SubmitRetryPolicy's attempts are exhausted, Run returns an error instead
// of continuing to serve the queue.
func TestSubmitExhaustionTerminatesActor(t *testing.T) {
	backend := &fakeBackend{submitErr: errors.New("upstream rejecting")}
	savedPolicy := SubmitRetryPolicy
	SubmitRetryPolicy = retry.Policy{MaxAttempts: 2, Pause: time.Millisecond}
	defer func() { SubmitRetryPolicy = savedPolicy }()

	a, q := newTestActor(backend)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- a.Run(ctx) }()

	resp := q.SubmitWork(workqueue.Submission{JobID: "job-1", Nonce: 1})
	select {
	case result := <-resp:
		if result.Err == nil {
			t.Fatalf("expected submit to report an error after exhausting retries")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submit never completed")
	}

	select {
	case err := <-runErrCh:
		if !errors.Is(err, ErrSubmitExhausted) {
			t.Errorf("Run returned %v, want ErrSubmitExhausted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("actor never terminated after exhausting submit retries")
	}
}

func TestAbortTerminatesActor(t *testing.T) {
	backend := &fakeBackend{}
	a, q := newTestActor(backend)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- a.Run(ctx) }()

	q.Abort()

	select {
	case err := <-runErrCh:
		if err != nil {
			t.Errorf("Run returned %v after Abort, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("actor never terminated after Abort")
	}
}
