package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/workerpool"
)

type fakeStats struct{ s workerpool.Stats }

func (f fakeStats) Stats() workerpool.Stats { return f.s }

func newTestServer(t *testing.T, paused *bool) *Server {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := Config{
		OperatorUser:     "operator",
		OperatorPassHash: hash,
		SessionKey:       []byte("0123456789abcdef0123456789abcdef"),
	}
	return New(cfg, fakeStats{s: workerpool.Stats{WorkerCount: 4}}, Controls{
		Pause: func() { *paused = true },
	})
}

func TestHealthzAndStats(t *testing.T) {
	paused := false
	srv := newTestServer(t, &paused)
	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get /healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("get /stats: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestControlRequiresSession(t *testing.T) {
	paused := false
	srv := newTestServer(t, &paused)
	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/control/pause", "application/x-www-form-urlencoded", nil)
	if err != nil {
		t.Fatalf("post /control/pause: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without a session", resp.StatusCode)
	}
	if paused {
		t.Errorf("pause should not have run without an authorized session")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	paused := false
	srv := newTestServer(t, &paused)
	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	form := url.Values{"user": {"operator"}, "pass": {"wrong"}}
	resp, err := http.Post(ts.URL+"/login", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("post /login: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for wrong password", resp.StatusCode)
	}
}

// TestServeBlocksUntilContextCancelled guards against Serve returning early
// when no gRPC listener is configured: with GRPCBind empty, Serve must keep
// the HTTP listener up until ctx is cancelled rather than racing a
// pre-filled errCh back out immediately.
func TestServeBlocksUntilContextCancelled(t *testing.T) {
	paused := false
	srv := newTestServer(t, &paused)
	srv.cfg.Bind = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	select {
	case err := <-errCh:
		t.Fatalf("Serve returned early (err=%v) before ctx was cancelled", err)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("Serve error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after ctx was cancelled")
	}
}
