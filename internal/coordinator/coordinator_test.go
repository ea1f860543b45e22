package coordinator

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/config"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/header"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/kernel"
)

func sampleHeaderHex() string {
	var h header.Header
	h[header.NTimeWordIdx] = 0x5f000000
	h[header.NBitsWordIdx] = 0x1d00ffff
	buf := make([]byte, header.HeaderSizeBytes)
	for i, w := range h {
		buf[i*4] = byte(w >> 24)
		buf[i*4+1] = byte(w >> 16)
		buf[i*4+2] = byte(w >> 8)
		buf[i*4+3] = byte(w)
	}
	return hex.EncodeToString(buf)
}

// noopScanner never finds a result; the coordinator test only needs to
// exercise wiring and the time-limit shutdown path, not the kernel contract.
type noopScanner struct{}

func (noopScanner) Scan(thrID int, h *header.Header, target [8]uint32, maxNonce uint32, cancel kernel.Cancel) (int, uint64) {
	return kernel.ResultNone, 1
}

// TestTimeLimitStopsCoordinator exercises the scenario named in spec.md
// section 4.5's time-limit note: once TimeLimit elapses, the Worker Pool
// stops on its own and the coordinator's Run returns without the caller
// having to cancel its context.
func TestTimeLimitStopsCoordinator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"data":"` + sampleHeaderHex() + `","target":"` +
			strings.Repeat("ff", 32) + `","height":100},"error":null,"id":0}`))
	}))
	defer srv.Close()

	cfg := &config.Config{
		PoolURL:   srv.URL,
		User:      "tester",
		Pass:      "x",
		Threads:   1,
		ScanTime:  20 * time.Millisecond,
		TimeLimit: 80 * time.Millisecond,
		NoLongPoll: true,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	c, err := New(cfg, noopScanner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil (time-limit driven stop)", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the time limit elapsed")
	}

	if !c.pool.Aborted() {
		t.Error("pool should report Aborted after the time limit stop")
	}
}

// TestShutdownIsIdempotent confirms Shutdown tolerates being invoked more
// than once, since both a ctx cancellation race and an actor-reported error
// can each try to tear the coordinator down.
func TestShutdownIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"data":"` + sampleHeaderHex() + `","target":"` +
			strings.Repeat("ff", 32) + `","height":1},"error":null,"id":0}`))
	}))
	defer srv.Close()

	cfg := &config.Config{
		PoolURL:    srv.URL,
		User:       "tester",
		Pass:       "x",
		Threads:    1,
		ScanTime:   50 * time.Millisecond,
		NoLongPoll: true,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	c, err := New(cfg, noopScanner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Shutdown()
	c.Shutdown()
}
