package kernel

import (
	"testing"
	"time"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/header"
)

// TestScanTerminatesAtMaxNonceWithoutMatch guards against Scan looping
// forever on the last nonce in range: with a target that can never match,
// Scan must still return once nonce reaches maxNonce instead of re-hashing
// that same nonce indefinitely.
func TestScanTerminatesAtMaxNonceWithoutMatch(t *testing.T) {
	var h header.Header
	unreachable := [8]uint32{0, 0, 0, 0, 0, 0, 0, 0} // no hash is <= an all-zero target
	maxNonce := uint32(10)
	h[header.NonceWordIdx] = maxNonce - 5

	done := make(chan struct{})
	var result int
	var hashes uint64
	go func() {
		result, hashes = CPUReference{}.Scan(0, &h, unreachable, maxNonce, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Scan did not return after exhausting the nonce range")
	}

	if result != ResultNone {
		t.Errorf("result = %d, want ResultNone", result)
	}
	if hashes == 0 {
		t.Errorf("hashesDone = 0, want at least one hash attempted")
	}
}
