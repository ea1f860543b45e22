// Package kernel defines the hash kernel interface consumed by the Worker
// Pool (spec.md section 6) and provides a CPU reference implementation used
// by --benchmark and by tests. The real neoscrypt CUDA kernel is explicitly
// out of scope (spec.md section 1); production deployments wire in their
// own Scanner over the same interface.
package kernel

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/header"
)

// Result codes, per spec.md section 6.
const (
	ResultNone         = 0
	ResultOneNonce     = 1
	ResultTwoNonces    = 2
)

// Cancel is polled by a Scanner during a scan; it must consult the
// cancellation token at least every 10ms per the kernel contract and
// return within 100ms of it reporting true.
type Cancel func() bool

// Scanner is the hash kernel interface. Header carries the nonce in word 19
// on entry and, on a result >= 1, the winning nonce(s) on exit (word 19 and
// optionally word 21 for ResultTwoNonces, pool mode only).
type Scanner interface {
	Scan(thrID int, h *header.Header, target [8]uint32, maxNonce uint32, cancel Cancel) (result int, hashesDone uint64)
}

// CPUReference is a pure-Go stand-in for the GPU kernel. It hashes the
// header with the double-SHA-256 primitive (the one concrete primitive
// spec.md names as an external collaborator) per nonce and compares
// against the target, incrementing the nonce in word 19 each iteration.
// It is not the neoscrypt algorithm — that hash function is out of scope —
// it exists so the coordinator's control flow can be exercised end to end
// without a real device.
type CPUReference struct{}

// batchSize bounds how often Scan polls cancel, satisfying the <=10ms /
// <=100ms latency targets in spec.md sections 5 and 6 without checking the
// cancellation token on every single hash.
const batchSize = 4096

func (CPUReference) Scan(thrID int, h *header.Header, target [8]uint32, maxNonce uint32, cancel Cancel) (int, uint64) {
	start := h[header.NonceWordIdx]
	nonce := start
	var hashesDone uint64

	targetBytes := targetWordsToBytes(target)

	for nonce <= maxNonce {
		exhausted := false
		for i := 0; i < batchSize && nonce <= maxNonce; i++ {
			h[header.NonceWordIdx] = nonce
			sum := hashHeader(h)
			hashesDone++
			if lessOrEqualTarget(sum, targetBytes) {
				h[header.NonceWordIdx] = nonce
				return ResultOneNonce, hashesDone
			}
			if nonce == maxNonce {
				exhausted = true
				break
			}
			nonce++
		}
		if exhausted {
			break
		}
		if cancel != nil && cancel() {
			h[header.NonceWordIdx] = nonce
			return ResultNone, hashesDone
		}
	}
	h[header.NonceWordIdx] = nonce
	_ = thrID
	return ResultNone, hashesDone
}

func hashHeader(h *header.Header) [32]byte {
	buf := make([]byte, header.HeaderSizeBytes)
	for i, w := range h {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	first := sha256.Sum256(buf)
	return sha256.Sum256(first[:])
}

func targetWordsToBytes(target [8]uint32) [32]byte {
	var b [32]byte
	for i, w := range target {
		binary.BigEndian.PutUint32(b[i*4:], w)
	}
	return b
}

// lessOrEqualTarget compares two 256-bit big-endian values.
func lessOrEqualTarget(hash, target [32]byte) bool {
	for i := 0; i < 32; i++ {
		if hash[i] < target[i] {
			return true
		}
		if hash[i] > target[i] {
			return false
		}
	}
	return true
}
