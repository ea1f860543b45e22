// Package header implements the Derived Work Unit's header assembly and
// parsing: building the 128-byte (32-word) kernel-ready header from a Job
// Template plus a chosen extranonce2, and decoding it back out again. All
// word-swap logic lives here, encapsulated behind the Algo endianness
// contract, per spec.md section 9 ("do not duplicate the word-swap logic at
// each call site").
package header

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Algo selects the endianness contract for header assembly, per spec.md
// section 3 ("Endianness contract").
type Algo int

const (
	// AlgoNeoscrypt is the supported algorithm: version/prev_hash/ntime/nbits
	// words are big-endian, the merkle root is little-endian.
	AlgoNeoscrypt Algo = iota
	// AlgoGeneric is the non-algorithm-specific path, where those
	// conventions invert.
	AlgoGeneric
)

// Word counts for the fixed 32-word (128-byte) kernel header layout shared
// by both algorithms: 1 version word, 8 prev_hash words, 8 merkle_root
// words, 1 ntime word, 1 nbits word, 1 nonce word (index 19), then SHA-style
// finalization padding in words 20..31.
const (
	WordCount        = 32
	HeaderSizeBytes  = WordCount * 4
	VersionWordIdx   = 0
	PrevHashWordIdx  = 1
	MerkleWordIdx    = 9
	NTimeWordIdx     = 17
	NBitsWordIdx     = 18
	NonceWordIdx     = 19
	SecondNonceIdx   = 21
	PadStartWordIdx  = 20
	BitLengthWordIdx = 31

	padStartValue  = 0x80000000
	bitLengthValue = 0x00000280 // 640 bits = 80 bytes, the real header length
)

// Header is the fixed 32-word buffer the hash kernel consumes. Word 19 (and
// optionally 21, in pool dual-result mode) carries the nonce on entry and
// exit.
type Header [WordCount]uint32

// JobTemplate is the upstream work instruction described in spec.md section
// 3. Xnonce1 is server-assigned and constant per subscription; Xnonce2 is
// client-incremented per header built from this template.
type JobTemplate struct {
	JobID        string
	PrevHash     [32]byte
	Coinbase1    []byte
	Coinbase2    []byte
	MerkleBranch [][32]byte
	Version      [4]byte
	NBits        [4]byte
	NTime        [4]byte
	Xnonce1      []byte
	Xnonce2Size  int
	Height       uint32
	Difficulty   float64
	Clean        bool

	// MerkleRoot, when set, is used as-is instead of being derived from
	// Coinbase1/Xnonce1/xnonce2/Coinbase2/MerkleBranch. Getwork-sourced
	// templates set this: classic getwork hands over an already-assembled
	// header with no coinbase to roll, so there is nothing to fold.
	MerkleRoot *[32]byte
}

// Decoded is what decode_header recovers from a built Header: the template
// fields it carries directly, plus the nonce in force when it was decoded.
type Decoded struct {
	Version    [4]byte
	PrevHash   [32]byte
	MerkleRoot [32]byte
	NTime      [4]byte
	NBits      [4]byte
	Nonce      uint32
}

// ComputeMerkleRoot folds the coinbase transaction (coinbase1 ++ xnonce1 ++
// xnonce2 ++ coinbase2) through the merkle branch using the double-SHA-256
// primitive, which spec.md section 1 treats as an external collaborator —
// sourced here from btcsuite/btcd's chainhash package rather than
// hand-rolled.
func ComputeMerkleRoot(job *JobTemplate, xnonce2 []byte) [32]byte {
	coinbase := make([]byte, 0, len(job.Coinbase1)+len(job.Xnonce1)+len(xnonce2)+len(job.Coinbase2))
	coinbase = append(coinbase, job.Coinbase1...)
	coinbase = append(coinbase, job.Xnonce1...)
	coinbase = append(coinbase, xnonce2...)
	coinbase = append(coinbase, job.Coinbase2...)

	root := chainhash.HashH(coinbase)
	for _, branch := range job.MerkleBranch {
		buf := make([]byte, 64)
		copy(buf[:32], root[:])
		copy(buf[32:], branch[:])
		root = chainhash.HashH(buf)
	}
	return root
}

// Build assembles a Header from a Job Template and a chosen xnonce2,
// applying the endianness contract for algo.
func Build(algo Algo, job *JobTemplate, xnonce2 []byte) (*Header, error) {
	if job == nil {
		return nil, fmt.Errorf("header: nil job template")
	}
	var merkleRoot [32]byte
	if job.MerkleRoot != nil {
		merkleRoot = *job.MerkleRoot
	} else {
		merkleRoot = ComputeMerkleRoot(job, xnonce2)
	}

	var h Header
	writeWords(&h, VersionWordIdx, 1, job.Version[:], algo, false)
	writeWords(&h, PrevHashWordIdx, 8, job.PrevHash[:], algo, false)
	writeWords(&h, MerkleWordIdx, 8, merkleRoot[:], algo, true)
	writeWords(&h, NTimeWordIdx, 1, job.NTime[:], algo, false)
	writeWords(&h, NBitsWordIdx, 1, job.NBits[:], algo, false)

	h[NonceWordIdx] = 0
	h[SecondNonceIdx] = 0
	h[PadStartWordIdx] = padStartValue
	h[BitLengthWordIdx] = bitLengthValue
	return &h, nil
}

// Decode reverses Build, recovering the template-carried fields and the
// in-force nonce. It does not (cannot) recover the coinbase or merkle
// branch, since the merkle root is one-way.
func Decode(algo Algo, h *Header) *Decoded {
	d := &Decoded{}
	readWords(h, VersionWordIdx, 1, d.Version[:], algo, false)
	readWords(h, PrevHashWordIdx, 8, d.PrevHash[:], algo, false)
	readWords(h, MerkleWordIdx, 8, d.MerkleRoot[:], algo, true)
	readWords(h, NTimeWordIdx, 1, d.NTime[:], algo, false)
	readWords(h, NBitsWordIdx, 1, d.NBits[:], algo, false)
	d.Nonce = h[NonceWordIdx]
	return d
}

// isLittleEndianField reports whether a given logical field (identified by
// whether it's the merkle root) should be packed little-endian for algo.
// For AlgoNeoscrypt: everything but the merkle root is big-endian, and the
// merkle root is little-endian. For AlgoGeneric the convention inverts.
func isLittleEndianField(algo Algo, isMerkle bool) bool {
	switch algo {
	case AlgoNeoscrypt:
		return isMerkle
	case AlgoGeneric:
		return !isMerkle
	default:
		return isMerkle
	}
}

func writeWords(h *Header, startWord, numWords int, src []byte, algo Algo, isMerkle bool) {
	little := isLittleEndianField(algo, isMerkle)
	for i := 0; i < numWords; i++ {
		b := src[i*4 : i*4+4]
		var w uint32
		if little {
			w = binary.LittleEndian.Uint32(b)
		} else {
			w = binary.BigEndian.Uint32(b)
		}
		h[startWord+i] = w
	}
}

func readWords(h *Header, startWord, numWords int, dst []byte, algo Algo, isMerkle bool) {
	little := isLittleEndianField(algo, isMerkle)
	for i := 0; i < numWords; i++ {
		w := h[startWord+i]
		b := dst[i*4 : i*4+4]
		if little {
			binary.LittleEndian.PutUint32(b, w)
		} else {
			binary.BigEndian.PutUint32(b, w)
		}
	}
}

// IncrementExtranonce2 increments the little-endian xnonce2 counter by one,
// with carry. spec.md section 9 notes the original source's loop had an
// off-by-one; this is the plain, correct version.
func IncrementExtranonce2(xnonce2 []byte) {
	for i := range xnonce2 {
		xnonce2[i]++
		if xnonce2[i] != 0 {
			return
		}
	}
}
