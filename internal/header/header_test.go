package header

import (
	"bytes"
	"testing"
)

func sampleJob() *JobTemplate {
	job := &JobTemplate{
		JobID:       "job1",
		Coinbase1:   []byte{0x01, 0x02, 0x03},
		Coinbase2:   []byte{0x04, 0x05},
		Xnonce1:     []byte{0xaa, 0xbb},
		Xnonce2Size: 4,
	}
	job.Version[0] = 0x20
	job.PrevHash[0] = 0x11
	job.NTime[0] = 0x22
	job.NBits[0] = 0x33
	return job
}

func TestBuildDecodeRoundTrip(t *testing.T) {
	job := sampleJob()
	xnonce2 := []byte{0, 0, 0, 1}

	h, err := Build(AlgoNeoscrypt, job, xnonce2)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	h[NonceWordIdx] = 0xdeadbeef

	d := Decode(AlgoNeoscrypt, h)
	if d.Version != job.Version {
		t.Errorf("Version = %x, want %x", d.Version, job.Version)
	}
	if d.PrevHash != job.PrevHash {
		t.Errorf("PrevHash = %x, want %x", d.PrevHash, job.PrevHash)
	}
	if d.NTime != job.NTime {
		t.Errorf("NTime = %x, want %x", d.NTime, job.NTime)
	}
	if d.NBits != job.NBits {
		t.Errorf("NBits = %x, want %x", d.NBits, job.NBits)
	}
	if d.Nonce != 0xdeadbeef {
		t.Errorf("Nonce = %x, want deadbeef", d.Nonce)
	}

	wantRoot := ComputeMerkleRoot(job, xnonce2)
	if d.MerkleRoot != wantRoot {
		t.Errorf("MerkleRoot = %x, want %x", d.MerkleRoot, wantRoot)
	}
}

func TestBuildUsesPrebuiltMerkleRoot(t *testing.T) {
	job := sampleJob()
	var root [32]byte
	root[0] = 0xff
	job.MerkleRoot = &root

	h, err := Build(AlgoNeoscrypt, job, []byte{0, 0, 0, 0})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	d := Decode(AlgoNeoscrypt, h)
	if d.MerkleRoot != root {
		t.Errorf("MerkleRoot = %x, want the pre-built root %x", d.MerkleRoot, root)
	}
}

func TestBuildNilJobErrors(t *testing.T) {
	if _, err := Build(AlgoNeoscrypt, nil, nil); err == nil {
		t.Fatal("Build(nil) = nil error, want an error")
	}
}

func TestBuildSetsFinalizationPadding(t *testing.T) {
	job := sampleJob()
	h, err := Build(AlgoNeoscrypt, job, []byte{0, 0, 0, 0})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if h[PadStartWordIdx] != padStartValue {
		t.Errorf("pad start word = %#x, want %#x", h[PadStartWordIdx], padStartValue)
	}
	if h[BitLengthWordIdx] != bitLengthValue {
		t.Errorf("bit length word = %#x, want %#x", h[BitLengthWordIdx], bitLengthValue)
	}
}

func TestIncrementExtranonce2CarriesOver(t *testing.T) {
	x := []byte{0xff, 0xff, 0x00, 0x00}
	IncrementExtranonce2(x)
	want := []byte{0x00, 0x00, 0x01, 0x00}
	if !bytes.Equal(x, want) {
		t.Errorf("IncrementExtranonce2 = %x, want %x", x, want)
	}
}

func TestEndiannessContractInvertsForGeneric(t *testing.T) {
	job := sampleJob()
	xnonce2 := []byte{0, 0, 0, 1}

	hNeo, _ := Build(AlgoNeoscrypt, job, xnonce2)
	hGen, _ := Build(AlgoGeneric, job, xnonce2)

	if hNeo[VersionWordIdx] == hGen[VersionWordIdx] {
		t.Errorf("version word should differ between algos due to the endianness flip")
	}
}
