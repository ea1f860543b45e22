package config

import "testing"

func TestValidateRequiresURLUnlessBenchmark(t *testing.T) {
	cfg := &Config{Benchmark: true}
	if err := cfg.Validate(); err != nil {
		t.Errorf("benchmark mode should not require a pool url: %v", err)
	}

	cfg = &Config{Threads: 1}
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected an error with no pool url and no benchmark flag")
	}
}

func TestValidateRejectsBadScheme(t *testing.T) {
	cfg := &Config{PoolURL: "ftp://pool.example:3333", User: "worker.1", Threads: 1}
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected an error for an unsupported url scheme")
	}
}

func TestValidateAcceptsStratumURL(t *testing.T) {
	cfg := &Config{PoolURL: "stratum+tcp://pool.example:3333", User: "worker.1", Threads: 4}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !cfg.UsesStratum() {
		t.Errorf("expected UsesStratum true for a stratum+tcp url")
	}
}

func TestParseUserPassSplitsCombinedForm(t *testing.T) {
	cfg, err := Parse([]string{"-o", "stratum+tcp://pool.example:3333", "-O", "worker.1:secret"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.User != "worker.1" || cfg.Pass != "secret" {
		t.Errorf("got user=%q pass=%q, want worker.1/secret", cfg.User, cfg.Pass)
	}
}
