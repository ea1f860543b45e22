// Package log provides subsystem-tagged logging for the coordinator, backed
// by the same slog/logrotate pairing the upstream pool daemon uses: a
// rotating file backend plus independently levelled subsystem loggers.
package log

import (
	"os"
	"path/filepath"

	"github.com/Eacred/slog"
	"github.com/jrick/logrotate"
)

// Subsystem names used across the coordinator's actors. Kept as constants so
// call sites can't typo a tag that silently falls through to "unknown".
const (
	SubsystemJobState   = "jobstate"
	SubsystemStratum    = "stratum"
	SubsystemGetwork    = "getwork"
	SubsystemWorkIO     = "workio"
	SubsystemWorkerPool = "workerpool"
	SubsystemLedger     = "ledger"
	SubsystemAPI        = "api"
	SubsystemConfig     = "config"
	SubsystemCoordinator = "coordinator"
)

var (
	backendLog = slog.NewBackend(os.Stdout)
	subsystems = make(map[string]slog.Logger)
	rotator    *logrotate.Rotator
)

// InitRotatingFile redirects the backend to a rotating log file in addition
// to stdout. Call once at startup; safe to skip (stdout-only) for tests and
// --benchmark runs.
func InitRotatingFile(logDir, filename string) error {
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return err
	}
	r, err := logrotate.NewRotator(filepath.Join(logDir, filename))
	if err != nil {
		return err
	}
	rotator = r
	backendLog = slog.NewBackend(rotator)
	for name := range subsystems {
		subsystems[name] = backendLog.Logger(name)
	}
	return nil
}

// Close flushes and closes the rotating file backend, if one was opened.
func Close() {
	if rotator != nil {
		rotator.Close()
	}
}

// Subsystem returns (creating if necessary) the named logger at InfoLvl.
func Subsystem(name string) slog.Logger {
	if l, ok := subsystems[name]; ok {
		return l
	}
	l := backendLog.Logger(name)
	l.SetLevel(slog.LevelInfo)
	subsystems[name] = l
	return l
}

// SetLevel sets the level of every known subsystem logger.
func SetLevel(lvl slog.Level) {
	for _, l := range subsystems {
		l.SetLevel(lvl)
	}
}
