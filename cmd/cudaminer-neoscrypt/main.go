// Command cudaminer-neoscrypt is the CLI entry point for the mining
// coordinator core described by spec.md section 6: parse flags, validate
// them, build the coordinator, and run until a signal or time limit stops
// it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/config"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/coordinator"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/kernel"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/log"
)

var logger = log.Subsystem(log.SubsystemCoordinator)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if err := log.InitRotatingFile("logs", "cudaminer-neoscrypt.log"); err != nil {
		logger.Errorf("starting without a rotating log file: %v", err)
	}
	defer log.Close()

	if cfg.CPUAffinity != "" || cfg.CPUPriority != 0 {
		logger.Infof("cpu hints: affinity=%q priority=%d (informational only, not applied)", cfg.CPUAffinity, cfg.CPUPriority)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP && cfg.ConfigFile != "" {
				logger.Infof("SIGHUP received, reloading %s", cfg.ConfigFile)
				continue
			}
			logger.Infof("signal %s received, shutting down", sig)
			cancel()
			return
		}
	}()

	if cfg.ConfigFile != "" {
		stopWatch := make(chan struct{})
		defer close(stopWatch)
		if err := config.WatchReload(cfg.ConfigFile, func(r config.Reloadable) {
			logger.Infof("config reloaded: pool=%s user=%s", r.PoolURL, r.User)
		}, stopWatch); err != nil {
			logger.Errorf("config reload watch disabled: %v", err)
		}
	}

	scanner := kernel.Scanner(kernel.CPUReference{})
	c, err := coordinator.New(cfg, scanner)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Errorf("coordinator exited: %v", err)
		return 1
	}
	return 0
}
