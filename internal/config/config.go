// Package config implements the coordinator's CLI surface (spec.md section
// 6) and its live-reload path. Flags are parsed with
// github.com/jessevdk/go-flags, the same parser the teacher's sibling
// daemons in its module family use; a config file's pool URL and
// credentials can be hot-reloaded via github.com/fsnotify/fsnotify without
// restarting the Worker Pool, promoting fsnotify from the teacher's
// indirect-only dependency to a direct one.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	flags "github.com/jessevdk/go-flags"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/log"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/merr"
)

var logger = log.Subsystem(log.SubsystemConfig)

// Config holds every CLI-surfaced option from spec.md section 6.
type Config struct {
	PoolURL    string `short:"o" long:"url" description:"stratum+tcp:// or http(s):// pool URL"`
	UserPass   string `short:"O" long:"userpass" description:"username:password, combined form"`
	User       string `short:"u" long:"user" description:"worker username"`
	Pass       string `short:"p" long:"pass" description:"worker password" default:"x"`
	Threads    int    `short:"t" long:"threads" description:"number of worker actors" default:"1"`
	GPUThreads int    `short:"g" long:"gputhreads" description:"GPU threads per device"`
	Intensity  string `short:"i" long:"intensity" description:"per-device scan intensity list"`
	Devices    string `short:"d" long:"devices" description:"comma-separated device id list"`

	Retries    int           `short:"r" long:"retries" description:"stratum reconnect retries after the first attempt, -1 for unbounded (getwork and submit use fixed policies)" default:"-1"`
	RetryPause time.Duration `short:"R" long:"retry-pause" description:"pause between retries" default:"5s"`
	ScanTime   time.Duration `short:"s" long:"scantime" description:"getwork scan interval" default:"5s"`
	Timeout    time.Duration `short:"T" long:"timeout" description:"upstream request timeout" default:"30s"`
	TimeLimit  time.Duration `long:"time-limit" description:"stop mining after this long, 0 for unlimited"`

	NoLongPoll bool `long:"no-longpoll" description:"disable X-Long-Polling support"`
	NoStratum  bool `long:"no-stratum" description:"disable stratum, force getwork"`
	Benchmark  bool `long:"benchmark" description:"skip pool URL and credential validation; no synthetic job is supplied, so workers still wait for upstream work"`

	CPUAffinity string `long:"cpu-affinity" description:"CPU affinity mask hint, logged only"`
	CPUPriority int     `long:"cpu-priority" description:"scheduling priority hint 0..5, logged only"`

	APIBind string `short:"b" long:"api-bind" description:"host:port for the admin/stats API"`

	ConfigFile string `short:"c" long:"config" description:"path to a reloadable config file (pool URL/credentials only)"`

	// StrictStaleCheck resolves spec.md section 9's open question: refuse a
	// submit whose job id is no longer Job State's most recent when a
	// different, newer job has already landed. Defaults to true.
	StrictStaleCheck bool `long:"strict-stale-check" description:"reject submits for a superseded job id" default:"true"`
}

// Parse parses args (normally os.Args[1:]) into a Config.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	if cfg.UserPass != "" && cfg.User == "" {
		if user, pass, ok := strings.Cut(cfg.UserPass, ":"); ok {
			cfg.User = user
			cfg.Pass = pass
		}
	}
	return cfg, nil
}

// Validate enforces spec.md section 7's "configuration errors are fatal at
// startup" policy: a bad URL scheme or missing credentials outside
// benchmark mode must be caught before any actor starts.
func (c *Config) Validate() error {
	if c.Benchmark {
		return nil
	}
	if c.PoolURL == "" {
		return merr.Make(merr.ErrConfiguration, "no pool url given (-o)", nil)
	}
	u, err := url.Parse(c.PoolURL)
	if err != nil {
		return merr.Make(merr.ErrConfiguration, "parse pool url", err)
	}
	switch u.Scheme {
	case "stratum+tcp", "stratum+ssl", "http", "https":
	default:
		return merr.Make(merr.ErrConfiguration, fmt.Sprintf("unsupported url scheme %q", u.Scheme), nil)
	}
	if c.User == "" {
		return merr.Make(merr.ErrConfiguration, "no worker username given (-u or -O)", nil)
	}
	if c.Threads <= 0 {
		return merr.Make(merr.ErrConfiguration, "threads must be positive", nil)
	}
	if c.CPUPriority < 0 || c.CPUPriority > 5 {
		return merr.Make(merr.ErrConfiguration, "cpu-priority must be in 0..5", nil)
	}
	return nil
}

// UsesStratum reports whether the configured URL and flags select the
// stratum transport over getwork.
func (c *Config) UsesStratum() bool {
	if c.NoStratum {
		return false
	}
	return strings.HasPrefix(c.PoolURL, "stratum+")
}

// Reloadable is the subset of Config that WatchReload re-reads and may
// change at runtime without restarting the Worker Pool: pool URL and
// credentials.
type Reloadable struct {
	PoolURL string
	User    string
	Pass    string
}

func (c *Config) reloadable() Reloadable {
	return Reloadable{PoolURL: c.PoolURL, User: c.User, Pass: c.Pass}
}

// WatchReload watches cfg.ConfigFile for writes and calls onChange with the
// freshly re-parsed pool URL and credentials whenever it changes, until stop
// is closed (or runs for the process lifetime if stop never closes). It is a
// no-op if path is empty.
func WatchReload(path string, onChange func(Reloadable), stop <-chan struct{}) error {
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloaded, err := reparseFile(path)
				if err != nil {
					logger.Errorf("config reload %s: %v", path, err)
					continue
				}
				logger.Infof("config reloaded from %s", path)
				onChange(reloaded)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Errorf("config watcher: %v", err)
			}
		}
	}()
	return nil
}

// reparseFile re-reads just the reloadable fields from an ini-style
// "key = value" config file, the same shape jessevdk/go-flags' ini parser
// accepts for the full flag set. Only url/user/pass are consulted here;
// every other setting requires a restart.
func reparseFile(path string) (Reloadable, error) {
	cfg := &Config{}
	iniParser := flags.NewIniParser(flags.NewParser(cfg, flags.IgnoreUnknown))
	f, err := os.Open(path)
	if err != nil {
		return Reloadable{}, err
	}
	defer f.Close()
	if err := iniParser.Parse(f); err != nil {
		return Reloadable{}, err
	}
	return cfg.reloadable(), nil
}
