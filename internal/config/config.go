// Package config parses and validates the bridge's CLI surface (spec.md
// §6.3). It holds no behavior beyond flag parsing: the bootstrap in
// cmd/cpc-gpio-bridge owns everything the flags configure.
package config

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// TraceLevel selects which subsystems log at debug verbosity.
type TraceLevel string

const (
	TraceNone   TraceLevel = "none"
	TraceBridge TraceLevel = "bridge"
	TraceLibcpc TraceLevel = "libcpc"
	TraceAll    TraceLevel = "all"
)

func validTrace(t TraceLevel) bool {
	switch t {
	case TraceNone, TraceBridge, TraceLibcpc, TraceAll:
		return true
	default:
		return false
	}
}

// Config is the parsed and validated set of CLI flags.
type Config struct {
	Trace       TraceLevel
	Instance    string
	LockDir     string
	Deinit      bool
	ShowHelp    bool
	ShowVersion bool
}

// Parse parses argv (excluding argv[0]) into a Config, applying spec.md
// §6.3's defaults and rejecting an unrecognized --trace value.
func Parse(args []string) (*Config, *pflag.FlagSet, error) {
	fs := pflag.NewFlagSet("cpc-gpio-bridge", pflag.ContinueOnError)
	fs.Usage = func() {} // the caller prints usage itself on ShowHelp

	trace := fs.StringP("trace", "t", string(TraceNone), "trace level: none|bridge|libcpc|all")
	instance := fs.StringP("instance", "i", "cpcd_0", "CPC transport instance name")
	lockDir := fs.StringP("lock-dir", "l", "/tmp", "directory for the instance lock file")
	deinit := fs.BoolP("deinit", "d", false, "send a one-shot deinit to the running driver and exit")
	help := fs.BoolP("help", "h", false, "show usage")
	version := fs.BoolP("version", "V", false, "show version")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}

	cfg := &Config{
		Trace:       TraceLevel(*trace),
		Instance:    *instance,
		LockDir:     *lockDir,
		Deinit:      *deinit,
		ShowHelp:    *help,
		ShowVersion: *version,
	}
	if cfg.ShowHelp || cfg.ShowVersion {
		return cfg, fs, nil
	}
	if !validTrace(cfg.Trace) {
		return nil, fs, fmt.Errorf("invalid --trace value %q", *trace)
	}
	if cfg.Instance == "" {
		return nil, fs, fmt.Errorf("--instance must not be empty")
	}
	return cfg, fs, nil
}

// Logrus returns a logger configured for cfg's trace level, in the
// format the ambient stack uses throughout the bridge.
func (c *Config) Logrus() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if c.Trace == TraceNone {
		log.SetLevel(logrus.InfoLevel)
	} else {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}
