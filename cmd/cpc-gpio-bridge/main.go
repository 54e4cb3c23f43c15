// Command cpc-gpio-bridge bridges a kernel GPIO driver, reached over
// generic netlink, to firmware-side GPIO reached over the CPC daemon's
// framed transport (spec.md §1). This file owns only the external
// collaborator described in spec.md §6.3: CLI parsing, logging setup, and
// wiring the protocol engine to its two boundaries.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jangala-dev/cpc-gpio-bridge/internal/config"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/instancelock"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/netlinkclient"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/protocol"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/transport"
)

// Bridge protocol version reported on DEINIT replies and --version.
const (
	versionMajor = 1
	versionMinor = 0
	versionPatch = 0
)

// cpcSocketDir is the conventional location the CPC daemon places its
// named transport endpoints' Unix domain sockets at.
const cpcSocketDir = "/run/cpcd"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, fs, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fs.PrintDefaults()
		return 1
	}
	if cfg.ShowHelp {
		fs.PrintDefaults()
		return 0
	}
	if cfg.ShowVersion {
		fmt.Printf("cpc-gpio-bridge %d.%d.%d\n", versionMajor, versionMinor, versionPatch)
		return 0
	}

	log := cfg.Logrus().WithFields(logrus.Fields{"instance": cfg.Instance})

	if cfg.Deinit {
		return runDeinitOnly(log)
	}
	return runBridge(cfg, log)
}

// runDeinitOnly implements the one-shot "-d/--deinit" startup path
// (spec.md §4.5 "Exit command / deinit flag"): connect to the driver
// only, not firmware.
func runDeinitOnly(log *logrus.Entry) int {
	nl, err := netlinkclient.Dial()
	if err != nil {
		log.WithError(err).Error("resolve driver family")
		return 1
	}
	defer nl.Close()

	if err := protocol.RunDeinitOnce(nl, 2*time.Second, log); err != nil {
		log.WithError(err).Error("deinit")
		return 1
	}
	return 0
}

func runBridge(cfg *config.Config, log *logrus.Entry) int {
	lock, err := instancelock.Acquire(cfg.LockDir, cfg.Instance)
	if err != nil {
		log.WithError(err).Error("acquire instance lock")
		return 1
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	xport, err := transport.Connect(ctx, cpcSocketDir, cfg.Instance, 5*time.Second)
	if err != nil {
		log.WithError(err).Error("connect transport")
		return 1
	}
	defer xport.Close()

	nl, err := netlinkclient.Dial()
	if err != nil {
		log.WithError(err).Error("resolve driver family")
		return 1
	}
	defer nl.Close()

	opts := protocol.DefaultOptions()
	opts.VersionMajor, opts.VersionMinor, opts.VersionPatch = versionMajor, versionMinor, versionPatch

	engine := protocol.New(nl, xport, opts, log, nil)

	if err := engine.Handshake(ctx); err != nil {
		log.WithError(err).Error("handshake failed")
		return 1
	}

	if err := engine.Loop(ctx); err != nil {
		log.WithError(err).Error("protocol loop failed")
		return 2
	}
	return 0
}
