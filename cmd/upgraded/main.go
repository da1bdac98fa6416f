// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// upgraded is the fleet upgrade orchestrator daemon. It owns a work
// directory, watches its job queue and drives device upgrades until
// told to stop.
package main

import (
	"fmt"
	"hash/crc32"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/mutex/v2"

	"github.com/panfleet/upgrader/internal/config"
	"github.com/panfleet/upgrader/internal/daemon"
	"github.com/panfleet/upgrader/internal/filestore"
	"github.com/panfleet/upgrader/internal/logging"
	"github.com/panfleet/upgrader/internal/panos"
	"github.com/panfleet/upgrader/internal/throttle"
	"github.com/panfleet/upgrader/internal/workdir"
)

var logger = loggo.GetLogger("upgrader.cmd.upgraded")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "upgraded: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var workDir, apiKey string
	f := gnuflag.NewFlagSet("upgraded", gnuflag.ContinueOnError)
	f.StringVar(&workDir, "work-dir", defaultWorkDir(), "work directory holding queue, status and config")
	f.StringVar(&apiKey, "api-key", os.Getenv("PANOS_API_KEY"), "PAN-OS XML API key")
	if err := f.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	if apiKey == "" {
		return errors.New("no API key: pass --api-key or set PANOS_API_KEY")
	}

	dirs := workdir.New(workDir)
	if err := filestore.EnsureDirs(dirs.All()...); err != nil {
		return errors.Trace(err)
	}
	settings, err := config.Load(dirs.ConfigFile())
	if err != nil {
		return errors.Annotate(err, "loading configuration")
	}
	paths, err := config.LoadUpgradePaths(dirs.PathsFile())
	if err != nil {
		return errors.Annotate(err, "loading upgrade paths")
	}
	if err := logging.Setup(dirs, settings.LogLevel); err != nil {
		return errors.Trace(err)
	}

	// One daemon per work directory.
	releaser, err := mutex.Acquire(mutex.Spec{
		Name:    lockName(dirs.Base),
		Clock:   clock.WallClock,
		Delay:   250 * time.Millisecond,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return errors.Annotatef(err, "acquiring lock for %s (is another upgraded running?)", dirs.Base)
	}
	defer releaser.Release()

	limiter, err := throttle.New(settings.Panorama.RateLimit)
	if err != nil {
		return errors.Trace(err)
	}
	d, err := daemon.New(daemon.Config{
		Clock:     clock.WallClock,
		Dirs:      dirs,
		Settings:  settings,
		Paths:     paths,
		NewClient: panos.NewClient(apiKey, limiter),
	})
	if err != nil {
		return errors.Trace(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Infof("received %v, shutting down", s)
		d.Kill()
	}()

	return errors.Trace(d.Wait())
}

// lockName derives a mutex name from the work directory; mutex names
// cannot contain path separators.
func lockName(base string) string {
	return fmt.Sprintf("upgraded-%08x", crc32.ChecksumIEEE([]byte(base)))
}

func defaultWorkDir() string {
	if dir := os.Getenv("UPGRADER_WORK_DIR"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".panos-upgrader")
	}
	return "/var/lib/panos-upgrader"
}
