// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package daemon assembles the orchestrator: the worker pool, the
// queue watcher and the periodic status publisher, all tied to one
// catacomb. Killing the daemon stops intake first, drains the pool,
// then publishes a final not-running status.
package daemon

import (
	"os"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/panfleet/upgrader/core/job"
	"github.com/panfleet/upgrader/core/status"
	"github.com/panfleet/upgrader/internal/cancelset"
	"github.com/panfleet/upgrader/internal/config"
	"github.com/panfleet/upgrader/internal/filestore"
	"github.com/panfleet/upgrader/internal/inventory"
	"github.com/panfleet/upgrader/internal/panos"
	"github.com/panfleet/upgrader/internal/pool"
	"github.com/panfleet/upgrader/internal/upgrader"
	"github.com/panfleet/upgrader/internal/validate"
	"github.com/panfleet/upgrader/internal/watcher"
	"github.com/panfleet/upgrader/internal/workdir"
)

var logger = loggo.GetLogger("upgrader.daemon")

// Config holds the daemon's dependencies.
type Config struct {
	Clock     clock.Clock
	Dirs      workdir.Dirs
	Settings  config.Config
	Paths     config.UpgradePaths
	NewClient panos.NewClientFunc
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Dirs.Base == "" {
		return errors.NotValidf("missing Dirs")
	}
	if c.NewClient == nil {
		return errors.NotValidf("missing NewClient")
	}
	if err := c.Settings.Validate(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Daemon implements worker.Worker.
type Daemon struct {
	catacomb catacomb.Catacomb
	cfg      Config

	pool      *pool.Pool
	startedAt string
}

// New builds the full orchestrator stack over the work directory and
// starts it.
func New(cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := filestore.EnsureDirs(cfg.Dirs.All()...); err != nil {
		return nil, errors.Trace(err)
	}

	inv, err := inventory.Load(cfg.Dirs.Inventory())
	if err != nil {
		return nil, errors.Annotate(err, "loading inventory")
	}
	validator, err := validate.New(validate.Config{
		Clock:         cfg.Clock,
		PreFlightDir:  cfg.Dirs.PreFlightDir(),
		PostFlightDir: cfg.Dirs.PostFlightDir(),
		MinDiskGB:     cfg.Settings.Validation.MinDiskGB,
		Margins: validate.Margins{
			TCPSessionPercent: cfg.Settings.Validation.TCPSessionMargin,
			RouteCount:        cfg.Settings.Validation.RouteMargin,
			ARPCount:          cfg.Settings.Validation.ARPMargin,
		},
		RetryAttempts: cfg.Settings.Validation.RetryAttempts,
		RetryDelay:    cfg.Settings.ValidationRetryDelay(),
		RetryBackoff:  cfg.Settings.Validation.RetryBackoff,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	cancel := cancelset.New()
	upg, err := upgrader.New(upgrader.Config{
		Clock:     cfg.Clock,
		Dirs:      cfg.Dirs,
		Inventory: inv,
		Validator: validator,
		NewClient: cfg.NewClient,
		Paths:     cfg.Paths,
		Cancel:    cancel,
		Settings:  cfg.Settings,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	p, err := pool.New(pool.Config{
		Workers:   cfg.Settings.Workers.Max,
		QueueSize: cfg.Settings.Workers.QueueSize,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	w, err := watcher.New(watcher.Config{
		Clock:  cfg.Clock,
		Dirs:   cfg.Dirs,
		Pool:   p,
		Runner: upg,
		Cancel: cancel,
		Scan:   cfg.Settings.Scan(),
	})
	if err != nil {
		_ = worker.Stop(p)
		return nil, errors.Trace(err)
	}

	d := &Daemon{
		cfg:       cfg,
		pool:      p,
		startedAt: status.Now(),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &d.catacomb,
		Work: d.loop,
		Init: []worker.Worker{w, p},
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// Kill is part of the worker.Worker interface.
func (d *Daemon) Kill() {
	d.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (d *Daemon) Wait() error {
	return d.catacomb.Wait()
}

func (d *Daemon) loop() error {
	logger.Infof("orchestrator started, work dir %s, %d workers", d.cfg.Dirs.Base, d.cfg.Settings.Workers.Max)
	d.publish(true)
	for {
		select {
		case <-d.catacomb.Dying():
			d.publish(false)
			logger.Infof("orchestrator stopping")
			return d.catacomb.ErrDying()
		case <-d.cfg.Clock.After(d.cfg.Settings.Status()):
			d.publish(true)
		}
	}
}

// publish rewrites status/daemon.json and status/workers.json. Status
// publication is best effort and never takes the daemon down.
func (d *Daemon) publish(running bool) {
	ds := job.DaemonStatus{
		Running:     running,
		PID:         os.Getpid(),
		StartedAt:   d.startedAt,
		LastUpdated: status.Now(),
		Queue:       d.queueCounts(),
		Workers:     d.cfg.Settings.Workers.Max,
	}
	if err := filestore.WriteJSON(d.cfg.Dirs.DaemonStatus(), ds); err != nil {
		logger.Errorf("cannot publish daemon status: %v", err)
	}
	if err := filestore.WriteJSON(d.cfg.Dirs.WorkerStatus(), d.pool.Statuses()); err != nil {
		logger.Errorf("cannot publish worker status: %v", err)
	}
}

func (d *Daemon) queueCounts() job.QueueCounts {
	return job.QueueCounts{
		Pending:   countJobs(d.cfg.Dirs.Pending()),
		Active:    countJobs(d.cfg.Dirs.Active()),
		Completed: countJobs(d.cfg.Dirs.Completed()),
		Cancelled: countJobs(d.cfg.Dirs.Cancelled()),
	}
}

func countJobs(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n
}
