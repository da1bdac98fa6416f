// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package upgrader drives a device, or an HA pair of devices, through
// its upgrade path: validate, stage every image on the path, verify
// them all, install the final version, reboot once, validate again.
// Every transition is persisted so an orchestrator restart resumes
// where the previous run stopped.
package upgrader

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/panfleet/upgrader/core/device"
	"github.com/panfleet/upgrader/core/job"
	"github.com/panfleet/upgrader/internal/cancelset"
	"github.com/panfleet/upgrader/internal/config"
	"github.com/panfleet/upgrader/internal/inventory"
	"github.com/panfleet/upgrader/internal/panos"
	"github.com/panfleet/upgrader/internal/validate"
	"github.com/panfleet/upgrader/internal/workdir"
)

var logger = loggo.GetLogger("upgrader.upgrader")

// ErrCancelled reports that a task observed its cancellation flag at
// a checkpoint. The watcher files the job under queue/cancelled.
const ErrCancelled = errors.ConstError("upgrade cancelled")

// Config holds an Upgrader's dependencies.
type Config struct {
	Clock     clock.Clock
	Dirs      workdir.Dirs
	Inventory *inventory.Inventory
	Validator *validate.Validator
	NewClient panos.NewClientFunc
	Paths     config.UpgradePaths
	Cancel    *cancelset.Set
	Settings  config.Config
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Dirs.Base == "" {
		return errors.NotValidf("missing Dirs")
	}
	if c.Inventory == nil {
		return errors.NotValidf("missing Inventory")
	}
	if c.Validator == nil {
		return errors.NotValidf("missing Validator")
	}
	if c.NewClient == nil {
		return errors.NotValidf("missing NewClient")
	}
	if c.Cancel == nil {
		return errors.NotValidf("missing Cancel")
	}
	return nil
}

// Upgrader executes upgrade jobs. Stateless between jobs; safe for
// concurrent use by multiple pool workers as long as the duplicate
// job rule holds, it is what guarantees one status writer per serial.
type Upgrader struct {
	cfg Config
}

// New returns an Upgrader.
func New(cfg Config) (*Upgrader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Upgrader{cfg: cfg}, nil
}

// Run executes one job to its terminal state. A nil return means the
// job completed (including devices skipped for having no upgrade
// path); ErrCancelled means a checkpoint observed the cancel flag;
// any other error means the job failed.
func (u *Upgrader) Run(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("job %s: %s upgrade of %v (dry_run=%v)", j.ID, j.Type, j.Devices, j.DryRun)
	switch j.Type {
	case job.HAPair:
		return u.runPair(ctx, j)
	default:
		downloadOnly := j.Type == job.DownloadOnly || j.DownloadOnly
		return u.runDevice(ctx, j, j.Devices[0], "", downloadOnly)
	}
}

// runDevice upgrades one device. forcedTarget, when non-empty,
// overrides the path's final element (used for HA pairs, which must
// agree on a single target).
func (u *Upgrader) runDevice(ctx context.Context, j *job.Job, serial, forcedTarget string, downloadOnly bool) error {
	t := &task{
		u:            u,
		ctx:          ctx,
		job:          j,
		serial:       serial,
		forcedTarget: forcedTarget,
		downloadOnly: downloadOnly,
		dry:          j.DryRun,
	}
	return t.run()
}

// cancelled reports whether the job or the serial has been flagged.
func (u *Upgrader) cancelled(j *job.Job, serial string) bool {
	return u.cfg.Cancel.Matches(j.ID, serial)
}

// sleep waits d on the configured clock, returning early on context
// cancellation.
func (u *Upgrader) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-u.cfg.Clock.After(d):
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// pathTarget returns the final element of the upgrade path from
// version, or "" with ErrNoPath.
func (u *Upgrader) pathTarget(version string) (string, error) {
	return u.cfg.Paths.TargetFrom(version)
}

// roleOf fetches the live HA role for a pair member, falling back to
// the inventory record in dry-run mode.
func (u *Upgrader) roleOf(ctx context.Context, rec device.Record, dry bool) (device.HARole, error) {
	if dry {
		if rec.HARole == "" {
			return device.RoleUnknown, nil
		}
		return rec.HARole, nil
	}
	client := u.cfg.NewClient(rec.MgmtIP)
	cctx, cancel := context.WithTimeout(ctx, u.cfg.Settings.SoftwareInfoTimeout())
	defer cancel()
	ha, err := client.HAState(cctx)
	if err != nil {
		return device.RoleUnknown, errors.Annotatef(err, "ha state of %s", rec.Serial)
	}
	if !ha.Enabled {
		return device.RoleStandalone, nil
	}
	return ha.LocalState, nil
}
