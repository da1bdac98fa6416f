// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrader

import (
	"context"

	"github.com/juju/errors"

	"github.com/panfleet/upgrader/core/device"
	"github.com/panfleet/upgrader/core/job"
	"github.com/panfleet/upgrader/core/status"
	"github.com/panfleet/upgrader/internal/config"
	"github.com/panfleet/upgrader/internal/filestore"
)

// runPair upgrades an HA pair, passive member first so the active
// one keeps carrying traffic until its peer is proven good. Both
// members are driven to a single agreed target version.
func (u *Upgrader) runPair(ctx context.Context, j *job.Job) error {
	first, second := j.Devices[0], j.Devices[1]

	recs := make(map[string]device.Record, 2)
	roles := make(map[string]device.HARole, 2)
	versions := make(map[string]string, 2)
	for _, serial := range j.Devices {
		rec, err := u.cfg.Inventory.Get(serial)
		if err != nil {
			return u.failPairInit(j, errors.Trace(err))
		}
		recs[serial] = rec
		role, err := u.roleOf(ctx, rec, j.DryRun)
		if err != nil {
			return u.failPairInit(j, errors.Trace(err))
		}
		roles[serial] = role
		ver, err := u.versionOf(ctx, rec, j.DryRun)
		if err != nil {
			return u.failPairInit(j, errors.Trace(err))
		}
		versions[serial] = ver
	}

	target, err := u.pairTarget(versions[first], versions[second])
	if errors.Is(err, config.ErrNoPath) {
		if versions[first] == versions[second] {
			logger.Infof("job %s: pair already level at %s with no further path", j.ID, versions[first])
			for _, serial := range j.Devices {
				u.writeTrivialComplete(serial, versions[serial])
			}
			return nil
		}
		return u.failPairInit(j, errors.Errorf(
			"no upgrade path for either member (%s at %s, %s at %s)",
			first, versions[first], second, versions[second]))
	} else if err != nil {
		return u.failPairInit(j, errors.Trace(err))
	}

	order := []string{first, second}
	switch {
	case roles[first] == device.RolePassive:
	case roles[second] == device.RolePassive:
		order = []string{second, first}
	case roles[first] == device.RoleActive:
		order = []string{second, first}
	default:
		logger.Warningf("job %s: no member reports passive (%s=%s, %s=%s), using job order",
			j.ID, first, roles[first], second, roles[second])
	}
	logger.Infof("job %s: upgrading pair to %s, order %v", j.ID, target, order)

	for i, serial := range order {
		if i > 0 && u.cancelled(j, serial) {
			// The member that has not started yet keeps its status
			// untouched; it never left pending.
			return ErrCancelled
		}
		if err := u.runDevice(ctx, j, serial, target, j.DownloadOnly); err != nil {
			return errors.Annotatef(err, "pair member %s", serial)
		}
	}
	return nil
}

// pairTarget picks the single target both members are driven to: the
// end of either member's upgrade path, first member's preferred.
func (u *Upgrader) pairTarget(verFirst, verSecond string) (string, error) {
	target, err := u.pathTarget(verFirst)
	if err == nil {
		return target, nil
	}
	if !errors.Is(err, config.ErrNoPath) {
		return "", errors.Trace(err)
	}
	return u.pathTarget(verSecond)
}

// versionOf returns a pair member's running version, from the live
// device or, in dry-run mode, from the inventory.
func (u *Upgrader) versionOf(ctx context.Context, rec device.Record, dry bool) (string, error) {
	if dry {
		return rec.CurrentVersion, nil
	}
	client := u.cfg.NewClient(rec.MgmtIP)
	cctx, cancel := context.WithTimeout(ctx, u.cfg.Settings.SoftwareInfoTimeout())
	defer cancel()
	info, err := client.SystemInfo(cctx)
	if err != nil {
		return "", errors.Annotatef(err, "system info of %s", rec.Serial)
	}
	return info.SWVersion, nil
}

// failPairInit records an init failure on both members' status files
// before failing the job; neither member has a running task yet.
func (u *Upgrader) failPairInit(j *job.Job, err error) error {
	for _, serial := range j.Devices {
		st := status.New(serial)
		st.AddError(status.PhaseInit, err.Error(), "")
		st.UpgradeStatus = status.Failed
		st.CurrentPhase = status.PhaseInit
		st.UpgradeMessage = err.Error()
		if werr := filestore.WriteJSON(u.cfg.Dirs.DeviceStatus(serial), st); werr != nil {
			logger.Errorf("device %s: persisting status: %v", serial, werr)
		}
	}
	logger.Errorf("job %s: pair setup failed: %v", j.ID, err)
	return errors.Trace(err)
}

func (u *Upgrader) writeTrivialComplete(serial, version string) {
	st := status.New(serial)
	st.CurrentVersion = version
	st.StartingVersion = version
	st.TargetVersion = version
	st.UpgradeStatus = status.Complete
	st.CurrentPhase = status.PhaseComplete
	st.Progress = 100
	st.UpgradeMessage = "already at target version " + version
	if err := filestore.WriteJSON(u.cfg.Dirs.DeviceStatus(serial), st); err != nil {
		logger.Errorf("device %s: persisting status: %v", serial, err)
	}
}
