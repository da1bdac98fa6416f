// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrader

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/panfleet/upgrader/core/device"
	"github.com/panfleet/upgrader/core/job"
	"github.com/panfleet/upgrader/core/status"
	"github.com/panfleet/upgrader/internal/config"
	"github.com/panfleet/upgrader/internal/devicejob"
	"github.com/panfleet/upgrader/internal/filestore"
	"github.com/panfleet/upgrader/internal/panos"
	"github.com/panfleet/upgrader/internal/validate"
)

// Progress milestones. Downloads spread across their band per path
// version; progress never regresses within a phase.
const (
	progressPreFlight     = 10
	progressRefresh       = 15
	progressDownloadStart = 20
	progressDownloadEnd   = 60
	progressVerify        = 65
	progressInstallStart  = 70
	progressInstallEnd    = 85
	progressReboot        = 90
	progressPostFlight    = 95
)

const dryRunStepDelay = 10 * time.Millisecond

// task drives one device through one job. It is the sole writer of
// the device's status file for the duration of the job.
type task struct {
	u            *Upgrader
	ctx          context.Context
	job          *job.Job
	serial       string
	forcedTarget string
	downloadOnly bool
	dry          bool

	st     *status.DeviceStatus
	client panos.Client
	rec    device.Record
}

func (t *task) run() error {
	t.loadOrInit()
	if t.cancelledNow() {
		return t.cancel()
	}
	done, err := t.identify()
	if err != nil {
		return t.fail(status.PhaseInit, err)
	}
	if done {
		return nil
	}
	if t.cancelledNow() {
		return t.cancel()
	}
	if err := t.preFlight(); err != nil {
		return t.fail(status.PhasePreFlight, err)
	}
	t.refreshList()
	if err := t.downloadAll(); err != nil {
		if errors.Is(err, ErrCancelled) {
			return t.cancel()
		}
		return t.fail(status.PhaseDownload, err)
	}
	if err := t.verifyAll(); err != nil {
		return t.fail(status.PhaseVerify, err)
	}
	if t.downloadOnly {
		t.finishDownloadOnly()
		return nil
	}
	if t.cancelledNow() {
		return t.cancel()
	}
	if err := t.install(); err != nil {
		return t.fail(status.PhaseInstall, err)
	}
	if err := t.reboot(); err != nil {
		if errors.Is(err, ErrCancelled) {
			return t.cancel()
		}
		return t.fail(status.PhaseReboot, err)
	}
	t.postFlight()
	t.finalize()
	return nil
}

// loadOrInit resumes from a durable non-terminal status with a
// recorded starting version, or starts fresh. A corrupt status file
// is logged and replaced rather than wedging the device forever.
func (t *task) loadOrInit() {
	path := t.u.cfg.Dirs.DeviceStatus(t.serial)
	var loaded status.DeviceStatus
	found, err := filestore.ReadJSON(path, &loaded)
	switch {
	case err != nil:
		logger.Warningf("device %s: unreadable status, starting fresh: %v", t.serial, err)
	case found && loaded.Resumable():
		logger.Infof("device %s: resuming %s upgrade from %s at path index %d",
			t.serial, loaded.UpgradeStatus, loaded.StartingVersion, loaded.CurrentPathIndex)
		t.st = &loaded
		return
	}
	t.st = status.New(t.serial)
}

func (t *task) persist() {
	t.st.LastUpdated = status.Now()
	path := t.u.cfg.Dirs.DeviceStatus(t.serial)
	if err := filestore.WriteJSON(path, t.st); err != nil {
		logger.Errorf("device %s: persisting status: %v", t.serial, err)
	}
}

func (t *task) setPhase(st status.Status, phase status.Phase, progress int, msg string) {
	t.st.UpgradeStatus = st
	t.st.CurrentPhase = phase
	t.st.UpgradeMessage = msg
	t.bumpProgress(progress)
	t.persist()
	logger.Debugf("device %s: %s/%s (%d%%)", t.serial, st, phase, t.st.Progress)
}

func (t *task) bumpProgress(n int) {
	if n > t.st.Progress {
		t.st.Progress = n
	}
}

func (t *task) cancelledNow() bool {
	return t.u.cancelled(t.job, t.serial)
}

func (t *task) cancel() error {
	t.st.UpgradeStatus = status.Cancelled
	t.st.UpgradeMessage = "upgrade cancelled by operator"
	t.persist()
	logger.Infof("device %s: cancelled", t.serial)
	return ErrCancelled
}

func (t *task) fail(phase status.Phase, err error) error {
	t.st.AddError(phase, err.Error(), "")
	t.st.UpgradeStatus = status.Failed
	t.st.CurrentPhase = phase
	t.st.UpgradeMessage = err.Error()
	t.persist()
	logger.Errorf("device %s: failed in %s: %v", t.serial, phase, err)
	return errors.Annotatef(err, "device %s", t.serial)
}

func (t *task) skip(reason string) {
	t.st.UpgradeStatus = status.Skipped
	t.st.SkipReason = reason
	t.st.UpgradeMessage = reason
	t.persist()
	logger.Infof("device %s: skipped: %s", t.serial, reason)
}

func (t *task) complete(msg string) {
	t.st.CurrentVersion = t.st.TargetVersion
	t.setPhase(status.Complete, status.PhaseComplete, 100, msg)
	logger.Infof("device %s: %s", t.serial, msg)
}

func (t *task) dryStep(name string) {
	logger.Infof("device %s: dry-run: would %s", t.serial, name)
	_ = t.u.sleep(t.ctx, dryRunStepDelay)
}

// identify resolves the device's address, live version and upgrade
// path. Returns done=true when the job is trivially over, either the
// device already runs the target or it has no path and was skipped.
func (t *task) identify() (bool, error) {
	rec, err := t.u.cfg.Inventory.Get(t.serial)
	if err != nil {
		return false, errors.Trace(err)
	}
	t.rec = rec
	if rec.HARole != "" {
		t.st.HARole = rec.HARole
	}

	live := rec.CurrentVersion
	hostname := rec.Hostname
	if t.dry {
		t.dryStep("fetch system info")
	} else if rec.MgmtIP == "" {
		return false, errors.Errorf("device %s has no management address in inventory", t.serial)
	} else {
		t.client = t.u.cfg.NewClient(rec.MgmtIP)
		cctx, cancel := context.WithTimeout(t.ctx, t.u.cfg.Settings.SoftwareInfoTimeout())
		info, err := t.client.SystemInfo(cctx)
		cancel()
		if err != nil {
			return false, errors.Annotate(err, "fetching system info")
		}
		live = info.SWVersion
		hostname = info.Hostname
	}
	if hostname != "" {
		t.st.Hostname = hostname
	}
	t.st.CurrentVersion = live
	if t.st.StartingVersion == "" {
		// Recorded once so a partially-progressed device resolves
		// the same path on resume.
		t.st.StartingVersion = live
	}

	path, err := t.u.cfg.Paths.PathFrom(t.st.StartingVersion)
	if errors.Is(err, config.ErrNoPath) {
		if t.forcedTarget == "" {
			t.skip("no upgrade path from " + t.st.StartingVersion)
			return true, nil
		}
		if live == t.forcedTarget {
			t.st.TargetVersion = t.forcedTarget
			t.complete("already at target version " + t.forcedTarget)
			return true, nil
		}
		return false, errors.Errorf("no upgrade path from %s to %s", t.st.StartingVersion, t.forcedTarget)
	} else if err != nil {
		return false, errors.Trace(err)
	}

	target := path[len(path)-1]
	if t.forcedTarget != "" {
		idx := slices.Index(path, t.forcedTarget)
		if idx < 0 {
			if live == t.forcedTarget {
				t.st.TargetVersion = t.forcedTarget
				t.complete("already at target version " + t.forcedTarget)
				return true, nil
			}
			// Only versions on this member's own path are staged and
			// verified; an off-path target can never be installed.
			return false, errors.Errorf("pair target %s is not on the upgrade path from %s",
				t.forcedTarget, t.st.StartingVersion)
		}
		path = path[:idx+1]
		target = t.forcedTarget
	}
	t.st.UpgradePath = path
	t.st.TargetVersion = target

	if idx := slices.Index(path, live); idx >= 0 && idx+1 > t.st.CurrentPathIndex {
		t.st.CurrentPathIndex = idx + 1
	}
	if live == target {
		t.complete("already at target version " + target)
		return true, nil
	}
	t.persist()
	return false, nil
}

func (t *task) preFlight() error {
	t.setPhase(status.Validating, status.PhasePreFlight, progressPreFlight, "running pre-flight validation")
	if t.dry {
		t.dryStep("run pre-flight validation")
		return nil
	}
	snap, err := t.u.cfg.Validator.PreFlight(t.ctx, t.client, t.serial)
	if snap != nil {
		t.st.DiskSpace = &status.DiskSpace{
			AvailableGB: snap.Metrics.DiskAvailableGB,
			RequiredGB:  t.u.cfg.Settings.Validation.MinDiskGB,
			CheckPassed: !errors.Is(err, validate.ErrInsufficientDisk),
		}
		t.persist()
	}
	return errors.Trace(err)
}

// refreshList is best effort: a device that cannot reach the update
// servers can still install images already staged.
func (t *task) refreshList() {
	t.setPhase(status.Validating, status.PhaseRefresh, progressRefresh, "refreshing software catalogue")
	if t.dry {
		t.dryStep("refresh software catalogue")
		return
	}
	cctx, cancel := context.WithTimeout(t.ctx, t.u.cfg.Settings.SoftwareCheckTimeout())
	defer cancel()
	if err := t.client.RefreshSoftwareList(cctx); err != nil {
		logger.Warningf("device %s: software catalogue refresh failed, continuing: %v", t.serial, err)
	}
}

func (t *task) softwareInfo() ([]device.SoftwareImage, error) {
	cctx, cancel := context.WithTimeout(t.ctx, t.u.cfg.Settings.SoftwareInfoTimeout())
	defer cancel()
	images, err := t.client.SoftwareInfo(cctx)
	return images, errors.Trace(err)
}

// downloadAll stages every version on the path. The appliance's own
// intermediate-hop logic at install time needs all images present, so
// nothing is installed until every download has landed.
func (t *task) downloadAll() error {
	t.setPhase(status.Downloading, status.PhaseDownload, progressDownloadStart, "downloading images")
	path := t.st.UpgradePath
	for i, version := range path {
		if t.cancelledNow() {
			return ErrCancelled
		}
		segStart := progressDownloadStart + (progressDownloadEnd-progressDownloadStart)*i/len(path)
		segEnd := progressDownloadStart + (progressDownloadEnd-progressDownloadStart)*(i+1)/len(path)

		if slices.Contains(t.st.Downloaded, version) || slices.Contains(t.st.Skipped, version) {
			t.advancePastVersion(i, segEnd, version+" already staged")
			continue
		}
		if t.dry {
			t.dryStep("download " + version)
			t.st.Downloaded = append(t.st.Downloaded, version)
			t.advancePastVersion(i, segEnd, "downloaded "+version)
			continue
		}

		images, err := t.softwareInfo()
		if err != nil {
			return errors.Trace(err)
		}
		img, found := findImage(images, version)
		if !found {
			return errors.Errorf("version %s not in device software catalogue", version)
		}
		if img.Downloaded {
			t.st.Skipped = append(t.st.Skipped, version)
			t.advancePastVersion(i, segEnd, version+" already on device")
			continue
		}
		if err := t.checkDiskFor(version); err != nil {
			return errors.Trace(err)
		}

		logger.Infof("device %s: downloading %s (%s)", t.serial, version,
			humanize.IBytes(uint64(img.SizeBytes)))
		if err := t.downloadOne(version, segStart, segEnd); err != nil {
			return errors.Trace(err)
		}
		t.st.Downloaded = append(t.st.Downloaded, version)
		t.advancePastVersion(i, segEnd, "downloaded "+version)
	}
	return nil
}

func (t *task) advancePastVersion(i, progress int, msg string) {
	if i+1 > t.st.CurrentPathIndex {
		t.st.CurrentPathIndex = i + 1
	}
	t.st.UpgradeMessage = msg
	t.bumpProgress(progress)
	t.persist()
}

// checkDiskFor reruns the disk gate right before each download; the
// previous image may have eaten the headroom pre-flight saw.
func (t *task) checkDiskFor(version string) error {
	cctx, cancel := context.WithTimeout(t.ctx, t.u.cfg.Settings.SoftwareInfoTimeout())
	defer cancel()
	avail, err := t.client.DiskSpace(cctx)
	if err != nil {
		return errors.Annotate(err, "checking disk space")
	}
	min := t.u.cfg.Settings.Validation.MinDiskGB
	if avail < min {
		return errors.WithType(errors.Errorf(
			"not enough disk for %s: %.1f GB available, %.1f GB required", version, avail, min),
			validate.ErrInsufficientDisk)
	}
	return nil
}

// downloadOne runs a single version's download, retrying the whole
// attempt on device-side failure or stall.
func (t *task) downloadOne(version string, segStart, segEnd int) error {
	attempts := t.u.cfg.Settings.DownloadRetryAttempts
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		cctx, cancel := context.WithTimeout(t.ctx, t.u.cfg.Settings.SoftwareInfoTimeout())
		jobID, err := t.client.DownloadStart(cctx, version)
		cancel()
		if err != nil {
			lastErr = err
			logger.Warningf("device %s: starting download of %s (attempt %d/%d): %v",
				t.serial, version, attempt, attempts, err)
			if err := t.retryPause(attempt, attempts); err != nil {
				return errors.Trace(err)
			}
			continue
		}
		res, err := devicejob.Wait(t.ctx, devicejob.Config{
			Client:       t.client,
			Clock:        t.u.cfg.Clock,
			JobID:        jobID,
			PollInterval: t.u.cfg.Settings.PollInterval(),
			StallTimeout: t.u.cfg.Settings.StallTimeout(),
			Timeout:      t.u.cfg.Settings.DownloadTimeout(),
			Progress: func(n int) {
				t.st.UpgradeMessage = "downloading " + version
				t.bumpProgress(segStart + (segEnd-segStart)*n/100)
				t.persist()
			},
		})
		if err != nil {
			return errors.Annotatef(err, "waiting for download of %s", version)
		}
		switch res.Outcome {
		case devicejob.Success:
			return nil
		case devicejob.Stalled:
			lastErr = errors.Errorf("download of %s stalled at %d%%", version, res.Progress)
		default:
			lastErr = errors.Errorf("download of %s failed: %s", version, res.Details)
		}
		logger.Warningf("device %s: %v (attempt %d/%d)", t.serial, lastErr, attempt, attempts)
		if err := t.retryPause(attempt, attempts); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Annotatef(lastErr, "after %d attempts", attempts)
}

// retryPause spaces download attempts; a cancelled run context cuts
// the wait short. The last attempt does not pause.
func (t *task) retryPause(attempt, attempts int) error {
	if attempt >= attempts {
		return nil
	}
	return t.u.sleep(t.ctx, t.u.cfg.Settings.PollInterval())
}

// verifyAll is the hard gate between staging and install.
func (t *task) verifyAll() error {
	t.setPhase(status.Downloading, status.PhaseVerify, progressVerify, "verifying staged images")
	if t.dry {
		t.dryStep("verify staged images")
		return nil
	}
	images, err := t.softwareInfo()
	if err != nil {
		return errors.Trace(err)
	}
	staged := set.NewStrings()
	for _, img := range images {
		if img.Downloaded {
			staged.Add(img.Version)
		}
	}
	missing := set.NewStrings(t.st.UpgradePath...).Difference(staged)
	if missing.Size() > 0 {
		return errors.Errorf("images missing after download: %s",
			strings.Join(missing.SortedValues(), ", "))
	}
	return nil
}

func (t *task) finishDownloadOnly() {
	t.st.ReadyForInstall = true
	t.setPhase(status.DownloadComplete, status.PhaseComplete, 100,
		"all images staged, ready for install")
	logger.Infof("device %s: download-only job complete", t.serial)
}

// install installs only the final version; the appliance chains the
// intermediate hops itself from the staged images.
func (t *task) install() error {
	target := t.st.TargetVersion
	t.setPhase(status.Installing, status.PhaseInstall, progressInstallStart, "installing "+target)
	if t.dry {
		t.dryStep("install " + target)
		t.bumpProgress(progressInstallEnd)
		t.persist()
		return nil
	}
	cctx, cancel := context.WithTimeout(t.ctx, t.u.cfg.Settings.SoftwareInfoTimeout())
	jobID, err := t.client.InstallStart(cctx, target)
	cancel()
	if err != nil {
		return errors.Annotatef(err, "starting install of %s", target)
	}
	res, err := devicejob.Wait(t.ctx, devicejob.Config{
		Client:       t.client,
		Clock:        t.u.cfg.Clock,
		JobID:        jobID,
		PollInterval: t.u.cfg.Settings.PollInterval(),
		StallTimeout: t.u.cfg.Settings.StallTimeout(),
		Timeout:      t.u.cfg.Settings.UpgradeTimeout(),
		Progress: func(n int) {
			t.st.UpgradeMessage = "installing " + target
			t.bumpProgress(progressInstallStart + (progressInstallEnd-progressInstallStart)*n/100)
			t.persist()
		},
	})
	if err != nil {
		return errors.Annotatef(err, "waiting for install of %s", target)
	}
	switch res.Outcome {
	case devicejob.Success:
		return nil
	case devicejob.Stalled:
		return errors.Errorf("install of %s stalled at %d%%", target, res.Progress)
	default:
		return errors.Errorf("install of %s failed: %s", target, res.Details)
	}
}

func (t *task) reboot() error {
	t.setPhase(status.Rebooting, status.PhaseReboot, progressReboot, "rebooting")
	if t.dry {
		t.dryStep("reboot device")
		return nil
	}
	cctx, cancel := context.WithTimeout(t.ctx, t.u.cfg.Settings.SoftwareInfoTimeout())
	err := t.client.RebootStart(cctx)
	cancel()
	if err != nil {
		return errors.Annotate(err, "requesting reboot")
	}

	// Polling before the device has actually gone down yields false
	// positives from the old image.
	if err := t.u.sleep(t.ctx, t.u.cfg.Settings.RebootInitial()); err != nil {
		return errors.Trace(err)
	}

	rctx, rcancel := context.WithCancel(t.ctx)
	defer rcancel()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		// Bridges the cancel set into the readiness poll so a
		// cancellation lands between poll iterations.
		for {
			select {
			case <-watchDone:
				return
			case <-t.u.cfg.Clock.After(time.Second):
			}
			if t.cancelledNow() {
				rcancel()
				return
			}
		}
	}()
	err = panos.WaitReady(rctx, t.client, t.u.cfg.Clock, panos.ReadyParams{
		Timeout:         t.u.cfg.Settings.RebootReady(),
		MaxPollInterval: t.u.cfg.Settings.MaxRebootPoll(),
		ProbeTimeout:    t.u.cfg.Settings.SoftwareInfoTimeout(),
	})
	if err != nil {
		if t.cancelledNow() {
			return ErrCancelled
		}
		return errors.Trace(err)
	}

	// Management daemons lag the API coming back.
	return errors.Trace(t.u.sleep(t.ctx, t.u.cfg.Settings.RebootStabilization()))
}

// postFlight never fails the upgrade; the device is up and running
// the target version, divergence is for the operator to judge.
func (t *task) postFlight() {
	t.setPhase(status.Rebooting, status.PhasePostFlight, progressPostFlight, "running post-flight validation")
	if t.dry {
		t.dryStep("run post-flight validation")
		return
	}
	report, err := t.u.cfg.Validator.PostFlight(t.ctx, t.client, t.serial)
	if err != nil {
		logger.Warningf("device %s: post-flight validation failed: %v", t.serial, err)
		t.st.AddError(status.PhasePostFlight, "post-flight validation failed", err.Error())
		t.persist()
		return
	}
	if !report.Passed() {
		t.st.AddError(status.PhasePostFlight, "post-flight divergence", report.Summary())
		t.persist()
	}
}

func (t *task) finalize() {
	t.st.CurrentPathIndex = len(t.st.UpgradePath)
	t.complete("upgrade complete: running " + t.st.TargetVersion)
}

func findImage(images []device.SoftwareImage, version string) (device.SoftwareImage, bool) {
	for _, img := range images {
		if img.Version == version {
			return img, true
		}
	}
	return device.SoftwareImage{}, false
}
