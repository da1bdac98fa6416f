// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// upgradectl is the operator's interface to a running (or stopped)
// upgraded work directory: submit and cancel jobs, list the queue and
// inspect daemon and device status. All interaction happens through
// the work directory's files; no daemon connection is required.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/panfleet/upgrader/core/job"
	"github.com/panfleet/upgrader/core/status"
	"github.com/panfleet/upgrader/internal/config"
	"github.com/panfleet/upgrader/internal/filestore"
	"github.com/panfleet/upgrader/internal/workdir"
)

const usageText = `usage: upgradectl [--work-dir DIR] <command> [options] [args]

commands:
  init                        create the work directory skeleton and default config
  submit [options] <serial> [<peer-serial>]
                              queue an upgrade job
  cancel [--job ID] [--device SERIAL] [--reason TEXT]
                              request cancellation at the next checkpoint
  list                        show the queue
  status [<serial>]           show daemon status, or one device's status
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "upgradectl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return errors.New("no command given")
	}
	name, rest := args[0], args[1:]
	switch name {
	case "init":
		return cmdInit(rest)
	case "submit":
		return cmdSubmit(rest)
	case "cancel":
		return cmdCancel(rest)
	case "list":
		return cmdList(rest)
	case "status":
		return cmdStatus(rest)
	case "help", "--help", "-h":
		fmt.Print(usageText)
		return nil
	default:
		return errors.Errorf("unknown command %q", name)
	}
}

func newFlags(name string, workDir *string) *gnuflag.FlagSet {
	f := gnuflag.NewFlagSet(name, gnuflag.ContinueOnError)
	f.StringVar(workDir, "work-dir", defaultWorkDir(), "work directory holding queue, status and config")
	return f
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

func cmdInit(args []string) error {
	var workDir string
	f := newFlags("init", &workDir)
	if err := f.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	dirs := workdir.New(workDir)
	if err := filestore.EnsureDirs(dirs.All()...); err != nil {
		return errors.Trace(err)
	}
	if _, err := config.Load(dirs.ConfigFile()); err != nil {
		return errors.Trace(err)
	}
	paths := config.UpgradePaths{}
	found, err := filestore.ReadJSON(dirs.PathsFile(), &paths)
	if err != nil {
		return errors.Trace(err)
	}
	if !found {
		if err := filestore.WriteJSON(dirs.PathsFile(), paths); err != nil {
			return errors.Trace(err)
		}
	}
	fmt.Printf("initialised work directory %s\n", dirs.Base)
	return nil
}

func cmdSubmit(args []string) error {
	var workDir string
	var dryRun, downloadOnly, haPair bool
	f := newFlags("submit", &workDir)
	f.BoolVar(&dryRun, "dry-run", false, "walk every phase without touching the device")
	f.BoolVar(&downloadOnly, "download-only", false, "stage images but do not install or reboot")
	f.BoolVar(&haPair, "ha-pair", false, "upgrade a two-member HA pair; pass both serials")
	if err := f.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	serials := f.Args()

	j := &job.Job{
		ID:           uuid.NewString(),
		Type:         job.Standalone,
		Devices:      serials,
		DryRun:       dryRun,
		DownloadOnly: downloadOnly,
		CreatedAt:    status.Now(),
	}
	switch {
	case haPair:
		j.Type = job.HAPair
	case downloadOnly:
		j.Type = job.DownloadOnly
	}
	if err := j.Validate(); err != nil {
		return errors.Trace(err)
	}

	dirs := workdir.New(workDir)
	if err := checkNotQueued(dirs, serials); err != nil {
		return errors.Trace(err)
	}
	if err := filestore.WriteJSON(dirs.JobFile(dirs.Pending(), j.ID), j); err != nil {
		return errors.Trace(err)
	}
	fmt.Printf("submitted job %s (%s, devices %s)\n", j.ID, j.Type, strings.Join(serials, ", "))
	return nil
}

// checkNotQueued enforces the submission-time duplicate rule: a device
// named by any pending or active job cannot be queued again.
func checkNotQueued(dirs workdir.Dirs, serials []string) error {
	want := make(map[string]bool, len(serials))
	for _, s := range serials {
		want[s] = true
	}
	for _, dir := range []string{dirs.Pending(), dirs.Active()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Trace(err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			var queued job.Job
			found, err := filestore.ReadJSON(filepath.Join(dir, e.Name()), &queued)
			if err != nil || !found {
				continue
			}
			for _, serial := range queued.Devices {
				if want[serial] {
					return errors.AlreadyExistsf("device %s in job %s", serial, queued.ID)
				}
			}
		}
	}
	return nil
}

func cmdCancel(args []string) error {
	var workDir, jobID, serial, reason string
	f := newFlags("cancel", &workDir)
	f.StringVar(&jobID, "job", "", "job id to cancel")
	f.StringVar(&serial, "device", "", "device serial to cancel")
	f.StringVar(&reason, "reason", "", "reason recorded with the cancellation")
	if err := f.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	cmd := &job.CancelCommand{
		Command:      job.CancelUpgradeCommand,
		JobID:        jobID,
		DeviceSerial: serial,
		Reason:       reason,
		Timestamp:    status.Now(),
	}
	if err := cmd.Validate(); err != nil {
		return errors.Trace(err)
	}
	dirs := workdir.New(workDir)
	path := filepath.Join(dirs.Incoming(), "cmd-"+uuid.NewString()+".json")
	if err := filestore.WriteJSON(path, cmd); err != nil {
		return errors.Trace(err)
	}
	fmt.Println("cancellation requested; it takes effect at the job's next checkpoint")
	return nil
}

func cmdList(args []string) error {
	var workDir string
	f := newFlags("list", &workDir)
	if err := f.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	dirs := workdir.New(workDir)
	queues := []struct {
		label string
		dir   string
	}{
		{"pending", dirs.Pending()},
		{"active", dirs.Active()},
		{"completed", dirs.Completed()},
		{"cancelled", dirs.Cancelled()},
	}
	for _, q := range queues {
		entries, err := os.ReadDir(q.dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			var j job.Job
			found, err := filestore.ReadJSON(filepath.Join(q.dir, e.Name()), &j)
			if err != nil || !found {
				continue
			}
			fmt.Printf("%-9s  %-36s  %-13s  %-20s  %s\n",
				q.label, j.ID, j.Type, strings.Join(j.Devices, ","), age(j.CreatedAt))
		}
	}
	return nil
}

func cmdStatus(args []string) error {
	var workDir string
	f := newFlags("status", &workDir)
	if err := f.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	dirs := workdir.New(workDir)
	if f.NArg() > 0 {
		return deviceStatus(dirs, f.Arg(0))
	}
	return daemonStatus(dirs)
}

func daemonStatus(dirs workdir.Dirs) error {
	var ds job.DaemonStatus
	found, err := filestore.ReadJSON(dirs.DaemonStatus(), &ds)
	if err != nil {
		return errors.Trace(err)
	}
	if !found {
		fmt.Println("daemon: never started")
		return nil
	}
	state := "stopped"
	if ds.Running {
		state = fmt.Sprintf("running (pid %d)", ds.PID)
	}
	fmt.Printf("daemon:   %s\n", state)
	fmt.Printf("started:  %s\n", age(ds.StartedAt))
	fmt.Printf("updated:  %s\n", age(ds.LastUpdated))
	fmt.Printf("queue:    %d pending, %d active, %d completed, %d cancelled\n",
		ds.Queue.Pending, ds.Queue.Active, ds.Queue.Completed, ds.Queue.Cancelled)

	var workers []job.WorkerStatus
	if found, err := filestore.ReadJSON(dirs.WorkerStatus(), &workers); err == nil && found {
		for _, w := range workers {
			line := fmt.Sprintf("worker %d: %s", w.ID, w.State)
			if w.JobID != "" {
				line += fmt.Sprintf(" (job %s, device %s)", w.JobID, w.Device)
			}
			fmt.Println(line)
		}
	}
	return nil
}

func deviceStatus(dirs workdir.Dirs, serial string) error {
	var ds status.DeviceStatus
	found, err := filestore.ReadJSON(dirs.DeviceStatus(serial), &ds)
	if err != nil {
		return errors.Trace(err)
	}
	if !found {
		return errors.NotFoundf("status for device %s", serial)
	}
	fmt.Printf("device:    %s (%s, %s)\n", ds.Serial, ds.Hostname, ds.HARole)
	fmt.Printf("status:    %s  %d%%  %s\n", ds.UpgradeStatus, ds.Progress, ds.CurrentPhase)
	fmt.Printf("version:   %s", ds.CurrentVersion)
	if ds.TargetVersion != "" {
		fmt.Printf(" -> %s (path %s)", ds.TargetVersion, strings.Join(ds.UpgradePath, " "))
	}
	fmt.Println()
	if ds.UpgradeMessage != "" {
		fmt.Printf("message:   %s\n", ds.UpgradeMessage)
	}
	if ds.SkipReason != "" {
		fmt.Printf("skipped:   %s\n", ds.SkipReason)
	}
	if ds.DiskSpace != nil {
		fmt.Printf("disk:      %.1f GB free, %.1f GB required\n",
			ds.DiskSpace.AvailableGB, ds.DiskSpace.RequiredGB)
	}
	for _, e := range ds.Errors {
		fmt.Printf("error:     [%s] %s: %s\n", e.Phase, age(e.Timestamp), e.Message)
	}
	fmt.Printf("updated:   %s\n", age(ds.LastUpdated))
	return nil
}

// age renders a stored RFC3339 timestamp as a relative time, falling
// back to the raw string.
func age(stamp string) string {
	if stamp == "" {
		return "never"
	}
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return stamp
	}
	return humanize.Time(t)
}
