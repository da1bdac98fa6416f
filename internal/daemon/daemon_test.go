// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package daemon_test

import (
	"os"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/panfleet/upgrader/core/device"
	"github.com/panfleet/upgrader/core/job"
	"github.com/panfleet/upgrader/core/status"
	"github.com/panfleet/upgrader/internal/config"
	"github.com/panfleet/upgrader/internal/daemon"
	"github.com/panfleet/upgrader/internal/filestore"
	"github.com/panfleet/upgrader/internal/panos"
	"github.com/panfleet/upgrader/internal/panos/panostest"
	"github.com/panfleet/upgrader/internal/workdir"
)

type daemonSuite struct {
	jujutesting.IsolationSuite

	dirs workdir.Dirs
}

var _ = gc.Suite(&daemonSuite{})

func (s *daemonSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.dirs = workdir.New(c.MkDir())
	c.Assert(filestore.EnsureDirs(s.dirs.All()...), jc.ErrorIsNil)
}

func (s *daemonSuite) settings() config.Config {
	cfg := config.Default()
	cfg.Workers.Max = 2
	cfg.ScanInterval = 1
	cfg.StatusInterval = 1
	return cfg
}

func (s *daemonSuite) newDaemon(c *gc.C) *daemon.Daemon {
	d, err := daemon.New(daemon.Config{
		Clock:    testclock.NewDilatedWallClock(time.Millisecond),
		Dirs:     s.dirs,
		Settings: s.settings(),
		Paths:    config.UpgradePaths{"10.1.0": {"10.2.0"}},
		NewClient: func(addr string) panos.Client {
			return &panostest.Fake{Stub: &jujutesting.Stub{}}
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, d) })
	return d
}

func (s *daemonSuite) writeInventory(c *gc.C, recs ...device.Record) {
	devices := make(map[string]device.Record)
	for _, rec := range recs {
		devices[rec.Serial] = rec
	}
	doc := struct {
		Devices map[string]device.Record `json:"devices"`
	}{Devices: devices}
	c.Assert(filestore.WriteJSON(s.dirs.Inventory(), doc), jc.ErrorIsNil)
}

func waitFor(c *gc.C, what string, cond func() bool) {
	timeout := time.After(10 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-timeout:
			c.Fatalf("timed out waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *daemonSuite) TestConfigValidate(c *gc.C) {
	_, err := daemon.New(daemon.Config{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *daemonSuite) TestPublishesStatus(c *gc.C) {
	s.newDaemon(c)

	var ds job.DaemonStatus
	waitFor(c, "daemon status", func() bool {
		found, err := filestore.ReadJSON(s.dirs.DaemonStatus(), &ds)
		return err == nil && found
	})
	c.Assert(ds.Running, jc.IsTrue)
	c.Assert(ds.PID, gc.Equals, os.Getpid())
	c.Assert(ds.Workers, gc.Equals, 2)
	c.Assert(ds.StartedAt, gc.Not(gc.Equals), "")

	var workers []job.WorkerStatus
	waitFor(c, "worker status", func() bool {
		found, err := filestore.ReadJSON(s.dirs.WorkerStatus(), &workers)
		return err == nil && found
	})
	c.Assert(workers, gc.HasLen, 2)
	for _, w := range workers {
		c.Assert(w.State, gc.Equals, job.WorkerIdle)
	}
}

func (s *daemonSuite) TestShutdownPublishesNotRunning(c *gc.C) {
	d := s.newDaemon(c)
	waitFor(c, "daemon status", func() bool {
		found, _ := filestore.ReadJSON(s.dirs.DaemonStatus(), &job.DaemonStatus{})
		return found
	})
	workertest.CleanKill(c, d)

	var ds job.DaemonStatus
	found, err := filestore.ReadJSON(s.dirs.DaemonStatus(), &ds)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(found, jc.IsTrue)
	c.Assert(ds.Running, jc.IsFalse)
}

func (s *daemonSuite) TestRunsQueuedDryRunJob(c *gc.C) {
	s.writeInventory(c, device.Record{
		Serial:         "001122334455",
		Hostname:       "fw-edge-1",
		MgmtIP:         "10.0.0.5",
		CurrentVersion: "10.1.0",
		HARole:         device.RoleStandalone,
	})
	j := &job.Job{
		ID:        "job-dry-1",
		Type:      job.Standalone,
		Devices:   []string{"001122334455"},
		DryRun:    true,
		CreatedAt: status.Now(),
	}
	c.Assert(filestore.WriteJSON(s.dirs.JobFile(s.dirs.Pending(), j.ID), j), jc.ErrorIsNil)

	s.newDaemon(c)

	var filed job.Job
	waitFor(c, "job to complete", func() bool {
		found, err := filestore.ReadJSON(s.dirs.JobFile(s.dirs.Completed(), j.ID), &filed)
		return err == nil && found
	})
	c.Assert(filed.Status, gc.Equals, job.StatusComplete)

	var ds status.DeviceStatus
	found, err := filestore.ReadJSON(s.dirs.DeviceStatus("001122334455"), &ds)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(found, jc.IsTrue)
	c.Assert(ds.UpgradeStatus, gc.Equals, status.Complete)
	c.Assert(ds.CurrentVersion, gc.Equals, "10.2.0")
	c.Assert(ds.Progress, gc.Equals, 100)
}

func (s *daemonSuite) TestQueueCountsReflectTree(c *gc.C) {
	c.Assert(filestore.WriteJSON(s.dirs.JobFile(s.dirs.Completed(), "old-1"), &job.Job{
		ID: "old-1", Type: job.Standalone, Devices: []string{"x"}, Status: job.StatusComplete,
	}), jc.ErrorIsNil)
	s.newDaemon(c)

	var ds job.DaemonStatus
	waitFor(c, "queue counts", func() bool {
		found, err := filestore.ReadJSON(s.dirs.DaemonStatus(), &ds)
		return err == nil && found && ds.Queue.Completed == 1
	})
	c.Assert(ds.Queue.Pending, gc.Equals, 0)
	c.Assert(ds.Queue.Active, gc.Equals, 0)
}
