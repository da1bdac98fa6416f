// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package validate_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/panfleet/upgrader/core/device"
	"github.com/panfleet/upgrader/internal/panos"
	"github.com/panfleet/upgrader/internal/panos/panostest"
	"github.com/panfleet/upgrader/internal/validate"
)

type validateSuite struct {
	jujutesting.IsolationSuite

	preDir  string
	postDir string
	stub    *jujutesting.Stub
	client  *panostest.Fake
}

var _ = gc.Suite(&validateSuite{})

func (s *validateSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	base := c.MkDir()
	s.preDir = filepath.Join(base, "pre_flight")
	s.postDir = filepath.Join(base, "post_flight")
	c.Assert(os.MkdirAll(s.preDir, 0o755), jc.ErrorIsNil)
	c.Assert(os.MkdirAll(s.postDir, 0o755), jc.ErrorIsNil)
	s.stub = &jujutesting.Stub{}
	s.client = panostest.New(s.stub)
}

func (s *validateSuite) validator(c *gc.C) *validate.Validator {
	v, err := validate.New(validate.Config{
		Clock:         clock.WallClock,
		PreFlightDir:  s.preDir,
		PostFlightDir: s.postDir,
		MinDiskGB:     5.0,
		Margins: validate.Margins{
			TCPSessionPercent: 5.0,
		},
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		RetryBackoff:  2.0,
	})
	c.Assert(err, jc.ErrorIsNil)
	return v
}

func healthyMetrics() device.Metrics {
	return device.Metrics{
		TCPSessions: 1000,
		Routes: []device.Route{
			{Destination: "0.0.0.0/0", Gateway: "10.0.0.1", Interface: "ethernet1/1"},
		},
		RouteCount: 1,
		ARPEntries: []device.ARPEntry{
			{IP: "10.0.0.1", MAC: "aa:bb:cc:dd:ee:ff", Interface: "ethernet1/1"},
		},
		ARPCount:        1,
		DiskAvailableGB: 15.0,
	}
}

func (s *validateSuite) snapshotCount(c *gc.C, dir string) int {
	entries, err := os.ReadDir(dir)
	c.Assert(err, jc.ErrorIsNil)
	return len(entries)
}

func (s *validateSuite) TestPreFlightPasses(c *gc.C) {
	s.client.MetricsFn = func(context.Context) (device.Metrics, error) {
		return healthyMetrics(), nil
	}
	snap, err := s.validator(c).PreFlight(context.Background(), s.client, "0123456789")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(snap.Metrics.DiskAvailableGB, gc.Equals, 15.0)
	c.Assert(s.snapshotCount(c, s.preDir), gc.Equals, 1)
}

func (s *validateSuite) TestPreFlightDiskGate(c *gc.C) {
	s.client.MetricsFn = func(context.Context) (device.Metrics, error) {
		m := healthyMetrics()
		m.DiskAvailableGB = 2.0
		return m, nil
	}
	_, err := s.validator(c).PreFlight(context.Background(), s.client, "0123456789")
	c.Assert(err, jc.ErrorIs, validate.ErrInsufficientDisk)
	c.Assert(err, gc.ErrorMatches, `2\.0 GB available, 5\.0 GB required`)
	// Failing the gate still leaves a snapshot behind.
	c.Assert(s.snapshotCount(c, s.preDir), gc.Equals, 1)
}

func (s *validateSuite) TestPreFlightRetriesTransientErrors(c *gc.C) {
	calls := 0
	s.client.MetricsFn = func(context.Context) (device.Metrics, error) {
		calls++
		if calls < 3 {
			return device.Metrics{}, errors.WithType(errors.New("flap"), panos.ErrConnect)
		}
		return healthyMetrics(), nil
	}
	_, err := s.validator(c).PreFlight(context.Background(), s.client, "0123456789")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(calls, gc.Equals, 3)
}

func (s *validateSuite) TestPreFlightExhaustsRetries(c *gc.C) {
	s.client.MetricsFn = func(context.Context) (device.Metrics, error) {
		return device.Metrics{}, errors.WithType(errors.New("down"), panos.ErrConnect)
	}
	_, err := s.validator(c).PreFlight(context.Background(), s.client, "0123456789")
	c.Assert(err, gc.ErrorMatches, `collecting metrics for 0123456789.*`)
	c.Assert(s.snapshotCount(c, s.preDir), gc.Equals, 0)
}

func (s *validateSuite) TestPostFlightWithinMargins(c *gc.C) {
	pre := healthyMetrics()
	post := healthyMetrics()
	post.TCPSessions = 1040 // +4%, inside the 5% margin

	s.client.MetricsFn = func(context.Context) (device.Metrics, error) { return pre, nil }
	v := s.validator(c)
	_, err := v.PreFlight(context.Background(), s.client, "0123456789")
	c.Assert(err, jc.ErrorIsNil)

	s.client.MetricsFn = func(context.Context) (device.Metrics, error) { return post, nil }
	report, err := v.PostFlight(context.Background(), s.client, "0123456789")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(report.Passed(), jc.IsTrue)
	c.Assert(report.TCPSessions.Difference, gc.Equals, 40)
	c.Assert(s.snapshotCount(c, s.postDir), gc.Equals, 1)
}

func (s *validateSuite) TestPostFlightDivergence(c *gc.C) {
	pre := healthyMetrics()
	post := healthyMetrics()
	post.TCPSessions = 800 // -20%
	post.Routes = nil      // default route lost
	post.RouteCount = 0

	s.client.MetricsFn = func(context.Context) (device.Metrics, error) { return pre, nil }
	v := s.validator(c)
	_, err := v.PreFlight(context.Background(), s.client, "0123456789")
	c.Assert(err, jc.ErrorIsNil)

	s.client.MetricsFn = func(context.Context) (device.Metrics, error) { return post, nil }
	report, err := v.PostFlight(context.Background(), s.client, "0123456789")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(report.Passed(), jc.IsFalse)
	c.Assert(report.TCPSessions.WithinMargin, jc.IsFalse)
	c.Assert(report.Routes.WithinMargin, jc.IsFalse)
	c.Assert(report.Routes.Removed, gc.DeepEquals, []string{"0.0.0.0/0|10.0.0.1|ethernet1/1"})
	c.Assert(report.Summary(), gc.Matches, `tcp sessions -200.*routes -1.*`)
}

func (s *validateSuite) TestPostFlightNoBaseline(c *gc.C) {
	s.client.MetricsFn = func(context.Context) (device.Metrics, error) {
		return healthyMetrics(), nil
	}
	report, err := s.validator(c).PostFlight(context.Background(), s.client, "0123456789")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(report.NoBaseline, jc.IsTrue)
	c.Assert(report.Passed(), jc.IsTrue)
}

func (s *validateSuite) TestPostFlightUsesNewestBaseline(c *gc.C) {
	// Two pre-flight snapshots; the newer one must be the baseline.
	old := healthyMetrics()
	old.TCPSessions = 10
	s.client.MetricsFn = func(context.Context) (device.Metrics, error) { return old, nil }
	v := s.validator(c)
	_, err := v.PreFlight(context.Background(), s.client, "0123456789")
	c.Assert(err, jc.ErrorIsNil)

	time.Sleep(1100 * time.Millisecond) // distinct second-resolution stamp

	s.client.MetricsFn = func(context.Context) (device.Metrics, error) { return healthyMetrics(), nil }
	_, err = v.PreFlight(context.Background(), s.client, "0123456789")
	c.Assert(err, jc.ErrorIsNil)

	report, err := v.PostFlight(context.Background(), s.client, "0123456789")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(report.TCPSessions.Difference, gc.Equals, 0)
	c.Assert(report.Passed(), jc.IsTrue)
}

func (s *validateSuite) TestConfigValidate(c *gc.C) {
	_, err := validate.New(validate.Config{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}
