// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package panos_test

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/panfleet/upgrader/core/device"
	"github.com/panfleet/upgrader/internal/panos"
)

type readySuite struct{}

var _ = gc.Suite(&readySuite{})

// flakyClient fails SystemInfo a fixed number of times, then answers.
type flakyClient struct {
	panos.Client
	failures int
	calls    int
	err      error
}

func (f *flakyClient) SystemInfo(context.Context) (device.SystemInfo, error) {
	f.calls++
	if f.calls <= f.failures {
		return device.SystemInfo{}, f.err
	}
	return device.SystemInfo{Serial: "0123456789", SWVersion: "11.0.0"}, nil
}

func params() panos.ReadyParams {
	return panos.ReadyParams{
		Timeout:         5 * time.Second,
		MaxPollInterval: 10 * time.Millisecond,
		ProbeTimeout:    time.Second,
	}
}

func (s *readySuite) TestReadyFirstProbe(c *gc.C) {
	client := &flakyClient{}
	err := panos.WaitReady(context.Background(), client, clock.WallClock, params())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(client.calls, gc.Equals, 1)
}

func (s *readySuite) TestRetriesThroughConnectionErrors(c *gc.C) {
	client := &flakyClient{failures: 3, err: errors.WithType(errors.New("down"), panos.ErrConnect)}
	err := panos.WaitReady(context.Background(), client, clock.WallClock, params())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(client.calls, gc.Equals, 4)
}

func (s *readySuite) TestAuthErrorIsFatal(c *gc.C) {
	client := &flakyClient{failures: 100, err: errors.WithType(errors.New("bad key"), panos.ErrAuth)}
	err := panos.WaitReady(context.Background(), client, clock.WallClock, params())
	c.Assert(err, jc.ErrorIs, panos.ErrAuth)
	c.Assert(client.calls, gc.Equals, 1)
}

func (s *readySuite) TestOverallTimeout(c *gc.C) {
	client := &flakyClient{failures: 10000, err: errors.WithType(errors.New("down"), panos.ErrConnect)}
	p := params()
	p.Timeout = 50 * time.Millisecond
	err := panos.WaitReady(context.Background(), client, clock.WallClock, p)
	c.Assert(err, gc.ErrorMatches, `device not ready after 50ms.*`)
}

func (s *readySuite) TestContextCancellation(c *gc.C) {
	client := &flakyClient{failures: 10000, err: errors.WithType(errors.New("down"), panos.ErrConnect)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := panos.WaitReady(ctx, client, clock.WallClock, params())
	c.Assert(err, jc.ErrorIs, context.Canceled)
}

func (s *readySuite) TestInvalidParams(c *gc.C) {
	err := panos.WaitReady(context.Background(), &flakyClient{}, clock.WallClock, panos.ReadyParams{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}
