// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package throttle_test

import (
	"sync"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/panfleet/upgrader/internal/throttle"
)

type throttleSuite struct{}

var _ = gc.Suite(&throttleSuite{})

func (s *throttleSuite) TestInvalidRate(c *gc.C) {
	_, err := throttle.New(0)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(err, gc.ErrorMatches, `rate limit 0/minute not valid`)
}

func (s *throttleSuite) TestNonBlockingDrainsCapacity(c *gc.C) {
	// 60/minute gives one token of capacity.
	l, err := throttle.New(60)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(l.Acquire(false), jc.IsTrue)
	c.Assert(l.Acquire(false), jc.IsFalse)
}

func (s *throttleSuite) TestBlockingAlwaysSucceeds(c *gc.C) {
	l, err := throttle.New(6000)
	c.Assert(err, jc.ErrorIsNil)
	for i := 0; i < 10; i++ {
		c.Assert(l.Acquire(true), jc.IsTrue)
	}
}

func (s *throttleSuite) TestConcurrentAcquire(c *gc.C) {
	l, err := throttle.New(60000)
	c.Assert(err, jc.ErrorIsNil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Acquire(true)
		}()
	}
	wg.Wait()
}
