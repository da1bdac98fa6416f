// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cancelset_test

import (
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/panfleet/upgrader/internal/cancelset"
)

type cancelSetSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&cancelSetSuite{})

func (s *cancelSetSuite) TestMatchesAnyTarget(c *gc.C) {
	set := cancelset.New()
	set.Add("job-1", "001122334455")

	c.Assert(set.Matches("job-1"), jc.IsTrue)
	c.Assert(set.Matches("001122334455"), jc.IsTrue)
	c.Assert(set.Matches("job-2", "001122334455"), jc.IsTrue)
	c.Assert(set.Matches("job-2"), jc.IsFalse)
}

func (s *cancelSetSuite) TestRemove(c *gc.C) {
	set := cancelset.New()
	set.Add("job-1", "job-2")
	set.Remove("job-1")

	c.Assert(set.Matches("job-1"), jc.IsFalse)
	c.Assert(set.Values(), gc.DeepEquals, []string{"job-2"})
}

func (s *cancelSetSuite) TestEmptyTargetsIgnored(c *gc.C) {
	set := cancelset.New()
	set.Add("", "job-1", "")

	c.Assert(set.Values(), gc.DeepEquals, []string{"job-1"})
	c.Assert(set.Matches(""), jc.IsFalse)
}
