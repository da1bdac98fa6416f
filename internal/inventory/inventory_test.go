// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package inventory_test

import (
	"os"
	"path/filepath"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/panfleet/upgrader/core/device"
	"github.com/panfleet/upgrader/internal/inventory"
)

type inventorySuite struct {
	path string
}

var _ = gc.Suite(&inventorySuite{})

func (s *inventorySuite) SetUpTest(c *gc.C) {
	s.path = filepath.Join(c.MkDir(), "inventory.json")
}

func (s *inventorySuite) write(c *gc.C, content string) {
	err := os.WriteFile(s.path, []byte(content), 0o644)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *inventorySuite) TestLoadAndGet(c *gc.C) {
	s.write(c, `{"devices": {
		"0123456789": {"hostname": "fw-edge-01", "mgmt_ip": "10.0.0.5", "current_version": "10.1.0", "model": "PA-220"}
	}}`)

	inv, err := inventory.Load(s.path)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(inv.Len(), gc.Equals, 1)

	rec, err := inv.Get("0123456789")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rec.Serial, gc.Equals, "0123456789")
	c.Assert(rec.MgmtIP, gc.Equals, "10.0.0.5")
	c.Assert(rec.Hostname, gc.Equals, "fw-edge-01")
}

func (s *inventorySuite) TestGetMiss(c *gc.C) {
	s.write(c, `{"devices": {}}`)
	inv, err := inventory.Load(s.path)
	c.Assert(err, jc.ErrorIsNil)

	_, err = inv.Get("nope")
	c.Assert(err, jc.ErrorIs, inventory.ErrDeviceNotFound)
}

func (s *inventorySuite) TestMissingFileIsEmpty(c *gc.C) {
	inv, err := inventory.Load(s.path)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(inv.Len(), gc.Equals, 0)
}

func (s *inventorySuite) TestReloadPicksUpChanges(c *gc.C) {
	s.write(c, `{"devices": {}}`)
	inv, err := inventory.Load(s.path)
	c.Assert(err, jc.ErrorIsNil)

	s.write(c, `{"devices": {"111": {"mgmt_ip": "10.0.0.9"}}}`)
	c.Assert(inv.Reload(), jc.ErrorIsNil)
	c.Assert(inv.Len(), gc.Equals, 1)
	c.Assert(inv.Serials(), gc.DeepEquals, []string{"111"})
}

func (s *inventorySuite) TestHARecord(c *gc.C) {
	s.write(c, `{"devices": {
		"111": {"mgmt_ip": "10.0.0.1", "ha_role": "active", "peer_serial": "222"},
		"222": {"mgmt_ip": "10.0.0.2", "ha_role": "passive", "peer_serial": "111"}
	}}`)
	inv, err := inventory.Load(s.path)
	c.Assert(err, jc.ErrorIsNil)

	rec, err := inv.Get("111")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rec.HARole, gc.Equals, device.RoleActive)
	c.Assert(rec.PeerSerial, gc.Equals, "222")
}
