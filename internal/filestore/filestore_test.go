// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package filestore_test

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/panfleet/upgrader/internal/filestore"
)

type filestoreSuite struct {
	dir string
}

var _ = gc.Suite(&filestoreSuite{})

func (s *filestoreSuite) SetUpTest(c *gc.C) {
	s.dir = c.MkDir()
}

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func (s *filestoreSuite) TestWriteReadRoundTrip(c *gc.C) {
	path := filepath.Join(s.dir, "doc.json")
	err := filestore.WriteJSON(path, doc{Name: "fw-01", Count: 3})
	c.Assert(err, jc.ErrorIsNil)

	var got doc
	found, err := filestore.ReadJSON(path, &got)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(found, jc.IsTrue)
	c.Assert(got, gc.DeepEquals, doc{Name: "fw-01", Count: 3})
}

func (s *filestoreSuite) TestReadMissingReturnsDefault(c *gc.C) {
	got := doc{Name: "default"}
	found, err := filestore.ReadJSON(filepath.Join(s.dir, "nope.json"), &got)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(found, jc.IsFalse)
	c.Assert(got.Name, gc.Equals, "default")
}

func (s *filestoreSuite) TestReadCorruptDistinguished(c *gc.C) {
	path := filepath.Join(s.dir, "bad.json")
	err := os.WriteFile(path, []byte("{not json"), 0o644)
	c.Assert(err, jc.ErrorIsNil)

	var got doc
	found, err := filestore.ReadJSON(path, &got)
	c.Assert(found, jc.IsTrue)
	c.Assert(err, jc.ErrorIs, filestore.ErrCorrupt)
}

func (s *filestoreSuite) TestWriteReplacesExisting(c *gc.C) {
	path := filepath.Join(s.dir, "doc.json")
	c.Assert(filestore.WriteJSON(path, doc{Count: 1}), jc.ErrorIsNil)
	c.Assert(filestore.WriteJSON(path, doc{Count: 2}), jc.ErrorIsNil)

	var got doc
	_, err := filestore.ReadJSON(path, &got)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got.Count, gc.Equals, 2)
}

func (s *filestoreSuite) TestWriteLeavesNoTempFiles(c *gc.C) {
	path := filepath.Join(s.dir, "doc.json")
	c.Assert(filestore.WriteJSON(path, doc{}), jc.ErrorIsNil)

	entries, err := os.ReadDir(s.dir)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(entries, gc.HasLen, 1)
	c.Assert(entries[0].Name(), gc.Equals, "doc.json")
}

func (s *filestoreSuite) TestEnsureDirs(c *gc.C) {
	paths := []string{
		filepath.Join(s.dir, "queue", "pending"),
		filepath.Join(s.dir, "queue", "active"),
	}
	c.Assert(filestore.EnsureDirs(paths...), jc.ErrorIsNil)
	for _, p := range paths {
		info, err := os.Stat(p)
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(info.IsDir(), jc.IsTrue)
	}
	// Idempotent.
	c.Assert(filestore.EnsureDirs(paths...), jc.ErrorIsNil)
}

func (s *filestoreSuite) TestMove(c *gc.C) {
	src := filepath.Join(s.dir, "a.json")
	dst := filepath.Join(s.dir, "b.json")
	c.Assert(filestore.WriteJSON(src, doc{}), jc.ErrorIsNil)
	c.Assert(filestore.Move(src, dst), jc.ErrorIsNil)

	_, err := os.Stat(src)
	c.Assert(err, jc.Satisfies, os.IsNotExist)
	_, err = os.Stat(dst)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *filestoreSuite) TestMoveMissingSource(c *gc.C) {
	err := filestore.Move(filepath.Join(s.dir, "gone"), filepath.Join(s.dir, "b"))
	c.Assert(err, gc.NotNil)
	c.Assert(errors.Cause(err), jc.Satisfies, os.IsNotExist)
}
