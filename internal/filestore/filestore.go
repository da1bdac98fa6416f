// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package filestore persists JSON documents with rename atomicity.
// Concurrent readers of a path see either the previous document or the
// new one, never a torn write; there are no file locks anywhere in the
// work directory, this discipline is the whole protocol.
package filestore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

// ErrCorrupt is returned by ReadJSON when the file exists but does
// not parse. Callers distinguish it from a missing file with
// errors.Is.
const ErrCorrupt = errors.ConstError("corrupt file")

// WriteJSON marshals value and writes it to path atomically: a temp
// file in the same directory is written, fsynced, and renamed over
// the target.
func WriteJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return errors.Trace(err)
	}
	tmp := f.Name()
	defer func() {
		if tmp != "" {
			_ = os.Remove(tmp)
		}
	}()
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return errors.Trace(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Trace(err)
	}
	if err := f.Close(); err != nil {
		return errors.Trace(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Trace(err)
	}
	tmp = ""
	return nil
}

// ReadJSON unmarshals the file at path into out. A missing file is
// not an error: out is left holding the caller's default and missing
// is false in the returned found flag. Unparseable content returns an
// error satisfying errors.Is(err, ErrCorrupt).
func ReadJSON(path string, out any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Trace(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return true, errors.WithType(errors.Annotatef(err, "parsing %q", path), ErrCorrupt)
	}
	return true, nil
}

// EnsureDirs creates every directory in paths, parents included.
func EnsureDirs(paths ...string) error {
	for _, p := range paths {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Move renames src to dst, an atomic transition between two queue
// directories on the same filesystem.
func Move(src, dst string) error {
	return errors.Trace(os.Rename(src, dst))
}
