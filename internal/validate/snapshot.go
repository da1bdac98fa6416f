// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package validate

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"

	"github.com/panfleet/upgrader/core/device"
	"github.com/panfleet/upgrader/internal/filestore"
)

// stampFormat orders snapshot files chronologically when sorted
// lexically.
const stampFormat = "20060102_150405"

// Snapshot is one persisted metric capture, filed under
// <dir>/<serial>_<stamp>.json. History is append-only; post-flight
// consults the newest pre-flight file per serial.
type Snapshot struct {
	Timestamp string         `json:"timestamp"`
	Serial    string         `json:"serial"`
	Metrics   device.Metrics `json:"metrics"`

	stamp string
}

func (s *Snapshot) write(dir string) error {
	path := filepath.Join(dir, s.Serial+"_"+s.stamp+".json")
	return errors.Trace(filestore.WriteJSON(path, s))
}

// latestSnapshot returns the newest snapshot for serial in dir, or
// nil when none exists.
func latestSnapshot(dir, serial string) (*Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, serial+"_") && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)
	var snap Snapshot
	path := filepath.Join(dir, names[len(names)-1])
	if _, err := filestore.ReadJSON(path, &snap); err != nil {
		return nil, errors.Annotatef(err, "reading snapshot %q", path)
	}
	return &snap, nil
}
