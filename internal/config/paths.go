// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import (
	"github.com/juju/errors"

	"github.com/panfleet/upgrader/internal/filestore"
)

// ErrNoPath is returned when a device's version has no entry in the
// upgrade paths file.
const ErrNoPath = errors.ConstError("no upgrade path")

// UpgradePaths maps a source version to the ordered list of versions
// a device at that source must march through. The last element is the
// final target. The file is read-only to the orchestrator.
type UpgradePaths map[string][]string

// LoadUpgradePaths reads <work_dir>/config/upgrade_paths.json. A
// missing file yields an empty mapping.
func LoadUpgradePaths(path string) (UpgradePaths, error) {
	paths := UpgradePaths{}
	if _, err := filestore.ReadJSON(path, &paths); err != nil {
		return nil, errors.Trace(err)
	}
	return paths, nil
}

// PathFrom returns the upgrade path for a device at version.
func (p UpgradePaths) PathFrom(version string) ([]string, error) {
	path, ok := p[version]
	if !ok || len(path) == 0 {
		return nil, errors.WithType(
			errors.Errorf("version %q has no upgrade path", version), ErrNoPath)
	}
	return path, nil
}

// TargetFrom returns the final element of the path for version.
func (p UpgradePaths) TargetFrom(version string) (string, error) {
	path, err := p.PathFrom(version)
	if err != nil {
		return "", errors.Trace(err)
	}
	return path[len(path)-1], nil
}
