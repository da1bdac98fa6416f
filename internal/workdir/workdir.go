// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package workdir maps the fixed work-directory layout to paths. All
// durable state the orchestrator reads or writes lives under one base
// directory; this package is the single place that knows the shape.
package workdir

import "path/filepath"

// Dirs is the work-directory layout rooted at Base.
type Dirs struct {
	Base string
}

// New returns the layout for the given base directory.
func New(base string) Dirs {
	return Dirs{Base: base}
}

func (d Dirs) ConfigDir() string        { return filepath.Join(d.Base, "config") }
func (d Dirs) ConfigFile() string       { return filepath.Join(d.Base, "config", "config.json") }
func (d Dirs) PathsFile() string        { return filepath.Join(d.Base, "config", "upgrade_paths.json") }
func (d Dirs) Inventory() string        { return filepath.Join(d.Base, "devices", "inventory.json") }
func (d Dirs) Pending() string          { return filepath.Join(d.Base, "queue", "pending") }
func (d Dirs) Active() string           { return filepath.Join(d.Base, "queue", "active") }
func (d Dirs) Completed() string        { return filepath.Join(d.Base, "queue", "completed") }
func (d Dirs) Cancelled() string        { return filepath.Join(d.Base, "queue", "cancelled") }
func (d Dirs) Incoming() string         { return filepath.Join(d.Base, "commands", "incoming") }
func (d Dirs) Processed() string        { return filepath.Join(d.Base, "commands", "processed") }
func (d Dirs) DaemonStatus() string     { return filepath.Join(d.Base, "status", "daemon.json") }
func (d Dirs) WorkerStatus() string     { return filepath.Join(d.Base, "status", "workers.json") }
func (d Dirs) DeviceStatusDir() string  { return filepath.Join(d.Base, "status", "devices") }
func (d Dirs) PreFlightDir() string     { return filepath.Join(d.Base, "validation", "pre_flight") }
func (d Dirs) PostFlightDir() string    { return filepath.Join(d.Base, "validation", "post_flight") }
func (d Dirs) StructuredLogDir() string { return filepath.Join(d.Base, "logs", "structured") }
func (d Dirs) TextLogDir() string       { return filepath.Join(d.Base, "logs", "text") }

// DeviceStatus returns the status file path for one serial.
func (d Dirs) DeviceStatus(serial string) string {
	return filepath.Join(d.DeviceStatusDir(), serial+".json")
}

// JobFile returns the path of a job file in the given queue directory.
func (d Dirs) JobFile(queueDir, jobID string) string {
	return filepath.Join(queueDir, jobID+".json")
}

// All lists every directory that must exist for the orchestrator to
// run, in creation order.
func (d Dirs) All() []string {
	return []string{
		d.ConfigDir(),
		filepath.Join(d.Base, "devices"),
		d.Pending(), d.Active(), d.Completed(), d.Cancelled(),
		d.Incoming(), d.Processed(),
		d.DeviceStatusDir(),
		d.PreFlightDir(), d.PostFlightDir(),
		d.StructuredLogDir(), d.TextLogDir(),
	}
}
