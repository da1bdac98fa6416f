// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package job defines the durable job and command documents that move
// through the work directory queue, and the periodically republished
// daemon and worker status records.
package job

import (
	"github.com/juju/errors"
)

// Type determines how many devices a job names and how the upgrade of
// those devices is sequenced.
type Type string

const (
	// Standalone upgrades a single device all the way to its target.
	Standalone Type = "standalone"
	// HAPair upgrades two paired devices, passive member first.
	HAPair Type = "ha_pair"
	// DownloadOnly stages images on a single device without
	// installing or rebooting.
	DownloadOnly Type = "download_only"
)

// Terminal job statuses stamped on the file when it leaves active/.
const (
	StatusPending   = "pending"
	StatusComplete  = "complete"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job is one queued unit of work. The file named <job_id>.json lives
// in exactly one of the queue subdirectories at any instant.
type Job struct {
	ID           string   `json:"job_id"`
	Type         Type     `json:"type"`
	Devices      []string `json:"devices"`
	DryRun       bool     `json:"dry_run"`
	DownloadOnly bool     `json:"download_only"`
	CreatedAt    string   `json:"created_at"`
	StartedAt    string   `json:"started_at,omitempty"`
	CompletedAt  string   `json:"completed_at,omitempty"`
	Status       string   `json:"status,omitempty"`
}

// Validate checks the shape constraints on a job read from the queue.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.NotValidf("job with empty job_id")
	}
	switch j.Type {
	case Standalone, DownloadOnly:
		if len(j.Devices) != 1 {
			return errors.NotValidf("%s job %q with %d devices", j.Type, j.ID, len(j.Devices))
		}
	case HAPair:
		if len(j.Devices) != 2 {
			return errors.NotValidf("ha_pair job %q with %d devices", j.ID, len(j.Devices))
		}
	default:
		return errors.NotValidf("job %q with type %q", j.ID, j.Type)
	}
	for _, serial := range j.Devices {
		if serial == "" {
			return errors.NotValidf("job %q with empty device serial", j.ID)
		}
	}
	return nil
}

// CancelUpgradeCommand is the only command the orchestrator consumes.
const CancelUpgradeCommand = "cancel_upgrade"

// CancelCommand asks the orchestrator to stop a job or a device at its
// next checkpoint. Exactly one of JobID or DeviceSerial is set.
type CancelCommand struct {
	Command      string `json:"command"`
	JobID        string `json:"job_id,omitempty"`
	DeviceSerial string `json:"device_serial,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// Validate checks a command read from commands/incoming.
func (c *CancelCommand) Validate() error {
	if c.Command != CancelUpgradeCommand {
		return errors.NotValidf("command %q", c.Command)
	}
	if c.JobID == "" && c.DeviceSerial == "" {
		return errors.NotValidf("cancel command with no target")
	}
	return nil
}

// WorkerState is the coarse state a pool worker reports.
type WorkerState string

const (
	WorkerIdle WorkerState = "idle"
	WorkerBusy WorkerState = "busy"
	// WorkerError means the last task escaped with an unexpected
	// error. The worker keeps draining the queue.
	WorkerError WorkerState = "error"
)

// WorkerStatus is one worker's entry in status/workers.json.
type WorkerStatus struct {
	ID        int         `json:"id"`
	State     WorkerState `json:"state"`
	JobID     string      `json:"job_id,omitempty"`
	Device    string      `json:"device,omitempty"`
	UpdatedAt string      `json:"updated_at"`
}

// QueueCounts is a snapshot of the queue tree sizes.
type QueueCounts struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
}

// DaemonStatus is republished to status/daemon.json on a fixed period
// and once more, with Running false, on shutdown.
type DaemonStatus struct {
	Running     bool        `json:"running"`
	PID         int         `json:"pid"`
	StartedAt   string      `json:"started_at"`
	LastUpdated string      `json:"last_updated"`
	Queue       QueueCounts `json:"queue"`
	Workers     int         `json:"workers"`
}
