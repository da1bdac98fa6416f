// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package status defines the durable per-device upgrade status: the
// status and phase enumerations and the DeviceStatus document written
// to status/devices/<serial>.json on every transition.
package status

import (
	"time"

	"github.com/juju/clock"

	"github.com/panfleet/upgrader/core/device"
)

// WallClock is the source of every timestamp stamped on persisted
// documents. Tests patch it to pin timestamps down.
var WallClock clock.Clock = clock.WallClock

// Status is the coarse upgrade state of a device.
type Status string

const (
	Pending     Status = "pending"
	Validating  Status = "validating"
	Downloading Status = "downloading"
	Installing  Status = "installing"
	Rebooting   Status = "rebooting"
	Complete    Status = "complete"
	// DownloadComplete is the terminal state for download-only jobs.
	DownloadComplete Status = "download_complete"
	Failed           Status = "failed"
	Cancelled        Status = "cancelled"
	Skipped          Status = "skipped"
)

// Terminal reports whether the orchestrator must not mutate the
// device status any further.
func (s Status) Terminal() bool {
	switch s {
	case Complete, DownloadComplete, Failed, Cancelled, Skipped:
		return true
	}
	return false
}

// Phase names the step of the upgrade flow currently executing. It is
// recorded on the status document and on error records.
type Phase string

const (
	PhaseInit       Phase = "init"
	PhasePreFlight  Phase = "pre_flight_validation"
	PhaseRefresh    Phase = "software_check"
	PhaseDownload   Phase = "download"
	PhaseVerify     Phase = "verify"
	PhaseInstall    Phase = "install"
	PhaseReboot     Phase = "reboot"
	PhasePostFlight Phase = "post_flight_validation"
	PhaseComplete   Phase = "complete"
)

// ErrorRecord is one entry in the device status error log.
type ErrorRecord struct {
	Timestamp string `json:"timestamp"`
	Phase     Phase  `json:"phase"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
}

// DiskSpace records the most recent disk space check.
type DiskSpace struct {
	AvailableGB float64 `json:"available_gb"`
	RequiredGB  float64 `json:"required_gb"`
	CheckPassed bool    `json:"check_passed"`
}

// DeviceStatus is the durable record of one device's progress through
// an upgrade. The task running the device's job is its only writer.
type DeviceStatus struct {
	Serial           string        `json:"serial"`
	Hostname         string        `json:"hostname"`
	HARole           device.HARole `json:"ha_role"`
	CurrentVersion   string        `json:"current_version"`
	StartingVersion  string        `json:"starting_version,omitempty"`
	TargetVersion    string        `json:"target_version,omitempty"`
	UpgradePath      []string      `json:"upgrade_path,omitempty"`
	CurrentPathIndex int           `json:"current_path_index"`
	UpgradeStatus    Status        `json:"upgrade_status"`
	Progress         int           `json:"progress"`
	CurrentPhase     Phase         `json:"current_phase,omitempty"`
	UpgradeMessage   string        `json:"upgrade_message,omitempty"`
	DiskSpace        *DiskSpace    `json:"disk_space,omitempty"`
	Downloaded       []string      `json:"downloaded_versions"`
	Skipped          []string      `json:"skipped_versions"`
	ReadyForInstall  bool          `json:"ready_for_install"`
	SkipReason       string        `json:"skip_reason,omitempty"`
	Errors           []ErrorRecord `json:"errors"`
	LastUpdated      string        `json:"last_updated"`
}

// New returns a fresh pending status for the given serial.
func New(serial string) *DeviceStatus {
	return &DeviceStatus{
		Serial:        serial,
		Hostname:      serial,
		HARole:        device.RoleStandalone,
		UpgradeStatus: Pending,
		Downloaded:    []string{},
		Skipped:       []string{},
		Errors:        []ErrorRecord{},
		LastUpdated:   Now(),
	}
}

// AddError appends an error record and bumps the update timestamp.
func (d *DeviceStatus) AddError(phase Phase, message, details string) {
	d.Errors = append(d.Errors, ErrorRecord{
		Timestamp: Now(),
		Phase:     phase,
		Message:   message,
		Details:   details,
	})
	d.LastUpdated = Now()
}

// Resumable reports whether a loaded status represents an interrupted
// upgrade the orchestrator should pick up where it left off: it must
// be non-terminal and carry the starting version recorded on the first
// transition out of pending.
func (d *DeviceStatus) Resumable() bool {
	return !d.UpgradeStatus.Terminal() && d.StartingVersion != ""
}

// Now returns the current time in the wire format used by every
// persisted timestamp.
func Now() string {
	return WallClock.Now().UTC().Format(time.RFC3339)
}
