// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package device holds the types shared between the inventory, the
// device client and the upgrade orchestration: what a managed firewall
// looks like, what its operational API reports, and what a device-side
// job looks like while it runs.
package device

// HARole describes a device's place in a high-availability pair.
type HARole string

const (
	RoleActive     HARole = "active"
	RolePassive    HARole = "passive"
	RoleStandalone HARole = "standalone"
	RoleUnknown    HARole = "unknown"
)

// Record is a single inventory entry, keyed by serial number.
type Record struct {
	Serial         string `json:"serial"`
	Hostname       string `json:"hostname"`
	MgmtIP         string `json:"mgmt_ip"`
	CurrentVersion string `json:"current_version"`
	Model          string `json:"model"`
	HARole         HARole `json:"ha_role,omitempty"`
	PeerSerial     string `json:"peer_serial,omitempty"`
	DiscoveredAt   string `json:"discovered_at,omitempty"`
}

// SystemInfo is the response to the system info operational command.
type SystemInfo struct {
	Hostname  string
	Serial    string
	SWVersion string
	Model     string
	MgmtIP    string
}

// HAState is the response to the high-availability state command.
type HAState struct {
	Enabled    bool
	LocalState HARole
	PeerState  HARole
	PeerSerial string
}

// Route is one routing table entry. Identity for validation diffs is
// destination|gateway|interface.
type Route struct {
	Destination string `json:"destination"`
	Gateway     string `json:"gateway"`
	Interface   string `json:"interface"`
}

// Key returns the identity key used when diffing routing tables.
func (r Route) Key() string {
	return r.Destination + "|" + r.Gateway + "|" + r.Interface
}

// ARPEntry is one ARP table entry. Identity for diffs is ip|mac.
type ARPEntry struct {
	IP        string `json:"ip"`
	MAC       string `json:"mac"`
	Interface string `json:"interface"`
}

// Key returns the identity key used when diffing ARP tables.
func (a ARPEntry) Key() string {
	return a.IP + "|" + a.MAC
}

// Metrics is the validation snapshot taken before and after an
// upgrade. It is a single operation from the caller's perspective even
// though the client composes it from several commands.
type Metrics struct {
	TCPSessions     int        `json:"tcp_sessions"`
	Routes          []Route    `json:"routes"`
	RouteCount      int        `json:"route_count"`
	ARPEntries      []ARPEntry `json:"arp_entries"`
	ARPCount        int        `json:"arp_count"`
	DiskAvailableGB float64    `json:"disk_available_gb"`
}

// SoftwareImage is one entry from the device's software catalogue.
type SoftwareImage struct {
	Version    string
	Filename   string
	SizeBytes  int64
	Downloaded bool
	Current    bool
	SHA256     string
}

// JobState is the device-side lifecycle of an asynchronous job.
type JobState string

const (
	JobPending JobState = "PEND"
	JobActive  JobState = "ACT"
	JobDone    JobState = "FIN"
)

// JobResult is the device-side outcome of a finished job.
type JobResult string

const (
	ResultPending JobResult = "PEND"
	ResultOK      JobResult = "OK"
	ResultFail    JobResult = "FAIL"
)

// JobStatus is a point-in-time report on a device-side job, as
// returned by the jobs query.
type JobStatus struct {
	ID       string
	Status   JobState
	Result   JobResult
	Progress int
	Details  string
}

// Finished reports whether the job has reached a terminal state.
func (j JobStatus) Finished() bool {
	return j.Status == JobDone
}

// Succeeded reports whether the job finished with an OK result.
func (j JobStatus) Succeeded() bool {
	return j.Status == JobDone && j.Result == ResultOK
}
