// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package panos talks to a single firewall appliance through its
// operational-command API. The Client interface is the capability the
// orchestrator consumes; the XML transport behind it is an
// implementation detail confined to this package.
package panos

import (
	"context"

	"github.com/panfleet/upgrader/core/device"
)

// Client is one device's operational API. All calls are synchronous
// request/response; deadlines arrive on the context. Implementations
// must be safe for use by a single upgrade task, not necessarily for
// concurrent use.
type Client interface {
	// SystemInfo returns hostname, serial, running version, model
	// and management address.
	SystemInfo(ctx context.Context) (device.SystemInfo, error)

	// HAState returns the high-availability role of the device and
	// of its peer.
	HAState(ctx context.Context) (device.HAState, error)

	// Metrics collects the validation snapshot. One operation from
	// the caller's perspective; composed from several commands
	// internally.
	Metrics(ctx context.Context) (device.Metrics, error)

	// DiskSpace returns gigabytes available on the software
	// repository partition, falling back to the root filesystem.
	DiskSpace(ctx context.Context) (float64, error)

	// RefreshSoftwareList asks the device to re-fetch its software
	// catalogue from the update servers.
	RefreshSoftwareList(ctx context.Context) error

	// SoftwareInfo returns the device's software catalogue.
	SoftwareInfo(ctx context.Context) ([]device.SoftwareImage, error)

	// DownloadStart begins downloading the given version on the
	// device and returns the device-side job id.
	DownloadStart(ctx context.Context, version string) (string, error)

	// InstallStart begins installing the given version and returns
	// the device-side job id.
	InstallStart(ctx context.Context, version string) (string, error)

	// RebootStart asks the device to restart.
	RebootStart(ctx context.Context) error

	// JobStatus reports on a device-side job by id.
	JobStatus(ctx context.Context, jobID string) (device.JobStatus, error)
}

// NewClientFunc makes a client for one device given its management
// address. Injected into the orchestrator so tests can substitute
// fakes per serial.
type NewClientFunc func(addr string) Client
