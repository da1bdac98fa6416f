// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package panostest provides a scriptable fake device client for
// tests in the packages that consume one.
package panostest

import (
	"context"

	jujutesting "github.com/juju/testing"

	"github.com/panfleet/upgrader/core/device"
	"github.com/panfleet/upgrader/internal/panos"
)

// Fake implements panos.Client. Each operation records a call on the
// Stub and delegates to the matching Fn field when set; unset
// operations return zero values and the Stub's next error.
type Fake struct {
	Stub *jujutesting.Stub

	SystemInfoFn   func(context.Context) (device.SystemInfo, error)
	HAStateFn      func(context.Context) (device.HAState, error)
	MetricsFn      func(context.Context) (device.Metrics, error)
	DiskSpaceFn    func(context.Context) (float64, error)
	RefreshFn      func(context.Context) error
	SoftwareInfoFn func(context.Context) ([]device.SoftwareImage, error)
	DownloadFn     func(context.Context, string) (string, error)
	InstallFn      func(context.Context, string) (string, error)
	RebootFn       func(context.Context) error
	JobStatusFn    func(context.Context, string) (device.JobStatus, error)
}

// New returns a fake recording calls on the given stub.
func New(stub *jujutesting.Stub) *Fake {
	if stub == nil {
		stub = &jujutesting.Stub{}
	}
	return &Fake{Stub: stub}
}

func (f *Fake) SystemInfo(ctx context.Context) (device.SystemInfo, error) {
	f.Stub.AddCall("SystemInfo")
	if f.SystemInfoFn != nil {
		return f.SystemInfoFn(ctx)
	}
	return device.SystemInfo{}, f.Stub.NextErr()
}

func (f *Fake) HAState(ctx context.Context) (device.HAState, error) {
	f.Stub.AddCall("HAState")
	if f.HAStateFn != nil {
		return f.HAStateFn(ctx)
	}
	return device.HAState{}, f.Stub.NextErr()
}

func (f *Fake) Metrics(ctx context.Context) (device.Metrics, error) {
	f.Stub.AddCall("Metrics")
	if f.MetricsFn != nil {
		return f.MetricsFn(ctx)
	}
	return device.Metrics{}, f.Stub.NextErr()
}

func (f *Fake) DiskSpace(ctx context.Context) (float64, error) {
	f.Stub.AddCall("DiskSpace")
	if f.DiskSpaceFn != nil {
		return f.DiskSpaceFn(ctx)
	}
	return 0, f.Stub.NextErr()
}

func (f *Fake) RefreshSoftwareList(ctx context.Context) error {
	f.Stub.AddCall("RefreshSoftwareList")
	if f.RefreshFn != nil {
		return f.RefreshFn(ctx)
	}
	return f.Stub.NextErr()
}

func (f *Fake) SoftwareInfo(ctx context.Context) ([]device.SoftwareImage, error) {
	f.Stub.AddCall("SoftwareInfo")
	if f.SoftwareInfoFn != nil {
		return f.SoftwareInfoFn(ctx)
	}
	return nil, f.Stub.NextErr()
}

func (f *Fake) DownloadStart(ctx context.Context, version string) (string, error) {
	f.Stub.AddCall("DownloadStart", version)
	if f.DownloadFn != nil {
		return f.DownloadFn(ctx, version)
	}
	return "", f.Stub.NextErr()
}

func (f *Fake) InstallStart(ctx context.Context, version string) (string, error) {
	f.Stub.AddCall("InstallStart", version)
	if f.InstallFn != nil {
		return f.InstallFn(ctx, version)
	}
	return "", f.Stub.NextErr()
}

func (f *Fake) RebootStart(ctx context.Context) error {
	f.Stub.AddCall("RebootStart")
	if f.RebootFn != nil {
		return f.RebootFn(ctx)
	}
	return f.Stub.NextErr()
}

func (f *Fake) JobStatus(ctx context.Context, jobID string) (device.JobStatus, error) {
	f.Stub.AddCall("JobStatus", jobID)
	if f.JobStatusFn != nil {
		return f.JobStatusFn(ctx, jobID)
	}
	return device.JobStatus{}, f.Stub.NextErr()
}

var _ panos.Client = (*Fake)(nil)
