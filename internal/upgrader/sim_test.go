// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrader_test

import (
	"context"
	"strconv"
	"sync"

	"github.com/juju/errors"

	"github.com/panfleet/upgrader/core/device"
	"github.com/panfleet/upgrader/internal/panos"
)

// sim models one firewall well enough to drive the state machine:
// a software catalogue, asynchronous download/install jobs that
// advance on each status poll, and a reboot that drops the
// management API for a couple of probes.
type sim struct {
	mu sync.Mutex

	serial   string
	hostname string
	version  string
	haRole   device.HARole
	disk     float64

	images map[string]*device.SoftwareImage

	jobs      map[string]*simJob
	nextJobID int

	// afterReboot is the version the device comes back with.
	afterReboot string
	// downProbes is how many SystemInfo calls fail after a reboot.
	downProbes int

	// failDownloads[v] makes that many download jobs for v fail
	// before one succeeds.
	failDownloads map[string]int
	// failStarts[v] makes that many download start requests for v be
	// refused outright, before any device job exists.
	failStarts map[string]int
	// ghostDownloads lists versions whose download jobs report OK
	// without the catalogue ever marking the image present.
	ghostDownloads map[string]bool

	// onJobPoll fires on every job status query, before the answer
	// is computed.
	onJobPoll func(kind, version string, poll int)

	// events is a shared, ordered record across all sims in a test.
	events   *[]string
	eventsMu *sync.Mutex
}

type simJob struct {
	kind    string
	version string
	polls   int
	fail    bool
}

func newSim(serial, version string, disk float64, events *[]string, eventsMu *sync.Mutex) *sim {
	return &sim{
		serial:         serial,
		hostname:       "fw-" + serial,
		version:        version,
		disk:           disk,
		images:         map[string]*device.SoftwareImage{},
		jobs:           map[string]*simJob{},
		failDownloads:  map[string]int{},
		failStarts:     map[string]int{},
		ghostDownloads: map[string]bool{},
		events:         events,
		eventsMu:       eventsMu,
	}
}

func (s *sim) addImage(version string, downloaded bool) {
	s.images[version] = &device.SoftwareImage{
		Version:    version,
		Filename:   "PanOS-" + version,
		SizeBytes:  450 * 1024 * 1024,
		Downloaded: downloaded,
	}
}

func (s *sim) record(event string) {
	if s.events == nil {
		return
	}
	s.eventsMu.Lock()
	*s.events = append(*s.events, event)
	s.eventsMu.Unlock()
}

func (s *sim) SystemInfo(context.Context) (device.SystemInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.downProbes > 0 {
		s.downProbes--
		return device.SystemInfo{}, errors.WithType(errors.New("management plane down"), panos.ErrConnect)
	}
	return device.SystemInfo{
		Hostname:  s.hostname,
		Serial:    s.serial,
		SWVersion: s.version,
		Model:     "PA-220",
		MgmtIP:    "10.0.0.1",
	}, nil
}

func (s *sim) HAState(context.Context) (device.HAState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haRole == "" || s.haRole == device.RoleStandalone {
		return device.HAState{Enabled: false, LocalState: device.RoleStandalone}, nil
	}
	peer := device.RoleActive
	if s.haRole == device.RoleActive {
		peer = device.RolePassive
	}
	return device.HAState{Enabled: true, LocalState: s.haRole, PeerState: peer}, nil
}

func (s *sim) Metrics(context.Context) (device.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return device.Metrics{
		TCPSessions: 1000,
		Routes: []device.Route{
			{Destination: "0.0.0.0/0", Gateway: "10.0.0.1", Interface: "ethernet1/1"},
		},
		RouteCount:      1,
		DiskAvailableGB: s.disk,
	}, nil
}

func (s *sim) DiskSpace(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disk, nil
}

func (s *sim) RefreshSoftwareList(context.Context) error {
	s.record("refresh:" + s.serial)
	return nil
}

func (s *sim) SoftwareInfo(context.Context) ([]device.SoftwareImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []device.SoftwareImage
	for _, img := range s.images {
		out = append(out, *img)
	}
	return out, nil
}

func (s *sim) startJob(kind, version string, fail bool) string {
	s.nextJobID++
	id := strconv.Itoa(s.nextJobID)
	s.jobs[id] = &simJob{kind: kind, version: version, fail: fail}
	return id
}

func (s *sim) DownloadStart(_ context.Context, version string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[version]; !ok {
		return "", errors.WithType(errors.Errorf("no such version %s", version), panos.ErrNotFound)
	}
	if s.failStarts[version] > 0 {
		s.failStarts[version]--
		return "", errors.WithType(errors.Errorf("download of %s refused", version), panos.ErrConnect)
	}
	fail := false
	if s.failDownloads[version] > 0 {
		s.failDownloads[version]--
		fail = true
	}
	s.record("download:" + s.serial + ":" + version)
	return s.startJob("download", version, fail), nil
}

func (s *sim) InstallStart(_ context.Context, version string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("install:" + s.serial + ":" + version)
	return s.startJob("install", version, false), nil
}

func (s *sim) RebootStart(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("reboot:" + s.serial)
	if s.afterReboot != "" {
		s.version = s.afterReboot
	}
	s.downProbes = 2
	return nil
}

func (s *sim) JobStatus(_ context.Context, jobID string) (device.JobStatus, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return device.JobStatus{}, errors.WithType(errors.Errorf("job %s", jobID), panos.ErrNotFound)
	}
	job.polls++
	poll, kind, version, fail := job.polls, job.kind, job.version, job.fail
	progress := poll * 40
	if progress >= 100 {
		progress = 100
		if kind == "download" && !fail && !s.ghostDownloads[version] {
			s.images[version].Downloaded = true
		}
	}
	s.mu.Unlock()

	if s.onJobPoll != nil {
		s.onJobPoll(kind, version, poll)
	}
	if progress < 100 {
		return device.JobStatus{
			ID: jobID, Status: device.JobActive, Result: device.ResultPending, Progress: progress,
		}, nil
	}
	result := device.ResultOK
	details := kind + " of " + version + " succeeded"
	if fail {
		result = device.ResultFail
		details = kind + " of " + version + " failed on device"
	}
	return device.JobStatus{
		ID: jobID, Status: device.JobDone, Result: result, Progress: 100, Details: details,
	}, nil
}

var _ panos.Client = (*sim)(nil)
