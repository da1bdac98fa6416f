// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package validate snapshots device health metrics before an upgrade
// and diffs them after, with configurable tolerances. Pre-flight
// gates the upgrade on disk space; post-flight only reports, the
// device being back and serving traffic is the real success
// criterion.
package validate

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"github.com/panfleet/upgrader/core/device"
	"github.com/panfleet/upgrader/internal/panos"
)

var logger = loggo.GetLogger("upgrader.validate")

// ErrInsufficientDisk is the pre-flight gate failure.
const ErrInsufficientDisk = errors.ConstError("insufficient disk space")

// Margins are the post-flight divergence tolerances. TCPSessions is a
// percentage of the pre-flight count; the route and ARP margins are
// absolute entry counts.
type Margins struct {
	TCPSessionPercent float64
	RouteCount        float64
	ARPCount          float64
}

// Config holds the validator's dependencies.
type Config struct {
	Clock clock.Clock
	// PreFlightDir and PostFlightDir receive snapshot files.
	PreFlightDir  string
	PostFlightDir string
	// MinDiskGB is the pre-flight disk gate.
	MinDiskGB float64
	Margins   Margins
	// RetryAttempts, RetryDelay and RetryBackoff shape the envelope
	// around metric collection.
	RetryAttempts int
	RetryDelay    time.Duration
	RetryBackoff  float64
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.PreFlightDir == "" || c.PostFlightDir == "" {
		return errors.NotValidf("missing snapshot directories")
	}
	if c.RetryAttempts < 1 {
		return errors.NotValidf("retry attempts %d", c.RetryAttempts)
	}
	if c.RetryBackoff < 1 {
		return errors.NotValidf("retry backoff %v", c.RetryBackoff)
	}
	return nil
}

// Validator runs pre and post-flight checks for upgrade tasks. Safe
// for concurrent use; all state lives on disk.
type Validator struct {
	cfg Config
}

// New returns a validator.
func New(cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Validator{cfg: cfg}, nil
}

// collect fetches metrics inside the configured retry envelope.
func (v *Validator) collect(ctx context.Context, client panos.Client, serial string) (device.Metrics, error) {
	var m device.Metrics
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			m, err = client.Metrics(ctx)
			return err
		},
		Attempts:    v.cfg.RetryAttempts,
		Delay:       v.cfg.RetryDelay,
		BackoffFunc: retry.ExpBackoff(v.cfg.RetryDelay, 10*v.cfg.RetryDelay, v.cfg.RetryBackoff, false),
		Clock:       v.cfg.Clock,
		Stop:        ctx.Done(),
		NotifyFunc: func(lastError error, attempt int) {
			logger.Debugf("metrics for %s failed (attempt %d): %v", serial, attempt, lastError)
		},
	})
	if err != nil {
		return device.Metrics{}, errors.Annotatef(err, "collecting metrics for %s", serial)
	}
	return m, nil
}

// PreFlight snapshots the device and applies the disk gate. The
// snapshot is persisted even when the gate fails, for forensics; the
// returned error then satisfies errors.Is(err, ErrInsufficientDisk).
func (v *Validator) PreFlight(ctx context.Context, client panos.Client, serial string) (*Snapshot, error) {
	m, err := v.collect(ctx, client, serial)
	if err != nil {
		return nil, errors.Trace(err)
	}
	snap := v.newSnapshot(serial, m)
	if err := snap.write(v.cfg.PreFlightDir); err != nil {
		return nil, errors.Annotate(err, "persisting pre-flight snapshot")
	}
	if m.DiskAvailableGB < v.cfg.MinDiskGB {
		return snap, errors.WithType(errors.Errorf(
			"%.1f GB available, %.1f GB required", m.DiskAvailableGB, v.cfg.MinDiskGB),
			ErrInsufficientDisk)
	}
	logger.Infof("pre-flight for %s passed: %.1f GB free, %d tcp sessions, %d routes, %d arp entries",
		serial, m.DiskAvailableGB, m.TCPSessions, m.RouteCount, m.ARPCount)
	return snap, nil
}

// PostFlight snapshots the device again and diffs against the most
// recent pre-flight snapshot. With no baseline on disk the report is
// a passing no-op. Collection errors are returned for logging; the
// caller must not treat them as upgrade failures.
func (v *Validator) PostFlight(ctx context.Context, client panos.Client, serial string) (*Report, error) {
	m, err := v.collect(ctx, client, serial)
	if err != nil {
		return nil, errors.Trace(err)
	}
	snap := v.newSnapshot(serial, m)
	if err := snap.write(v.cfg.PostFlightDir); err != nil {
		return nil, errors.Annotate(err, "persisting post-flight snapshot")
	}
	baseline, err := latestSnapshot(v.cfg.PreFlightDir, serial)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if baseline == nil {
		logger.Warningf("no pre-flight snapshot for %s, skipping comparison", serial)
		return &Report{Serial: serial, NoBaseline: true}, nil
	}
	report := compare(serial, baseline.Metrics, m, v.cfg.Margins)
	if report.Passed() {
		logger.Infof("post-flight for %s within margins", serial)
	} else {
		logger.Warningf("post-flight divergence for %s: %s", serial, report.Summary())
	}
	return report, nil
}

func (v *Validator) newSnapshot(serial string, m device.Metrics) *Snapshot {
	return &Snapshot{
		Timestamp: v.cfg.Clock.Now().UTC().Format(time.RFC3339),
		Serial:    serial,
		Metrics:   m,
		stamp:     v.cfg.Clock.Now().UTC().Format(stampFormat),
	}
}
