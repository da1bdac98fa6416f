// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package devicejob waits for asynchronous jobs running on a device,
// download or install, to reach a terminal state. It surfaces stalls,
// tolerates the status-query flaps a busy device produces, and fans
// progress out to the caller.
package devicejob

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/panfleet/upgrader/internal/panos"
)

var logger = loggo.GetLogger("upgrader.devicejob")

const (
	// ErrAborted means the abort channel fired during a poll sleep.
	ErrAborted = errors.ConstError("job wait aborted")
	// ErrWaitTimeout means the overall deadline elapsed with the job
	// still running.
	ErrWaitTimeout = errors.ConstError("job wait timed out")
)

// Outcome classifies how a device job ended.
type Outcome int

const (
	// Success: the device reported FIN/OK.
	Success Outcome = iota
	// Failed: the device reported a terminal non-OK result.
	Failed
	// Stalled: progress did not advance within the stall timeout.
	Stalled
)

// Result is the terminal report for one device job.
type Result struct {
	Outcome  Outcome
	Progress int
	Details  string
}

// Config parameterizes one Wait call.
type Config struct {
	Client panos.Client
	Clock  clock.Clock
	JobID  string
	// PollInterval is the fixed delay between status queries.
	PollInterval time.Duration
	// StallTimeout aborts the wait when progress stops advancing.
	StallTimeout time.Duration
	// Timeout bounds the whole wait.
	Timeout time.Duration
	// Progress, when set, is invoked only on strict increases.
	Progress func(int)
	// Abort stops the wait at the next poll sleep.
	Abort <-chan struct{}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Client == nil {
		return errors.NotValidf("missing Client")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.JobID == "" {
		return errors.NotValidf("missing JobID")
	}
	if c.PollInterval <= 0 {
		return errors.NotValidf("poll interval %v", c.PollInterval)
	}
	if c.StallTimeout <= 0 {
		return errors.NotValidf("stall timeout %v", c.StallTimeout)
	}
	if c.Timeout <= 0 {
		return errors.NotValidf("timeout %v", c.Timeout)
	}
	return nil
}

// Wait polls the job until it finishes, stalls, or the deadline
// passes. Status-query errors keep the poll going, they are expected
// while the device is busy, except for authentication failures which
// are never going to clear.
func Wait(ctx context.Context, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, errors.Trace(err)
	}
	var (
		deadline     = cfg.Clock.Now().Add(cfg.Timeout)
		lastProgress = -1
		lastAdvance  = cfg.Clock.Now()
	)
	for {
		js, err := cfg.Client.JobStatus(ctx, cfg.JobID)
		switch {
		case err == nil:
			if js.Finished() {
				if js.Succeeded() {
					logger.Debugf("job %s finished ok", cfg.JobID)
					return Result{Outcome: Success, Progress: 100, Details: js.Details}, nil
				}
				logger.Infof("job %s failed: %s", cfg.JobID, js.Details)
				return Result{Outcome: Failed, Progress: js.Progress, Details: js.Details}, nil
			}
			if js.Progress > lastProgress {
				lastProgress = js.Progress
				lastAdvance = cfg.Clock.Now()
				if cfg.Progress != nil {
					cfg.Progress(js.Progress)
				}
			}
		case errors.Is(err, panos.ErrAuth):
			return Result{}, errors.Trace(err)
		default:
			logger.Debugf("job %s status query failed, continuing: %v", cfg.JobID, err)
		}

		now := cfg.Clock.Now()
		if now.Sub(lastAdvance) >= cfg.StallTimeout {
			progress := lastProgress
			if progress < 0 {
				progress = 0
			}
			logger.Warningf("job %s stalled at %d%%", cfg.JobID, progress)
			return Result{Outcome: Stalled, Progress: progress}, nil
		}
		if now.After(deadline) {
			return Result{}, errors.WithType(
				errors.Errorf("job %s still running after %v", cfg.JobID, cfg.Timeout),
				ErrWaitTimeout)
		}

		select {
		case <-cfg.Clock.After(cfg.PollInterval):
		case <-ctx.Done():
			return Result{}, errors.Trace(ctx.Err())
		case <-cfg.Abort:
			return Result{}, errors.WithType(
				errors.Errorf("job %s wait aborted", cfg.JobID), ErrAborted)
		}
	}
}
