// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package panos

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

// ReadyParams bounds a WaitReady poll.
type ReadyParams struct {
	// Timeout bounds the whole wait.
	Timeout time.Duration
	// MaxPollInterval caps the backoff between probes.
	MaxPollInterval time.Duration
	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration
}

// Validate checks the poll parameters.
func (p ReadyParams) Validate() error {
	if p.Timeout <= 0 {
		return errors.NotValidf("timeout %v", p.Timeout)
	}
	if p.MaxPollInterval <= 0 {
		return errors.NotValidf("max poll interval %v", p.MaxPollInterval)
	}
	if p.ProbeTimeout <= 0 {
		return errors.NotValidf("probe timeout %v", p.ProbeTimeout)
	}
	return nil
}

// WaitReady polls the device's system info until a well-formed
// response comes back, backing off 1.5x between probes up to the
// configured cap. Connection failures and timeouts are the expected
// answers from a rebooting device and keep the poll going; only an
// authentication failure is fatal. Returns an error when the overall
// timeout elapses or the context is cancelled first.
func WaitReady(ctx context.Context, client Client, clk clock.Clock, p ReadyParams) error {
	if err := p.Validate(); err != nil {
		return errors.Trace(err)
	}
	probe := func() error {
		pctx, cancel := context.WithTimeout(ctx, p.ProbeTimeout)
		defer cancel()
		info, err := client.SystemInfo(pctx)
		if err != nil {
			return err
		}
		logger.Debugf("device %s responding, version %s", info.Serial, info.SWVersion)
		return nil
	}
	err := retry.Call(retry.CallArgs{
		Func:        probe,
		Attempts:    retry.UnlimitedAttempts,
		MaxDuration: p.Timeout,
		Delay:       time.Second,
		BackoffFunc: retry.ExpBackoff(time.Second, p.MaxPollInterval, 1.5, false),
		Clock:       clk,
		Stop:        ctx.Done(),
		IsFatalError: func(err error) bool {
			return errors.Is(err, ErrAuth)
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Debugf("device not ready (attempt %d): %v", attempt, lastError)
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		return errors.Annotatef(err, "device not ready after %v", p.Timeout)
	}
	return nil
}
