// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package throttle bounds the rate of outbound API requests. The
// daemon shares one limiter across every device client it builds, so
// parallel upgrades contend for a single request budget. A nil
// limiter leaves a client unthrottled.
package throttle

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/ratelimit"
)

// Limiter is a token bucket refilled continuously at a per-minute
// rate. Safe for concurrent use.
type Limiter struct {
	bucket *ratelimit.Bucket
}

// New returns a limiter admitting perMinute requests per minute, with
// burst capacity of one second's worth of tokens (minimum one).
func New(perMinute int) (*Limiter, error) {
	if perMinute <= 0 {
		return nil, errors.NotValidf("rate limit %d/minute", perMinute)
	}
	perSecond := float64(perMinute) / 60.0
	capacity := int64(perSecond)
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		bucket: ratelimit.NewBucketWithRate(perSecond, capacity),
	}, nil
}

// Acquire takes one token. When blocking it waits for availability
// and always returns true; otherwise it returns whether a token was
// available immediately.
func (l *Limiter) Acquire(blocking bool) bool {
	if blocking {
		l.bucket.Wait(1)
		return true
	}
	return l.bucket.TakeAvailable(1) == 1
}

// WaitTime reports how long a blocking Acquire would sleep right now.
func (l *Limiter) WaitTime() time.Duration {
	return l.bucket.Take(0)
}
