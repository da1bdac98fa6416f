// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pool runs upgrade tasks on a fixed set of workers draining
// a bounded queue. Submission is non-blocking so the queue watcher is
// never stalled by a busy fleet; callers see the refusal and leave
// the job in the pending directory for a later scan.
package pool

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	"github.com/panfleet/upgrader/core/job"
	"github.com/panfleet/upgrader/core/status"
)

var logger = loggo.GetLogger("upgrader.pool")

// Task is one unit of work: a job callback plus the identifiers shown
// in worker status.
type Task struct {
	JobID  string
	Device string
	// Run executes the task. The context dies when the pool is
	// killed. A non-nil return marks the worker's last-task state as
	// errored; task-level outcomes (job failed, job cancelled) are
	// the callback's own business and should return nil.
	Run func(ctx context.Context) error
}

// Config holds the pool's dependencies.
type Config struct {
	Workers   int
	QueueSize int
	Clock     clock.Clock
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return errors.NotValidf("worker count %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return errors.NotValidf("queue size %d", c.QueueSize)
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	return nil
}

// Pool implements worker.Worker.
type Pool struct {
	tomb  tomb.Tomb
	cfg   Config
	queue chan Task

	mu       sync.Mutex
	statuses []job.WorkerStatus
}

// New starts a pool.
func New(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	p := &Pool{
		cfg:      cfg,
		queue:    make(chan Task, cfg.QueueSize),
		statuses: make([]job.WorkerStatus, cfg.Workers),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.setStatus(i, job.WorkerIdle, Task{})
		i := i
		p.tomb.Go(func() error {
			return p.loop(i)
		})
	}
	return p, nil
}

// Kill is part of the worker.Worker interface.
func (p *Pool) Kill() {
	p.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (p *Pool) Wait() error {
	return p.tomb.Wait()
}

// Submit offers a task to the queue without blocking. A false return
// means the queue is full or the pool is shutting down; the caller
// must back off and retry later.
func (p *Pool) Submit(t Task) bool {
	select {
	case <-p.tomb.Dying():
		return false
	default:
	}
	select {
	case p.queue <- t:
		return true
	default:
		return false
	}
}

// Statuses returns a snapshot of every worker's status.
func (p *Pool) Statuses() []job.WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]job.WorkerStatus, len(p.statuses))
	copy(out, p.statuses)
	return out
}

func (p *Pool) setStatus(id int, state job.WorkerState, t Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[id] = job.WorkerStatus{
		ID:        id,
		State:     state,
		JobID:     t.JobID,
		Device:    t.Device,
		UpdatedAt: status.Now(),
	}
}

func (p *Pool) loop(id int) error {
	ctx := p.tomb.Context(context.Background())
	for {
		select {
		case <-p.tomb.Dying():
			return tomb.ErrDying
		case t := <-p.queue:
			p.setStatus(id, job.WorkerBusy, t)
			logger.Debugf("worker %d: running job %s (%s)", id, t.JobID, t.Device)
			if err := t.Run(ctx); err != nil {
				logger.Errorf("worker %d: job %s: %v", id, t.JobID, err)
				p.setStatus(id, job.WorkerError, t)
				continue
			}
			p.setStatus(id, job.WorkerIdle, Task{})
		}
	}
}
