// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package watcher dispatches the file-backed queue. It watches
// queue/pending and commands/incoming, claims job files into
// queue/active with an atomic rename, hands them to the worker pool,
// and files them under queue/completed or queue/cancelled when the
// run returns. Filesystem notifications are an accelerant only; a
// periodic scan guarantees progress without them.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/naturalsort"
	"github.com/juju/worker/v4/catacomb"

	"github.com/panfleet/upgrader/core/job"
	"github.com/panfleet/upgrader/core/status"
	"github.com/panfleet/upgrader/internal/cancelset"
	"github.com/panfleet/upgrader/internal/filestore"
	"github.com/panfleet/upgrader/internal/pool"
	"github.com/panfleet/upgrader/internal/upgrader"
	"github.com/panfleet/upgrader/internal/workdir"
)

var logger = loggo.GetLogger("upgrader.watcher")

// JobRunner executes one job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, j *job.Job) error
}

// Config holds the watcher's dependencies.
type Config struct {
	Clock  clock.Clock
	Dirs   workdir.Dirs
	Pool   *pool.Pool
	Runner JobRunner
	Cancel *cancelset.Set
	// Scan is the period of the fallback queue scan.
	Scan time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Dirs.Base == "" {
		return errors.NotValidf("missing Dirs")
	}
	if c.Pool == nil {
		return errors.NotValidf("missing Pool")
	}
	if c.Runner == nil {
		return errors.NotValidf("missing Runner")
	}
	if c.Cancel == nil {
		return errors.NotValidf("missing Cancel")
	}
	if c.Scan <= 0 {
		return errors.NotValidf("scan interval %v", c.Scan)
	}
	return nil
}

// Watcher implements worker.Worker.
type Watcher struct {
	catacomb catacomb.Catacomb
	cfg      Config

	// blocked suppresses event-driven dispatch after the pool refused
	// a submission; the periodic scan retries.
	blocked bool

	mu       sync.Mutex
	inFlight map[string]bool
}

// New starts a watcher.
func New(cfg Config) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Watcher{
		cfg:      cfg,
		inFlight: make(map[string]bool),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Watcher) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Watcher) Wait() error {
	return w.catacomb.Wait()
}

func (w *Watcher) loop() error {
	var events <-chan fsnotify.Event
	var notifyErrs <-chan error
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warningf("filesystem notifications unavailable, relying on periodic scan: %v", err)
	} else {
		defer func() { _ = notify.Close() }()
		for _, dir := range []string{w.cfg.Dirs.Pending(), w.cfg.Dirs.Incoming()} {
			if err := notify.Add(dir); err != nil {
				logger.Warningf("cannot watch %s: %v", dir, err)
			}
		}
		events, notifyErrs = notify.Events, notify.Errors
	}

	w.scan(true)
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-w.cfg.Clock.After(w.cfg.Scan):
			w.scan(true)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				w.scan(false)
			}
		case err, ok := <-notifyErrs:
			if !ok {
				notifyErrs = nil
				continue
			}
			logger.Warningf("filesystem notification error: %v", err)
		}
	}
}

// scan is the single dispatch pass: consume cancel commands, resubmit
// claimed-but-unstarted jobs, then claim new pending ones. retry
// re-enables dispatch after a pool refusal; event-driven scans while
// blocked only consume commands.
func (w *Watcher) scan(retry bool) {
	w.processCommands()
	if w.blocked && !retry {
		return
	}
	w.blocked = false
	if !w.resubmitActive() {
		w.blocked = true
		return
	}
	if !w.dispatchPending() {
		w.blocked = true
	}
}

// processCommands drains commands/incoming. Every file is moved to
// commands/processed whether or not it parsed; a bad command must not
// be re-read forever.
func (w *Watcher) processCommands() {
	for _, name := range listJSON(w.cfg.Dirs.Incoming()) {
		path := filepath.Join(w.cfg.Dirs.Incoming(), name)
		var cmd job.CancelCommand
		found, err := filestore.ReadJSON(path, &cmd)
		if !found {
			continue
		}
		if err == nil {
			err = cmd.Validate()
		}
		if err != nil {
			logger.Warningf("ignoring command %s: %v", name, err)
		} else {
			w.cfg.Cancel.Add(cmd.JobID, cmd.DeviceSerial)
			logger.Infof("cancel requested for job=%q device=%q: %s", cmd.JobID, cmd.DeviceSerial, cmd.Reason)
		}
		dest := filepath.Join(w.cfg.Dirs.Processed(), name)
		if err := filestore.Move(path, dest); err != nil {
			logger.Errorf("cannot archive command %s: %v", name, err)
		}
	}
}

// resubmitActive offers every active job with no running task to the
// pool. This is how jobs claimed before a daemon restart, or refused
// by a full pool, get back onto a worker. Returns false on refusal.
func (w *Watcher) resubmitActive() bool {
	for _, name := range listJSON(w.cfg.Dirs.Active()) {
		id := strings.TrimSuffix(name, ".json")
		if w.isInFlight(id) {
			continue
		}
		path := filepath.Join(w.cfg.Dirs.Active(), name)
		j, ok := w.readJob(path)
		if !ok {
			continue
		}
		logger.Infof("resubmitting active job %s", j.ID)
		if !w.submit(j) {
			return false
		}
	}
	return true
}

// dispatchPending claims pending jobs oldest-first and submits them.
// Returns false when the pool refused one; the claim is undone so the
// job keeps its queue position.
func (w *Watcher) dispatchPending() bool {
	for _, name := range listJSON(w.cfg.Dirs.Pending()) {
		path := filepath.Join(w.cfg.Dirs.Pending(), name)
		j, ok := w.readJob(path)
		if !ok {
			continue
		}
		activePath := w.cfg.Dirs.JobFile(w.cfg.Dirs.Active(), j.ID)
		if _, err := os.Stat(activePath); err == nil {
			logger.Warningf("job %s is already active, dropping duplicate submission", j.ID)
			if err := os.Remove(path); err != nil {
				logger.Errorf("cannot remove duplicate job file %s: %v", path, err)
			}
			continue
		}
		if err := filestore.Move(path, activePath); err != nil {
			logger.Errorf("cannot claim job %s: %v", j.ID, err)
			continue
		}
		if !w.submit(j) {
			if err := filestore.Move(activePath, path); err != nil {
				logger.Errorf("cannot unclaim job %s: %v", j.ID, err)
			}
			logger.Debugf("pool full, leaving job %s pending", j.ID)
			return false
		}
		logger.Infof("dispatched job %s (%s, devices %v)", j.ID, j.Type, j.Devices)
	}
	return true
}

// submit offers the job to the pool. The job is marked in flight
// before the offer so a scan racing the task's completion cannot
// double-submit it.
func (w *Watcher) submit(j *job.Job) bool {
	w.setInFlight(j.ID, true)
	ok := w.cfg.Pool.Submit(pool.Task{
		JobID:  j.ID,
		Device: strings.Join(j.Devices, ","),
		Run: func(ctx context.Context) error {
			return w.runJob(ctx, j)
		},
	})
	if !ok {
		w.setInFlight(j.ID, false)
	}
	return ok
}

// runJob is the pool task: run to a terminal state, then file the job
// document. Only a failure to persist the outcome propagates to the
// worker; job failure and cancellation are normal terminal states.
func (w *Watcher) runJob(ctx context.Context, j *job.Job) error {
	defer w.setInFlight(j.ID, false)

	activePath := w.cfg.Dirs.JobFile(w.cfg.Dirs.Active(), j.ID)
	j.StartedAt = status.Now()
	if err := filestore.WriteJSON(activePath, j); err != nil {
		logger.Warningf("cannot stamp start of job %s: %v", j.ID, err)
	}

	runErr := w.cfg.Runner.Run(ctx, j)

	destDir := w.cfg.Dirs.Completed()
	switch {
	case runErr == nil:
		j.Status = job.StatusComplete
	case errors.Is(runErr, upgrader.ErrCancelled):
		j.Status = job.StatusCancelled
		destDir = w.cfg.Dirs.Cancelled()
		w.cfg.Cancel.Remove(j.ID)
		w.cfg.Cancel.Remove(j.Devices...)
	default:
		j.Status = job.StatusFailed
		logger.Errorf("job %s failed: %v", j.ID, runErr)
	}
	j.CompletedAt = status.Now()

	if err := filestore.WriteJSON(activePath, j); err != nil {
		return errors.Annotatef(err, "recording outcome of job %s", j.ID)
	}
	if err := filestore.Move(activePath, w.cfg.Dirs.JobFile(destDir, j.ID)); err != nil {
		return errors.Annotatef(err, "filing job %s", j.ID)
	}
	logger.Infof("job %s filed as %s", j.ID, j.Status)
	return nil
}

// readJob reads and validates a job file, setting bad ones aside so
// they are not re-read on every scan.
func (w *Watcher) readJob(path string) (*job.Job, bool) {
	var j job.Job
	found, err := filestore.ReadJSON(path, &j)
	if !found {
		return nil, false
	}
	if err == nil {
		err = j.Validate()
	}
	if err == nil && j.ID+".json" != filepath.Base(path) {
		err = errors.NotValidf("file %s naming job %q", filepath.Base(path), j.ID)
	}
	if err != nil {
		logger.Errorf("setting aside job file %s: %v", path, err)
		if renameErr := os.Rename(path, path+".invalid"); renameErr != nil {
			logger.Errorf("cannot set aside %s: %v", path, renameErr)
		}
		return nil, false
	}
	return &j, true
}

func (w *Watcher) isInFlight(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight[id]
}

func (w *Watcher) setInFlight(id string, v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if v {
		w.inFlight[id] = true
	} else {
		delete(w.inFlight, id)
	}
}

// listJSON returns the .json entries of dir in natural sort order, so
// job-2 dispatches before job-10.
func listJSON(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Errorf("cannot list %s: %v", dir, err)
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	naturalsort.Sort(names)
	return names
}
