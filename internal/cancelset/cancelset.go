// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cancelset holds the process-wide set of cancellation
// targets. The command intake adds job ids and device serials; each
// upgrade task polls for its own identifiers at its checkpoints.
// Cancellation is advisory, a hit takes effect at the task's next
// checkpoint.
package cancelset

import (
	"sync"

	"github.com/juju/collections/set"
)

// Set is a mutex-guarded set of job ids and device serials.
type Set struct {
	mu      sync.Mutex
	targets set.Strings
}

// New returns an empty set.
func New() *Set {
	return &Set{targets: set.NewStrings()}
}

// Add marks the given targets cancelled.
func (s *Set) Add(targets ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range targets {
		if t != "" {
			s.targets.Add(t)
		}
	}
}

// Remove clears targets, typically once the owning task has observed
// the cancellation.
func (s *Set) Remove(targets ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range targets {
		s.targets.Remove(t)
	}
}

// Matches reports whether any of the given targets is cancelled.
func (s *Set) Matches(targets ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range targets {
		if s.targets.Contains(t) {
			return true
		}
	}
	return false
}

// Values returns the current targets, sorted.
func (s *Set) Values() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targets.SortedValues()
}
