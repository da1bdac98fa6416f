// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package validate

import (
	"fmt"
	"math"
	"strings"

	"github.com/juju/collections/set"

	"github.com/panfleet/upgrader/core/device"
)

// MetricDiff is the comparison of one metric across the upgrade.
type MetricDiff struct {
	Difference   int      `json:"difference"`
	Percentage   float64  `json:"percentage"`
	WithinMargin bool     `json:"within_margin"`
	Added        []string `json:"added,omitempty"`
	Removed      []string `json:"removed,omitempty"`
}

// Report is the full post-flight comparison for one device.
type Report struct {
	Serial      string     `json:"serial"`
	NoBaseline  bool       `json:"no_baseline,omitempty"`
	TCPSessions MetricDiff `json:"tcp_sessions"`
	Routes      MetricDiff `json:"routes"`
	ARPEntries  MetricDiff `json:"arp_entries"`
}

// Passed reports whether every metric stayed within its margin.
func (r *Report) Passed() bool {
	if r.NoBaseline {
		return true
	}
	return r.TCPSessions.WithinMargin && r.Routes.WithinMargin && r.ARPEntries.WithinMargin
}

// Summary renders the out-of-margin metrics for log lines.
func (r *Report) Summary() string {
	var parts []string
	if !r.TCPSessions.WithinMargin {
		parts = append(parts, fmt.Sprintf("tcp sessions %+d (%.1f%%)",
			r.TCPSessions.Difference, r.TCPSessions.Percentage))
	}
	if !r.Routes.WithinMargin {
		parts = append(parts, fmt.Sprintf("routes %+d (added %d, removed %d)",
			r.Routes.Difference, len(r.Routes.Added), len(r.Routes.Removed)))
	}
	if !r.ARPEntries.WithinMargin {
		parts = append(parts, fmt.Sprintf("arp entries %+d (added %d, removed %d)",
			r.ARPEntries.Difference, len(r.ARPEntries.Added), len(r.ARPEntries.Removed)))
	}
	if len(parts) == 0 {
		return "all metrics within margin"
	}
	return strings.Join(parts, "; ")
}

// compare diffs post against pre under the given margins.
func compare(serial string, pre, post device.Metrics, margins Margins) *Report {
	r := &Report{Serial: serial}

	diff := post.TCPSessions - pre.TCPSessions
	var pct float64
	switch {
	case pre.TCPSessions > 0:
		pct = float64(diff) / float64(pre.TCPSessions) * 100
	case diff != 0:
		pct = 100
	}
	r.TCPSessions = MetricDiff{
		Difference:   diff,
		Percentage:   pct,
		WithinMargin: math.Abs(pct) <= margins.TCPSessionPercent,
	}

	r.Routes = keyedDiff(routeKeys(pre.Routes), routeKeys(post.Routes), margins.RouteCount)
	r.ARPEntries = keyedDiff(arpKeys(pre.ARPEntries), arpKeys(post.ARPEntries), margins.ARPCount)
	return r
}

func routeKeys(routes []device.Route) set.Strings {
	keys := set.NewStrings()
	for _, rt := range routes {
		keys.Add(rt.Key())
	}
	return keys
}

func arpKeys(entries []device.ARPEntry) set.Strings {
	keys := set.NewStrings()
	for _, e := range entries {
		keys.Add(e.Key())
	}
	return keys
}

func keyedDiff(pre, post set.Strings, margin float64) MetricDiff {
	diff := post.Size() - pre.Size()
	var pct float64
	switch {
	case pre.Size() > 0:
		pct = float64(diff) / float64(pre.Size()) * 100
	case diff != 0:
		pct = 100
	}
	return MetricDiff{
		Difference:   diff,
		Percentage:   pct,
		WithinMargin: math.Abs(float64(diff)) <= margin,
		Added:        post.Difference(pre).SortedValues(),
		Removed:      pre.Difference(post).SortedValues(),
	}
}
