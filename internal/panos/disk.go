// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package panos

import (
	"strconv"
	"strings"
)

// diskMounts are checked in priority order: the software repository
// partition holds the images, the root filesystem is the fallback.
var diskMounts = []string{"/opt/panrepo", "/"}

// ParseDiskAvail extracts gigabytes available from the df-style text
// the device returns for its disk-space command. Unparseable input
// yields 0 rather than an error; the pre-flight disk check then fails
// with a number the operator can see.
func ParseDiskAvail(text string) float64 {
	lines := strings.Split(text, "\n")
	for _, mount := range diskMounts {
		for _, line := range lines {
			trimmed := strings.TrimRight(line, " \t\r")
			if trimmed == "" || strings.HasPrefix(trimmed, "Filesystem") {
				continue
			}
			// Anchor on whitespace before the mount so that
			// "/opt/panrepo_backup" never matches "/opt/panrepo".
			if !strings.HasSuffix(trimmed, " "+mount) {
				continue
			}
			fields := strings.Fields(trimmed)
			if len(fields) < 4 {
				continue
			}
			return parseSize(fields[3])
		}
	}
	return 0
}

// parseSize converts a df size cell to gigabytes. Suffixes G, M, K
// and T are accepted; a bare number is taken as bytes.
func parseSize(cell string) float64 {
	if cell == "" {
		return 0
	}
	suffix := cell[len(cell)-1]
	numeric := cell[:len(cell)-1]
	switch suffix {
	case 'G', 'g':
	case 'M', 'm':
	case 'K', 'k':
	case 'T', 't':
	default:
		numeric = cell
		suffix = 'B'
	}
	value, err := strconv.ParseFloat(numeric, 64)
	if err != nil {
		return 0
	}
	switch suffix {
	case 'G', 'g':
		return value
	case 'M', 'm':
		return value / 1024
	case 'K', 'k':
		return value / (1024 * 1024)
	case 'T', 't':
		return value * 1024
	default:
		return value / (1024 * 1024 * 1024)
	}
}
