// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config loads and validates the orchestrator configuration
// from <work_dir>/config/config.json. On first run the file is
// written back populated with defaults so operators have something
// concrete to edit. Interval and timeout values are stored as seconds
// in the file and exposed as durations.
package config

import (
	"time"

	"github.com/juju/errors"

	"github.com/panfleet/upgrader/internal/filestore"
)

const maxWorkers = 50

// Workers configures the upgrade worker pool.
type Workers struct {
	Max       int `json:"max"`
	QueueSize int `json:"queue_size"`
}

// Panorama configures the shared API request budget.
type Panorama struct {
	// RateLimit is the token-bucket refill rate per minute shared by
	// every API request the daemon issues.
	RateLimit int `json:"rate_limit"`
}

// Firewall configures deadlines for direct device operations, all in
// seconds.
type Firewall struct {
	SoftwareCheckTimeout  int `json:"software_check_timeout"`
	SoftwareInfoTimeout   int `json:"software_info_timeout"`
	DownloadTimeout       int `json:"download_timeout"`
	UpgradeTimeout        int `json:"upgrade_timeout"`
	MaxRebootPollInterval int `json:"max_reboot_poll_interval"`
}

// Discovery configures inventory enrichment.
type Discovery struct {
	RetryAttempts int `json:"retry_attempts"`
}

// Validation configures pre/post-flight margins and the retry
// envelope around metric collection.
type Validation struct {
	// TCPSessionMargin is a percentage; the route and ARP margins are
	// absolute entry counts.
	TCPSessionMargin float64 `json:"tcp_session_margin"`
	RouteMargin      float64 `json:"route_margin"`
	ARPMargin        float64 `json:"arp_margin"`
	MinDiskGB        float64 `json:"min_disk_gb"`
	RetryAttempts    int     `json:"retry_attempts"`
	RetryDelay       int     `json:"retry_delay"`
	RetryBackoff     float64 `json:"retry_backoff"`
}

// Config is the full configuration surface consumed by the daemon.
type Config struct {
	Workers    Workers    `json:"workers"`
	Panorama   Panorama   `json:"panorama"`
	Firewall   Firewall   `json:"firewall"`
	Discovery  Discovery  `json:"discovery"`
	Validation Validation `json:"validation"`

	RebootInitialDelay       int `json:"reboot_initial_delay"`
	RebootReadyTimeout       int `json:"reboot_ready_timeout"`
	RebootStabilizationDelay int `json:"reboot_stabilization_delay"`

	JobStallTimeout       int `json:"job_stall_timeout"`
	JobPollInterval       int `json:"job_poll_interval"`
	DownloadRetryAttempts int `json:"download_retry_attempts"`

	// ScanInterval drives the periodic queue rescan; StatusInterval
	// drives daemon/worker status republication.
	ScanInterval   int `json:"scan_interval"`
	StatusInterval int `json:"status_interval"`

	LogLevel string `json:"log_level"`
}

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		Workers:  Workers{Max: 5, QueueSize: 100},
		Panorama: Panorama{RateLimit: 10},
		Firewall: Firewall{
			SoftwareCheckTimeout:  300,
			SoftwareInfoTimeout:   60,
			DownloadTimeout:       3600,
			UpgradeTimeout:        3600,
			MaxRebootPollInterval: 60,
		},
		Discovery: Discovery{RetryAttempts: 3},
		Validation: Validation{
			TCPSessionMargin: 5.0,
			RouteMargin:      0.0,
			ARPMargin:        0.0,
			MinDiskGB:        5.0,
			RetryAttempts:    3,
			RetryDelay:       5,
			RetryBackoff:     2.0,
		},
		RebootInitialDelay:       30,
		RebootReadyTimeout:       600,
		RebootStabilizationDelay: 10,
		JobStallTimeout:          300,
		JobPollInterval:          5,
		DownloadRetryAttempts:    3,
		ScanInterval:             5,
		StatusInterval:           5,
		LogLevel:                 "INFO",
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.Workers.Max < 1 || c.Workers.Max > maxWorkers {
		return errors.NotValidf("workers.max %d (want 1..%d)", c.Workers.Max, maxWorkers)
	}
	if c.Workers.QueueSize < 1 {
		return errors.NotValidf("workers.queue_size %d", c.Workers.QueueSize)
	}
	if c.Panorama.RateLimit < 1 {
		return errors.NotValidf("panorama.rate_limit %d", c.Panorama.RateLimit)
	}
	if c.Validation.MinDiskGB < 0 {
		return errors.NotValidf("validation.min_disk_gb %v", c.Validation.MinDiskGB)
	}
	if c.Validation.RetryAttempts < 1 {
		return errors.NotValidf("validation.retry_attempts %d", c.Validation.RetryAttempts)
	}
	if c.JobStallTimeout < 1 {
		return errors.NotValidf("job_stall_timeout %d", c.JobStallTimeout)
	}
	if c.JobPollInterval < 1 {
		return errors.NotValidf("job_poll_interval %d", c.JobPollInterval)
	}
	if c.DownloadRetryAttempts < 1 {
		return errors.NotValidf("download_retry_attempts %d", c.DownloadRetryAttempts)
	}
	if c.RebootReadyTimeout < 1 {
		return errors.NotValidf("reboot_ready_timeout %d", c.RebootReadyTimeout)
	}
	if c.ScanInterval < 1 || c.StatusInterval < 1 {
		return errors.NotValidf("scan_interval %d / status_interval %d", c.ScanInterval, c.StatusInterval)
	}
	return nil
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) SoftwareCheckTimeout() time.Duration { return secs(c.Firewall.SoftwareCheckTimeout) }
func (c *Config) SoftwareInfoTimeout() time.Duration  { return secs(c.Firewall.SoftwareInfoTimeout) }
func (c *Config) DownloadTimeout() time.Duration      { return secs(c.Firewall.DownloadTimeout) }
func (c *Config) UpgradeTimeout() time.Duration       { return secs(c.Firewall.UpgradeTimeout) }
func (c *Config) MaxRebootPoll() time.Duration        { return secs(c.Firewall.MaxRebootPollInterval) }
func (c *Config) RebootInitial() time.Duration        { return secs(c.RebootInitialDelay) }
func (c *Config) RebootReady() time.Duration          { return secs(c.RebootReadyTimeout) }
func (c *Config) RebootStabilization() time.Duration  { return secs(c.RebootStabilizationDelay) }
func (c *Config) StallTimeout() time.Duration         { return secs(c.JobStallTimeout) }
func (c *Config) PollInterval() time.Duration         { return secs(c.JobPollInterval) }
func (c *Config) ValidationRetryDelay() time.Duration { return secs(c.Validation.RetryDelay) }
func (c *Config) Scan() time.Duration                 { return secs(c.ScanInterval) }
func (c *Config) Status() time.Duration               { return secs(c.StatusInterval) }

// Load reads the configuration at path. A missing file writes the
// defaults back and returns them; a present file is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	found, err := filestore.ReadJSON(path, &cfg)
	if err != nil {
		return Config{}, errors.Trace(err)
	}
	if !found {
		if err := filestore.WriteJSON(path, cfg); err != nil {
			return Config{}, errors.Annotate(err, "writing default config")
		}
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}
