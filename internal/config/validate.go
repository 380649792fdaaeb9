package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/groupcast/groupcast/internal/consts"
)

// Scheduler defaults. The pacing window between targets is a deliberate
// rate limit on outbound posts, not a tuning artifact.
const (
	DefaultSweepIntervalSec    = 15
	DefaultMinTargetDelaySec   = 60
	DefaultMaxTargetDelaySec   = 120
	DefaultRetryDelayMinutes   = 30
	DefaultInterJobCooldownSec = 5
	DefaultRecentGuardSec      = 300
	DefaultTargetTimeoutSec    = 300
	DefaultQueueCapacity       = 32
)

// Validate normalizes the config in place, substituting defaults for
// missing or invalid values.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}

	c.Store.DataDir = strings.TrimSpace(c.Store.DataDir)
	if c.Store.DataDir == "" {
		c.Store.DataDir = consts.DefaultDataDir()
	}
	c.Store.KeyFile = strings.TrimSpace(c.Store.KeyFile)
	if c.Store.KeyFile == "" {
		c.Store.KeyFile = consts.DefaultKeyPath()
	}

	s := &c.Scheduler
	if s.SweepIntervalSec <= 0 {
		s.SweepIntervalSec = DefaultSweepIntervalSec
	}
	if s.MinTargetDelaySec <= 0 {
		s.MinTargetDelaySec = DefaultMinTargetDelaySec
	}
	if s.MaxTargetDelaySec <= 0 {
		s.MaxTargetDelaySec = DefaultMaxTargetDelaySec
	}
	// An inverted pacing window is rejected outright; the safe defaults
	// substitute rather than failing startup.
	if s.MinTargetDelaySec > s.MaxTargetDelaySec {
		s.MinTargetDelaySec = DefaultMinTargetDelaySec
		s.MaxTargetDelaySec = DefaultMaxTargetDelaySec
	}
	if s.RetryDelayMinutes <= 0 {
		s.RetryDelayMinutes = DefaultRetryDelayMinutes
	}
	if s.InterJobCooldownSec <= 0 {
		s.InterJobCooldownSec = DefaultInterJobCooldownSec
	}
	if s.RecentGuardSec <= 0 {
		s.RecentGuardSec = DefaultRecentGuardSec
	}
	if s.TargetTimeoutSec <= 0 {
		s.TargetTimeoutSec = DefaultTargetTimeoutSec
	}
	if s.QueueCapacity <= 0 {
		s.QueueCapacity = DefaultQueueCapacity
	}

	c.Poster.Type = strings.ToLower(strings.TrimSpace(c.Poster.Type))
	if c.Poster.Type == "" {
		c.Poster.Type = "telegram"
	}
	switch c.Poster.Type {
	case "telegram":
	default:
		return fmt.Errorf("unsupported poster type: %s", c.Poster.Type)
	}

	if c.API.Enabled {
		c.API.Bind = strings.TrimSpace(c.API.Bind)
		if c.API.Bind == "" {
			c.API.Bind = "127.0.0.1:8420"
		}
		if c.API.RequestTimeoutSec <= 0 {
			c.API.RequestTimeoutSec = 30
		}
	}

	return nil
}
