package service

import (
	"time"
)

// Config controls run timeouts and the per-subscription lease.
type Config struct {
	RunTimeout   time.Duration
	SweepTimeout time.Duration
	LockTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunTimeout:   5 * time.Minute,
		SweepTimeout: time.Minute,
		LockTTL:      2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = defaults.SweepTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
