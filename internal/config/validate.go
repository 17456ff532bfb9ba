package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateTiers(); err != nil {
		return err
	}
	if err := c.validateAssets(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.ProjectRoot == "" {
		return errors.New("paths.project_root must be set")
	}
	return nil
}

func (c *Config) validateTiers() error {
	for name, tier := range map[string]Tier{"draft": c.Tiers.Draft, "final": c.Tiers.Final} {
		if tier.TextModel == "" {
			return fmt.Errorf("tiers.%s.text_model must be set", name)
		}
		if tier.MaxTokens <= 0 {
			return fmt.Errorf("tiers.%s.max_tokens must be positive", name)
		}
		if tier.Temperature < 0 || tier.Temperature > 2 {
			return fmt.Errorf("tiers.%s.temperature must be between 0 and 2", name)
		}
	}
	return nil
}

func (c *Config) validateAssets() error {
	if c.Assets.ReuseThreshold < 0 || c.Assets.ReuseThreshold > 1 {
		return errors.New("assets.reuse_threshold must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.PollInterval <= 0 {
		return errors.New("scheduler.poll_interval must be positive")
	}
	if c.Scheduler.DispatchParallel <= 0 {
		return errors.New("scheduler.dispatch_parallel must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
