package testsupport

import (
	"path/filepath"
	"testing"

	"storyforge/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.ProjectRoot = filepath.Join(base, "project")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.TextGen.APIKey = "test"
	cfg.MediaGen.APIKey = "test"
	cfg.Embeddings.APIKey = "test"
	cfg.Scheduler.Enabled = false

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithReuseThreshold overrides the asset reuse similarity floor.
func WithReuseThreshold(threshold float64) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Assets.ReuseThreshold = threshold
	}
}
