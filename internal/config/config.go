package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	ProjectRoot string `toml:"project_root"`
	LogDir      string `toml:"log_dir"`
}

// Tier describes one quality/cost profile in the generation tier table.
type Tier struct {
	TextModel   string  `toml:"text_model"`
	ImageModel  string  `toml:"image_model"`
	VideoModel  string  `toml:"video_model"`
	AudioModel  string  `toml:"audio_model"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
}

// Tiers is the configured tier table. Exactly two profiles are recognized:
// draft (cheap/fast) and final (quality).
type Tiers struct {
	Draft Tier `toml:"draft"`
	Final Tier `toml:"final"`
}

// TextGen contains connection settings for the text-generation provider.
type TextGen struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// MediaGen contains connection settings for the media-generation provider.
type MediaGen struct {
	APIKey          string `toml:"api_key"`
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	PollSeconds     int    `toml:"poll_seconds"`
	PredictTimeout  int    `toml:"predict_timeout"`
	DownloadTimeout int    `toml:"download_timeout"`
}

// Embeddings contains connection settings for the prompt-embedding provider.
type Embeddings struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Assets contains configuration for the content-addressable asset cache.
type Assets struct {
	// ReuseThreshold is the cosine similarity at or above which a cached
	// asset is offered as a reuse candidate. Default: 0.85
	ReuseThreshold float64 `toml:"reuse_threshold"`
}

// Scheduler contains configuration for the background regeneration loop.
type Scheduler struct {
	Enabled          bool `toml:"enabled"`
	PollInterval     int  `toml:"poll_interval"`
	DispatchParallel int  `toml:"dispatch_parallel"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for storyforge.
//
// Configuration sections by subsystem:
//   - Paths: project root and log directory
//   - Tiers: the draft/final generation tier table
//   - TextGen: text-generation provider connection
//   - MediaGen: media-generation provider connection
//   - Embeddings: prompt-embedding provider connection
//   - Assets: asset cache reuse threshold
//   - Scheduler: background regeneration polling
//   - Logging: log format and level
type Config struct {
	Paths      Paths      `toml:"paths"`
	Tiers      Tiers      `toml:"tiers"`
	TextGen    TextGen    `toml:"textgen"`
	MediaGen   MediaGen   `toml:"mediagen"`
	Embeddings Embeddings `toml:"embeddings"`
	Assets     Assets     `toml:"assets"`
	Scheduler  Scheduler  `toml:"scheduler"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/storyforge/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.ProjectRoot, err = expandPath(c.Paths.ProjectRoot); err != nil {
		return fmt.Errorf("expand project_root: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("expand log_dir: %w", err)
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	return nil
}

// EnsureDirectories creates the directories the store and cache rely on.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.ProjectRoot, c.Paths.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteSample writes the embedded sample configuration to the given path.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	return filepath.Abs(trimmed)
}
