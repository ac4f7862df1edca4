// Package config handles Lantern configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration structure for Lantern.
type Config struct {
	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Timeline settings
	Timeline TimelineConfig `yaml:"timeline" mapstructure:"timeline"`

	// View settings
	View ViewConfig `yaml:"view" mapstructure:"view"`

	// StateFile is where read markers are persisted.
	StateFile string `yaml:"state_file" mapstructure:"state_file"`

	// CachePath is the sqlite event cache; empty disables caching.
	CachePath string `yaml:"cache_path" mapstructure:"cache_path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TimelineConfig tunes the windowing and pagination engine.
type TimelineConfig struct {
	// PageSize is the remote fetch size per pagination.
	PageSize int `yaml:"page_size" mapstructure:"page_size"`

	// Step is how far the window advances per scroll request.
	Step int `yaml:"step" mapstructure:"step"`

	// SuppressMembership drops join/leave/invite/ban noise.
	SuppressMembership bool `yaml:"suppress_membership" mapstructure:"suppress_membership"`

	// SuppressProfileChanges drops pure display-name/avatar changes.
	SuppressProfileChanges bool `yaml:"suppress_profile_changes" mapstructure:"suppress_profile_changes"`
}

// ViewConfig tunes the scroll reconciler.
type ViewConfig struct {
	// NearTopPx triggers backward pagination when the scroll offset from
	// the top falls under it.
	NearTopPx int `yaml:"near_top_px" mapstructure:"near_top_px"`

	// NearBottomPx triggers forward pagination and auto-mark-read when the
	// offset from the bottom falls under it.
	NearBottomPx int `yaml:"near_bottom_px" mapstructure:"near_bottom_px"`

	// AvgEventHeightPx estimates rendered event height for capacity math.
	AvgEventHeightPx int `yaml:"avg_event_height_px" mapstructure:"avg_event_height_px"`

	// Overscan multiplies viewport capacity so fast scrolling does not
	// starve the window.
	Overscan float64 `yaml:"overscan" mapstructure:"overscan"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".local", "share", "lantern")
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Timeline: TimelineConfig{
			PageSize:           50,
			Step:               50,
			SuppressMembership: false,
		},
		View: ViewConfig{
			NearTopPx:        200,
			NearBottomPx:     200,
			AvgEventHeightPx: 40,
			Overscan:         2.0,
		},
		StateFile: filepath.Join(stateDir, "lantern-state.json"),
		CachePath: filepath.Join(stateDir, "events.db"),
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Timeline.PageSize <= 0 {
		return fmt.Errorf("timeline.page_size must be positive, got %d", c.Timeline.PageSize)
	}
	if c.Timeline.Step <= 0 {
		return fmt.Errorf("timeline.step must be positive, got %d", c.Timeline.Step)
	}
	if c.View.AvgEventHeightPx <= 0 {
		return fmt.Errorf("view.avg_event_height_px must be positive, got %d", c.View.AvgEventHeightPx)
	}
	if c.View.Overscan < 1 {
		return fmt.Errorf("view.overscan must be at least 1, got %g", c.View.Overscan)
	}
	return nil
}

// Load reads configuration with precedence: defaults < config file < env.
// path may be empty to use the default search locations.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("lantern")
	v.SetConfigType("yaml")
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		v.AddConfigPath(filepath.Join(xdg, "lantern"))
	}
	if home, _ := os.UserHomeDir(); home != "" {
		v.AddConfigPath(filepath.Join(home, ".config", "lantern"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("LANTERN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("timeline.page_size", cfg.Timeline.PageSize)
	v.SetDefault("timeline.step", cfg.Timeline.Step)
	v.SetDefault("timeline.suppress_membership", cfg.Timeline.SuppressMembership)
	v.SetDefault("timeline.suppress_profile_changes", cfg.Timeline.SuppressProfileChanges)
	v.SetDefault("view.near_top_px", cfg.View.NearTopPx)
	v.SetDefault("view.near_bottom_px", cfg.View.NearBottomPx)
	v.SetDefault("view.avg_event_height_px", cfg.View.AvgEventHeightPx)
	v.SetDefault("view.overscan", cfg.View.Overscan)
	v.SetDefault("state_file", cfg.StateFile)
	v.SetDefault("cache_path", cfg.CachePath)
}
