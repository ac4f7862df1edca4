package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 50, cfg.Timeline.PageSize)
	require.Equal(t, 2.0, cfg.View.Overscan)
	require.NotEmpty(t, cfg.StateFile)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero page size", func(c *Config) { c.Timeline.PageSize = 0 }},
		{"negative step", func(c *Config) { c.Timeline.Step = -1 }},
		{"zero event height", func(c *Config) { c.View.AvgEventHeightPx = 0 }},
		{"overscan below one", func(c *Config) { c.View.Overscan = 0.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lantern.yaml")
	payload := `
logging:
  level: debug
timeline:
  page_size: 25
  suppress_membership: true
view:
  near_top_px: 300
state_file: /tmp/test-state.json
`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 25, cfg.Timeline.PageSize)
	require.True(t, cfg.Timeline.SuppressMembership)
	require.Equal(t, 300, cfg.View.NearTopPx)
	require.Equal(t, "/tmp/test-state.json", cfg.StateFile)

	// Unspecified keys keep their defaults.
	require.Equal(t, 50, cfg.Timeline.Step)
	require.Equal(t, 200, cfg.View.NearBottomPx)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lantern.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeline:\n  page_size: -4\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "page_size")
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
