package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 60*time.Second, cfg.CacheTTL())
	require.Equal(t, 30*time.Minute, cfg.Window())
	require.Equal(t, 64, cfg.Cache.MaxEntries)
	require.Equal(t, []string{"https://chat.openai.com"}, cfg.Server.CORSOrigins)
}

func TestLoadOptionalMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "Europe/Stockholm", cfg.Timezone)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	data := []byte("timezone: UTC\ncache:\n  ttl_seconds: 5\nreconcile:\n  merge_threshold: 0.9\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), data, 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, time.UTC, cfg.Location())
	require.Equal(t, 5*time.Second, cfg.CacheTTL())
	require.Equal(t, 64, cfg.Cache.MaxEntries)
	require.Equal(t, 0.9, cfg.Reconcile.MergeThreshold)
	require.Equal(t, 0.6, cfg.Reconcile.LabelInName)
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := FromYAML([]byte("timezone: Mars/Olympus\n"))
	require.Error(t, err)
	_, err = FromYAML([]byte("cache:\n  ttl_seconds: 0\n"))
	require.Error(t, err)
	_, err = FromYAML([]byte("reconcile:\n  close_tolerance: 0.5\n  near_tolerance: 0.1\n"))
	require.Error(t, err)
	_, err = FromYAML([]byte("webhooks:\n  - events: [meal.logged]\n"))
	require.Error(t, err)
	_, err = Load(t.TempDir())
	require.Error(t, err)
}
