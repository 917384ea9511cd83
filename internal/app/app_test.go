package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"fitgpt/internal/config"
	"fitgpt/internal/migrate"
)

func TestOpenMigratesWorkspace(t *testing.T) {
	ctx := context.Background()
	e, closeDB, err := Open(ctx, t.TempDir(), nil, nil)
	require.NoError(t, err)
	defer closeDB()

	v, err := migrate.Version(ctx, e.DB)
	require.NoError(t, err)
	require.Positive(t, v)

	// No token stored yet: the daily summary degrades instead of failing.
	s, err := e.DailySummary(ctx, "2025-07-03", true)
	require.NoError(t, err)
	require.Nil(t, s.KcalOut)
	require.True(t, s.IsEstimate)
	require.Contains(t, s.Fitbit["steps"].Error, "no valid token")
}

func TestNewTrackerRequiresBaseURL(t *testing.T) {
	cfg := config.Default()
	cfg.Tracker.APIBaseURL = ""
	_, err := NewTracker(cfg, nil, nil)
	require.Error(t, err)
}
