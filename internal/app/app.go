// Package app wires a workspace into a ready engine.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"fitgpt/internal/config"
	"fitgpt/internal/db"
	"fitgpt/internal/engine"
	"fitgpt/internal/migrate"
	"fitgpt/internal/repo"
	"fitgpt/internal/tracker"
)

// Open migrates the workspace database and returns an engine backed by the
// Fitbit client. The returned func closes the database.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (engine.Engine, func() error, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	tr, err := NewTracker(cfg, repo.Repo{DB: conn}, logger)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	return engine.New(conn, cfg, tr, logger), conn.Close, nil
}

// NewTracker builds the Fitbit client from the tracker section of cfg.
func NewTracker(cfg *config.Config, tokens tracker.TokenStore, logger *slog.Logger) (*tracker.Client, error) {
	tc := cfg.Tracker
	timeout := time.Duration(tc.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client, err := tracker.New(tracker.Config{
		ClientID:     tc.ClientID,
		ClientSecret: tc.ClientSecret,
		RedirectURI:  tc.RedirectURI,
		Scope:        tc.Scope,
		APIBaseURL:   tc.APIBaseURL,
		AuthorizeURL: tc.AuthorizeURL,
		TokenURL:     tc.TokenURL,
	}, tokens,
		tracker.WithHTTPClient(&http.Client{Timeout: timeout}),
		tracker.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("tracker client: %w", err)
	}
	return client, nil
}
