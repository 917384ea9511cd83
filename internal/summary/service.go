package summary

import (
	"context"
	"log/slog"

	"fitgpt/internal/domain"
)

// Service serves daily summaries through the cache.
type Service struct {
	Builder Builder
	Cache   *Cache
	Logger  *slog.Logger
}

// Get returns the summary for date. fresh skips the cache read; the rebuilt
// summary is still stored when it is exact.
func (s Service) Get(ctx context.Context, date string, fresh bool) (domain.DailySummary, error) {
	if !fresh {
		if cached, ok := s.Cache.Get(date); ok {
			return cached, nil
		}
	}
	built, err := s.Builder.Build(ctx, date)
	if err != nil {
		return domain.DailySummary{}, err
	}
	if !s.Cache.Store(built) && s.Logger != nil {
		s.Logger.Debug("summary not cached", "date", date, "reason", "estimate")
	}
	return built, nil
}

// Invalidate drops the cached summary after a write to date.
func (s Service) Invalidate(date string) {
	s.Cache.Invalidate(date)
}
