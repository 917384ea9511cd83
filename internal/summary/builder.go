// Package summary assembles the per-day health record and caches exact ones.
package summary

import (
	"context"
	"fmt"
	"log/slog"

	"fitgpt/internal/domain"
	"fitgpt/internal/extract"
	"fitgpt/internal/observability"
	"fitgpt/internal/reconcile"
	"fitgpt/internal/tracker"
)

// Store reads the manual entries of a date.
type Store interface {
	ListMeals(ctx context.Context, date string) ([]domain.Meal, error)
	ListWorkouts(ctx context.Context, date string) ([]domain.Workout, error)
}

// Tracker fetches wearable data.
type Tracker interface {
	Activities(ctx context.Context, date string) ([]domain.TrackedActivity, error)
	Metric(ctx context.Context, m tracker.Metric, start, end string) tracker.Result
}

// Builder produces a DailySummary from storage and the tracker.
type Builder struct {
	Store      Store
	Tracker    Tracker
	Reconciler reconcile.Reconciler
	Extractor  extract.Extractor
	Logger     *slog.Logger
}

// Build assembles the summary for date. Tracker failures degrade to absent
// fields; storage failures are returned.
func (b Builder) Build(ctx context.Context, date string) (domain.DailySummary, error) {
	meals, err := b.Store.ListMeals(ctx, date)
	if err != nil {
		return domain.DailySummary{}, fmt.Errorf("load meals for %s: %w", date, err)
	}
	manual, err := b.Store.ListWorkouts(ctx, date)
	if err != nil {
		return domain.DailySummary{}, fmt.Errorf("load workouts for %s: %w", date, err)
	}
	tracked, err := b.Tracker.Activities(ctx, date)
	if err != nil {
		b.logger().Warn("tracked activities unavailable", "date", date, "error", err)
		tracked = nil
	}
	workouts := b.Reconciler.Reconcile(date, manual, tracked)
	observability.RecordReconciled(workouts)

	raw := make(map[string]tracker.Result, len(tracker.DailyMetrics))
	blobs := make(map[string]domain.MetricBlob, len(tracker.DailyMetrics))
	for _, m := range tracker.DailyMetrics {
		res := b.Tracker.Metric(ctx, m, date, date)
		raw[m.Name] = res
		blobs[m.Name] = res.Blob()
	}

	kcalOut, estimate := b.Extractor.KcalOut(raw[tracker.Calories.Name])
	if meals == nil {
		meals = []domain.Meal{}
	}
	return domain.DailySummary{
		Date:             date,
		KcalIn:           extract.KcalIn(meals),
		KcalOut:          kcalOut,
		IsEstimate:       estimate,
		Steps:            b.Extractor.Steps(raw[tracker.Steps.Name]),
		RestingHeartRate: b.Extractor.RestingHeartRate(raw[tracker.Heart.Name]),
		Sleep:            b.Extractor.Sleep(raw[tracker.Sleep.Name]),
		HRV:              b.Extractor.HRV(raw[tracker.HRV.Name]),
		Meals:            meals,
		Workouts:         workouts,
		Fitbit:           blobs,
	}, nil
}

func (b Builder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.Logger
}
