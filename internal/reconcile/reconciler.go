package reconcile

import (
	"log/slog"
	"strings"
	"time"

	"fitgpt/internal/domain"
)

// DefaultWindow is how close a manual start time must be to a tracked start
// for the two to be merged without scoring.
const DefaultWindow = 30 * time.Minute

var manualLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Reconciler merges manual workout entries with tracked activities.
type Reconciler struct {
	Window   time.Duration
	Weights  Weights
	Location *time.Location
	Logger   *slog.Logger
}

// New returns a Reconciler with the reference window and weights.
func New(loc *time.Location) Reconciler {
	return Reconciler{Window: DefaultWindow, Weights: DefaultWeights(), Location: loc}
}

// partition hands the tracked list from pass to pass. Claiming moves a
// candidate from unclaimed to claimed; unclaimed keeps collaborator order.
type partition struct {
	claimed   []Candidate
	unclaimed []Candidate
}

func (p partition) claim(pos int) (Candidate, partition) {
	c := p.unclaimed[pos]
	rest := make([]Candidate, 0, len(p.unclaimed)-1)
	rest = append(rest, p.unclaimed[:pos]...)
	rest = append(rest, p.unclaimed[pos+1:]...)
	claimed := make([]Candidate, 0, len(p.claimed)+1)
	claimed = append(claimed, p.claimed...)
	claimed = append(claimed, c)
	return c, partition{claimed: claimed, unclaimed: rest}
}

// Reconcile returns the merged workout timeline for date. Entries with a
// start time come first, then entries matched by score, then tracked
// activities nobody claimed. Inputs are never modified.
func (r Reconciler) Reconcile(date string, manual []domain.Workout, tracked []domain.TrackedActivity) []domain.MergedWorkout {
	pool := partition{unclaimed: Candidates(tracked)}
	var timed, untimed []domain.Workout
	for _, m := range manual {
		if strings.TrimSpace(m.StartTime) != "" {
			timed = append(timed, m)
		} else {
			untimed = append(untimed, m)
		}
	}

	out := make([]domain.MergedWorkout, 0, len(manual)+len(tracked))
	var merged []domain.MergedWorkout
	merged, pool = r.matchByTime(date, timed, pool)
	out = append(out, merged...)
	merged, pool = r.matchByScore(date, untimed, pool)
	out = append(out, merged...)
	for _, c := range pool.unclaimed {
		out = append(out, fromTracked(date, c.Activity))
	}
	return out
}

func (r Reconciler) matchByTime(date string, entries []domain.Workout, pool partition) ([]domain.MergedWorkout, partition) {
	out := make([]domain.MergedWorkout, 0, len(entries))
	for _, m := range entries {
		ts, err := r.parseManual(m.StartTime)
		if err != nil {
			r.logger().Debug("unparseable manual start time",
				"workout_id", m.ID, "start_time", m.StartTime, "error", err)
			out = append(out, fromManual(date, m))
			continue
		}
		manualClock := wallClock(ts)
		pos := -1
		for i, c := range pool.unclaimed {
			if c.Activity.Start.IsZero() {
				continue
			}
			if absDuration(wallClock(c.Activity.Start).Sub(manualClock)) < r.window() {
				pos = i
				break
			}
		}
		if pos < 0 {
			out = append(out, fromManual(date, m))
			continue
		}
		var c Candidate
		c, pool = pool.claim(pos)
		out = append(out, overlay(fromTracked(date, c.Activity), m))
	}
	return out, pool
}

func (r Reconciler) matchByScore(date string, entries []domain.Workout, pool partition) ([]domain.MergedWorkout, partition) {
	out := make([]domain.MergedWorkout, 0, len(entries))
	for _, m := range entries {
		match, ok := BestMatch(ManualProjection{Type: m.Type, Details: m.Details}, pool.unclaimed, r.Weights)
		if !ok || match.Score < r.Weights.MergeThreshold {
			rec := fromManual(date, m)
			rec.NeedsConfirmation = true
			out = append(out, rec)
			continue
		}
		var c Candidate
		c, pool = pool.claim(match.Pos)
		m.StartTime = c.Activity.LocalStart()
		out = append(out, overlay(fromTracked(date, c.Activity), m))
	}
	return out, pool
}

func (r Reconciler) parseManual(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	loc := r.Location
	if loc == nil {
		loc = time.Local
	}
	var err error
	for _, layout := range manualLayouts {
		var ts time.Time
		ts, err = time.ParseInLocation(layout, s, loc)
		if err == nil {
			return ts, nil
		}
	}
	return time.Time{}, err
}

func (r Reconciler) window() time.Duration {
	if r.Window <= 0 {
		return DefaultWindow
	}
	return r.Window
}

func (r Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Logger
}

func fromManual(date string, m domain.Workout) domain.MergedWorkout {
	return overlay(domain.MergedWorkout{Date: date, Source: domain.SourceManual}, m)
}

func fromTracked(date string, a domain.TrackedActivity) domain.MergedWorkout {
	return domain.MergedWorkout{
		Date:              date,
		Type:              a.ActivityName,
		StartTime:         a.LocalStart(),
		LogID:             a.LogID,
		ActivityName:      a.ActivityName,
		OriginalStartTime: a.OriginalStartTime,
		DurationMs:        a.DurationMs,
		Calories:          a.Calories,
		Steps:             a.Steps,
		AverageHeartRate:  a.AverageHeartRate,
		Source:            domain.SourceFitbit,
	}
}

// overlay copies the manual fields over rec; manual values always win.
func overlay(rec domain.MergedWorkout, m domain.Workout) domain.MergedWorkout {
	rec.ID = m.ID
	if m.Date != "" {
		rec.Date = m.Date
	}
	if m.Type != "" {
		rec.Type = m.Type
	}
	if m.Details != "" {
		rec.Details = m.Details
	}
	if m.StartTime != "" {
		rec.StartTime = m.StartTime
	}
	if rec.Source == domain.SourceFitbit {
		rec.Source = domain.SourceMerged
	}
	return rec
}

// wallClock drops the offset of t and keeps its local reading. Tracked starts
// are in the device offset and manual starts are naive, so both sides are
// compared as wall-clock readings.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
