package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"fitgpt/internal/config"
	"fitgpt/internal/domain"
	"fitgpt/internal/events"
	"fitgpt/internal/extract"
	"fitgpt/internal/reconcile"
	"fitgpt/internal/repo"
	"fitgpt/internal/summary"
	"fitgpt/internal/tracker"
)

// MaxRangeDays bounds multi-day requests.
const MaxRangeDays = 31

// Tracker is the wearable client used by the engine.
type Tracker interface {
	summary.Tracker
	AuthorizeURL() string
	Exchange(ctx context.Context, code string) (domain.Token, error)
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Tracker Tracker
	Summary summary.Service
	Logger  *slog.Logger
	Now     func() time.Time
}

// New wires an engine over db. A nil cfg uses the defaults.
func New(db *sql.DB, cfg *config.Config, tr Tracker, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := repo.Repo{DB: db}
	builder := summary.Builder{
		Store:      r,
		Tracker:    tr,
		Reconciler: NewReconciler(cfg, logger),
		Extractor:  extract.Extractor{Logger: logger.With("component", "extract")},
		Logger:     logger.With("component", "summary"),
	}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Tracker: tr,
		Summary: summary.Service{
			Builder: builder,
			Cache:   summary.NewCache(cfg.CacheTTL(), cfg.Cache.MaxEntries),
			Logger:  logger.With("component", "summary"),
		},
		Logger: logger.With("component", "engine"),
		Now:    time.Now,
	}
}

// NewReconciler builds a reconciler from the configured thresholds.
func NewReconciler(cfg *config.Config, logger *slog.Logger) reconcile.Reconciler {
	rc := cfg.Reconcile
	return reconcile.Reconciler{
		Window: cfg.Window(),
		Weights: reconcile.Weights{
			LabelInName:     rc.LabelInName,
			NameInLabel:     rc.NameInLabel,
			DurationClose:   rc.DurationClose,
			DurationNear:    rc.DurationNear,
			CloseTolerance:  rc.CloseTolerance,
			NearTolerance:   rc.NearTolerance,
			MergeThreshold:  rc.MergeThreshold,
			SingleThreshold: rc.SingleThreshold,
		},
		Location: cfg.Location(),
		Logger:   logger.With("component", "reconcile"),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Today returns the current date in the configured timezone.
func (e Engine) Today() string {
	return e.now().In(e.Config.Location()).Format(domain.DateLayout)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

// ValidateDate rejects anything but a YYYY-MM-DD calendar date.
func ValidateDate(date string) error {
	if !domain.ValidDate(date) {
		return fmt.Errorf("invalid date %q: expected YYYY-MM-DD", date)
	}
	return nil
}

// withTx runs fn in a transaction and commits when it succeeds.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// refresh drops the cached summaries of the touched dates and rebuilds the
// last one.
func (e Engine) refresh(ctx context.Context, dates ...string) (domain.DailySummary, error) {
	for _, d := range dates {
		e.Summary.Invalidate(d)
	}
	daily, err := e.Summary.Get(ctx, dates[len(dates)-1], true)
	if err != nil {
		return domain.DailySummary{}, fmt.Errorf("rebuild summary: %w", err)
	}
	return daily, nil
}

// MealInput is the user-supplied part of a meal entry.
type MealInput struct {
	Date              string
	Meal              string
	Items             string
	EstimatedCalories *int
}

func (in MealInput) validate() error {
	if err := ValidateDate(in.Date); err != nil {
		return err
	}
	if strings.TrimSpace(in.Meal) == "" {
		return errors.New("meal is required")
	}
	if in.EstimatedCalories != nil && *in.EstimatedCalories < 0 {
		return errors.New("invalid estimated_calories: must not be negative")
	}
	return nil
}

type MealResult struct {
	Meal  domain.Meal
	Daily domain.DailySummary
}

// LogMeal stores a meal under its date/name id, replacing an earlier entry
// with the same id, and returns the rebuilt summary.
func (e Engine) LogMeal(ctx context.Context, in MealInput) (MealResult, error) {
	if err := in.validate(); err != nil {
		return MealResult{}, err
	}
	meal := domain.Meal{Date: in.Date, Meal: strings.TrimSpace(in.Meal), Items: in.Items, EstimatedCalories: in.EstimatedCalories}
	// The id may already belong to a meal that was moved to another date;
	// the upsert pulls it back, so that date goes stale too.
	var dates []string
	prev, err := e.Repo.GetMeal(ctx, repo.MealID(meal.Date, meal.Meal))
	switch {
	case err == nil:
		dates = append(dates, prev.Date)
	case !errors.Is(err, repo.ErrNotFound):
		return MealResult{}, err
	}
	var stored domain.Meal
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if stored, err = e.Repo.PutMealTx(ctx, tx, meal); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.MealLogged, stored.Date, "meal", stored.ID, events.EventPayload{
			"meal": stored.Meal, "estimated_calories": stored.EstimatedCalories,
		})
	})
	if err != nil {
		return MealResult{}, err
	}
	daily, err := e.refresh(ctx, append(dates, stored.Date)...)
	return MealResult{Meal: stored, Daily: daily}, err
}

// UpdateMeal replaces the meal stored under id.
func (e Engine) UpdateMeal(ctx context.Context, id string, in MealInput) (MealResult, error) {
	if err := in.validate(); err != nil {
		return MealResult{}, err
	}
	prev, err := e.Repo.GetMeal(ctx, id)
	if err != nil {
		return MealResult{}, err
	}
	meal := domain.Meal{ID: id, Date: in.Date, Meal: strings.TrimSpace(in.Meal), Items: in.Items, EstimatedCalories: in.EstimatedCalories, CreatedAt: prev.CreatedAt}
	var stored domain.Meal
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if stored, err = e.Repo.PutMealTx(ctx, tx, meal); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.MealUpdated, stored.Date, "meal", id, events.EventPayload{
			"previous_date": prev.Date, "estimated_calories": stored.EstimatedCalories,
		})
	})
	if err != nil {
		return MealResult{}, err
	}
	daily, err := e.refresh(ctx, prev.Date, stored.Date)
	return MealResult{Meal: stored, Daily: daily}, err
}

// DeleteMeal removes a meal and invalidates its date.
func (e Engine) DeleteMeal(ctx context.Context, id string) error {
	prev, err := e.Repo.GetMeal(ctx, id)
	if err != nil {
		return err
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteMealTx(ctx, tx, id); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.MealDeleted, prev.Date, "meal", id, nil)
	})
	if err != nil {
		return err
	}
	e.Summary.Invalidate(prev.Date)
	return nil
}

// Meals lists the meals of a date.
func (e Engine) Meals(ctx context.Context, date string) ([]domain.Meal, error) {
	if err := ValidateDate(date); err != nil {
		return nil, err
	}
	return e.Repo.ListMeals(ctx, date)
}

// WorkoutInput is the user-supplied part of a workout entry.
type WorkoutInput struct {
	Date      string
	Type      string
	Details   string
	StartTime string
}

func (in WorkoutInput) validate() error {
	if err := ValidateDate(in.Date); err != nil {
		return err
	}
	if strings.TrimSpace(in.Type) == "" {
		return errors.New("type is required")
	}
	return nil
}

type WorkoutResult struct {
	Workout           domain.Workout
	NeedsConfirmation bool
	Daily             domain.DailySummary
}

// LogWorkout stores a manual workout. Without a start time the engine tries
// to borrow one from a confidently matching tracked activity; when none is
// found the result asks for confirmation.
func (e Engine) LogWorkout(ctx context.Context, in WorkoutInput) (WorkoutResult, error) {
	if err := in.validate(); err != nil {
		return WorkoutResult{}, err
	}
	w := domain.Workout{
		ID:        uuid.NewString(),
		Date:      in.Date,
		Type:      strings.TrimSpace(in.Type),
		Details:   in.Details,
		StartTime: strings.TrimSpace(in.StartTime),
	}
	confirm := false
	if w.StartTime == "" {
		w.StartTime, confirm = e.InferStartTime(ctx, w)
	}
	var stored domain.Workout
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if stored, err = e.Repo.InsertWorkoutTx(ctx, tx, w); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.WorkoutLogged, stored.Date, "workout", stored.ID, events.EventPayload{
			"type": stored.Type, "start_time": stored.StartTime, "needs_confirmation": confirm,
		})
	})
	if err != nil {
		return WorkoutResult{}, err
	}
	daily, err := e.refresh(ctx, stored.Date)
	return WorkoutResult{Workout: stored, NeedsConfirmation: confirm, Daily: daily}, err
}

// InferStartTime scores the day's tracked activities against w. It returns
// the matched local start time, or "" and true when the match is too weak.
func (e Engine) InferStartTime(ctx context.Context, w domain.Workout) (string, bool) {
	tracked, err := e.Tracker.Activities(ctx, w.Date)
	if err != nil {
		e.logger().Warn("start time inference skipped", "date", w.Date, "error", err)
		return "", true
	}
	weights := NewReconciler(e.Config, e.logger()).Weights
	match, ok := reconcile.BestMatch(reconcile.ManualProjection{Type: w.Type, Details: w.Details}, reconcile.Candidates(tracked), weights)
	if !ok {
		return "", true
	}
	confident := match.Score >= weights.MergeThreshold ||
		(match.Score >= weights.SingleThreshold && len(tracked) == 1)
	start := match.Candidate.Activity.LocalStart()
	if !confident || start == "" {
		return "", true
	}
	return start, false
}

// UpdateWorkout replaces the stored fields of a workout.
func (e Engine) UpdateWorkout(ctx context.Context, id string, in WorkoutInput) (WorkoutResult, error) {
	if err := in.validate(); err != nil {
		return WorkoutResult{}, err
	}
	prev, err := e.Repo.GetWorkout(ctx, id)
	if err != nil {
		return WorkoutResult{}, err
	}
	w := domain.Workout{ID: id, Date: in.Date, Type: strings.TrimSpace(in.Type), Details: in.Details, StartTime: strings.TrimSpace(in.StartTime)}
	var stored domain.Workout
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if stored, err = e.Repo.PutWorkoutTx(ctx, tx, w); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.WorkoutUpdated, stored.Date, "workout", id, events.EventPayload{
			"previous_date": prev.Date, "type": stored.Type, "start_time": stored.StartTime,
		})
	})
	if err != nil {
		return WorkoutResult{}, err
	}
	daily, err := e.refresh(ctx, prev.Date, stored.Date)
	return WorkoutResult{Workout: stored, Daily: daily}, err
}

// DeleteWorkout removes a workout and invalidates its date.
func (e Engine) DeleteWorkout(ctx context.Context, id string) error {
	prev, err := e.Repo.GetWorkout(ctx, id)
	if err != nil {
		return err
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteWorkoutTx(ctx, tx, id); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.WorkoutDeleted, prev.Date, "workout", id, nil)
	})
	if err != nil {
		return err
	}
	e.Summary.Invalidate(prev.Date)
	return nil
}

// Workouts lists the manual workouts of a date.
func (e Engine) Workouts(ctx context.Context, date string) ([]domain.Workout, error) {
	if err := ValidateDate(date); err != nil {
		return nil, err
	}
	return e.Repo.ListWorkouts(ctx, date)
}

// DailySummary returns the summary for date, today when date is empty.
func (e Engine) DailySummary(ctx context.Context, date string, fresh bool) (domain.DailySummary, error) {
	if date == "" {
		date = e.Today()
	}
	if err := ValidateDate(date); err != nil {
		return domain.DailySummary{}, err
	}
	return e.Summary.Get(ctx, date, fresh)
}

// Extended is the raw tracker data for a date range.
type Extended struct {
	From     string            `json:"from" format:"date"`
	To       string            `json:"to" format:"date"`
	Steps    domain.MetricBlob `json:"steps"`
	Calories domain.MetricBlob `json:"calories"`
	Sleep    domain.MetricBlob `json:"sleep"`
	Heart    domain.MetricBlob `json:"heart"`
	Weight   domain.MetricBlob `json:"weight"`
	HRV      domain.MetricBlob `json:"hrv"`
}

// ExtendedFull holds one summary per day of a range.
type ExtendedFull struct {
	From string                         `json:"from" format:"date"`
	To   string                         `json:"to" format:"date"`
	Days map[string]domain.DailySummary `json:"days"`
}

// Range returns the dates of the days-long window ending today, oldest first.
func (e Engine) Range(days int) ([]string, error) {
	if days < 1 || days > MaxRangeDays {
		return nil, fmt.Errorf("invalid days %d: must be between 1 and %d", days, MaxRangeDays)
	}
	today, err := time.Parse(domain.DateLayout, e.Today())
	if err != nil {
		return nil, err
	}
	dates := make([]string, days)
	for i := 0; i < days; i++ {
		dates[i] = today.AddDate(0, 0, i-days+1).Format(domain.DateLayout)
	}
	return dates, nil
}

// Extended fetches every daily metric for targetDate, or for the days-long
// window ending today when targetDate is empty.
func (e Engine) Extended(ctx context.Context, days int, targetDate string) (Extended, error) {
	var start, end string
	if targetDate != "" {
		if err := ValidateDate(targetDate); err != nil {
			return Extended{}, err
		}
		start, end = targetDate, targetDate
	} else {
		dates, err := e.Range(days)
		if err != nil {
			return Extended{}, err
		}
		start, end = dates[0], dates[len(dates)-1]
	}
	fetch := func(m tracker.Metric) domain.MetricBlob {
		return e.Tracker.Metric(ctx, m, start, end).Blob()
	}
	return Extended{
		From:     start,
		To:       end,
		Steps:    fetch(tracker.Steps),
		Calories: fetch(tracker.Calories),
		Sleep:    fetch(tracker.Sleep),
		Heart:    fetch(tracker.Heart),
		Weight:   fetch(tracker.Weight),
		HRV:      fetch(tracker.HRV),
	}, nil
}

// ExtendedFull builds the summary of every day in the window ending today.
func (e Engine) ExtendedFull(ctx context.Context, days int, fresh bool) (ExtendedFull, error) {
	dates, err := e.Range(days)
	if err != nil {
		return ExtendedFull{}, err
	}
	out := ExtendedFull{From: dates[0], To: dates[len(dates)-1], Days: make(map[string]domain.DailySummary, len(dates))}
	for _, d := range dates {
		s, err := e.Summary.Get(ctx, d, fresh)
		if err != nil {
			return ExtendedFull{}, err
		}
		out.Days[d] = s
	}
	return out, nil
}

// Metric proxies a single tracker metric for one date.
func (e Engine) Metric(ctx context.Context, name, date string) (domain.MetricBlob, error) {
	m, ok := tracker.MetricByName(name)
	if !ok {
		return domain.MetricBlob{}, fmt.Errorf("invalid metric %q", name)
	}
	if err := ValidateDate(date); err != nil {
		return domain.MetricBlob{}, err
	}
	return e.Tracker.Metric(ctx, m, date, date).Blob(), nil
}

// Profile returns the stored user profile.
func (e Engine) Profile(ctx context.Context) (map[string]any, error) {
	return e.Repo.GetProfile(ctx)
}

// SetProfile replaces the stored user profile.
func (e Engine) SetProfile(ctx context.Context, profile map[string]any) error {
	if profile == nil {
		return errors.New("profile body must be a JSON object")
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.PutProfileTx(ctx, tx, profile); err != nil {
			return err
		}
		keys := make([]string, 0, len(profile))
		for k := range profile {
			keys = append(keys, k)
		}
		return e.Events.Append(ctx, tx, events.ProfileUpdated, "", "profile", "", events.EventPayload{"keys": keys})
	})
}

// AuthorizeURL returns the tracker consent page.
func (e Engine) AuthorizeURL() string {
	return e.Tracker.AuthorizeURL()
}

// LinkTracker exchanges an OAuth code and stores the resulting token.
func (e Engine) LinkTracker(ctx context.Context, code string) (domain.Token, error) {
	tok, err := e.Tracker.Exchange(ctx, code)
	if err != nil {
		return domain.Token{}, fmt.Errorf("tracker authorization failed: %w", err)
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Events.Append(ctx, tx, events.TrackerLinked, "", "tracker", tok.UserID, events.EventPayload{"scope": tok.Scope})
	})
	return tok, err
}

// CreateAPIKey mints a key for the X-Api-Key header. Only its hash is stored;
// the plain key is returned once.
func (e Engine) CreateAPIKey(ctx context.Context, name string) (string, domain.APIKey, error) {
	plain := "fgk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("store api key: %w", err)
	}
	return plain, key, nil
}
