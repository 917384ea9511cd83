package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fitgpt/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) conn(tx *sql.Tx) dbtx {
	if tx != nil {
		return tx
	}
	return r.DB
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// MealID derives the storage id of a meal: one entry per meal name and day.
func MealID(date, meal string) string {
	return date + "-" + strings.ToLower(strings.TrimSpace(meal))
}

const mealColumns = `id,date,meal,items,estimated_calories,created_at,updated_at`

func scanMeal(scan func(dest ...any) error) (domain.Meal, error) {
	var m domain.Meal
	var kcal sql.NullInt64
	if err := scan(&m.ID, &m.Date, &m.Meal, &m.Items, &kcal, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return m, err
	}
	if kcal.Valid {
		v := int(kcal.Int64)
		m.EstimatedCalories = &v
	}
	return m, nil
}

// PutMealTx inserts or replaces a meal, keeping the original created_at.
func (r Repo) PutMealTx(ctx context.Context, tx *sql.Tx, m domain.Meal) (domain.Meal, error) {
	if m.ID == "" {
		m.ID = MealID(m.Date, m.Meal)
	}
	ts := now()
	if m.CreatedAt == "" {
		m.CreatedAt = ts
	}
	m.UpdatedAt = ts
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO meals(`+mealColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET date=excluded.date, meal=excluded.meal, items=excluded.items,
estimated_calories=excluded.estimated_calories, updated_at=excluded.updated_at`,
		m.ID, m.Date, m.Meal, m.Items, nullableIntPtr(m.EstimatedCalories), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return domain.Meal{}, fmt.Errorf("put meal: %w", err)
	}
	return r.getMeal(ctx, r.conn(tx), m.ID)
}

func (r Repo) PutMeal(ctx context.Context, m domain.Meal) (domain.Meal, error) {
	return r.PutMealTx(ctx, nil, m)
}

func (r Repo) GetMeal(ctx context.Context, id string) (domain.Meal, error) {
	return r.getMeal(ctx, r.DB, id)
}

func (r Repo) getMeal(ctx context.Context, q dbtx, id string) (domain.Meal, error) {
	m, err := scanMeal(q.QueryRowContext(ctx, `SELECT `+mealColumns+` FROM meals WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// ListMeals returns the meals of a date in insertion order.
func (r Repo) ListMeals(ctx context.Context, date string) ([]domain.Meal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+mealColumns+` FROM meals WHERE date=? ORDER BY created_at, id`, date)
	if err != nil {
		return nil, fmt.Errorf("list meals: %w", err)
	}
	defer rows.Close()
	res := []domain.Meal{}
	for rows.Next() {
		m, err := scanMeal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) DeleteMealTx(ctx context.Context, tx *sql.Tx, id string) error {
	return deleteByID(ctx, r.conn(tx), "meals", id)
}

const workoutColumns = `id,date,type,details,COALESCE(start_time,''),created_at,updated_at`

func scanWorkout(scan func(dest ...any) error) (domain.Workout, error) {
	var w domain.Workout
	err := scan(&w.ID, &w.Date, &w.Type, &w.Details, &w.StartTime, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

// InsertWorkoutTx appends a workout after the existing entries of its date.
func (r Repo) InsertWorkoutTx(ctx context.Context, tx *sql.Tx, w domain.Workout) (domain.Workout, error) {
	if w.ID == "" {
		return domain.Workout{}, errors.New("workout id required")
	}
	ts := now()
	w.CreatedAt, w.UpdatedAt = ts, ts
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO workouts(id,seq,date,type,details,start_time,created_at,updated_at)
VALUES (?,(SELECT COALESCE(MAX(seq),0)+1 FROM workouts),?,?,?,?,?,?)`,
		w.ID, w.Date, w.Type, w.Details, nullable(w.StartTime), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return domain.Workout{}, fmt.Errorf("insert workout: %w", err)
	}
	return w, nil
}

// PutWorkoutTx replaces the mutable fields of an existing workout.
func (r Repo) PutWorkoutTx(ctx context.Context, tx *sql.Tx, w domain.Workout) (domain.Workout, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE workouts SET date=?, type=?, details=?, start_time=?, updated_at=? WHERE id=?`,
		w.Date, w.Type, w.Details, nullable(w.StartTime), now(), w.ID)
	if err != nil {
		return domain.Workout{}, fmt.Errorf("update workout: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Workout{}, ErrNotFound
	}
	return r.getWorkout(ctx, r.conn(tx), w.ID)
}

func (r Repo) GetWorkout(ctx context.Context, id string) (domain.Workout, error) {
	return r.getWorkout(ctx, r.DB, id)
}

func (r Repo) getWorkout(ctx context.Context, q dbtx, id string) (domain.Workout, error) {
	w, err := scanWorkout(q.QueryRowContext(ctx, `SELECT `+workoutColumns+` FROM workouts WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

// ListWorkouts returns the manual workouts of a date in storage order.
func (r Repo) ListWorkouts(ctx context.Context, date string) ([]domain.Workout, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workoutColumns+` FROM workouts WHERE date=? ORDER BY seq`, date)
	if err != nil {
		return nil, fmt.Errorf("list workouts: %w", err)
	}
	defer rows.Close()
	res := []domain.Workout{}
	for rows.Next() {
		w, err := scanWorkout(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) DeleteWorkoutTx(ctx context.Context, tx *sql.Tx, id string) error {
	return deleteByID(ctx, r.conn(tx), "workouts", id)
}

func deleteByID(ctx context.Context, q dbtx, table, id string) error {
	res, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=?`, table), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetProfile returns the stored profile, or an empty object when none was saved.
func (r Repo) GetProfile(ctx context.Context) (map[string]any, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT profile_json FROM user_profile WHERE id=1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	profile := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return profile, nil
}

func (r Repo) PutProfileTx(ctx context.Context, tx *sql.Tx, profile map[string]any) error {
	if profile == nil {
		profile = map[string]any{}
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO user_profile(id,profile_json,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET profile_json=excluded.profile_json, updated_at=excluded.updated_at`, string(data), now())
	return err
}

// GetToken returns the stored tracker token.
func (r Repo) GetToken(ctx context.Context) (domain.Token, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT token_json FROM tracker_tokens WHERE id=1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.Token{}, ErrNotFound
	}
	if err != nil {
		return domain.Token{}, err
	}
	var tok domain.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return domain.Token{}, fmt.Errorf("decode token: %w", err)
	}
	return tok, nil
}

// PutToken replaces the stored tracker token.
func (r Repo) PutToken(ctx context.Context, tok domain.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO tracker_tokens(id,token_json,saved_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET token_json=excluded.token_json, saved_at=excluded.saved_at`, string(data), tok.SavedAt)
	return err
}

const eventColumns = `id,ts,type,COALESCE(date,''),entity_kind,COALESCE(entity_id,''),COALESCE(payload_json,'')`

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Date, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, date, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if date != "" {
		clauses = append(clauses, "date=?")
		args = append(args, date)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, eventColumns)
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
