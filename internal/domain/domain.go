package domain

import (
	"encoding/json"
	"time"
)

// DateLayout is the calendar-date format used for every date key.
const DateLayout = "2006-01-02"

// LocalTimeLayout is the wall-clock layout of stored workout start times.
const LocalTimeLayout = "2006-01-02T15:04:05"

type Source string

const (
	SourceManual Source = "manual"
	SourceFitbit Source = "fitbit"
	SourceMerged Source = "merged"
)

type Meal struct {
	ID                string `json:"id"`
	Date              string `json:"date" format:"date"`
	Meal              string `json:"meal"`
	Items             string `json:"items"`
	EstimatedCalories *int   `json:"estimated_calories,omitempty"`
	CreatedAt         string `json:"created_at,omitempty" format:"date-time"`
	UpdatedAt         string `json:"updated_at,omitempty" format:"date-time"`
}

// Workout is a manually logged activity entry.
type Workout struct {
	ID        string `json:"id"`
	Date      string `json:"date" format:"date"`
	Type      string `json:"type"`
	Details   string `json:"details"`
	StartTime string `json:"startTime,omitempty"`
	CreatedAt string `json:"created_at,omitempty" format:"date-time"`
	UpdatedAt string `json:"updated_at,omitempty" format:"date-time"`
}

// TrackedActivity is an activity recorded by the wearable. Start is zero when
// OriginalStartTime could not be parsed.
type TrackedActivity struct {
	LogID             int64     `json:"logId"`
	ActivityName      string    `json:"activityName"`
	OriginalStartTime string    `json:"originalStartTime"`
	Start             time.Time `json:"-"`
	DurationMs        int64     `json:"duration"`
	Calories          int       `json:"calories"`
	Steps             int       `json:"steps,omitempty"`
	AverageHeartRate  int       `json:"averageHeartRate,omitempty"`
}

// DurationMinutes converts the native millisecond duration.
func (a TrackedActivity) DurationMinutes() float64 {
	return float64(a.DurationMs) / 60000
}

// LocalStart returns the wall-clock start in the activity's own offset.
func (a TrackedActivity) LocalStart() string {
	if a.Start.IsZero() {
		return ""
	}
	return a.Start.Format(LocalTimeLayout)
}

// MergedWorkout is one row of the reconciled workout timeline for a date.
type MergedWorkout struct {
	ID                string `json:"id,omitempty"`
	Date              string `json:"date"`
	Type              string `json:"type"`
	Details           string `json:"details,omitempty"`
	StartTime         string `json:"startTime,omitempty"`
	LogID             int64  `json:"logId,omitempty"`
	ActivityName      string `json:"activityName,omitempty"`
	OriginalStartTime string `json:"originalStartTime,omitempty"`
	DurationMs        int64  `json:"duration,omitempty"`
	Calories          int    `json:"calories,omitempty"`
	Steps             int    `json:"steps,omitempty"`
	AverageHeartRate  int    `json:"averageHeartRate,omitempty"`
	Source            Source `json:"source" enum:"manual,fitbit,merged"`
	NeedsConfirmation bool   `json:"needs_confirmation,omitempty"`
}

type Sleep struct {
	Minutes    int `json:"minutes"`
	Efficiency int `json:"efficiency"`
}

type DailySummary struct {
	Date             string                `json:"date" format:"date"`
	KcalIn           int                   `json:"kcal_in"`
	KcalOut          *int                  `json:"kcal_out"`
	IsEstimate       bool                  `json:"is_estimate"`
	Steps            *int                  `json:"steps"`
	RestingHeartRate *int                  `json:"resting_heart_rate"`
	Sleep            *Sleep                `json:"sleep"`
	HRV              *int                  `json:"hrv"`
	Meals            []Meal                `json:"meals"`
	Workouts         []MergedWorkout       `json:"workouts"`
	Fitbit           map[string]MetricBlob `json:"fitbit"`
}

// MetricBlob is the diagnostic passthrough of one tracker response.
type MetricBlob struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Date       string `json:"date,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// Token is a persisted OAuth credential for the tracker API.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	SavedAt      int64  `json:"_saved_at"`
}

// ValidDate reports whether s is a YYYY-MM-DD calendar date.
func ValidDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}
