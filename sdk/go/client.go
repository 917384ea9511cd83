package fitgptsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal FitGPT HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Meal is a logged meal.
type Meal struct {
	ID                string `json:"id,omitempty"`
	Date              string `json:"date"`
	Meal              string `json:"meal"`
	Items             string `json:"items"`
	EstimatedCalories *int   `json:"estimated_calories,omitempty"`
}

// Workout is a manually logged workout.
type Workout struct {
	ID        string `json:"id,omitempty"`
	Date      string `json:"date"`
	Type      string `json:"type"`
	Details   string `json:"details"`
	StartTime string `json:"startTime,omitempty"`
}

// MergedWorkout is one entry of the reconciled workout list.
type MergedWorkout struct {
	ID                string `json:"id,omitempty"`
	Type              string `json:"type"`
	Details           string `json:"details,omitempty"`
	StartTime         string `json:"startTime,omitempty"`
	LogID             int64  `json:"logId,omitempty"`
	ActivityName      string `json:"activityName,omitempty"`
	OriginalStartTime string `json:"originalStartTime,omitempty"`
	DurationMs        int64  `json:"duration,omitempty"`
	Calories          int    `json:"calories,omitempty"`
	Source            string `json:"source"`
	NeedsConfirmation bool   `json:"needs_confirmation,omitempty"`
}

// Sleep is the main sleep of a day.
type Sleep struct {
	Minutes    int `json:"minutes"`
	Efficiency int `json:"efficiency"`
}

// DailySummary is the per-day health record. Pointer fields are nil when the
// tracker had no value.
type DailySummary struct {
	Date             string                     `json:"date"`
	KcalIn           int                        `json:"kcal_in"`
	KcalOut          *int                       `json:"kcal_out"`
	IsEstimate       bool                       `json:"is_estimate"`
	Steps            *int                       `json:"steps"`
	RestingHeartRate *int                       `json:"resting_heart_rate"`
	Sleep            *Sleep                     `json:"sleep"`
	HRV              *int                       `json:"hrv"`
	Meals            []Meal                     `json:"meals"`
	Workouts         []MergedWorkout            `json:"workouts"`
	Fitbit           map[string]json.RawMessage `json:"fitbit,omitempty"`
}

// WriteResult is returned by the log endpoints.
type WriteResult struct {
	ID                string        `json:"id"`
	Status            string        `json:"status"`
	NeedsConfirmation *bool         `json:"needs_confirmation,omitempty"`
	Daily             *DailySummary `json:"daily,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DailySummary returns the summary of date, today when date is empty.
func (c *Client) DailySummary(ctx context.Context, date string, fresh bool) (DailySummary, error) {
	q := url.Values{}
	if date != "" {
		q.Set("date", date)
	}
	if fresh {
		q.Set("fresh", "true")
	}
	var resp DailySummary
	err := c.do(ctx, http.MethodGet, withQuery("data/daily-summary", q), nil, &resp)
	return resp, err
}

// LogMeal stores a meal, replacing one with the same date and name.
func (c *Client) LogMeal(ctx context.Context, m Meal) (WriteResult, error) {
	var resp WriteResult
	err := c.do(ctx, http.MethodPost, "log/meal", m, &resp)
	return resp, err
}

// LogWorkout stores a manual workout.
func (c *Client) LogWorkout(ctx context.Context, w Workout) (WriteResult, error) {
	var resp WriteResult
	err := c.do(ctx, http.MethodPost, "log/workout", w, &resp)
	return resp, err
}

// DeleteMeal removes a meal by id.
func (c *Client) DeleteMeal(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "log/meal/"+url.PathEscape(id), nil, nil)
}

// DeleteWorkout removes a workout by id.
func (c *Client) DeleteWorkout(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "log/workout/"+url.PathEscape(id), nil, nil)
}

// Meals lists the meals of a date.
func (c *Client) Meals(ctx context.Context, date string) ([]Meal, error) {
	var resp []Meal
	err := c.do(ctx, http.MethodGet, withQuery("log/meal", url.Values{"date": {date}}), nil, &resp)
	return resp, err
}

// Workouts lists the manual workouts of a date.
func (c *Client) Workouts(ctx context.Context, date string) ([]Workout, error) {
	var resp []Workout
	err := c.do(ctx, http.MethodGet, withQuery("log/workout", url.Values{"date": {date}}), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
