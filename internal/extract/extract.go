// Package extract pulls single derived values out of tracker payloads.
//
// Every extractor is total: malformed payloads and failed requests yield an
// absent value, never an error.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"fitgpt/internal/domain"
	"fitgpt/internal/tracker"
)

// Extractor logs why a value was absent.
type Extractor struct {
	Logger *slog.Logger
}

// KcalIn sums the estimated calories of the meals; missing values count as 0.
func KcalIn(meals []domain.Meal) int {
	total := 0
	for _, m := range meals {
		if m.EstimatedCalories != nil {
			total += *m.EstimatedCalories
		}
	}
	return total
}

type dailySeries struct {
	DateTime string          `json:"dateTime"`
	Value    json.RawMessage `json:"value"`
}

// KcalOut returns the exact daily energy expenditure. When the payload does
// not carry one the value is nil and estimate is true.
func (x Extractor) KcalOut(r tracker.Result) (kcal *int, estimate bool) {
	var payload struct {
		Series []dailySeries `json:"activities-calories"`
	}
	v, err := firstSeriesInt(r, &payload, &payload.Series)
	if err != nil {
		x.absent("calories", err)
		return nil, true
	}
	return &v, false
}

// Steps returns the daily step count.
func (x Extractor) Steps(r tracker.Result) *int {
	var payload struct {
		Series []dailySeries `json:"activities-steps"`
	}
	v, err := firstSeriesInt(r, &payload, &payload.Series)
	if err != nil {
		x.absent("steps", err)
		return nil
	}
	return &v
}

// RestingHeartRate returns the resting heart rate of the first heart entry.
func (x Extractor) RestingHeartRate(r tracker.Result) *int {
	var payload struct {
		Series []struct {
			Value struct {
				RestingHeartRate *float64 `json:"restingHeartRate"`
			} `json:"value"`
		} `json:"activities-heart"`
	}
	if err := r.Decode(&payload); err != nil {
		x.absent("heart", err)
		return nil
	}
	if len(payload.Series) == 0 || payload.Series[0].Value.RestingHeartRate == nil {
		x.absent("heart", errors.New("no resting heart rate"))
		return nil
	}
	v := int(*payload.Series[0].Value.RestingHeartRate)
	return &v
}

// Sleep totals the sleep sessions of the payload. Efficiency is the mean
// across sessions rounded half to even.
func (x Extractor) Sleep(r tracker.Result) *domain.Sleep {
	var payload struct {
		Sleep []struct {
			Duration   *int64   `json:"duration"`
			Efficiency *float64 `json:"efficiency"`
		} `json:"sleep"`
	}
	if err := r.Decode(&payload); err != nil {
		x.absent("sleep", err)
		return nil
	}
	if len(payload.Sleep) == 0 {
		return nil
	}
	var totalMs int64
	var effSum float64
	for i, s := range payload.Sleep {
		if s.Duration == nil {
			x.absent("sleep", fmt.Errorf("session %d has no duration", i))
			return nil
		}
		totalMs += *s.Duration
		if s.Efficiency != nil {
			effSum += *s.Efficiency
		}
	}
	return &domain.Sleep{
		Minutes:    int(totalMs / 60000),
		Efficiency: int(math.RoundToEven(effSum / float64(len(payload.Sleep)))),
	}
}

// HRV returns the first reported RMSSD reading, truncated to an integer.
func (x Extractor) HRV(r tracker.Result) *int {
	var payload struct {
		HRV []struct {
			Value struct {
				RMSSD      *float64 `json:"rmssd"`
				DailyRMSSD *float64 `json:"dailyRmssd"`
			} `json:"value"`
		} `json:"hrv"`
	}
	if err := r.Decode(&payload); err != nil {
		x.absent("hrv", err)
		return nil
	}
	if len(payload.HRV) == 0 {
		return nil
	}
	reading := payload.HRV[0].Value.RMSSD
	if reading == nil {
		reading = payload.HRV[0].Value.DailyRMSSD
	}
	if reading == nil {
		x.absent("hrv", errors.New("first entry has no rmssd"))
		return nil
	}
	v := int(*reading)
	return &v
}

func (x Extractor) absent(metric string, err error) {
	if x.Logger == nil {
		return
	}
	x.Logger.Debug("metric unavailable", "metric", metric, "error", err)
}

func firstSeriesInt(r tracker.Result, payload any, series *[]dailySeries) (int, error) {
	if err := r.Decode(payload); err != nil {
		return 0, err
	}
	if len(*series) == 0 {
		return 0, errors.New("empty series")
	}
	return intValue((*series)[0].Value)
}

// intValue accepts both quoted and bare numbers; Fitbit sends daily totals as
// strings.
func intValue(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("missing value")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("non-numeric value %q", s)
		}
		return n, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("non-numeric value %s", raw)
	}
	return int(f), nil
}
