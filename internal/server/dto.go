package server

import (
	"encoding/json"

	"fitgpt/internal/domain"
)

// Request payloads

type MealRequest struct {
	Date              string `json:"date" format:"date" example:"2025-07-03"`
	Meal              string `json:"meal" minLength:"1" example:"lunch"`
	Items             string `json:"items" example:"chicken, rice"`
	EstimatedCalories *int   `json:"estimated_calories,omitempty" minimum:"0"`
}

type WorkoutRequest struct {
	Date      string `json:"date" format:"date" example:"2025-07-03"`
	Type      string `json:"type" minLength:"1" example:"Badminton"`
	Details   string `json:"details" example:"Badminton, 45 min"`
	StartTime string `json:"startTime,omitempty" required:"false" doc:"Local start time (YYYY-MM-DDTHH:MM:SS). Empty lets the server infer it." example:"2025-07-03T18:00:00"`
}

// Response payloads

type WriteResponse struct {
	ID                string               `json:"id"`
	Status            string               `json:"status" enum:"stored,updated,deleted"`
	NeedsConfirmation *bool                `json:"needs_confirmation,omitempty"`
	Daily             *domain.DailySummary `json:"daily,omitempty"`
}

type ProfileResponse struct {
	Message string         `json:"message"`
	Profile map[string]any `json:"profile"`
}

type CallbackResponse struct {
	Message   string       `json:"message"`
	TokenData domain.Token `json:"token_data"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	Date       string          `json:"date,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		Date:       e.Date,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
	}
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		resp.Payload = json.RawMessage(e.Payload)
	}
	return resp
}

func written(id, status string, daily *domain.DailySummary) WriteResponse {
	return WriteResponse{ID: id, Status: status, Daily: daily}
}
