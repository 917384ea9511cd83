package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	MealLogged     = "meal.logged"
	MealUpdated    = "meal.updated"
	MealDeleted    = "meal.deleted"
	WorkoutLogged  = "workout.logged"
	WorkoutUpdated = "workout.updated"
	WorkoutDeleted = "workout.deleted"
	ProfileUpdated = "profile.updated"
	TrackerLinked  = "tracker.linked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx. date scopes the event to a calendar day
// and may be empty.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, date, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,date,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(date), entityKind, nullable(entityID), string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
