package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"fitgpt/internal/config"
	"fitgpt/internal/engine"
)

type received struct {
	mu      sync.Mutex
	events  []webhookEvent
	headers []http.Header
}

func (r *received) handler(w http.ResponseWriter, req *http.Request) {
	var evt webhookEvent
	if err := json.NewDecoder(req.Body).Decode(&evt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.headers = append(r.headers, req.Header.Clone())
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func TestWebhookDeliversNewEvents(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()

	rec := &received{}
	hookSrv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer hookSrv.Close()

	e := srv.Engine
	if _, err := e.LogMeal(ctx, engine.MealInput{Date: "2025-07-03", Meal: "breakfast", Items: "oats"}); err != nil {
		t.Fatalf("seed meal: %v", err)
	}
	e.Config.Webhooks = []config.WebhookConfig{{URL: hookSrv.URL, Events: []string{"meal.logged"}, Secret: "s3cret"}}
	d := newWebhookDispatcher(e)
	if d == nil {
		t.Fatalf("expected dispatcher")
	}

	// Events older than the first pass are skipped.
	d.dispatchAll(ctx)
	if len(rec.events) != 0 {
		t.Fatalf("expected no deliveries, got %d", len(rec.events))
	}

	if _, err := e.LogWorkout(ctx, engine.WorkoutInput{Date: "2025-07-03", Type: "Run", Details: "30 min", StartTime: "2025-07-03T07:00:00"}); err != nil {
		t.Fatalf("log workout: %v", err)
	}
	res, err := e.LogMeal(ctx, engine.MealInput{Date: "2025-07-03", Meal: "lunch", Items: "soup"})
	if err != nil {
		t.Fatalf("log meal: %v", err)
	}
	d.dispatchAll(ctx)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 {
		t.Fatalf("expected one filtered delivery, got %+v", rec.events)
	}
	if rec.events[0].Type != "meal.logged" || rec.events[0].EntityID != res.Meal.ID {
		t.Fatalf("unexpected delivery %+v", rec.events[0])
	}
	if rec.headers[0].Get("X-FitGPT-Secret") != "s3cret" || rec.headers[0].Get("X-FitGPT-Event") != "meal.logged" {
		t.Fatalf("unexpected headers %v", rec.headers[0])
	}
}

func TestWebhookDispatcherDisabledWithoutHooks(t *testing.T) {
	if d := newWebhookDispatcher(engine.Engine{Config: config.Default()}); d != nil {
		t.Fatalf("expected no dispatcher without webhooks")
	}
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter([]string{" ", ""})
	if !all.match("meal.deleted") {
		t.Fatalf("blank filter should match everything")
	}
	some := newEventFilter([]string{"workout.logged"})
	if some.match("meal.logged") || !some.match("workout.logged") {
		t.Fatalf("unexpected filter result")
	}
}
