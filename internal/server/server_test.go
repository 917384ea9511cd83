package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fitgpt/internal/config"
	"fitgpt/internal/db"
	"fitgpt/internal/domain"
	"fitgpt/internal/engine"
	"fitgpt/internal/migrate"
	"fitgpt/internal/tracker"
)

type stubTracker struct {
	activities []domain.TrackedActivity
}

func (s *stubTracker) Activities(context.Context, string) ([]domain.TrackedActivity, error) {
	return s.activities, nil
}

func (s *stubTracker) Metric(_ context.Context, m tracker.Metric, start, end string) tracker.Result {
	if m == tracker.Calories {
		return tracker.OK(json.RawMessage(`{"activities-calories":[{"dateTime":"` + start + `","value":"2300"}]}`))
	}
	return tracker.Failed(tracker.ErrNoToken)
}

func (s *stubTracker) AuthorizeURL() string { return "https://tracker.test/oauth2/authorize?client_id=abc" }

func (s *stubTracker) Exchange(_ context.Context, code string) (domain.Token, error) {
	return domain.Token{AccessToken: "access-" + code, UserID: "U1"}, nil
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Timezone = "UTC"
	e := engine.New(conn, cfg, &stubTracker{}, nil)
	e.Now = func() time.Time { return time.Date(2025, 7, 3, 12, 0, 0, 0, time.UTC) }
	handler, err := New(Config{Engine: e, Auth: auth, CORSOrigins: []string{"*"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
}

func TestMealLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/log/meal", map[string]any{
		"date":               "2025-07-03",
		"meal":               "Lunch",
		"items":              "chicken, rice",
		"estimated_calories": 650,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("log meal status %d: %s", res.StatusCode, string(data))
	}
	var created WriteResponse
	decode(t, data, &created)
	if created.ID != "2025-07-03-lunch" || created.Status != "stored" {
		t.Fatalf("unexpected write response %+v", created)
	}
	if created.Daily == nil || created.Daily.KcalIn != 650 {
		t.Fatalf("expected daily summary with kcal_in 650, got %+v", created.Daily)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/log/meal/"+created.ID, map[string]any{
		"date":               "2025-07-03",
		"meal":               "lunch",
		"items":              "salad",
		"estimated_calories": 300,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update meal status %d: %s", res.StatusCode, string(data))
	}
	var updated WriteResponse
	decode(t, data, &updated)
	if updated.Status != "updated" || updated.Daily.KcalIn != 300 {
		t.Fatalf("unexpected update response %+v", updated)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/log/meal?date=2025-07-03", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list meals status %d: %s", res.StatusCode, string(data))
	}
	var meals []domain.Meal
	decode(t, data, &meals)
	if len(meals) != 1 || meals[0].Items != "salad" {
		t.Fatalf("unexpected meals %+v", meals)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/log/meal/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete meal status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/log/meal/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d: %s", res.StatusCode, string(data))
	}
	var apiErr struct {
		Error apiErrorBody `json:"error"`
	}
	decode(t, data, &apiErr)
	if apiErr.Error.Code != "not_found" {
		t.Fatalf("unexpected error body %s", string(data))
	}
}

func TestMealValidation(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/log/meal", map[string]any{
		"date":  "03/07/2025",
		"meal":  "lunch",
		"items": "soup",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/log/meal/2025-07-03-dinner", map[string]any{
		"date":  "2025-07-03",
		"meal":  "dinner",
		"items": "soup",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing meal, got %d: %s", res.StatusCode, string(data))
	}
}

func TestWorkoutWithoutMatchNeedsConfirmation(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/log/workout", map[string]any{
		"date":    "2025-07-03",
		"type":    "Badminton",
		"details": "Badminton, 45 min",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("log workout status %d: %s", res.StatusCode, string(data))
	}
	var out WriteResponse
	decode(t, data, &out)
	if out.NeedsConfirmation == nil || !*out.NeedsConfirmation {
		t.Fatalf("expected needs_confirmation, got %s", string(data))
	}
	if out.Daily == nil || len(out.Daily.Workouts) != 1 || out.Daily.Workouts[0].Source != domain.SourceManual {
		t.Fatalf("expected a single manual workout, got %+v", out.Daily)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/log/workout?date=2025-07-03", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list workouts status %d: %s", res.StatusCode, string(data))
	}
	var list []domain.Workout
	decode(t, data, &list)
	if len(list) != 1 || list[0].ID != out.ID {
		t.Fatalf("unexpected workouts %+v", list)
	}
}

func TestDailySummaryRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/data/daily-summary?date=2025-07-03", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("daily summary status %d: %s", res.StatusCode, string(data))
	}
	var s domain.DailySummary
	decode(t, data, &s)
	if s.Date != "2025-07-03" || s.KcalOut == nil || *s.KcalOut != 2300 || s.IsEstimate {
		t.Fatalf("unexpected summary %s", string(data))
	}
	if s.Fitbit["steps"].Error == "" {
		t.Fatalf("expected steps error passthrough, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/daily-summary?target_date=2025-07-02", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("legacy summary status %d: %s", res.StatusCode, string(data))
	}
	decode(t, data, &s)
	if s.Date != "2025-07-02" {
		t.Fatalf("legacy alias returned %s", s.Date)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/data/daily-summary", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("default date status %d: %s", res.StatusCode, string(data))
	}
	decode(t, data, &s)
	if s.Date != "2025-07-03" {
		t.Fatalf("expected today, got %s", s.Date)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/data/daily-summary?date=2025-13-45", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid date, got %d: %s", res.StatusCode, string(data))
	}
}

func TestExtendedRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/data/extended?days=3", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("extended status %d: %s", res.StatusCode, string(data))
	}
	var ext engine.Extended
	decode(t, data, &ext)
	if ext.From != "2025-07-01" || ext.To != "2025-07-03" || ext.Calories.Error != "" || ext.Steps.Error == "" {
		t.Fatalf("unexpected extended %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/data/extended?days=0", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for days=0, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/data/extended/full?days=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("extended full status %d: %s", res.StatusCode, string(data))
	}
	var full engine.ExtendedFull
	decode(t, data, &full)
	if len(full.Days) != 2 {
		t.Fatalf("expected two days, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/data/calories?date=2025-07-03", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("calories status %d: %s", res.StatusCode, string(data))
	}
	var blob domain.MetricBlob
	decode(t, data, &blob)
	if !strings.Contains(string(blob.Data), "2300") {
		t.Fatalf("unexpected calories blob %s", string(data))
	}
}

func TestProfileAndTrackerLink(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/user_profile", map[string]any{"goal": "cut", "weight_kg": 82}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set profile status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/user_profile", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get profile status %d: %s", res.StatusCode, string(data))
	}
	var profile map[string]any
	decode(t, data, &profile)
	if profile["goal"] != "cut" {
		t.Fatalf("unexpected profile %s", string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/authorize", nil, nil)
	if res.StatusCode != http.StatusTemporaryRedirect || !strings.HasPrefix(res.Header.Get("Location"), "https://tracker.test/") {
		t.Fatalf("expected redirect to tracker, got %d %q", res.StatusCode, res.Header.Get("Location"))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/callback?code=xyz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("callback status %d: %s", res.StatusCode, string(data))
	}
	var cb CallbackResponse
	decode(t, data, &cb)
	if cb.TokenData.AccessToken != "access-xyz" {
		t.Fatalf("unexpected callback %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/events?type=tracker.linked", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	decode(t, data, &evts)
	if len(evts) != 1 || evts[0].EntityID != "U1" {
		t.Fatalf("unexpected events %s", string(data))
	}
}

func TestWritesRequireCredentials(t *testing.T) {
	auth := AuthConfig{APIKey: "static-secret", JWTSecret: "jwt-secret"}
	srv, cleanup := newTestServer(t, auth)
	defer cleanup()
	client := srv.Client()
	meal := map[string]any{"date": "2025-07-03", "meal": "breakfast", "items": "oats"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/log/meal", meal, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/log/meal?date=2025-07-03", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reads stay open, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/log/meal", meal, map[string]string{"Authorization": "Bearer static-secret"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("static key status %d: %s", res.StatusCode, string(data))
	}

	token, err := SignToken("jwt-secret", "phone", time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/log/meal", meal, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt status %d: %s", res.StatusCode, string(data))
	}

	bad, err := SignToken("other-secret", "phone", time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/log/meal", meal, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign jwt, got %d: %s", res.StatusCode, string(data))
	}

	plain, _, err := srv.Engine.CreateAPIKey(context.Background(), "shortcut")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/log/meal", meal, map[string]string{"X-Api-Key": plain})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/log/meal", meal, map[string]string{"X-Api-Key": "fgk_unknown"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown api key, got %d: %s", res.StatusCode, string(data))
	}
}

func TestServiceEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "fitgpt_reconcile_needs_confirmation_total") {
		t.Fatalf("metrics status %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	var oas struct {
		Paths map[string]json.RawMessage `json:"paths"`
	}
	decode(t, data, &oas)
	for _, p := range []string{"/log/meal", "/data/daily-summary", "/user_profile"} {
		if _, ok := oas.Paths[p]; !ok {
			t.Fatalf("openapi missing %s", p)
		}
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("docs status %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.HasPrefix(res.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("index status %d", res.StatusCode)
	}
	for _, link := range []string{`href="/authorize"`, `href="/docs"`} {
		if !strings.Contains(string(data), link) {
			t.Fatalf("index missing %s: %s", link, string(data))
		}
	}
}

func TestStoredKeyProtectsWritesWithoutRestart(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	meal := map[string]any{"date": "2025-07-03", "meal": "dinner", "items": "fish"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/log/meal", meal, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("open server should accept writes, got %d: %s", res.StatusCode, string(data))
	}

	plain, _, err := srv.Engine.CreateAPIKey(context.Background(), "shortcut")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/log/meal", meal, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 once a key is stored, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/log/meal?date=2025-07-03", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reads stay open, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/log/meal", meal, map[string]string{"X-Api-Key": plain})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status %d: %s", res.StatusCode, string(data))
	}
}

func TestDefaultCORSAllowsChatOrigin(t *testing.T) {
	handler := corsMiddleware(config.Default().Server.CORSOrigins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for origin, want := range map[string]string{
		"https://chat.openai.com": "https://chat.openai.com",
		"https://evil.test":       "",
	} {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != want {
			t.Fatalf("origin %s: allow-origin %q, want %q", origin, got, want)
		}
	}
}
