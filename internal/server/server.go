package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fitgpt/internal/domain"
	"fitgpt/internal/engine"
	"fitgpt/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine      engine.Engine
	BasePath    string
	Auth        AuthConfig
	CORSOrigins []string
	Logger      *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"invalid date \"03/07\": expected YYYY-MM-DD"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the FitGPT API.
func New(cfg Config) (http.Handler, error) {
	basePath := strings.TrimRight(cfg.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are plain bad requests.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(cfg.CORSOrigins))
	router.Use(newAuthMiddleware(cfg.Auth, cfg.Engine.Repo))

	hcfg := huma.DefaultConfig("FitGPT API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerIndex(router, basePath)
	registerDocs(router, basePath)
	registerHealth(group)
	registerMeals(group, cfg.Engine)
	registerWorkouts(group, cfg.Engine)
	registerSummary(group, cfg.Engine)
	registerTrackerData(group, cfg.Engine)
	registerProfile(group, cfg.Engine)
	registerTrackerAuth(router, group, basePath, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	router.Method(http.MethodGet, path.Join("/", basePath, "metrics"), promhttp.Handler())

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "tracker authorization failed"):
		return newAPIError(http.StatusBadRequest, "tracker_auth_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && len(allowed) > 0 {
				_, ok := allowed[origin]
				if allowAll || ok {
					h := w.Header()
					if allowAll {
						h.Set("Access-Control-Allow-Origin", "*")
					} else {
						h.Set("Access-Control-Allow-Origin", origin)
						h.Add("Vary", "Origin")
					}
					h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Api-Key")
				}
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func registerIndex(r chi.Router, basePath string) {
	page := fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head><meta charset="utf-8"/><title>FitGPT API</title></head>
  <body>
    <h1>FitGPT API</h1>
    <ul>
      <li><a href="%s">Connect the tracker</a></li>
      <li><a href="%s">API documentation</a></li>
    </ul>
  </body>
</html>`, path.Join("/", basePath, "authorize"), path.Join("/", basePath, "docs"))
	r.Get(path.Join("/", basePath), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, page)
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join("/", basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join("/", basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
				},
			}
		}
	}
}

// applyAuthSecurity documents credentials on the write operations only.
func applyAuthSecurity(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Put, item.Post, item.Delete} {
			if op != nil {
				op.Security = security
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>FitGPT API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Writes need Authorization: Bearer &lt;token&gt; or X-Api-Key when auth is configured.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

type dateQuery struct {
	Date string `query:"date" required:"true" format:"date" example:"2025-07-03"`
}

type idPath struct {
	ID string `path:"id"`
}

type writeOutput struct {
	Body WriteResponse `json:"body"`
}

func registerMeals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "log-meal",
		Method:      http.MethodPost,
		Path:        "/log/meal",
		Summary:     "Log a meal",
		Tags:        []string{"meals"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body MealRequest `json:"body"`
	}) (*writeOutput, error) {
		res, err := e.LogMeal(ctx, mealInput(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &writeOutput{Body: written(res.Meal.ID, "stored", &res.Daily)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-meals",
		Method:      http.MethodGet,
		Path:        "/log/meal",
		Summary:     "List meals of a date",
		Tags:        []string{"meals"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *dateQuery) (*struct {
		Body []domain.Meal `json:"body"`
	}, error) {
		meals, err := e.Meals(ctx, input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Meal `json:"body"`
		}{Body: meals}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-meal",
		Method:      http.MethodPut,
		Path:        "/log/meal/{id}",
		Summary:     "Replace a meal",
		Tags:        []string{"meals"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		idPath
		Body MealRequest `json:"body"`
	}) (*writeOutput, error) {
		res, err := e.UpdateMeal(ctx, input.ID, mealInput(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &writeOutput{Body: written(res.Meal.ID, "updated", &res.Daily)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-meal",
		Method:      http.MethodDelete,
		Path:        "/log/meal/{id}",
		Summary:     "Delete a meal",
		Tags:        []string{"meals"},
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*writeOutput, error) {
		if err := e.DeleteMeal(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &writeOutput{Body: written(input.ID, "deleted", nil)}, nil
	})
}

func mealInput(req MealRequest) engine.MealInput {
	return engine.MealInput{Date: req.Date, Meal: req.Meal, Items: req.Items, EstimatedCalories: req.EstimatedCalories}
}

func workoutInput(req WorkoutRequest) engine.WorkoutInput {
	return engine.WorkoutInput{Date: req.Date, Type: req.Type, Details: req.Details, StartTime: req.StartTime}
}

func registerWorkouts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "log-workout",
		Method:      http.MethodPost,
		Path:        "/log/workout",
		Summary:     "Log a workout",
		Description: "Without startTime the server borrows the start of a confidently matching tracked activity, otherwise needs_confirmation is true.",
		Tags:        []string{"workouts"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body WorkoutRequest `json:"body"`
	}) (*writeOutput, error) {
		res, err := e.LogWorkout(ctx, workoutInput(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		out := written(res.Workout.ID, "stored", &res.Daily)
		confirm := res.NeedsConfirmation
		out.NeedsConfirmation = &confirm
		return &writeOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workouts",
		Method:      http.MethodGet,
		Path:        "/log/workout",
		Summary:     "List manual workouts of a date",
		Tags:        []string{"workouts"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *dateQuery) (*struct {
		Body []domain.Workout `json:"body"`
	}, error) {
		list, err := e.Workouts(ctx, input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Workout `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-workout",
		Method:      http.MethodPut,
		Path:        "/log/workout/{id}",
		Summary:     "Replace a workout",
		Tags:        []string{"workouts"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		idPath
		Body WorkoutRequest `json:"body"`
	}) (*writeOutput, error) {
		res, err := e.UpdateWorkout(ctx, input.ID, workoutInput(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &writeOutput{Body: written(res.Workout.ID, "updated", &res.Daily)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-workout",
		Method:      http.MethodDelete,
		Path:        "/log/workout/{id}",
		Summary:     "Delete a workout",
		Tags:        []string{"workouts"},
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*writeOutput, error) {
		if err := e.DeleteWorkout(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &writeOutput{Body: written(input.ID, "deleted", nil)}, nil
	})
}

type summaryOutput struct {
	Body domain.DailySummary `json:"body"`
}

func registerSummary(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "daily-summary",
		Method:      http.MethodGet,
		Path:        "/data/daily-summary",
		Summary:     "Daily summary",
		Description: "Cached for a minute when kcal_out is exact; fresh=true rebuilds it.",
		Tags:        []string{"summary"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Date  string `query:"date" format:"date"`
		Fresh bool   `query:"fresh"`
	}) (*summaryOutput, error) {
		s, err := e.DailySummary(ctx, input.Date, input.Fresh)
		if err != nil {
			return nil, handleError(err)
		}
		return &summaryOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "daily-summary-legacy",
		Method:      http.MethodGet,
		Path:        "/daily-summary",
		Summary:     "Daily summary (deprecated alias)",
		Deprecated:  true,
		Tags:        []string{"summary"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TargetDate string `query:"target_date" format:"date"`
		Fresh      bool   `query:"fresh"`
	}) (*summaryOutput, error) {
		s, err := e.DailySummary(ctx, input.TargetDate, input.Fresh)
		if err != nil {
			return nil, handleError(err)
		}
		return &summaryOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "extended-full",
		Method:      http.MethodGet,
		Path:        "/data/extended/full",
		Summary:     "Daily summaries for the last N days",
		Tags:        []string{"summary"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Days  int  `query:"days" default:"1"`
		Fresh bool `query:"fresh"`
	}) (*struct {
		Body engine.ExtendedFull `json:"body"`
	}, error) {
		full, err := e.ExtendedFull(ctx, input.Days, input.Fresh)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ExtendedFull `json:"body"`
		}{Body: full}, nil
	})
}

func registerTrackerData(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "extended",
		Method:      http.MethodGet,
		Path:        "/data/extended",
		Summary:     "Raw tracker metrics for a date range",
		Tags:        []string{"tracker"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Days       int    `query:"days" default:"1"`
		TargetDate string `query:"target_date" format:"date"`
	}) (*struct {
		Body engine.Extended `json:"body"`
	}, error) {
		ext, err := e.Extended(ctx, input.Days, input.TargetDate)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Extended `json:"body"`
		}{Body: ext}, nil
	})

	for _, name := range []string{"steps", "sleep", "heart", "calories"} {
		metric := name
		huma.Register(api, huma.Operation{
			OperationID: "data-" + metric,
			Method:      http.MethodGet,
			Path:        "/data/" + metric,
			Summary:     "Raw " + metric + " for one date",
			Tags:        []string{"tracker"},
			Errors:      []int{http.StatusBadRequest},
		}, func(ctx context.Context, input *dateQuery) (*struct {
			Body domain.MetricBlob `json:"body"`
		}, error) {
			blob, err := e.Metric(ctx, metric, input.Date)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.MetricBlob `json:"body"`
			}{Body: blob}, nil
		})
	}
}

func registerProfile(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/user_profile",
		Summary:     "Read the user profile",
		Tags:        []string{"profile"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, err := e.Profile(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-profile",
		Method:      http.MethodPost,
		Path:        "/user_profile",
		Summary:     "Replace the user profile",
		Tags:        []string{"profile"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body map[string]any `json:"body"`
	}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		if err := e.SetProfile(ctx, input.Body); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: ProfileResponse{Message: "saved", Profile: input.Body}}, nil
	})
}

func registerTrackerAuth(r chi.Router, api huma.API, basePath string, e engine.Engine) {
	r.Get(path.Join("/", basePath, "authorize"), func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, e.AuthorizeURL(), http.StatusTemporaryRedirect)
	})

	huma.Register(api, huma.Operation{
		OperationID: "tracker-callback",
		Method:      http.MethodGet,
		Path:        "/callback",
		Summary:     "OAuth redirect target; stores the tracker token",
		Tags:        []string{"tracker"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Code string `query:"code" required:"true"`
	}) (*struct {
		Body CallbackResponse `json:"body"`
	}, error) {
		tok, err := e.LinkTracker(ctx, input.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CallbackResponse `json:"body"`
		}{Body: CallbackResponse{Message: "token saved", TokenData: tok}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent write events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Date  string `query:"date" format:"date"`
		Type  string `query:"type"`
		Limit int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Date, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}
