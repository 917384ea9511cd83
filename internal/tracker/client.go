package tracker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fitgpt/internal/domain"
	"fitgpt/internal/observability"
)

const (
	defaultRetryAfter = 5 * time.Second
	refreshMargin     = 60 * time.Second
	defaultExpiresIn  = 28800
	activityListLimit = 50
)

// Metric names one per-day tracker resource.
type Metric struct {
	Name     string
	Resource string
}

var (
	Steps    = Metric{Name: "steps", Resource: "activities/steps"}
	Calories = Metric{Name: "calories", Resource: "activities/calories"}
	Sleep    = Metric{Name: "sleep", Resource: "sleep"}
	Heart    = Metric{Name: "heart", Resource: "activities/heart"}
	Weight   = Metric{Name: "weight", Resource: "body/log/weight"}
	HRV      = Metric{Name: "hrv", Resource: "hrv"}
)

// DailyMetrics lists the metrics of a daily summary in request order.
var DailyMetrics = []Metric{Steps, Calories, Sleep, Heart, Weight, HRV}

// MetricByName resolves a metric from its short name.
func MetricByName(name string) (Metric, bool) {
	for _, m := range DailyMetrics {
		if m.Name == name {
			return m, true
		}
	}
	return Metric{}, false
}

// TokenStore persists the OAuth token. GetToken returns an error when no
// token has been saved.
type TokenStore interface {
	GetToken(ctx context.Context) (domain.Token, error)
	PutToken(ctx context.Context, tok domain.Token) error
}

// Config holds the OAuth application settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scope        string
	APIBaseURL   string
	AuthorizeURL string
	TokenURL     string
}

// Client talks to the Fitbit Web API on behalf of a single user.
type Client struct {
	cfg        Config
	tokens     TokenStore
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the clock used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a tracker client.
func New(cfg Config, tokens TokenStore, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("token store required")
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, errors.New("tracker api base url required")
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	c := &Client{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     slog.New(slog.DiscardHandler),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "tracker")
	return c, nil
}

// AuthorizeURL returns the consent page the user must visit once.
func (c *Client) AuthorizeURL() string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", c.cfg.ClientID)
	params.Set("redirect_uri", c.cfg.RedirectURI)
	params.Set("scope", c.cfg.Scope)
	return c.cfg.AuthorizeURL + "?" + strings.ReplaceAll(params.Encode(), "+", "%20")
}

// Exchange trades an authorization code for a token and stores it.
func (c *Client) Exchange(ctx context.Context, code string) (domain.Token, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Token{}, errors.New("authorization code required")
	}
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("code", code)
	return c.requestToken(ctx, form)
}

// Metric fetches one resource for the inclusive date range. Failures are
// returned inside the Result.
func (c *Client) Metric(ctx context.Context, m Metric, start, end string) Result {
	tok, err := c.token(ctx)
	if err != nil {
		observability.RecordTrackerRequest(m.Resource, "no_token")
		return Failed(err)
	}
	endpoint := fmt.Sprintf("%s/1/user/-/%s/date/%s/%s.json", c.cfg.APIBaseURL, m.Resource, start, end)
	body, err := c.get(ctx, m.Resource, endpoint, tok)
	if err != nil {
		c.logger.Warn("tracker metric request failed", "metric", m.Name, "start", start, "end", end, "error", err)
		return Failed(err)
	}
	if !json.Valid(body) {
		observability.RecordTrackerRequest(m.Resource, "error")
		return Failed(fmt.Errorf("decode %s response: invalid json", m.Name))
	}
	return OK(json.RawMessage(body))
}

// Activities lists the tracked activities that started on date.
func (c *Client) Activities(ctx context.Context, date string) ([]domain.TrackedActivity, error) {
	tok, err := c.token(ctx)
	if err != nil {
		observability.RecordTrackerRequest("activities/list", "no_token")
		return nil, err
	}
	params := url.Values{}
	params.Set("beforeDate", date+"T23:59:59")
	params.Set("sort", "desc")
	params.Set("limit", strconv.Itoa(activityListLimit))
	params.Set("offset", "0")
	endpoint := c.cfg.APIBaseURL + "/1/user/-/activities/list.json?" + params.Encode()
	body, err := c.get(ctx, "activities/list", endpoint, tok)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Activities []domain.TrackedActivity `json:"activities"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode activity list: %w", err)
	}
	out := make([]domain.TrackedActivity, 0, len(payload.Activities))
	for _, a := range payload.Activities {
		if !strings.HasPrefix(a.OriginalStartTime, date) {
			continue
		}
		a.Start, _ = ParseStart(a.OriginalStartTime)
		out = append(out, a)
	}
	return out, nil
}

// ParseStart parses an activity start such as 2025-07-03T18:00:00.000+02:00.
func ParseStart(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02T15:04:05.000-07:00", time.RFC3339Nano} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// get performs an authenticated GET. A 429 is retried once after the
// advertised Retry-After delay.
func (c *Client) get(ctx context.Context, resource, endpoint string, tok domain.Token) ([]byte, error) {
	resp, err := c.do(ctx, endpoint, tok)
	if err != nil {
		observability.RecordTrackerRequest(resource, "error")
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		observability.RecordTrackerRequest(resource, "rate_limited")
		wait := retryAfter(resp.Header.Get("Retry-After"))
		resp.Body.Close()
		c.logger.Info("tracker rate limited, retrying once", "resource", resource, "wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		resp, err = c.do(ctx, endpoint, tok)
		if err != nil {
			observability.RecordTrackerRequest(resource, "error")
			return nil, err
		}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.RecordTrackerRequest(resource, "error")
		return nil, fmt.Errorf("read %s response: %w", resource, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		observability.RecordTrackerRequest(resource, "error")
		return nil, fmt.Errorf("%s returned %d %s", resource, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	observability.RecordTrackerRequest(resource, "ok")
	return body, nil
}

func (c *Client) do(ctx context.Context, endpoint string, tok domain.Token) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// token returns a usable access token, refreshing it when it is about to
// expire.
func (c *Client) token(ctx context.Context) (domain.Token, error) {
	tok, err := c.tokens.GetToken(ctx)
	if err != nil || tok.AccessToken == "" {
		return domain.Token{}, ErrNoToken
	}
	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}
	expiry := time.Unix(tok.SavedAt, 0).Add(time.Duration(expiresIn)*time.Second - refreshMargin)
	if c.now().Before(expiry) {
		return tok, nil
	}
	if tok.RefreshToken == "" {
		return domain.Token{}, ErrNoToken
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", tok.RefreshToken)
	refreshed, err := c.requestToken(ctx, form)
	if err != nil {
		c.logger.Warn("token refresh failed", "error", err)
		return domain.Token{}, ErrNoToken
	}
	return refreshed, nil
}

func (c *Client) requestToken(ctx context.Context, form url.Values) (domain.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.Token{}, fmt.Errorf("build token request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ClientID + ":" + c.cfg.ClientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Token{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Token{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Token{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var tok domain.Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return domain.Token{}, fmt.Errorf("decode token: %w", err)
	}
	if tok.AccessToken == "" {
		return domain.Token{}, errors.New("token response missing access_token")
	}
	tok.SavedAt = c.now().Unix()
	if err := c.tokens.PutToken(ctx, tok); err != nil {
		return domain.Token{}, fmt.Errorf("store token: %w", err)
	}
	return tok, nil
}

func retryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}
