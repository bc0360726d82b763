package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"fitsync/internal/metrics"
)

const (
	defaultBaseURL  = "https://www.strava.com/api/v3"
	defaultTokenURL = "https://www.strava.com/oauth/token"
	defaultAuthURL  = "https://www.strava.com/oauth/authorize"

	maxRetries   = 5
	initialDelay = 1 * time.Second
	maxDelay     = 5 * time.Minute

	// MaxPerPage is the largest page size the activities endpoint accepts
	MaxPerPage = 200
)

// HTTPError is a non-2xx response from the Strava API
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("strava api error (status %d): %s", e.StatusCode, e.Body)
}

// Client is a Strava API client
type Client struct {
	httpClient   *http.Client
	baseURL      string
	tokenURL     string
	authURL      string
	clientID     string
	clientSecret string
	logger       *slog.Logger
	pacer        *rate.Limiter
	tracker      *RateLimitTracker
}

// NewClient creates a new Strava API client
func NewClient(clientID, clientSecret string) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		baseURL:      defaultBaseURL,
		tokenURL:     defaultTokenURL,
		authURL:      defaultAuthURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		logger:       slog.Default(),
		// Strava allows 200 requests per 15 minutes; pace well under that
		pacer:   rate.NewLimiter(rate.Every(5*time.Second), 5),
		tracker: NewRateLimitTracker(),
	}
}

// SetBaseURLs overrides the API endpoints. Intended for tests.
func (c *Client) SetBaseURLs(baseURL, tokenURL, authURL string) {
	c.baseURL = baseURL
	c.tokenURL = tokenURL
	c.authURL = authURL
}

// AuthorizationURL builds the user-facing authorization redirect URL
func (c *Client) AuthorizationURL(redirectURI, state, scope string) string {
	params := url.Values{
		"client_id":     {c.clientID},
		"redirect_uri":  {redirectURI},
		"response_type": {"code"},
		"scope":         {scope},
		"state":         {state},
	}
	return fmt.Sprintf("%s?%s", c.authURL, params.Encode())
}

// TokenResponse represents the response from a token exchange or refresh
type TokenResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresAt    int64           `json:"expires_at"`
	ExpiresIn    int64           `json:"expires_in"`
	Scope        string          `json:"scope"`
	Athlete      json.RawMessage `json:"athlete"`
}

// ExchangeCode exchanges an authorization code for access and refresh tokens
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	return c.tokenRequest(ctx, url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
	}, "exchange_code")
}

// RefreshToken refreshes an access token using a refresh token
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return c.tokenRequest(ctx, url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}, "refresh_token")
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values, op string) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.logger.Error("strava token request failed", "op", op, "error", err, "duration_ms", duration.Milliseconds())
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	metrics.ProviderAPIRequestsTotal.WithLabelValues(metrics.ProviderStrava, op, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Info("strava_token_request", "op", op, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	return &tokenResp, nil
}

// Activity is a summary activity from the list endpoint
type Activity struct {
	ID                 int64    `json:"id"`
	Name               string   `json:"name"`
	Type               string   `json:"type"`
	StartDate          string   `json:"start_date"` // RFC 3339
	Distance           *float64 `json:"distance"`
	MovingTime         *int64   `json:"moving_time"`
	ElapsedTime        *int64   `json:"elapsed_time"`
	AverageSpeed       *float64 `json:"average_speed"`
	MaxSpeed           *float64 `json:"max_speed"`
	AverageHeartrate   *float64 `json:"average_heartrate"`
	MaxHeartrate       *float64 `json:"max_heartrate"`
	Calories           *float64 `json:"calories"`
	TotalElevationGain *float64 `json:"total_elevation_gain"`
}

// StartDateUnix parses the RFC 3339 start date into unix seconds.
// Returns 0 for unparseable dates.
func (a *Activity) StartDateUnix() int64 {
	t, err := time.Parse(time.RFC3339, a.StartDate)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// ListActivities fetches one page of activities, newest first. When after is
// non-zero only activities started after it (unix seconds) are returned.
func (c *Client) ListActivities(ctx context.Context, accessToken string, after int64, page, perPage int) ([]Activity, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	params := url.Values{
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(perPage)},
	}
	if after > 0 {
		params.Set("after", strconv.FormatInt(after, 10))
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/athlete/activities?"+params.Encode(), accessToken, "list_activities")
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}

	var activities []Activity
	if err := json.Unmarshal(body, &activities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal activities: %w", err)
	}
	return activities, nil
}

// doRequest performs an authenticated API request with retries.
// 429 and 5xx responses are retried with exponential backoff; other non-2xx
// responses fail immediately with an HTTPError.
func (c *Client) doRequest(ctx context.Context, method, path, accessToken, op string) ([]byte, error) {
	var lastErr error
	delay := initialDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			metrics.ProviderAPIRetriesTotal.WithLabelValues(metrics.ProviderStrava).Inc()
			c.logger.Info("retrying strava request", "op", op, "attempt", attempt, "delay_ms", delay.Milliseconds())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
		}

		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		duration := time.Since(start)

		if err != nil {
			lastErr = err
			c.logger.Error("strava request failed", "op", op, "error", err, "attempt", attempt)
			continue
		}

		c.tracker.ParseHeaders(resp.Header)
		metrics.ProviderAPIRequestsTotal.WithLabelValues(metrics.ProviderStrava, op, strconv.Itoa(resp.StatusCode)).Inc()
		c.logger.Info("strava_api_request", "op", op, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read response body: %w", err)
			}
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			if retryAfter := parseRetryAfter(resp.Header); retryAfter > 0 {
				delay = retryAfter
			}
			lastErr = &HTTPError{StatusCode: resp.StatusCode, Body: "rate limited"}
			continue
		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = &HTTPError{StatusCode: resp.StatusCode, Body: "server error"}
			continue
		default:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// RateLimitStatus returns the most recently observed rate limit state
func (c *Client) RateLimitStatus() RateLimitStatus {
	return c.tracker.Status()
}

func parseRetryAfter(headers http.Header) time.Duration {
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}
	seconds, err := strconv.Atoi(retryAfter)
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
