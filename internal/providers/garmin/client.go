package garmin

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
	defaultAPIURL          = "https://apis.garmin.com/wellness-api/rest"
	defaultTokenURL        = "https://diauth.garmin.com/di-oauth2-service/oauth/token"
	defaultRequestTokenURL = "https://connectapi.garmin.com/oauth-service/oauth/request_token"
	defaultAuthURL         = "https://connect.garmin.com/oauth2Confirm"

	// userConfigTimeout bounds calls to the auxiliary user configuration
	// endpoints so a slow dependency cannot stall the caller
	userConfigTimeout = 5 * time.Second
)

// HTTPError is a non-2xx response from the Garmin API
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("garmin api error (status %d): %s", e.StatusCode, e.Body)
}

// Token is the credential material needed to authenticate a Garmin API call.
// TokenSecret is set for legacy OAuth1.0 credentials; when it is empty the
// access token is sent as a bearer token.
type Token struct {
	AccessToken string
	TokenSecret string
}

// Client is a Garmin API client covering both the legacy OAuth1.0 surface
// and the OAuth2/PKCE token endpoints
type Client struct {
	httpClient      *http.Client
	apiURL          string
	tokenURL        string
	requestTokenURL string
	authURL         string
	clientID        string
	clientSecret    string
	signer          *Signer
	logger          *slog.Logger
	pacer           *rate.Limiter
}

// NewClient creates a new Garmin API client
func NewClient(consumerKey, consumerSecret, clientID, clientSecret string) *Client {
	return &Client{
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		apiURL:          defaultAPIURL,
		tokenURL:        defaultTokenURL,
		requestTokenURL: defaultRequestTokenURL,
		authURL:         defaultAuthURL,
		clientID:        clientID,
		clientSecret:    clientSecret,
		signer:          NewSigner(consumerKey, consumerSecret),
		logger:          slog.Default(),
		pacer:           rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// SetBaseURLs overrides the API endpoints. Intended for tests.
func (c *Client) SetBaseURLs(apiURL, tokenURL, requestTokenURL, authURL string) {
	c.apiURL = apiURL
	c.tokenURL = tokenURL
	c.requestTokenURL = requestTokenURL
	c.authURL = authURL
}

// Signer exposes the OAuth1.0 signer, mainly for tests
func (c *Client) Signer() *Signer {
	return c.signer
}

// AuthorizationURL builds the PKCE authorization redirect URL
func (c *Client) AuthorizationURL(redirectURI, state, codeChallenge string) string {
	params := url.Values{
		"client_id":             {c.clientID},
		"response_type":         {"code"},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
		"redirect_uri":          {redirectURI},
		"state":                 {state},
	}
	return fmt.Sprintf("%s?%s", c.authURL, params.Encode())
}

// RequestToken performs the legacy OAuth1.0 request-token step.
// The response is form-encoded: oauth_token=...&oauth_token_secret=...
func (c *Client) RequestToken(ctx context.Context) (token, secret string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestTokenURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", c.signer.AuthorizationHeader(http.MethodPost, c.requestTokenURL, nil, "", ""))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("request token call failed: %w", err)
	}
	defer resp.Body.Close()

	metrics.ProviderAPIRequestsTotal.WithLabelValues(metrics.ProviderGarmin, "request_token", strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to read request token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return "", "", fmt.Errorf("failed to parse request token response: %w", err)
	}
	token = values.Get("oauth_token")
	secret = values.Get("oauth_token_secret")
	if token == "" || secret == "" {
		return "", "", fmt.Errorf("request token response missing fields: %s", string(body))
	}
	return token, secret, nil
}

// TokenResponse is the OAuth2 token endpoint response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// ExchangeCode exchanges an authorization code plus the PKCE verifier for
// access and refresh tokens
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*TokenResponse, error) {
	return c.tokenRequest(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"code":          {code},
		"code_verifier": {codeVerifier},
		"redirect_uri":  {redirectURI},
	}, "exchange_code")
}

// RefreshToken refreshes an access token
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return c.tokenRequest(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"refresh_token": {refreshToken},
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
		c.logger.Error("garmin token request failed", "op", op, "error", err, "duration_ms", duration.Milliseconds())
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	metrics.ProviderAPIRequestsTotal.WithLabelValues(metrics.ProviderGarmin, op, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Info("garmin_token_request", "op", op, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

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

// Activity is a Garmin activity summary
type Activity struct {
	SummaryID          string   `json:"summaryId"`
	ActivityName       *string  `json:"activityName"`
	ActivityType       *string  `json:"activityType"`
	StartTime          *int64   `json:"startTimeInSeconds"`
	Duration           *int64   `json:"durationInSeconds"`
	Distance           *float64 `json:"distanceInMeters"`
	AverageSpeed       *float64 `json:"averageSpeedInMetersPerSecond"`
	MaxSpeed           *float64 `json:"maxSpeedInMetersPerSecond"`
	AverageHeartRate   *float64 `json:"averageHeartRateInBeatsPerMinute"`
	MaxHeartRate       *float64 `json:"maxHeartRateInBeatsPerMinute"`
	ActiveKilocalories *float64 `json:"activeKilocalories"`
	ElevationGain      *float64 `json:"totalElevationGainInMeters"`
}

// ListActivities fetches activities uploaded within the window
func (c *Client) ListActivities(ctx context.Context, tok Token, from, to int64) ([]Activity, error) {
	params := map[string]string{
		"uploadStartTimeInSeconds": strconv.FormatInt(from, 10),
		"uploadEndTimeInSeconds":   strconv.FormatInt(to, 10),
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/activities", params, tok, "list_activities")
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}

	var activities []Activity
	if err := json.Unmarshal(body, &activities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal activities: %w", err)
	}
	return activities, nil
}

// BackfillSummaries submits an asynchronous historical backfill for one
// summary type and time window. Garmin acknowledges with 202 and delivers
// the data later through the webhook.
func (c *Client) BackfillSummaries(ctx context.Context, tok Token, summaryType string, from, to int64) error {
	params := map[string]string{
		"summaryStartTimeInSeconds": strconv.FormatInt(from, 10),
		"summaryEndTimeInSeconds":   strconv.FormatInt(to, 10),
	}

	_, err := c.doRequest(ctx, http.MethodGet, "/backfill/"+summaryType, params, tok, "backfill")
	if err != nil {
		return fmt.Errorf("failed to submit backfill: %w", err)
	}
	return nil
}

// UserPermissions describes what the user consented to share
type UserPermissions struct {
	Permissions []string
	Fallback    bool // true when the default was substituted for a slow/failed lookup
}

// defaultPermissions is the locally-known fallback used when the
// configuration endpoint is slow or unavailable
var defaultPermissions = []string{"ACTIVITY_EXPORT"}

// FetchUserPermissions looks up the user's consent configuration with a
// bounded timeout. On timeout or error it falls back to the local default
// rather than failing the caller.
func (c *Client) FetchUserPermissions(ctx context.Context, tok Token) UserPermissions {
	ctx, cancel := context.WithTimeout(ctx, userConfigTimeout)
	defer cancel()

	body, err := c.doRequest(ctx, http.MethodGet, "/user/permissions", nil, tok, "user_permissions")
	if err != nil {
		c.logger.Warn("user permissions lookup failed, using default", "error", err)
		return UserPermissions{Permissions: defaultPermissions, Fallback: true}
	}

	var perms []string
	if err := json.Unmarshal(body, &perms); err != nil {
		c.logger.Warn("user permissions response malformed, using default", "error", err)
		return UserPermissions{Permissions: defaultPermissions, Fallback: true}
	}
	return UserPermissions{Permissions: perms}
}

// FetchUserID resolves the Garmin user id for a credential
func (c *Client) FetchUserID(ctx context.Context, tok Token) (string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/user/id", nil, tok, "user_id")
	if err != nil {
		return "", fmt.Errorf("failed to fetch user id: %w", err)
	}

	var payload struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to decode user id response: %w", err)
	}
	return payload.UserID, nil
}

// doRequest performs an authenticated API request. Legacy credentials get a
// fresh OAuth1.0 signature per call; OAuth2 credentials get a bearer header.
func (c *Client) doRequest(ctx context.Context, method, path string, params map[string]string, tok Token, op string) ([]byte, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	fullURL := c.apiURL + path
	if len(params) > 0 {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		fullURL += "?" + values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if tok.TokenSecret != "" {
		req.Header.Set("Authorization", c.signer.AuthorizationHeader(method, c.apiURL+path, params, tok.AccessToken, tok.TokenSecret))
	} else {
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.logger.Error("garmin request failed", "op", op, "error", err)
		return nil, fmt.Errorf("garmin request failed: %w", err)
	}
	defer resp.Body.Close()

	metrics.ProviderAPIRequestsTotal.WithLabelValues(metrics.ProviderGarmin, op, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Info("garmin_api_request", "op", op, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
