package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/claritihq/tasksync/internal/taskstore"
)

// TokenRefresher renews an integration's access token. Implementations
// return the refreshed integration; the orchestrator persists it.
type TokenRefresher interface {
	Refresh(ctx context.Context, integration *taskstore.Integration) (*taskstore.Integration, error)
}

// GoogleTokenRefresher exchanges a stored refresh token at the Google
// OAuth token endpoint. Used by the gmail and google_calendar providers,
// whose access tokens are short-lived.
type GoogleTokenRefresher struct {
	endpoint     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	now          func() time.Time
}

func NewGoogleTokenRefresher(clientID, clientSecret string, httpClient *http.Client) *GoogleTokenRefresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &GoogleTokenRefresher{
		endpoint:     "https://oauth2.googleapis.com/token",
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (r *GoogleTokenRefresher) Refresh(ctx context.Context, integration *taskstore.Integration) (*taskstore.Integration, error) {
	if integration == nil || strings.TrimSpace(integration.RefreshToken) == "" {
		return nil, fmt.Errorf("%w: no refresh token stored", ErrAuthExpired)
	}
	form := url.Values{
		"client_id":     {r.clientID},
		"client_secret": {r.clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {integration.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: token endpoint status=%d", ErrAuthExpired, resp.StatusCode)
	}
	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: token response decode: %v", ErrAuthExpired, err)
	}
	if strings.TrimSpace(parsed.AccessToken) == "" {
		return nil, fmt.Errorf("%w: token endpoint returned no access token", ErrAuthExpired)
	}

	refreshed := *integration
	refreshed.AccessToken = parsed.AccessToken
	if parsed.ExpiresIn > 0 {
		expires := r.now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
		refreshed.ExpiresAt = &expires
	}
	return &refreshed, nil
}
