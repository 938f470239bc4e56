// Package tokenbroker implements the Token Refresh Broker (C3): backend-side
// OAuth2 token verification/refresh, and crawler-side request/response
// correlation by requestId, per SPEC_FULL.md / spec.md §4.3.
package tokenbroker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
)

// ProviderEndpoint names the token and (optional) verification endpoints for
// one OAuth provider, settings-derived.
type ProviderEndpoint struct {
	TokenURL  string
	VerifyURL string
}

// Refresher performs the backend-side half of the round trip: verifying and
// refreshing OAuth2 tokens against a provider.
type Refresher struct {
	httpClient *http.Client
}

// NewRefresher constructs a Refresher with the given outbound HTTP timeout.
func NewRefresher(timeout time.Duration) *Refresher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Refresher{httpClient: &http.Client{Timeout: timeout}}
}

// Verify issues a GET to the provider's verify URL with the token as a
// bearer credential. HTTP 2xx is treated as valid, matching spec §4.3.
func (r *Refresher) Verify(ctx context.Context, endpoint ProviderEndpoint, accessToken string) (bool, error) {
	if endpoint.VerifyURL == "" {
		return true, nil // verification is optional per spec; no URL means "assume valid"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.VerifyURL, nil)
	if err != nil {
		return false, crawlerr.Wrap(crawlerr.KindNetwork, crawlerr.SeverityLow, "failed to build verify request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false, crawlerr.Wrap(crawlerr.KindNetwork, crawlerr.SeverityMedium, "verify request failed", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// Refresh exchanges a refresh token for a new access token using the
// refresh_token grant. Client credentials are sent as HTTP Basic when
// present; the oauth2 package falls back to embedding client_id in the
// body otherwise (AuthStyleAutoDetect), matching spec §4.3. It returns the
// *oauth2.Token the oauth2 package produced; ServerHandler keeps the
// account's stored refresh token when that token's RefreshToken is empty.
func (r *Refresher) Refresh(ctx context.Context, endpoint ProviderEndpoint, creds models.OAuthClientCredentials, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, crawlerr.New(crawlerr.KindAuthentication, crawlerr.SeverityHigh, "no refresh token available")
	}

	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: endpoint.TokenURL,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	token, err := src.Token()
	if err != nil {
		return nil, crawlerr.Wrap(crawlerr.KindAuthentication, crawlerr.SeverityHigh, "token refresh failed", err)
	}
	return token, nil
}

// BuildResponse converts a Refresh result (or error) into the
// TOKEN_REFRESH_RESPONSE payload sent back over the bus.
func BuildResponse(requestID, providerID string, token *oauth2.Token, refreshErr error) models.TokenRefreshResponsePayload {
	if refreshErr != nil {
		return models.TokenRefreshResponsePayload{
			RequestID:  requestID,
			Success:    false,
			ProviderID: providerID,
			Error:      fmt.Sprintf("%v", refreshErr),
		}
	}

	resp := models.TokenRefreshResponsePayload{
		RequestID:    requestID,
		Success:      true,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ProviderID:   providerID,
	}
	if !token.Expiry.IsZero() {
		ms := token.Expiry.UnixMilli()
		resp.ExpiresAt = &ms
	}
	return resp
}
