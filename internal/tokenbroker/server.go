package tokenbroker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"

	"github.com/ternarybob/crawlctl/internal/common"
	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
)

// AccountStore is the backend-side half of provisioner.AccountStore, with
// the one extra write the refresh round trip needs: persisting the new
// access/refresh token pair the provider returns.
type AccountStore interface {
	GetAccount(accountID string) (*models.Account, error)
	UpsertAccount(acct *models.Account) error
}

// ResponseSender delivers an envelope to a specific connected peer;
// satisfied by *ipc.Server.
type ResponseSender interface {
	SendTo(peerID string, env *models.Envelope) bool
}

// ServerHandler is the backend-side half of C3: it answers a crawler's
// TOKEN_REFRESH_REQUEST by refreshing the account's token and replying with
// TOKEN_REFRESH_RESPONSE on the same connection, per spec §4.3.
type ServerHandler struct {
	refresher *Refresher
	accounts  AccountStore
	oauth     common.OAuthConfig
	bus       ResponseSender
	logger    arbor.ILogger
}

// NewServerHandler constructs a ServerHandler.
func NewServerHandler(refresher *Refresher, accounts AccountStore, oauth common.OAuthConfig, bus ResponseSender, logger arbor.ILogger) *ServerHandler {
	return &ServerHandler{refresher: refresher, accounts: accounts, oauth: oauth, bus: bus, logger: logger}
}

// HandleTokenRefreshRequest decodes a TOKEN_REFRESH_REQUEST envelope,
// refreshes the account's token against its provider, persists the result,
// and sends TOKEN_REFRESH_RESPONSE back to the requesting crawler.
func (h *ServerHandler) HandleTokenRefreshRequest(ctx context.Context, env *models.Envelope) error {
	req, err := decodeTokenRefreshRequest(env.Payload)
	if err != nil {
		return err
	}

	acct, err := h.accounts.GetAccount(req.AccountID)
	if err != nil {
		h.reply(env.Origin, req.RequestID, req.ProviderID, nil, err)
		return err
	}

	providerCfg, ok := h.oauth.Providers[req.ProviderID]
	if !ok {
		err := crawlerr.New(crawlerr.KindConfiguration, crawlerr.SeverityMedium, "unknown OAuth provider: "+req.ProviderID)
		h.reply(env.Origin, req.RequestID, req.ProviderID, nil, err)
		return err
	}

	endpoint := ProviderEndpoint{TokenURL: providerCfg.TokenURL, VerifyURL: providerCfg.VerifyURL}
	creds := models.OAuthClientCredentials{ClientID: providerCfg.ClientID, ClientSecret: providerCfg.ClientSecret}

	token, err := h.refresher.Refresh(ctx, endpoint, creds, acct.RefreshToken)
	if err == nil {
		acct.AccessToken = token.AccessToken
		if token.RefreshToken != "" {
			acct.RefreshToken = token.RefreshToken
		}
		if !token.Expiry.IsZero() {
			expiry := token.Expiry
			acct.AccessTokenExpiresAt = &expiry
		}
		if uerr := h.accounts.UpsertAccount(acct); uerr != nil && h.logger != nil {
			h.logger.Warn().Err(uerr).Str("accountId", req.AccountID).Msg("failed to persist refreshed token")
		}
	}

	h.reply(env.Origin, req.RequestID, req.ProviderID, token, err)
	return err
}

func (h *ServerHandler) reply(destination, requestID, providerID string, token *oauth2.Token, refreshErr error) {
	resp := BuildResponse(requestID, providerID, token, refreshErr)
	if !h.bus.SendTo(destination, &models.Envelope{
		Origin:      "backend",
		Destination: models.DestinationCrawler,
		Type:        models.EnvelopeTypeMessage,
		Key:         models.KeyTokenRefreshResponse,
		Payload:     resp,
		Timestamp:   time.Now().UnixMilli(),
	}) && h.logger != nil {
		h.logger.Warn().Str("destination", destination).Msg("token refresh response dropped: peer not connected")
	}
}

// decodeTokenRefreshRequest re-decodes an envelope payload as a
// TokenRefreshRequestPayload.
func decodeTokenRefreshRequest(payload interface{}) (models.TokenRefreshRequestPayload, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return models.TokenRefreshRequestPayload{}, crawlerr.Wrap(crawlerr.KindMessageParsing, crawlerr.SeverityMedium, "failed to re-marshal TOKEN_REFRESH_REQUEST payload", err)
	}
	var out models.TokenRefreshRequestPayload
	if err := json.Unmarshal(data, &out); err != nil {
		return models.TokenRefreshRequestPayload{}, crawlerr.Wrap(crawlerr.KindMessageValidation, crawlerr.SeverityMedium, "failed to decode TOKEN_REFRESH_REQUEST payload", err)
	}
	return out, nil
}
