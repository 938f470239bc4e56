package tokenbroker

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlctl/internal/common"
	"github.com/ternarybob/crawlctl/internal/models"
)

type fakeAccountStore struct {
	accounts map[string]*models.Account
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{accounts: make(map[string]*models.Account)}
}

func (f *fakeAccountStore) GetAccount(accountID string) (*models.Account, error) {
	acct, ok := f.accounts[accountID]
	if !ok {
		return nil, errors.New("account not found")
	}
	return acct, nil
}

func (f *fakeAccountStore) UpsertAccount(acct *models.Account) error {
	f.accounts[acct.ID] = acct
	return nil
}

type fakeResponseSender struct {
	sent []*models.Envelope
	ok   bool
}

func (f *fakeResponseSender) SendTo(peerID string, env *models.Envelope) bool {
	f.sent = append(f.sent, env)
	return f.ok
}

func TestHandleTokenRefreshRequestSucceedsAndPersistsNewToken(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	}))
	defer tokenServer.Close()

	accounts := newFakeAccountStore()
	accounts.accounts["acct-1"] = &models.Account{ID: "acct-1", ProviderID: "gitlabCloud", RefreshToken: "old-refresh"}

	oauthCfg := common.OAuthConfig{Providers: map[string]common.OAuthProviderConfig{
		"gitlabCloud": {ClientID: "id", ClientSecret: "secret", TokenURL: tokenServer.URL},
	}}

	bus := &fakeResponseSender{ok: true}
	handler := NewServerHandler(NewRefresher(0), accounts, oauthCfg, bus, nil)

	env := &models.Envelope{
		Origin: "crawler-1",
		Payload: models.TokenRefreshRequestPayload{
			RequestID:  "req-1",
			ProviderID: "gitlabCloud",
			AccountID:  "acct-1",
		},
	}

	err := handler.HandleTokenRefreshRequest(t.Context(), env)
	require.NoError(t, err)

	require.Len(t, bus.sent, 1)
	resp := bus.sent[0].Payload.(models.TokenRefreshResponsePayload)
	require.True(t, resp.Success)
	require.Equal(t, "new-access", resp.AccessToken)
	require.Equal(t, "acct-1", accounts.accounts["acct-1"].ID)
	require.Equal(t, "new-access", accounts.accounts["acct-1"].AccessToken)
}

func TestHandleTokenRefreshRequestRepliesWithFailureOnUnknownProvider(t *testing.T) {
	accounts := newFakeAccountStore()
	accounts.accounts["acct-1"] = &models.Account{ID: "acct-1", RefreshToken: "old-refresh"}

	bus := &fakeResponseSender{ok: true}
	handler := NewServerHandler(NewRefresher(0), accounts, common.OAuthConfig{Providers: map[string]common.OAuthProviderConfig{}}, bus, nil)

	env := &models.Envelope{
		Origin: "crawler-1",
		Payload: models.TokenRefreshRequestPayload{
			RequestID:  "req-2",
			ProviderID: "unknownProvider",
			AccountID:  "acct-1",
		},
	}

	err := handler.HandleTokenRefreshRequest(t.Context(), env)
	require.Error(t, err)

	require.Len(t, bus.sent, 1)
	resp := bus.sent[0].Payload.(models.TokenRefreshResponsePayload)
	require.False(t, resp.Success)
	require.NotEmpty(t, resp.Error)
}
