package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlctl/internal/models"
)

func TestUpsertAccountThenGetAccountRoundTrips(t *testing.T) {
	s := newTestStore(t)

	acct := &models.Account{ID: "acct-1", ProviderID: "gitlabCloud", UserID: "user-1", AccessToken: "tok-abc"}
	require.NoError(t, s.UpsertAccount(acct))

	got, err := s.GetAccount("acct-1")
	require.NoError(t, err)
	require.Equal(t, "tok-abc", got.AccessToken)
	require.Equal(t, "gitlabCloud", got.ProviderID)
}

func TestUpsertAccountOverwritesExistingRecord(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertAccount(&models.Account{ID: "acct-1", AccessToken: "old"}))
	require.NoError(t, s.UpsertAccount(&models.Account{ID: "acct-1", AccessToken: "new"}))

	got, err := s.GetAccount("acct-1")
	require.NoError(t, err)
	require.Equal(t, "new", got.AccessToken)
}

func TestGetAccountReturnsErrorWhenMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAccount("ghost")
	require.Error(t, err)
}
