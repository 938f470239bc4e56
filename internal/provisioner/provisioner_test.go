package provisioner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlctl/internal/common"
	"github.com/ternarybob/crawlctl/internal/models"
	"github.com/ternarybob/crawlctl/internal/store"
)

type fakeAccounts struct {
	accounts map[string]*models.Account
}

func (f *fakeAccounts) GetAccount(accountID string) (*models.Account, error) {
	if a, ok := f.accounts[accountID]; ok {
		return a, nil
	}
	return nil, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func oauthWithGitlabCloud() common.OAuthConfig {
	return common.OAuthConfig{
		Providers: map[string]common.OAuthProviderConfig{
			"gitlabCloud": {ClientID: "client-1", ClientSecret: "secret-1", BaseURL: "https://gitlab.com"},
		},
	}
}

func TestProvisionNextHappyPath(t *testing.T) {
	s := newTestStore(t)
	accounts := &fakeAccounts{accounts: map[string]*models.Account{
		"acct-1": {ID: "acct-1", ProviderID: "gitlabCloud", AccessToken: "tok-1"},
	}}
	p := New(s, accounts, oauthWithGitlabCloud(), "/data/output", 10, 5, nil)

	job := &models.Job{ID: "job-1", AccountID: "acct-1", ProviderID: "gitlabCloud", Command: models.CommandGroupProjectDiscovery, Status: models.JobStatusQueued}
	_, err := s.InsertJobIfAbsent(job)
	require.NoError(t, err)

	descriptor, err := p.ProvisionNext("")
	require.NoError(t, err)
	require.NotNil(t, descriptor)
	require.Equal(t, "job-1", descriptor.TaskID)
	require.Equal(t, models.ResourceTypeDiscovery, descriptor.ResourceType)
	require.Nil(t, descriptor.ResourceID)
	require.Equal(t, "tok-1", descriptor.Credentials.AccessToken)
	require.Equal(t, "https://gitlab.com/api/graphql", descriptor.GitlabAPIURL)
}

func TestProvisionNextResolvesAreaGitlabID(t *testing.T) {
	s := newTestStore(t)
	accounts := &fakeAccounts{accounts: map[string]*models.Account{
		"acct-1": {ID: "acct-1", ProviderID: "gitlabCloud", AccessToken: "tok-1"},
	}}
	p := New(s, accounts, oauthWithGitlabCloud(), "/data/output", 10, 5, nil)

	_, err := s.InsertAreaIfAbsent(&models.Area{FullPath: "g/a", GitlabID: "42", Type: models.AreaTypeGroup})
	require.NoError(t, err)

	job := &models.Job{ID: "job-2", AccountID: "acct-1", ProviderID: "gitlabCloud", Command: models.CommandGroupIssues, FullPath: "g/a", Status: models.JobStatusQueued}
	_, err = s.InsertJobIfAbsent(job)
	require.NoError(t, err)

	descriptor, err := p.ProvisionNext("")
	require.NoError(t, err)
	require.NotNil(t, descriptor)
	require.Equal(t, "42", descriptor.ResourceID)
}

func TestProvisionNextMarksMissingAccessTokenFailed(t *testing.T) {
	s := newTestStore(t)
	accounts := &fakeAccounts{accounts: map[string]*models.Account{
		"acct-1": {ID: "acct-1", ProviderID: "gitlabCloud", AccessToken: ""},
	}}
	p := New(s, accounts, oauthWithGitlabCloud(), "/data/output", 10, 5, nil)

	job := &models.Job{ID: "job-3", AccountID: "acct-1", ProviderID: "gitlabCloud", Command: models.CommandGroupProjectDiscovery, Status: models.JobStatusQueued}
	_, err := s.InsertJobIfAbsent(job)
	require.NoError(t, err)

	descriptor, err := p.ProvisionNext("")
	require.NoError(t, err)
	require.Nil(t, descriptor)

	updated, err := s.GetJob("job-3")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, updated.Status)
	require.Equal(t, "Missing access token", updated.ErrorMessage)
}

func TestProvisionNextReturnsNilWhenNothingRunnable(t *testing.T) {
	s := newTestStore(t)
	accounts := &fakeAccounts{accounts: map[string]*models.Account{}}
	p := New(s, accounts, oauthWithGitlabCloud(), "/data/output", 10, 5, nil)

	descriptor, err := p.ProvisionNext("")
	require.NoError(t, err)
	require.Nil(t, descriptor)
}
