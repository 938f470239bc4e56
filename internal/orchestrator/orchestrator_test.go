package orchestrator

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlctl/internal/models"
	"github.com/ternarybob/crawlctl/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seqIDs is a deterministic stand-in for common.NewJobID, handed to
// SetJobIDFunc so tests can predict generated ids.
type seqIDs struct{ n int }

func (s *seqIDs) next() string {
	s.n++
	return fmt.Sprintf("job-seq-%d", s.n)
}

type fakeDispatcher struct{ calls int }

func (f *fakeDispatcher) DispatchQueued() { f.calls++ }

func TestAcceptAuthorizationInsertsDiscoveryJob(t *testing.T) {
	s := newTestStore(t)
	ids := &seqIDs{}
	SetJobIDFunc(ids.next)
	dispatcher := &fakeDispatcher{}
	o := New(s, dispatcher, Config{}, nil)

	err := o.AcceptAuthorization("acct-1", "gitlabCloud", "user-1", "https://gitlab.com/api/graphql")
	require.NoError(t, err)
	require.Equal(t, 1, dispatcher.calls)
	require.Equal(t, 1, ids.n)

	job, err := s.GetJob("job-seq-1")
	require.NoError(t, err)
	require.Equal(t, models.CommandGroupProjectDiscovery, job.Command)
	require.Equal(t, models.JobStatusQueued, job.Status)
	require.Equal(t, "acct-1", job.AccountID)
}

func TestAcceptAuthorizationSuppressedWithinCooldown(t *testing.T) {
	s := newTestStore(t)
	ids := &seqIDs{}
	SetJobIDFunc(ids.next)
	finished := time.Now()
	job := &models.Job{ID: "job-done", AccountID: "acct-1", Command: models.CommandGroupProjectDiscovery, Status: models.JobStatusFinished, FinishedAt: &finished}
	_, err := s.InsertJobIfAbsent(job)
	require.NoError(t, err)

	dispatcher := &fakeDispatcher{}
	o := New(s, dispatcher, Config{DiscoveryCooldown: 48 * time.Hour}, nil)

	err = o.AcceptAuthorization("acct-1", "gitlabCloud", "user-1", "https://gitlab.com/api/graphql")
	require.NoError(t, err)
	require.Equal(t, 0, dispatcher.calls)
	require.Equal(t, 0, ids.n, "no new job id should be minted while cooldown suppresses discovery")
}

func TestSpawnAreaJobsExpandsGroupCommandSet(t *testing.T) {
	s := newTestStore(t)
	ids := &seqIDs{}
	SetJobIDFunc(ids.next)
	parent := &models.Job{ID: "parent-1", AccountID: "acct-1", ProviderID: "gitlabCloud", UserID: "user-1", Command: models.CommandGroupProjectDiscovery, Status: models.JobStatusRunning}
	_, err := s.InsertJobIfAbsent(parent)
	require.NoError(t, err)

	dispatcher := &fakeDispatcher{}
	o := New(s, dispatcher, Config{}, nil)

	area := models.Area{FullPath: "g/a", GitlabID: "1", Name: "a", Type: models.AreaTypeGroup}
	err = o.SpawnAreaJobs("parent-1", area)
	require.NoError(t, err)

	storedArea, err := s.GetArea("g/a")
	require.NoError(t, err)
	require.Equal(t, "1", storedArea.GitlabID)

	require.Equal(t, len(models.GroupCommands), ids.n)
	for i := 1; i <= ids.n; i++ {
		job, err := s.GetJob(fmt.Sprintf("job-seq-%d", i))
		require.NoError(t, err)
		require.Equal(t, "acct-1", job.AccountID)
		require.Equal(t, "g/a", job.FullPath)
		require.Equal(t, "parent-1", job.SpawnedFrom)
	}
	require.Equal(t, 1, dispatcher.calls)
}

func TestSpawnAreaJobsIsIdempotentAcrossPages(t *testing.T) {
	s := newTestStore(t)
	ids := &seqIDs{}
	SetJobIDFunc(ids.next)
	parent := &models.Job{ID: "parent-2", AccountID: "acct-1", Command: models.CommandGroupProjectDiscovery, Status: models.JobStatusRunning}
	_, err := s.InsertJobIfAbsent(parent)
	require.NoError(t, err)

	o := New(s, nil, Config{}, nil)
	area := models.Area{FullPath: "g/b", Type: models.AreaTypeProject}

	require.NoError(t, o.SpawnAreaJobs("parent-2", area))
	require.NoError(t, o.SpawnAreaJobs("parent-2", area))

	require.Equal(t, len(models.ProjectCommands), ids.n, "second discovery of the same area must not mint new job ids")
}

func TestApplyJobUpdateCompletedClearsResumeState(t *testing.T) {
	s := newTestStore(t)
	job := &models.Job{ID: "job-x", AccountID: "acct-1", Command: models.CommandIssues, Status: models.JobStatusRunning, ResumeState: map[string]models.DataTypeProgress{"issues": {}}}
	_, err := s.InsertJobIfAbsent(job)
	require.NoError(t, err)

	o := New(s, nil, Config{}, nil)
	err = o.ApplyJobUpdate(models.JobUpdatePayload{JobID: "job-x", Status: models.JobUpdateCompleted})
	require.NoError(t, err)

	updated, err := s.GetJob("job-x")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFinished, updated.Status)
	require.Nil(t, updated.ResumeState)
}

func TestApplyJobUpdatePausedPersistsResumeState(t *testing.T) {
	s := newTestStore(t)
	job := &models.Job{ID: "job-y", AccountID: "acct-1", Command: models.CommandIssues, Status: models.JobStatusRunning}
	_, err := s.InsertJobIfAbsent(job)
	require.NoError(t, err)

	cursor := "c9"
	o := New(s, nil, Config{}, nil)
	err = o.ApplyJobUpdate(models.JobUpdatePayload{
		JobID:  "job-y",
		Status: models.JobUpdatePaused,
		Progress: map[string]models.DataTypeProgress{
			"issues": {AfterCursor: &cursor},
		},
	})
	require.NoError(t, err)

	updated, err := s.GetJob("job-y")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPaused, updated.Status)
	require.NotNil(t, updated.ResumeState["issues"].AfterCursor)
	require.Equal(t, "c9", *updated.ResumeState["issues"].AfterCursor)
}

func TestApplyJobUpdateFailedRecordsError(t *testing.T) {
	s := newTestStore(t)
	job := &models.Job{ID: "job-z", AccountID: "acct-1", Command: models.CommandIssues, Status: models.JobStatusRunning}
	_, err := s.InsertJobIfAbsent(job)
	require.NoError(t, err)

	o := New(s, nil, Config{}, nil)
	err = o.ApplyJobUpdate(models.JobUpdatePayload{JobID: "job-z", Status: models.JobUpdateFailed, Error: "rate limited"})
	require.NoError(t, err)

	updated, err := s.GetJob("job-z")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, updated.Status)
	require.Equal(t, "rate limited", updated.ErrorMessage)
}

func TestDecodeJobUpdateRoundTrips(t *testing.T) {
	cursor := "c1"
	raw := map[string]interface{}{
		"jobId":  "job-1",
		"status": "paused",
		"progress": map[string]interface{}{
			"issues": map[string]interface{}{"afterCursor": cursor},
		},
	}
	payload, err := DecodeJobUpdate(raw)
	require.NoError(t, err)
	require.Equal(t, "job-1", payload.JobID)
	require.Equal(t, models.JobUpdatePaused, payload.Status)
	require.Equal(t, "c1", *payload.Progress["issues"].AfterCursor)
}
