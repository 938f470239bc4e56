package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlctl/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertJobIfAbsentSuppressesDuplicates(t *testing.T) {
	s := newTestStore(t)

	job1 := &models.Job{ID: "job-1", AccountID: "acct-1", Command: models.CommandGroupProjects, FullPath: "g/a", Status: models.JobStatusQueued}
	inserted, err := s.InsertJobIfAbsent(job1)
	require.NoError(t, err)
	require.True(t, inserted)

	job2 := &models.Job{ID: "job-2", AccountID: "acct-1", Command: models.CommandGroupProjects, FullPath: "g/a", Status: models.JobStatusQueued}
	inserted, err = s.InsertJobIfAbsent(job2)
	require.NoError(t, err)
	require.False(t, inserted, "duplicate (accountId, command, fullPath) tuple must be suppressed")
}

func TestInsertJobIfAbsentAllowsReinsertAfterFinish(t *testing.T) {
	s := newTestStore(t)

	job1 := &models.Job{ID: "job-1", AccountID: "acct-1", Command: models.CommandGroupProjects, FullPath: "g/a", Status: models.JobStatusFinished}
	inserted, err := s.InsertJobIfAbsent(job1)
	require.NoError(t, err)
	require.True(t, inserted)

	job2 := &models.Job{ID: "job-2", AccountID: "acct-1", Command: models.CommandGroupProjects, FullPath: "g/a", Status: models.JobStatusQueued}
	inserted, err = s.InsertJobIfAbsent(job2)
	require.NoError(t, err)
	require.True(t, inserted, "a finished job does not block a new run of the same tuple")
}

func TestClaimNextRunnablePrefersQueuedOverFailed(t *testing.T) {
	s := newTestStore(t)

	failed := &models.Job{ID: "j-failed", AccountID: "a", Command: models.CommandIssues, FullPath: "p/1", Status: models.JobStatusFailed, CreatedAt: time.Now()}
	queued := &models.Job{ID: "j-queued", AccountID: "a", Command: models.CommandIssues, FullPath: "p/2", Status: models.JobStatusQueued, CreatedAt: time.Now()}
	_, err := s.InsertJobIfAbsent(failed)
	require.NoError(t, err)
	_, err = s.InsertJobIfAbsent(queued)
	require.NoError(t, err)

	job, err := s.ClaimNextRunnable("", 10, 5, nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "j-queued", job.ID)
}

func TestClaimNextRunnableMarksFailedOnValidationError(t *testing.T) {
	s := newTestStore(t)

	job := &models.Job{ID: "j1", AccountID: "a", Command: models.CommandIssues, FullPath: "p/1", Status: models.JobStatusQueued, CreatedAt: time.Now()}
	_, err := s.InsertJobIfAbsent(job)
	require.NoError(t, err)

	claimCount := 0
	claimed, err := s.ClaimNextRunnable("", 10, 5, func(j *models.Job) error {
		claimCount++
		return errValidation
	})
	require.NoError(t, err)
	require.Nil(t, claimed)
	require.Equal(t, 1, claimCount)

	stored, err := s.GetJob("j1")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, stored.Status)
}

func TestResetRunningToQueuedClearsStartedAt(t *testing.T) {
	s := newTestStore(t)

	job := &models.Job{ID: "j1", AccountID: "a", Command: models.CommandIssues, FullPath: "p/1", Status: models.JobStatusQueued, CreatedAt: time.Now()}
	_, err := s.InsertJobIfAbsent(job)
	require.NoError(t, err)
	require.NoError(t, s.UpdateJobStatus("j1", models.JobStatusRunning, nil))

	count, err := s.ResetRunningToQueued()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	stored, err := s.GetJob("j1")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, stored.Status)
	require.Nil(t, stored.StartedAt)
}

func TestCheckpointResumeStateNeverImplicitlyCleared(t *testing.T) {
	s := newTestStore(t)

	cursor := "c4"
	job := &models.Job{ID: "j1", AccountID: "a", Command: models.CommandIssues, FullPath: "p/1", Status: models.JobStatusRunning, CreatedAt: time.Now()}
	_, err := s.InsertJobIfAbsent(job)
	require.NoError(t, err)

	state := map[string]models.DataTypeProgress{"issues": {AfterCursor: &cursor}}
	require.NoError(t, s.CheckpointResumeState("j1", state))

	// A status update with no ResumeState field must not clear it.
	require.NoError(t, s.UpdateJobStatus("j1", models.JobStatusPaused, nil))

	stored, err := s.GetJob("j1")
	require.NoError(t, err)
	require.NotNil(t, stored.ResumeState["issues"].AfterCursor)
	require.Equal(t, "c4", *stored.ResumeState["issues"].AfterCursor)
}

type sentinelError struct{ msg string }

func (e *sentinelError) Error() string { return e.msg }

var errValidation = &sentinelError{"missing access token"}
