package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
)

// InsertJobIfAbsent inserts job as a new row under its own ID unless a row
// with the same (accountId, command, fullPath) already exists in status
// queued or running, in which case it is a no-op, enforcing invariant 1 (at
// most one active job per tuple) from spec §8. Finished or failed rows for
// the same tuple are left as they are; they are not updated or reused.
func (s *Store) InsertJobIfAbsent(job *models.Job) (inserted bool, err error) {
	var existing []models.Job
	queryErr := s.db.Find(&existing,
		badgerhold.Where("AccountID").Eq(job.AccountID).
			And("Command").Eq(job.Command).
			And("FullPath").Eq(job.FullPath))
	if queryErr != nil {
		return false, crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityHigh, "failed to query existing jobs", queryErr)
	}

	for _, j := range existing {
		if j.Status.IsActive() {
			return false, nil
		}
	}

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}

	if err := s.db.Insert(job.ID, job); err != nil {
		return false, crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityHigh, "failed to insert job", err)
	}
	return true, nil
}

// ClaimNextRunnable selects the next job to dispatch: queued before failed,
// resumable (non-nil ResumeState) before fresh, then oldest finished/created
// first. It walks at most maxBatches*batchSize rows in that order, skipping
// (and marking failed, with the rejection's message as ErrorMessage) any row
// whose validate callback rejects it, per spec §4.4.
func (s *Store) ClaimNextRunnable(commandFilter string, batchSize, maxBatches int, validate func(*models.Job) error) (*models.Job, error) {
	if batchSize <= 0 {
		batchSize = 10
	}
	if maxBatches <= 0 {
		maxBatches = 5
	}

	query := badgerhold.Where("Status").In(models.JobStatusQueued, models.JobStatusFailed)
	if commandFilter != "" {
		query = query.And("Command").Eq(models.Command(commandFilter))
	}

	var candidates []models.Job
	if err := s.db.Find(&candidates, query); err != nil {
		return nil, crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityHigh, "failed to query runnable jobs", err)
	}
	sortRunnable(candidates)
	if limit := batchSize * maxBatches; len(candidates) > limit {
		candidates = candidates[:limit]
	}

	for i := range candidates {
		candidate := &candidates[i]
		if validate != nil {
			if err := validate(candidate); err != nil {
				msg := err.Error()
				var ce *crawlerr.Error
				if errors.As(err, &ce) {
					msg = ce.Message
				}
				if markErr := s.UpdateJobStatus(candidate.ID, models.JobStatusFailed, map[string]interface{}{
					"ErrorMessage": msg,
				}); markErr != nil {
					return nil, markErr
				}
				continue
			}
		}
		return candidate, nil
	}
	return nil, nil
}

// sortRunnable orders candidates: queued before failed; within a status,
// resumable (non-nil ResumeState) first; then FinishedAt ASC, CreatedAt ASC.
func sortRunnable(jobs []models.Job) {
	less := func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if a.Status != b.Status {
			return a.Status == models.JobStatusQueued
		}
		aResume := len(a.ResumeState) > 0
		bResume := len(b.ResumeState) > 0
		if aResume != bResume {
			return aResume
		}
		af, bf := finishedOrZero(a), finishedOrZero(b)
		if !af.Equal(bf) {
			return af.Before(bf)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}
	insertionSort(jobs, less)
}

func finishedOrZero(j models.Job) time.Time {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	return time.Time{}
}

func insertionSort(jobs []models.Job, less func(i, j int) bool) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}

// UpdateJobStatus applies a status transition plus arbitrary field updates,
// always bumping UpdatedAt. The recognised fields keys are ErrorMessage,
// StartedAt, FinishedAt, ResumeState and Progress; any other key is ignored.
func (s *Store) UpdateJobStatus(id string, status models.JobStatus, fields map[string]interface{}) error {
	var job models.Job
	if err := s.db.Get(id, &job); err != nil {
		return crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityMedium, fmt.Sprintf("job %s not found", id), err)
	}

	job.Status = status
	job.UpdatedAt = time.Now()

	for k, v := range fields {
		switch k {
		case "ErrorMessage":
			job.ErrorMessage, _ = v.(string)
		case "StartedAt":
			if t, ok := v.(*time.Time); ok {
				job.StartedAt = t
			}
		case "FinishedAt":
			if t, ok := v.(*time.Time); ok {
				job.FinishedAt = t
			}
		case "ResumeState":
			if rs, ok := v.(map[string]models.DataTypeProgress); ok {
				job.ResumeState = rs
			}
		case "Progress":
			if p, ok := v.(map[string]models.DataTypeProgress); ok {
				job.Progress = p
			}
		}
	}

	if status == models.JobStatusRunning && job.StartedAt == nil {
		now := time.Now()
		job.StartedAt = &now
	}
	if status == models.JobStatusFinished {
		now := time.Now()
		job.FinishedAt = &now
		job.ResumeState = nil
	}

	if err := s.db.Update(id, &job); err != nil {
		return crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityHigh, "failed to update job status", err)
	}
	return nil
}

// CheckpointResumeState partially updates a job's resumeState without
// touching its status; never implicitly clears it, per spec §4.4.
func (s *Store) CheckpointResumeState(id string, state map[string]models.DataTypeProgress) error {
	var job models.Job
	if err := s.db.Get(id, &job); err != nil {
		return crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityMedium, fmt.Sprintf("job %s not found", id), err)
	}
	job.ResumeState = state
	job.UpdatedAt = time.Now()
	if err := s.db.Update(id, &job); err != nil {
		return crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityHigh, "failed to checkpoint resume state", err)
	}
	return nil
}

// ResetRunningToQueued is the liveness reconciler's bulk reset: every job in
// status running moves to queued, with started_at cleared in the same row
// update. Rows are updated one at a time, not in one transaction: if an
// update fails, rows already updated stay queued, the rest stay running, and
// it returns 0 with the error. Otherwise it returns the count of rows reset.
func (s *Store) ResetRunningToQueued() (int, error) {
	var running []models.Job
	if err := s.db.Find(&running, badgerhold.Where("Status").Eq(models.JobStatusRunning)); err != nil {
		return 0, crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityHigh, "failed to query running jobs", err)
	}

	for i := range running {
		running[i].Status = models.JobStatusQueued
		running[i].StartedAt = nil
		running[i].UpdatedAt = time.Now()
		if err := s.db.Update(running[i].ID, &running[i]); err != nil {
			return 0, crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityHigh, "failed to reset running job", err)
		}
	}
	return len(running), nil
}

// FindRecentFinished reports whether a finished job matching commandFilter
// and accountID completed within the window, used to suppress re-running
// discovery within a cooldown (default 48h, spec §4.4/§4.7).
func (s *Store) FindRecentFinished(accountID string, command models.Command, within time.Duration) (bool, error) {
	cutoff := time.Now().Add(-within)
	var jobs []models.Job
	err := s.db.Find(&jobs, badgerhold.Where("AccountID").Eq(accountID).
		And("Command").Eq(command).
		And("Status").Eq(models.JobStatusFinished))
	if err != nil {
		return false, crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityMedium, "failed to query recent finished jobs", err)
	}
	for _, j := range jobs {
		if j.FinishedAt != nil && j.FinishedAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

// PruneFinishedOlderThan deletes finished jobs whose FinishedAt predates the
// retention window, backing the orchestrator's scheduled GC sweep. Failed
// jobs are never pruned here — they remain claimable until an operator
// intervenes or a new authorization supersedes them (spec §7).
func (s *Store) PruneFinishedOlderThan(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	var finished []models.Job
	if err := s.db.Find(&finished, badgerhold.Where("Status").Eq(models.JobStatusFinished)); err != nil {
		return 0, crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityMedium, "failed to query finished jobs", err)
	}

	pruned := 0
	for _, job := range finished {
		if job.FinishedAt == nil || job.FinishedAt.After(cutoff) {
			continue
		}
		if err := s.db.Delete(job.ID, &models.Job{}); err != nil {
			return pruned, crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityMedium, "failed to prune finished job", err)
		}
		pruned++
	}
	return pruned, nil
}

// GetJob fetches a single job by id.
func (s *Store) GetJob(id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Get(id, &job); err != nil {
		return nil, crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityLow, fmt.Sprintf("job %s not found", id), err)
	}
	return &job, nil
}
