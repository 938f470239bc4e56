package crawlerworker

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
)

// discoveryDataType is the wire-level dataType for CommandGroupProjectDiscovery
// (spec §4.5). It never reaches a Fetcher directly: expandDataTypes splits it
// into independent groups/projects connections before pagination starts, so
// each keeps its own cursor in job.progress, per spec §6's dual-cursor
// discovery resumeState shape.
const (
	discoveryDataType         = "discover_all_groups_projects"
	discoveryGroupsDataType   = "discover_groups"
	discoveryProjectsDataType = "discover_projects"
)

// expandDataTypes replaces discoveryDataType with its groups/projects pair,
// leaving every other dataType untouched. The wire-level CommandSpec for
// CommandGroupProjectDiscovery keeps reporting a single dataType; the split
// is an implementation detail of how the crawler paginates it.
func expandDataTypes(dataTypes []string) []string {
	expanded := make([]string, 0, len(dataTypes)+1)
	for _, dt := range dataTypes {
		if dt == discoveryDataType {
			expanded = append(expanded, discoveryGroupsDataType, discoveryProjectsDataType)
			continue
		}
		expanded = append(expanded, dt)
	}
	return expanded
}

// executeJob is the per-job execution loop from spec §4.6: for each
// dataType, paginate until exhaustion, pause, or failure. Loop exit with the
// job still "running" means natural completion.
func (m *Manager) executeJob(ctx context.Context, job *activeJob) {
	fetcher := m.newFetcher(job.descriptor)

	for _, dataType := range expandDataTypes(job.descriptor.DataTypes) {
		if job.status != models.JobStatusRunning {
			break
		}
		if !m.runDataType(ctx, job, fetcher, dataType) {
			// runDataType already set job.status to paused/failed and
			// emitted the corresponding update; stop processing further
			// dataTypes for this invocation.
			break
		}
	}

	switch job.status {
	case models.JobStatusRunning:
		job.status = models.JobStatusFinished
		m.emitJobUpdate(job, models.JobUpdateCompleted, "")
		m.setIdle()
	case models.JobStatusPaused:
		m.setPaused()
	case models.JobStatusFailed:
		m.setIdle()
	}

	m.clearActiveIfTerminal(job)
	m.TryStartNextJob(ctx)
}

// runDataType pages through one dataType. Returns false if the job was
// paused or failed mid-loop (the caller must not proceed to the next
// dataType); true on natural exhaustion.
func (m *Manager) runDataType(ctx context.Context, job *activeJob, fetcher Fetcher, dataType string) bool {
	progress := job.progress[dataType]
	after := progress.AfterCursor

	for {
		if m.samplePause() {
			progress.AfterCursor = after
			job.progress[dataType] = progress
			job.status = models.JobStatusPaused
			m.emitJobUpdate(job, models.JobUpdatePaused, "")
			return false
		}

		page, err := fetcher.FetchPage(ctx, dataType, job.descriptor.ResourceType, job.descriptor.ResourceID, after)
		if err != nil && crawlerr.IsKind(err, crawlerr.KindAuthentication) && m.tokenRefresher != nil {
			if refreshed := m.tryRefreshToken(ctx, job); refreshed {
				fetcher = m.newFetcher(job.descriptor)
				page, err = fetcher.FetchPage(ctx, dataType, job.descriptor.ResourceType, job.descriptor.ResourceID, after)
			}
		}
		if err != nil {
			now := time.Now().UnixMilli()
			progress.ErrorCount++
			progress.LastAttempt = &now
			job.progress[dataType] = progress
			job.errMessage = err.Error()
			job.status = models.JobStatusFailed
			job.failureLog.Append(fmt.Sprintf("[%s] %s: %v", dataType, time.Now().Format(time.RFC3339), err))
			m.flushFailureLogs(job)
			m.emitJobUpdate(job, models.JobUpdateFailed, job.errMessage)
			return false
		}

		if len(page.Nodes) > 0 {
			targetPath := fmt.Sprintf("%v", job.descriptor.ResourceID)
			if writeErr := m.sink.WriteRecords(dataType, targetPath, page.Nodes); writeErr != nil && m.logger != nil {
				m.logger.Warn().Err(writeErr).Str("dataType", dataType).Msg("failed to persist page to sink")
			}
		}

		if job.descriptor.Command.IsDiscovery() && m.spawner != nil {
			for _, node := range page.Nodes {
				m.spawnDiscoveredArea(job.descriptor.TaskID, node)
			}
		}

		hasNext := page.PageInfo != nil && page.PageInfo.HasNextPage
		var endCursor *string
		if page.PageInfo != nil {
			endCursor = page.PageInfo.EndCursor
		}

		if !hasNext {
			delete(job.progress, dataType)
			return true
		}

		progress.AfterCursor = endCursor
		job.progress[dataType] = progress
		after = endCursor

		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				// ctx was cancelled between pages: the cursor is already
				// checkpointed, so report the job paused, not completed.
				job.status = models.JobStatusPaused
				m.emitJobUpdate(job, models.JobUpdatePaused, "")
				return false
			}
		}
	}
}

// spawnDiscoveredArea converts a raw GraphQL node into an Area and asks the
// orchestrator to fan out child jobs. Failures are logged only, per spec
// §4.6 step 3.e — a spawn failure never fails the discovery job itself.
func (m *Manager) spawnDiscoveredArea(parentJobID string, node map[string]interface{}) {
	fullPath, _ := node["fullPath"].(string)
	if fullPath == "" {
		return
	}
	name, _ := node["name"].(string)
	gitlabID := fmt.Sprintf("%v", node["id"])
	areaType := models.AreaTypeProject
	if typename, _ := node["__typename"].(string); typename == "Group" {
		areaType = models.AreaTypeGroup
	}

	area := models.Area{FullPath: fullPath, GitlabID: gitlabID, Name: name, Type: areaType}
	if err := m.spawner.SpawnAreaJobs(parentJobID, area); err != nil && m.logger != nil {
		m.logger.Warn().Err(err).Str("fullPath", fullPath).Msg("failed to spawn child jobs for discovered area")
	}
}

// tryRefreshToken runs the crawler-side half of the token refresh round
// trip (spec §4.3): request, await correlated response, and splice the new
// credentials into the job's descriptor for the retry. Returns false if the
// refresh failed or timed out, in which case the caller makes no retry and
// fails the job with the original fetch error.
func (m *Manager) tryRefreshToken(ctx context.Context, job *activeJob) bool {
	resp, err := m.tokenRefresher.Refresh(ctx, job.descriptor.ProviderID, job.descriptor.AccountID, job.descriptor.UserID)
	if err != nil || !resp.Success {
		return false
	}
	job.descriptor.Credentials.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		job.descriptor.Credentials.RefreshToken = resp.RefreshToken
	}
	return true
}

// emitJobUpdate sends the jobUpdate envelope for a terminal or paused
// transition, per spec §6.
func (m *Manager) emitJobUpdate(job *activeJob, status models.JobUpdateStatus, errMessage string) {
	if m.bus == nil {
		return
	}
	m.bus.Send(&models.Envelope{
		Origin:      m.selfID,
		Destination: models.DestinationBackend,
		Type:        models.EnvelopeTypeMessage,
		Key:         models.KeyJobUpdate,
		Payload: models.JobUpdatePayload{
			JobID:     job.descriptor.TaskID,
			Status:    status,
			Error:     errMessage,
			Progress:  job.progress,
			Timestamp: time.Now().UnixMilli(),
		},
		Timestamp: time.Now().UnixMilli(),
	}, true)
}

// flushFailureLogs sends the buffered diagnostic lines for a failed job, per
// the JOB_FAILURE_LOGS supplemental feature in SPEC_FULL.md.
func (m *Manager) flushFailureLogs(job *activeJob) {
	if m.bus == nil || job.failureLog == nil {
		return
	}
	lines := job.failureLog.Lines()
	if len(lines) == 0 {
		return
	}
	m.bus.Send(&models.Envelope{
		Origin:      m.selfID,
		Destination: models.DestinationBackend,
		Type:        models.EnvelopeTypeMessage,
		Key:         models.KeyJobFailureLogs,
		Payload: models.JobFailureLogsPayload{
			JobID: job.descriptor.TaskID,
			Lines: lines,
		},
		Timestamp: time.Now().UnixMilli(),
	}, true)
}
