// Package orchestrator implements the Orchestrator (C7): the backend-side
// subsystem that turns authorization intake into a discovery job, expands
// discovered areas into their per-area command set, applies jobUpdate
// reports back to the store, and runs the scheduled cooldown GC sweep, per
// SPEC_FULL.md / spec.md §4.7.
package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
	"github.com/ternarybob/crawlctl/internal/store"
)

// Dispatcher hands a freshly queued job to a crawler. In this module's
// architecture that simply means "a job exists in the store in status
// queued" — the actual hand-off to a specific crawler connection is the
// Task Provisioner's job (C5); Dispatch here is a hook invoked after every
// successful insertJobIfAbsent so a caller can immediately attempt
// provisioning rather than waiting for the next poll.
type Dispatcher interface {
	DispatchQueued()
}

// Config tunes orchestrator timing.
type Config struct {
	DiscoveryCooldown time.Duration // default 48h
	GCInterval        string        // cron spec for the finished-job GC sweep
	GCRetention       time.Duration // how long a finished job is kept before pruning
}

func defaultConfig(cfg Config) Config {
	if cfg.DiscoveryCooldown <= 0 {
		cfg.DiscoveryCooldown = 48 * time.Hour
	}
	if cfg.GCInterval == "" {
		cfg.GCInterval = "@hourly"
	}
	if cfg.GCRetention <= 0 {
		cfg.GCRetention = 7 * 24 * time.Hour
	}
	return cfg
}

// Orchestrator is C7.
type Orchestrator struct {
	store      *store.Store
	dispatcher Dispatcher
	cfg        Config
	logger     arbor.ILogger
	cron       *cron.Cron
}

// New constructs an Orchestrator. dispatcher may be nil if the caller
// prefers to poll for queued work on its own schedule.
func New(jobStore *store.Store, dispatcher Dispatcher, cfg Config, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		store:      jobStore,
		dispatcher: dispatcher,
		cfg:        defaultConfig(cfg),
		logger:     logger,
	}
}

// StartScheduledSweeps registers and starts the cron-driven finished-job GC
// pass, grounded on the teacher's internal/common/config.go cron wiring
// (SPEC_FULL.md DOMAIN STACK: scheduled sweeps via robfig/cron/v3).
func (o *Orchestrator) StartScheduledSweeps() error {
	o.cron = cron.New()
	_, err := o.cron.AddFunc(o.cfg.GCInterval, o.runGCSweep)
	if err != nil {
		return crawlerr.Wrap(crawlerr.KindConfiguration, crawlerr.SeverityMedium, "failed to schedule GC sweep", err)
	}
	o.cron.Start()
	return nil
}

// StopScheduledSweeps stops the cron scheduler, blocking until any running
// job completes.
func (o *Orchestrator) StopScheduledSweeps() {
	if o.cron != nil {
		ctx := o.cron.Stop()
		<-ctx.Done()
	}
}

func (o *Orchestrator) runGCSweep() {
	pruned, err := o.store.PruneFinishedOlderThan(o.cfg.GCRetention)
	if err != nil {
		if o.logger != nil {
			o.logger.Warn().Err(err).Msg("finished-job GC sweep failed")
		}
		return
	}
	if pruned > 0 && o.logger != nil {
		o.logger.Info().Int("pruned", pruned).Msg("finished-job GC sweep pruned stale rows")
	}
}

// AcceptAuthorization handles authorization intake (spec §4.7): unless a
// GROUP_PROJECT_DISCOVERY job for the same account finished within the
// cooldown window, it inserts a fresh one (empty counters and resumeState)
// through InsertJobIfAbsent, then dispatches. An earlier finished or failed
// discovery row for the account is left as it is, not updated or reset.
func (o *Orchestrator) AcceptAuthorization(accountID, providerID, userID, gitlabGraphQLURL string) error {
	recent, err := o.store.FindRecentFinished(accountID, models.CommandGroupProjectDiscovery, o.cfg.DiscoveryCooldown)
	if err != nil {
		return err
	}
	if recent {
		if o.logger != nil {
			o.logger.Debug().Str("accountId", accountID).Msg("discovery suppressed: recently finished within cooldown")
		}
		return nil
	}

	job := &models.Job{
		ID:               newJobID(),
		Command:          models.CommandGroupProjectDiscovery,
		Status:           models.JobStatusQueued,
		AccountID:        accountID,
		ProviderID:       providerID,
		UserID:           userID,
		GitlabGraphQLURL: gitlabGraphQLURL,
	}

	inserted, err := o.store.InsertJobIfAbsent(job)
	if err != nil {
		return err
	}
	if inserted && o.dispatcher != nil {
		o.dispatcher.DispatchQueued()
	}
	return nil
}

// SpawnAreaJobs implements crawlerworker.DiscoverySpawner: insert-if-absent
// the area, compute its command set, and insertJobIfAbsent each one, per
// spec §4.7. Duplicate discoveries across pages silently no-op (spec §8
// scenario 4).
func (o *Orchestrator) SpawnAreaJobs(parentJobID string, area models.Area) error {
	if _, err := o.store.InsertAreaIfAbsent(&area); err != nil {
		return err
	}

	parent, err := o.store.GetJob(parentJobID)
	if err != nil {
		return err
	}

	anyInserted := false
	for _, command := range models.CommandsForAreaType(area.Type) {
		job := &models.Job{
			ID:          newJobID(),
			Command:     command,
			Status:      models.JobStatusQueued,
			AccountID:   parent.AccountID,
			ProviderID:  parent.ProviderID,
			UserID:      parent.UserID,
			FullPath:    area.FullPath,
			SpawnedFrom: parentJobID,
		}
		inserted, err := o.store.InsertJobIfAbsent(job)
		if err != nil {
			return err
		}
		anyInserted = anyInserted || inserted
	}

	if anyInserted && o.dispatcher != nil {
		o.dispatcher.DispatchQueued()
	}
	return nil
}

// ApplyJobUpdate applies a jobUpdate envelope to the store, per spec §4.7:
// completed -> finished (clearing resumeState), failed -> failed (logging
// the error), paused -> paused (persisting resumeState).
func (o *Orchestrator) ApplyJobUpdate(payload models.JobUpdatePayload) error {
	switch payload.Status {
	case models.JobUpdateCompleted:
		return o.store.UpdateJobStatus(payload.JobID, models.JobStatusFinished, nil)
	case models.JobUpdateFailed:
		if o.logger != nil {
			o.logger.Warn().Str("jobId", payload.JobID).Str("error", payload.Error).Msg("job failed")
		}
		return o.store.UpdateJobStatus(payload.JobID, models.JobStatusFailed, map[string]interface{}{
			"ErrorMessage": payload.Error,
		})
	case models.JobUpdatePaused:
		if err := o.store.CheckpointResumeState(payload.JobID, payload.Progress); err != nil {
			return err
		}
		return o.store.UpdateJobStatus(payload.JobID, models.JobStatusPaused, nil)
	default:
		return crawlerr.New(crawlerr.KindMessageValidation, crawlerr.SeverityLow, "unknown jobUpdate status: "+string(payload.Status))
	}
}

// DecodeJobUpdate converts an envelope payload (interface{} after JSON
// decoding) into a typed JobUpdatePayload.
func DecodeJobUpdate(payload interface{}) (models.JobUpdatePayload, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return models.JobUpdatePayload{}, crawlerr.Wrap(crawlerr.KindMessageParsing, crawlerr.SeverityMedium, "failed to re-marshal jobUpdate payload", err)
	}
	var out models.JobUpdatePayload
	if err := json.Unmarshal(data, &out); err != nil {
		return models.JobUpdatePayload{}, crawlerr.Wrap(crawlerr.KindMessageValidation, crawlerr.SeverityMedium, "failed to decode jobUpdate payload", err)
	}
	return out, nil
}

// DecodeAreaDiscovered converts an AREA_DISCOVERED envelope payload
// (interface{} after JSON decoding) into a typed AreaDiscoveredPayload.
func DecodeAreaDiscovered(payload interface{}) (models.AreaDiscoveredPayload, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return models.AreaDiscoveredPayload{}, crawlerr.Wrap(crawlerr.KindMessageParsing, crawlerr.SeverityMedium, "failed to re-marshal AREA_DISCOVERED payload", err)
	}
	var out models.AreaDiscoveredPayload
	if err := json.Unmarshal(data, &out); err != nil {
		return models.AreaDiscoveredPayload{}, crawlerr.Wrap(crawlerr.KindMessageValidation, crawlerr.SeverityMedium, "failed to decode AREA_DISCOVERED payload", err)
	}
	return out, nil
}

var jobIDSeq uint64

// newJobID is overridden in tests; production wiring should inject
// common.NewJobID via SetJobIDFunc during startup.
var newJobID = func() string {
	jobIDSeq++
	return "job_" + time.Now().Format("20060102T150405.000000000")
}

// SetJobIDFunc overrides the job id generator (common.NewJobID in
// production wiring; a deterministic stub in tests).
func SetJobIDFunc(f func() string) {
	newJobID = f
}
