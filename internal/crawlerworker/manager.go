// Package crawlerworker implements the Job Manager / Pagination Engine
// (C6): the crawler-side state machine that executes at most one job at a
// time, paginating cursor-based APIs, checkpointing progress, fanning out
// discoveries, and reporting status/completion/failure over the IPC bus,
// per SPEC_FULL.md / spec.md §4.6.
package crawlerworker

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/crawlctl/internal/common"
	"github.com/ternarybob/crawlctl/internal/models"
)

// State is the crawler run-loop's own state, reported in statusUpdate
// envelopes. It is distinct from a Job's Status: State describes the
// manager, Status describes the one job it is (or isn't) currently running.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Fetcher issues one page of a paginated fetch. Satisfied by
// *gitlab.Client; abstracted here so tests can inject a synthetic paginator,
// per the REDESIGN FLAGS guidance (pagination as an injectable iterator).
type Fetcher interface {
	FetchPage(ctx context.Context, dataType string, resourceType models.ResourceType, resourceID interface{}, after *string) (*models.Page, error)
}

// FetcherFactory builds a Fetcher scoped to one task's credentials and
// endpoint. A factory (not a single shared Fetcher) is needed because a
// token refresh mid-job must swap in a freshly authorized client.
type FetcherFactory func(descriptor *models.TaskDescriptor) Fetcher

// Sink persists fetched records, keyed by (dataType, targetPath). The
// archive format itself is out of scope (spec §1); this is the seam the
// core writes through.
type Sink interface {
	WriteRecords(dataType, targetPath string, records []map[string]interface{}) error
}

// Sender enqueues an outbound envelope on the IPC bus. priority envelopes
// bypass queue pruning (job-state transitions, spec §5).
type Sender interface {
	Send(env *models.Envelope, priority bool)
}

// TokenRefresher performs the crawler-side half of the token refresh round
// trip (spec §4.3): send TOKEN_REFRESH_REQUEST, await the correlated
// TOKEN_REFRESH_RESPONSE or time out.
type TokenRefresher interface {
	Refresh(ctx context.Context, providerID, accountID, userID string) (models.TokenRefreshResponsePayload, error)
}

// DiscoverySpawner is invoked once per discovered area node. Failures here
// are logged, never propagated to the job (spec §4.6 step 3.e).
type DiscoverySpawner interface {
	SpawnAreaJobs(parentJobID string, area models.Area) error
}

// Config tunes Manager behavior.
type Config struct {
	HeartbeatInterval  time.Duration
	PageThrottle       time.Duration
	FailureLogCapacity int
}

func defaultConfig(cfg Config) Config {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PageThrottle <= 0 {
		cfg.PageThrottle = 200 * time.Millisecond
	}
	if cfg.FailureLogCapacity <= 0 {
		cfg.FailureLogCapacity = 200
	}
	return cfg
}

// activeJob is the manager's in-memory view of the one job it may be
// executing, derived from a TaskDescriptor. It is a cache, not the source
// of truth — the Job Store, owned by the backend, is (spec §3 Ownership).
type activeJob struct {
	descriptor *models.TaskDescriptor
	status     models.JobStatus
	progress   map[string]models.DataTypeProgress
	errMessage string
	failureLog *ringBuffer
}

// Manager is the crawler-side Job Manager (C6). One Manager instance runs
// in one crawler process; maxConcurrentJobs is pinned to 1 per spec §5.
type Manager struct {
	selfID         string
	newFetcher     FetcherFactory
	sink           Sink
	bus            Sender
	tokenRefresher TokenRefresher
	spawner        DiscoverySpawner
	cfg            Config
	limiter        *rate.Limiter
	logger         arbor.ILogger

	mu             sync.Mutex
	state          State
	active         *activeJob
	queue          []*models.TaskDescriptor
	pauseRequested bool
	lastHeartbeat  time.Time
}

// NewManager constructs a Manager. Any of tokenRefresher/spawner may be nil
// if the deployment doesn't wire that concern (tests commonly omit both).
func NewManager(selfID string, newFetcher FetcherFactory, sink Sink, bus Sender, tokenRefresher TokenRefresher, spawner DiscoverySpawner, cfg Config, logger arbor.ILogger) *Manager {
	cfg = defaultConfig(cfg)
	var limiter *rate.Limiter
	if cfg.PageThrottle > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.PageThrottle), 1)
	}
	return &Manager{
		selfID:         selfID,
		newFetcher:     newFetcher,
		sink:           sink,
		bus:            bus,
		tokenRefresher: tokenRefresher,
		spawner:        spawner,
		cfg:            cfg,
		limiter:        limiter,
		logger:         logger,
		state:          StateIdle,
	}
}

// Enqueue admits a new task descriptor. A descriptor whose taskId matches
// the currently active or already-queued job is dropped: re-sending the
// same START_JOB must reach the same terminal state as sending it once
// (spec §8 idempotence).
func (m *Manager) Enqueue(descriptor *models.TaskDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.descriptor.TaskID == descriptor.TaskID {
		return
	}
	for _, q := range m.queue {
		if q.TaskID == descriptor.TaskID {
			return
		}
	}
	m.queue = append(m.queue, descriptor)
}

// TryStartNextJob is reentrant and a no-op while a job is running or a pause
// request is in effect (until Resume clears it); otherwise it resumes the
// active paused job or pops a queued job, per spec §4.6.
func (m *Manager) TryStartNextJob(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateRunning || m.pauseRequested {
		m.mu.Unlock()
		return
	}

	var job *activeJob
	if m.active != nil && m.active.status == models.JobStatusPaused {
		job = m.active
	} else if len(m.queue) > 0 {
		descriptor := m.queue[0]
		m.queue = m.queue[1:]
		job = &activeJob{
			descriptor: descriptor,
			status:     models.JobStatusRunning,
			progress:   progressFromResumeState(descriptor.CustomParameters.ResumeState),
			failureLog: newRingBuffer(m.cfg.FailureLogCapacity),
		}
		m.active = job
	}

	if job == nil {
		m.mu.Unlock()
		return
	}

	job.status = models.JobStatusRunning
	m.state = StateRunning
	m.pauseRequested = false
	m.mu.Unlock()

	common.SafeGoWithContext(ctx, m.logger, "crawlerworker-execute-job", func() {
		m.executeJob(ctx, job)
	})
}

// progressFromResumeState seeds a fresh progress map from a resumed job's
// persisted resumeState, per spec §6's resume-state shape.
func progressFromResumeState(resumeState map[string]models.DataTypeProgress) map[string]models.DataTypeProgress {
	progress := make(map[string]models.DataTypeProgress, len(resumeState))
	for k, v := range resumeState {
		progress[k] = v
	}
	return progress
}

// Pause sets the pause flag, sampled only at suspension points between API
// calls (spec §5) — it never interrupts an in-flight page fetch.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.pauseRequested = true
	m.mu.Unlock()
}

// Resume clears the pause flag and transitions paused -> idle, then
// re-invokes TryStartNextJob, which resumes the active paused job.
func (m *Manager) Resume(ctx context.Context) {
	m.mu.Lock()
	m.pauseRequested = false
	if m.state == StatePaused {
		m.state = StateIdle
	}
	m.mu.Unlock()
	m.TryStartNextJob(ctx)
}

// Shutdown clears the pending queue and — if a job is active — marks it
// paused and emits a paused jobUpdate so the backend can re-dispatch it
// later. No work is destroyed (spec §4.6). It does not block descriptors
// enqueued after it returns.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.queue = nil
	job := m.active
	m.active = nil
	m.state = StateIdle
	m.mu.Unlock()

	if job == nil {
		return
	}
	job.status = models.JobStatusPaused
	m.emitJobUpdate(job, models.JobUpdatePaused, "")
}

// Status reports the manager's current run-loop state for statusUpdate
// envelopes, per spec §6.
func (m *Manager) Status() (state State, currentJobID string, queueSize int, lastHeartbeat time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := ""
	if m.active != nil {
		id = m.active.descriptor.TaskID
	}
	return m.state, id, len(m.queue), m.lastHeartbeat
}

func (m *Manager) setIdle() {
	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
}

func (m *Manager) setPaused() {
	m.mu.Lock()
	m.state = StatePaused
	m.mu.Unlock()
}

func (m *Manager) clearActiveIfTerminal(job *activeJob) {
	m.mu.Lock()
	if m.active == job && (job.status == models.JobStatusFinished || job.status == models.JobStatusFailed) {
		m.active = nil
	}
	m.mu.Unlock()
}

func (m *Manager) samplePause() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauseRequested
}
