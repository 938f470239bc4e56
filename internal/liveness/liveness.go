// Package liveness implements the Liveness Reconciler (C8): on crawler
// disconnect or heartbeat timeout, resets every running job back to queued
// (one store update per job, see store.ResetRunningToQueued) so it becomes
// claimable again, per spec §4.8.
package liveness

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/store"
)

// Config tunes the reconciler's backstop sweep.
type Config struct {
	// BackstopInterval is the cron spec for the periodic safety-net sweep
	// that runs ResetRunningToQueued even if no disconnect/timeout callback
	// fired, covering a missed or swallowed event (spec §4.8 edge case).
	BackstopInterval string
}

func defaultConfig(cfg Config) Config {
	if cfg.BackstopInterval == "" {
		cfg.BackstopInterval = "@every 5m"
	}
	return cfg
}

// Reconciler is C8.
type Reconciler struct {
	store  *store.Store
	cfg    Config
	logger arbor.ILogger

	mu        sync.Mutex
	resetting bool

	cron *cron.Cron
}

// New constructs a Reconciler.
func New(jobStore *store.Store, cfg Config, logger arbor.ILogger) *Reconciler {
	return &Reconciler{store: jobStore, cfg: defaultConfig(cfg), logger: logger}
}

// StartBackstopSweep registers and starts the periodic safety-net reset,
// grounded on the teacher's cron wiring (SPEC_FULL.md DOMAIN STACK:
// scheduled sweeps via robfig/cron/v3).
func (r *Reconciler) StartBackstopSweep() error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.cfg.BackstopInterval, func() { r.Reconcile("backstop-sweep") })
	if err != nil {
		return crawlerr.Wrap(crawlerr.KindConfiguration, crawlerr.SeverityMedium, "failed to schedule liveness backstop sweep", err)
	}
	r.cron.Start()
	return nil
}

// StopBackstopSweep stops the cron scheduler, blocking until any running
// sweep completes.
func (r *Reconciler) StopBackstopSweep() {
	if r.cron != nil {
		ctx := r.cron.Stop()
		<-ctx.Done()
	}
}

// OnDisconnect is the IPC server's disconnect callback: a crawler connection
// dropped, so every job it held as running must be released back to queued.
func (r *Reconciler) OnDisconnect(crawlerID string) {
	r.Reconcile("disconnect:" + crawlerID)
}

// OnHeartbeatTimeout is the IPC server's heartbeat-timeout callback: a
// crawler stopped heartbeating without an orderly disconnect.
func (r *Reconciler) OnHeartbeatTimeout(crawlerID string) {
	r.Reconcile("heartbeat-timeout:" + crawlerID)
}

// Reconcile performs the reset, coalescing concurrent triggers: if a
// reconcile pass is already in flight, a second trigger is dropped rather
// than queued. The in-flight pass reads the running jobs once, so a job that
// moves to running after that read is not reset by it; a later trigger or
// the next backstop tick picks it up.
func (r *Reconciler) Reconcile(reason string) {
	r.mu.Lock()
	if r.resetting {
		r.mu.Unlock()
		return
	}
	r.resetting = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.resetting = false
		r.mu.Unlock()
	}()

	started := time.Now()
	count, err := r.store.ResetRunningToQueued()
	if err != nil {
		if r.logger != nil {
			r.logger.Error().Err(err).Str("reason", reason).Msg("liveness reconcile failed")
		}
		return
	}
	if count > 0 && r.logger != nil {
		r.logger.Info().
			Str("reason", reason).
			Int("reset", count).
			Dur("elapsed", time.Since(started)).
			Msg("liveness reconciler reset running jobs to queued")
	}
}
