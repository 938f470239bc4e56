package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlctl/internal/admin"
	"github.com/ternarybob/crawlctl/internal/adminws"
	"github.com/ternarybob/crawlctl/internal/common"
	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/ipc"
	"github.com/ternarybob/crawlctl/internal/liveness"
	"github.com/ternarybob/crawlctl/internal/models"
	"github.com/ternarybob/crawlctl/internal/orchestrator"
	"github.com/ternarybob/crawlctl/internal/provisioner"
	"github.com/ternarybob/crawlctl/internal/store"
	"github.com/ternarybob/crawlctl/internal/tokenbroker"
)

// configPaths is a custom flag type supporting multiple -config flags,
// later files overriding earlier ones.
type configPaths []string

func (c *configPaths) String() string { return fmt.Sprintf("%v", *c) }
func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	showVersion = flag.Bool("version", false, "Print version information")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("crawlctl-backend version %s\n", common.GetVersion())
		os.Exit(0)
	}

	if len(configFiles) == 0 {
		if _, err := os.Stat("crawlctl.toml"); err == nil {
			configFiles = append(configFiles, "crawlctl.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	logger := common.SetupLogger(config)
	defer common.Stop()
	common.InstallCrashHandler(config.DataRoot + "/logs")
	common.PrintBanner(config, "backend", logger)
	orchestrator.SetJobIDFunc(common.NewJobID)

	jobStore, err := store.Open(config.Store.Path, config.Store.ResetOnStartup)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open job store")
	}
	defer jobStore.Close()

	if n, err := jobStore.ResetRunningToQueued(); err != nil {
		logger.Warn().Err(err).Msg("failed to reset running jobs to queued on startup")
	} else if n > 0 {
		logger.Info().Int("count", n).Msg("reset running jobs left over from an unclean shutdown")
	}

	registry := newStatusRegistry()
	selfID := common.SupervisorProcessID("backend")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsHandler := adminws.NewHandler(logger, registry.Snapshot)
	reconciler := liveness.New(jobStore, liveness.Config{}, logger)

	dispatcher := &jobDispatcher{logger: logger}
	orch := orchestrator.New(jobStore, dispatcher, orchestrator.Config{
		DiscoveryCooldown: config.Jobs.DiscoveryCooldown,
	}, logger)

	refresher := tokenbroker.NewRefresher(config.Jobs.TokenRefreshTimeout)
	tokenHandler := tokenbroker.NewServerHandler(refresher, jobStore, config.OAuth, nil, logger)

	provider := provisioner.New(jobStore, jobStore, config.OAuth, config.DataRoot+"/output",
		config.Jobs.ClaimBatchSize, config.Jobs.ClaimMaxBatches, logger)

	callbacks := ipc.ServerCallbacks{
		OnConnect: func(peerID string) {
			logger.Info().Str("peerId", peerID).Msg("crawler connected")
		},
		OnDisconnect: func(peerID string) {
			logger.Warn().Str("peerId", peerID).Msg("crawler disconnected")
			registry.MarkDisconnected(peerID)
			reconciler.OnDisconnect(peerID)
		},
		OnHeartbeatTimeout: func(peerID string) {
			logger.Warn().Str("peerId", peerID).Msg("crawler heartbeat timed out")
			reconciler.OnHeartbeatTimeout(peerID)
		},
		OnMessage: func(env *models.Envelope) error {
			switch env.Key {
			case models.KeyStatusUpdate:
				payload, err := decodeStatusUpdate(env.Payload)
				if err != nil {
					return err
				}
				registry.Update(env.Origin, payload)
				wsHandler.BroadcastStatus(registry.Snapshot())
				return nil
			case models.KeyJobUpdate:
				payload, err := orchestrator.DecodeJobUpdate(env.Payload)
				if err != nil {
					return err
				}
				wsHandler.BroadcastJobUpdate(adminws.JobUpdateEvent{
					JobID: payload.JobID, Status: string(payload.Status),
					Error: payload.Error, Timestamp: payload.Timestamp,
				})
				return orch.ApplyJobUpdate(payload)
			case models.KeyAreaDiscovered:
				payload, err := orchestrator.DecodeAreaDiscovered(env.Payload)
				if err != nil {
					return err
				}
				return orch.SpawnAreaJobs(payload.ParentJobID, payload.Area)
			case models.KeyTokenRefreshRequest:
				return tokenHandler.HandleTokenRefreshRequest(ctx, env)
			case models.KeyJobFailureLogs:
				logger.Warn().Str("origin", env.Origin).Msg("received job failure logs")
				return nil
			default:
				return nil
			}
		},
	}

	server := ipc.NewServer(config.Socket.Path, ipcBusConfig(config.Bus), logger, callbacks)
	tokenHandler = tokenbroker.NewServerHandler(refresher, jobStore, config.OAuth, server, logger)
	dispatcher.provisioner = provider
	dispatcher.server = server

	if err := server.Listen(); err != nil {
		logger.Fatal().Err(err).Msg("failed to bind IPC socket")
	}
	common.SafeGoWithContext(ctx, logger, "ipc-server-serve", func() {
		if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal().Err(err).Msg("IPC server stopped unexpectedly")
		}
	})

	adminSurface := admin.New(server, reconciler, selfID)

	if err := orch.StartScheduledSweeps(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start orchestrator GC sweep")
	}
	defer orch.StopScheduledSweeps()

	if err := reconciler.StartBackstopSweep(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start liveness backstop sweep")
	}
	defer reconciler.StopBackstopSweep()

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	httpSrv := &http.Server{Addr: config.Admin.ListenAddr, Handler: mux}
	common.SafeGoWithContext(ctx, logger, "adminws-http-serve", func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("admin websocket server stopped unexpectedly")
		}
	})

	// SIGUSR1/SIGUSR2 give an operator on the host a pause/resume lever
	// without standing up the administrators/OAuth web framework spec §1
	// excludes; a richer operator surface is expected to call admin.Surface
	// the same way from whatever external process owns it.
	adminSigChan := make(chan os.Signal, 1)
	signal.Notify(adminSigChan, syscall.SIGUSR1, syscall.SIGUSR2)
	common.SafeGoWithContext(ctx, logger, "admin-signal-loop", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-adminSigChan:
				switch sig {
				case syscall.SIGUSR1:
					if err := adminSurface.Pause(""); err != nil {
						logger.Warn().Err(err).Msg("admin pause failed")
					}
				case syscall.SIGUSR2:
					if err := adminSurface.Resume(""); err != nil {
						logger.Warn().Err(err).Msg("admin resume failed")
					}
				}
			}
		}
	})

	dispatchTicker := time.NewTicker(2 * time.Second)
	defer dispatchTicker.Stop()
	common.SafeGoWithContext(ctx, logger, "backend-dispatch-loop", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-dispatchTicker.C:
				dispatcher.DispatchQueued()
			}
		}
	})

	logger.Info().Str("socket", config.Socket.Path).Msg("crawlctl-backend ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutdown signal received")
	if err := adminSurface.Shutdown(""); err != nil {
		logger.Warn().Err(err).Msg("broadcast shutdown to crawlers failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.Jobs.ShutdownSettle+5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
	server.Close()
	common.PrintShutdownBanner("backend", logger)
}

func ipcBusConfig(cfg common.BusConfig) ipc.BusConfig {
	return ipc.BusConfig{
		HeartbeatInterval:     cfg.HeartbeatInterval,
		HeartbeatTimeout:      cfg.HeartbeatTimeout,
		ReconnectBaseDelay:    cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:     cfg.ReconnectMaxDelay,
		ReconnectJitter:       cfg.ReconnectJitter,
		MaxMessageSize:        cfg.MaxMessageSize,
		OutgoingQueueSize:     cfg.OutgoingQueueSize,
		OutgoingPruneFraction: cfg.OutgoingPruneFraction,
	}
}

func decodeStatusUpdate(payload interface{}) (models.StatusUpdatePayload, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return models.StatusUpdatePayload{}, crawlerr.Wrap(crawlerr.KindMessageParsing, crawlerr.SeverityLow, "failed to re-marshal statusUpdate payload", err)
	}
	var out models.StatusUpdatePayload
	if err := json.Unmarshal(data, &out); err != nil {
		return models.StatusUpdatePayload{}, crawlerr.Wrap(crawlerr.KindMessageValidation, crawlerr.SeverityLow, "failed to decode statusUpdate payload", err)
	}
	return out, nil
}

// statusRegistry tracks the last-known status of every crawler that has
// ever connected, for the admin websocket's connect-time snapshot.
type statusRegistry struct {
	mu       sync.Mutex
	statuses map[string]adminws.CrawlerStatus
}

func newStatusRegistry() *statusRegistry {
	return &statusRegistry{statuses: make(map[string]adminws.CrawlerStatus)}
}

func (r *statusRegistry) Update(crawlerID string, payload models.StatusUpdatePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[crawlerID] = adminws.CrawlerStatus{
		CrawlerID:     crawlerID,
		State:         payload.State,
		CurrentJobID:  payload.CurrentJobID,
		QueueSize:     payload.QueueSize,
		LastHeartbeat: payload.LastHeartbeat,
		Connected:     true,
	}
}

func (r *statusRegistry) MarkDisconnected(crawlerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.statuses[crawlerID]; ok {
		s.Connected = false
		r.statuses[crawlerID] = s
	}
}

func (r *statusRegistry) Snapshot() []adminws.CrawlerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]adminws.CrawlerStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, s)
	}
	return out
}

// jobDispatcher implements orchestrator.Dispatcher: on every hook it drains
// as many claimable jobs as the provisioner can hydrate, handing each one to
// the first connected crawler. A deployment with more than one crawler
// connected concurrently is out of scope (spec §5 single-writer model).
type jobDispatcher struct {
	logger      arbor.ILogger
	provisioner *provisioner.Provisioner
	server      *ipc.Server
}

func (d *jobDispatcher) DispatchQueued() {
	if d.provisioner == nil || d.server == nil {
		return
	}
	peers := d.server.ConnectedPeers()
	if len(peers) == 0 {
		return
	}
	peerID := peers[0]

	for {
		descriptor, err := d.provisioner.ProvisionNext("")
		if err != nil {
			d.logger.Warn().Err(err).Msg("failed to provision next job")
			return
		}
		if descriptor == nil {
			return
		}
		env := &models.Envelope{
			Origin:      "backend",
			Destination: models.DestinationCrawler,
			Type:        models.EnvelopeTypeCommand,
			Key:         models.KeyStartJob,
			Payload:     descriptor,
			Timestamp:   time.Now().UnixMilli(),
		}
		if !d.server.SendTo(peerID, env) {
			d.logger.Warn().Str("peerId", peerID).Str("taskId", descriptor.TaskID).Msg("failed to dispatch job: peer not connected")
			return
		}
	}
}
