package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlctl/internal/common"
	"github.com/ternarybob/crawlctl/internal/crawlerworker"
	"github.com/ternarybob/crawlctl/internal/gitlab"
	"github.com/ternarybob/crawlctl/internal/ipc"
	"github.com/ternarybob/crawlctl/internal/models"
	"github.com/ternarybob/crawlctl/internal/sink"
	"github.com/ternarybob/crawlctl/internal/tokenbroker"
)

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
		fmt.Printf("crawlctl-crawler version %s\n", common.GetVersion())
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
	common.PrintBanner(config, "crawler", logger)

	selfID := common.SupervisorProcessID("crawler-" + common.NewConnectionID())
	correlator := tokenbroker.NewCorrelator(config.Jobs.TokenRefreshTimeout)
	filesystemSink := sink.NewFilesystemSink(config.DataRoot + "/output")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// client is constructed after manager (its callbacks close over manager),
	// but manager/refresher need a Sender now: deferredSender resolves to the
	// real *ipc.Client once it exists, one level of indirection around the
	// same circular-construction problem a websocket hub-and-handler has.
	var client *ipc.Client
	bus := deferredSender(func() *ipc.Client { return client })

	refresher := tokenbroker.NewClientRefresher(selfID, bus, correlator, common.NewRequestID)

	newFetcher := func(descriptor *models.TaskDescriptor) crawlerworker.Fetcher {
		return gitlab.NewClient(descriptor.GitlabAPIURL, descriptor.Credentials.AccessToken, config.Jobs.HTTPTimeout)
	}

	manager := crawlerworker.NewManager(selfID, newFetcher, filesystemSink,
		bus, refresher, crawlerworker.NewBusDiscoverySpawner(selfID, bus),
		crawlerworker.Config{
			HeartbeatInterval: config.Bus.HeartbeatInterval,
			PageThrottle:      config.Jobs.PageThrottle,
		}, logger)

	callbacks := ipc.ClientCallbacks{
		OnConnected: func() {
			logger.Info().Msg("connected to backend")
		},
		OnDisconnected: func() {
			logger.Warn().Msg("disconnected from backend")
		},
		OnHeartbeatTimeout: func() {
			logger.Warn().Msg("backend heartbeat timed out")
		},
		OnCommand: func(env *models.Envelope) error {
			return manager.HandleCommand(ctx, env)
		},
		OnMessage: func(env *models.Envelope) error {
			if env.Key == models.KeyTokenRefreshResponse {
				return refresher.HandleTokenRefreshResponse(env.Payload)
			}
			return manager.HandleMessage(env)
		},
	}

	client = ipc.NewClient(config.Socket.Path, selfID, "crawler", ipcBusConfig(config.Bus), logger, callbacks)

	common.SafeGoWithContext(ctx, logger, "ipc-client-run", func() {
		client.Run(ctx)
	})
	common.SafeGoWithContext(ctx, logger, "crawlerworker-heartbeat-loop", func() {
		manager.RunHeartbeatLoop(ctx)
	})

	logger.Info().Str("socket", config.Socket.Path).Msg("crawlctl-crawler ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutdown signal received")
	manager.Shutdown()
	time.Sleep(config.Jobs.ShutdownSettle)

	cancel()
	common.PrintShutdownBanner("crawler", logger)
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

// deferredSender resolves to whatever *ipc.Client the closure returns at
// call time, so it can be handed out as a Sender before that client exists.
type deferredSender func() *ipc.Client

func (f deferredSender) Send(env *models.Envelope, priority bool) {
	if c := f(); c != nil {
		c.Send(env, priority)
	}
}
