package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level application configuration, shared by the backend
// and crawler processes. Sections are loaded from one or more TOML files and
// then overridden by environment variables, matching the precedence
// defaults -> file(s) -> env -> CLI flags.
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production"
	DataRoot    string        `toml:"data_root"`
	Socket      SocketConfig  `toml:"socket"`
	Bus         BusConfig     `toml:"bus"`
	Store       StoreConfig   `toml:"store"`
	Logging     LoggingConfig `toml:"logging"`
	Jobs        JobsConfig    `toml:"jobs"`
	OAuth       OAuthConfig   `toml:"oauth"`
	Admin       AdminConfig   `toml:"admin"`
}

// SocketConfig describes the Unix domain socket the IPC bus listens on / dials.
type SocketConfig struct {
	Path           string `toml:"path"`             // default: <data_root>/config/api.sock
	DirPermission  uint32 `toml:"dir_permission"`   // default: 0750
	FilePermission uint32 `toml:"file_permission"`  // default: 0660
}

// BusConfig tunes the IPC message bus (C2).
type BusConfig struct {
	HeartbeatInterval     time.Duration `toml:"heartbeat_interval"`      // how often we emit heartbeats (default 30s, testable down to 1s)
	HeartbeatTimeout      time.Duration `toml:"heartbeat_timeout"`       // missing heartbeat past this marks the peer stale (default 30s)
	ReconnectBaseDelay    time.Duration `toml:"reconnect_base_delay"`    // default 5s
	ReconnectMaxDelay     time.Duration `toml:"reconnect_max_delay"`     // default 30s
	ReconnectJitter       float64       `toml:"reconnect_jitter"`        // fraction, default 0.2 (±20%)
	MaxMessageSize        int           `toml:"max_message_size"`        // default 1 MiB in every environment; no separate production default
	OutgoingQueueSize     int           `toml:"outgoing_queue_size"`     // default 1000
	OutgoingPruneFraction float64       `toml:"outgoing_prune_fraction"` // default 0.2 (drop oldest 20% when full)
}

// StoreConfig configures the Badger-backed job/area store (C4).
type StoreConfig struct {
	Path           string `toml:"path"`             // default: <data_root>/store
	ResetOnStartup bool   `toml:"reset_on_startup"` // delete store on startup, for clean test runs
}

// LoggingConfig mirrors the ambient logging stack (arbor).
type LoggingConfig struct {
	Level      string   `toml:"level"`       // debug|info|warn|error
	Format     string   `toml:"format"`      // text|json
	Output     []string `toml:"output"`      // stdout, file
	TimeFormat string   `toml:"time_format"`
}

// JobsConfig tunes job manager / provisioner / pagination behavior.
type JobsConfig struct {
	ClaimBatchSize      int           `toml:"claim_batch_size"`       // default 10
	ClaimMaxBatches     int           `toml:"claim_max_batches"`      // default 5
	DiscoveryCooldown   time.Duration `toml:"discovery_cooldown"`     // default 48h
	PageThrottle        time.Duration `toml:"page_throttle"`          // default 200ms
	TokenRefreshTimeout time.Duration `toml:"token_refresh_timeout"`  // default 30s
	HTTPTimeout         time.Duration `toml:"http_timeout"`           // default 60s
	ShutdownSettle      time.Duration `toml:"shutdown_settle"`        // default 1s
}

// OAuthProviderConfig holds the client credentials and endpoints for one
// source-forge OAuth provider (e.g. "gitlabCloud", "gitlabOnPrem").
type OAuthProviderConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	BaseURL      string `toml:"base_url"`   // on-prem GitLab base URL; cloud defaults to https://gitlab.com
	TokenURL     string `toml:"token_url"`  // OAuth token endpoint
	VerifyURL    string `toml:"verify_url"` // optional token verification endpoint
}

// OAuthConfig maps providerId -> provider settings (auth.providers.<id> in
// the original settings layout).
type OAuthConfig struct {
	Providers map[string]OAuthProviderConfig `toml:"providers"`
}

// AdminConfig configures the operator-facing push dashboard (adminws). This
// is not the administrators/OAuth-callback web framework spec §1 excludes —
// it is a push-only websocket the crawl control plane exposes on its own.
type AdminConfig struct {
	ListenAddr string `toml:"listen_addr"` // default: 127.0.0.1:8089
}

// NewDefaultConfig returns a configuration with production-sane defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		DataRoot:    "./data",
		Socket: SocketConfig{
			Path:           "./data/config/api.sock",
			DirPermission:  0750,
			FilePermission: 0660,
		},
		Bus: BusConfig{
			HeartbeatInterval:     30 * time.Second,
			HeartbeatTimeout:      30 * time.Second,
			ReconnectBaseDelay:    5 * time.Second,
			ReconnectMaxDelay:     30 * time.Second,
			ReconnectJitter:       0.2,
			MaxMessageSize:        1 << 20,
			OutgoingQueueSize:     1000,
			OutgoingPruneFraction: 0.2,
		},
		Store: StoreConfig{
			Path: "./data/store",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
		},
		Jobs: JobsConfig{
			ClaimBatchSize:      10,
			ClaimMaxBatches:     5,
			DiscoveryCooldown:   48 * time.Hour,
			PageThrottle:        200 * time.Millisecond,
			TokenRefreshTimeout: 30 * time.Second,
			HTTPTimeout:         60 * time.Second,
			ShutdownSettle:      1 * time.Second,
		},
		OAuth: OAuthConfig{
			Providers: map[string]OAuthProviderConfig{
				"gitlabCloud": {BaseURL: "https://gitlab.com"},
			},
		},
		Admin: AdminConfig{
			ListenAddr: "127.0.0.1:8089",
		},
	}
}

// LoadFromFiles loads configuration from defaults, then each file in order
// (later files override earlier ones), then environment variable overrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies the environment variables named in spec §6,
// highest priority short of explicit CLI flags.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("NODE_ENV"); env != "" {
		config.Environment = env
	}
	if dataRoot := os.Getenv("DATA_ROOT"); dataRoot != "" {
		config.DataRoot = dataRoot
	}
	// SOCKET_PATH / SUPERVISOR_SOCKET_PATH are aliases; SUPERVISOR_SOCKET_PATH
	// wins when both are present, matching the supervisor-managed deployment.
	if socketPath := os.Getenv("SOCKET_PATH"); socketPath != "" {
		config.Socket.Path = socketPath
	}
	if socketPath := os.Getenv("SUPERVISOR_SOCKET_PATH"); socketPath != "" {
		config.Socket.Path = socketPath
	}
	if interval := os.Getenv("CRAWLCTL_HEARTBEAT_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Bus.HeartbeatInterval = d
		}
	}
	if timeout := os.Getenv("CRAWLCTL_HEARTBEAT_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Bus.HeartbeatTimeout = d
		}
	}
	if level := os.Getenv("CRAWLCTL_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("CRAWLCTL_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if maxSize := os.Getenv("CRAWLCTL_MAX_MESSAGE_SIZE"); maxSize != "" {
		if v, err := strconv.Atoi(maxSize); err == nil {
			config.Bus.MaxMessageSize = v
		}
	}
}

// SettingsFile returns the path to the TOML settings file, honoring
// SETTINGS_FILE if set, else the conventional location under DataRoot.
func SettingsFile(config *Config) string {
	if f := os.Getenv("SETTINGS_FILE"); f != "" {
		return f
	}
	return config.DataRoot + "/settings.toml"
}

// SupervisorProcessID returns the process identity to register with the bus,
// honoring SUPERVISOR_PROCESS_ID when a supervisor assigned one.
func SupervisorProcessID(fallback string) string {
	if id := os.Getenv("SUPERVISOR_PROCESS_ID"); id != "" {
		return id
	}
	return fallback
}
