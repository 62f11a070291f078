// Package config loads the server and client binaries' configuration purely
// from environment variables — no YAML file, since both binaries are meant
// to run as container/daemon processes configured by their orchestrator.
//
// Grounded on the teacher's internal/config/config.go: the struct-of-typed-
// fields + normalize() defaulting + applyEnvOverrides() + Fingerprint()
// stable-hash shape is kept, minus the YAML file load/save/watch machinery
// SPEC_FULL.md §4.9 says this service doesn't need.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds the activity-sync server daemon's configuration.
type ServerConfig struct {
	// HomeDir is where the audit log and any other runtime state the
	// daemon owns gets written (audit.Init, telemetry.NewLogger file
	// sink). Mirrors the teacher's cfg.HomeDir.
	HomeDir string

	DatabaseURL string
	ListenAddr  string

	ActivityChannel          string
	ActivityBroadcastShards  int
	ActivityBroadcastCapacity int
	ActivityCatchupBatchSize int
	ActivityDefaultLimit    int

	ClerkIssuer     string
	ClerkSecretKey  string
	ClerkAPIURL     string

	LogFormat string
	LogLevel  string

	WSAuthRefreshInterval time.Duration
	WSBulkSyncThreshold   int

	OTelExporterEndpoint string

	GitHubOAuthClientID     string
	GitHubOAuthClientSecret string

	RateLimit RateLimitConfig
	CORS      CORSConfig

	MaxRequestBodyBytes int64
}

// ClientConfig holds the activity-sync client synchronizer's configuration.
type ClientConfig struct {
	// HomeDir is where the client's logger and local SQLite store (when
	// DBPath is left unset) live.
	HomeDir string

	ServerBaseURL string
	DBPath        string
	AuthToken     string

	LogFormat string
	LogLevel  string

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// RateLimitConfig configures the gateway's per-identity token bucket rate
// limiter, carried over unchanged from the teacher's shape.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	BurstSize         int
}

// CORSConfig configures the gateway's CORS middleware, carried over
// unchanged from the teacher's shape.
type CORSConfig struct {
	Enabled        bool
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// LoadServerConfig builds a ServerConfig from defaults overridden by
// environment variables, per SPEC_FULL.md §6's config table.
func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	applyServerEnvOverrides(&cfg)
	normalizeServer(&cfg)
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("config: SERVER_DATABASE_URL is required")
	}
	if cfg.ClerkAPIURL == "" {
		return cfg, fmt.Errorf("config: CLERK_API_URL is required")
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("config: create home dir: %w", err)
	}
	return cfg, nil
}

// LoadClientConfig builds a ClientConfig from defaults overridden by
// environment variables.
func LoadClientConfig() (ClientConfig, error) {
	cfg := defaultClientConfig()
	applyClientEnvOverrides(&cfg)
	normalizeClient(&cfg)
	if cfg.ServerBaseURL == "" {
		return cfg, fmt.Errorf("config: CLIENT_SERVER_BASE_URL is required")
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("config: create home dir: %w", err)
	}
	return cfg, nil
}

// serverHomeDir returns the daemon's state directory: SERVER_HOME_DIR if
// set, otherwise ~/.activity-syncd, mirroring the teacher's HomeDir().
func serverHomeDir() string {
	if override := os.Getenv("SERVER_HOME_DIR"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".activity-syncd")
}

// clientHomeDir returns the synchronizer's state directory: CLIENT_HOME_DIR
// if set, otherwise ~/.activity-sync.
func clientHomeDir() string {
	if override := os.Getenv("CLIENT_HOME_DIR"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".activity-sync")
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HomeDir:                   serverHomeDir(),
		ListenAddr:                "0.0.0.0:8081",
		ActivityChannel:           "activity",
		ActivityBroadcastShards:   16,
		ActivityBroadcastCapacity: 512,
		ActivityCatchupBatchSize:  100,
		ActivityDefaultLimit:      200,
		LogFormat:                 "json",
		LogLevel:                  "info",
		WSAuthRefreshInterval:     2 * time.Minute,
		WSBulkSyncThreshold:       100,
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 300,
			BurstSize:         50,
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{},
			MaxAge:         3600,
		},
		MaxRequestBodyBytes: 1 * 1024 * 1024,
	}
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		HomeDir:            clientHomeDir(),
		DBPath:             "",
		LogFormat:          "json",
		LogLevel:           "info",
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  30 * time.Second,
	}
}

func normalizeServer(cfg *ServerConfig) {
	if cfg.HomeDir == "" {
		cfg.HomeDir = serverHomeDir()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:8081"
	}
	if cfg.ActivityChannel == "" {
		cfg.ActivityChannel = "activity"
	}
	if cfg.ActivityBroadcastShards <= 0 {
		cfg.ActivityBroadcastShards = 16
	}
	if cfg.ActivityBroadcastCapacity <= 0 {
		cfg.ActivityBroadcastCapacity = 512
	}
	if cfg.ActivityCatchupBatchSize <= 0 {
		cfg.ActivityCatchupBatchSize = 100
	}
	if cfg.ActivityDefaultLimit <= 0 {
		cfg.ActivityDefaultLimit = 200
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.WSAuthRefreshInterval <= 0 {
		cfg.WSAuthRefreshInterval = 2 * time.Minute
	}
	if cfg.WSBulkSyncThreshold <= 0 {
		cfg.WSBulkSyncThreshold = 100
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 * 1024 * 1024
	}
}

func normalizeClient(cfg *ClientConfig) {
	if cfg.HomeDir == "" {
		cfg.HomeDir = clientHomeDir()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "client.db")
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 1 * time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
}

func applyServerEnvOverrides(cfg *ServerConfig) {
	if v := os.Getenv("SERVER_HOME_DIR"); v != "" {
		cfg.HomeDir = v
	}
	if v := os.Getenv("SERVER_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SERVER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SERVER_ACTIVITY_CHANNEL"); v != "" {
		cfg.ActivityChannel = v
	}
	if v := os.Getenv("SERVER_ACTIVITY_BROADCAST_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ActivityBroadcastShards = n
		}
	}
	if v := os.Getenv("SERVER_ACTIVITY_BROADCAST_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ActivityBroadcastCapacity = n
		}
	}
	if v := os.Getenv("SERVER_ACTIVITY_CATCHUP_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ActivityCatchupBatchSize = n
		}
	}
	if v := os.Getenv("SERVER_ACTIVITY_DEFAULT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ActivityDefaultLimit = n
		}
	}
	if v := os.Getenv("CLERK_ISSUER"); v != "" {
		cfg.ClerkIssuer = v
	}
	if v := os.Getenv("CLERK_SECRET_KEY"); v != "" {
		cfg.ClerkSecretKey = v
	}
	if v := os.Getenv("CLERK_API_URL"); v != "" {
		cfg.ClerkAPIURL = v
	}
	if v := os.Getenv("SERVER_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("SERVER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SERVER_WS_AUTH_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WSAuthRefreshInterval = d
		}
	}
	if v := os.Getenv("SERVER_WS_BULK_SYNC_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WSBulkSyncThreshold = n
		}
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTelExporterEndpoint = v
	}
	if v := os.Getenv("GITHUB_OAUTH_CLIENT_ID"); v != "" {
		cfg.GitHubOAuthClientID = v
	}
	if v := os.Getenv("GITHUB_OAUTH_CLIENT_SECRET"); v != "" {
		cfg.GitHubOAuthClientSecret = v
	}
	if v := os.Getenv("SERVER_RATE_LIMIT_ENABLED"); v != "" {
		cfg.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SERVER_RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("SERVER_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.BurstSize = n
		}
	}
	if v := os.Getenv("SERVER_CORS_ENABLED"); v != "" {
		cfg.CORS.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SERVER_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORS.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("SERVER_MAX_REQUEST_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxRequestBodyBytes = n
		}
	}
}

func applyClientEnvOverrides(cfg *ClientConfig) {
	if v := os.Getenv("CLIENT_HOME_DIR"); v != "" {
		cfg.HomeDir = v
	}
	if v := os.Getenv("CLIENT_SERVER_BASE_URL"); v != "" {
		cfg.ServerBaseURL = v
	}
	if v := os.Getenv("CLIENT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CLIENT_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("CLIENT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CLIENT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CLIENT_RECONNECT_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReconnectBaseDelay = d
		}
	}
	if v := os.Getenv("CLIENT_RECONNECT_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReconnectMaxDelay = d
		}
	}
}

// Fingerprint returns a stable hash of the fields that affect runtime
// behavior, for change detection — mirrors the teacher's Config.Fingerprint.
func (c ServerConfig) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "listen=%s|shards=%d|cap=%d|batch=%d|limit=%d|log=%s/%s|authrefresh=%s|bulkthresh=%d",
		c.ListenAddr, c.ActivityBroadcastShards, c.ActivityBroadcastCapacity,
		c.ActivityCatchupBatchSize, c.ActivityDefaultLimit, c.LogFormat, c.LogLevel,
		c.WSAuthRefreshInterval, c.WSBulkSyncThreshold)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Fingerprint returns a stable hash of the client's runtime-affecting fields.
func (c ClientConfig) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "base=%s|log=%s/%s|backoff=%s/%s",
		c.ServerBaseURL, c.LogFormat, c.LogLevel, c.ReconnectBaseDelay, c.ReconnectMaxDelay)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
