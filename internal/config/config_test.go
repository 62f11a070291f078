package config_test

import (
	"testing"
	"time"

	"github.com/basket/activity-sync/internal/config"
)

func TestLoadServerConfig_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("SERVER_DATABASE_URL", "")
	t.Setenv("CLERK_API_URL", "https://clerk.example.com")
	if _, err := config.LoadServerConfig(); err == nil {
		t.Fatal("expected error when SERVER_DATABASE_URL is unset")
	}
}

func TestLoadServerConfig_RequiresClerkAPIURL(t *testing.T) {
	t.Setenv("SERVER_DATABASE_URL", "postgres://localhost/test")
	t.Setenv("CLERK_API_URL", "")
	if _, err := config.LoadServerConfig(); err == nil {
		t.Fatal("expected error when CLERK_API_URL is unset")
	}
}

func TestLoadServerConfig_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("SERVER_DATABASE_URL", "postgres://localhost/test")
	t.Setenv("CLERK_API_URL", "https://clerk.example.com")
	t.Setenv("SERVER_LISTEN_ADDR", "0.0.0.0:9999")
	t.Setenv("SERVER_ACTIVITY_BROADCAST_SHARDS", "32")
	t.Setenv("SERVER_WS_AUTH_REFRESH_INTERVAL", "5m")

	cfg, err := config.LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9999" {
		t.Fatalf("expected overridden listen addr, got %s", cfg.ListenAddr)
	}
	if cfg.ActivityBroadcastShards != 32 {
		t.Fatalf("expected overridden shard count 32, got %d", cfg.ActivityBroadcastShards)
	}
	if cfg.WSAuthRefreshInterval != 5*time.Minute {
		t.Fatalf("expected overridden auth refresh interval, got %s", cfg.WSAuthRefreshInterval)
	}
	// Untouched fields keep their defaults.
	if cfg.ActivityBroadcastCapacity != 512 {
		t.Fatalf("expected default broadcast capacity 512, got %d", cfg.ActivityBroadcastCapacity)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("expected default log format json, got %s", cfg.LogFormat)
	}
}

func TestLoadServerConfig_HomeDirOverride(t *testing.T) {
	t.Setenv("SERVER_DATABASE_URL", "postgres://localhost/test")
	t.Setenv("CLERK_API_URL", "https://clerk.example.com")
	t.Setenv("SERVER_HOME_DIR", t.TempDir())

	cfg, err := config.LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HomeDir == "" {
		t.Fatal("expected home dir to be set")
	}
}

func TestLoadClientConfig_RequiresServerBaseURL(t *testing.T) {
	t.Setenv("CLIENT_SERVER_BASE_URL", "")
	if _, err := config.LoadClientConfig(); err == nil {
		t.Fatal("expected error when CLIENT_SERVER_BASE_URL is unset")
	}
}

func TestLoadClientConfig_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("CLIENT_SERVER_BASE_URL", "https://api.example.com")
	t.Setenv("CLIENT_RECONNECT_BASE_DELAY", "2s")

	cfg, err := config.LoadClientConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReconnectBaseDelay != 2*time.Second {
		t.Fatalf("expected overridden base delay, got %s", cfg.ReconnectBaseDelay)
	}
	if cfg.ReconnectMaxDelay != 30*time.Second {
		t.Fatalf("expected default max delay, got %s", cfg.ReconnectMaxDelay)
	}
}

func TestLoadClientConfig_DBPathDefaultsUnderHomeDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CLIENT_SERVER_BASE_URL", "https://api.example.com")
	t.Setenv("CLIENT_HOME_DIR", home)

	cfg, err := config.LoadClientConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath == "" {
		t.Fatal("expected default db path to be derived from home dir")
	}
}

func TestFingerprint_ChangesWithRuntimeAffectingFields(t *testing.T) {
	t.Setenv("SERVER_DATABASE_URL", "postgres://localhost/test")
	t.Setenv("CLERK_API_URL", "https://clerk.example.com")

	cfg1, err := config.LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg2 := cfg1
	cfg2.ListenAddr = "0.0.0.0:1"
	if cfg1.Fingerprint() == cfg2.Fingerprint() {
		t.Fatal("expected fingerprint to change when listen addr changes")
	}
}
