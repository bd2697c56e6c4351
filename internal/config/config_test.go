package config

import (
	"testing"
)

// TestDefaults verifies default values apply when no overrides are set.
func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Cache.StaleHours != 48 {
		t.Errorf("Cache.StaleHours = %d, want 48", cfg.Cache.StaleHours)
	}
	if cfg.Cache.QuotaBytes != 0 {
		t.Errorf("Cache.QuotaBytes = %d, want 0 (disabled)", cfg.Cache.QuotaBytes)
	}
	if cfg.Remote.BaseURL != "" {
		t.Errorf("Remote.BaseURL = %q, want empty", cfg.Remote.BaseURL)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir should have a default")
	}
}

// TestEnvOverride verifies environment variables override defaults.
func TestEnvOverride(t *testing.T) {
	t.Setenv("HANDOFFD_SERVER_PORT", "9100")
	t.Setenv("HANDOFFD_REMOTE_BASE_URL", "https://plant.example.com/api")
	t.Setenv("HANDOFFD_CACHE_QUOTA_BYTES", "1073741824")

	cfg := defaults()
	applyEnvOverrides(&cfg)

	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Remote.BaseURL != "https://plant.example.com/api" {
		t.Errorf("Remote.BaseURL = %q", cfg.Remote.BaseURL)
	}
	if cfg.Cache.QuotaBytes != 1073741824 {
		t.Errorf("Cache.QuotaBytes = %d, want 1073741824", cfg.Cache.QuotaBytes)
	}
}

// TestEnvOverrideBadInt verifies unparseable numbers keep the default.
func TestEnvOverrideBadInt(t *testing.T) {
	t.Setenv("HANDOFFD_SERVER_PORT", "not-a-port")

	cfg := defaults()
	applyEnvOverrides(&cfg)

	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want default 4600", cfg.Server.Port)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Remote.Token = "secret-token"

	for _, info := range ShowAll(cfg) {
		if info.Key == "remote.token" {
			t.Fatal("ShowAll should not include secret keys")
		}
		if info.Value == "secret-token" {
			t.Fatalf("secret leaked through key %s", info.Key)
		}
	}
}

func TestEnsureAPITokenRoundTrip(t *testing.T) {
	dir := t.TempDir()

	first, err := EnsureAPIToken(dir)
	if err != nil {
		t.Fatalf("EnsureAPIToken: %v", err)
	}
	if len(first) != 64 {
		t.Fatalf("token length = %d, want 64 hex chars", len(first))
	}

	second, err := EnsureAPIToken(dir)
	if err != nil {
		t.Fatalf("EnsureAPIToken (second): %v", err)
	}
	if first != second {
		t.Fatal("EnsureAPIToken should return the persisted token")
	}

	read, err := ReadAPIToken(dir)
	if err != nil {
		t.Fatalf("ReadAPIToken: %v", err)
	}
	if read != first {
		t.Fatal("ReadAPIToken should match the generated token")
	}
}

func TestReadAPITokenMissing(t *testing.T) {
	if _, err := ReadAPIToken(t.TempDir()); err == nil {
		t.Fatal("ReadAPIToken should fail when no token exists")
	}
}
