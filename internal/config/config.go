// Package config loads daemon configuration from defaults, an optional
// .env file, and HANDOFFD_* environment variables, in that order of
// precedence (later wins).
package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Remote  RemoteConfig
	Cache   CacheConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type RemoteConfig struct {
	// BaseURL of the plant server API. Empty means the terminal runs
	// without credentials: reads stay local and the sync queue only
	// accumulates.
	BaseURL string
	Token   string
}

type CacheConfig struct {
	// QuotaBytes caps local storage. Zero disables quota enforcement.
	QuotaBytes int64
	// StaleHours is the record freshness horizon.
	StaleHours int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			StaleHours: 48,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "handoffd")
}

// Load reads configuration. A .env file next to the working directory is
// applied first if present; HANDOFFD_* variables override everything.
func Load() (Config, error) {
	// Missing .env is the normal case on a provisioned terminal.
	_ = godotenv.Load()

	cfg := defaults()
	applyEnvOverrides(&cfg)
	return cfg, nil
}
