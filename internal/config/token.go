package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsureAPIToken returns the bearer token protecting the daemon's local
// API, generating and persisting one on first run. The token lives in a
// mode-0600 file under the data directory so the CLI and the dashboard can
// read it back.
func EnsureAPIToken(dataDir string) (string, error) {
	p := filepath.Join(dataDir, "api_token")

	data, err := os.ReadFile(p)
	if err == nil {
		token := strings.TrimSpace(string(data))
		if token != "" {
			return token, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	token := hex.EncodeToString(buf)

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.WriteFile(p, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing API token: %w", err)
	}
	return token, nil
}

// ReadAPIToken returns the persisted token without generating one.
func ReadAPIToken(dataDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, "api_token"))
	if err != nil {
		return "", fmt.Errorf("reading API token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("API token file is empty")
	}
	return token, nil
}
