// Package config loads the gateway's ambient configuration. Load order is
// defaults, then a .env file in the data directory, then the process
// environment; CLI flags are applied on top by cmd/mantra-gatewayd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// DefaultPort is the gateway's default listen port. When it is taken the
// server transparently falls back to an OS-assigned port; an explicitly
// configured port never falls back.
const DefaultPort = 39600

// Config is the resolved gateway configuration.
type Config struct {
	// DataDir holds the sqlite database, encryption keys, and daemon log.
	DataDir string
	// Port is the gateway listen port. PortExplicit records whether it
	// came from the user (env or flag) rather than the default.
	Port         int
	PortExplicit bool
	// Token is the gateway bearer token assistants must present.
	Token string
	// StrictMode restricts tool listings/calls to services linked to the
	// session's project context.
	StrictMode bool
	// LogLevel is passed through to internal/logging.
	LogLevel string
}

// DefaultDataDir returns ~/.mantra-gateway, or "." when the home directory
// cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".mantra-gateway")
}

// Load resolves the configuration from defaults, <dataDir>/.env, and the
// process environment. An empty dataDir uses DefaultDataDir().
func Load(dataDir string) (*Config, error) {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	if v := os.Getenv("MANTRA_DATA_DIR"); v != "" {
		dataDir = v
	}

	// Missing .env is fine; malformed .env is not.
	envPath := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envPath, err)
		}
	}

	cfg := &Config{
		DataDir:  dataDir,
		Port:     DefaultPort,
		LogLevel: "info",
	}

	if v := os.Getenv("MANTRA_GATEWAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("config: invalid MANTRA_GATEWAY_PORT %q", v)
		}
		cfg.Port = port
		cfg.PortExplicit = true
	}
	if v := os.Getenv("MANTRA_GATEWAY_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("MANTRA_STRICT_MODE"); v != "" {
		cfg.StrictMode = parseBool(v)
	}
	if v := os.Getenv("MANTRA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

// DatabasePath returns the sqlite file path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "mantra.db")
}

// LogFilePath returns the daemon's rotating log file path.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.DataDir, "gateway.log")
}

// EnsureDataDir creates the data directory with owner-only permissions.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("config: create data dir: %w", err)
	}
	return nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// LogSummary emits the effective configuration at startup with the token
// elided.
func (c *Config) LogSummary() {
	log.Info().
		Str("dataDir", c.DataDir).
		Int("port", c.Port).
		Bool("portExplicit", c.PortExplicit).
		Bool("strictMode", c.StrictMode).
		Bool("tokenSet", c.Token != "").
		Msg("configuration loaded")
}
