// Package config provides gateway configuration loaded from environment variables.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/capabilities-gateway/pkg/toggles"
)

const logPrefix = "config:LoadConfig"

// Config holds capabilities-gateway configuration.
type Config struct {
	// MCP listener (GATEWAY_HTTP_ADDR preferred, e.g. "0.0.0.0:9123")
	HTTPAddr    string        `envconfig:"GATEWAY_HTTP_ADDR"`
	Port        int           `envconfig:"GATEWAY_PORT" default:"9123"`
	ReadTimeout time.Duration `envconfig:"GATEWAY_READ_TIMEOUT" default:"10s"`

	// Optional status listener serving /health, /ready and /clients.
	StatusAddr string `envconfig:"GATEWAY_STATUS_ADDR"`

	// serverInfo reported by initialize
	ServerName    string `envconfig:"GATEWAY_SERVER_NAME" default:"Host MCP Gateway"`
	ServerVersion string `envconfig:"GATEWAY_SERVER_VERSION" default:"1.0.2"`
	AutoStart     bool   `envconfig:"GATEWAY_AUTO_START" default:"true"`

	// Executor
	ExecutorTimeout      time.Duration `envconfig:"EXECUTOR_TIMEOUT" default:"10s"`
	ExecutorPollInterval time.Duration `envconfig:"EXECUTOR_POLL_INTERVAL" default:"100ms"`
	ExecutorMaxPerTick   int           `envconfig:"EXECUTOR_MAX_PER_TICK" default:"100"`
	InstallTimeout       time.Duration `envconfig:"EXECUTOR_INSTALL_TIMEOUT" default:"3s"`

	// Simulated host loop
	HostTickInterval       time.Duration `envconfig:"HOST_TICK_INTERVAL" default:"16ms"`
	HostTransitionDuration time.Duration `envconfig:"HOST_TRANSITION_DURATION" default:"500ms"`

	// Client activity table
	ClientIdleTTL      time.Duration `envconfig:"CLIENT_IDLE_TTL" default:"5m"`
	ClientSweepIdle    time.Duration `envconfig:"CLIENT_SWEEP_IDLE" default:"1m"`
	ClientReapInterval time.Duration `envconfig:"CLIENT_REAP_INTERVAL" default:"30s"`
	ClientMaxTracked   int           `envconfig:"CLIENT_MAX_TRACKED" default:"256"`

	// Tool enablement
	TogglesBackend string `envconfig:"TOGGLES_BACKEND" default:"file"`
	TogglesFile    string `envconfig:"TOGGLES_FILE" default:"gateway-tools.toml"`

	// Database (postgres toggles backend)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// COMMS: lifecycle events go to NATS at COMMSURL. Empty disables them.
	COMMSURL     string `envconfig:"COMMS_URL"`
	COMMSName    string `envconfig:"SERVICE_NAME" default:"capabilities-gateway"`
	EventSubject string `envconfig:"GATEWAY_EVENT_SUBJECT"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListenAddr returns the MCP listener address. The gateway binds loopback
// unless GATEWAY_HTTP_ADDR says otherwise.
func (c *Config) ListenAddr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(c.Port))
}

// NormalizedServerVersion returns GATEWAY_SERVER_VERSION in canonical SemVer form.
func (c *Config) NormalizedServerVersion() (string, error) {
	v, err := semver.NewVersion(c.ServerVersion)
	if err != nil {
		return "", fmt.Errorf("%s - GATEWAY_SERVER_VERSION %q is not a valid semver: %w", logPrefix, c.ServerVersion, err)
	}
	return v.String(), nil
}

// ValidateForServe checks required config when running the gateway.
func (c *Config) ValidateForServe() error {
	if c.HTTPAddr == "" && (c.Port <= 0 || c.Port > 65535) {
		return fmt.Errorf("%s - GATEWAY_PORT must be between 1 and 65535", logPrefix)
	}
	if _, err := c.NormalizedServerVersion(); err != nil {
		return err
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"GATEWAY_READ_TIMEOUT", c.ReadTimeout},
		{"EXECUTOR_TIMEOUT", c.ExecutorTimeout},
		{"EXECUTOR_POLL_INTERVAL", c.ExecutorPollInterval},
		{"EXECUTOR_INSTALL_TIMEOUT", c.InstallTimeout},
		{"HOST_TICK_INTERVAL", c.HostTickInterval},
		{"HOST_TRANSITION_DURATION", c.HostTransitionDuration},
		{"CLIENT_IDLE_TTL", c.ClientIdleTTL},
		{"CLIENT_SWEEP_IDLE", c.ClientSweepIdle},
		{"CLIENT_REAP_INTERVAL", c.ClientReapInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s - %s must be positive", logPrefix, d.name)
		}
	}
	if c.ExecutorMaxPerTick <= 0 {
		return fmt.Errorf("%s - EXECUTOR_MAX_PER_TICK must be positive", logPrefix)
	}
	if c.ClientMaxTracked <= 0 {
		return fmt.Errorf("%s - CLIENT_MAX_TRACKED must be positive", logPrefix)
	}
	return c.ValidateToggles()
}

// ValidateToggles checks the enablement backend settings.
func (c *Config) ValidateToggles() error {
	switch strings.ToLower(c.TogglesBackend) {
	case toggles.BackendMemory:
		return nil
	case toggles.BackendFile:
		if c.TogglesFile == "" {
			return fmt.Errorf("%s - TOGGLES_FILE is required for the file backend", logPrefix)
		}
		return nil
	case toggles.BackendPostgres:
		return c.ValidateForDB()
	default:
		return fmt.Errorf("%s - unknown TOGGLES_BACKEND %q (want %s, %s or %s)", logPrefix,
			c.TogglesBackend, toggles.BackendFile, toggles.BackendPostgres, toggles.BackendMemory)
	}
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, postgres toggles).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}
