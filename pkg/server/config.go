package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/offmsg/pkg/database"
	"github.com/aeolun/offmsg/pkg/protocol"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Storage StorageSection `toml:"storage"`
	Limits  LimitsSection  `toml:"limits"`
	Logging LoggingConfig  `toml:"logging"`
}

type ServerSection struct {
	BindAddress string `toml:"bind_address"`
	TCPPort     int    `toml:"tcp_port"`
	HTTPPort    int    `toml:"http_port"`
	MetricsPort int    `toml:"metrics_port"`
}

type StorageSection struct {
	Backend        string `toml:"backend"`
	DatabasePath   string `toml:"database_path"`
	PasswordScheme string `toml:"password_scheme"`
}

type LimitsSection struct {
	MaxMessageLength      int     `toml:"max_message_length"`
	MaxNameLength         int     `toml:"max_name_length"`
	SessionTimeoutSeconds int     `toml:"session_timeout_seconds"`
	RequestsPerSecond     float64 `toml:"requests_per_second"`
	RequestBurst          int     `toml:"request_burst"`
}

// LoggingConfig is the [logging] section; InitLogger consumes it directly
type LoggingConfig struct {
	Level        string `toml:"level"`
	Format       string `toml:"format"`
	AuditLogPath string `toml:"audit_log_path"`
}

const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:     6470,
			HTTPPort:    0,
			MetricsPort: 0,
		},
		Storage: StorageSection{
			Backend:        BackendSQLite,
			DatabasePath:   "~/.offmsg/offmsg.db",
			PasswordScheme: "bcrypt",
		},
		Limits: LimitsSection{
			MaxMessageLength:      500,
			MaxNameLength:         32,
			SessionTimeoutSeconds: 300,
			RequestsPerSecond:     20,
			RequestBurst:          40,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// Unwritable location; run on defaults anyway
			logger.Warn().Err(err).Str("path", path).Msg("could not write default config")
		}
		return applyEnvOverrides(config), nil
	}

	// Start from defaults so sections missing from older files keep sane values
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern OFFMSG_SECTION_KEY,
// e.g. OFFMSG_SERVER_TCP_PORT=7000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envString("OFFMSG_SERVER_BIND_ADDRESS", &config.Server.BindAddress)
	envInt("OFFMSG_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("OFFMSG_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("OFFMSG_SERVER_METRICS_PORT", &config.Server.MetricsPort)

	envString("OFFMSG_STORAGE_BACKEND", &config.Storage.Backend)
	envString("OFFMSG_STORAGE_DATABASE_PATH", &config.Storage.DatabasePath)
	envString("OFFMSG_STORAGE_PASSWORD_SCHEME", &config.Storage.PasswordScheme)

	envInt("OFFMSG_LIMITS_MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength)
	envInt("OFFMSG_LIMITS_MAX_NAME_LENGTH", &config.Limits.MaxNameLength)
	envInt("OFFMSG_LIMITS_SESSION_TIMEOUT_SECONDS", &config.Limits.SessionTimeoutSeconds)
	if val := os.Getenv("OFFMSG_LIMITS_REQUESTS_PER_SECOND"); val != "" {
		if rps, err := strconv.ParseFloat(val, 64); err == nil {
			config.Limits.RequestsPerSecond = rps
		}
	}
	envInt("OFFMSG_LIMITS_REQUEST_BURST", &config.Limits.RequestBurst)

	envString("OFFMSG_LOGGING_LEVEL", &config.Logging.Level)
	envString("OFFMSG_LOGGING_FORMAT", &config.Logging.Format)
	envString("OFFMSG_LOGGING_AUDIT_LOG_PATH", &config.Logging.AuditLogPath)

	return config
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# offmsg server configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# OFFMSG_SECTION_KEY (e.g., OFFMSG_SERVER_TCP_PORT=7000)

[server]
# Interface to listen on. Empty listens on all interfaces
# bind_address = "127.0.0.1"

# Port for TCP connections
tcp_port = 6470

# Port for the WebSocket endpoint (/ws). 0 disables it
http_port = 0

# Port for /metrics and /health. Keep this internal. 0 disables it
metrics_port = 0

[storage]
# "sqlite" persists to database_path, "memory" keeps everything in RAM
backend = "sqlite"

# Path to SQLite database file
database_path = "~/.offmsg/offmsg.db"

# How passwords are stored: "bcrypt" or "plain"
# "plain" only exists to serve databases written by the old messenger
password_scheme = "bcrypt"

[limits]
# Maximum message body length in bytes
max_message_length = 500

# Maximum length of usernames and first and last names in bytes (at most 64)
max_name_length = 32

# Idle sessions are disconnected after this many seconds (0 = never)
session_timeout_seconds = 300

# Per-session request rate (requests_per_second = 0 disables limiting)
requests_per_second = 20.0
request_burst = 40

[logging]
# debug, info, warn or error
level = "info"

# console or json
format = "console"

# One JSON line per handled request. Leave empty to disable
# audit_log_path = "~/.offmsg/audit.log"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ServerConfig holds the runtime settings the server acts on
type ServerConfig struct {
	BindAddress       string
	TCPPort           int
	HTTPPort          int // WebSocket endpoint, 0 = disabled
	MetricsPort       int // 0 = disabled
	MaxMessageLength  int
	MaxNameLength     int // capped at protocol.MaxNameLength
	SessionTimeout    time.Duration // 0 = no idle timeout
	RequestsPerSecond float64
	RequestBurst      int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:           6470,
		MaxMessageLength:  500,
		MaxNameLength:     32,
		SessionTimeout:    300 * time.Second,
		RequestsPerSecond: 20,
		RequestBurst:      40,
	}
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.BindAddress = c.Server.BindAddress
	cfg.TCPPort = c.Server.TCPPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort

	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxNameLength > 0 {
		cfg.MaxNameLength = min(c.Limits.MaxNameLength, protocol.MaxNameLength)
	}
	if c.Limits.SessionTimeoutSeconds >= 0 {
		cfg.SessionTimeout = time.Duration(c.Limits.SessionTimeoutSeconds) * time.Second
	}
	// Zero disables rate limiting
	cfg.RequestsPerSecond = c.Limits.RequestsPerSecond
	if c.Limits.RequestBurst > 0 {
		cfg.RequestBurst = c.Limits.RequestBurst
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Storage.DatabasePath)
}

// OpenStore opens the storage backend named in the [storage] section
func (c *TOMLConfig) OpenStore() (database.Store, error) {
	scheme, err := database.CredentialSchemeByName(c.Storage.PasswordScheme)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "", BackendSQLite:
		path, err := c.GetDatabasePath()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		return database.Open(path, database.WithCredentials(scheme))
	case BackendMemory:
		return database.NewMemDB(database.WithCredentials(scheme)), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want sqlite or memory)", c.Storage.Backend)
	}
}

// OpenEventLog returns the audit log named in [logging], or a no-op log when unset
func (c *TOMLConfig) OpenEventLog() (EventLog, error) {
	if strings.TrimSpace(c.Logging.AuditLogPath) == "" {
		return NopEventLog{}, nil
	}
	path, err := expandHome(c.Logging.AuditLogPath)
	if err != nil {
		return nil, err
	}
	return OpenFileEventLog(path)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
