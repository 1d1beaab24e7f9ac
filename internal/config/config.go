// Package config loads the layered application configuration: built-in
// defaults, then an optional YAML file, then COMPUTEHUB_* environment
// variables, which win.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// envPrefix namespaces all environment overrides, e.g.
// COMPUTEHUB_SERVER_PORT=9000.
const envPrefix = "COMPUTEHUB"

// Config is the complete configuration for both binaries. The hub
// server reads Server/License/Security/WebSocket; the ledger reads
// Server/Ledger/Security. Shared sections apply to both.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Ledger    LedgerConfig    `yaml:"ledger" envconfig:"LEDGER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port" envconfig:"PORT"`
	ReadTimeout     Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int      `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// LicenseConfig controls the client-side activation subsystem.
type LicenseConfig struct {
	// LedgerURL is the base URL of the activation ledger.
	LedgerURL string `yaml:"ledger_url" envconfig:"LEDGER_URL"`

	// RequestTimeout bounds every single ledger call.
	RequestTimeout Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`

	// MaxStaleness is the offline fallback window: how long a past
	// ledger confirmation keeps the installation entitled while the
	// ledger cannot be reached.
	MaxStaleness Duration `yaml:"max_staleness" envconfig:"MAX_STALENESS"`

	// RefreshInterval is the cadence of the background verification
	// loop.
	RefreshInterval Duration `yaml:"refresh_interval" envconfig:"REFRESH_INTERVAL"`
}

// LedgerConfig controls the activation ledger service.
type LedgerConfig struct {
	// ListenAddr is the ledger daemon's bind address.
	ListenAddr string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`

	DatabasePath string `yaml:"database_path" envconfig:"DATABASE_PATH"`

	// ExportDir receives admin-generated XLSX exports.
	ExportDir string `yaml:"export_dir" envconfig:"EXPORT_DIR"`

	// Optional mirroring of ledger events to a Google Sheet for the
	// licensing back office.
	SheetsEnabled         bool   `yaml:"sheets_enabled" envconfig:"SHEETS_ENABLED"`
	SheetsCredentialsFile string `yaml:"sheets_credentials_file" envconfig:"SHEETS_CREDENTIALS_FILE"`
	SheetsSpreadsheetID   string `yaml:"sheets_spreadsheet_id" envconfig:"SHEETS_SPREADSHEET_ID"`
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig throttles sensitive endpoints per client IP.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Format      string `yaml:"format" envconfig:"FORMAT"`
	Output      string `yaml:"output" envconfig:"OUTPUT"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

// PathsConfig contains filesystem locations.
type PathsConfig struct {
	// DataDir holds the installation identity and the credential
	// store. Restrictive permissions are applied on creation.
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR"`
	WebDir  string `yaml:"web_dir" envconfig:"WEB_DIR"`
	LogsDir string `yaml:"logs_dir" envconfig:"LOGS_DIR"`
}

// WebSocketConfig contains websocket hub settings.
type WebSocketConfig struct {
	ReadBufferSize  int      `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int      `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
}

// TelemetryConfig controls the OpenTelemetry wiring.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"ENABLED"`
	ServiceName string `yaml:"service_name" envconfig:"SERVICE_NAME"`

	// TraceStdout dumps spans to stdout; development only.
	TraceStdout bool `yaml:"trace_stdout" envconfig:"TRACE_STDOUT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(15 * time.Second),
			IdleTimeout:     Duration(60 * time.Second),
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: Duration(30 * time.Second),
		},
		License: LicenseConfig{
			LedgerURL:       "http://localhost:8090",
			RequestTimeout:  Duration(10 * time.Second),
			MaxStaleness:    Duration(14 * 24 * time.Hour),
			RefreshInterval: Duration(6 * time.Hour),
		},
		Ledger: LedgerConfig{
			ListenAddr:   ":8090",
			DatabasePath: "data/ledger.db",
			ExportDir:    "data/exports",
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     20,
				Burst:   10,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "both",
			FilePath: "logs/app.log",
		},
		Paths: PathsConfig{
			DataDir: "data",
			WebDir:  "web",
			LogsDir: "logs",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      Duration(30 * time.Second),
			PongWait:        Duration(60 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ServiceName: "computehub",
		},
	}
}

// Load builds the effective configuration. Later layers override
// earlier ones: defaults, then the YAML file (if present), then
// environment variables.
func Load() (*Config, error) {
	return LoadFrom(configFilePath())
}

// LoadFrom is Load with an explicit config file location; an empty
// path skips the file layer.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults + env only
		default:
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// configFilePath honors COMPUTEHUB_CONFIG, falling back to config.yaml
// next to the working directory.
func configFilePath() string {
	if p := os.Getenv(envPrefix + "_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// validate rejects configurations the servers cannot run with and
// normalizes the tolerated-but-odd ones.
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}
	if c.License.LedgerURL == "" {
		return fmt.Errorf("license ledger URL must be set")
	}
	if c.License.RequestTimeout <= 0 {
		return fmt.Errorf("license request timeout must be positive")
	}
	if c.License.MaxStaleness <= 0 {
		return fmt.Errorf("license max staleness must be positive")
	}
	if c.License.RefreshInterval <= 0 {
		return fmt.Errorf("license refresh interval must be positive")
	}
	if c.Ledger.ListenAddr == "" {
		return fmt.Errorf("ledger listen address must be set")
	}
	if c.Ledger.DatabasePath == "" {
		return fmt.Errorf("ledger database path must be set")
	}
	if len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}
	if c.Security.RateLimit.Enabled && c.Security.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate limit rps must be positive when enabled")
	}

	// Structured JSON is the only supported log format.
	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	switch c.Logging.Output {
	case "stdout", "file", "both":
	default:
		c.Logging.Output = "both"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/app.log"
	}
	return nil
}
