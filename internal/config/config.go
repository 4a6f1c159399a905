// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Link      LinkConfig      `mapstructure:"link"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Security  SecurityConfig  `mapstructure:"security"`
	App       AppConfig       `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// LinkConfig represents controller link configuration
type LinkConfig struct {
	DefaultPort        string          `mapstructure:"default_port"`
	DefaultBaudRate    int             `mapstructure:"default_baud_rate"`
	DefaultDialect     string          `mapstructure:"default_dialect"`
	DialectDir         string          `mapstructure:"dialect_dir"`
	AutoConnect        bool            `mapstructure:"auto_connect"`
	RxBufferSize       int             `mapstructure:"rx_buffer_size"`
	AckTimeout         time.Duration   `mapstructure:"ack_timeout"`
	SettleTime         time.Duration   `mapstructure:"settle_time"`
	ErrorPolicy        string          `mapstructure:"error_policy"`
	MaxLineLength      int             `mapstructure:"max_line_length"`
	PollInterval       time.Duration   `mapstructure:"poll_interval"`
	StatusPollInterval time.Duration   `mapstructure:"status_poll_interval"`
	RequireBanner      bool            `mapstructure:"require_banner"`
	EventBuffer        int             `mapstructure:"event_buffer"`
	WaitTimeout        time.Duration   `mapstructure:"wait_timeout"`
	Reconnect          ReconnectConfig `mapstructure:"reconnect"`
}

// ReconnectConfig controls automatic session replacement after a link failure
type ReconnectConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
}

// SerialConfig represents serial line settings
type SerialConfig struct {
	DataBits     int           `mapstructure:"data_bits"`
	StopBits     int           `mapstructure:"stop_bits"`
	Parity       string        `mapstructure:"parity"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// JournalConfig selects where sessions and commands are recorded
type JournalConfig struct {
	Driver          string        `mapstructure:"driver"`
	BoltPath        string        `mapstructure:"bolt_path"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// DiscoveryConfig controls controller probing
type DiscoveryConfig struct {
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	BaudRates    []int         `mapstructure:"baud_rates"`
	PortPatterns []string      `mapstructure:"port_patterns"`
	TCPAddresses []string      `mapstructure:"tcp_addresses"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DBName         string        `mapstructure:"dbname"`
	SSLMode        string        `mapstructure:"sslmode"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	AutoMigrate    bool          `mapstructure:"auto_migrate"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Journal drivers
const (
	JournalBolt     = "bolt"
	JournalPostgres = "postgres"
	JournalNone     = "none"
)

var (
	validEnvironments = []string{"development", "staging", "production", "test"}
	validLevels       = []string{"debug", "info", "warn", "error", "fatal"}
	validFormats      = []string{"json", "console"}
	validPolicies     = []string{"halt-on-error", "skip-and-continue"}
	validJournals     = []string{JournalBolt, JournalPostgres, JournalNone}
	validParities     = []string{"none", "odd", "even", "mark", "space"}
)

// Load loads configuration from file and environment variables. An empty
// path searches the default locations; a missing file leaves the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/grbl-service")
	}

	// Environment variable support
	v.SetEnvPrefix("GRBL_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8085")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "90s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Link defaults
	v.SetDefault("link.default_port", "")
	v.SetDefault("link.default_baud_rate", 115200)
	v.SetDefault("link.default_dialect", "grbl")
	v.SetDefault("link.dialect_dir", "")
	v.SetDefault("link.auto_connect", false)
	v.SetDefault("link.rx_buffer_size", 0)
	v.SetDefault("link.ack_timeout", "30s")
	v.SetDefault("link.settle_time", "2s")
	v.SetDefault("link.error_policy", "halt-on-error")
	v.SetDefault("link.max_line_length", 256)
	v.SetDefault("link.poll_interval", "50ms")
	v.SetDefault("link.status_poll_interval", "0s")
	v.SetDefault("link.require_banner", false)
	v.SetDefault("link.event_buffer", 1024)
	v.SetDefault("link.wait_timeout", "60s")
	v.SetDefault("link.reconnect.enabled", false)
	v.SetDefault("link.reconnect.max_attempts", 3)
	v.SetDefault("link.reconnect.delay", "2s")

	// Serial defaults
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.dial_timeout", "5s")
	v.SetDefault("serial.write_timeout", "5s")

	// Journal defaults
	v.SetDefault("journal.driver", JournalBolt)
	v.SetDefault("journal.bolt_path", "./data/journal.db")
	v.SetDefault("journal.retention", "168h")
	v.SetDefault("journal.cleanup_interval", "1h")

	// Discovery defaults
	v.SetDefault("discovery.probe_timeout", "3s")
	v.SetDefault("discovery.baud_rates", []int{115200})
	v.SetDefault("discovery.port_patterns", []string{"ttyUSB", "ttyACM", "cu.usb", "COM"})
	v.SetDefault("discovery.tcp_addresses", []string{})

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "grbl_service")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_lifetime", "5m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.connect_timeout", "10s")

	// Security defaults
	v.SetDefault("security.allowed_origins", []string{"*"})

	// App defaults
	v.SetDefault("app.name", "grbl-service")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if !slices.Contains(validEnvironments, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvironments)
	}
	if !slices.Contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}
	if !slices.Contains(validFormats, config.Logging.Format) {
		return fmt.Errorf("logging.format must be one of: %v", validFormats)
	}
	if !slices.Contains(validPolicies, config.Link.ErrorPolicy) {
		return fmt.Errorf("link.error_policy must be one of: %v", validPolicies)
	}
	if !slices.Contains(validJournals, config.Journal.Driver) {
		return fmt.Errorf("journal.driver must be one of: %v", validJournals)
	}
	if !slices.Contains(validParities, config.Serial.Parity) {
		return fmt.Errorf("serial.parity must be one of: %v", validParities)
	}
	if config.Link.DefaultDialect == "" {
		return fmt.Errorf("link.default_dialect is required")
	}
	if config.Link.AckTimeout <= 0 {
		return fmt.Errorf("link.ack_timeout must be positive")
	}
	if config.Link.SettleTime < 0 {
		return fmt.Errorf("link.settle_time must not be negative")
	}
	if config.Link.RxBufferSize < 0 {
		return fmt.Errorf("link.rx_buffer_size must not be negative")
	}
	if config.Link.AutoConnect && config.Link.DefaultPort == "" {
		return fmt.Errorf("link.default_port is required when link.auto_connect is set")
	}
	if config.Link.Reconnect.Enabled && config.Link.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("link.reconnect.max_attempts must be at least 1")
	}
	if config.Discovery.ProbeTimeout <= 0 {
		return fmt.Errorf("discovery.probe_timeout must be positive")
	}
	if config.Journal.Driver == JournalBolt && config.Journal.BoltPath == "" {
		return fmt.Errorf("journal.bolt_path is required for the bolt journal")
	}
	if config.Journal.Driver == JournalPostgres && config.Database.Host == "" {
		return fmt.Errorf("database.host is required for the postgres journal")
	}
	return nil
}

// DSN returns the lib/pq connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
		int(d.ConnectTimeout.Seconds()))
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return c.Database.DSN()
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
