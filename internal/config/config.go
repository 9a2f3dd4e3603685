package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	JWT       JWTConfig       `yaml:"jwt"`
	Log       LogConfig       `yaml:"log"`
	BLE       BLEConfig       `yaml:"ble"`
	Session   SessionConfig   `yaml:"session"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Scan      ScanConfig      `yaml:"scan"`
	Storage   StorageConfig   `yaml:"storage"`
	Users     []UserConfig    `yaml:"users"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// DatabaseConfig represents database configuration.
// An empty DSN keeps the device registry in memory.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Name              string        `yaml:"name"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	PublishPackets    bool          `yaml:"publish_packets"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BLEConfig selects and tunes the transport
type BLEConfig struct {
	Adapter          string            `yaml:"adapter"`
	Simulate         bool              `yaml:"simulate"`
	SimulatedDevices []SimulatedDevice `yaml:"simulated_devices"`
	MTU              int               `yaml:"mtu"`
	ConnectTimeout   time.Duration     `yaml:"connect_timeout"`
}

// SimulatedDevice describes one fake peripheral for the simulator transport
type SimulatedDevice struct {
	Address         string        `yaml:"address"`
	Name            string        `yaml:"name"`
	Family          string        `yaml:"family"`
	SubVersion      uint8         `yaml:"sub_version"`
	Firmware        string        `yaml:"firmware"`
	NVM             uint32        `yaml:"nvm"`
	Battery         int           `yaml:"battery"`
	StoredRecords   int           `yaml:"stored_records"`
	PreviewInterval time.Duration `yaml:"preview_interval"`
}

// SessionConfig holds onboarding timings
type SessionConfig struct {
	FallbackTimeout time.Duration `yaml:"fallback_timeout"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
}

// ReconnectConfig bounds automatic reconnection. MaxAttempts 0 takes the
// default and -1 disables reconnection.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
}

// ScanConfig configures discovery filtering and age-out
type ScanConfig struct {
	FilterMode     string        `yaml:"filter_mode"` // all | exact | substring
	FilterName     string        `yaml:"filter_name"`
	AgeOutInterval time.Duration `yaml:"age_out_interval"`
	MaxAge         time.Duration `yaml:"max_age"`
	AutoConnect    bool          `yaml:"auto_connect"`
}

// StorageConfig locates CSV output
type StorageConfig struct {
	DocumentsDir string `yaml:"documents_dir"`
	AppVersion   string `yaml:"app_version"`
}

// UserConfig is an API account. PasswordHash is a bcrypt hash.
type UserConfig struct {
	Email        string `yaml:"email"`
	PasswordHash string `yaml:"password_hash"`
	IsAdmin      bool   `yaml:"is_admin"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML, applies environment overrides and defaults, then validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if dir := os.Getenv("NIRS_DOCUMENTS_DIR"); dir != "" {
		c.Storage.DocumentsDir = dir
	}

	if adapter := os.Getenv("BLE_ADAPTER"); adapter != "" {
		c.BLE.Adapter = adapter
	}

	if sim := os.Getenv("BLE_SIMULATE"); sim != "" {
		if v, err := strconv.ParseBool(sim); err == nil {
			c.BLE.Simulate = v
		}
	}
}

func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "nirsd"
	}
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.NATS.Name == "" {
		c.NATS.Name = "nirsd"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "nirs"
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.BLE.Adapter == "" {
		c.BLE.Adapter = "hci0"
	}
	if c.BLE.MTU == 0 {
		c.BLE.MTU = 247
	}
	if c.BLE.ConnectTimeout == 0 {
		c.BLE.ConnectTimeout = 30 * time.Second
	}
	if c.Session.FallbackTimeout == 0 {
		c.Session.FallbackTimeout = 1000 * time.Millisecond
	}
	if c.Session.SettleDelay == 0 {
		c.Session.SettleDelay = 200 * time.Millisecond
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.Reconnect.Delay == 0 {
		c.Reconnect.Delay = 500 * time.Millisecond
	}
	if c.Scan.FilterMode == "" {
		c.Scan.FilterMode = "all"
	}
	if c.Scan.AgeOutInterval == 0 {
		c.Scan.AgeOutInterval = time.Second
	}
	if c.Scan.MaxAge == 0 {
		c.Scan.MaxAge = 10 * time.Second
	}
	if c.Storage.DocumentsDir == "" {
		c.Storage.DocumentsDir = "data"
	}
	if c.Storage.AppVersion == "" {
		c.Storage.AppVersion = c.Server.Version
	}
	for i := range c.BLE.SimulatedDevices {
		d := &c.BLE.SimulatedDevices[i]
		if d.PreviewInterval == 0 {
			d.PreviewInterval = 100 * time.Millisecond
		}
		if d.Battery == 0 {
			d.Battery = 100
		}
	}
}

// Validate checks values that have no sensible default
func (c *Config) Validate() error {
	switch strings.ToLower(c.Scan.FilterMode) {
	case "all", "exact", "substring":
	default:
		return fmt.Errorf("invalid scan filter mode: %s", c.Scan.FilterMode)
	}
	if c.Scan.FilterMode != "all" && c.Scan.FilterName == "" {
		return fmt.Errorf("scan filter %s needs filter_name", c.Scan.FilterMode)
	}
	if c.Reconnect.MaxAttempts < -1 {
		return fmt.Errorf("reconnect.max_attempts must be -1 (disabled) or more")
	}
	if c.API.Enabled && c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required when the API is enabled")
	}
	for _, d := range c.BLE.SimulatedDevices {
		if d.Address == "" || d.Family == "" {
			return fmt.Errorf("simulated device needs address and family")
		}
	}
	return nil
}

// PrintConfigSummary prints a short summary of the active configuration
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== NIRS Connectivity Configuration ===\n")
	fmt.Printf("Server: %s v%s\n", c.Server.Name, c.Server.Version)
	if c.BLE.Simulate {
		fmt.Printf("Transport: simulator (%d devices)\n", len(c.BLE.SimulatedDevices))
	} else {
		fmt.Printf("Transport: BlueZ adapter %s, MTU %d\n", c.BLE.Adapter, c.BLE.MTU)
	}
	fmt.Printf("Fallback timeout: %s, settle delay: %s\n", c.Session.FallbackTimeout, c.Session.SettleDelay)
	fmt.Printf("Reconnect: %d attempts, %s delay\n", c.Reconnect.MaxAttempts, c.Reconnect.Delay)
	fmt.Printf("Scan filter: %s %q, age-out %s after %s\n", c.Scan.FilterMode, c.Scan.FilterName, c.Scan.MaxAge, c.Scan.AgeOutInterval)
	fmt.Printf("CSV directory: %s\n", c.Storage.DocumentsDir)
	if c.API.Enabled {
		fmt.Printf("API: %s:%d\n", c.API.Host, c.API.Port)
	}
	if c.NATS.URL != "" {
		fmt.Printf("NATS: %s (prefix %s)\n", c.NATS.URL, c.NATS.SubjectPrefix)
	}
	if c.Database.DSN != "" {
		fmt.Printf("Device registry: postgres\n")
	} else {
		fmt.Printf("Device registry: memory\n")
	}
	fmt.Printf("=======================================\n")
}
