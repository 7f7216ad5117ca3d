package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
	"github.com/joho/godotenv"
	"github.com/tphan267/arqut-signal/pkg/utils"
	"go.yaml.in/yaml/v3"
)

var cfg *Config

// Config holds the application configuration
type Config struct {
	Stage   string `yaml:"stage"`    // Path segment the socket and management API live under
	WSAddr  string `yaml:"ws_addr"`  // Listen address of the WebSocket gateway
	APIAddr string `yaml:"api_addr"` // Listen address of the management API

	// EndpointURL is the base URL of the send-to-connection capability
	// (e.g. http://localhost:3031/dev). Empty means handlers post to the
	// in-process gateway directly.
	EndpointURL string `yaml:"endpoint_url"`

	TableName string `yaml:"table_name"` // Registry table
	DBPath    string `yaml:"db_path"`

	// ScanPageSize bounds how many registry rows one announce reads.
	// Rows beyond the first page are not announced.
	ScanPageSize int `yaml:"scan_page_size"`

	// CleanupOnDisconnect removes the registry row when a socket closes.
	// Off by default, so ids of closed sockets stay registered.
	CleanupOnDisconnect bool `yaml:"cleanup_on_disconnect"`

	SendTimeout time.Duration `yaml:"send_timeout"`
	ReadLimit   int64         `yaml:"read_limit"`
	LogLevel    string        `yaml:"log_level"`

	Version string `yaml:"-"`

	mu   sync.Mutex `yaml:"-"`
	file string     `yaml:"-"`
}

// WSPath returns the HTTP path the gateway upgrades on, e.g. "/dev".
func (c *Config) WSPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return "/" + strings.Trim(c.Stage, "/")
}

// Save writes the current configuration back to the file
func (c *Config) Save() error {
	if c.file == "" {
		return fmt.Errorf("config file path is not set")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.file, data, 0o644)
}

// EnsureDefaultConfig applies environment overrides and fills missing fields
func (c *Config) EnsureDefaultConfig(save bool) error {
	changed := false
	c.mu.Lock()

	// Env overrides. ENDPOINT_URL and TABLE_NAME are unprefixed.
	if endpoint := utils.Env("ENDPOINT_URL", ""); endpoint != "" {
		c.EndpointURL = endpoint
	}
	if table := utils.Env("TABLE_NAME", ""); table != "" {
		c.TableName = table
	}
	if stage := utils.Env("ARQUT_SIGNAL_STAGE", ""); stage != "" {
		c.Stage = stage
	}
	if addr := utils.Env("ARQUT_SIGNAL_WS_ADDR", ""); addr != "" {
		c.WSAddr = addr
	}
	if addr := utils.Env("ARQUT_SIGNAL_API_ADDR", ""); addr != "" {
		c.APIAddr = addr
	}
	if dbPath := utils.Env("ARQUT_SIGNAL_DB_PATH", ""); dbPath != "" {
		c.DBPath = dbPath
	}
	if logLevel := utils.Env("ARQUT_SIGNAL_LOG_LEVEL", ""); logLevel != "" {
		c.LogLevel = logLevel
	}
	if size := utils.EnvInt("ARQUT_SIGNAL_SCAN_PAGE_SIZE", 0); size > 0 {
		c.ScanPageSize = size
	}
	c.CleanupOnDisconnect = utils.EnvBool("ARQUT_SIGNAL_CLEANUP_ON_DISCONNECT", c.CleanupOnDisconnect)
	c.SendTimeout = utils.EnvDuration("ARQUT_SIGNAL_SEND_TIMEOUT", c.SendTimeout)

	// Create defaults
	if c.Stage == "" {
		c.Stage = "dev"
		changed = true
	}

	if c.WSAddr == "" {
		c.WSAddr = ":3030"
		changed = true
	}

	if c.APIAddr == "" {
		c.APIAddr = ":3031"
		changed = true
	}

	if c.TableName == "" {
		c.TableName = "connections"
		changed = true
	}

	if c.DBPath == "" {
		c.DBPath = "arqut-signal.db"
		changed = true
	}

	if c.ScanPageSize <= 0 {
		c.ScanPageSize = 1000
		changed = true
	}

	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
		changed = true
	}

	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 * 1024
		changed = true
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
		changed = true
	}

	c.mu.Unlock()

	if changed && save {
		return c.Save()
	}
	return nil
}

// ConfigInstance returns the global config instance
func ConfigInstance() *Config {
	return cfg
}

// Load loads configuration from the specified file and environment variables.
// A missing file is not an error; defaults are written to it.
func Load(version, file, logLevel string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg = &Config{
		Version: version,
		file:    file,
	}

	if _, err := os.Stat(file); err == nil {
		yamlFeeder := feeder.Yaml{Path: file}
		if err := config.New().AddFeeder(yamlFeeder).AddStruct(cfg).Feed(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	if err := cfg.EnsureDefaultConfig(true); err != nil {
		return nil, err
	}

	// Override log level from command-line argument
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	return cfg, nil
}
