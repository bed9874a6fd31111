// Package config handles configuration loading, validation, and persistence
// for the Uniport server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir     = "config"
	DefaultConfigFile    = "config.json"
	DefaultReliablePort  = 7350
	DefaultDatagramPort  = 7351
	DefaultAPIPort       = 7380
	DefaultBucketCount   = 512
	DefaultMaxPacketSize = 1 << 20
)

// Config is the root configuration structure for Uniport.
type Config struct {
	mu   sync.RWMutex
	path string

	Server          ServerConfig    `json:"server"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ServerConfig contains the networking core settings.
type ServerConfig struct {
	// Identity announced during the handshake
	Name string `json:"name"`
	Motd string `json:"motd"`

	// Sockets; a negative port disables that transport
	BindAddress  string `json:"bind_address"`
	ReliablePort int    `json:"reliable_port"`
	DatagramPort int    `json:"datagram_port"`

	// Limits
	MaxPacketSize int `json:"max_packet_size"`
	BucketCount   int `json:"bucket_count"`

	// Timeouts
	HandshakeTimeoutMs  int `json:"handshake_timeout_ms"`
	ReadTimeoutMs       int `json:"read_timeout_ms"`
	WriteTimeoutMs      int `json:"write_timeout_ms"`
	PollIntervalMs      int `json:"poll_interval_ms"`
	KeepAliveIntervalMs int `json:"keep_alive_interval_ms"`

	// Behaviour
	CloseReliableOnDatagramFailure bool `json:"close_reliable_on_datagram_failure"`
	StrictDatagramPort             bool `json:"strict_datagram_port"`
	LogRejections                  bool `json:"log_rejections"`
}

// HandshakeTimeout returns handshake_timeout_ms as a duration.
func (s ServerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeoutMs) * time.Millisecond
}

func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMs) * time.Millisecond
}

func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMs) * time.Millisecond
}

func (s ServerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

func (s ServerConfig) KeepAliveInterval() time.Duration {
	return time.Duration(s.KeepAliveIntervalMs) * time.Millisecond
}

// ApplicationData contains the daemon settings around the networking core.
type ApplicationData struct {
	Filter  FilterConfig  `json:"filter"`
	API     APIConfig     `json:"api"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Storage StorageConfig `json:"storage"`
	Timers  TimerConfig   `json:"timers"`
	Logging LoggingConfig `json:"logging"`
}

// FilterConfig holds IP allow/deny lists (single addresses or CIDRs).
type FilterConfig struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// APIConfig holds admin REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`

	// UseTLS serves HTTPS; a missing certificate pair is generated self-signed
	UseTLS   bool   `json:"use_tls"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// StorageConfig holds SQLite persistence settings.
type StorageConfig struct {
	DatabasePath         string `json:"database_path"`
	HistoryRetentionDays int    `json:"history_retention_days"`
}

// TimerConfig holds health check and maintenance intervals.
type TimerConfig struct {
	HeartbeatInterval     int    `json:"heartbeat_interval_sec"`
	SelfTestInterval      int    `json:"self_test_interval_sec"`
	ResourceCheckInterval int    `json:"resource_check_interval_sec"`
	MaintenanceTime       string `json:"maintenance_time"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:                           "Uniport",
			Motd:                           "Welcome!",
			ReliablePort:                   DefaultReliablePort,
			DatagramPort:                   DefaultDatagramPort,
			MaxPacketSize:                  DefaultMaxPacketSize,
			BucketCount:                    DefaultBucketCount,
			HandshakeTimeoutMs:             10000,
			ReadTimeoutMs:                  60000,
			WriteTimeoutMs:                 10000,
			PollIntervalMs:                 250,
			KeepAliveIntervalMs:            5000,
			CloseReliableOnDatagramFailure: true,
			StrictDatagramPort:             false,
			LogRejections:                  true,
		},
		ApplicationData: ApplicationData{
			API: APIConfig{
				Enabled:        true,
				Port:           DefaultAPIPort,
				AllowedOrigins: []string{"http://localhost:3000"},
				RateLimitRPS:   50,
				CertFile:       "config/api.crt",
				KeyFile:        "config/api.key",
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				Port:        8883,
				UseTLS:      true,
				TopicPrefix: "uniport",
			},
			Storage: StorageConfig{
				DatabasePath:         "data/uniport.db",
				HistoryRetentionDays: 30,
			},
			Timers: TimerConfig{
				HeartbeatInterval:     60,
				SelfTestInterval:      300,
				ResourceCheckInterval: 120,
				MaintenanceTime:       "04:00",
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON file, creating a default one when
// missing. Values in the file are overlaid on DefaultConfig.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the server configuration.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// SetServer replaces the server configuration.
func (c *Config) SetServer(data ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = data
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateServerField sets one server field by its JSON key.
func (c *Config) UpdateServerField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return updateField(&c.Server, key, value)
}

// UpdateAppField sets one top-level application_data field by its JSON key.
func (c *Config) UpdateAppField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return updateField(&c.ApplicationData, key, value)
}

// updateField round-trips target through a JSON map so that key follows
// the struct tags and value is type-checked by the decoder.
func updateField(target interface{}, key string, value interface{}) error {
	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("failed to marshal section: %w", err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode section: %w", err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown field %s", key)
	}

	m[key] = value

	updated, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	if err := json.Unmarshal(updated, target); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetPath sets where Save writes to.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}
