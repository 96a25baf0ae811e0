// Package config handles configuration loading, validation, and persistence
// for the TeeBridge relay.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigDir      = "config"
	DefaultConfigFile     = "config.json"
	DefaultYAMLConfigFile = "config.yaml"
	DefaultListenAddress  = "0.0.0.0:8303"
	DefaultTargetAddress  = "tw-0.6+udp://127.0.0.1:8304"
	DefaultMaxSessions    = 64
	DefaultAPIPort        = 8380
)

// File formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Config is the root configuration structure for TeeBridge.
type Config struct {
	mu      sync.RWMutex
	path    string
	format  string
	created bool

	BridgeData      BridgeData      `json:"bridge_data" yaml:"bridge_data"`
	ApplicationData ApplicationData `json:"application_data" yaml:"application_data"`
}

// BridgeData contains the relay configuration.
type BridgeData struct {
	ListenAddress string `json:"listen_address" yaml:"listen_address"`
	TargetAddress string `json:"target_address" yaml:"target_address"`
	MaxSessions   int    `json:"max_sessions" yaml:"max_sessions"`
	MaxFakeID     int64  `json:"max_fake_id" yaml:"max_fake_id"`

	// Loop
	InboundPerTick int `json:"inbound_per_tick" yaml:"inbound_per_tick"`
	IdleWaitMs     int `json:"idle_wait_ms" yaml:"idle_wait_ms"`

	// Transport
	ConnectTimeoutSec   int `json:"connect_timeout_sec" yaml:"connect_timeout_sec"`
	TimeoutSec          int `json:"timeout_sec" yaml:"timeout_sec"`
	KeepaliveIntervalMs int `json:"keepalive_interval_ms" yaml:"keepalive_interval_ms"`
	ConnectRatePerSec   int `json:"connect_rate_per_sec" yaml:"connect_rate_per_sec"`
	PendingLimit        int `json:"pending_limit" yaml:"pending_limit"`

	Bans []string `json:"bans" yaml:"bans"`
}

// IdleWait returns the idle wait as a duration.
func (b BridgeData) IdleWait() time.Duration {
	return time.Duration(b.IdleWaitMs) * time.Millisecond
}

// ConnectTimeout returns the outbound handshake timeout.
func (b BridgeData) ConnectTimeout() time.Duration {
	return time.Duration(b.ConnectTimeoutSec) * time.Second
}

// Timeout returns the silence timeout of both transport sides.
func (b BridgeData) Timeout() time.Duration {
	return time.Duration(b.TimeoutSec) * time.Second
}

// KeepaliveInterval returns the keepalive interval.
func (b BridgeData) KeepaliveInterval() time.Duration {
	return time.Duration(b.KeepaliveIntervalMs) * time.Millisecond
}

// ApplicationData contains the ambient application configuration.
type ApplicationData struct {
	API      APIConfig      `json:"api" yaml:"api"`
	MQTT     MQTTConfig     `json:"mqtt" yaml:"mqtt"`
	Journal  JournalConfig  `json:"journal" yaml:"journal"`
	Security SecurityConfig `json:"security" yaml:"security"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// APIConfig holds admin REST API settings.
type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
	Port    int    `json:"port" yaml:"port"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	BrokerURL   string `json:"broker_url" yaml:"broker_url"`
	Port        int    `json:"port" yaml:"port"`
	UseTLS      bool   `json:"use_tls" yaml:"use_tls"`
	CertFile    string `json:"cert_file" yaml:"cert_file"`
	KeyFile     string `json:"key_file" yaml:"key_file"`
	CAFile      string `json:"ca_file" yaml:"ca_file"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	PublishChat bool   `json:"publish_chat" yaml:"publish_chat"`
}

// JournalConfig holds the SQLite session and chat journal settings.
type JournalConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Path          string `json:"path" yaml:"path"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`
	CleanupTime   string `json:"cleanup_time" yaml:"cleanup_time"` // HH:MM, local time
}

// SecurityConfig holds API security settings.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled" yaml:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file" yaml:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist" yaml:"ip_whitelist"`
	APIToken       string   `json:"api_token" yaml:"api_token"`
	AuthDisabled   bool     `json:"auth_disabled" yaml:"auth_disabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Directory  string `json:"directory" yaml:"directory"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		format: FormatJSON,
		BridgeData: BridgeData{
			ListenAddress:       DefaultListenAddress,
			TargetAddress:       DefaultTargetAddress,
			MaxSessions:         DefaultMaxSessions,
			MaxFakeID:           1<<31 - 1,
			InboundPerTick:      1,
			IdleWaitMs:          10,
			ConnectTimeoutSec:   10,
			TimeoutSec:          10,
			KeepaliveIntervalMs: 1000,
			ConnectRatePerSec:   10,
			PendingLimit:        256,
			Bans:                []string{},
		},
		ApplicationData: ApplicationData{
			API: APIConfig{
				Enabled: true,
				Address: "127.0.0.1",
				Port:    DefaultAPIPort,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				Port:        1883,
				TopicPrefix: "teebridge",
				PublishChat: true,
			},
			Journal: JournalConfig{
				Enabled:       false,
				Path:          filepath.Join("data", "teebridge.db"),
				RetentionDays: 30,
				CleanupTime:   "04:00",
			},
			Security: SecurityConfig{
				RateLimitRPS: 100,
				AuthDisabled: true,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from configDir. A config.yaml takes precedence
// over config.json; when neither exists a default config.json is written.
func Load(configDir string) (*Config, error) {
	configPath, format := locate(configDir)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			cfg.format = format
			cfg.created = true
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	cfg.format = format
	if err := unmarshal(format, data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Str("format", format).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

func locate(configDir string) (string, string) {
	yamlPath := filepath.Join(configDir, DefaultYAMLConfigFile)
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath, FormatYAML
	}
	return filepath.Join(configDir, DefaultConfigFile), FormatJSON
}

func unmarshal(format string, data []byte, cfg *Config) error {
	if format == FormatYAML {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

// Save writes the current configuration to disk in its original format.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if c.format == FormatYAML {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetBridgeData returns a copy of the bridge configuration.
func (c *Config) GetBridgeData() BridgeData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.BridgeData
}

// SetBridgeData updates the bridge configuration.
func (c *Config) SetBridgeData(data BridgeData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BridgeData = data
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

// UpdateBridgeField updates a specific field in bridge data by its JSON key.
func (c *Config) UpdateBridgeField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.BridgeData)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown bridge field %s", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	var bd BridgeData
	if err := json.Unmarshal(updated, &bd); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.BridgeData = bd

	return nil
}

// View is a lock-free copy of the configuration.
type View struct {
	BridgeData      BridgeData      `json:"bridge_data"`
	ApplicationData ApplicationData `json:"application_data"`
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() View {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v := View{BridgeData: c.BridgeData, ApplicationData: c.ApplicationData}
	if v.ApplicationData.Security.APIToken != "" {
		v.ApplicationData.Security.APIToken = "********"
	}
	return v
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// Format returns the file format ("json" or "yaml").
func (c *Config) Format() string {
	return c.format
}

// IsFirstRun returns true if Load had to create the config file.
func (c *Config) IsFirstRun() bool {
	return c.created
}
