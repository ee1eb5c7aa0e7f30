package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "worldmap.cfg.json"

// EnvPrefix prefixes environment overrides, e.g. WORLDMAP_REMOTE_TYPE.
const EnvPrefix = "WORLDMAP"

// WebSocketConfig holds document store server settings
type WebSocketConfig struct {
	URL        string        `json:"url" mapstructure:"url"`
	Token      string        `json:"token" mapstructure:"token"`
	AckTimeout time.Duration `json:"ackTimeout" mapstructure:"ackTimeout"`
}

// PostgresConfig holds settings for the GORM document store
type PostgresConfig struct {
	Host         string        `json:"host" mapstructure:"host"`
	Port         string        `json:"port" mapstructure:"port"`
	Username     string        `json:"username" mapstructure:"username"`
	Password     string        `json:"password" mapstructure:"password"`
	Database     string        `json:"database" mapstructure:"database"`
	SSLMode      string        `json:"sslmode" mapstructure:"sslmode"`
	PollInterval time.Duration `json:"pollInterval" mapstructure:"pollInterval"`
}

// NATSConfig holds JetStream key-value settings
type NATSConfig struct {
	URL    string `json:"url" mapstructure:"url"`
	Token  string `json:"token" mapstructure:"token"`
	Bucket string `json:"bucket" mapstructure:"bucket"`
}

// RemoteConfig selects and configures the real-time remote store.
// An empty Type means no remote store is configured.
type RemoteConfig struct {
	Type      string          `json:"type" mapstructure:"type"`
	Path      string          `json:"path" mapstructure:"path"`
	WebSocket WebSocketConfig `json:"websocket" mapstructure:"websocket"`
	Postgres  PostgresConfig  `json:"postgres" mapstructure:"postgres"`
	NATS      NATSConfig      `json:"nats" mapstructure:"nats"`
}

// FallbackConfig selects the device-local store
type FallbackConfig struct {
	Type     string `json:"type" mapstructure:"type"`
	Path     string `json:"path" mapstructure:"path"`
	MaxBytes int    `json:"maxBytes" mapstructure:"maxBytes"`
}

// SyncConfig tunes the sync controller
type SyncConfig struct {
	ConnectTimeout time.Duration `json:"connectTimeout" mapstructure:"connectTimeout"`
	TimeoutPolicy  string        `json:"timeoutPolicy" mapstructure:"timeoutPolicy"`
}

// ObjectStoreConfig holds upload server settings
type ObjectStoreConfig struct {
	BaseURL string        `json:"baseUrl" mapstructure:"baseUrl"`
	APIKey  string        `json:"apiKey" mapstructure:"apiKey"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// LoreConfig holds text generation settings
type LoreConfig struct {
	APIKey   string        `json:"apiKey" mapstructure:"apiKey"`
	Model    string        `json:"model" mapstructure:"model"`
	Endpoint string        `json:"endpoint" mapstructure:"endpoint"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// InfluxConfig holds InfluxDB sink settings
type InfluxConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	Host       string `json:"host" mapstructure:"host"`
	Port       string `json:"port" mapstructure:"port"`
	Protocol   string `json:"protocol" mapstructure:"protocol"`
	Token      string `json:"token" mapstructure:"token"`
	Org        string `json:"org" mapstructure:"org"`
	Bucket     string `json:"bucket" mapstructure:"bucket"`
	BackupPath string `json:"backupPath" mapstructure:"backupPath"`
}

// MonitorConfig tunes the periodic status sampler
type MonitorConfig struct {
	Interval   time.Duration `json:"interval" mapstructure:"interval"`
	StatusFile string        `json:"statusFile" mapstructure:"statusFile"`
}

// GraylogConfig holds GELF log shipping settings
type GraylogConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address"`
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./worldmap-logs")
	viper.SetDefault("admin.secret", "")

	viper.SetDefault("remote.type", "")
	viper.SetDefault("remote.path", "maps/world")
	viper.SetDefault("remote.websocket.url", "")
	viper.SetDefault("remote.websocket.token", "")
	viper.SetDefault("remote.websocket.ackTimeout", "10s")
	viper.SetDefault("remote.postgres.host", "localhost")
	viper.SetDefault("remote.postgres.port", "5432")
	viper.SetDefault("remote.postgres.username", "postgres")
	viper.SetDefault("remote.postgres.password", "")
	viper.SetDefault("remote.postgres.database", "worldmap")
	viper.SetDefault("remote.postgres.sslmode", "disable")
	viper.SetDefault("remote.postgres.pollInterval", "1s")
	viper.SetDefault("remote.nats.url", "")
	viper.SetDefault("remote.nats.token", "")
	viper.SetDefault("remote.nats.bucket", "worldmap")

	viper.SetDefault("fallback.type", "sqlite")
	viper.SetDefault("fallback.path", "./worldmap-local.db")
	viper.SetDefault("fallback.maxBytes", 5*1024*1024)

	viper.SetDefault("sync.connectTimeout", "3500ms")
	viper.SetDefault("sync.timeoutPolicy", "fallback")

	viper.SetDefault("objectStore.baseUrl", "")
	viper.SetDefault("objectStore.apiKey", "")
	viper.SetDefault("objectStore.timeout", "30s")

	viper.SetDefault("lore.apiKey", "")
	viper.SetDefault("lore.model", "gemini-2.5-flash")
	viper.SetDefault("lore.endpoint", "https://generativelanguage.googleapis.com/v1beta")
	viper.SetDefault("lore.timeout", "20s")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "worldmap")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "worldmap")
	viper.SetDefault("influx.bucket", "worldmap")
	viper.SetDefault("influx.backupPath", "")

	viper.SetDefault("monitor.interval", "10s")
	viper.SetDefault("monitor.statusFile", "")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")
}

// Load reads configuration from the JSON file in configDir and sets default
// values. A .env file next to it is loaded into the process environment
// first; WORLDMAP_* variables override file values. Defaults stay in effect
// when the file is missing, which is reported as an error.
func Load(configDir string) error {
	setDefaults()

	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error reading .env file: %w", err)
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetRemoteConfig returns the remote store configuration.
func GetRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Type: strings.ToLower(viper.GetString("remote.type")),
		Path: viper.GetString("remote.path"),
		WebSocket: WebSocketConfig{
			URL:        viper.GetString("remote.websocket.url"),
			Token:      viper.GetString("remote.websocket.token"),
			AckTimeout: viper.GetDuration("remote.websocket.ackTimeout"),
		},
		Postgres: PostgresConfig{
			Host:         viper.GetString("remote.postgres.host"),
			Port:         viper.GetString("remote.postgres.port"),
			Username:     viper.GetString("remote.postgres.username"),
			Password:     viper.GetString("remote.postgres.password"),
			Database:     viper.GetString("remote.postgres.database"),
			SSLMode:      viper.GetString("remote.postgres.sslmode"),
			PollInterval: viper.GetDuration("remote.postgres.pollInterval"),
		},
		NATS: NATSConfig{
			URL:    viper.GetString("remote.nats.url"),
			Token:  viper.GetString("remote.nats.token"),
			Bucket: viper.GetString("remote.nats.bucket"),
		},
	}
}

// GetFallbackConfig returns the local fallback store configuration.
func GetFallbackConfig() FallbackConfig {
	return FallbackConfig{
		Type:     strings.ToLower(viper.GetString("fallback.type")),
		Path:     viper.GetString("fallback.path"),
		MaxBytes: viper.GetInt("fallback.maxBytes"),
	}
}

// GetSyncConfig returns the sync controller configuration.
func GetSyncConfig() SyncConfig {
	return SyncConfig{
		ConnectTimeout: viper.GetDuration("sync.connectTimeout"),
		TimeoutPolicy:  viper.GetString("sync.timeoutPolicy"),
	}
}

// GetObjectStoreConfig returns the upload server configuration.
func GetObjectStoreConfig() ObjectStoreConfig {
	return ObjectStoreConfig{
		BaseURL: viper.GetString("objectStore.baseUrl"),
		APIKey:  viper.GetString("objectStore.apiKey"),
		Timeout: viper.GetDuration("objectStore.timeout"),
	}
}

// GetLoreConfig returns the text generation configuration.
func GetLoreConfig() LoreConfig {
	return LoreConfig{
		APIKey:   viper.GetString("lore.apiKey"),
		Model:    viper.GetString("lore.model"),
		Endpoint: viper.GetString("lore.endpoint"),
		Timeout:  viper.GetDuration("lore.timeout"),
	}
}

// GetOTelConfig returns the OpenTelemetry configuration.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetInfluxConfig returns the InfluxDB sink configuration.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:    viper.GetBool("influx.enabled"),
		Host:       viper.GetString("influx.host"),
		Port:       viper.GetString("influx.port"),
		Protocol:   viper.GetString("influx.protocol"),
		Token:      viper.GetString("influx.token"),
		Org:        viper.GetString("influx.org"),
		Bucket:     viper.GetString("influx.bucket"),
		BackupPath: viper.GetString("influx.backupPath"),
	}
}

// GetGraylogConfig returns the GELF configuration.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}

// GetMonitorConfig returns the status sampler configuration.
func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:   viper.GetDuration("monitor.interval"),
		StatusFile: viper.GetString("monitor.statusFile"),
	}
}

// AdminSecret returns the shared secret that unlocks admin mode.
func AdminSecret() string {
	return viper.GetString("admin.secret")
}
