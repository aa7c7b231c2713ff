package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"fieldsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Sync       SyncConfig       `yaml:"sync"`
	Network    NetworkConfig    `yaml:"network"`
	Remote     RemoteConfig     `yaml:"remote"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Seed       SeedConfig       `yaml:"seed"`
	Notify     NotifyConfig     `yaml:"notify"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

const (
	StorageSQLite   = "sqlite"
	StorageRedis    = "redis"
	StorageFailover = "failover"
)

// StorageConfig selects the persistence port backend.
// failover uses redis as primary and sqlite as fallback.
type StorageConfig struct {
	Driver           string        `yaml:"driver"`
	SQLitePath       string        `yaml:"sqlite_path"`
	RedisPrefix      string        `yaml:"redis_prefix"`
	FailoverCooldown time.Duration `yaml:"failover_cooldown"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type SyncConfig struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	BaseDelay           time.Duration `yaml:"base_delay"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	BackoffFactor       float64       `yaml:"backoff_factor"`
	BatchSize           int           `yaml:"batch_size"`
	Interval            time.Duration `yaml:"interval"`
	HistoryLimit        int           `yaml:"history_limit"`
	ErrorLimit          int           `yaml:"error_limit"`
	AssetOperationTypes []string      `yaml:"asset_operation_types"`
	AssetKeyPath        string        `yaml:"asset_key_path"`
	DeadLetterKey       string        `yaml:"dead_letter_key"`
}

type NetworkConfig struct {
	ProbeAddress  string        `yaml:"probe_address"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	Debounce      time.Duration `yaml:"debounce"`
}

type RemoteConfig struct {
	BaseURL string            `yaml:"base_url"`
	Timeout time.Duration     `yaml:"timeout"`
	RPS     float64           `yaml:"rps"`
	Burst   int               `yaml:"burst"`
	Routes  map[string]string `yaml:"routes"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

// SeedConfig points at the authoritative asset snapshot used to seed reconciliation.
type SeedConfig struct {
	AssetsPath string `yaml:"assets_path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig enables alerts about permanently failed operations.
type TelegramConfig struct {
	Enabled  bool    `yaml:"enabled"`
	BotToken string  `yaml:"bot_token"`
	ChatIDs  []int64 `yaml:"chat_ids"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for sqlite driver")
		}
	case StorageRedis:
		if c.Redis.Address == "" {
			return errors.New("redis.address is required for redis driver")
		}
	case StorageFailover:
		if c.Redis.Address == "" || c.Storage.SQLitePath == "" {
			return errors.New("failover driver requires redis.address and storage.sqlite_path")
		}
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}

	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" {
			return errors.New("notify.telegram.bot_token is required when telegram alerts are enabled")
		}
		if len(c.Notify.Telegram.ChatIDs) == 0 {
			return errors.New("notify.telegram.chat_ids must not be empty")
		}
	}

	return c.Sync.Validate()
}

func (s SyncConfig) Validate() error {
	if s.MaxAttempts < 1 {
		return errors.New("sync.max_attempts must be >= 1")
	}
	if s.MaxDelay > 0 && s.BaseDelay > s.MaxDelay {
		return fmt.Errorf("sync.base_delay %s exceeds sync.max_delay %s", s.BaseDelay, s.MaxDelay)
	}
	if s.BackoffFactor < 1 {
		return errors.New("sync.backoff_factor must be >= 1")
	}
	seen := make(map[string]bool, len(s.AssetOperationTypes))
	for _, opType := range s.AssetOperationTypes {
		if strings.TrimSpace(opType) == "" {
			return errors.New("sync.asset_operation_types contains an empty entry")
		}
		if seen[opType] {
			return fmt.Errorf("duplicate asset operation type: %s", opType)
		}
		seen[opType] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "fieldsync"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageSQLite
	}
	if c.Storage.SQLitePath == "" && c.Storage.Driver != StorageRedis {
		c.Storage.SQLitePath = "data/fieldsync.db"
	}
	if c.Storage.RedisPrefix == "" {
		c.Storage.RedisPrefix = models.DefaultStoragePrefix
	}
	if c.Storage.FailoverCooldown == 0 {
		c.Storage.FailoverCooldown = time.Minute
	}

	// Sync defaults
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = models.DefaultMaxAttempts
	}
	if c.Sync.BaseDelay == 0 {
		c.Sync.BaseDelay = 2 * time.Second
	}
	if c.Sync.MaxDelay == 0 {
		c.Sync.MaxDelay = time.Minute
	}
	if c.Sync.BackoffFactor == 0 {
		c.Sync.BackoffFactor = 2
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = models.DefaultBatchSize
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 30 * time.Second
	}
	if c.Sync.HistoryLimit == 0 {
		c.Sync.HistoryLimit = models.DefaultHistoryLimit
	}
	if c.Sync.ErrorLimit == 0 {
		c.Sync.ErrorLimit = models.DefaultErrorLimit
	}
	if len(c.Sync.AssetOperationTypes) == 0 {
		c.Sync.AssetOperationTypes = []string{models.DefaultAssetOpType}
	}
	if c.Sync.AssetKeyPath == "" {
		c.Sync.AssetKeyPath = models.DefaultAssetKeyPath
	}
	if c.Sync.DeadLetterKey == "" {
		c.Sync.DeadLetterKey = c.Storage.RedisPrefix + ":deadletter"
	}

	// Network defaults
	if c.Network.ProbeInterval == 0 {
		c.Network.ProbeInterval = 5 * time.Second
	}
	if c.Network.ProbeTimeout == 0 {
		c.Network.ProbeTimeout = 2 * time.Second
	}
	if c.Network.Debounce == 0 {
		c.Network.Debounce = 2 * time.Second
	}

	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 15 * time.Second
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
