package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"fieldsync/internal/models"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("FIELDSYNC_TEST_REDIS", "127.0.0.1:6379")

	yamlContent := `
storage:
  driver: failover
  sqlite_path: "queue.db"
redis:
  address: "${FIELDSYNC_TEST_REDIS}"
sync:
  max_attempts: 5
  base_delay: 500ms
  max_delay: 30s
  asset_operation_types: ["asset_update", "asset_transfer"]
network:
  probe_address: "backend:443"
  debounce: 1s
notify:
  telegram:
    enabled: true
    bot_token: "123:abc"
    chat_ids: [42, -1001]
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Redis.Address != "127.0.0.1:6379" {
		t.Errorf("expected env expansion for redis address, got %q", cfg.Redis.Address)
	}
	if cfg.Sync.MaxAttempts != 5 {
		t.Errorf("expected max_attempts 5, got %d", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.BaseDelay != 500*time.Millisecond {
		t.Errorf("expected base_delay 500ms, got %s", cfg.Sync.BaseDelay)
	}
	if cfg.Network.Debounce != time.Second {
		t.Errorf("expected debounce 1s, got %s", cfg.Network.Debounce)
	}
	if len(cfg.Notify.Telegram.ChatIDs) != 2 || cfg.Notify.Telegram.ChatIDs[1] != -1001 {
		t.Errorf("unexpected telegram chat ids %v", cfg.Notify.Telegram.ChatIDs)
	}
	if len(cfg.Sync.AssetOperationTypes) != 2 {
		t.Errorf("expected 2 asset operation types, got %v", cfg.Sync.AssetOperationTypes)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidateConfig(t *testing.T) {
	validSync := SyncConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid sqlite config",
			cfg: Config{
				Storage: StorageConfig{Driver: StorageSQLite, SQLitePath: "q.db"},
				Sync:    validSync,
			},
			wantErr: false,
		},
		{
			name: "sqlite without path",
			cfg: Config{
				Storage: StorageConfig{Driver: StorageSQLite},
				Sync:    validSync,
			},
			wantErr: true,
		},
		{
			name: "redis without address",
			cfg: Config{
				Storage: StorageConfig{Driver: StorageRedis},
				Sync:    validSync,
			},
			wantErr: true,
		},
		{
			name: "unknown driver",
			cfg: Config{
				Storage: StorageConfig{Driver: "indexeddb"},
				Sync:    validSync,
			},
			wantErr: true,
		},
		{
			name: "telegram without chats",
			cfg: Config{
				Storage: StorageConfig{Driver: StorageSQLite, SQLitePath: "q.db"},
				Sync:    validSync,
				Notify:  NotifyConfig{Telegram: TelegramConfig{Enabled: true, BotToken: "t"}},
			},
			wantErr: true,
		},
		{
			name: "zero attempts",
			cfg: Config{
				Storage: StorageConfig{Driver: StorageSQLite, SQLitePath: "q.db"},
				Sync:    SyncConfig{MaxAttempts: 0, BackoffFactor: 2},
			},
			wantErr: true,
		},
		{
			name: "base delay above max",
			cfg: Config{
				Storage: StorageConfig{Driver: StorageSQLite, SQLitePath: "q.db"},
				Sync:    SyncConfig{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Minute, BackoffFactor: 2},
			},
			wantErr: true,
		},
		{
			name: "duplicate asset op type",
			cfg: Config{
				Storage: StorageConfig{Driver: StorageSQLite, SQLitePath: "q.db"},
				Sync: SyncConfig{
					MaxAttempts:         3,
					BackoffFactor:       2,
					AssetOperationTypes: []string{"asset_update", "asset_update"},
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	if cfg.Storage.Driver != StorageSQLite {
		t.Errorf("expected default driver sqlite, got %s", cfg.Storage.Driver)
	}
	if cfg.Sync.MaxAttempts != models.DefaultMaxAttempts {
		t.Errorf("expected default max attempts %d, got %d", models.DefaultMaxAttempts, cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.ErrorLimit != models.DefaultErrorLimit {
		t.Errorf("expected default error limit %d, got %d", models.DefaultErrorLimit, cfg.Sync.ErrorLimit)
	}
	if cfg.Sync.DeadLetterKey != "fieldsync:deadletter" {
		t.Errorf("unexpected dead letter key %q", cfg.Sync.DeadLetterKey)
	}
	if cfg.API.HTTP.Port != 8080 {
		t.Errorf("expected default HTTP port 8080, got %d", cfg.API.HTTP.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}
