package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the queue and metadata under fixed keys so several
// processes can share one backing store.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = models.DefaultStoragePrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) queueKey() string    { return r.prefix + ":queue" }
func (r *RedisStore) metadataKey() string { return r.prefix + ":metadata" }
func (r *RedisStore) assetsKey() string   { return r.prefix + ":assets" }

func (r *RedisStore) LoadQueue(ctx context.Context) ([]models.QueueItem, error) {
	var items []models.QueueItem
	if err := r.getJSON(ctx, r.queueKey(), &items); err != nil {
		return nil, domain.NewPersistenceError("load queue", err)
	}
	return items, nil
}

func (r *RedisStore) SaveQueue(ctx context.Context, items []models.QueueItem) error {
	if items == nil {
		items = []models.QueueItem{}
	}
	if err := r.setJSON(ctx, r.queueKey(), items); err != nil {
		return domain.NewPersistenceError("save queue", err)
	}
	return nil
}

func (r *RedisStore) LoadMetadata(ctx context.Context) (models.SyncMetadata, error) {
	var meta models.SyncMetadata
	if err := r.getJSON(ctx, r.metadataKey(), &meta); err != nil {
		return models.SyncMetadata{}, domain.NewPersistenceError("load metadata", err)
	}
	return meta, nil
}

func (r *RedisStore) SaveMetadata(ctx context.Context, meta models.SyncMetadata) error {
	if err := r.setJSON(ctx, r.metadataKey(), meta); err != nil {
		return domain.NewPersistenceError("save metadata", err)
	}
	return nil
}

func (r *RedisStore) LoadAssets(ctx context.Context) ([]models.ReconciledAsset, error) {
	if r.client == nil {
		return nil, domain.NewPersistenceError("load assets", errors.New("redis client is nil"))
	}
	vals, err := r.client.HGetAll(ctx, r.assetsKey()).Result()
	if err != nil {
		return nil, domain.NewPersistenceError("load assets", err)
	}
	assets := make([]models.ReconciledAsset, 0, len(vals))
	for key, raw := range vals {
		var asset models.ReconciledAsset
		if err := json.Unmarshal([]byte(raw), &asset); err != nil {
			return nil, domain.NewPersistenceError("decode asset "+key, err)
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

func (r *RedisStore) SaveAsset(ctx context.Context, asset models.ReconciledAsset) error {
	if r.client == nil {
		return domain.NewPersistenceError("save asset", errors.New("redis client is nil"))
	}
	data, err := json.Marshal(asset)
	if err != nil {
		return domain.NewPersistenceError("encode asset", err)
	}
	if err := r.client.HSet(ctx, r.assetsKey(), asset.AssetKey, data).Err(); err != nil {
		return domain.NewPersistenceError("save asset "+asset.AssetKey, err)
	}
	return nil
}

func (r *RedisStore) getJSON(ctx context.Context, key string, out interface{}) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// setJSON writes key inside MULTI/EXEC so readers see either the old or the new value.
func (r *RedisStore) setJSON(ctx context.Context, key string, value interface{}) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Ping checks the connection to Redis.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}

// DeadLetterQueue keeps terminally failed items in a Redis list for
// manual inspection.
type DeadLetterQueue struct {
	client *redis.Client
	key    string
}

func NewDeadLetterQueue(client *redis.Client, key string) *DeadLetterQueue {
	if key == "" {
		key = models.DefaultStoragePrefix + ":deadletter"
	}
	return &DeadLetterQueue{client: client, key: key}
}

// PushDeadLetter prepends item to the list.
func (d *DeadLetterQueue) PushDeadLetter(ctx context.Context, item models.QueueItem) error {
	if d.client == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode deadletter %s: %w", item.ID, err)
	}
	return d.client.LPush(ctx, d.key, data).Err()
}

// List returns up to limit of the most recent dead-lettered items.
func (d *DeadLetterQueue) List(ctx context.Context, limit int64) ([]models.QueueItem, error) {
	if d.client == nil {
		return nil, errors.New("redis client is nil")
	}
	if limit <= 0 {
		return nil, nil
	}
	raw, err := d.client.LRange(ctx, d.key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read deadletter list: %w", err)
	}
	items := make([]models.QueueItem, 0, len(raw))
	for _, entry := range raw {
		var item models.QueueItem
		if err := json.Unmarshal([]byte(entry), &item); err != nil {
			return nil, fmt.Errorf("decode deadletter entry: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}
