package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mosaic-ai/internal/domain"
)

const defaultKeyPrefix = "mosaic:"

// RedisStore keeps each record kind in one Redis hash, keyed by record id.
// Several coordinator processes can share it.
type RedisStore struct {
	client *goredis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL, keyPrefix string) (*RedisStore, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, domain.NewSubSystemError(subsystem, "NewRedisStore", domain.ErrConfiguration,
			fmt.Sprintf("parse redis URL: %v", err))
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, storeErr("NewRedisStore", fmt.Errorf("redis ping: %w", err))
	}
	return NewRedisStoreFromClient(client, keyPrefix), nil
}

// NewRedisStoreFromClient wraps an existing client. The store owns it
// and closes it on Close.
func NewRedisStoreFromClient(client *goredis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (s *RedisStore) key(kind string) string {
	return s.prefix + "records:" + kind
}

// Ping checks the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Put(ctx context.Context, rec domain.Record) error {
	if rec.Kind == "" || rec.ID == "" {
		return domain.NewSubSystemError(subsystem, "RedisStore.Put", domain.ErrInvalidInput, "kind and id are required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return storeErr("RedisStore.Put", err)
	}
	if err := s.client.HSet(ctx, s.key(rec.Kind), rec.ID, data).Err(); err != nil {
		return storeErr("RedisStore.Put", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, kind, id string) (*domain.Record, error) {
	data, err := s.client.HGet(ctx, s.key(kind), id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, notFound("RedisStore.Get", kind, id)
	}
	if err != nil {
		return nil, storeErr("RedisStore.Get", err)
	}
	var rec domain.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, storeErr("RedisStore.Get", err)
	}
	return &rec, nil
}

// List returns every record of kind ordered by id.
func (s *RedisStore) List(ctx context.Context, kind string) ([]domain.Record, error) {
	all, err := s.client.HGetAll(ctx, s.key(kind)).Result()
	if err != nil {
		return nil, storeErr("RedisStore.List", err)
	}
	out := make([]domain.Record, 0, len(all))
	for _, raw := range all {
		var rec domain.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, storeErr("RedisStore.List", err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, kind, id string) error {
	n, err := s.client.HDel(ctx, s.key(kind), id).Result()
	if err != nil {
		return storeErr("RedisStore.Delete", err)
	}
	if n == 0 {
		return notFound("RedisStore.Delete", kind, id)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ domain.RecordStore = (*RedisStore)(nil)
