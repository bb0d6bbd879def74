package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/liliang-cn/guideflow/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisSnapshotBackend stores snapshots in Redis for multi-node deployments
type RedisSnapshotBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	quota  int64
}

// RedisOptions configures the redis snapshot backend
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix is the key prefix for all snapshot keys (default: "guideflow:snapshot:").
	Prefix string
	// TTL expires idle snapshots (0 = never expire).
	TTL time.Duration
	// Quota caps the bytes a workspace may hold (0 = unlimited).
	Quota int64
}

// NewRedisSnapshotBackend connects to redis and verifies the connection
func NewRedisSnapshotBackend(opts RedisOptions) (*RedisSnapshotBackend, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisSnapshotBackendFromClient(client, opts), nil
}

// NewRedisSnapshotBackendFromClient wraps an existing client; used with miniredis in tests
func NewRedisSnapshotBackendFromClient(client *redis.Client, opts RedisOptions) *RedisSnapshotBackend {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "guideflow:snapshot:"
	}
	return &RedisSnapshotBackend{
		client: client,
		prefix: prefix,
		ttl:    opts.TTL,
		quota:  opts.Quota,
	}
}

func (b *RedisSnapshotBackend) dataKey(key SnapshotKey) string {
	return b.prefix + key.String()
}

func (b *RedisSnapshotBackend) indexKey(workspaceID string) string {
	return b.prefix + "index:" + workspaceID
}

// Put stores payload under key
func (b *RedisSnapshotBackend) Put(ctx context.Context, key SnapshotKey, payload []byte) error {
	if b.quota > 0 {
		used, err := b.usage(ctx, key)
		if err != nil {
			return err
		}
		if used+int64(len(payload)) > b.quota {
			return fmt.Errorf("%s needs %d bytes, %d of %d used: %w",
				key, len(payload), used, b.quota, domain.ErrQuotaExceeded)
		}
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.dataKey(key), payload, b.ttl)
	pipe.ZAdd(ctx, b.indexKey(key.WorkspaceID), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: key.SessionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// usage sums the stored size of every other snapshot in the workspace
func (b *RedisSnapshotBackend) usage(ctx context.Context, key SnapshotKey) (int64, error) {
	members, err := b.client.ZRange(ctx, b.indexKey(key.WorkspaceID), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list workspace snapshots: %w", err)
	}

	pipe := b.client.Pipeline()
	lens := make([]*redis.IntCmd, 0, len(members))
	for _, m := range members {
		if m == key.SessionID {
			continue
		}
		lens = append(lens, pipe.StrLen(ctx, b.dataKey(SnapshotKey{WorkspaceID: key.WorkspaceID, SessionID: m})))
	}
	if len(lens) == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("measure workspace usage: %w", err)
	}

	var used int64
	for _, l := range lens {
		used += l.Val()
	}
	return used, nil
}

// Get loads the payload stored under key
func (b *RedisSnapshotBackend) Get(ctx context.Context, key SnapshotKey) ([]byte, error) {
	data, err := b.client.Get(ctx, b.dataKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return data, nil
}

// Delete removes the snapshot under key
func (b *RedisSnapshotBackend) Delete(ctx context.Context, key SnapshotKey) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.dataKey(key))
	pipe.ZRem(ctx, b.indexKey(key.WorkspaceID), key.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Keys lists snapshot keys of a workspace, oldest first. Entries whose data
// expired are pruned from the index.
func (b *RedisSnapshotBackend) Keys(ctx context.Context, workspaceID string) ([]SnapshotKey, error) {
	members, err := b.client.ZRangeWithScores(ctx, b.indexKey(workspaceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sort.SliceStable(members, func(i, j int) bool { return members[i].Score < members[j].Score })

	keys := make([]SnapshotKey, 0, len(members))
	for _, m := range members {
		sessionID, _ := m.Member.(string)
		key := SnapshotKey{WorkspaceID: workspaceID, SessionID: sessionID}
		n, err := b.client.Exists(ctx, b.dataKey(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("check snapshot: %w", err)
		}
		if n == 0 {
			b.client.ZRem(ctx, b.indexKey(workspaceID), sessionID)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Close releases the redis connection pool
func (b *RedisSnapshotBackend) Close() error {
	return b.client.Close()
}
