package operation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultRedisKeyPrefix = "aix:operation:"

// RedisConfig configures the Redis client.
type RedisConfig struct {
	URL          string
	KeyPrefix    string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// setTokenScript claims the token field only when the hash exists and the
// field is still empty. Returns 1 on success, 0 when absent, -1 when taken.
var setTokenScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local current = redis.call('HGET', KEYS[1], 'token')
if current and current ~= '' then
	return -1
end
redis.call('HSET', KEYS[1], 'token', ARGV[1])
return 1
`)

// createScript writes the operation hash and its index entry together.
// Returns 1 on success, 0 when the hash already exists.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'kind', ARGV[1], 'fileName', ARGV[2], 'createdAt', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// RedisStore keeps one hash per operation plus a sorted set of IDs scored
// by creation time.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *logrus.Entry
}

// OpenRedis connects to Redis and pings it.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStore(client, cfg.KeyPrefix), nil
}

// NewRedisStore wraps an existing client. An empty prefix uses the default.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logrus.WithField("component", "operation-store-redis"),
	}
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}

func (s *RedisStore) Create(ctx context.Context, id string, kind Kind, fileName string) (*Operation, error) {
	if err := validateCreate(id, kind, fileName); err != nil {
		return nil, err
	}
	now := time.Now()
	created, err := createScript.Run(ctx, s.client,
		[]string{s.key(id), s.indexKey()},
		string(kind), fileName, strconv.FormatInt(now.UnixMilli(), 10), id,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to create operation: %w", err)
	}
	if created == 0 {
		return nil, ErrAlreadyExists
	}
	return &Operation{ID: id, Kind: kind, FileName: fileName, CreatedAt: time.UnixMilli(now.UnixMilli())}, nil
}

func (s *RedisStore) FindByOperationID(ctx context.Context, id string) (*Operation, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load operation: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return operationFromHash(id, fields), nil
}

func operationFromHash(id string, fields map[string]string) *Operation {
	op := &Operation{
		ID:       id,
		Kind:     Kind(fields["kind"]),
		FileName: fields["fileName"],
		Token:    fields["token"],
	}
	if ms, err := strconv.ParseInt(fields["createdAt"], 10, 64); err == nil {
		op.CreatedAt = time.UnixMilli(ms)
	}
	return op
}

func (s *RedisStore) SetToken(ctx context.Context, id, token string) error {
	res, err := setTokenScript.Run(ctx, s.client, []string{s.key(id)}, token).Int()
	if err != nil {
		return fmt.Errorf("failed to set operation token: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrNotFound
	default:
		return ErrTokenAlreadySet
	}
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, s.key(id))
		p.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete operation: %w", err)
	}
	return del.Val() > 0, nil
}

func (s *RedisStore) ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]Operation, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}

	ops := make([]Operation, 0, len(ids))
	for _, id := range ids {
		op, err := s.FindByOperationID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// index entry outlived its hash
			s.client.ZRem(ctx, s.indexKey(), id)
			s.logger.WithField("operation_id", id).Debug("Removed stale index entry")
			continue
		}
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, nil
}
