package cache

import (
	"context"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const scanBatch = 1000

type RedisClient struct {
	logger log.Logger
	client *redis.Client
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
	MaxConns int
	Logger   log.Logger
}

func NewRedisClient(config RedisConfig) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.Timeout,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
		PoolSize:     config.MaxConns,
	})
	logger := config.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &RedisClient{
		logger: logger,
		client: client,
	}
}

func (r *RedisClient) GetKey(ctx context.Context, k Keyer) ([]byte, error) {
	v, err := r.client.Get(ctx, k.Key()).Bytes()
	if err == redis.Nil {
		// cache miss, no need of logging
		return nil, ErrNotCached
	} else if err != nil {
		_ = r.logger.Log("err", errors.Wrap(err, "fetching from redis"), "key", k.Key())
		return nil, err
	}
	return v, nil
}

func (r *RedisClient) SetKey(ctx context.Context, k Keyer, v []byte) error {
	if err := r.client.Set(ctx, k.Key(), v, 0).Err(); err != nil {
		_ = r.logger.Log("err", errors.Wrap(err, "storing in redis"), "key", k.Key())
		return err
	}
	return nil
}

// ListKeys walks the keyspace with SCAN rather than KEYS, so as not to
// block the server while it does so.
func (r *RedisClient) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	match := escapeGlob(prefix) + "*"
	for {
		batch, next, err := r.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return nil, errors.Wrap(err, "scanning redis keys")
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	return keys, nil
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Stop() {
	if err := r.client.Close(); err != nil {
		_ = r.logger.Log("err", errors.Wrap(err, "closing redis client"))
	}
}

// escapeGlob quotes the characters SCAN MATCH treats specially, since
// partition keys may contain them.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
