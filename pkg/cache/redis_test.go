// +build integration

package cache

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	redisAddr = flag.String("redis-addr", "127.0.0.1:6379", "address of redis to connect to")
)

type keyerMock string

func (k keyerMock) Key() string {
	return string(k)
}

func newRedisClient() *RedisClient {
	return NewRedisClient(RedisConfig{
		Addr:    *redisAddr,
		Timeout: time.Second,
		Logger:  log.With(log.NewLogfmtLogger(os.Stderr)),
	})
}

func TestRedisClient_CacheMiss(t *testing.T) {
	c := newRedisClient()
	k := keyerMock(fmt.Sprintf("random-%d-key", rand.Int31()))
	_, err := c.GetKey(context.Background(), k)
	assert.Equal(t, ErrNotCached, err)
}

func TestRedisClient_ReadWriteList(t *testing.T) {
	c := newRedisClient()
	ctx := context.Background()
	prefix := fmt.Sprintf("test-%d|[x]", rand.Int31())
	key := keyerMock(prefix + "a")
	defer func() { _ = c.client.Del(ctx, key.Key()).Err() }()

	require.NoError(t, c.SetKey(ctx, key, []byte("test bytes")))
	cached, err := c.GetKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "test bytes", string(cached))

	keys, err := c.ListKeys(ctx, prefix)
	require.NoError(t, err)
	assert.Equal(t, []string{key.Key()}, keys)
}

func TestRedisLocker_Exclusive(t *testing.T) {
	c := newRedisClient()
	l := NewRedisLocker(c, 10*time.Second)
	ctx := context.Background()
	partition := fmt.Sprintf("lock-%d", rand.Int31())

	unlock, ok, err := l.TryLock(ctx, partition)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, partition)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlock, ok, err = l.TryLock(ctx, partition)
	require.NoError(t, err)
	assert.True(t, ok)
	unlock()
}
