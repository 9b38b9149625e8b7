package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/photopool/photopool/pkg/cache"
)

// Client is an in-memory cache.Client. The error fields, when set,
// are consulted on every call so tests can make the store fail
// part-way through an operation. Like a network store, it refuses
// requests whose context is already done.
type Client struct {
	GetErr  func(key string) error
	SetErr  func(key string) error
	ListErr error

	mx   sync.Mutex
	kv   map[string][]byte
	sets map[string]int
}

func (c *Client) GetKey(ctx context.Context, k cache.Keyer) ([]byte, error) {
	if c.GetErr != nil {
		if err := c.GetErr(k.Key()); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	v, ok := c.kv[k.Key()]
	if !ok {
		return nil, cache.ErrNotCached
	}
	return append([]byte(nil), v...), nil
}

func (c *Client) SetKey(ctx context.Context, k cache.Keyer, v []byte) error {
	if c.SetErr != nil {
		if err := c.SetErr(k.Key()); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.kv == nil {
		c.kv = map[string][]byte{}
		c.sets = map[string]int{}
	}
	c.kv[k.Key()] = append([]byte(nil), v...)
	c.sets[k.Key()]++
	return nil
}

func (c *Client) ListKeys(_ context.Context, prefix string) ([]string, error) {
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	var keys []string
	for k := range c.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Delete removes a key, as an eviction would.
func (c *Client) Delete(k cache.Keyer) {
	c.mx.Lock()
	defer c.mx.Unlock()
	delete(c.kv, k.Key())
}

// Sets reports how many times a key has been written.
func (c *Client) Sets(k cache.Keyer) int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.sets[k.Key()]
}

var _ cache.Client = &Client{}
