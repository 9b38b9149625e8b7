/* This package implements the photo pool's k-v store using memcached.

Items are stored without expiry. memcached will still evict things
when under memory pressure; we recover from that, since a missing
partition is recreated empty and refilled, and a missing slot array
is treated as a desync and repaired.

memcached has no way to enumerate keys, so the client keeps an index
entry listing every key it has written, updated with compare-and-swap.
*/
package memcached

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/photopool/photopool/pkg/cache"
)

const (
	indexKey      = "photopoolindexv1"
	indexRetries  = 10
	maxKeyLength  = 250
	hashKeyPrefix = "photopoolh|"
)

// MemcacheClient is a memcache client that gets its server list from SRV
// records, and periodically updates that ServerList.
type MemcacheClient struct {
	client     *memcache.Client
	serverList *memcache.ServerList
	hostname   string
	service    string
	logger     log.Logger

	mu      sync.Mutex
	indexed map[string]struct{}

	quit chan struct{}
	wait sync.WaitGroup
}

// MemcacheConfig defines how a MemcacheClient should be constructed.
type MemcacheConfig struct {
	Host           string
	Service        string
	Timeout        time.Duration
	UpdateInterval time.Duration
	Logger         log.Logger
	MaxIdleConns   int
}

func newClient(config MemcacheConfig, servers *memcache.ServerList) *MemcacheClient {
	client := memcache.NewFromSelector(servers)
	client.Timeout = config.Timeout
	client.MaxIdleConns = config.MaxIdleConns
	logger := config.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &MemcacheClient{
		client:     client,
		serverList: servers,
		hostname:   config.Host,
		service:    config.Service,
		logger:     logger,
		indexed:    map[string]struct{}{},
		quit:       make(chan struct{}),
	}
}

func NewMemcacheClient(config MemcacheConfig) *MemcacheClient {
	var servers memcache.ServerList
	newClient := newClient(config, &servers)

	err := newClient.updateFromSRVRecords()
	if err != nil {
		newClient.logger.Log("err", errors.Wrapf(err, "Error setting memcache servers to '%v'", config.Host))
	}

	newClient.wait.Add(1)
	go newClient.updateLoop(config.UpdateInterval, newClient.updateFromSRVRecords)
	return newClient
}

// Does not use DNS, accepts static list of servers.
func NewFixedServerMemcacheClient(config MemcacheConfig, addresses ...string) *MemcacheClient {
	var servers memcache.ServerList
	newClient := newClient(config, &servers)
	if err := servers.SetServers(addresses...); err != nil {
		newClient.logger.Log("err", errors.Wrapf(err, "Error setting memcache servers to '%v'", addresses))
	}
	return newClient
}

// GetKey gets the value at a key.
func (c *MemcacheClient) GetKey(_ context.Context, k cache.Keyer) ([]byte, error) {
	cacheItem, err := c.client.Get(storageKey(k.Key()))
	if err != nil {
		if err == memcache.ErrCacheMiss {
			// Don't log on cache miss
			return nil, cache.ErrNotCached
		}
		c.logger.Log("err", errors.Wrap(err, "fetching from memcache"), "key", k.Key())
		return nil, err
	}
	return cacheItem.Value, nil
}

// SetKey sets the value at a key, and records the key in the index
// if this client has not done so already.
func (c *MemcacheClient) SetKey(_ context.Context, k cache.Keyer, v []byte) error {
	if err := c.client.Set(&memcache.Item{
		Key:   storageKey(k.Key()),
		Value: v,
	}); err != nil {
		c.logger.Log("err", errors.Wrap(err, "storing in memcache"), "key", k.Key())
		return err
	}
	if err := c.addToIndex(k.Key()); err != nil {
		// The value is stored; only listing will miss it.
		c.logger.Log("warn", "key not indexed", "key", k.Key(), "err", err)
	}
	return nil
}

// ListKeys returns the indexed keys beginning with prefix.
func (c *MemcacheClient) ListKeys(_ context.Context, prefix string) ([]string, error) {
	item, err := c.client.Get(indexKey)
	if err == memcache.ErrCacheMiss {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching memcache key index")
	}
	var keys []string
	for _, k := range splitIndex(item.Value) {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (c *MemcacheClient) addToIndex(key string) error {
	c.mu.Lock()
	_, done := c.indexed[key]
	c.mu.Unlock()
	if done {
		return nil
	}

	for attempt := 0; attempt < indexRetries; attempt++ {
		item, err := c.client.Get(indexKey)
		switch {
		case err == memcache.ErrCacheMiss:
			err = c.client.Add(&memcache.Item{Key: indexKey, Value: []byte(key)})
			if err == memcache.ErrNotStored {
				continue // someone else created it first
			}
		case err != nil:
			return err
		default:
			present := false
			for _, k := range splitIndex(item.Value) {
				if k == key {
					present = true
					break
				}
			}
			if !present {
				item.Value = append(item.Value, []byte("\n"+key)...)
				err = c.client.CompareAndSwap(item)
				if err == memcache.ErrCASConflict || err == memcache.ErrNotStored {
					continue
				}
			}
		}
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.indexed[key] = struct{}{}
		c.mu.Unlock()
		return nil
	}
	return fmt.Errorf("gave up updating key index after %d attempts", indexRetries)
}

func splitIndex(v []byte) []string {
	if len(v) == 0 {
		return nil
	}
	return strings.Split(string(v), "\n")
}

// storageKey maps a key onto one memcached will accept: at most 250
// bytes, with no whitespace or control characters.
func storageKey(key string) string {
	valid := len(key) <= maxKeyLength
	for i := 0; valid && i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			valid = false
		}
	}
	if valid {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return hashKeyPrefix + hex.EncodeToString(sum[:])
}

// Stop the memcache client.
func (c *MemcacheClient) Stop() {
	close(c.quit)
	c.wait.Wait()
}

func (c *MemcacheClient) updateLoop(updateInterval time.Duration, update func() error) {
	defer c.wait.Done()
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := update(); err != nil {
				c.logger.Log("err", errors.Wrap(err, "error updating memcache servers"))
			}
		case <-c.quit:
			return
		}
	}
}

// updateFromSRVRecords sets a memcache server list from SRV records. SRV
// priority & weight are ignored.
func (c *MemcacheClient) updateFromSRVRecords() error {
	_, addrs, err := net.LookupSRV(c.service, "tcp", c.hostname)
	if err != nil {
		return err
	}
	var servers []string
	for _, srv := range addrs {
		servers = append(servers, fmt.Sprintf("%s:%d", srv.Target, srv.Port))
	}
	// ServerList deterministically maps keys to _index_ of the server list.
	// Since DNS returns records in different order each time, we sort to
	// guarantee best possible match between nodes.
	sort.Strings(servers)
	return c.serverList.SetServers(servers...)
}

var _ cache.Client = &MemcacheClient{}
