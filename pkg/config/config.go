// config is the package containing configuration for photopoold,
// kept apart from the command so other programs can read the same
// file.
package config

import (
	"fmt"
	"time"
)

const (
	ConfigPath             = "/etc/photopoold"
	ConfigName             = "photopool"
	ConfigType             = "yaml"
	EnvPrefix              = "PHOTOPOOL"
	PhotopoolConfigVersion = "v1"
)

// Cache store backends.
const (
	StoreRedis     = "redis"
	StoreMemcached = "memcached"
	StoreMemory    = "memory"
)

type Config struct {
	// This is expected to be present in a config file (and will not
	// correspond to a flag). If a config file is given and this is
	// not equal to PhotopoolConfigVersion above, the file is
	// considered an invalid configuration.
	ConfigVersion string `mapstructure:"photopoolConfigVersion"`

	LogFormat string `mapstructure:"logFormat"`
	Listen    string `mapstructure:"listen"`

	Capacity         int           `mapstructure:"capacity"`
	RefillStaleAfter time.Duration `mapstructure:"refillStaleAfter"`
	Concurrency      int           `mapstructure:"backgroundConcurrency"`
	DrainTimeout     time.Duration `mapstructure:"drainTimeout"`
	MetricsFlush     time.Duration `mapstructure:"metricsFlushInterval"`

	Store string `mapstructure:"store"`

	RedisAddr        string        `mapstructure:"redisAddr"`
	RedisPassword    string        `mapstructure:"redisPassword"`
	RedisDB          int           `mapstructure:"redisDb"`
	RedisTimeout     time.Duration `mapstructure:"redisTimeout"`
	RedisPoolSize    int           `mapstructure:"redisPoolSize"`
	RefillLock       bool          `mapstructure:"refillLock"`
	RefillLockExpiry time.Duration `mapstructure:"refillLockExpiry"`

	MemcachedHostname string        `mapstructure:"memcachedHostname"`
	MemcachedPort     int           `mapstructure:"memcachedPort"`
	MemcachedService  string        `mapstructure:"memcachedService"`
	MemcachedTimeout  time.Duration `mapstructure:"memcachedTimeout"`
	MemcachedIPS      []string      `mapstructure:"memcachedIps"`

	UpstreamURL             string        `mapstructure:"upstreamUrl"`
	UpstreamAccessKey       string        `mapstructure:"upstreamAccessKey"`
	UpstreamTimeout         time.Duration `mapstructure:"upstreamTimeout"`
	UpstreamRPS             float64       `mapstructure:"upstreamRps"`
	UpstreamBurst           int           `mapstructure:"upstreamBurst"`
	UpstreamTrace           bool          `mapstructure:"upstreamTrace"`
	PhotoOfTheDayCollection string        `mapstructure:"photoOfTheDayCollection"`
}

func (c Config) IsValid() error {
	if c.ConfigVersion != PhotopoolConfigVersion {
		return fmt.Errorf("config file is expected to include `photopoolConfigVersion: %s` to mark it as a photopool config", PhotopoolConfigVersion)
	}
	return c.Check()
}

// Check looks for settings that cannot work, wherever they came from.
func (c Config) Check() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	switch c.Store {
	case StoreRedis, StoreMemcached, StoreMemory:
	default:
		return fmt.Errorf("store must be one of %s, %s or %s; got %q", StoreRedis, StoreMemcached, StoreMemory, c.Store)
	}
	if c.RefillLock && c.Store != StoreRedis {
		return fmt.Errorf("--refill-lock needs --store=%s", StoreRedis)
	}
	if c.UpstreamAccessKey == "" {
		return fmt.Errorf("an access key for the photo provider is required")
	}
	return nil
}
