package main

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/photopool/photopool/pkg/config"
	"github.com/photopool/photopool/pkg/rotation"
	"github.com/photopool/photopool/pkg/unsplash"
)

const (
	defaultCapacity    = 30
	defaultConcurrency = 8
)

// defineConfigFlags defines the flags that can also be set in a
// config file or the environment. These need special treatment,
// because some care must be taken to match them ("bind") with config
// file field names.
func defineConfigFlags(fs *pflag.FlagSet, v *viper.Viper, bail func(error)) {

	bind := func(fieldName, flagName string) error {
		configStruct := reflect.TypeOf(config.Config{})
		field, ok := configStruct.FieldByName(fieldName)
		if !ok {
			return fmt.Errorf("attempt to bind a flag to a field not present in config.Config, %q", fieldName)
		}
		// this parallels the logic in
		// github.com/mitchellh/mapstructure, except that we want to
		// bail if a field is mentioned that is marked ignore, like
		// this: `mapstructure:"-"`
		mappedName := field.Name
		mapstructureTagParts := strings.Split(field.Tag.Get("mapstructure"), ",")
		if namePart := mapstructureTagParts[0]; namePart != "" {
			if namePart == "-" {
				return fmt.Errorf(`attempt to bind a flag to a config field tagged as ignored, %q`, field.Name)
			}
			mappedName = namePart
		}
		if err := v.BindEnv(mappedName, envName(flagName)); err != nil {
			return err
		}
		return v.BindPFlag(mappedName, fs.Lookup(flagName))
	}

	bindOrBail := func(fieldName, flagName string) {
		if err := bind(fieldName, flagName); err != nil {
			bail(err)
		}
	}

	defineString := func(fieldName, flagName, def, desc string) {
		fs.String(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineStringP := func(fieldName, flagName, short, def, desc string) {
		fs.StringP(flagName, short, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineStringSlice := func(fieldName, flagName string, def []string, desc string) {
		fs.StringSlice(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineBool := func(fieldName, flagName string, def bool, desc string) {
		fs.Bool(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineDuration := func(fieldName, flagName string, def time.Duration, desc string) {
		fs.Duration(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineInt := func(fieldName, flagName string, def int, desc string) {
		fs.Int(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineFloat64 := func(fieldName, flagName string, def float64, desc string) {
		fs.Float64(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineString("LogFormat", "log-format", "fmt", "change the log format (fmt or json).")
	defineStringP("Listen", "listen", "l", ":3030", "listen address where the API and /metrics will be served")

	// rotation
	defineInt("Capacity", "capacity", defaultCapacity, "number of photos kept in each tier of each partition")
	defineDuration("RefillStaleAfter", "refill-stale-after", rotation.DefaultRefillStaleAfter, "a refill that has been in progress this long is assumed to have died; zero means never")
	defineInt("Concurrency", "background-concurrency", defaultConcurrency, "maximum number of background refills, promotions and download notifications running at once")
	defineDuration("DrainTimeout", "drain-timeout", 30*time.Second, "how long to wait for background work to finish when shutting down")
	defineDuration("MetricsFlush", "metrics-flush-interval", 10*time.Second, "period at which batched request counts are passed to the metrics registry")

	// cache store
	defineString("Store", "store", config.StoreRedis, fmt.Sprintf("cache store to keep partitions in (one of {%s})", strings.Join([]string{config.StoreRedis, config.StoreMemcached, config.StoreMemory}, ",")))

	defineString("RedisAddr", "redis-addr", "redis:6379", "address of the redis server")
	defineString("RedisPassword", "redis-password", "", "password for the redis server")
	defineInt("RedisDB", "redis-db", 0, "redis database number")
	defineDuration("RedisTimeout", "redis-timeout", time.Second, "maximum time to wait before giving up on redis requests")
	defineInt("RedisPoolSize", "redis-pool-size", 0, "maximum redis connections; zero uses the client default")
	defineBool("RefillLock", "refill-lock", false, "take an exclusive lease in redis around each refill, so a partition is never refilled twice at once")
	defineDuration("RefillLockExpiry", "refill-lock-expiry", rotation.DefaultRefillStaleAfter, "refill leases lapse after this long even if not released")

	defineString("MemcachedHostname", "memcached-hostname", "memcached", "hostname for memcached service.")
	defineInt("MemcachedPort", "memcached-port", 11211, "memcached service port.")
	defineDuration("MemcachedTimeout", "memcached-timeout", time.Second, "maximum time to wait before giving up on memcached requests.")
	defineString("MemcachedService", "memcached-service", "memcached", "SRV service used to discover memcache servers.")
	defineStringSlice("MemcachedIPS", "memcached-ips", []string{}, "IP addresses of memcache servers; if given, these are used instead of discovering servers through SRV records")

	// photo provider
	defineString("UpstreamURL", "upstream-url", unsplash.DefaultBaseURL, "base URL of the photo provider API")
	defineString("UpstreamAccessKey", "upstream-access-key", "", "access key for the photo provider API")
	defineDuration("UpstreamTimeout", "upstream-timeout", 10*time.Second, "maximum time to wait for the photo provider")
	defineFloat64("UpstreamRPS", "upstream-rps", 10, "maximum requests per second to the photo provider")
	defineInt("UpstreamBurst", "upstream-burst", 5, "maximum burst of requests to the photo provider")
	defineBool("UpstreamTrace", "upstream-trace", false, "output trace of photo provider requests to log")
	defineString("PhotoOfTheDayCollection", "potd-collection", "", "collection to draw from when the photo of the day is asked for")
}

// envName gives the environment variable read for a flag, e.g.,
// PHOTOPOOL_REDIS_ADDR for --redis-addr.
func envName(flagName string) string {
	return config.EnvPrefix + "_" + strings.ToUpper(strings.Replace(flagName, "-", "_", -1))
}
