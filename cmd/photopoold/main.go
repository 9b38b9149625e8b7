package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics/prometheus"
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/photopool/photopool/pkg/cache"
	"github.com/photopool/photopool/pkg/cache/memcached"
	"github.com/photopool/photopool/pkg/cache/mock"
	"github.com/photopool/photopool/pkg/config"
	transport "github.com/photopool/photopool/pkg/http"
	ppmetrics "github.com/photopool/photopool/pkg/metrics"
	"github.com/photopool/photopool/pkg/rotation"
	"github.com/photopool/photopool/pkg/unsplash"
	"github.com/photopool/photopool/pkg/unsplash/middleware"
)

var version = "unversioned"

var photosServed = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
	Namespace: "photopool",
	Name:      "photos_served_total",
	Help:      "Photos served, by where they were served from.",
}, []string{ppmetrics.LabelSource})

func main() {
	// Flag domain.
	fs := pflag.NewFlagSet("default", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  photopoold serves random photos from the photo provider, through a rotating cache.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}

	var (
		configFile  = fs.String("config", "", "path to a config file (YAML); settings given as flags take precedence")
		versionFlag = fs.Bool("version", false, "get version number")
	)

	v := viper.New()
	defineConfigFlags(fs, v, func(err error) {
		fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
		os.Exit(1)
	})

	err := fs.Parse(os.Args[1:])
	switch {
	case err == pflag.ErrHelp:
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
		fs.Usage()
		os.Exit(2)
	case *versionFlag:
		fmt.Println(version)
		os.Exit(0)
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		v.SetConfigType(config.ConfigType)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "error reading config file %s: %s\n", *configFile, err.Error())
			os.Exit(1)
		}
	}

	var conf config.Config
	if err := v.Unmarshal(&conf); err != nil {
		fmt.Fprintf(os.Stderr, "error interpreting configuration: %s\n", err.Error())
		os.Exit(1)
	}
	check := conf.Check
	if *configFile != "" {
		check = conf.IsValid
	}
	if err := check(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %s\n", err.Error())
		os.Exit(1)
	}

	// Logger component.
	var logger log.Logger
	{
		switch conf.LogFormat {
		case "json":
			logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
		case "fmt":
			logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
		default:
			fmt.Fprintf(os.Stderr, "error: unsupported log format %q\n", conf.LogFormat)
			os.Exit(1)
		}
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}
	logger.Log("version", version)

	errc := make(chan error)

	// shutdown triggers
	shutdown := make(chan struct{})
	shutdownWg := &sync.WaitGroup{}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	// Cache store
	var cacheClient cache.Client
	var locker rotation.Locker
	var stopStore func()
	{
		storeLogger := log.With(logger, "component", "store", "store", conf.Store)
		switch conf.Store {
		case config.StoreRedis:
			redisClient := cache.NewRedisClient(cache.RedisConfig{
				Addr:     conf.RedisAddr,
				Password: conf.RedisPassword,
				DB:       conf.RedisDB,
				Timeout:  conf.RedisTimeout,
				MaxConns: conf.RedisPoolSize,
				Logger:   storeLogger,
			})
			cacheClient = redisClient
			stopStore = redisClient.Stop
			if conf.RefillLock {
				locker = cache.NewRedisLocker(redisClient, conf.RefillLockExpiry)
			}
			storeLogger.Log("addr", conf.RedisAddr, "refill-lock", conf.RefillLock)
		case config.StoreMemcached:
			memcacheConfig := memcached.MemcacheConfig{
				Host:           conf.MemcachedHostname,
				Service:        conf.MemcachedService,
				Timeout:        conf.MemcachedTimeout,
				UpdateInterval: 1 * time.Minute,
				Logger:         storeLogger,
				MaxIdleConns:   conf.Concurrency,
			}
			var memcacheClient *memcached.MemcacheClient
			if len(conf.MemcachedIPS) > 0 {
				var addresses []string
				for _, ip := range conf.MemcachedIPS {
					if _, _, err := net.SplitHostPort(ip); err != nil {
						ip = net.JoinHostPort(ip, strconv.Itoa(conf.MemcachedPort))
					}
					addresses = append(addresses, ip)
				}
				memcacheClient = memcached.NewFixedServerMemcacheClient(memcacheConfig, addresses...)
				storeLogger.Log("servers", fmt.Sprintf("%v", addresses))
			} else {
				memcacheClient = memcached.NewMemcacheClient(memcacheConfig)
				storeLogger.Log("host", conf.MemcachedHostname, "service", conf.MemcachedService)
			}
			cacheClient = memcacheClient
			stopStore = memcacheClient.Stop
		case config.StoreMemory:
			cacheClient = &mock.Client{}
			stopStore = func() {}
			storeLogger.Log("warning", "partitions are kept in memory and lost on exit")
		}
		cacheClient = cache.InstrumentClient(cacheClient)
	}
	defer stopStore()

	store, err := cache.NewStore(cacheClient, conf.Capacity)
	if err != nil {
		logger.Log("err", err)
		os.Exit(1)
	}

	// Photo provider
	var fetcher unsplash.Fetcher
	var stopFetcher func()
	{
		upstreamLogger := log.With(logger, "component", "upstream")
		client, err := unsplash.NewClient(unsplash.Config{
			BaseURL:   conf.UpstreamURL,
			AccessKey: conf.UpstreamAccessKey,
			Timeout:   conf.UpstreamTimeout,
			Limiters: &middleware.RateLimiters{
				RPS:    conf.UpstreamRPS,
				Burst:  conf.UpstreamBurst,
				Logger: upstreamLogger,
			},
			PhotoOfTheDayCollection: conf.PhotoOfTheDayCollection,
			Logger:                  upstreamLogger,
			Trace:                   conf.UpstreamTrace,
		})
		if err != nil {
			logger.Log("err", errors.Wrap(err, "setting up photo provider client"))
			os.Exit(1)
		}
		fetcher = unsplash.NewInstrumentedFetcher(client)
		stopFetcher = client.Stop
	}
	defer stopFetcher()

	// Rotation
	scheduler := rotation.NewScheduler(conf.Concurrency, log.With(logger, "component", "background"))
	refiller, err := rotation.NewRefiller(store, fetcher, log.With(logger, "component", "refill"))
	if err != nil {
		logger.Log("err", err)
		os.Exit(1)
	}
	refiller.StaleAfter = conf.RefillStaleAfter
	if locker != nil {
		refiller.Locker = locker
	}
	photoCache, err := rotation.NewCache(store, fetcher, refiller, scheduler, log.With(logger, "component", "rotation"))
	if err != nil {
		logger.Log("err", err)
		os.Exit(1)
	}
	sources := ppmetrics.NewAccumulator(photosServed)
	photoCache.Sources = sources
	shutdownWg.Add(1)
	go sources.Loop(conf.MetricsFlush, shutdown, shutdownWg)

	// HTTP transport component, for metrics and the API
	server := &http.Server{
		Addr: conf.Listen,
		Handler: transport.NewHandler(transport.Config{
			Photos:     photoCache,
			Store:      store,
			Tracker:    fetcher,
			Background: scheduler,
			Logger:     log.With(logger, "component", "http"),
		}, transport.NewRouter()),
	}
	go func() {
		logger.Log("addr", conf.Listen)
		errc <- server.ListenAndServe()
	}()

	shutdownErr := <-errc
	logger.Log("exiting", shutdownErr)

	// Stop taking requests, then let the work they left behind finish.
	if err := server.Close(); err != nil {
		logger.Log("err", errors.Wrap(err, "closing HTTP server"))
	}
	if err := scheduler.Stop(conf.DrainTimeout); err != nil {
		logger.Log("err", err)
	}
	close(shutdown)
	shutdownWg.Wait()
}
