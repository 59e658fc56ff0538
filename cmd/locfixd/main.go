package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/locfix/locfix/pkg"
	"github.com/locfix/locfix/pkg/cache"
	"github.com/locfix/locfix/pkg/config"
	"github.com/locfix/locfix/pkg/engine"
	"github.com/locfix/locfix/pkg/frequency"
	"github.com/locfix/locfix/pkg/logx"
	"github.com/locfix/locfix/pkg/metrics"
	"github.com/locfix/locfix/pkg/mqtt"
	"github.com/locfix/locfix/pkg/permission"
	"github.com/locfix/locfix/pkg/provider"
	"github.com/locfix/locfix/pkg/retry"
	"github.com/locfix/locfix/pkg/store"
	"github.com/locfix/locfix/pkg/stream"
	"github.com/locfix/locfix/pkg/watch"
)

const (
	version = "1.0.0-dev"
	appName = "locfixd"
)

func main() {
	var (
		configFile  = flag.String("config", "/etc/locfixd.conf", "config file path")
		logLevel    = flag.String("log-level", "", "log level override (debug|info|warn|error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := logx.New(level)

	logger.Info("starting locfix daemon",
		"version", version,
		"config", *configFile,
		"log_level", level,
		"store_backend", cfg.StoreBackend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store; retried because redis and network filesystems may
	// lag service startup.
	var kv pkg.KV
	runner := retry.NewRunner(retry.Config{})
	err = runner.Do(ctx, func(ctx context.Context) error {
		var openErr error
		kv, openErr = store.Open(ctx, store.Config{
			Backend:    cfg.StoreBackend,
			SQLitePath: cfg.SQLitePath,
			RedisAddr:  cfg.RedisAddr,
			RedisDB:    cfg.RedisDB,
		})
		return openErr
	})
	if err != nil {
		logger.Error("failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	posCache := cache.New(kv, logger)

	perms := permission.NewManager(
		permission.NewRuntimeProvider(permission.StaticAPI{Result: permission.StatusGranted}),
		logger,
	)

	device := provider.NewGPSDProvider(cfg.GPSDURL, logger)

	var locator *provider.NetworkLocator
	if cfg.NetworkProviders {
		locator = provider.NewNetworkLocator(logger, provider.DefaultNetworkProviders(logger, cfg.GoogleAPIKey)...)
	}

	chain := provider.New(device, nil, locator, posCache, provider.DefaultConfig(), logger)

	freq := frequency.New(frequency.Config{
		MinUpdatesPerMinute: cfg.MinUpdatesPerMinute,
		MaxUpdatesPerMinute: cfg.MaxUpdatesPerMinute,
		AdaptiveFrequency:   cfg.AdaptiveFrequency,
		BatteryOptimized:    cfg.BatteryOptimized,
	}, logger)

	session := watch.NewSession(device, perms, freq, logger)

	var metricsServer *metrics.Server
	if cfg.MetricsListener {
		metricsServer = metrics.NewServer(logger)
		if err := metricsServer.Start(cfg.MetricsPort); err != nil {
			logger.Error("failed to start metrics server", "port", cfg.MetricsPort, "error", err)
			os.Exit(1)
		}
		defer metricsServer.Stop()
		chain.SetFailureHook(metricsServer.RecordProviderFailure)
	}

	var mqttClient *mqtt.Client
	if cfg.MQTTEnabled {
		mqttCfg := mqtt.DefaultConfig()
		mqttCfg.Broker = cfg.MQTTBroker
		mqttCfg.Port = cfg.MQTTPort
		mqttCfg.Username = cfg.MQTTUsername
		mqttCfg.Password = cfg.MQTTPassword
		mqttCfg.TopicPrefix = cfg.MQTTTopicPrefix
		mqttCfg.Enabled = true
		mqttClient = mqtt.NewClient(mqttCfg, logger)
		err = runner.Do(ctx, func(context.Context) error { return mqttClient.Connect() })
		if err != nil {
			logger.Warn("mqtt connect failed, continuing without publish", "broker", cfg.MQTTBroker, "error", err)
			mqttClient = nil
		} else {
			defer mqttClient.Disconnect()
		}
	}

	var eventSink func(pkg.Event)
	if mqttClient != nil {
		eventSink = func(ev pkg.Event) {
			if err := mqttClient.PublishEvent(ev); err != nil {
				logger.Debug("mqtt event publish failed", "error", err)
			}
		}
	}

	eng := engine.New(engine.Options{
		Chain:       chain,
		Cache:       posCache,
		Permissions: perms,
		Frequency:   freq,
		Session:     session,
		KV:          kv,
		Metrics:     metricsServer,
		Logger:      logger,
		Config:      engine.DefaultConfig(),
		EventSink:   eventSink,
	})
	if err := eng.Init(ctx); err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(1)
	}
	defer eng.Dispose()

	if cfg.StreamListener {
		streamServer := stream.NewServer(logger)
		if err := streamServer.Start(cfg.StreamPort); err != nil {
			logger.Error("failed to start stream server", "port", cfg.StreamPort, "error", err)
			os.Exit(1)
		}
		defer streamServer.Stop()
		defer eng.Subscribe(streamServer.Broadcast)()
	}

	if mqttClient != nil {
		defer eng.Subscribe(func(s *pkg.PositionSample) {
			if err := mqttClient.PublishPosition(s); err != nil {
				logger.Debug("mqtt publish failed", "error", err)
			}
		})()
	}

	if cfg.Watch {
		if err := eng.StartWatch(ctx, cfg.HighAccuracy); err != nil {
			logger.Error("failed to start watch", "error", err)
			os.Exit(1)
		}
		defer eng.StopWatch()
	} else {
		if sample, err := eng.AcquireCurrentPosition(ctx, cfg.HighAccuracy); err != nil {
			logger.Warn("initial acquisition failed", "error", err)
		} else {
			logger.Info("initial position acquired",
				"lat", sample.Latitude,
				"lon", sample.Longitude,
				"accuracy_m", sample.AccuracyM,
			)
		}
	}

	logger.Info("locfix daemon started")

	// Periodic status publishing and uptime refresh
	statusTicker := time.NewTicker(30 * time.Second)
	defer statusTicker.Stop()
	go func() {
		for range statusTicker.C {
			if metricsServer != nil {
				metricsServer.UpdateUptime()
			}
			if mqttClient != nil {
				if err := mqttClient.PublishStatus(eng.GetStatus()); err != nil {
					logger.Debug("mqtt status publish failed", "error", err)
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	}
}
