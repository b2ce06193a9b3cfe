package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"ecg-server/internal/auth"
	"ecg-server/internal/broker"
	"ecg-server/internal/buffer"
	"ecg-server/internal/config"
	"ecg-server/internal/device"
	"ecg-server/internal/hub"
	"ecg-server/internal/logging"
	"ecg-server/internal/middleware"
	"ecg-server/internal/persist"
	"ecg-server/internal/queue"
	"ecg-server/internal/server"
	"ecg-server/internal/session"
	"ecg-server/internal/store"
	"ecg-server/internal/store/gormstore"
)

func main() {
	issueToken := flag.String("issue-token", "", "print a signed token for the named operator and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
	tokenCfg.Expiry = cfg.TokenExpiry

	if *issueToken != "" {
		tok, err := auth.CreateToken(*issueToken, "", tokenCfg)
		if err != nil {
			logger.Error("issue token", "error", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	if err := run(cfg, tokenCfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, tokenCfg auth.TokenConfig, logger *slog.Logger) error {
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var checks []server.HealthCheck

	var repo store.Repository
	if cfg.DatabaseDSN != "" {
		db, err := gormstore.OpenPostgres(cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		repo = db
		checks = append(checks, server.HealthCheck{Name: "postgres", Check: db.Ping})
		logger.Info("using postgres store")
	} else {
		repo = store.NewMemory()
		logger.Warn("DATABASE_DSN not set, sessions and readings are kept in memory")
	}

	var buf buffer.Buffer
	if cfg.Redis.Addr != "" {
		client, err := buffer.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		buf = buffer.NewRedisBuffer(client, cfg.Redis.StreamMaxLen)
		checks = append(checks, server.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
		logger.Info("using redis stream buffer", "addr", cfg.Redis.Addr)
	} else {
		buf = buffer.NewMemoryBuffer(cfg.Redis.StreamMaxLen)
		logger.Warn("REDIS_ADDR not set, buffering samples in memory")
	}

	live := hub.New()
	devices := device.NewRegistry(repo)

	dispatcher := &broker.Dispatcher{
		Router:  broker.Router{RegisterTopic: cfg.MQTT.RegisterTopic},
		Devices: devices,
		Buffer:  buf,
		Live:    live,
		Logger:  logger,
	}
	transport := broker.NewPahoTransport(cfg.MQTT, logger)
	adapter := broker.NewAdapter(transport, dispatcher.Handle, cfg.MQTT.QoS, cfg.MQTT.RegisterTopic, logger)
	if err := adapter.Start(); err != nil {
		// paho keeps retrying in the background
		logger.Warn("mqtt not connected yet", "broker", cfg.MQTT.Broker, "error", err)
	}
	defer adapter.Close()
	checks = append(checks, server.HealthCheck{Name: "mqtt", Check: func(context.Context) error {
		if !adapter.Connected() {
			return broker.ErrNotConnected
		}
		return nil
	}})

	worker := persist.NewWorker(persist.Options{
		Buffer:         buf,
		Sessions:       repo,
		Readings:       repo,
		RetryMax:       cfg.Persist.RetryMax,
		AttemptTimeout: cfg.Persist.AttemptTimeout,
		Prune:          cfg.Persist.Prune,
		Logger:         logger,
	})

	var wg sync.WaitGroup
	drains, closeDrains, err := newScheduler(ctx, cfg, worker, logger, &wg)
	if err != nil {
		return err
	}
	defer closeDrains()

	sessions := session.NewRegistry(session.Options{
		Sessions:  repo,
		Buffer:    buf,
		Commands:  adapter,
		Flusher:   worker,
		Drains:    drains,
		Retention: cfg.Redis.StreamRetention,
		Logger:    logger,
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx, cfg.Persist.Interval, drains)
	}()

	var limiter *middleware.RateLimiter
	if cfg.CommandRateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.CommandRateLimit, time.Minute)
		defer limiter.Stop()
	}

	router := server.NewRouter(server.Deps{
		Sessions:       sessions,
		Readings:       repo,
		Devices:        devices,
		Hub:            live,
		TokenConfig:    tokenCfg,
		CORSOrigins:    cfg.CORSOrigins,
		CommandLimiter: limiter,
		HealthChecks:   checks,
		Logger:         logger,
	})
	if !tokenCfg.Enabled() {
		logger.Warn("MASTER_SECRET not set, API and live endpoints are unauthenticated")
	}

	logger.Info("listening", "port", cfg.Port)
	err = server.Run(ctx, cfg, router)
	stop()
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

type scheduler interface {
	Schedule(ctx context.Context, key string) error
}

// newScheduler returns the drain scheduler: RabbitMQ when AMQP_URL is set,
// a local worker pool otherwise.
func newScheduler(ctx context.Context, cfg config.Config, worker *persist.Worker, logger *slog.Logger, wg *sync.WaitGroup) (scheduler, func(), error) {
	if cfg.AMQP.URL == "" {
		local := queue.NewLocal(ctx, cfg.Persist.Workers, 0, worker.Flush, logger)
		return local, local.Close, nil
	}

	conn, err := queue.Dial(cfg.AMQP.URL)
	if err != nil {
		return nil, nil, err
	}
	publisher, err := queue.NewPublisher(conn, cfg.AMQP.Exchange)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	consumer, err := queue.NewConsumer(conn, cfg.AMQP.Exchange, cfg.AMQP.Queue, cfg.Persist.Workers, worker.Flush, logger)
	if err != nil {
		_ = publisher.Close()
		_ = conn.Close()
		return nil, nil, err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Start(ctx); err != nil {
			logger.Error("persist consumer", "error", err)
		}
	}()
	logger.Info("persist jobs routed through rabbitmq", "exchange", cfg.AMQP.Exchange, "queue", cfg.AMQP.Queue)

	return publisher, func() {
		_ = consumer.Close()
		_ = publisher.Close()
		_ = conn.Close()
	}, nil
}
