/**
 * @description
 * This is the main entry point for the custody-service. It loads configuration, opens the
 * store, builds one observer per observed stream, and starts the reconciliation scheduler,
 * the event dispatchers, the custody request consumer and the HTTP server. Everything
 * shares one context and stops together on SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Shared rate limit budget for provider APIs.
 * - github.com/joho/godotenv: Local .env loading.
 * - golang.org/x/sync/errgroup: Lifecycle of the long running loops.
 * - internal/api, internal/app, internal/config, internal/observer, internal/rail, internal/store.
 * - pkg/fireblocks, pkg/kafka, pkg/platformclient, pkg/rabbitmq.
 */

package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/transfa/custody-service/internal/api"
	"github.com/transfa/custody-service/internal/app"
	"github.com/transfa/custody-service/internal/config"
	"github.com/transfa/custody-service/internal/observer"
	"github.com/transfa/custody-service/internal/rail"
	"github.com/transfa/custody-service/internal/store"
	"github.com/transfa/custody-service/pkg/fireblocks"
	"github.com/transfa/custody-service/pkg/kafka"
	"github.com/transfa/custody-service/pkg/platformclient"
	rmrabbit "github.com/transfa/custody-service/pkg/rabbitmq"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.InternalAPIKey == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	log.Printf("level=info component=bootstrap msg=\"starting custody-service\" port=%s store=%s queue=%s", cfg.ServerPort, cfg.StoreDriver, cfg.EventQueueDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repository, closeStore := openStore(ctx, cfg)
	defer closeStore()

	metrics := app.NewMetrics()
	custody := app.NewCustodyService(repository, metrics)
	paymentHandler := app.NewCustodyPaymentHandler(custody)

	limiter, closeRedis := openRateLimiter(ctx, cfg)
	defer closeRedis()

	adapters, custodial := buildAdapters(cfg, limiter)
	registry := rail.NewRegistry(adapters...)

	manager := observer.NewManager()
	observerOpts := observer.Options{
		PageSize:       cfg.ObserverPageSize,
		IdleInterval:   cfg.ObserverIdleInterval,
		InitialBackoff: cfg.ObserverInitialBackoff,
		MaxBackoff:     cfg.ObserverMaxBackoff,
		OnHalt: func(status observer.StreamStatus, err error) {
			metrics.StreamHalted(status.StreamID)
			log.Printf("level=error component=bootstrap msg=\"observer stream halted\" stream=%s cursor=%s err=%v", status.StreamID, status.Cursor, err)
		},
	}
	for _, adapter := range adapters {
		manager.Add(observer.NewObserver(adapter, repository, observerOpts, paymentHandler))
	}

	var webhooks api.WebhookProcessor
	if custodial != nil {
		var publicKey *rsa.PublicKey
		if cfg.FireblocksPublicKey != "" {
			publicKey, err = fireblocks.ParsePublicKey(cfg.FireblocksPublicKey)
			if err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"fireblocks public key invalid\" err=%v", err)
			}
		} else {
			log.Println("level=warn component=bootstrap msg=\"fireblocks public key missing; webhooks will be rejected\" env=FIREBLOCKS_PUBLIC_KEY")
		}
		webhooks = app.NewWebhookService(publicKey, custodial, paymentHandler)
	}

	reconciler := app.NewReconciliationJob(custody, repository, registry, metrics, app.ReconciliationConfig{
		GracePeriod: cfg.ReconciliationGracePeriod,
		Horizon:     cfg.ReconciliationHorizon,
		MaxAttempts: cfg.ReconciliationMaxAttempts,
		BatchSize:   cfg.ReconciliationBatchSize,
	})
	scheduler := app.NewScheduler(reconciler, cfg.ReconciliationSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"reconciliation scheduler start failed\" err=%v", err)
	}

	dispatcherCfg := app.DispatcherConfig{
		PollInterval: cfg.EventPollInterval,
		MaxAttempts:  cfg.EventMaxAttempts,
	}
	var dispatchers []*app.EventDispatcher
	sender, closeSender := openQueueSender(cfg)
	defer closeSender()
	if sender != nil {
		dispatchers = append(dispatchers, app.NewQueueDispatcher(repository, sender, metrics, dispatcherCfg))
	}
	if cfg.PlatformAPIURL != "" {
		platform := platformclient.NewClient(cfg.PlatformAPIURL, cfg.PlatformAPISecret, cfg.HTTPClientTimeout)
		dispatchers = append(dispatchers, app.NewCallbackDispatcher(repository, platform, metrics, dispatcherCfg))
	} else {
		log.Println("level=warn component=bootstrap msg=\"platform api url missing; callbacks stay in the outbox\" env=PLATFORM_API_URL")
	}

	var requestConsumer *rmrabbit.Consumer
	if cfg.RabbitMQURL != "" {
		requestConsumer, err = rmrabbit.NewConsumer(cfg.RabbitMQURL, rmrabbit.ConsumerConfig{
			Exchange: cfg.EventExchange,
			Queue:    cfg.CustodyRequestQueue,
		})
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; custody requests only via internal api\" err=%v", err)
			requestConsumer = nil
		} else {
			defer requestConsumer.Close()
			if err := requestConsumer.Bind(app.NewCustodyRequestConsumer(custody).Bindings()); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"custody request consumer bind failed\" err=%v", err)
			}
		}
	}

	handlers := &api.CustodyHandlers{
		Webhooks:     webhooks,
		Transactions: custody,
		Streams:      manager,
		Reconciler:   reconciler,
		Events:       repository,
	}
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: api.CustodyRoutes(handlers, metrics.Handler(), cfg.InternalAPIKey),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(gctx)
	})
	if requestConsumer != nil {
		g.Go(func() error {
			return requestConsumer.Run(gctx)
		})
	}
	for _, d := range dispatchers {
		d := d
		g.Go(func() error {
			d.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("level=info component=http msg=\"shutdown started\"")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
		}
		<-scheduler.Stop().Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("level=error component=bootstrap msg=\"service stopped with error\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"shutdown complete\"")
}

func openStore(ctx context.Context, cfg config.Config) (store.Repository, func()) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; state is lost on restart\"")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return store.NewPostgresRepository(dbpool), dbpool.Close
}

func openRateLimiter(ctx context.Context, cfg config.Config) (rail.Limiter, func()) {
	if cfg.RailRateLimitPerMinute <= 0 || cfg.RedisURL == "" {
		log.Println("level=info component=bootstrap msg=\"provider rate limiting disabled\"")
		return nil, func() {}
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; provider rate limiting disabled\" err=%v", err)
		return nil, func() {}
	}
	redisClient := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; provider rate limiting disabled\" err=%v", err)
		redisClient.Close()
		return nil, func() {}
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return rail.NewRedisLimiter(redisClient, cfg.RedisRateLimitPrefix), func() { redisClient.Close() }
}

// buildAdapters returns every configured rail adapter, plus the custodial adapter when
// enabled so webhooks can reuse its conversion.
func buildAdapters(cfg config.Config, limiter rail.Limiter) ([]rail.Adapter, *rail.CustodialAdapter) {
	limit := func(adapter rail.Adapter) rail.Adapter {
		if limiter == nil {
			return adapter
		}
		return rail.WithRateLimit(adapter, limiter, cfg.RailRateLimitPerMinute)
	}

	var adapters []rail.Adapter
	if len(cfg.StellarObservedAccounts) > 0 {
		horizon := rail.NewHorizonClient(cfg.HorizonURL, cfg.HTTPClientTimeout)
		for _, account := range cfg.StellarObservedAccounts {
			adapter, err := rail.NewLedgerAdapter(horizon, account)
			if err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"invalid observed stellar account\" account=%s err=%v", account, err)
			}
			adapters = append(adapters, limit(adapter))
		}
	}

	var custodial *rail.CustodialAdapter
	if cfg.FireblocksObserverEnabled {
		if strings.TrimSpace(cfg.FireblocksAPIKey) == "" {
			log.Fatalf("level=fatal component=bootstrap msg=\"fireblocks observer enabled without api key\" env=FIREBLOCKS_API_KEY")
		}
		client, err := fireblocks.NewClient(cfg.FireblocksBaseURL, cfg.FireblocksAPIKey, cfg.FireblocksSecretKey, cfg.HTTPClientTimeout)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"fireblocks client init failed\" err=%v", err)
		}
		custodial = rail.NewCustodialAdapter(client, cfg.AssetMappings())
		adapters = append(adapters, limit(custodial))
	}

	if len(adapters) == 0 {
		log.Println("level=warn component=bootstrap msg=\"no rails configured; observers idle\"")
	}
	return adapters, custodial
}

func openQueueSender(cfg config.Config) (app.QueueSender, func()) {
	switch cfg.EventQueueDriver {
	case config.QueueDriverNone:
		log.Println("level=warn component=bootstrap msg=\"event queue disabled; queue events stay in the outbox\"")
		return nil, func() {}
	case config.QueueDriverKafka:
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.HTTPClientTimeout)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"kafka producer init failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"kafka producer ready\"")
		return producer, producer.Close
	default:
		var publisher rmrabbit.Publisher
		producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventExchange)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
			publisher = &rmrabbit.EventProducerFallback{}
		} else {
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
			publisher = producer
		}
		return publisher, publisher.Close
	}
}
