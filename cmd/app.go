package cmd

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-checkout/app/idempotency"
	"github.com/vibast-solutions/ms-go-checkout/app/lock"
	"github.com/vibast-solutions/ms-go-checkout/app/metrics"
	"github.com/vibast-solutions/ms-go-checkout/app/notifier"
	"github.com/vibast-solutions/ms-go-checkout/app/provider"
	"github.com/vibast-solutions/ms-go-checkout/app/repository"
	"github.com/vibast-solutions/ms-go-checkout/app/service"
	"github.com/vibast-solutions/ms-go-checkout/config"
)

type checkoutApp struct {
	cfg      *config.Config
	service  *service.CheckoutService
	registry *prometheus.Registry
	cleanup  func()
}

func mustLoadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}
	return cfg
}

func mustOpenDB(cfg *config.Config) *sql.DB {
	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to ping database")
	}
	return db
}

func mustCreateCheckoutService() *checkoutApp {
	cfg := mustLoadConfig()
	var closers []func()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	checkoutMetrics := metrics.New(registry)

	var (
		sessionRepo  service.SessionRepository
		eventRepo    service.SessionEventRepository
		callbackRepo service.GatewayCallbackRepository
	)
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		logrus.Warn("Using in-memory session store, state is lost on restart")
		sessionRepo = repository.NewMemorySessionRepository()
		eventRepo = repository.NewMemorySessionEventRepository()
		callbackRepo = repository.NewMemoryGatewayCallbackRepository()
	default:
		db := mustOpenDB(cfg)
		closers = append(closers, func() {
			if err := db.Close(); err != nil {
				logrus.WithError(err).Warn("Failed to close database")
			}
		})
		sessionRepo = repository.NewMySQLSessionRepository(db)
		eventRepo = repository.NewSessionEventRepository(db)
		callbackRepo = repository.NewGatewayCallbackRepository(db)
	}

	payPayProvider := provider.NewPayPayProvider(provider.PayPayConfig{
		APIKey:             cfg.PayPay.APIKey,
		APISecret:          cfg.PayPay.APISecret,
		MerchantID:         cfg.PayPay.MerchantID,
		BaseURL:            cfg.PayPay.BaseURL,
		WebhookSecret:      cfg.PayPay.WebhookSecret,
		CreateTimeout:      cfg.PayPay.CreateTimeout,
		StatusTimeout:      cfg.PayPay.StatusTimeout,
		BreakerMaxFailures: uint32(max(cfg.PayPay.BreakerMaxFailures, 0)),
		BreakerOpenTimeout: cfg.PayPay.BreakerOpenTimeout,
	})

	var orderWriter notifier.OrderRecordWriter
	switch cfg.Notifier.Driver {
	case config.NotifierDriverKafka:
		kafkaWriter := notifier.NewKafkaOrderWriter(cfg.Notifier.KafkaBrokers, cfg.Notifier.KafkaTopic)
		closers = append(closers, func() {
			if err := kafkaWriter.Close(); err != nil {
				logrus.WithError(err).Warn("Failed to close kafka writer")
			}
		})
		orderWriter = kafkaWriter
	default:
		orderWriter = notifier.NewHTTPOrderWriter(cfg.Notifier.OrderServiceURL, cfg.Notifier.OrderAPIKey, cfg.Sessions.NotificationTimeout)
	}

	var locker lock.Locker = lock.NoopLocker{}
	if cfg.Redis.URL != "" {
		redisClient, err := lock.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to parse REDIS_URL")
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logrus.WithError(err).Warn("Redis unreachable at startup, reconcile leases will retry per call")
		}
		cancel()
		closers = append(closers, func() {
			if err := redisClient.Close(); err != nil {
				logrus.WithError(err).Warn("Failed to close redis client")
			}
		})
		locker = lock.NewRedisLocker(redisClient, "checkout:reconcile:")
	}

	checkoutService := service.NewCheckoutService(
		sessionRepo,
		eventRepo,
		callbackRepo,
		provider.NewRegistry(payPayProvider),
		idempotency.NewUUIDKeyGenerator(),
		orderWriter,
		locker,
		checkoutMetrics,
		cfg.Checkout,
		cfg.Sessions,
	)

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	return &checkoutApp{cfg: cfg, service: checkoutService, registry: registry, cleanup: cleanup}
}
