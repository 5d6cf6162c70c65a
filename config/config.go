package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDriverMySQL  = "mysql"
	StoreDriverMemory = "memory"

	NotifierDriverHTTP  = "http"
	NotifierDriverKafka = "kafka"
)

type Config struct {
	App               AppConfig
	HTTP              ServerConfig
	MySQL             MySQLConfig
	Store             StoreConfig
	Log               LogConfig
	InternalEndpoints InternalEndpointsConfig
	PayPay            PayPayConfig
	Checkout          CheckoutConfig
	Sessions          SessionsConfig
	Jobs              JobsConfig
	Notifier          NotifierConfig
	Redis             RedisConfig
}

type AppConfig struct {
	ServiceName string
	APIKey      string
}

type ServerConfig struct {
	Host string
	Port string
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type StoreConfig struct {
	Driver string
}

type LogConfig struct {
	Level string
}

type InternalEndpointsConfig struct {
	AuthGRPCAddr string
}

type PayPayConfig struct {
	APIKey             string
	APISecret          string
	MerchantID         string
	BaseURL            string
	WebhookSecret      string
	CreateTimeout      time.Duration
	StatusTimeout      time.Duration
	BreakerMaxFailures int
	BreakerOpenTimeout time.Duration
}

type CheckoutConfig struct {
	Currency          string
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	Budget            time.Duration
	PendingPoll       time.Duration
	ReturnBaseURL     string
	FrontendResultURL string
}

type SessionsConfig struct {
	NotificationMaxAttempts   int32
	NotificationRetryInterval time.Duration
	NotificationTimeout       time.Duration
	ReconcileAfter            time.Duration
	StalenessThreshold        time.Duration
	CreatedTimeout            time.Duration
	ReconcileLockTTL          time.Duration
	JobBatchSize              int32
}

type JobsConfig struct {
	ReconcileInterval            time.Duration
	ExpireCreatedInterval        time.Duration
	NotificationDispatchInterval time.Duration
}

type NotifierConfig struct {
	Driver          string
	OrderServiceURL string
	OrderAPIKey     string
	KafkaBrokers    []string
	KafkaTopic      string
}

type RedisConfig struct {
	URL string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	storeDriver := strings.ToLower(getEnv("STORE_DRIVER", StoreDriverMySQL))
	mysqlDSN := os.Getenv("MYSQL_DSN")
	switch storeDriver {
	case StoreDriverMySQL:
		if mysqlDSN == "" {
			return nil, errors.New("MYSQL_DSN environment variable is required")
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", storeDriver)
	}

	notifierDriver := strings.ToLower(getEnv("NOTIFIER_DRIVER", NotifierDriverHTTP))
	if notifierDriver != NotifierDriverHTTP && notifierDriver != NotifierDriverKafka {
		return nil, fmt.Errorf("unsupported NOTIFIER_DRIVER %q", notifierDriver)
	}

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "checkout-service"),
			APIKey:      getEnv("APP_API_KEY", ""),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		MySQL: MySQLConfig{
			DSN:             mysqlDSN,
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Store: StoreConfig{
			Driver: storeDriver,
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		InternalEndpoints: InternalEndpointsConfig{
			AuthGRPCAddr: getEnv("AUTH_SERVICE_GRPC_ADDR", "localhost:9090"),
		},
		PayPay: PayPayConfig{
			APIKey:             getEnv("PAYPAY_API_KEY", ""),
			APISecret:          getEnv("PAYPAY_API_SECRET", ""),
			MerchantID:         getEnv("PAYPAY_MERCHANT_ID", ""),
			BaseURL:            getEnv("PAYPAY_BASE_URL", "https://stg-api.sandbox.paypay.ne.jp"),
			WebhookSecret:      getEnv("PAYPAY_WEBHOOK_SECRET", ""),
			CreateTimeout:      getSecondsEnv("PAYPAY_CREATE_TIMEOUT_SECONDS", 10*time.Second),
			StatusTimeout:      getSecondsEnv("PAYPAY_STATUS_TIMEOUT_SECONDS", 5*time.Second),
			BreakerMaxFailures: getIntEnv("PAYPAY_BREAKER_MAX_FAILURES", 5),
			BreakerOpenTimeout: getSecondsEnv("PAYPAY_BREAKER_OPEN_TIMEOUT_SECONDS", 30*time.Second),
		},
		Checkout: CheckoutConfig{
			Currency:          strings.ToUpper(getEnv("CHECKOUT_CURRENCY", "JPY")),
			RetryAttempts:     getIntEnv("CHECKOUT_RETRY_ATTEMPTS", 3),
			RetryBaseDelay:    getMillisEnv("CHECKOUT_RETRY_BASE_DELAY_MS", 500*time.Millisecond),
			Budget:            getMillisEnv("CHECKOUT_BUDGET_MS", 5*time.Second),
			PendingPoll:       getMillisEnv("CHECKOUT_PENDING_POLL_MS", 100*time.Millisecond),
			ReturnBaseURL:     strings.TrimRight(getEnv("CHECKOUT_RETURN_BASE_URL", "http://localhost:8080"), "/"),
			FrontendResultURL: strings.TrimRight(getEnv("FRONTEND_RESULT_URL", "http://localhost:3000/payment"), "/"),
		},
		Sessions: SessionsConfig{
			NotificationMaxAttempts:   int32(getIntEnv("SESSIONS_NOTIFICATION_MAX_ATTEMPTS", 10)),
			NotificationRetryInterval: getMinutesEnv("SESSIONS_NOTIFICATION_RETRY_INTERVAL_MINUTES", time.Minute),
			NotificationTimeout:       getSecondsEnv("SESSIONS_NOTIFICATION_TIMEOUT_SECONDS", 10*time.Second),
			ReconcileAfter:            getMinutesEnv("SESSIONS_RECONCILE_AFTER_MINUTES", 2*time.Minute),
			StalenessThreshold:        getMinutesEnv("SESSIONS_STALENESS_THRESHOLD_MINUTES", 15*time.Minute),
			CreatedTimeout:            getMinutesEnv("SESSIONS_CREATED_TIMEOUT_MINUTES", 5*time.Minute),
			ReconcileLockTTL:          getSecondsEnv("SESSIONS_RECONCILE_LOCK_TTL_SECONDS", 15*time.Second),
			JobBatchSize:              int32(getIntEnv("SESSIONS_JOB_BATCH_SIZE", 100)),
		},
		Jobs: JobsConfig{
			ReconcileInterval:            getMinutesEnv("SESSIONS_RECONCILE_INTERVAL_MINUTES", time.Minute),
			ExpireCreatedInterval:        getMinutesEnv("SESSIONS_EXPIRE_CREATED_INTERVAL_MINUTES", 5*time.Minute),
			NotificationDispatchInterval: getMinutesEnv("SESSIONS_NOTIFICATION_DISPATCH_INTERVAL_MINUTES", time.Minute),
		},
		Notifier: NotifierConfig{
			Driver:          notifierDriver,
			OrderServiceURL: strings.TrimRight(getEnv("ORDER_SERVICE_URL", "http://localhost:8081"), "/"),
			OrderAPIKey:     getEnv("ORDER_SERVICE_API_KEY", ""),
			KafkaBrokers:    getListEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
			KafkaTopic:      getEnv("KAFKA_ORDER_PAYMENT_TOPIC", "order.payment"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if millis, err := strconv.Atoi(value); err == nil {
			return time.Duration(millis) * time.Millisecond
		}
	}
	return defaultValue
}
