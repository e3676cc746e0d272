/**
 * @description
 * This package handles the configuration management for the custody-service. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file, then normalizes the values the observers, reconciliation job and dispatchers rely on.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	QueueDriverRabbitMQ = "rabbitmq"
	QueueDriverKafka    = "kafka"
	QueueDriverNone     = "none"
)

// Config holds all the configuration variables for the custody-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	StoreDriver    string `mapstructure:"STORE_DRIVER"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix   string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RailRateLimitPerMinute int    `mapstructure:"RAIL_RATE_LIMIT_PER_MINUTE"`

	EventQueueDriver    string   `mapstructure:"EVENT_QUEUE_DRIVER"`
	RabbitMQURL         string   `mapstructure:"RABBITMQ_URL"`
	EventExchange       string   `mapstructure:"EVENT_EXCHANGE"`
	CustodyRequestQueue string   `mapstructure:"CUSTODY_REQUEST_QUEUE"`
	KafkaBrokers        []string `mapstructure:"KAFKA_BROKERS"`

	HorizonURL              string   `mapstructure:"HORIZON_URL"`
	StellarObservedAccounts []string `mapstructure:"STELLAR_OBSERVED_ACCOUNTS"`

	FireblocksBaseURL         string `mapstructure:"FIREBLOCKS_BASE_URL"`
	FireblocksAPIKey          string `mapstructure:"FIREBLOCKS_API_KEY"`
	FireblocksSecretKey       string `mapstructure:"FIREBLOCKS_SECRET_KEY"`
	FireblocksPublicKey       string `mapstructure:"FIREBLOCKS_PUBLIC_KEY"`
	FireblocksObserverEnabled bool   `mapstructure:"FIREBLOCKS_OBSERVER_ENABLED"`
	FireblocksAssetMappings   string `mapstructure:"FIREBLOCKS_ASSET_MAPPINGS"`

	PlatformAPIURL    string `mapstructure:"PLATFORM_API_URL"`
	PlatformAPISecret string `mapstructure:"PLATFORM_API_SECRET"`

	ObserverPageSize       int           `mapstructure:"OBSERVER_PAGE_SIZE"`
	ObserverIdleInterval   time.Duration `mapstructure:"OBSERVER_IDLE_INTERVAL"`
	ObserverInitialBackoff time.Duration `mapstructure:"OBSERVER_INITIAL_BACKOFF"`
	ObserverMaxBackoff     time.Duration `mapstructure:"OBSERVER_MAX_BACKOFF"`

	ReconciliationSchedule    string        `mapstructure:"RECONCILIATION_SCHEDULE"`
	ReconciliationGracePeriod time.Duration `mapstructure:"RECONCILIATION_GRACE_PERIOD"`
	ReconciliationHorizon     time.Duration `mapstructure:"RECONCILIATION_HORIZON"`
	ReconciliationMaxAttempts int           `mapstructure:"RECONCILIATION_MAX_ATTEMPTS"`
	ReconciliationBatchSize   int           `mapstructure:"RECONCILIATION_BATCH_SIZE"`

	EventMaxAttempts  int           `mapstructure:"EVENT_MAX_ATTEMPTS"`
	EventPollInterval time.Duration `mapstructure:"EVENT_POLL_INTERVAL"`

	HTTPClientTimeout time.Duration `mapstructure:"HTTP_CLIENT_TIMEOUT"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("SERVER_PORT", "8090")
	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("REDIS_RATE_LIMIT_PREFIX", "custody:rate_limit")
	v.SetDefault("RAIL_RATE_LIMIT_PER_MINUTE", 600)
	v.SetDefault("EVENT_QUEUE_DRIVER", QueueDriverRabbitMQ)
	v.SetDefault("EVENT_EXCHANGE", "anchor.events")
	v.SetDefault("CUSTODY_REQUEST_QUEUE", "custody_service.requests")
	v.SetDefault("HORIZON_URL", "https://horizon-testnet.stellar.org")
	v.SetDefault("FIREBLOCKS_BASE_URL", "https://api.fireblocks.io")
	v.SetDefault("FIREBLOCKS_OBSERVER_ENABLED", false)
	v.SetDefault("OBSERVER_PAGE_SIZE", 100)
	v.SetDefault("OBSERVER_IDLE_INTERVAL", "5s")
	v.SetDefault("OBSERVER_INITIAL_BACKOFF", "1s")
	v.SetDefault("OBSERVER_MAX_BACKOFF", "5m")
	v.SetDefault("RECONCILIATION_SCHEDULE", "@every 1m")
	v.SetDefault("RECONCILIATION_GRACE_PERIOD", "5m")
	v.SetDefault("RECONCILIATION_HORIZON", "72h")
	v.SetDefault("RECONCILIATION_MAX_ATTEMPTS", 10)
	v.SetDefault("RECONCILIATION_BATCH_SIZE", 100)
	v.SetDefault("EVENT_MAX_ATTEMPTS", 8)
	v.SetDefault("EVENT_POLL_INTERVAL", "1200ms")
	v.SetDefault("HTTP_CLIENT_TIMEOUT", "15s")

	_ = v.BindEnv("SERVER_PORT")
	_ = v.BindEnv("DATABASE_URL")
	_ = v.BindEnv("STORE_DRIVER")
	_ = v.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CUSTODY_SERVICE_INTERNAL_API_KEY")
	_ = v.BindEnv("REDIS_URL", "REDIS_URL", "CUSTODY_REDIS_URL")
	_ = v.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = v.BindEnv("RAIL_RATE_LIMIT_PER_MINUTE")
	_ = v.BindEnv("EVENT_QUEUE_DRIVER")
	_ = v.BindEnv("RABBITMQ_URL")
	_ = v.BindEnv("EVENT_EXCHANGE")
	_ = v.BindEnv("CUSTODY_REQUEST_QUEUE")
	_ = v.BindEnv("KAFKA_BROKERS")
	_ = v.BindEnv("HORIZON_URL")
	_ = v.BindEnv("STELLAR_OBSERVED_ACCOUNTS", "STELLAR_OBSERVED_ACCOUNTS", "STELLAR_DISTRIBUTION_ACCOUNT")
	_ = v.BindEnv("FIREBLOCKS_BASE_URL")
	_ = v.BindEnv("FIREBLOCKS_API_KEY")
	_ = v.BindEnv("FIREBLOCKS_SECRET_KEY")
	_ = v.BindEnv("FIREBLOCKS_PUBLIC_KEY")
	_ = v.BindEnv("FIREBLOCKS_OBSERVER_ENABLED")
	_ = v.BindEnv("FIREBLOCKS_ASSET_MAPPINGS")
	_ = v.BindEnv("PLATFORM_API_URL")
	_ = v.BindEnv("PLATFORM_API_SECRET")
	_ = v.BindEnv("OBSERVER_PAGE_SIZE")
	_ = v.BindEnv("OBSERVER_IDLE_INTERVAL")
	_ = v.BindEnv("OBSERVER_INITIAL_BACKOFF")
	_ = v.BindEnv("OBSERVER_MAX_BACKOFF")
	_ = v.BindEnv("RECONCILIATION_SCHEDULE")
	_ = v.BindEnv("RECONCILIATION_GRACE_PERIOD")
	_ = v.BindEnv("RECONCILIATION_HORIZON")
	_ = v.BindEnv("RECONCILIATION_MAX_ATTEMPTS")
	_ = v.BindEnv("RECONCILIATION_BATCH_SIZE")
	_ = v.BindEnv("EVENT_MAX_ATTEMPTS")
	_ = v.BindEnv("EVENT_POLL_INTERVAL")
	_ = v.BindEnv("HTTP_CLIENT_TIMEOUT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = v.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != StoreDriverMemory {
		config.StoreDriver = StoreDriverPostgres
	}

	config.EventQueueDriver = strings.ToLower(strings.TrimSpace(config.EventQueueDriver))
	switch config.EventQueueDriver {
	case QueueDriverRabbitMQ, QueueDriverKafka, QueueDriverNone:
	default:
		log.Printf("level=warn component=config msg=\"unknown event queue driver; using rabbitmq\" value=%q", config.EventQueueDriver)
		config.EventQueueDriver = QueueDriverRabbitMQ
	}

	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "custody:rate_limit"
	}
	config.KafkaBrokers = splitList(config.KafkaBrokers)
	config.StellarObservedAccounts = splitList(config.StellarObservedAccounts)
	config.FireblocksPublicKey = normalizePEM(config.FireblocksPublicKey)
	config.FireblocksSecretKey = normalizePEM(config.FireblocksSecretKey)
	config.PlatformAPIURL = strings.TrimRight(strings.TrimSpace(config.PlatformAPIURL), "/")

	if config.ObserverPageSize <= 0 || config.ObserverPageSize > 200 {
		log.Printf("level=warn component=config msg=\"observer page size out of range; using 100\" value=%d", config.ObserverPageSize)
		config.ObserverPageSize = 100
	}
	if config.ObserverIdleInterval <= 0 {
		config.ObserverIdleInterval = 5 * time.Second
	}
	if config.ObserverInitialBackoff <= 0 {
		config.ObserverInitialBackoff = time.Second
	}
	if config.ObserverMaxBackoff < config.ObserverInitialBackoff {
		config.ObserverMaxBackoff = config.ObserverInitialBackoff
	}
	if strings.TrimSpace(config.ReconciliationSchedule) == "" {
		config.ReconciliationSchedule = "@every 1m"
	}
	if config.ReconciliationGracePeriod <= 0 {
		config.ReconciliationGracePeriod = 5 * time.Minute
	}
	if config.ReconciliationHorizon < config.ReconciliationGracePeriod {
		log.Printf("level=warn component=config msg=\"reconciliation horizon shorter than grace period; raising\" horizon=%s grace=%s", config.ReconciliationHorizon, config.ReconciliationGracePeriod)
		config.ReconciliationHorizon = config.ReconciliationGracePeriod
	}
	if config.ReconciliationMaxAttempts <= 0 {
		config.ReconciliationMaxAttempts = 10
	}
	if config.ReconciliationBatchSize <= 0 {
		config.ReconciliationBatchSize = 100
	}
	if config.EventMaxAttempts <= 0 {
		config.EventMaxAttempts = 8
	}
	if config.EventPollInterval <= 0 {
		config.EventPollInterval = 1200 * time.Millisecond
	}
	if config.HTTPClientTimeout <= 0 {
		config.HTTPClientTimeout = 15 * time.Second
	}

	return
}

// AssetMappings parses FIREBLOCKS_ASSET_MAPPINGS ("USDC_XLM=stellar:USDC:G...,XLM=stellar:native")
// into provider asset id -> custody asset.
func (c Config) AssetMappings() map[string]string {
	mappings := make(map[string]string)
	for _, pair := range strings.Split(c.FireblocksAssetMappings, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		mappings[key] = value
	}
	return mappings
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

// normalizePEM restores newlines in keys passed through single-line env vars.
func normalizePEM(raw string) string {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	return strings.ReplaceAll(clean, `\n`, "\n")
}
