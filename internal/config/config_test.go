package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig_UsesCustodyServiceInternalAPIKeyAlias(t *testing.T) {
	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "CUSTODY_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "CUSTODY_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"STORE_DRIVER",
		"EVENT_QUEUE_DRIVER",
		"OBSERVER_PAGE_SIZE",
		"RECONCILIATION_GRACE_PERIOD",
		"RECONCILIATION_HORIZON",
		"EVENT_MAX_ATTEMPTS",
	} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StoreDriver != StoreDriverPostgres {
		t.Fatalf("expected postgres store driver, got %q", cfg.StoreDriver)
	}
	if cfg.EventQueueDriver != QueueDriverRabbitMQ {
		t.Fatalf("expected rabbitmq queue driver, got %q", cfg.EventQueueDriver)
	}
	if cfg.ObserverPageSize != 100 {
		t.Fatalf("expected page size 100, got %d", cfg.ObserverPageSize)
	}
	if cfg.ReconciliationGracePeriod != 5*time.Minute {
		t.Fatalf("expected 5m grace period, got %s", cfg.ReconciliationGracePeriod)
	}
	if cfg.ReconciliationHorizon != 72*time.Hour {
		t.Fatalf("expected 72h horizon, got %s", cfg.ReconciliationHorizon)
	}
	if cfg.EventMaxAttempts != 8 {
		t.Fatalf("expected 8 event attempts, got %d", cfg.EventMaxAttempts)
	}
}

func TestLoadConfig_NormalizesListsAndClampsValues(t *testing.T) {
	setEnvWithCleanup(t, "STELLAR_OBSERVED_ACCOUNTS", " GAAA , GBBB,,")
	setEnvWithCleanup(t, "KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	setEnvWithCleanup(t, "OBSERVER_PAGE_SIZE", "5000")
	setEnvWithCleanup(t, "EVENT_QUEUE_DRIVER", "carrier-pigeon")
	setEnvWithCleanup(t, "RECONCILIATION_GRACE_PERIOD", "10m")
	setEnvWithCleanup(t, "RECONCILIATION_HORIZON", "1m")
	setEnvWithCleanup(t, "FIREBLOCKS_PUBLIC_KEY", `"-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----"`)

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.StellarObservedAccounts) != 2 || cfg.StellarObservedAccounts[0] != "GAAA" || cfg.StellarObservedAccounts[1] != "GBBB" {
		t.Fatalf("expected two trimmed accounts, got %#v", cfg.StellarObservedAccounts)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("expected two kafka brokers, got %#v", cfg.KafkaBrokers)
	}
	if cfg.ObserverPageSize != 100 {
		t.Fatalf("expected oversized page size to be reset to 100, got %d", cfg.ObserverPageSize)
	}
	if cfg.EventQueueDriver != QueueDriverRabbitMQ {
		t.Fatalf("expected unknown queue driver to fall back to rabbitmq, got %q", cfg.EventQueueDriver)
	}
	if cfg.ReconciliationHorizon != 10*time.Minute {
		t.Fatalf("expected horizon to be raised to grace period, got %s", cfg.ReconciliationHorizon)
	}
	if cfg.FireblocksPublicKey != "-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----" {
		t.Fatalf("expected escaped newlines to be restored, got %q", cfg.FireblocksPublicKey)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func TestConfig_AssetMappings(t *testing.T) {
	cfg := Config{FireblocksAssetMappings: " USDC_XLM = stellar:USDC:GISSUER ,XLM=stellar:native,broken,=x"}

	mappings := cfg.AssetMappings()
	if len(mappings) != 2 {
		t.Fatalf("expected two mappings, got %#v", mappings)
	}
	if mappings["USDC_XLM"] != "stellar:USDC:GISSUER" || mappings["XLM"] != "stellar:native" {
		t.Fatalf("unexpected mappings %#v", mappings)
	}
}
