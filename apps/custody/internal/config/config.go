package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	WaypointStorePostgres = "postgres"
	WaypointStoreMemory   = "memory"
)

type Config struct {
	RpcURL              string
	DbURL               string
	ChainID             uint64
	EscrowContract      string
	AttestationContract string
	OperatorKey         string
	SignerKeys          map[string]string // alias -> hex private key
	KafkaBroker         string
	EscrowEventTopic    string
	LocationTopic       string
	ContentStoreURL     string
	ReconcileInterval   time.Duration
	DryRun              bool
	BlocksPerDay        uint64
	DefaultDeliveryDays int
	DisputeIndexEnabled bool
	RetentionDays       int
	CleanupInterval     time.Duration
	WaypointStore       string
	APIPort             int
	ReceiptTimeout      time.Duration
}

// NewConfig loads configuration from environment variables and exits on a missing required value.
func NewConfig() *Config {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	return cfg
}

// LoadConfig loads configuration from an optional .env file and the environment.
func LoadConfig() (*Config, error) {
	// Load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load()

	cfg := &Config{
		RpcURL:              os.Getenv("RPC_URL"),
		DbURL:               os.Getenv("DB_URL"),
		ChainID:             getEnvUint64("CHAIN_ID", 1),
		EscrowContract:      os.Getenv("ESCROW_CONTRACT"),
		AttestationContract: os.Getenv("ATTESTATION_CONTRACT"),
		OperatorKey:         os.Getenv("OPERATOR_KEY"),
		KafkaBroker:         os.Getenv("KAFKA_BROKER"),
		EscrowEventTopic:    getEnvDefault("ESCROW_EVENT_TOPIC", "escrow-events"),
		LocationTopic:       getEnvDefault("LOCATION_TOPIC", "delivery-locations"),
		ContentStoreURL:     os.Getenv("CONTENT_STORE_URL"),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", time.Hour),
		DryRun:              getEnvBool("DRY_RUN", false),
		BlocksPerDay:        getEnvUint64("BLOCKS_PER_DAY", 7200),
		DefaultDeliveryDays: getEnvInt("DEFAULT_DELIVERY_DAYS", 7),
		DisputeIndexEnabled: getEnvBool("DISPUTE_INDEX_ENABLED", true),
		RetentionDays:       getEnvInt("RETENTION_DAYS", 90),
		CleanupInterval:     getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour),
		WaypointStore:       getEnvDefault("WAYPOINT_STORE", WaypointStorePostgres),
		APIPort:             getEnvInt("API_PORT", 8080),
		ReceiptTimeout:      getEnvDuration("RECEIPT_TIMEOUT", 2*time.Minute),
	}

	signerKeys, err := parseSignerKeys(os.Getenv("SIGNER_KEYS"))
	if err != nil {
		return nil, err
	}
	cfg.SignerKeys = signerKeys

	if cfg.AttestationContract == "" {
		cfg.AttestationContract = cfg.EscrowContract
	}

	return cfg, cfg.Validate()
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	required := map[string]string{
		"RPC_URL":         c.RpcURL,
		"DB_URL":          c.DbURL,
		"ESCROW_CONTRACT": c.EscrowContract,
	}
	for key, value := range required {
		if value == "" {
			return fmt.Errorf("environment variable %s not set", key)
		}
	}
	if c.WaypointStore != WaypointStorePostgres && c.WaypointStore != WaypointStoreMemory {
		return fmt.Errorf("unsupported WAYPOINT_STORE %q", c.WaypointStore)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive")
	}
	if c.BlocksPerDay == 0 {
		return fmt.Errorf("BLOCKS_PER_DAY must be positive")
	}
	return nil
}

// KafkaEnabled reports whether the outbox relay and location ingestor should run.
func (c *Config) KafkaEnabled() bool {
	return c.KafkaBroker != ""
}

// parseSignerKeys parses "alias=hexkey,alias2=hexkey2".
func parseSignerKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return keys, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		alias, key, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || alias == "" || key == "" {
			return nil, fmt.Errorf("malformed SIGNER_KEYS entry %q", pair)
		}
		keys[alias] = key
	}
	return keys, nil
}

func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
