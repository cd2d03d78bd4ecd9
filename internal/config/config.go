package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"fincore/internal/core"
	"fincore/internal/policy"
)

// FileEnvVar names an optional TOML file whose keys sit beneath the
// environment: a key set in both takes the environment value.
const FileEnvVar = "FINCORE_CONFIG_FILE"

type Config struct {
	// HTTP Server
	Port           string
	MetricsEnabled bool

	// Storage
	StorageBackend string
	SQLiteDBPath   string
	MongoURI       string
	MongoDatabase  string

	// AMQP; events are only logged when AMQPURL is empty
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	LogLevel string

	// Pricing policy
	FreeMonthlyLimit int
	OverageFee       core.Money
	SignupGrant      core.Money

	LedgerMaxRetries int

	// Reconciliation
	OrphanThreshold   time.Duration
	ReconcileInterval time.Duration

	// Idempotency
	IdempotencyTTL       time.Duration
	IdempotencyCacheSize int

	// Parties
	OverdueRefreshInterval time.Duration

	// Problems found while reading values; reported by Validate.
	loadErrors []string
}

// file holds the values read from FINCORE_CONFIG_FILE, keyed like the
// environment variables.
var file map[string]string

func Load() *Config {
	cfg := &Config{}
	file = nil
	if path := os.Getenv(FileEnvVar); path != "" {
		values, err := readFile(path)
		if err != nil {
			cfg.loadErrors = append(cfg.loadErrors, err.Error())
		}
		file = values
	}

	cfg.Port = getEnv("PORT", "8081")
	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", true)

	cfg.StorageBackend = getEnv("STORAGE_BACKEND", "memory")
	cfg.SQLiteDBPath = getEnv("SQLITE_DB_PATH", "./data/fincore.db")
	cfg.MongoURI = getEnv("MONGO_URI", "")
	cfg.MongoDatabase = getEnv("MONGO_DATABASE", "fincore")

	cfg.AMQPURL = getEnv("AMQP_URL", "")
	cfg.AMQPExchange = getEnv("AMQP_EXCHANGE", "fincore")
	cfg.AMQPQueue = getEnv("AMQP_QUEUE", "fincore_events")

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	cfg.FreeMonthlyLimit = getEnvInt("FREE_MONTHLY_LIMIT", policy.DefaultMonthlyFreeLimit)
	cfg.OverageFee = cfg.getEnvMoney("OVERAGE_FEE", core.Cents(policy.DefaultOverageFeeCents))
	cfg.SignupGrant = cfg.getEnvMoney("SIGNUP_GRANT", core.Cents(1000))

	cfg.LedgerMaxRetries = getEnvInt("LEDGER_MAX_RETRIES", 5)

	cfg.OrphanThreshold = getEnvDuration("ORPHAN_THRESHOLD", 5*time.Minute)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", time.Minute)

	cfg.IdempotencyTTL = getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour)
	cfg.IdempotencyCacheSize = getEnvInt("IDEMPOTENCY_CACHE_SIZE", 1024)

	cfg.OverdueRefreshInterval = getEnvDuration("OVERDUE_REFRESH_INTERVAL", time.Hour)

	return cfg
}

// PolicyConfig returns the pricing settings in the evaluator's terms.
func (c *Config) PolicyConfig() policy.Config {
	return policy.Config{
		MonthlyFreeLimit: c.FreeMonthlyLimit,
		OverageFee:       c.OverageFee,
	}
}

// EventsEnabled reports whether events go to a broker.
func (c *Config) EventsEnabled() bool {
	return c.AMQPURL != ""
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	errors := append([]string(nil), c.loadErrors...)

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// Validate storage backend
	validBackends := []string{"memory", "sqlite", "mongo"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.StorageBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid storage backend '%s': must be one of %v", c.StorageBackend, validBackends))
	}

	if c.StorageBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	if c.StorageBackend == "mongo" {
		if c.MongoURI == "" {
			errors = append(errors, "MONGO_URI is required when using mongo backend")
		} else if u, err := url.Parse(c.MongoURI); err != nil || (u.Scheme != "mongodb" && u.Scheme != "mongodb+srv") {
			errors = append(errors, fmt.Sprintf("invalid MongoDB URI '%s': scheme must be 'mongodb' or 'mongodb+srv'", c.MongoURI))
		}
		if c.MongoDatabase == "" {
			errors = append(errors, "MongoDB database name cannot be empty when using mongo backend")
		}
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be debug, info, warn or error", c.LogLevel))
	}

	// Validate pricing
	if c.FreeMonthlyLimit < 0 {
		errors = append(errors, fmt.Sprintf("invalid free monthly limit %d: cannot be negative", c.FreeMonthlyLimit))
	}
	if c.OverageFee.Cents <= 0 {
		errors = append(errors, fmt.Sprintf("invalid overage fee %s: must be positive", c.OverageFee))
	}
	if c.SignupGrant.IsNegative() {
		errors = append(errors, fmt.Sprintf("invalid signup grant %s: cannot be negative", c.SignupGrant))
	}

	if c.LedgerMaxRetries < 1 || c.LedgerMaxRetries > 20 {
		errors = append(errors, fmt.Sprintf("invalid ledger max retries %d: must be between 1 and 20", c.LedgerMaxRetries))
	}

	if c.ReconcileInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid reconcile interval %v: must be at least 1 second", c.ReconcileInterval))
	} else if c.ReconcileInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid reconcile interval %v: must be at most 24 hours", c.ReconcileInterval))
	}
	if c.OrphanThreshold < 30*time.Second {
		errors = append(errors, fmt.Sprintf("invalid orphan threshold %v: must be at least 30 seconds", c.OrphanThreshold))
	}

	if c.IdempotencyTTL < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid idempotency TTL %v: must be at least 1 minute", c.IdempotencyTTL))
	}
	if c.IdempotencyCacheSize < 0 {
		errors = append(errors, fmt.Sprintf("invalid idempotency cache size %d: cannot be negative", c.IdempotencyCacheSize))
	}

	if c.OverdueRefreshInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid overdue refresh interval %v: must be at least 1 minute", c.OverdueRefreshInterval))
	} else if c.OverdueRefreshInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid overdue refresh interval %v: must be at most 24 hours", c.OverdueRefreshInterval))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// readFile decodes a flat TOML table. Keys may be written in lower case
// ("overage_fee") and are matched against the upper-case variable names.
func readFile(path string) (map[string]string, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("invalid config file '%s': %v", path, err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		values[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return values, nil
}

func lookup(key string) (string, bool) {
	if value := os.Getenv(key); value != "" {
		return value, true
	}
	if value, ok := file[key]; ok && value != "" {
		return value, true
	}
	return "", false
}

func getEnv(key, defaultValue string) string {
	if value, ok := lookup(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := lookup(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := lookup(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvMoney parses a decimal amount such as "1.50". A malformed value is
// kept as a validation problem instead of silently falling back.
func (c *Config) getEnvMoney(key string, defaultValue core.Money) core.Money {
	value, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err == nil && !d.Equal(d.Round(2)) {
		// FromDecimal would round "0.005" to a cent.
		err = core.ErrInvalidAmount
	}
	if err == nil {
		var m core.Money
		if m, err = core.FromDecimal(d); err == nil {
			return m
		}
	}
	c.loadErrors = append(c.loadErrors, fmt.Sprintf("invalid %s '%s': must be a decimal amount with at most 2 places", key, value))
	return defaultValue
}
