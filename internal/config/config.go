package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func init() {
	// Existing environment variables win over .env entries.
	_ = godotenv.Load(".env")
}

const (
	defaultPort             = "4300"
	defaultEnvironment      = "development"
	defaultRedisChannel     = "calpush:events"
	defaultPingInterval     = 5 * time.Second
	defaultPongWait         = 60 * time.Second
	defaultSendBuffer       = 256
	defaultMaxMessageBytes  = 64 * 1024
	defaultRegistryShards   = 64
	defaultAuthzConcurrency = 8

	defaultImportPollEnabled   = true
	defaultImportPollInterval  = 5 * time.Second
	defaultImportPollBatchSize = 50

	defaultMigrationsDir = "migrations"
)

type RedisConfig struct {
	URL     string
	Channel string
}

type WebSocketConfig struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string
}

type RegistryConfig struct {
	Shards           int
	AuthzConcurrency int
}

type ImportPollConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

type Config struct {
	Port                  string
	DatabaseURL           string
	Environment           string
	Redis                 RedisConfig
	WebSocket             WebSocketConfig
	Registry              RegistryConfig
	InternalWebhookSecret string
	ImportPoll            ImportPollConfig
	AutoMigrate           bool
	MigrationsDir         string
}

func Load() (Config, error) {
	cfg := Config{
		Port:        firstNonEmpty(strings.TrimSpace(os.Getenv("PORT")), defaultPort),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Environment: resolveEnvironment(),
		Redis: RedisConfig{
			URL:     strings.TrimSpace(os.Getenv("REDIS_URL")),
			Channel: firstNonEmpty(strings.TrimSpace(os.Getenv("REDIS_CHANNEL")), defaultRedisChannel),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: splitList(os.Getenv("WS_ALLOWED_ORIGINS")),
		},
		InternalWebhookSecret: strings.TrimSpace(os.Getenv("INTERNAL_WEBHOOK_SECRET")),
		MigrationsDir:         firstNonEmpty(strings.TrimSpace(os.Getenv("MIGRATIONS_DIR")), defaultMigrationsDir),
	}

	pingInterval, err := parseDuration("WS_PING_INTERVAL", defaultPingInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.WebSocket.PingInterval = pingInterval

	pongWait, err := parseDuration("WS_PONG_WAIT", defaultPongWait)
	if err != nil {
		return Config{}, err
	}
	cfg.WebSocket.PongWait = pongWait

	sendBuffer, err := parseInt("WS_SEND_BUFFER", defaultSendBuffer)
	if err != nil {
		return Config{}, err
	}
	cfg.WebSocket.SendBuffer = sendBuffer

	maxMessageBytes, err := parseInt("WS_MAX_MESSAGE_BYTES", defaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.WebSocket.MaxMessageBytes = int64(maxMessageBytes)

	shards, err := parseInt("REGISTRY_SHARDS", defaultRegistryShards)
	if err != nil {
		return Config{}, err
	}
	cfg.Registry.Shards = shards

	authzConcurrency, err := parseInt("AUTHZ_CONCURRENCY", defaultAuthzConcurrency)
	if err != nil {
		return Config{}, err
	}
	cfg.Registry.AuthzConcurrency = authzConcurrency

	importPollEnabled, err := parseBool("IMPORT_POLL_ENABLED", defaultImportPollEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.ImportPoll.Enabled = importPollEnabled

	importPollInterval, err := parseDuration("IMPORT_POLL_INTERVAL", defaultImportPollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ImportPoll.Interval = importPollInterval

	importPollBatchSize, err := parseInt("IMPORT_POLL_BATCH_SIZE", defaultImportPollBatchSize)
	if err != nil {
		return Config{}, err
	}
	cfg.ImportPoll.BatchSize = importPollBatchSize

	autoMigrate, err := parseBool("AUTO_MIGRATE", false)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoMigrate = autoMigrate

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WS_PING_INTERVAL must be greater than zero")
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return fmt.Errorf("WS_PONG_WAIT must be greater than WS_PING_INTERVAL")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be greater than zero")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return fmt.Errorf("WS_MAX_MESSAGE_BYTES must be greater than zero")
	}
	if c.Registry.Shards <= 0 {
		return fmt.Errorf("REGISTRY_SHARDS must be greater than zero")
	}
	if c.Registry.AuthzConcurrency <= 0 {
		return fmt.Errorf("AUTHZ_CONCURRENCY must be greater than zero")
	}

	if c.ImportPoll.Enabled && c.DatabaseURL != "" {
		if c.ImportPoll.Interval <= 0 {
			return fmt.Errorf("IMPORT_POLL_INTERVAL must be greater than zero")
		}
		if c.ImportPoll.BatchSize <= 0 {
			return fmt.Errorf("IMPORT_POLL_BATCH_SIZE must be greater than zero")
		}
	}

	if c.AutoMigrate && c.DatabaseURL == "" {
		return fmt.Errorf("AUTO_MIGRATE requires DATABASE_URL")
	}

	if !isNonDevelopment(c.Environment) {
		return nil
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in non-development environments")
	}
	if c.InternalWebhookSecret == "" {
		return fmt.Errorf("INTERNAL_WEBHOOK_SECRET is required in non-development environments")
	}

	return nil
}

func resolveEnvironment() string {
	return strings.ToLower(firstNonEmpty(
		strings.TrimSpace(os.Getenv("APP_ENV")),
		strings.TrimSpace(os.Getenv("ENVIRONMENT")),
		strings.TrimSpace(os.Getenv("GO_ENV")),
		defaultEnvironment,
	))
}

func isNonDevelopment(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "dev", "development", "local", "test":
		return false
	default:
		return true
	}
}

func parseBool(name string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s must be a boolean value", name)
	}
}

func parseDuration(name string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", name, err)
	}

	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero", name)
	}

	return parsed, nil
}

func parseInt(name string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", name, err)
	}
	return parsed, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
