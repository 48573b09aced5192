package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/courier/pkg/observability"
	"github.com/platinummonkey/courier/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Delivery engine configuration
	Delivery DeliveryConfig

	// Event buffering configuration
	Buffer BufferConfig

	// Storage configuration
	Storage storage.Config

	// Retention configuration
	Retention RetentionConfig

	// Provisioning configuration
	Provisioning ProvisioningConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DeliveryConfig holds dispatcher and endpoint validation settings
type DeliveryConfig struct {
	TickInterval          time.Duration
	Concurrency           int
	DefaultTimeout        time.Duration
	MinSecretLength       int
	IdempotencyTTL        time.Duration
	BlockPrivateNetworks  bool
	NotificationQueueSize int
}

// BufferConfig holds the event buffer settings
type BufferConfig struct {
	Enabled       bool
	Capacity      int
	BatchSize     int
	FlushInterval time.Duration
}

// RetentionConfig controls pruning of finished deliveries
type RetentionConfig struct {
	Enabled  bool
	Schedule string // standard cron expression or descriptor
	MaxAge   time.Duration
}

// ProvisioningConfig points at the declarative endpoints file
type ProvisioningConfig struct {
	EndpointsFile string
	Watch         bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string // defaults to the binary version
	OTelEnvironment    string
	OTelSampleRatio    float64
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Delivery:      loadDeliveryConfig(),
		Buffer:        loadBufferConfig(),
		Storage:       loadStorageConfig(),
		Retention:     loadRetentionConfig(),
		Provisioning:  loadProvisioningConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("COURIER_HOST", "0.0.0.0"),
		Port:            getEnv("COURIER_PORT", "8080"),
		ReadTimeout:     getEnvDuration("COURIER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("COURIER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("COURIER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("COURIER_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("COURIER_MAX_BODY_BYTES", 1<<20),
		HealthPort:      getEnv("COURIER_HEALTH_PORT", "9090"),
	}
}

// loadDeliveryConfig loads delivery engine configuration from environment
func loadDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		TickInterval:          getEnvDuration("COURIER_TICK_INTERVAL", time.Second),
		Concurrency:           getEnvInt("COURIER_CONCURRENCY", 10),
		DefaultTimeout:        getEnvDuration("COURIER_DEFAULT_TIMEOUT", 30*time.Second),
		MinSecretLength:       getEnvInt("COURIER_MIN_SECRET_LENGTH", 8),
		IdempotencyTTL:        getEnvDuration("COURIER_IDEMPOTENCY_TTL", 24*time.Hour),
		BlockPrivateNetworks:  getEnvBool("COURIER_BLOCK_PRIVATE_NETWORKS", false),
		NotificationQueueSize: getEnvInt("COURIER_NOTIFICATION_QUEUE_SIZE", 256),
	}
}

// loadBufferConfig loads event buffer configuration from environment
func loadBufferConfig() BufferConfig {
	return BufferConfig{
		Enabled:       getEnvBool("COURIER_BUFFER_ENABLED", true),
		Capacity:      getEnvInt("COURIER_BUFFER_CAPACITY", 1000),
		BatchSize:     getEnvInt("COURIER_BUFFER_BATCH_SIZE", 50),
		FlushInterval: getEnvDuration("COURIER_BUFFER_FLUSH_INTERVAL", 5*time.Second),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	// Storage type
	if storageType := getEnv("COURIER_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = strings.ToLower(storageType)
	}

	// PostgreSQL config
	if pgURL := getEnv("COURIER_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("COURIER_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("COURIER_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("COURIER_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// SQLite config
	if sqlitePath := getEnv("COURIER_SQLITE_PATH", ""); sqlitePath != "" {
		cfg.SQLitePath = sqlitePath
	}

	// Redis notification channel
	if redisURL := getEnv("COURIER_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("COURIER_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("COURIER_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("COURIER_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("COURIER_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}
	if redisChannel := getEnv("COURIER_REDIS_CHANNEL", ""); redisChannel != "" {
		cfg.RedisChannel = redisChannel
	}

	// S3 archive
	if s3Endpoint := getEnv("COURIER_S3_ENDPOINT", ""); s3Endpoint != "" {
		cfg.S3Endpoint = s3Endpoint
	}
	if s3Region := getEnv("COURIER_S3_REGION", ""); s3Region != "" {
		cfg.S3Region = s3Region
	}
	if s3Bucket := getEnv("COURIER_S3_BUCKET", ""); s3Bucket != "" {
		cfg.S3Bucket = s3Bucket
	}
	if s3Prefix := getEnv("COURIER_S3_PREFIX", ""); s3Prefix != "" {
		cfg.S3Prefix = s3Prefix
	}
	if s3AccessKey := getEnv("COURIER_S3_ACCESS_KEY", ""); s3AccessKey != "" {
		cfg.S3AccessKey = s3AccessKey
	}
	if s3SecretKey := getEnv("COURIER_S3_SECRET_KEY", ""); s3SecretKey != "" {
		cfg.S3SecretKey = s3SecretKey
	}
	cfg.S3UsePathStyle = getEnvBool("COURIER_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	return cfg
}

// loadRetentionConfig loads retention configuration from environment
func loadRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Enabled:  getEnvBool("COURIER_RETENTION_ENABLED", true),
		Schedule: getEnv("COURIER_RETENTION_SCHEDULE", "@hourly"),
		MaxAge:   getEnvDuration("COURIER_RETENTION_MAX_AGE", 7*24*time.Hour),
	}
}

// loadProvisioningConfig loads endpoints file configuration from environment
func loadProvisioningConfig() ProvisioningConfig {
	return ProvisioningConfig{
		EndpointsFile: getEnv("COURIER_ENDPOINTS_FILE", ""),
		Watch:         getEnvBool("COURIER_ENDPOINTS_WATCH", true),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	cfg := ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("COURIER_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("COURIER_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("COURIER_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("COURIER_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("COURIER_OTEL_SERVICE_NAME", "courier"),
		OTelServiceVersion: getEnv("COURIER_OTEL_SERVICE_VERSION", ""),
		OTelEnvironment:    getEnv("COURIER_ENVIRONMENT", "development"),
		OTelSampleRatio:    getEnvFloat("COURIER_OTEL_SAMPLE_RATIO", 1.0),
		OTelInsecure:       getEnvBool("COURIER_OTEL_INSECURE", true),
	}

	return cfg
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate delivery config
	if c.Delivery.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.Delivery.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.Delivery.DefaultTimeout <= 0 {
		return fmt.Errorf("default delivery timeout must be positive")
	}
	if c.Delivery.MinSecretLength < 1 {
		return fmt.Errorf("minimum secret length must be at least 1")
	}
	if c.Delivery.IdempotencyTTL <= 0 {
		return fmt.Errorf("idempotency TTL must be positive")
	}

	// Validate buffer config
	if c.Buffer.Enabled {
		if c.Buffer.Capacity < 1 {
			return fmt.Errorf("buffer capacity must be at least 1")
		}
		if c.Buffer.BatchSize < 1 || c.Buffer.BatchSize > c.Buffer.Capacity {
			return fmt.Errorf("buffer batch size must be between 1 and %d", c.Buffer.Capacity)
		}
		if c.Buffer.FlushInterval <= 0 {
			return fmt.Errorf("buffer flush interval must be positive")
		}
	}

	// Validate storage config
	if err := c.Storage.Validate(); err != nil {
		return err
	}

	// Validate retention config
	if c.Retention.Enabled {
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			return fmt.Errorf("invalid retention schedule %q: %w", c.Retention.Schedule, err)
		}
		if c.Retention.MaxAge <= 0 {
			return fmt.Errorf("retention max age must be positive")
		}
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

// Addr returns the API listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// HealthAddr returns the health/metrics listen address
func (s ServerConfig) HealthAddr() string {
	return s.Host + ":" + s.HealthPort
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
