// Package config loads the courier service configuration from environment
// variables.
//
// Every setting has a default; LoadConfig validates the result and fails
// fast on inconsistent values.
//
// Server settings:
//
//	COURIER_HOST="0.0.0.0"
//	COURIER_PORT="8080"
//	COURIER_HEALTH_PORT="9090"
//	COURIER_READ_TIMEOUT="15s"
//	COURIER_WRITE_TIMEOUT="15s"
//	COURIER_MAX_BODY_BYTES="1048576"
//
// Delivery settings:
//
//	COURIER_TICK_INTERVAL="1s"
//	COURIER_CONCURRENCY="10"
//	COURIER_DEFAULT_TIMEOUT="30s"
//	COURIER_MIN_SECRET_LENGTH="8"
//	COURIER_IDEMPOTENCY_TTL="24h"
//	COURIER_BLOCK_PRIVATE_NETWORKS="false"
//
// Event buffer settings:
//
//	COURIER_BUFFER_ENABLED="true"
//	COURIER_BUFFER_CAPACITY="1000"
//	COURIER_BUFFER_BATCH_SIZE="50"
//	COURIER_BUFFER_FLUSH_INTERVAL="5s"
//
// Storage settings:
//
//	COURIER_STORAGE_TYPE="postgres"  # memory, postgres, sqlite
//	COURIER_POSTGRES_URL="postgres://localhost/courier"
//	COURIER_SQLITE_PATH="/var/lib/courier/courier.db"
//	COURIER_REDIS_URL="redis://localhost:6379"
//	COURIER_REDIS_CHANNEL="courier:notifications"
//	COURIER_S3_BUCKET="courier-dead-letters"
//
// Retention and provisioning:
//
//	COURIER_RETENTION_SCHEDULE="@hourly"
//	COURIER_RETENTION_MAX_AGE="168h"
//	COURIER_ENDPOINTS_FILE="/etc/courier/endpoints.yaml"
//
// Observability settings:
//
//	COURIER_LOG_LEVEL="info"  # debug, info, warn, error
//	COURIER_METRICS_ENABLED="true"
//	COURIER_OTEL_ENABLED="true"
//	COURIER_OTEL_ENDPOINT="otel-collector:4317"
package config
