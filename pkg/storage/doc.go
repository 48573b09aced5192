// Package storage configures the persistence backends of the courier
// service.
//
// # Backends
//
// The in-memory registry and delivery store are always authoritative. A
// persistent backend receives write-through copies of every change and is
// read back once on startup:
//
//   - memory: nothing is persisted; state is lost on restart
//   - postgres: PostgreSQL via lib/pq, for production deployments
//   - sqlite: a local SQLite file via go-sqlite3, for single-node and
//     development setups
//
// The SQL implementation lives in the postgres subpackage alongside the two
// optional notification sinks: a Redis pub/sub publisher for lifecycle
// notifications and an S3 archive for deliveries that exhausted their
// retries.
//
// # Configuration
//
//	cfg := storage.DefaultConfig()
//	cfg.Type = storage.TypePostgres
//	cfg.PostgresURL = "postgres://courier@localhost/courier?sslmode=disable"
//	cfg.RedisURL = "redis://localhost:6379/0"
//	cfg.S3Bucket = "courier-dead-letters"
//
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// Leaving RedisURL or S3Bucket empty disables the corresponding sink.
package storage
