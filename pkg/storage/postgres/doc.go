// Package postgres implements the persistent backends of the courier
// service: a SQL write-through store for PostgreSQL and SQLite, a Redis
// pub/sub notification publisher and an S3 archive of failed deliveries.
//
// The SQL Store satisfies webhooks.Persister:
//
//	conn, err := postgres.ConnectionConfigFrom(cfg)
//	db, err := postgres.Open(ctx, conn)
//	store := postgres.NewStore(db, conn.Dialect)
//	if err := store.Migrate(ctx); err != nil {
//		return err
//	}
//	manager := webhooks.NewManager(webhooks.Options{Persister: store})
//
// Queries are written with PostgreSQL placeholders and rebound for SQLite.
//
// NotificationPublisher and Archive are webhooks.Observer implementations
// and are attached with Manager.Subscribe.
package postgres
