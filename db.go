package modelkit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/fernandezvara/modelkit/hooks"
)

// DB wraps bun.DB with a model registry mapped onto it
type DB struct {
	*bun.DB
	config   Config
	registry *Registry
	mapper   *BunMapper
}

// New creates a new database connection with the given configuration
func New(cfg Config) (*DB, error) {
	if cfg.URL == "" {
		return nil, &Error{
			Code:    CodeConnectionFailed,
			Message: "database URL is required",
			Op:      "New",
		}
	}
	cfg.applyDefaults()

	// Create pgdriver connector with timeouts
	connector := pgdriver.NewConnector(
		pgdriver.WithDSN(cfg.URL),
		pgdriver.WithDialTimeout(cfg.DialTimeout),
		pgdriver.WithReadTimeout(cfg.ReadTimeout),
		pgdriver.WithWriteTimeout(cfg.WriteTimeout),
	)

	sqlDB := sql.OpenDB(connector)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	db, err := Wrap(bun.NewDB(sqlDB, pgdialect.New()), cfg)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, &Error{
			Code:    CodeConnectionFailed,
			Message: "failed to connect to database",
			Op:      "New",
			Cause:   err,
		}
	}

	return db, nil
}

// Wrap adds the configured hooks and a model registry to an open bun.DB.
// Unless cfg.Registry names a mapper, models are mapped with a BunMapper on
// bunDB.
func Wrap(bunDB *bun.DB, cfg Config) (*DB, error) {
	mapper := NewBunMapper(bunDB)
	if cfg.Registry.Mapper == nil {
		cfg.Registry.Mapper = mapper
	}
	cfg.applyDefaults()

	// Add observability hooks
	if cfg.Logger != nil && (cfg.LogQueries || cfg.LogSlowQueries > 0) {
		bunDB.AddQueryHook(hooks.NewLoggerHook(cfg.Logger, cfg.LogQueries, cfg.LogSlowQueries))
	}
	if cfg.MetricsRegistry != nil {
		hook, err := hooks.NewMetricsHook(cfg.MetricsRegistry)
		if err != nil {
			return nil, fmt.Errorf("modelkit: failed to create metrics hook: %w", err)
		}
		bunDB.AddQueryHook(hook)
	}
	if cfg.Tracer != nil {
		bunDB.AddQueryHook(hooks.NewTracingHook(cfg.Tracer))
	}

	registry, err := NewRegistry(cfg.Registry)
	if err != nil {
		return nil, err
	}

	return &DB{
		DB:       bunDB,
		config:   cfg,
		registry: registry,
		mapper:   mapper,
	}, nil
}

// Registry returns the model registry
func (db *DB) Registry() *Registry {
	return db.registry
}

// Mapper returns the mapper registering models with this database. It only
// sees models when the registry was not configured with another mapper.
func (db *DB) Mapper() *BunMapper {
	return db.mapper
}

// Manager returns a manager for the registered model name
//
// Usage:
//
//	users, err := db.Manager("User")
//	u, err := users.Create(ctx, map[string]any{"email": "a@example.com"})
func (db *DB) Manager(name string, opts ...ManagerOption) (*Manager, error) {
	m, ok := db.registry.Model(name)
	if !ok {
		return nil, &Error{
			Code:    CodeNotFound,
			Message: fmt.Sprintf("model %s is not registered", name),
			Op:      "Manager",
			Model:   name,
			Cause:   ErrNotFound,
		}
	}
	return NewManager(db.DB, m, opts...)
}

// CreateTables creates the tables of every model mapped so far
func (db *DB) CreateTables(ctx context.Context) error {
	return db.mapper.CreateTables(ctx, db.DB)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// Ping verifies the database connection is alive
func (db *DB) Ping(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return wrapError(err, "Ping")
	}
	return nil
}

// Stats returns connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// Bun returns the underlying bun.DB for direct access
func (db *DB) Bun() *bun.DB {
	return db.DB
}

// Config returns the current configuration
func (db *DB) Config() Config {
	return db.config
}
