package modelkit

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// Config holds database configuration
type Config struct {
	// Connection
	URL string // PostgreSQL connection string (required by New)

	// Pool settings
	MaxOpenConns    int           // Max open connections (default: 25)
	MaxIdleConns    int           // Max idle connections (default: 5)
	ConnMaxLifetime time.Duration // Max connection lifetime (default: 5m)
	ConnMaxIdleTime time.Duration // Max idle time (default: 1m)

	// Timeouts
	DialTimeout  time.Duration // Connection dial timeout (default: 5s)
	ReadTimeout  time.Duration // Read timeout (default: 30s)
	WriteTimeout time.Duration // Write timeout (default: 30s)

	// Observability (all optional)
	Logger          *slog.Logger          // Structured logger
	LogQueries      bool                  // Log all queries
	LogSlowQueries  time.Duration         // Log queries slower than this (0 = disabled)
	MetricsRegistry prometheus.Registerer // Prometheus registry for metrics
	Tracer          trace.Tracer          // OpenTelemetry tracer

	// Models
	Registry RegistryConfig
}

// DefaultConfig returns sensible defaults
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		Registry:        DefaultRegistryConfig(),
	}
}

// applyDefaults fills in zero values with defaults
func (c *Config) applyDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 1 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}

	// The registry shares the connection's observability unless configured apart
	if c.Registry.Logger == nil {
		c.Registry.Logger = c.Logger
	}
	if c.Registry.MetricsRegistry == nil {
		c.Registry.MetricsRegistry = c.MetricsRegistry
	}
	if c.Registry.Tracer == nil {
		c.Registry.Tracer = c.Tracer
	}
	c.Registry.applyDefaults()
}

// WithLogger enables query logging
func (c Config) WithLogger(logger *slog.Logger) Config {
	c.Logger = logger
	c.LogQueries = true
	return c
}

// WithSlowQueryLog logs queries slower than the threshold
func (c Config) WithSlowQueryLog(threshold time.Duration) Config {
	c.LogSlowQueries = threshold
	return c
}

// WithMetrics enables Prometheus metrics
func (c Config) WithMetrics(registry prometheus.Registerer) Config {
	c.MetricsRegistry = registry
	return c
}

// WithTracing enables OpenTelemetry tracing
func (c Config) WithTracing(tracer trace.Tracer) Config {
	c.Tracer = tracer
	return c
}

// WithRegistry replaces the model registry configuration
func (c Config) WithRegistry(rc RegistryConfig) Config {
	c.Registry = rc
	return c
}

// RegistryConfig configures a model Registry
type RegistryConfig struct {
	DefaultPrimaryKey     string     // Name of the contributed pk column (default: "id")
	DefaultPrimaryKeyType ColumnType // Type of the contributed pk column (default: integer)
	EnableLazyMapping     bool       // Defer lazy_mapped models until FinalizeMappings

	Factory *Factory // Meta option factory (default: DefaultFactory())
	Mapper  Mapper   // Mapper receiving finalized models (default: NopMapper)

	Logger          *slog.Logger
	MetricsRegistry prometheus.Registerer
	Tracer          trace.Tracer
}

// DefaultRegistryConfig returns the registry defaults
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		DefaultPrimaryKey:     "id",
		DefaultPrimaryKeyType: TypeInteger,
	}
}

func (c *RegistryConfig) applyDefaults() {
	if c.DefaultPrimaryKey == "" {
		c.DefaultPrimaryKey = "id"
	}
	if c.DefaultPrimaryKeyType == "" {
		c.DefaultPrimaryKeyType = TypeInteger
	}
	if c.Factory == nil {
		c.Factory = DefaultFactory()
	}
	if c.Mapper == nil {
		c.Mapper = NopMapper{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// WithPrimaryKey sets the default primary key name and type
func (c RegistryConfig) WithPrimaryKey(name string, typ ColumnType) RegistryConfig {
	c.DefaultPrimaryKey = name
	c.DefaultPrimaryKeyType = typ
	return c
}

// WithLazyMapping enables deferred mapping of lazy_mapped models
func (c RegistryConfig) WithLazyMapping() RegistryConfig {
	c.EnableLazyMapping = true
	return c
}

// WithFactory sets the Meta option factory
func (c RegistryConfig) WithFactory(f *Factory) RegistryConfig {
	c.Factory = f
	return c
}

// WithMapper sets the mapper that receives finalized models
func (c RegistryConfig) WithMapper(m Mapper) RegistryConfig {
	c.Mapper = m
	return c
}

// WithLogger sets the registry logger
func (c RegistryConfig) WithLogger(logger *slog.Logger) RegistryConfig {
	c.Logger = logger
	return c
}

// WithMetrics enables registry metrics
func (c RegistryConfig) WithMetrics(registry prometheus.Registerer) RegistryConfig {
	c.MetricsRegistry = registry
	return c
}

// WithTracing enables the finalize span
func (c RegistryConfig) WithTracing(tracer trace.Tracer) RegistryConfig {
	c.Tracer = tracer
	return c
}
