package modelkit

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// HealthStatus reports whether the database answers and whether every
// registered model has been mapped
type HealthStatus struct {
	Healthy bool          `json:"healthy" yaml:"healthy"`
	Latency time.Duration `json:"latency" yaml:"latency"`
	Error   string        `json:"error,omitempty" yaml:"error,omitempty"`
	Pool    PoolStats     `json:"pool" yaml:"pool"`
	Models  RegistryStats `json:"models" yaml:"models"`
	Pending []string      `json:"pending,omitempty" yaml:"pending,omitempty"`
}

// PoolStats is the subset of sql.DBStats worth watching
type PoolStats struct {
	MaxOpen      int           `json:"max_open" yaml:"max_open"`
	Open         int           `json:"open" yaml:"open"`
	InUse        int           `json:"in_use" yaml:"in_use"`
	Idle         int           `json:"idle" yaml:"idle"`
	WaitCount    int64         `json:"wait_count" yaml:"wait_count"`
	WaitDuration time.Duration `json:"wait_duration" yaml:"wait_duration"`
}

// Health pings the database and inspects the registry. Models still pending
// finalization make the status unhealthy even when the ping succeeds.
func (db *DB) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	err := db.Ping(ctx)

	status := HealthStatus{
		Latency: time.Since(start),
		Pool:    PoolStatsFromSQL(db.Stats()),
		Models:  db.registry.Stats(),
		Pending: db.registry.Pending(),
	}
	switch {
	case err != nil:
		status.Error = err.Error()
	case len(status.Pending) > 0:
		status.Error = "models pending finalization: " + strings.Join(status.Pending, ", ")
	default:
		status.Healthy = true
	}
	return status
}

// IsHealthy returns true if the database is reachable
func (db *DB) IsHealthy(ctx context.Context) bool {
	return db.Ping(ctx) == nil
}

func PoolStatsFromSQL(stats sql.DBStats) PoolStats {
	return PoolStats{
		MaxOpen:      stats.MaxOpenConnections,
		Open:         stats.OpenConnections,
		InUse:        stats.InUse,
		Idle:         stats.Idle,
		WaitCount:    stats.WaitCount,
		WaitDuration: stats.WaitDuration,
	}
}
