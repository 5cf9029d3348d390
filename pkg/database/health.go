package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus describes database connectivity for health endpoints.
type HealthStatus struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	OpenConns int           `json:"open_conns"`
}

// Health pings the database and reports pool statistics.
func Health(ctx context.Context, db *sql.DB) (HealthStatus, error) {
	start := time.Now()
	err := db.PingContext(ctx)
	status := HealthStatus{
		Reachable: err == nil,
		Latency:   time.Since(start),
		OpenConns: db.Stats().OpenConnections,
	}
	return status, err
}
