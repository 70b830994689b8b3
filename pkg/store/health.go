package store

import (
	"context"
	"time"
)

// HealthStatus reports database health and connection pool statistics.
type HealthStatus struct {
	Status          string    `json:"status"`
	ResponseTime    int64     `json:"response_time_ms"`
	PoolName        string    `json:"pool_name"`
	PoolSize        int       `json:"pool_size"`
	Timestamp       time.Time `json:"ts"`
	OpenConnections int       `json:"open_connections"`
	InUse           int       `json:"in_use"`
	Idle            int       `json:"idle"`
	WaitCount       int64     `json:"wait_count"`
	WaitDuration    int64     `json:"wait_duration_ms"`
}

// Health probes connectivity and returns pool statistics. A failed probe
// yields status "unhealthy" alongside the error.
func (g *Gateway) Health(ctx context.Context) (*HealthStatus, error) {
	rtt, err := g.Probe(ctx)
	status := &HealthStatus{
		Status:       "healthy",
		ResponseTime: rtt.Milliseconds(),
		PoolName:     g.cfg.PoolName,
		PoolSize:     g.cfg.PoolSize,
		Timestamp:    time.Now(),
	}
	if err != nil {
		status.Status = "unhealthy"
		return status, err
	}

	stats := g.db.Stats()
	status.OpenConnections = stats.OpenConnections
	status.InUse = stats.InUse
	status.Idle = stats.Idle
	status.WaitCount = stats.WaitCount
	status.WaitDuration = stats.WaitDuration.Milliseconds()
	return status, nil
}
