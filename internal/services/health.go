package services

import (
	"context"
	"time"

	"github.com/agentx/raven-backend/internal/llm"
)

// Pinger is satisfied by *sqlx.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthStatus represents the health of one dependency
type HealthStatus struct {
	Healthy      bool   `json:"healthy"`
	LastError    string `json:"last_error,omitempty"`
	ResponseTime int64  `json:"response_time_ms"`
	State        string `json:"state,omitempty"`
}

// HealthReport is the overall health. Only the database is required; a
// tripped token counter degrades counts to estimates.
type HealthReport struct {
	Healthy    bool                    `json:"healthy"`
	Components map[string]HealthStatus `json:"components"`
}

// HealthMonitor checks the backend's dependencies
type HealthMonitor struct {
	db      Pinger
	breaker *llm.CircuitBreaker
	timeout time.Duration
}

// NewHealthMonitor creates a new health monitor. breaker may be nil.
func NewHealthMonitor(db Pinger, breaker *llm.CircuitBreaker) *HealthMonitor {
	return &HealthMonitor{db: db, breaker: breaker, timeout: 3 * time.Second}
}

// Check pings the database and reports the token counter breaker state
func (m *HealthMonitor) Check(ctx context.Context) HealthReport {
	report := HealthReport{Healthy: true, Components: make(map[string]HealthStatus)}

	if m.db != nil {
		ctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()

		start := time.Now()
		err := m.db.PingContext(ctx)
		status := HealthStatus{Healthy: err == nil, ResponseTime: time.Since(start).Milliseconds()}
		if err != nil {
			status.LastError = err.Error()
			report.Healthy = false
		}
		report.Components["database"] = status
	}

	if m.breaker != nil {
		state := m.breaker.GetState(tokenCounterBreaker)
		report.Components["token_counter"] = HealthStatus{
			Healthy: state != llm.StateOpen,
			State:   state.String(),
		}
	}

	return report
}
