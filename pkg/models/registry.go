package models

import (
	"time"
)

// HealthStatus is the registry's view of a processing stage.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// SLATargets are the declared performance targets for a stage.
type SLATargets struct {
	MaxLatencyMs      float64 `json:"latency_ms"`
	ThroughputPerHour float64 `json:"throughput_per_hour"`
	MaxErrorRate      float64 `json:"max_error_rate"`
}

// HeartbeatMetrics is the self-reported sample a stage sends with each heartbeat.
type HeartbeatMetrics struct {
	ObservedLatencyMs float64 `json:"observed_latency_ms"`
	ProcessedLastHour float64 `json:"processed_last_hour"`
	ErrorRate         float64 `json:"error_rate"`
	QueueDepth        int     `json:"queue_depth"`
}

// AgentRegistryEntry is the directory record for one processing stage.
// Mutated only by the orchestrator and by the stage's own heartbeats.
type AgentRegistryEntry struct {
	StageName     string           `json:"stage_name"`
	Capabilities  []string         `json:"capabilities"`
	SLATargets    SLATargets       `json:"sla_targets"`
	Health        HealthStatus     `json:"health"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	LastMetrics   HeartbeatMetrics `json:"last_metrics"`
	// BreachStreak counts consecutive heartbeats outside SLA targets; health
	// degrades only after a sustained streak.
	BreachStreak int `json:"breach_streak"`
	Version      int `json:"version"`
}

// HasCapability reports whether the stage declares the given capability.
func (e *AgentRegistryEntry) HasCapability(cap string) bool {
	for _, c := range e.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}
