package model

import "time"

// ValidationResult is the verdict on one batch of records.
type ValidationResult struct {
	IsValid      bool           `json:"isValid"`
	Errors       []string       `json:"errors"`
	Warnings     []string       `json:"warnings"`
	QualityScore float64        `json:"qualityScore"`
	RecordCount  int            `json:"recordCount"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// TaskExecutionResult is the immutable outcome of one task execution.
type TaskExecutionResult struct {
	RunID         string        `json:"runId,omitempty"`
	TaskID        string        `json:"taskId"`
	Success       bool          `json:"success"`
	RecordCount   int           `json:"recordCount"`
	Errors        []string      `json:"errors"`
	Warnings      []string      `json:"warnings"`
	ExecutionTime time.Duration `json:"executionTime"`
	Timestamp     time.Time     `json:"timestamp"`
}

// HealthState classifies a connectivity probe.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is the outcome of a lightweight probe.
type HealthStatus struct {
	Status  HealthState `json:"status"`
	Message string      `json:"message"`
}

// Worse returns the more severe of two health states.
func (h HealthState) Worse(other HealthState) HealthState {
	if rank(other) > rank(h) {
		return other
	}
	return h
}

func rank(h HealthState) int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}
