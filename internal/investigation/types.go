// Package investigation runs one-shot anomaly-detection scans: it binds a
// rule evaluator to a data source, drives the scan to completion, and keeps
// the durable execution record consistent with the findings it persists.
package investigation

import (
	"encoding/json"
	"time"
)

// Definition is a logical, user-visible scan configuration. It is created
// by an external admin operation; the coordinator only reads it and bumps
// LastRunAt after a successful scan.
type Definition struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"` // selects the evaluator/data source pair
	Name      string     `json:"name,omitempty"`
	Active    bool       `json:"active"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// Execution is the durable record of one scan invocation. ResultCount is
// only ever mutated through the store's atomic increment; the struct field
// is a read-back snapshot, never a write-through cache.
type Execution struct {
	ID           string     `json:"id"`
	DefinitionID string     `json:"definition_id"`
	Status       Status     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ResultCount  int64      `json:"result_count"`
	Error        string     `json:"error,omitempty"`
}

// Status represents the current state of an execution
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. An execution reaches a
// terminal status exactly once and is never mutated afterwards.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Severity of a finding
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is one anomaly detected during a scan. Immutable once persisted.
// Details is an opaque blob whose schema belongs to the rule evaluator.
type Finding struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Severity    Severity        `json:"severity"`
	Message     string          `json:"message"`
	Details     json.RawMessage `json:"details,omitempty"`
}
