package storage

import (
	"time"
)

// Execution is a persisted task run.
type Execution struct {
	RunID         string
	TaskID        string
	Success       bool
	RecordCount   int
	Errors        []string
	Warnings      []string
	ExecutionTime time.Duration
	ExecutedAt    time.Time
	CreatedAt     time.Time
}

// EvidenceRecord is one evidence item tied to a run. Screenshot bytes are kept
// so an audit can replay exactly what was seen.
type EvidenceRecord struct {
	ID         int64
	RunID      string
	Source     string
	URL        string
	Kind       string
	Hash       string
	Success    bool
	Error      *string
	Screenshot []byte
	Data       *string
	CapturedAt time.Time
}
