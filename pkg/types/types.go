package types

import (
	"time"
)

// Task is the unit of scheduling: one handler invocation with a kind,
// an opaque payload, and a status tracked by the queue store.
type Task struct {
	ID                int64
	PipelineID        string // empty for standalone tasks
	Kind              string
	SubjectRef        string
	Priority          int
	Status            TaskStatus
	Retries           int
	MaxRetries        int
	NextEarliestStart time.Time
	LeasedBy          string // empty unless processing
	LeaseExpiresAt    time.Time
	LeaseEpoch        int64
	Payload           []byte
	Result            []byte
	Error             string
	Weight            int
	CreatedAt         time.Time
	StartedAt         time.Time
	FinishedAt        time.Time
}

// TaskStatus represents the state of a task
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status is permanent for the task id.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task kinds of the production deck-analysis pipeline. The scheduler treats
// kinds as opaque strings; these constants exist so templates, workers, and
// tests agree on spelling.
const (
	KindVisualAnalysis         = "visual_analysis"
	KindSlideFeedback          = "slide_feedback"
	KindExtractionsAndTemplate = "extractions_and_template"
	KindSpecializedClinical    = "specialized_clinical"
	KindSpecializedRegulatory  = "specialized_regulatory"
	KindSpecializedScience     = "specialized_science"
)

// FailureClass classifies a handler failure for retry purposes
type FailureClass string

const (
	// FailureTransient schedules a retry with backoff, up to MaxRetries.
	FailureTransient FailureClass = "transient"
	// FailurePermanent goes straight to failed; downstream tasks cascade.
	FailurePermanent FailureClass = "permanent"
)

// Worker represents a registered executor process
type Worker struct {
	ID              string
	Capabilities    []string
	MaxConcurrent   int
	Status          WorkerStatus
	LastHeartbeatAt time.Time
	StartedAt       time.Time
}

// WorkerStatus represents the lifecycle state of a worker
type WorkerStatus string

const (
	WorkerStatusActive   WorkerStatus = "active"
	WorkerStatusDraining WorkerStatus = "draining"
	WorkerStatusDead     WorkerStatus = "dead"
)

// Progress is the advisory per-task progress record. It is informational
// only; the scheduler never uses it for control decisions.
type Progress struct {
	TaskID    int64
	Percent   int
	Step      string
	UpdatedAt time.Time
}

// PipelineProgress is the aggregated view of one pipeline
type PipelineProgress struct {
	PipelineID string
	Percent    int
	Terminal   bool
	Failed     bool // at least one member task failed or was cancelled
	Tasks      []TaskProgress
}

// TaskProgress is the per-task line of a pipeline progress view
type TaskProgress struct {
	ID      int64
	Kind    string
	Status  TaskStatus
	Percent int
	Weight  int
}

// QueueStats summarizes queue depth for the control surface
type QueueStats struct {
	ByStatus         map[TaskStatus]int
	ByKindQueued     map[string]int
	OldestQueuedAge  time.Duration
	InFlightByWorker map[string]int
}
