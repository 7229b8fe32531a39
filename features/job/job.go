package job

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrNotRetryable = errors.New("job is not in a retryable state")
)

// State is the queue-level lifecycle of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateUnknown   State = "unknown"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Stage is the pipeline step an active job is in.
type Stage string

const (
	StageQueued    Stage = "queued"
	StageLoading   Stage = "loading"
	StageSplitting Stage = "splitting"
	StageEmbedding Stage = "embedding"
	StageIndexing  Stage = "indexing"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

type Job struct {
	ID             string     `json:"id"`
	FileName       string     `json:"file_name"`
	Destination    string     `json:"destination"`
	Path           string     `json:"path"`
	State          State      `json:"state"`
	Stage          Stage      `json:"stage"`
	Progress       int        `json:"progress"`
	Error          string     `json:"error,omitempty"`
	Attempts       int        `json:"attempts"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Message is the NSQ body for an ingestion job.
type Message struct {
	JobID         string `json:"job_id"`
	FileName      string `json:"fileName"`
	Destination   string `json:"destination"`
	Path          string `json:"path"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Status is the read-side view served to pollers.
type Status struct {
	ID       string `json:"id"`
	State    State  `json:"state"`
	Stage    Stage  `json:"stage,omitempty"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (j *Job) Status() *Status {
	return &Status{
		ID:       j.ID,
		State:    j.State,
		Stage:    j.Stage,
		Progress: j.Progress,
		Error:    j.Error,
	}
}
