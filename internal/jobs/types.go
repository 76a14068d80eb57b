package jobs

import (
	"context"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeAnalyzeBatch runs the full statement batch of one session.
	JobTypeAnalyzeBatch JobType = "analyze_batch"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// AnalysisJob asks a worker to process every document of a session and
// analyse the user's ledger.
type AnalysisJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	// SessionID is the session the batch belongs to. The session has already
	// been charged and moved to in_progress when the job is published.
	SessionID string `json:"session_id"`

	// UserID owns the session.
	UserID string `json:"user_id"`

	// DocumentKeys are the object locations of the statements.
	DocumentKeys []string `json:"document_keys"`

	// TokensEstimate is the amount charged when the session began.
	TokensEstimate int64 `json:"tokens_estimate"`

	// Lifecycle, maintained by the queue.
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`

	// MaxRetries is zero for analysis jobs. A failed session is terminal, so
	// recovery is a new submission.
	MaxRetries int `json:"max_retries"`
}

// Job is a generic interface for all job types.
type Job interface {
	// GetID returns the unique job identifier.
	GetID() string

	// GetType returns the job type.
	GetType() JobType

	// GetStatus returns the current job status.
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *AnalysisJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *AnalysisJob) GetType() JobType {
	return JobTypeAnalyzeBatch
}

// GetStatus implements the Job interface.
func (j *AnalysisJob) GetStatus() JobStatus {
	return j.Status
}

// Result reports the outcome of one job run.
type Result struct {
	JobID     string
	SessionID string
	Status    JobStatus
	Err       error
}

// Publisher defines the interface for publishing jobs to a queue.
type Publisher interface {
	// PublishAnalysis publishes a batch analysis job.
	PublishAnalysis(ctx context.Context, job *AnalysisJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler is a function that processes a job.
// It should return an error if the job failed.
type JobHandler func(ctx context.Context, job Job) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *AnalysisJob) error

	// ListJobs retrieves jobs with optional filtering.
	ListJobs(ctx context.Context, filter JobFilter) ([]*AnalysisJob, error)
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	// SessionID filters jobs by session.
	SessionID string

	// Status filters jobs by status.
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
