package jobs

import (
	"encoding/json"
	"time"
)

// State is the engine-visible lifecycle state of a job.
type State string

// Job states.
const (
	StatePending State = "Pending"
	StateRunning State = "Running"
	StateSuccess State = "Success"
	StateFailure State = "Failure"
	StatePaused  State = "Paused"
	StateRetry   State = "Retry"
)

// StepStatus is the outcome of one Step call.
type StepStatus int

// Step outcomes.
const (
	StepContinue StepStatus = iota
	StepSuccess
	StepFailure
)

// StepResult carries the outcome of one step plus failure details.
type StepResult struct {
	Status  StepStatus
	Err     error
	Details string
}

// StopReason tells a job why its resources are being released.
type StopReason string

// Stop reasons.
const (
	StopPaused   StopReason = "Paused"
	StopCanceled StopReason = "Canceled"
	StopFailure  StopReason = "Failure"
	StopSuccess  StopReason = "Success"
	StopRetry    StopReason = "Retry"
)

// Job is the contract every concrete job implements. Steps of one job are
// invoked strictly sequentially; blocking IO inside Step is expected.
type Job interface {
	// Start is invoked once on entry to Running.
	Start() error
	// Step performs one unit of work.
	Step(jobID string) StepResult
	// Reset clears transient state so a failed job can re-run from scratch.
	Reset()
	// Stop releases IO resources held by the job.
	Stop(reason StopReason)
	// Progress reports completion in [0, 1].
	Progress() float64
	// JobType is the stable identifier keyed by the unserializer registry.
	JobType() string
	// PublicContent exposes the caller-visible fields.
	PublicContent() map[string]any
	// Serialize dumps enough state to resume across a restart. The second
	// return value is false for jobs that cannot be persisted.
	Serialize() (json.RawMessage, bool)
}

// OutputProvider is implemented by jobs that expose retrievable results
// after Success.
type OutputProvider interface {
	Output(key string) (data []byte, mime string, ok bool)
}

// Unserializer rebuilds one job of a given type from its serialized
// payload.
type Unserializer func(payload json.RawMessage) (Job, error)

// Info is a point-in-time snapshot of one job as seen by callers.
type Info struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	State        State          `json:"state"`
	Priority     int            `json:"priority"`
	Progress     float64        `json:"progress"`
	ErrorDetails string         `json:"errorDetails,omitempty"`
	Content      map[string]any `json:"content,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}
