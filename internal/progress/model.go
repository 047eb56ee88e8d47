package progress

import "time"

// Step statuses.
const (
	StepPending    = "pending"
	StepInProgress = "in_progress"
	StepCompleted  = "completed"
	StepFailed     = "failed"
	StepSkipped    = "skipped"
)

// Operation statuses.
const (
	OpInProgress = "in_progress"
	OpCompleted  = "completed"
	OpFailed     = "failed"
	OpCancelled  = "cancelled"
)

// StepSpec declares a unit of work and its relative weight.
type StepSpec struct {
	ID     string
	Name   string
	Weight float64
}

// Step is the tracked state of a single step.
type Step struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Weight    float64        `json:"weight"`
	Status    string         `json:"status"`
	Progress  float64        `json:"progress,omitempty"` // partial completion, 0-100
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	StartedAt *time.Time     `json:"startedAt,omitempty"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
}

// State is a point-in-time snapshot of an operation.
type State struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Status         string         `json:"status"`
	Steps          []Step         `json:"steps"`
	CurrentStep    string         `json:"currentStep,omitempty"`
	CompletedSteps int            `json:"completedSteps"`
	TotalSteps     int            `json:"totalSteps"`
	Overall        int            `json:"overall"` // 0-100
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	EndedAt        *time.Time     `json:"endedAt,omitempty"`
	EstimatedLeft  *time.Duration `json:"-"`
}

// Terminal reports whether the operation has reached a final status.
func (s State) Terminal() bool {
	return s.Status == OpCompleted || s.Status == OpFailed || s.Status == OpCancelled
}
