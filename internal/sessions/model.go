package sessions

import (
	"time"

	"paperscan-backend/internal/pipeline"
)

// Session statuses. Terminal statuses are final.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Per-file statuses within a session.
const (
	FilePending    = "pending"
	FileProcessing = "processing"
	FileCompleted  = "completed"
	FileFailed     = "failed"
)

// Config holds the orchestration knobs for one session.
type Config struct {
	BatchSize        int           `json:"batchSize"`
	MaxRetries       int           `json:"maxRetries"`
	RetryDelay       time.Duration `json:"retryDelay"`
	InterBatchPause  time.Duration `json:"interBatchPause"`
	MaxFileSizeBytes int64         `json:"maxFileSizeBytes"`
}

// FileEntry is the status of one document within a session. Name, Size and
// the storage coordinates are captured at intake and never change; Status
// moves pending -> processing -> completed|failed exactly once.
type FileEntry struct {
	DocumentID string           `json:"documentId"`
	Name       string           `json:"name"`
	Size       int64            `json:"size"`
	MimeType   string           `json:"mimeType"`
	StorageKey string           `json:"storageKey"`
	Status     string           `json:"status"`
	Result     *pipeline.Result `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Progress is the poller-facing progress snapshot for a session.
type Progress struct {
	CurrentStep     string `json:"currentStep"`
	CompletedSteps  int    `json:"completedSteps"`
	TotalSteps      int    `json:"totalSteps"`
	Percent         int    `json:"percent"`
	EstimatedLeftMs *int64 `json:"estimatedLeftMs,omitempty"`
}

// Session is one orchestrated batch run.
type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Status    string     `json:"status"`
	Progress  Progress   `json:"progress"`
	Files     []FileEntry `json:"files"`
	Errors    []string   `json:"errors"`
	Warnings  []string   `json:"warnings"`
	Config    Config     `json:"config"`
	Cancelled bool       `json:"cancelled"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Terminal reports whether the session reached a final status.
func (s *Session) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed || s.Status == StatusCancelled
}

// Clone returns a deep copy safe to hand to pollers and subscribers.
func (s *Session) Clone() Session {
	out := *s
	out.Files = make([]FileEntry, len(s.Files))
	copy(out.Files, s.Files)
	for i := range out.Files {
		if out.Files[i].Result != nil {
			r := *out.Files[i].Result
			out.Files[i].Result = &r
		}
	}
	out.Errors = append([]string(nil), s.Errors...)
	out.Warnings = append([]string(nil), s.Warnings...)
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	if s.Progress.EstimatedLeftMs != nil {
		ms := *s.Progress.EstimatedLeftMs
		out.Progress.EstimatedLeftMs = &ms
	}
	return out
}

// Summary aggregates per-document outcomes for a finished session.
type Summary struct {
	TotalFiles            int     `json:"totalFiles"`
	SuccessfulFiles       int     `json:"successfulFiles"`
	FailedFiles           int     `json:"failedFiles"`
	TotalQuestions        int     `json:"totalQuestions"`
	QuestionsWithDiagrams int     `json:"questionsWithDiagrams"`
	AverageQuality        float64 `json:"averageQuality"`
	TotalProcessingTimeMs int64   `json:"totalProcessingTimeMs"`
}

// OrchestrationResult is the immutable outcome snapshot for a completed
// session. Success tracks the business outcome (no errors collected) while
// the session status tracks orchestration completion; the two can disagree
// when every file fails validation.
type OrchestrationResult struct {
	SessionID string             `json:"sessionId"`
	Success   bool               `json:"success"`
	Results   []*pipeline.Result `json:"results"`
	Summary   Summary            `json:"summary"`
	Errors    []string           `json:"errors"`
	Warnings  []string           `json:"warnings"`
}
