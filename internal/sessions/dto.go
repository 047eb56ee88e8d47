package sessions

import (
	"time"

	"paperscan-backend/internal/pipeline"
)

// FileEntryResponse is the outward-facing view of one file in a session.
// Storage coordinates stay internal.
type FileEntryResponse struct {
	DocumentID string           `json:"documentId"`
	Name       string           `json:"name"`
	Size       int64            `json:"size"`
	Status     string           `json:"status"`
	Result     *pipeline.Result `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// SessionResponse is the outward-facing session snapshot.
type SessionResponse struct {
	SessionID string              `json:"sessionId"`
	Status    string              `json:"status"`
	Progress  Progress            `json:"progress"`
	Files     []FileEntryResponse `json:"files"`
	Errors    []string            `json:"errors"`
	Warnings  []string            `json:"warnings"`
	StartTime time.Time           `json:"startTime"`
	EndTime   *time.Time          `json:"endTime,omitempty"`
}

func toResponse(s Session) SessionResponse {
	files := make([]FileEntryResponse, 0, len(s.Files))
	for _, f := range s.Files {
		files = append(files, FileEntryResponse{
			DocumentID: f.DocumentID,
			Name:       f.Name,
			Size:       f.Size,
			Status:     f.Status,
			Result:     f.Result,
			Error:      f.Error,
		})
	}
	return SessionResponse{
		SessionID: s.ID,
		Status:    s.Status,
		Progress:  s.Progress,
		Files:     files,
		Errors:    s.Errors,
		Warnings:  s.Warnings,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
	}
}
