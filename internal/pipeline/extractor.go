package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"paperscan-backend/internal/extract"
	"paperscan-backend/internal/llm"
	"paperscan-backend/internal/shared/storage/object"
	"paperscan-backend/internal/shared/telemetry"
)

// Extractor is the reference Processor. It loads the document from the object
// store, extracts text where the format allows it, sends text and/or image to
// the vision model, and persists the raw model output next to the document.
type Extractor struct {
	store         object.ObjectStore
	client        llm.Client
	promptVersion string
}

// NewExtractor constructs an Extractor. promptVersion selects the extraction
// prompt; empty means the current default.
func NewExtractor(store object.ObjectStore, client llm.Client, promptVersion string) *Extractor {
	if promptVersion == "" {
		promptVersion = "v2"
	}
	return &Extractor{store: store, client: client, promptVersion: promptVersion}
}

type modelPayload struct {
	Questions []Question `json:"questions"`
	Subject   *string    `json:"subject"`
	Quality   float64    `json:"quality"`
}

// ProcessDocument implements Processor.
func (e *Extractor) ProcessDocument(ctx context.Context, doc Document) (*Result, error) {
	start := time.Now()

	rc, err := e.store.Open(ctx, doc.StorageKey)
	if err != nil {
		return nil, NewError(KindTransient, fmt.Errorf("open %s: %w", doc.StorageKey, err))
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, NewError(KindTransient, fmt.Errorf("read %s: %w", doc.StorageKey, err))
	}

	input := llm.ExtractInput{
		FileName:      doc.FileName,
		PromptVersion: e.promptVersion,
	}
	if isImage(doc.MimeType) {
		input.ImageData = data
		input.ImageMIME = doc.MimeType
	} else {
		text, err := extract.FromBytes(data, doc.MimeType, doc.FileName)
		if err != nil {
			if strings.Contains(err.Error(), "unsupported mime type") {
				return nil, NewError(KindUnsupported, err)
			}
			return nil, NewError(KindCorrupt, err)
		}
		input.DocumentText = text
	}

	raw, err := e.client.ExtractQuestions(ctx, input)
	if err != nil {
		return nil, classifyModelError(err)
	}

	var payload modelPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, NewError(KindTransient, fmt.Errorf("model payload parse: %w", err))
	}

	result := &Result{
		DocumentID:    doc.ID,
		FileName:      doc.FileName,
		Questions:     payload.Questions,
		Quality:       payload.Quality,
		DurationMs:    time.Since(start).Milliseconds(),
		PromptVersion: e.promptVersion,
	}
	if payload.Subject != nil {
		result.Subject = *payload.Subject
	}
	for _, q := range payload.Questions {
		if q.HasDiagram {
			result.DiagramCount++
		}
	}

	if saver, ok := e.store.(object.KeySaver); ok {
		key := rawResultKey(doc)
		if _, err := saver.SaveWithKey(ctx, key, "application/json", bytes.NewReader(raw)); err != nil {
			telemetry.Warn("pipeline.raw_result_save_failed", map[string]any{
				"document_id": doc.ID,
				"error":       err.Error(),
			})
		} else {
			result.RawResultKey = key
		}
	}

	return result, nil
}

func rawResultKey(doc Document) string {
	return fmt.Sprintf("results/%s/%s.json", doc.UserID, doc.ID)
}

func isImage(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "image/")
}

// classifyModelError maps provider failures onto the closed error kinds.
func classifyModelError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid_api_key"), strings.Contains(msg, "authentication"):
		return NewError(KindAuth, err)
	default:
		return NewError(KindTransient, err)
	}
}

var _ Processor = (*Extractor)(nil)
