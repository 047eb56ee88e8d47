package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// Client abstracts vision model providers for question extraction.
type Client interface {
	ExtractQuestions(ctx context.Context, input ExtractInput) (json.RawMessage, error)
}

// ExtractInput captures the inputs for a single extraction request. Image
// payloads are sent to the model alongside any text pulled from the document.
type ExtractInput struct {
	DocumentText  string
	ImageData     []byte
	ImageMIME     string
	FileName      string
	SubjectHint   string
	PromptVersion string
}

// ErrNotImplemented is returned by the placeholder client.
var ErrNotImplemented = errors.New("vision model not implemented")

// PlaceholderClient is a stub implementation until provider wiring is added.
type PlaceholderClient struct{}

// ExtractQuestions returns ErrNotImplemented.
func (PlaceholderClient) ExtractQuestions(ctx context.Context, input ExtractInput) (json.RawMessage, error) {
	_ = ctx
	_ = input
	return nil, ErrNotImplemented
}
