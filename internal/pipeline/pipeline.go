// Package pipeline runs a single document through the extraction pipeline:
// load bytes, pull text, call the vision model, persist the raw result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures so callers can dispatch on a closed
// set of kinds instead of matching error strings.
type ErrorKind string

const (
	// KindTransient covers network and provider errors worth retrying.
	KindTransient ErrorKind = "transient"
	// KindAuth covers credential failures. Retrying cannot help.
	KindAuth ErrorKind = "auth"
	// KindUnsupported covers documents the pipeline cannot read.
	KindUnsupported ErrorKind = "unsupported"
	// KindCorrupt covers documents that fail to parse.
	KindCorrupt ErrorKind = "corrupt"
)

// Error tags an underlying failure with its kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind tag.
func NewError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the error's kind. Untagged errors default to KindTransient
// so unknown failures stay retryable.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// Retryable reports whether a retry could plausibly succeed.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Document is the pipeline's view of one input file.
type Document struct {
	ID         string
	UserID     string
	FileName   string
	MimeType   string
	StorageKey string
	SizeBytes  int64
}

// Region is a page-relative bounding box for a detected diagram.
type Region struct {
	Page int     `json:"page"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	W    float64 `json:"w"`
	H    float64 `json:"h"`
}

// Question is one extracted question.
type Question struct {
	Number        string   `json:"number"`
	Text          string   `json:"text"`
	Type          string   `json:"type"`
	Options       []string `json:"options,omitempty"`
	Marks         *int     `json:"marks,omitempty"`
	HasDiagram    bool     `json:"has_diagram"`
	DiagramRegion *Region  `json:"diagram_region,omitempty"`
}

// Result is the outcome of processing one document.
type Result struct {
	DocumentID    string     `json:"documentId"`
	FileName      string     `json:"fileName"`
	Questions     []Question `json:"questions"`
	Subject       string     `json:"subject,omitempty"`
	Quality       float64    `json:"quality"`
	DiagramCount  int        `json:"diagramCount"`
	DurationMs    int64      `json:"durationMs"`
	RawResultKey  string     `json:"rawResultKey,omitempty"`
	PromptVersion string     `json:"promptVersion,omitempty"`
}

// Processor is the per-document pipeline contract. Implementations must be
// safe to call concurrently with themselves.
type Processor interface {
	ProcessDocument(ctx context.Context, doc Document) (*Result, error)
}
