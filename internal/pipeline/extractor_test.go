package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"paperscan-backend/internal/llm"
)

type fakeStore struct {
	objects map[string][]byte
	saved   map[string][]byte
	openErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, saved: map[string][]byte{}}
}

func (s *fakeStore) Save(ctx context.Context, userID, fileName string, r io.Reader) (string, int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, "", err
	}
	key := fmt.Sprintf("%s/%s", userID, fileName)
	s.objects[key] = data
	return key, int64(len(data)), "application/octet-stream", nil
}

func (s *fakeStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStore) SaveWithKey(ctx context.Context, key, contentType string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	s.saved[key] = data
	return int64(len(data)), nil
}

type fakeLLM struct {
	raw   json.RawMessage
	err   error
	input llm.ExtractInput
}

func (f *fakeLLM) ExtractQuestions(ctx context.Context, input llm.ExtractInput) (json.RawMessage, error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	return f.raw, nil
}

func TestProcessDocumentText(t *testing.T) {
	store := newFakeStore()
	store.objects["u1/quiz.txt"] = []byte("1. What is inertia? 2. Label the diagram.")
	client := &fakeLLM{raw: json.RawMessage(`{
		"questions": [
			{"number":"1","text":"What is inertia?","type":"short_answer","has_diagram":false},
			{"number":"2","text":"Label the diagram.","type":"diagram","has_diagram":true,
			 "diagram_region":{"page":1,"x":0.1,"y":0.2,"w":0.5,"h":0.3}}
		],
		"subject": "physics",
		"quality": 0.85
	}`)}

	ex := NewExtractor(store, client, "")
	result, err := ex.ProcessDocument(context.Background(), Document{
		ID: "doc-1", UserID: "u1", FileName: "quiz.txt",
		MimeType: "text/plain", StorageKey: "u1/quiz.txt",
	})
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}
	if len(result.Questions) != 2 {
		t.Fatalf("questions = %d, want 2", len(result.Questions))
	}
	if result.Subject != "physics" || result.Quality != 0.85 {
		t.Fatalf("unexpected result metadata: %+v", result)
	}
	if result.DiagramCount != 1 {
		t.Fatalf("diagramCount = %d, want 1", result.DiagramCount)
	}
	if client.input.DocumentText == "" {
		t.Fatalf("expected document text forwarded to model")
	}
	if result.RawResultKey == "" {
		t.Fatalf("raw result key not set")
	}
	if _, ok := store.saved[result.RawResultKey]; !ok {
		t.Fatalf("raw result not persisted at %s", result.RawResultKey)
	}
}

func TestProcessDocumentImageForwardsBytes(t *testing.T) {
	store := newFakeStore()
	store.objects["u1/scan.png"] = []byte{0x89, 0x50, 0x4e, 0x47}
	client := &fakeLLM{raw: json.RawMessage(`{"questions":[],"subject":null,"quality":0.5}`)}

	ex := NewExtractor(store, client, "v1")
	_, err := ex.ProcessDocument(context.Background(), Document{
		ID: "doc-2", UserID: "u1", FileName: "scan.png",
		MimeType: "image/png", StorageKey: "u1/scan.png",
	})
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}
	if len(client.input.ImageData) == 0 || client.input.ImageMIME != "image/png" {
		t.Fatalf("image not forwarded: %+v", client.input)
	}
	if client.input.DocumentText != "" {
		t.Fatalf("image documents should not carry extracted text")
	}
}

func TestProcessDocumentStorageErrorIsTransient(t *testing.T) {
	store := newFakeStore()
	store.openErr = errors.New("connection reset")
	ex := NewExtractor(store, &fakeLLM{}, "")

	_, err := ex.ProcessDocument(context.Background(), Document{StorageKey: "missing"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !Retryable(err) {
		t.Fatalf("storage errors should be retryable, got kind %s", KindOf(err))
	}
}

func TestProcessDocumentAuthErrorNotRetryable(t *testing.T) {
	store := newFakeStore()
	store.objects["k"] = []byte("text")
	ex := NewExtractor(store, &fakeLLM{err: errors.New("openai error: invalid_api_key (auth)")}, "")

	_, err := ex.ProcessDocument(context.Background(), Document{
		FileName: "a.txt", MimeType: "text/plain", StorageKey: "k",
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if Retryable(err) {
		t.Fatalf("auth errors must not be retryable")
	}
	if KindOf(err) != KindAuth {
		t.Fatalf("kind = %s, want auth", KindOf(err))
	}
}

func TestProcessDocumentUnsupportedKind(t *testing.T) {
	store := newFakeStore()
	store.objects["k"] = []byte("binary")
	ex := NewExtractor(store, &fakeLLM{}, "")

	_, err := ex.ProcessDocument(context.Background(), Document{
		FileName: "setup.exe", MimeType: "application/x-msdownload", StorageKey: "k",
	})
	if KindOf(err) != KindUnsupported {
		t.Fatalf("kind = %s, want unsupported", KindOf(err))
	}
}
