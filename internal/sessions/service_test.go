package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"paperscan-backend/internal/documents"
	"paperscan-backend/internal/pipeline"
)

// fakeProcessor scripts per-document behavior: a number of transient failures
// before success, permanent failure, or a gate that blocks until released.
type fakeProcessor struct {
	mu        sync.Mutex
	calls     map[string]int
	failures  map[string]int
	permanent map[string]error
	gate      chan struct{}
	started   chan string
	delays    map[string]time.Duration
	quality   map[string]float64
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		calls:     map[string]int{},
		failures:  map[string]int{},
		permanent: map[string]error{},
		delays:    map[string]time.Duration{},
		quality:   map[string]float64{},
	}
}

func (p *fakeProcessor) ProcessDocument(ctx context.Context, doc pipeline.Document) (*pipeline.Result, error) {
	p.mu.Lock()
	p.calls[doc.ID]++
	call := p.calls[doc.ID]
	remaining := p.failures[doc.ID]
	perm := p.permanent[doc.ID]
	delay := p.delays[doc.ID]
	quality := p.quality[doc.ID]
	gate := p.gate
	started := p.started
	p.mu.Unlock()

	if started != nil {
		started <- doc.ID
	}
	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if perm != nil {
		return nil, perm
	}
	if call <= remaining {
		return nil, pipeline.NewError(pipeline.KindTransient, fmt.Errorf("transient failure %d", call))
	}
	return &pipeline.Result{
		DocumentID: doc.ID,
		FileName:   doc.FileName,
		Questions:  []pipeline.Question{{Number: "1", Text: "q", Type: "short_answer"}},
		Quality:    quality,
		DurationMs: 10,
	}, nil
}

func (p *fakeProcessor) callCount(docID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[docID]
}

func seedDocs(t *testing.T, repo *documents.MemoryRepo, userID string, names ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(names))
	for i, name := range names {
		doc := documents.Document{
			ID:        fmt.Sprintf("doc-%d", i+1),
			UserID:    userID,
			FileName:  name,
			MimeType:  "application/pdf",
			SizeBytes: 100,
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.Create(context.Background(), doc); err != nil {
			t.Fatalf("seed doc: %v", err)
		}
		ids = append(ids, doc.ID)
	}
	return ids
}

func newTestService(proc pipeline.Processor, repo *documents.MemoryRepo) *Service {
	return NewService(NewMemoryRegistry(), nil, repo, proc, NopMigrator{}, Config{
		BatchSize:        3,
		MaxRetries:       2,
		RetryDelay:       time.Millisecond,
		MaxFileSizeBytes: 1 << 20,
	}, time.Hour)
}

func waitForStatus(t *testing.T, svc *Service, id string, statuses ...string) Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := svc.GetSessionStatus(context.Background(), id)
		if err == nil {
			for _, status := range statuses {
				if sess.Status == status {
					return sess
				}
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	sess, _ := svc.GetSessionStatus(context.Background(), id)
	t.Fatalf("session %s never reached %v, last status %q", id, statuses, sess.Status)
	return Session{}
}

func TestStartSessionEmptyInput(t *testing.T) {
	svc := newTestService(newFakeProcessor(), documents.NewMemoryRepo())

	_, err := svc.StartSession(context.Background(), "user-1", nil, Config{})
	if !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("err = %v, want ErrEmptyInput", err)
	}
}

func TestStartSessionUnknownDocument(t *testing.T) {
	svc := newTestService(newFakeProcessor(), documents.NewMemoryRepo())

	_, err := svc.StartSession(context.Background(), "user-1", []string{"nope"}, Config{})
	if !errors.Is(err, documents.ErrNotFound) {
		t.Fatalf("err = %v, want documents.ErrNotFound", err)
	}
}

func TestOrderPreservation(t *testing.T) {
	repo := documents.NewMemoryRepo()
	ids := seedDocs(t, repo, "user-1", "a.pdf", "b.pdf", "c.pdf")

	proc := newFakeProcessor()
	// First file finishes last within its group.
	proc.delays[ids[0]] = 30 * time.Millisecond

	svc := newTestService(proc, repo)
	sess, err := svc.StartSession(context.Background(), "user-1", ids, Config{BatchSize: 2})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	final := waitForStatus(t, svc, sess.ID, StatusCompleted)
	names := []string{final.Files[0].Name, final.Files[1].Name, final.Files[2].Name}
	if names[0] != "a.pdf" || names[1] != "b.pdf" || names[2] != "c.pdf" {
		t.Fatalf("file order not preserved: %v", names)
	}
	for _, f := range final.Files {
		if f.Status != FileCompleted {
			t.Fatalf("file %s status = %s, want completed", f.Name, f.Status)
		}
	}
	if final.Progress.Percent != 100 {
		t.Fatalf("final percent = %d, want 100", final.Progress.Percent)
	}
	if final.Progress.CompletedSteps != final.Progress.TotalSteps {
		t.Fatalf("steps %d/%d, want all completed", final.Progress.CompletedSteps, final.Progress.TotalSteps)
	}
}

func TestRetriedFileSucceedsWithWarnings(t *testing.T) {
	repo := documents.NewMemoryRepo()
	ids := seedDocs(t, repo, "user-1", "flaky.pdf")

	proc := newFakeProcessor()
	proc.failures[ids[0]] = 2

	svc := newTestService(proc, repo)
	sess, err := svc.StartSession(context.Background(), "user-1", ids, Config{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	final := waitForStatus(t, svc, sess.ID, StatusCompleted)
	if final.Files[0].Status != FileCompleted {
		t.Fatalf("file status = %s, want completed", final.Files[0].Status)
	}
	if got := proc.callCount(ids[0]); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	if len(final.Warnings) != 2 {
		t.Fatalf("warnings = %d, want 2: %v", len(final.Warnings), final.Warnings)
	}
	if len(final.Errors) != 0 {
		t.Fatalf("errors = %v, want none", final.Errors)
	}

	result, err := svc.GetOrchestrationResult(context.Background(), sess.ID)
	if err != nil || result == nil {
		t.Fatalf("GetOrchestrationResult: %v, %v", result, err)
	}
	if !result.Success {
		t.Fatalf("retried success must count as success")
	}
	if result.Summary.SuccessfulFiles != 1 {
		t.Fatalf("successfulFiles = %d, want 1", result.Summary.SuccessfulFiles)
	}
}

func TestRetryExhaustionMarksFileFailed(t *testing.T) {
	repo := documents.NewMemoryRepo()
	ids := seedDocs(t, repo, "user-1", "broken.pdf", "fine.pdf")

	proc := newFakeProcessor()
	proc.failures[ids[0]] = 100

	svc := newTestService(proc, repo)
	sess, err := svc.StartSession(context.Background(), "user-1", ids, Config{MaxRetries: 1})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	final := waitForStatus(t, svc, sess.ID, StatusCompleted)
	if got := proc.callCount(ids[0]); got != 2 {
		t.Fatalf("calls = %d, want 2 (1 initial + 1 retry)", got)
	}
	if final.Files[0].Status != FileFailed || final.Files[0].Error == "" {
		t.Fatalf("unexpected failed entry: %+v", final.Files[0])
	}
	if final.Files[1].Status != FileCompleted {
		t.Fatalf("sibling file must not be affected: %+v", final.Files[1])
	}
	if len(final.Errors) != 1 {
		t.Fatalf("errors = %v, want 1 entry", final.Errors)
	}

	result, err := svc.GetOrchestrationResult(context.Background(), sess.ID)
	if err != nil || result == nil {
		t.Fatalf("GetOrchestrationResult: %v, %v", result, err)
	}
	if result.Success {
		t.Fatalf("success must be false when errors were collected")
	}
	if result.Summary.SuccessfulFiles != 1 || result.Summary.FailedFiles != 1 {
		t.Fatalf("unexpected summary: %+v", result.Summary)
	}
}

func TestNonRetryableErrorStopsImmediately(t *testing.T) {
	repo := documents.NewMemoryRepo()
	ids := seedDocs(t, repo, "user-1", "secret.pdf")

	proc := newFakeProcessor()
	proc.permanent[ids[0]] = pipeline.NewError(pipeline.KindAuth, errors.New("invalid credentials"))

	svc := newTestService(proc, repo)
	sess, err := svc.StartSession(context.Background(), "user-1", ids, Config{MaxRetries: 5})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	final := waitForStatus(t, svc, sess.ID, StatusCompleted)
	if got := proc.callCount(ids[0]); got != 1 {
		t.Fatalf("calls = %d, want 1 for non-retryable error", got)
	}
	if final.Files[0].Status != FileFailed {
		t.Fatalf("file status = %s, want failed", final.Files[0].Status)
	}
	if len(final.Warnings) != 0 {
		t.Fatalf("no retry warnings expected, got %v", final.Warnings)
	}
}

func TestCancellationLeavesUndispatchedFilesPending(t *testing.T) {
	repo := documents.NewMemoryRepo()
	ids := seedDocs(t, repo, "user-1", "a.pdf", "b.pdf", "c.pdf")

	proc := newFakeProcessor()
	proc.gate = make(chan struct{})
	proc.started = make(chan string, 3)

	svc := newTestService(proc, repo)
	sess, err := svc.StartSession(context.Background(), "user-1", ids, Config{BatchSize: 1})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// Wait until the first group's file is in flight, then cancel.
	select {
	case <-proc.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("first file never started")
	}
	if !svc.CancelSession(context.Background(), sess.ID) {
		t.Fatalf("CancelSession returned false for a running session")
	}
	close(proc.gate)

	final := waitForStatus(t, svc, sess.ID, StatusCancelled)
	deadline := time.Now().Add(5 * time.Second)
	for final.EndTime == nil && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
		final, _ = svc.GetSessionStatus(context.Background(), sess.ID)
	}

	if final.Files[0].Status != FileCompleted {
		t.Fatalf("in-flight file must finish, got %s", final.Files[0].Status)
	}
	if final.Files[1].Status != FilePending || final.Files[2].Status != FilePending {
		t.Fatalf("un-dispatched files must stay pending: %s, %s",
			final.Files[1].Status, final.Files[2].Status)
	}
	if got := proc.callCount(ids[1]); got != 0 {
		t.Fatalf("second group dispatched after cancel: %d calls", got)
	}

	// Already terminal: a second cancel is a no-op.
	if svc.CancelSession(context.Background(), sess.ID) {
		t.Fatalf("CancelSession must return false for a terminal session")
	}
	// No result for a cancelled session.
	if result, err := svc.GetOrchestrationResult(context.Background(), sess.ID); err != nil || result != nil {
		t.Fatalf("cancelled session must have no result, got %v, %v", result, err)
	}
}

func TestDegenerateSuccessAllValidationFailures(t *testing.T) {
	repo := documents.NewMemoryRepo()
	now := time.Now().UTC()
	for i, name := range []string{"movie.mp4", "song.mp3"} {
		if err := repo.Create(context.Background(), documents.Document{
			ID:        fmt.Sprintf("doc-%d", i+1),
			UserID:    "user-1",
			FileName:  name,
			MimeType:  "video/mp4",
			SizeBytes: 100,
			CreatedAt: now,
		}); err != nil {
			t.Fatalf("seed doc: %v", err)
		}
	}

	proc := newFakeProcessor()
	svc := newTestService(proc, repo)
	sess, err := svc.StartSession(context.Background(), "user-1", []string{"doc-1", "doc-2"}, Config{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	final := waitForStatus(t, svc, sess.ID, StatusCompleted)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed even when everything failed validation", final.Status)
	}
	for _, f := range final.Files {
		if f.Status != FileFailed {
			t.Fatalf("file %s status = %s, want failed", f.Name, f.Status)
		}
	}
	if len(final.Errors) == 0 {
		t.Fatalf("errors must be non-empty")
	}
	if final.Progress.Percent != 100 {
		t.Fatalf("percent = %d, want 100", final.Progress.Percent)
	}

	result, err := svc.GetOrchestrationResult(context.Background(), sess.ID)
	if err != nil || result == nil {
		t.Fatalf("GetOrchestrationResult: %v, %v", result, err)
	}
	// Status tracks orchestration completion, success tracks business outcome.
	if result.Success {
		t.Fatalf("success must be false with a non-empty error list")
	}
	if result.Summary.FailedFiles != 2 || result.Summary.SuccessfulFiles != 0 {
		t.Fatalf("unexpected summary: %+v", result.Summary)
	}
	if got := proc.callCount("doc-1"); got != 0 {
		t.Fatalf("validation-failed file must never reach the pipeline")
	}
}

func TestOversizeFileFailsValidation(t *testing.T) {
	repo := documents.NewMemoryRepo()
	if err := repo.Create(context.Background(), documents.Document{
		ID: "doc-1", UserID: "user-1", FileName: "huge.pdf",
		MimeType: "application/pdf", SizeBytes: 2 << 20, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed doc: %v", err)
	}

	svc := newTestService(newFakeProcessor(), repo)
	sess, err := svc.StartSession(context.Background(), "user-1", []string{"doc-1"}, Config{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	final := waitForStatus(t, svc, sess.ID, StatusCompleted)
	if final.Files[0].Status != FileFailed {
		t.Fatalf("oversize file status = %s, want failed", final.Files[0].Status)
	}
}

type failingMigrator struct{}

func (failingMigrator) Pending(ctx context.Context) (bool, error) { return true, nil }
func (failingMigrator) Run(ctx context.Context) error {
	return errors.New("migration table locked")
}

func TestInitializeFailureIsFatal(t *testing.T) {
	repo := documents.NewMemoryRepo()
	ids := seedDocs(t, repo, "user-1", "a.pdf")

	proc := newFakeProcessor()
	svc := NewService(NewMemoryRegistry(), nil, repo, proc, failingMigrator{}, Config{
		BatchSize: 3, RetryDelay: time.Millisecond, MaxFileSizeBytes: 1 << 20,
	}, time.Hour)

	sess, err := svc.StartSession(context.Background(), "user-1", ids, Config{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	final := waitForStatus(t, svc, sess.ID, StatusFailed)
	if len(final.Errors) == 0 {
		t.Fatalf("fatal error must be recorded")
	}
	if got := proc.callCount(ids[0]); got != 0 {
		t.Fatalf("pipeline must not run after a fatal initialize error")
	}
}

func TestSummaryQualityAverage(t *testing.T) {
	repo := documents.NewMemoryRepo()
	ids := seedDocs(t, repo, "user-1", "a.pdf", "b.pdf", "c.pdf", "d.pdf")

	proc := newFakeProcessor()
	proc.quality[ids[0]] = 0.5
	proc.quality[ids[1]] = 0.7
	proc.quality[ids[2]] = 0.9
	proc.failures[ids[3]] = 100

	svc := newTestService(proc, repo)
	sess, err := svc.StartSession(context.Background(), "user-1", ids, Config{MaxRetries: 1})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	waitForStatus(t, svc, sess.ID, StatusCompleted)
	result, err := svc.GetOrchestrationResult(context.Background(), sess.ID)
	if err != nil || result == nil {
		t.Fatalf("GetOrchestrationResult: %v, %v", result, err)
	}
	if diff := result.Summary.AverageQuality - 0.7; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("averageQuality = %v, want 0.7", result.Summary.AverageQuality)
	}
	if result.Summary.SuccessfulFiles+result.Summary.FailedFiles != result.Summary.TotalFiles {
		t.Fatalf("summary does not add up: %+v", result.Summary)
	}
	if len(result.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(result.Results))
	}
}

func TestResumeWithoutPersistence(t *testing.T) {
	svc := newTestService(newFakeProcessor(), documents.NewMemoryRepo())
	if svc.ResumeSession(context.Background(), "whatever") {
		t.Fatalf("resume must fail without a persistence store")
	}
}

func TestSweepEvictsTerminalSessions(t *testing.T) {
	repo := documents.NewMemoryRepo()
	ids := seedDocs(t, repo, "user-1", "a.pdf")

	proc := newFakeProcessor()
	svc := NewService(NewMemoryRegistry(), nil, repo, proc, NopMigrator{}, Config{
		BatchSize: 3, RetryDelay: time.Millisecond, MaxFileSizeBytes: 1 << 20,
	}, time.Millisecond)

	sess, err := svc.StartSession(context.Background(), "user-1", ids, Config{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitForStatus(t, svc, sess.ID, StatusCompleted)

	time.Sleep(10 * time.Millisecond)
	svc.Sweep(context.Background())

	if _, err := svc.GetSessionStatus(context.Background(), sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after sweep", err)
	}
}

func TestSubscribeReceivesTerminalSnapshot(t *testing.T) {
	repo := documents.NewMemoryRepo()
	ids := seedDocs(t, repo, "user-1", "a.pdf")

	svc := newTestService(newFakeProcessor(), repo)
	sess, err := svc.StartSession(context.Background(), "user-1", ids, Config{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	done := make(chan Session, 64)
	unsubscribe := svc.Subscribe(sess.ID, func(s Session) {
		if s.Terminal() {
			select {
			case done <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	select {
	case snap := <-done:
		if snap.Status != StatusCompleted {
			t.Fatalf("terminal snapshot status = %s", snap.Status)
		}
	case <-time.After(5 * time.Second):
		// The session may have finished before Subscribe registered.
		final := waitForStatus(t, svc, sess.ID, StatusCompleted)
		if final.Status != StatusCompleted {
			t.Fatalf("session never completed")
		}
	}
}
