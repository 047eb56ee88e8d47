package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"paperscan-backend/internal/documents"
	"paperscan-backend/internal/extract"
	"paperscan-backend/internal/pipeline"
	"paperscan-backend/internal/progress"
	"paperscan-backend/internal/retryx"
	"paperscan-backend/internal/shared/metrics"
	"paperscan-backend/internal/shared/telemetry"
)

// Step weights for one session. The batch phase carries most of the weight,
// split evenly across its groups.
const (
	weightInitialize  = 5.0
	weightValidate    = 10.0
	weightBatchPhase  = 80.0
	weightFinalize    = 5.0
	operationName     = "question extraction"
	defaultBatchSize  = 3
	defaultMaxRetries = 2
)

// Service is the batch orchestrator. It accepts a set of documents, drives
// them through initialize, validate, batched processing and finalize, and
// exposes point-in-time session snapshots to pollers. All session mutation
// goes through the registry's atomic update.
type Service struct {
	Registry *MemoryRegistry
	Store    *PGStore // optional; enables persistence and resume
	Docs     documents.Repo
	Pipeline pipeline.Processor
	Migrator Migrator
	Defaults Config

	retention time.Duration
	tracker   *progress.Tracker
}

// NewService constructs the orchestrator. retention bounds how long terminal
// sessions stay available to pollers before Sweep evicts them.
func NewService(registry *MemoryRegistry, store *PGStore, docs documents.Repo, proc pipeline.Processor, migrator Migrator, defaults Config, retention time.Duration) *Service {
	if migrator == nil {
		migrator = NopMigrator{}
	}
	if retention <= 0 {
		retention = progress.DefaultRetention
	}
	s := &Service{
		Registry:  registry,
		Store:     store,
		Docs:      docs,
		Pipeline:  proc,
		Migrator:  migrator,
		Defaults:  defaults,
		retention: retention,
	}
	s.tracker = progress.NewTracker(retention, s.onProgress)
	return s
}

// StartSession validates the input, registers a pending session and launches
// asynchronous processing. It returns immediately; callers poll or subscribe
// for progress.
func (s *Service) StartSession(ctx context.Context, userID string, documentIDs []string, overrides Config) (Session, error) {
	if userID == "" {
		return Session{}, fmt.Errorf("user id is required")
	}
	if len(documentIDs) == 0 {
		return Session{}, ErrEmptyInput
	}

	cfg := s.resolveConfig(overrides)

	files := make([]FileEntry, 0, len(documentIDs))
	for _, docID := range documentIDs {
		doc, err := s.Docs.GetByID(ctx, userID, docID)
		if err != nil {
			return Session{}, fmt.Errorf("document %s: %w", docID, err)
		}
		files = append(files, FileEntry{
			DocumentID: doc.ID,
			Name:       doc.FileName,
			Size:       doc.SizeBytes,
			MimeType:   doc.MimeType,
			StorageKey: doc.StorageKey,
			Status:     FilePending,
		})
	}

	now := time.Now().UTC()
	session := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    StatusPending,
		Files:     files,
		Errors:    []string{},
		Warnings:  []string{},
		Config:    cfg,
		StartTime: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.Registry.Create(ctx, session); err != nil {
		return Session{}, err
	}

	metrics.IncSessionStarted()
	telemetry.Info("session.status", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"session_id": session.ID,
		"user_id":    userID,
		"status":     StatusPending,
		"files":      len(files),
	})

	go s.runAsync(backgroundWithRequestID(ctx), session.ID)

	return session, nil
}

// GetSessionStatus returns a point-in-time snapshot of the session.
func (s *Service) GetSessionStatus(ctx context.Context, id string) (Session, error) {
	return s.Registry.Get(ctx, id)
}

// Subscribe registers a callback fired after every session update. The
// returned function unsubscribes.
func (s *Service) Subscribe(id string, cb func(Session)) func() {
	return s.Registry.Subscribe(id, cb)
}

// CancelSession requests cooperative cancellation. In-flight per-document
// calls finish; groups not yet dispatched never start and their files stay
// pending. Returns false when the session is unknown or already terminal.
func (s *Service) CancelSession(ctx context.Context, id string) bool {
	cancelled := false
	snap, err := s.Registry.Update(ctx, id, func(sess *Session) {
		if sess.Terminal() {
			return
		}
		sess.Status = StatusCancelled
		sess.Cancelled = true
		cancelled = true
	})
	if err != nil || !cancelled {
		return false
	}

	metrics.IncSessionCancelled()
	telemetry.Info("session.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"session_id":        id,
		"user_id":           snap.UserID,
		"status":            StatusCancelled,
		"status_transition": "processing->cancelled",
	})
	return true
}

// GetOrchestrationResult returns the aggregated outcome once the session has
// completed, nil before then. Success reflects the business outcome: it is
// false whenever any error was collected, even though the status is
// completed.
func (s *Service) GetOrchestrationResult(ctx context.Context, id string) (*OrchestrationResult, error) {
	sess, err := s.Registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusCompleted {
		return nil, nil
	}

	results := make([]*pipeline.Result, 0, len(sess.Files))
	for i := range sess.Files {
		if sess.Files[i].Status == FileCompleted && sess.Files[i].Result != nil {
			results = append(results, sess.Files[i].Result)
		}
	}

	return &OrchestrationResult{
		SessionID: sess.ID,
		Success:   len(sess.Errors) == 0 && sess.Status == StatusCompleted,
		Results:   results,
		Summary:   Summarize(sess.Files),
		Errors:    sess.Errors,
		Warnings:  sess.Warnings,
	}, nil
}

// ResumeSession reloads a persisted session and restarts processing for files
// that never finished. Returns false when persistence is disabled, no
// persisted state exists, the session is still running, or nothing is left to
// resume.
func (s *Service) ResumeSession(ctx context.Context, id string) bool {
	if live, err := s.Registry.Get(ctx, id); err == nil && !live.Terminal() {
		return false
	}
	if s.Store == nil {
		return false
	}

	sess, err := s.Store.Load(ctx, id)
	if err != nil {
		return false
	}

	resumable := false
	for i := range sess.Files {
		if sess.Files[i].Status == FileProcessing {
			sess.Files[i].Status = FilePending
		}
		if sess.Files[i].Status == FilePending {
			resumable = true
		}
	}
	if !resumable {
		return false
	}

	sess.Status = StatusPending
	sess.Cancelled = false
	sess.EndTime = nil

	_ = s.Registry.Delete(ctx, id)
	_ = s.tracker.Cleanup(id)
	if err := s.Registry.Create(ctx, sess); err != nil {
		return false
	}

	telemetry.Info("session.resumed", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"session_id": id,
		"user_id":    sess.UserID,
	})

	go s.runAsync(backgroundWithRequestID(ctx), id)
	return true
}

// Sweep evicts terminal sessions older than the retention window from the
// registry, the progress tracker, and the persistence store.
func (s *Service) Sweep(ctx context.Context) {
	removed, err := s.Registry.Sweep(ctx, s.retention)
	if err != nil {
		return
	}
	removedOps := s.tracker.Sweep()
	removedRows := 0
	if s.Store != nil {
		removedRows, _ = s.Store.Sweep(ctx, s.retention)
	}
	if removed > 0 || removedOps > 0 || removedRows > 0 {
		telemetry.Info("session.sweep", map[string]any{
			"sessions":   removed,
			"operations": removedOps,
			"rows":       removedRows,
		})
	}
}

func (s *Service) resolveConfig(overrides Config) Config {
	cfg := s.Defaults
	if overrides.BatchSize > 0 {
		cfg.BatchSize = overrides.BatchSize
	}
	if overrides.MaxRetries > 0 {
		cfg.MaxRetries = overrides.MaxRetries
	}
	if overrides.RetryDelay > 0 {
		cfg.RetryDelay = overrides.RetryDelay
	}
	if overrides.InterBatchPause > 0 {
		cfg.InterBatchPause = overrides.InterBatchPause
	}
	if overrides.MaxFileSizeBytes > 0 {
		cfg.MaxFileSizeBytes = overrides.MaxFileSizeBytes
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 300 * time.Millisecond
	}
	return cfg
}

// onProgress folds tracker snapshots into the session's poller-facing
// progress. It fires on every tracker state change.
func (s *Service) onProgress(state progress.State) {
	var leftMs *int64
	if state.EstimatedLeft != nil {
		ms := state.EstimatedLeft.Milliseconds()
		leftMs = &ms
	}
	currentName := state.CurrentStep
	for i := range state.Steps {
		if state.Steps[i].ID == state.CurrentStep {
			currentName = state.Steps[i].Name
			break
		}
	}
	_, _ = s.Registry.Update(context.Background(), state.ID, func(sess *Session) {
		sess.Progress = Progress{
			CurrentStep:     currentName,
			CompletedSteps:  state.CompletedSteps,
			TotalSteps:      state.TotalSteps,
			Percent:         state.Overall,
			EstimatedLeftMs: leftMs,
		}
	})
}

// runAsync is the long-lived per-session task driving the phase sequence.
func (s *Service) runAsync(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			s.failSession(ctx, id, fmt.Errorf("panic: %v", r))
		}
	}()

	sess, err := s.Registry.Get(ctx, id)
	if err != nil {
		return
	}
	if sess.Cancelled {
		s.finishCancelled(ctx, id)
		return
	}
	cfg := sess.Config

	groupCount := (len(sess.Files) + cfg.BatchSize - 1) / cfg.BatchSize
	if groupCount == 0 {
		groupCount = 1
	}

	steps := make([]progress.StepSpec, 0, groupCount+3)
	steps = append(steps,
		progress.StepSpec{ID: "initialize", Name: "Initialize", Weight: weightInitialize},
		progress.StepSpec{ID: "validate", Name: "Validate files", Weight: weightValidate},
	)
	groupWeight := weightBatchPhase / float64(groupCount)
	for i := 0; i < groupCount; i++ {
		steps = append(steps, progress.StepSpec{
			ID:     batchStepID(i),
			Name:   fmt.Sprintf("Process batch %d of %d", i+1, groupCount),
			Weight: groupWeight,
		})
	}
	steps = append(steps, progress.StepSpec{ID: "finalize", Name: "Finalize", Weight: weightFinalize})

	if _, err := s.tracker.StartOperation(id, operationName, steps); err != nil {
		s.failSession(ctx, id, fmt.Errorf("start progress tracking: %w", err))
		return
	}

	if _, err := s.Registry.Update(ctx, id, func(sess *Session) {
		if !sess.Terminal() {
			sess.Status = StatusProcessing
		}
	}); err != nil {
		return
	}
	telemetry.Info("session.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"session_id":        id,
		"user_id":           sess.UserID,
		"status":            StatusProcessing,
		"status_transition": "pending->processing",
	})

	// Phase 1: Initialize. A migration failure here is fatal for the session.
	_ = s.tracker.StartStep(id, "initialize")
	if err := s.initialize(ctx); err != nil {
		_ = s.tracker.FailStep(id, "initialize", err)
		s.failSession(ctx, id, fmt.Errorf("initialize: %w", err))
		return
	}
	_ = s.tracker.CompleteStep(id, "initialize", nil)

	// Phase 2: Validate. Failures mark individual files, never the session.
	_ = s.tracker.StartStep(id, "validate")
	valid := s.validate(ctx, id, cfg)
	_ = s.tracker.CompleteStep(id, "validate", map[string]any{"valid": len(valid)})

	// Phase 3: Process in fixed-size groups, concurrently within a group,
	// sequentially across groups. Cancellation is checked between groups.
	groups := chunk(valid, cfg.BatchSize)
	for gi := 0; gi < groupCount; gi++ {
		stepID := batchStepID(gi)
		if gi >= len(groups) {
			_ = s.tracker.SkipStep(id, stepID, "no files remaining")
			continue
		}

		snap, err := s.Registry.Get(ctx, id)
		if err != nil {
			return
		}
		if snap.Cancelled {
			s.finishCancelled(ctx, id)
			return
		}

		_ = s.tracker.StartStep(id, stepID)
		var wg sync.WaitGroup
		for _, idx := range groups[gi] {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				s.processFile(ctx, id, idx)
			}(idx)
		}
		wg.Wait()
		_ = s.tracker.CompleteStep(id, stepID, map[string]any{"files": len(groups[gi])})

		if gi+1 < len(groups) && cfg.InterBatchPause > 0 {
			select {
			case <-time.After(cfg.InterBatchPause):
			case <-ctx.Done():
			}
		}
	}

	// Phase 4: Finalize.
	snap, err := s.Registry.Get(ctx, id)
	if err != nil {
		return
	}
	if snap.Cancelled {
		s.finishCancelled(ctx, id)
		return
	}

	_ = s.tracker.StartStep(id, "finalize")
	final, err := s.Registry.Update(ctx, id, func(sess *Session) {
		if sess.Terminal() {
			return
		}
		now := time.Now().UTC()
		sess.Status = StatusCompleted
		sess.EndTime = &now
	})
	if err != nil {
		return
	}
	_ = s.tracker.CompleteStep(id, "finalize", nil)
	s.persist(ctx, id)

	metrics.IncSessionCompleted()
	telemetry.Info("session.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"session_id":        id,
		"user_id":           final.UserID,
		"status":            StatusCompleted,
		"status_transition": "processing->completed",
		"errors":            len(final.Errors),
		"warnings":          len(final.Warnings),
		"duration_ms":       time.Since(final.StartTime).Milliseconds(),
	})
}

func (s *Service) initialize(ctx context.Context) error {
	pending, err := s.Migrator.Pending(ctx)
	if err != nil {
		return fmt.Errorf("migration check: %w", err)
	}
	if !pending {
		return nil
	}
	if err := s.Migrator.Run(ctx); err != nil {
		return fmt.Errorf("migration run: %w", err)
	}
	return nil
}

// validate marks unsupported and oversize files failed and returns the
// indices of files still eligible for processing.
func (s *Service) validate(ctx context.Context, id string, cfg Config) []int {
	var valid []int
	_, _ = s.Registry.Update(ctx, id, func(sess *Session) {
		for i := range sess.Files {
			f := &sess.Files[i]
			if f.Status != FilePending {
				continue
			}
			switch {
			case !extract.IsSupported(f.MimeType, f.Name):
				f.Status = FileFailed
				f.Error = fmt.Sprintf("unsupported file type: %s", f.MimeType)
				sess.Errors = append(sess.Errors, fmt.Sprintf("%s: unsupported file type", f.Name))
			case cfg.MaxFileSizeBytes > 0 && f.Size > cfg.MaxFileSizeBytes:
				f.Status = FileFailed
				f.Error = fmt.Sprintf("file exceeds size limit (%d bytes)", cfg.MaxFileSizeBytes)
				sess.Errors = append(sess.Errors, fmt.Sprintf("%s: file exceeds size limit", f.Name))
			default:
				valid = append(valid, i)
			}
		}
	})
	return valid
}

// processFile runs one document through the pipeline with retries and writes
// the outcome into its file entry.
func (s *Service) processFile(ctx context.Context, sessionID string, idx int) {
	var entry FileEntry
	snap, err := s.Registry.Update(ctx, sessionID, func(sess *Session) {
		sess.Files[idx].Status = FileProcessing
		entry = sess.Files[idx]
	})
	if err != nil {
		return
	}
	cfg := snap.Config

	doc := pipeline.Document{
		ID:         entry.DocumentID,
		UserID:     snap.UserID,
		FileName:   entry.Name,
		MimeType:   entry.MimeType,
		StorageKey: entry.StorageKey,
		SizeBytes:  entry.Size,
	}
	policy := retryx.Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryDelay,
		MaxDelay:   10 * cfg.RetryDelay,
	}

	start := time.Now()
	result, err := retryx.Execute(ctx, policy, func() (*pipeline.Result, error) {
		res, procErr := s.Pipeline.ProcessDocument(ctx, doc)
		if procErr != nil && !pipeline.Retryable(procErr) {
			return nil, retryx.Stop(procErr)
		}
		return res, procErr
	}, func(w retryx.Warning) {
		metrics.IncRetry()
		_, _ = s.Registry.Update(ctx, sessionID, func(sess *Session) {
			sess.Warnings = append(sess.Warnings,
				fmt.Sprintf("%s: attempt %d failed, retrying in %s: %v", entry.Name, w.Attempt, w.Delay, w.Err))
		})
		telemetry.Warn("session.file_retry", map[string]any{
			"request_id":  requestIDFromContext(ctx),
			"session_id":  sessionID,
			"document_id": entry.DocumentID,
			"attempt":     w.Attempt,
			"error":       w.Err.Error(),
		})
	})
	metrics.ObserveFileDurationMs(metrics.SinceMillis(start))

	if err != nil {
		metrics.IncFileFailed()
		_, _ = s.Registry.Update(ctx, sessionID, func(sess *Session) {
			sess.Files[idx].Status = FileFailed
			sess.Files[idx].Error = err.Error()
			sess.Errors = append(sess.Errors, fmt.Sprintf("%s: %v", entry.Name, err))
		})
		return
	}

	metrics.IncFileProcessed()
	_, _ = s.Registry.Update(ctx, sessionID, func(sess *Session) {
		sess.Files[idx].Status = FileCompleted
		sess.Files[idx].Result = result
	})
}

func (s *Service) failSession(ctx context.Context, id string, cause error) {
	snap, err := s.Registry.Update(ctx, id, func(sess *Session) {
		if sess.Terminal() {
			return
		}
		now := time.Now().UTC()
		sess.Status = StatusFailed
		sess.EndTime = &now
		sess.Errors = append(sess.Errors, cause.Error())
	})
	if err != nil {
		return
	}
	_ = s.tracker.FailOperation(id, cause)
	s.persist(ctx, id)
	metrics.IncSessionFailed()
	telemetry.Error("session.status", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"session_id": id,
		"user_id":    snap.UserID,
		"status":     StatusFailed,
		"error":      cause.Error(),
	})
}

// finishCancelled finishes bookkeeping after cooperative cancellation has
// been observed between groups. Un-started files stay pending.
func (s *Service) finishCancelled(ctx context.Context, id string) {
	_, _ = s.Registry.Update(ctx, id, func(sess *Session) {
		if sess.EndTime == nil {
			now := time.Now().UTC()
			sess.EndTime = &now
		}
	})
	_ = s.tracker.CancelOperation(id)
	s.persist(ctx, id)
	telemetry.Info("session.cancelled", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"session_id": id,
	})
}

func (s *Service) persist(ctx context.Context, id string) {
	if s.Store == nil {
		return
	}
	snap, err := s.Registry.Get(ctx, id)
	if err != nil {
		return
	}
	if err := s.Store.Save(ctx, snap); err != nil {
		telemetry.Warn("session.persist_failed", map[string]any{
			"session_id": id,
			"error":      err.Error(),
		})
	}
}

func batchStepID(i int) string {
	return fmt.Sprintf("batch-%d", i+1)
}

func chunk(indices []int, size int) [][]int {
	if size <= 0 {
		size = defaultBatchSize
	}
	var out [][]int
	for start := 0; start < len(indices); start += size {
		end := start + size
		if end > len(indices) {
			end = len(indices)
		}
		out = append(out, indices[start:end])
	}
	return out
}
