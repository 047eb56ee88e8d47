package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PGStore persists session snapshots to Postgres so ResumeSession can pick a
// run back up across process restarts. Live session state stays in the
// MemoryRegistry; this store only sees snapshots at phase boundaries.
type PGStore struct {
	DB *sql.DB
}

// Save upserts the session snapshot.
func (r *PGStore) Save(ctx context.Context, s Session) error {
	const query = `
INSERT INTO extraction_sessions (
    id,
    user_id,
    status,
    progress,
    files,
    errors,
    warnings,
    config,
    started_at,
    ended_at,
    created_at,
    updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    progress = EXCLUDED.progress,
    files = EXCLUDED.files,
    errors = EXCLUDED.errors,
    warnings = EXCLUDED.warnings,
    ended_at = EXCLUDED.ended_at,
    updated_at = EXCLUDED.updated_at`

	progress, err := json.Marshal(s.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	files, err := json.Marshal(s.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	errs, err := json.Marshal(s.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	warnings, err := json.Marshal(s.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	var endedAt sql.NullTime
	if s.EndTime != nil {
		endedAt = sql.NullTime{Time: *s.EndTime, Valid: true}
	}

	_, err = r.DB.ExecContext(
		ctx,
		query,
		s.ID,
		s.UserID,
		s.Status,
		progress,
		files,
		errs,
		warnings,
		cfg,
		s.StartTime,
		endedAt,
		s.CreatedAt,
		time.Now().UTC(),
	)
	return err
}

// Load fetches a persisted session snapshot.
func (r *PGStore) Load(ctx context.Context, id string) (Session, error) {
	const query = `
SELECT id, user_id, status, progress, files, errors, warnings, config, started_at, ended_at, created_at, updated_at
FROM extraction_sessions
WHERE id = $1
LIMIT 1`

	var s Session
	var progress, files, errs, warnings, cfg []byte
	var startedAt sql.NullTime
	var endedAt sql.NullTime
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&s.ID,
		&s.UserID,
		&s.Status,
		&progress,
		&files,
		&errs,
		&warnings,
		&cfg,
		&startedAt,
		&endedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}

	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &s.Progress); err != nil {
			return Session{}, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &s.Files); err != nil {
			return Session{}, fmt.Errorf("unmarshal files: %w", err)
		}
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &s.Errors); err != nil {
			return Session{}, fmt.Errorf("unmarshal errors: %w", err)
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &s.Warnings); err != nil {
			return Session{}, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &s.Config); err != nil {
			return Session{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if startedAt.Valid {
		s.StartTime = startedAt.Time
	}
	if endedAt.Valid {
		s.EndTime = &endedAt.Time
	}
	return s, nil
}

// Delete removes a persisted session.
func (r *PGStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM extraction_sessions WHERE id = $1`
	_, err := r.DB.ExecContext(ctx, query, id)
	return err
}

// Sweep removes persisted sessions that ended before the retention cutoff.
func (r *PGStore) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	const query = `DELETE FROM extraction_sessions WHERE ended_at IS NOT NULL AND ended_at < $1`
	res, err := r.DB.ExecContext(ctx, query, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	removed, _ := res.RowsAffected()
	return int(removed), nil
}
