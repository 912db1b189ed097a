package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sgaunet/cruisesync/pkg/dto"
)

// Run statuses persisted in sync_runs.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunAborted   = "aborted"
)

// Run is the durable progress marker for one sync run.
type Run struct {
	ID        string
	Scope     string
	Status    string
	Processed int
	Succeeded int
	Failed    int
	LastPath  string
	StartedAt time.Time
}

// StartRun resumes the latest still-running run for the scope, or starts a
// fresh one. The returned set holds the paths already checkpointed in the
// resumed run; the processor skips those references.
func (s *Service) StartRun(ctx context.Context, scope string) (*Run, map[string]bool, error) {
	run := &Run{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, scope, status, processed, succeeded, failed, COALESCE(last_path, ''), started_at
		 FROM sync_runs WHERE scope = $1 AND status = $2
		 ORDER BY started_at DESC LIMIT 1`,
		scope, RunRunning).
		Scan(&run.ID, &run.Scope, &run.Status, &run.Processed, &run.Succeeded,
			&run.Failed, &run.LastPath, &run.StartedAt)
	switch {
	case err == nil:
		processed, loadErr := s.processedSet(ctx, run.ID)
		if loadErr != nil {
			return nil, nil, loadErr
		}
		s.log.Info("resuming interrupted sync run",
			slog.String("run", run.ID),
			slog.String("scope", scope),
			slog.Int("already_processed", len(processed)))
		return run, processed, nil
	case errors.Is(err, sql.ErrNoRows):
		// fresh run below
	default:
		return nil, nil, fmt.Errorf("look up run for scope %q: %w", scope, err)
	}

	run = &Run{ID: uuid.NewString(), Scope: scope, Status: RunRunning, StartedAt: time.Now()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, scope, status, started_at) VALUES ($1, $2, $3, $4)`,
		run.ID, run.Scope, run.Status, run.StartedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("create run for scope %q: %w", scope, err)
	}
	return run, map[string]bool{}, nil
}

// FlushBatch durably records a finished batch: one row per reference plus
// the run counters, in a single transaction. The checkpoint only ever
// advances for references that fully completed (committed or recorded
// failure), so a crash mid-batch reprocesses only the unfinished tail.
func (s *Service) FlushBatch(ctx context.Context, run *Run, results []dto.FileResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	succeeded, failed := 0, 0
	lastPath := run.LastPath
	for _, r := range results {
		path := r.Reference.RemotePath()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sync_run_files (run_id, path, status, error_class, error_message)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (run_id, path) DO NOTHING`,
			run.ID, path, string(r.Status), r.ErrorClass, r.Error); err != nil {
			return fmt.Errorf("checkpoint file %s: %w", path, err)
		}
		if r.Status == dto.FileCommitted {
			succeeded++
		} else {
			failed++
		}
		lastPath = path
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sync_runs SET
		   processed = processed + $2,
		   succeeded = succeeded + $3,
		   failed = failed + $4,
		   last_path = $5,
		   updated_at = now()
		 WHERE id = $1`,
		run.ID, len(results), succeeded, failed, lastPath)
	if err != nil {
		return fmt.Errorf("update run counters for %s: %w", run.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint for %s: %w", run.ID, err)
	}
	run.Processed += len(results)
	run.Succeeded += succeeded
	run.Failed += failed
	run.LastPath = lastPath
	return nil
}

// FinishRun marks the run completed or aborted.
func (s *Service) FinishRun(ctx context.Context, runID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = $2, finished_at = now(), updated_at = now() WHERE id = $1`,
		runID, status)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

func (s *Service) processedSet(ctx context.Context, runID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM sync_run_files WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("load processed set for %s: %w", runID, err)
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan processed path: %w", err)
		}
		set[p] = true
	}
	return set, rows.Err()
}
