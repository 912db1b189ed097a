// Package syncer is the sync job processor: it consumes sailing references
// in fixed-size batches, drives fetch -> normalize -> persist per file, and
// checkpoints progress after every batch so an interrupted run resumes
// instead of re-scanning everything.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sgaunet/cruisesync/pkg/config"
	"github.com/sgaunet/cruisesync/pkg/dto"
	"github.com/sgaunet/cruisesync/pkg/ftpclient"
	"github.com/sgaunet/cruisesync/pkg/metrics"
	"github.com/sgaunet/cruisesync/pkg/normalize"
	"github.com/sgaunet/cruisesync/pkg/store"
)

// ErrRunAborted is returned when a run-level failure (auth rejection, open
// breaker) stops a run early. The checkpoint stays at its last good state.
var ErrRunAborted = errors.New("sync run aborted")

// Fetcher downloads one remote file. Satisfied by ftpclient.Service.
type Fetcher interface {
	FetchFile(ctx context.Context, path string) ([]byte, error)
}

// Normalizer turns raw payload bytes into a canonical sailing.
type Normalizer interface {
	Normalize(raw []byte, ref dto.SailingReference) (dto.Sailing, error)
}

// Store is the persistence surface the processor needs.
type Store interface {
	StartRun(ctx context.Context, scope string) (*store.Run, map[string]bool, error)
	FlushBatch(ctx context.Context, run *store.Run, results []dto.FileResult) error
	FinishRun(ctx context.Context, runID, status string) error
	UpsertSailing(ctx context.Context, sailing dto.Sailing) (store.Result, error)
	DeactivateMissing(ctx context.Context, lineID int, seen []string) (int64, error)
}

// Service processes reference streams in batches. Batch size is the
// backpressure mechanism: it caps concurrent in-flight fetches.
type Service struct {
	cfg        config.SyncConfig
	fetcher    Fetcher
	normalizer Normalizer
	store      Store
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// NewService creates the processor.
func NewService(cfg config.SyncConfig, fetcher Fetcher, normalizer Normalizer, st Store, m *metrics.Metrics) *Service {
	return &Service{
		cfg:        cfg,
		fetcher:    fetcher,
		normalizer: normalizer,
		store:      st,
		metrics:    m,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(log *slog.Logger) {
	s.log = log
}

// Run processes a reference stream under the given checkpoint scope.
// total may be 0 when the stream length is unknown (full crawls).
func (s *Service) Run(ctx context.Context, scope string, refs <-chan dto.SailingReference, total int) (dto.RunReport, error) {
	run, processed, err := s.store.StartRun(ctx, scope)
	if err != nil {
		return dto.RunReport{}, err
	}
	report := dto.RunReport{RunID: run.ID, Scope: scope, StartedAt: time.Now()}

	for {
		// Cancellation is honored at batch boundaries only; in-flight
		// file operations finish or time out naturally.
		if ctx.Err() != nil {
			_ = s.store.FinishRun(ctx, run.ID, store.RunAborted)
			return report, fmt.Errorf("%w: %w", ErrRunAborted, ctx.Err())
		}

		batch, skipped, open := s.nextBatch(refs, processed)
		report.Skipped += skipped
		if len(batch) == 0 {
			if !open {
				break
			}
			continue
		}

		results := s.processBatch(ctx, batch)
		if fatal := runLevelFailure(results); fatal != nil {
			// Leave the checkpoint at its last good state for the next
			// scheduled attempt.
			_ = s.store.FinishRun(ctx, run.ID, store.RunAborted)
			return report, fmt.Errorf("%w: %w", ErrRunAborted, fatal)
		}

		if err := s.store.FlushBatch(ctx, run, results); err != nil {
			_ = s.store.FinishRun(ctx, run.ID, store.RunAborted)
			return report, err
		}
		for _, r := range results {
			processed[r.Reference.RemotePath()] = true
		}
		s.reportProgress(run, report.StartedAt, total)

		if !open {
			break
		}
	}

	if err := s.store.FinishRun(ctx, run.ID, store.RunCompleted); err != nil {
		return report, err
	}
	report.Processed = run.Processed
	report.Succeeded = run.Succeeded
	report.Failed = run.Failed
	s.log.Info("sync run completed",
		slog.String("run", run.ID),
		slog.String("scope", scope),
		slog.Int("processed", report.Processed),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped))
	return report, nil
}

// RunLine processes a scoped reference list for one cruise line and, on
// completion, deactivates the line's sailings the vendor no longer lists.
func (s *Service) RunLine(ctx context.Context, lineID int, refs []dto.SailingReference) (dto.RunReport, error) {
	ch := make(chan dto.SailingReference)
	go func() {
		defer close(ch)
		for _, r := range refs {
			select {
			case ch <- r:
			case <-ctx.Done():
				return
			}
		}
	}()

	scope := fmt.Sprintf("line:%d", lineID)
	report, err := s.Run(ctx, scope, ch, len(refs))
	if err != nil {
		return report, err
	}

	// The enumerated listing is the vendor's authority on what exists:
	// every listed sailing stays active, including ones whose fetch failed
	// this run. An empty listing is indistinguishable from a listing
	// failure, so it never wipes the line.
	if len(refs) == 0 {
		return report, nil
	}
	seen := make([]string, 0, len(refs))
	for _, r := range refs {
		seen = append(seen, r.SailingID)
	}
	n, err := s.store.DeactivateMissing(ctx, lineID, seen)
	if err != nil {
		return report, err
	}
	if n > 0 {
		s.log.Info("deactivated delisted sailings",
			slog.Int("line", lineID), slog.Int64("count", n))
	}
	return report, nil
}

// nextBatch pulls up to BatchSize unprocessed references off the stream.
// skipped counts references dropped because the checkpoint already has them.
func (s *Service) nextBatch(refs <-chan dto.SailingReference, processed map[string]bool) (batch []dto.SailingReference, skipped int, open bool) {
	open = true
	for len(batch) < s.cfg.BatchSize {
		ref, ok := <-refs
		if !ok {
			open = false
			break
		}
		if processed[ref.RemotePath()] {
			skipped++
			continue
		}
		batch = append(batch, ref)
	}
	return batch, skipped, open
}

// processBatch runs the per-file pipeline concurrently across the batch.
// Failures are caught per file and never abort the batch.
func (s *Service) processBatch(ctx context.Context, batch []dto.SailingReference) []dto.FileResult {
	results := make([]dto.FileResult, len(batch))
	var wg sync.WaitGroup
	for i, ref := range batch {
		wg.Add(1)
		go func(i int, ref dto.SailingReference) {
			defer wg.Done()
			results[i] = s.processFile(ctx, ref)
		}(i, ref)
	}
	wg.Wait()
	return results
}

// processFile advances one reference through fetching, normalizing and
// persisting, and records the terminal state.
func (s *Service) processFile(ctx context.Context, ref dto.SailingReference) dto.FileResult {
	remotePath := ref.RemotePath()

	start := time.Now()
	raw, err := s.fetcher.FetchFile(ctx, remotePath)
	s.metrics.ObserveFetch(time.Since(start).Seconds())
	if err != nil {
		return s.failure(ref, err)
	}

	sailing, err := s.normalizer.Normalize(raw, ref)
	if err != nil {
		return s.failure(ref, err)
	}

	if _, err := s.store.UpsertSailing(ctx, sailing); err != nil {
		return s.failure(ref, err)
	}

	s.metrics.FileProcessed("committed")
	return dto.FileResult{Reference: ref, Status: dto.FileCommitted}
}

func (s *Service) failure(ref dto.SailingReference, err error) dto.FileResult {
	class := classifyError(err)
	s.metrics.FileProcessed(class)
	s.log.Warn("file processing failed",
		slog.String("path", ref.RemotePath()),
		slog.String("class", class),
		slog.String("error", err.Error()))
	return dto.FileResult{
		Reference:  ref,
		Status:     dto.FileFailed,
		ErrorClass: class,
		Error:      err.Error(),
	}
}

func (s *Service) reportProgress(run *store.Run, startedAt time.Time, total int) {
	elapsed := time.Since(startedAt)
	rate := float64(run.Processed) / elapsed.Seconds()
	attrs := []any{
		slog.String("run", run.ID),
		slog.Int("processed", run.Processed),
		slog.Int("succeeded", run.Succeeded),
		slog.Int("failed", run.Failed),
		slog.String("rate", fmt.Sprintf("%.1f files/s", rate)),
	}
	if total > 0 && rate > 0 {
		remaining := total - run.Processed
		if remaining > 0 {
			eta := time.Duration(float64(remaining)/rate) * time.Second
			attrs = append(attrs, slog.String("eta", eta.Round(time.Second).String()))
		}
	}
	s.log.Info("batch checkpointed", attrs...)
}

// Error classes recorded in checkpoints and metrics.
const (
	classConnection  = "connection"
	classAuth        = "auth"
	classNotFound    = "not_found"
	classCircuitOpen = "circuit_open"
	classCorrupt     = "corrupt_payload"
	classMissingID   = "missing_identifier"
	classConstraint  = "constraint_violation"
	classUnknown     = "unknown"
)

func classifyError(err error) string {
	switch {
	case errors.Is(err, ftpclient.ErrCircuitOpen):
		return classCircuitOpen
	case errors.Is(err, ftpclient.ErrAuth):
		return classAuth
	case errors.Is(err, ftpclient.ErrNotFound):
		return classNotFound
	case errors.Is(err, ftpclient.ErrConnection), errors.Is(err, ftpclient.ErrAcquireTimeout):
		return classConnection
	case errors.Is(err, normalize.ErrCorruptPayload):
		return classCorrupt
	case errors.Is(err, normalize.ErrMissingIdentifier):
		return classMissingID
	case errors.Is(err, store.ErrConstraintViolation):
		return classConstraint
	}
	return classUnknown
}

// runLevelFailure returns an error when a batch contains a failure class
// that dooms the whole run: credentials rejected, or the endpoint breaker
// open for everyone.
func runLevelFailure(results []dto.FileResult) error {
	for _, r := range results {
		switch r.ErrorClass {
		case classAuth:
			return fmt.Errorf("%s: %s", classAuth, r.Error)
		case classCircuitOpen:
			return fmt.Errorf("%s: %s", classCircuitOpen, r.Error)
		}
	}
	return nil
}
