// Package scheduler runs the periodic bulk crawl of the vendor file tree.
// The crawl goes line by line under the same per-line locks the webhook
// intake uses, so a scheduled pass and a webhook resync never write the same
// cruise line concurrently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sgaunet/cruisesync/pkg/catalog"
	"github.com/sgaunet/cruisesync/pkg/config"
	"github.com/sgaunet/cruisesync/pkg/dto"
	"github.com/sgaunet/cruisesync/pkg/locker"
)

// SyncRunner runs one scoped resync. Satisfied by syncer.Service.
type SyncRunner interface {
	RunLine(ctx context.Context, lineID int, refs []dto.SailingReference) (dto.RunReport, error)
}

// Cataloger enumerates cruise lines and their sailing references. Satisfied
// by catalog.Walker.
type Cataloger interface {
	Lines(ctx context.Context, r catalog.Range) []int
	LineReferences(ctx context.Context, r catalog.Range, lineID int) []dto.SailingReference
}

// Scheduler manages the background crawl job.
type Scheduler struct {
	cron    *cron.Cron
	catalog Cataloger
	syncer  SyncRunner
	locks   *locker.Service
	cfg     config.Config
	log     *slog.Logger
}

// NewScheduler creates a new scheduler instance. A crawl tick that fires
// while the previous crawl is still running is skipped, not stacked.
func NewScheduler(cfg config.Config, cat Cataloger, runner SyncRunner, locks *locker.Service) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		catalog: cat,
		syncer:  runner,
		locks:   locks,
		cfg:     cfg,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// SetLogger sets the logger for the scheduler.
func (s *Scheduler) SetLogger(log *slog.Logger) {
	s.log = log
}

// Start registers the crawl job and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Sync.EnableBackgroundScan {
		s.log.Info("background crawl is disabled")
		return nil
	}

	_, err := s.cron.AddFunc(s.cfg.Sync.CrawlCronSchedule, func() {
		s.log.Info("starting scheduled crawl")
		if err := s.RunCrawl(ctx); err != nil {
			s.log.Error("scheduled crawl failed", slog.String("error", err.Error()))
			return
		}
		s.log.Info("scheduled crawl completed")
	})
	if err != nil {
		return fmt.Errorf("register crawl job: %w", err)
	}

	s.log.Info("starting scheduler", slog.String("schedule", s.cfg.Sync.CrawlCronSchedule))
	s.cron.Start()
	return nil
}

// RunCrawl syncs every cruise line discovered in the configured range, one
// line at a time under that line's lock.
func (s *Scheduler) RunCrawl(ctx context.Context) error {
	r := s.crawlRange()
	lines := s.catalog.Lines(ctx, r)
	s.log.Info("crawl discovered cruise lines", slog.Int("count", len(lines)))

	for _, lineID := range lines {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.crawlLine(ctx, r, lineID); err != nil {
			return err
		}
	}
	return nil
}

// crawlLine syncs one line under its lock. A held lock means a webhook
// resync is already refreshing the line, so the crawl skips it.
func (s *Scheduler) crawlLine(ctx context.Context, r catalog.Range, lineID int) error {
	lock, err := s.locks.Acquire(ctx, lineID)
	if errors.Is(err, locker.ErrLockHeld) {
		s.log.Info("line locked by another run, crawl skips it", slog.Int("line", lineID))
		return nil
	}
	if err != nil {
		return err
	}

	stopRenew := make(chan struct{})
	defer close(stopRenew)
	go lock.KeepAlive(ctx, stopRenew)

	defer func() {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, locker.ErrLockLost) {
			s.log.Error("releasing line lock", slog.Int("line", lineID), slog.String("error", err.Error()))
		}
	}()

	refs := s.catalog.LineReferences(ctx, r, lineID)
	report, err := s.syncer.RunLine(ctx, lineID, refs)
	if err != nil {
		return err
	}
	s.logReport(report)
	return nil
}

func (s *Scheduler) logReport(report dto.RunReport) {
	s.log.Info("crawl report",
		slog.String("run", report.RunID),
		slog.Int("processed", report.Processed),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped))
}

func (s *Scheduler) crawlRange() catalog.Range {
	now := time.Now()
	r := catalog.Range{
		FromYear:  s.cfg.Sync.StartYear,
		FromMonth: s.cfg.Sync.StartMonth,
		ToYear:    now.Year(),
		ToMonth:   int(now.Month()),
	}
	if r.FromYear == 0 {
		r.FromYear = now.Year()
		r.FromMonth = int(now.Month())
	}
	if r.FromMonth == 0 {
		r.FromMonth = 1
	}
	return r
}

// Stop stops the cron loop.
func (s *Scheduler) Stop() {
	s.log.Info("stopping scheduler")
	s.cron.Stop()
}
