// Package webhook receives vendor pricing-change notifications and
// dispatches scoped resyncs, guaranteeing at most one concurrent sync per
// cruise line. The endpoint always answers fast; the resync itself runs in
// the background.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sgaunet/cruisesync/pkg/catalog"
	"github.com/sgaunet/cruisesync/pkg/config"
	"github.com/sgaunet/cruisesync/pkg/dto"
	"github.com/sgaunet/cruisesync/pkg/locker"
	"github.com/sgaunet/cruisesync/pkg/metrics"
)

// EventPricingUpdated is the only event type currently dispatched.
const EventPricingUpdated = "cruiseline_pricing_updated"

// Event is the inbound webhook payload.
type Event struct {
	EventType string `json:"eventType"`
	LineID    int    `json:"lineId"`
	Timestamp string `json:"timestamp"`
	WebhookID string `json:"webhookId"`
}

// Response is the body returned with 202 Accepted.
type Response struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// SyncRunner runs one scoped resync. Satisfied by syncer.Service.
type SyncRunner interface {
	RunLine(ctx context.Context, lineID int, refs []dto.SailingReference) (dto.RunReport, error)
}

// Cataloger enumerates a line's sailing references. Satisfied by
// catalog.Walker.
type Cataloger interface {
	LineReferences(ctx context.Context, r catalog.Range, lineID int) []dto.SailingReference
}

// Store is the persistence surface the intake needs.
type Store interface {
	MarkLineNeedsUpdate(ctx context.Context, lineID int) (int64, error)
	RecordWebhookEvent(ctx context.Context, eventID string, lineID int, outcome string) error
	NeedsUpdateBacklog(ctx context.Context) (int64, error)
}

// Service handles webhook intake and owns the background resync lifecycle.
type Service struct {
	cfg     config.Config
	locks   *locker.Service
	catalog Cataloger
	syncer  SyncRunner
	store   Store
	metrics *metrics.Metrics
	runCtx  context.Context
	log     *slog.Logger
}

// NewService creates the intake. runCtx bounds background resyncs; it
// should be the process root context so webhook-triggered runs survive the
// originating request but stop on shutdown.
func NewService(runCtx context.Context, cfg config.Config, locks *locker.Service,
	cat Cataloger, runner SyncRunner, st Store, m *metrics.Metrics) *Service {
	return &Service{
		cfg:     cfg,
		locks:   locks,
		catalog: cat,
		syncer:  runner,
		store:   st,
		metrics: m,
		runCtx:  runCtx,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(log *slog.Logger) {
	s.log = log
}

// Handler is the HTTP handler for POST pricing-change notifications.
// It never blocks on the resync and only rejects undecodable bodies.
func (s *Service) Handler(w http.ResponseWriter, r *http.Request) {
	var evt Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	resp := s.onWebhook(r.Context(), evt)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("encoding webhook response", slog.String("error", err.Error()))
	}
}

// onWebhook decides between starting a run, coalescing into an in-flight
// run, or dropping a replay.
func (s *Service) onWebhook(ctx context.Context, evt Event) Response {
	if evt.EventType != EventPricingUpdated || evt.LineID <= 0 {
		s.metrics.WebhookEvent("ignored")
		return Response{Accepted: false, Reason: "unsupported event"}
	}
	if evt.WebhookID == "" {
		evt.WebhookID = uuid.NewString()
	}

	log := s.log.With(slog.Int("line", evt.LineID), slog.String("webhook", evt.WebhookID))

	seen, err := s.locks.SeenWebhook(ctx, evt.WebhookID)
	if err != nil {
		log.Error("webhook dedup check failed", slog.String("error", err.Error()))
	}
	if seen {
		s.metrics.WebhookEvent("duplicate")
		s.recordEvent(ctx, evt, "duplicate")
		return Response{Accepted: true, Reason: "duplicate event"}
	}

	lock, err := s.locks.Acquire(ctx, evt.LineID)
	if errors.Is(err, locker.ErrLockHeld) {
		// A run is active: keep the side effects, merge the execution.
		if _, markErr := s.store.MarkLineNeedsUpdate(ctx, evt.LineID); markErr != nil {
			log.Error("marking line for price update", slog.String("error", markErr.Error()))
		}
		if rerunErr := s.locks.RequestRerun(ctx, evt.LineID); rerunErr != nil {
			log.Error("requesting rerun", slog.String("error", rerunErr.Error()))
		}
		s.metrics.WebhookEvent("deferred")
		s.recordEvent(ctx, evt, "deferred")
		log.Info("sync already running, resync deferred")
		return Response{Accepted: true, Reason: "sync already running, resync queued"}
	}
	if err != nil {
		s.metrics.WebhookEvent("error")
		log.Error("lock acquisition failed", slog.String("error", err.Error()))
		return Response{Accepted: false, Reason: "lock registry unavailable"}
	}

	s.metrics.WebhookEvent("accepted")
	s.recordEvent(ctx, evt, "accepted")
	log.Info("starting webhook resync")
	go s.runLocked(lock)
	return Response{Accepted: true}
}

// runLocked owns a held lock: renews it while the resync runs, loops while
// rerun requests accumulated, and releases it at the end.
func (s *Service) runLocked(lock *locker.Lock) {
	ctx := s.runCtx
	log := s.log.With(slog.Int("line", lock.LineID))

	stopRenew := make(chan struct{})
	defer close(stopRenew)
	go lock.KeepAlive(ctx, stopRenew)

	defer func() {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, locker.ErrLockLost) {
			log.Error("releasing line lock", slog.String("error", err.Error()))
		}
	}()

	for {
		refs := s.catalog.LineReferences(ctx, s.lineRange(), lock.LineID)
		log.Info("scoped listing complete", slog.Int("references", len(refs)))

		if _, err := s.syncer.RunLine(ctx, lock.LineID, refs); err != nil {
			log.Error("webhook resync failed", slog.String("error", err.Error()))
			return
		}
		s.publishBacklog(ctx)

		rerun, err := s.locks.ConsumeRerun(ctx, lock.LineID)
		if err != nil {
			log.Error("checking rerun flag", slog.String("error", err.Error()))
			return
		}
		if !rerun || ctx.Err() != nil {
			return
		}
		log.Info("coalesced rerun requested, resyncing again")
	}
}

func (s *Service) publishBacklog(ctx context.Context) {
	backlog, err := s.store.NeedsUpdateBacklog(ctx)
	if err != nil {
		s.log.Error("reading price update backlog", slog.String("error", err.Error()))
		return
	}
	s.metrics.SetBacklog(backlog)
}

func (s *Service) recordEvent(ctx context.Context, evt Event, outcome string) {
	if err := s.store.RecordWebhookEvent(ctx, evt.WebhookID, evt.LineID, outcome); err != nil {
		s.log.Error("recording webhook event", slog.String("error", err.Error()))
	}
}

// lineRange is the crawl span for scoped listings: configured start
// year/month through the current month, inclusive.
func (s *Service) lineRange() catalog.Range {
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
