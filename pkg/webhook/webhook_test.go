package webhook_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgaunet/cruisesync/pkg/catalog"
	"github.com/sgaunet/cruisesync/pkg/config"
	"github.com/sgaunet/cruisesync/pkg/dto"
	"github.com/sgaunet/cruisesync/pkg/locker"
	"github.com/sgaunet/cruisesync/pkg/webhook"
)

// fakeCataloger returns a fixed scoped listing.
type fakeCataloger struct {
	refs []dto.SailingReference
}

func (c *fakeCataloger) LineReferences(context.Context, catalog.Range, int) []dto.SailingReference {
	return c.refs
}

// fakeRunner records RunLine calls and can hold a run open so tests can
// observe in-flight behavior.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []int
	started chan int
	proceed chan struct{}
}

func (r *fakeRunner) RunLine(ctx context.Context, lineID int, _ []dto.SailingReference) (dto.RunReport, error) {
	r.mu.Lock()
	r.calls = append(r.calls, lineID)
	r.mu.Unlock()
	if r.started != nil {
		r.started <- lineID
	}
	if r.proceed != nil {
		select {
		case <-r.proceed:
		case <-ctx.Done():
		}
	}
	return dto.RunReport{RunID: "run-1"}, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// fakeIntakeStore records intake side effects.
type fakeIntakeStore struct {
	mu     sync.Mutex
	marked map[int]bool
	events []string
}

func newFakeIntakeStore() *fakeIntakeStore {
	return &fakeIntakeStore{marked: map[int]bool{}}
}

func (s *fakeIntakeStore) MarkLineNeedsUpdate(_ context.Context, lineID int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked[lineID] = true
	return 10, nil
}

func (s *fakeIntakeStore) RecordWebhookEvent(_ context.Context, eventID string, _ int, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventID+":"+outcome)
	return nil
}

func (s *fakeIntakeStore) NeedsUpdateBacklog(context.Context) (int64, error) {
	return 0, nil
}

func (s *fakeIntakeStore) lineMarked(lineID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marked[lineID]
}

func (s *fakeIntakeStore) outcomes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type fixture struct {
	svc    *webhook.Service
	locks  *locker.Service
	runner *fakeRunner
	store  *fakeIntakeStore
}

func newFixture(t *testing.T, runner *fakeRunner) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		Sync: config.SyncConfig{StartYear: 2025, StartMonth: 7, LockTTLMinutes: 1},
	}
	locks := locker.NewService(client, cfg.Sync.LockTTL())
	store := newFakeIntakeStore()
	cat := &fakeCataloger{refs: []dto.SailingReference{
		{Year: 2025, Month: 7, LineID: 8, ShipID: 410, SailingID: "2185023"},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc := webhook.NewService(ctx, cfg, locks, cat, runner, store, nil)
	return &fixture{svc: svc, locks: locks, runner: runner, store: store}
}

func post(t *testing.T, svc *webhook.Service, body string) (*httptest.ResponseRecorder, webhook.Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/cruiseline-pricing", strings.NewReader(body))
	w := httptest.NewRecorder()
	svc.Handler(w, req)

	var resp webhook.Response
	if w.Code == http.StatusAccepted {
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	}
	return w, resp
}

func lineUnlocked(f *fixture, lineID int) func() bool {
	return func() bool {
		lock, err := f.locks.Acquire(context.Background(), lineID)
		if err != nil {
			return false
		}
		_ = lock.Release(context.Background())
		return true
	}
}

func TestHandler_RejectsUndecodableBody(t *testing.T) {
	f := newFixture(t, &fakeRunner{})

	w, _ := post(t, f.svc, `{"eventType": `)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, f.runner.callCount())
}

func TestHandler_IgnoresUnsupportedEvents(t *testing.T) {
	f := newFixture(t, &fakeRunner{})

	tests := []struct {
		name string
		body string
	}{
		{name: "unknown event type", body: `{"eventType": "itinerary_changed", "lineId": 8}`},
		{name: "missing line id", body: `{"eventType": "cruiseline_pricing_updated"}`},
		{name: "negative line id", body: `{"eventType": "cruiseline_pricing_updated", "lineId": -1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := post(t, f.svc, tt.body)
			assert.Equal(t, http.StatusAccepted, w.Code, "intake never makes the vendor retry")
			assert.False(t, resp.Accepted)
			assert.Equal(t, "unsupported event", resp.Reason)
		})
	}
	assert.Equal(t, 0, f.runner.callCount())
}

func TestHandler_AcceptedEventRunsScopedResync(t *testing.T) {
	f := newFixture(t, &fakeRunner{})

	w, resp := post(t, f.svc, `{"eventType": "cruiseline_pricing_updated", "lineId": 8, "webhookId": "w-1"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, resp.Accepted)

	require.Eventually(t, func() bool { return f.runner.callCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, lineUnlocked(f, 8), 2*time.Second, 10*time.Millisecond,
		"the line lock must be released after the resync")
	assert.Contains(t, f.store.outcomes(), "w-1:accepted")
}

func TestHandler_DuplicateWebhookDropped(t *testing.T) {
	runner := &fakeRunner{started: make(chan int, 2), proceed: make(chan struct{})}
	f := newFixture(t, runner)

	body := `{"eventType": "cruiseline_pricing_updated", "lineId": 8, "webhookId": "w-dup"}`
	_, resp := post(t, f.svc, body)
	require.True(t, resp.Accepted)
	<-runner.started

	_, resp = post(t, f.svc, body)
	assert.True(t, resp.Accepted, "replays are acknowledged, not retried by the vendor")
	assert.Equal(t, "duplicate event", resp.Reason)
	assert.False(t, f.store.lineMarked(8), "a replay must not queue extra work")

	close(runner.proceed)
	require.Eventually(t, lineUnlocked(f, 8), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, runner.callCount())
}

func TestHandler_ConcurrentEventCoalescesIntoRerun(t *testing.T) {
	runner := &fakeRunner{started: make(chan int, 4), proceed: make(chan struct{}, 4)}
	f := newFixture(t, runner)

	_, resp := post(t, f.svc, `{"eventType": "cruiseline_pricing_updated", "lineId": 8, "webhookId": "w-a"}`)
	require.True(t, resp.Accepted)
	<-runner.started

	// Second distinct event while the run holds the line lock.
	_, resp = post(t, f.svc, `{"eventType": "cruiseline_pricing_updated", "lineId": 8, "webhookId": "w-b"}`)
	assert.True(t, resp.Accepted)
	assert.Equal(t, "sync already running, resync queued", resp.Reason)
	assert.True(t, f.store.lineMarked(8), "pending sailings must be flagged immediately")
	assert.Equal(t, 1, runner.callCount(), "at most one run per line at a time")

	// Finishing the first run must trigger exactly one coalesced rerun.
	runner.proceed <- struct{}{}
	<-runner.started
	runner.proceed <- struct{}{}

	require.Eventually(t, lineUnlocked(f, 8), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, runner.callCount())
	assert.Contains(t, f.store.outcomes(), "w-b:deferred")
}

func TestHandler_DifferentLinesRunIndependently(t *testing.T) {
	runner := &fakeRunner{started: make(chan int, 2), proceed: make(chan struct{}, 2)}
	f := newFixture(t, runner)

	_, respA := post(t, f.svc, `{"eventType": "cruiseline_pricing_updated", "lineId": 8, "webhookId": "w-8"}`)
	_, respB := post(t, f.svc, `{"eventType": "cruiseline_pricing_updated", "lineId": 643, "webhookId": "w-643"}`)
	require.True(t, respA.Accepted)
	require.True(t, respB.Accepted)
	assert.Empty(t, respB.Reason, "another line's run must not defer this one")

	lines := map[int]bool{<-runner.started: true, <-runner.started: true}
	assert.Equal(t, map[int]bool{8: true, 643: true}, lines)

	runner.proceed <- struct{}{}
	runner.proceed <- struct{}{}
	require.Eventually(t, lineUnlocked(f, 8), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, lineUnlocked(f, 643), 2*time.Second, 10*time.Millisecond)
}

func TestHandler_GeneratesWebhookIDWhenAbsent(t *testing.T) {
	f := newFixture(t, &fakeRunner{})

	_, resp := post(t, f.svc, `{"eventType": "cruiseline_pricing_updated", "lineId": 8}`)
	assert.True(t, resp.Accepted)

	require.Eventually(t, func() bool { return len(f.store.outcomes()) == 1 },
		2*time.Second, 10*time.Millisecond)
	outcome := f.store.outcomes()[0]
	assert.True(t, strings.HasSuffix(outcome, ":accepted"))
	assert.NotEqual(t, ":accepted", outcome, "a generated id must be recorded")
	require.Eventually(t, lineUnlocked(f, 8), 2*time.Second, 10*time.Millisecond)
}

func TestHandler_LockRegistryUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{Sync: config.SyncConfig{LockTTLMinutes: 1}}
	locks := locker.NewService(client, cfg.Sync.LockTTL())
	svc := webhook.NewService(context.Background(), cfg, locks,
		&fakeCataloger{}, &fakeRunner{}, newFakeIntakeStore(), nil)

	mr.Close()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/cruiseline-pricing",
		strings.NewReader(`{"eventType": "cruiseline_pricing_updated", "lineId": 8, "webhookId": "w-x"}`))
	w := httptest.NewRecorder()
	svc.Handler(w, req)

	var resp webhook.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Accepted)
	assert.Equal(t, "lock registry unavailable", resp.Reason)
}
