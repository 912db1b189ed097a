// Package health provides database and remote-endpoint health monitoring.
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sgaunet/cruisesync/pkg/ftpclient"
)

// Status represents the current health status.
type Status string

const (
	// StatusHealthy indicates the service is functioning normally.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the service is experiencing issues.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the health status hasn't been determined yet.
	StatusUnknown Status = "unknown"
)

// Service tracks database connectivity and circuit breaker states.
type Service struct {
	mu                  sync.RWMutex
	db                  *sql.DB
	breakers            *ftpclient.BreakerRegistry
	status              Status
	lastCheck           time.Time
	lastError           error
	consecutiveFailures int
	checkInterval       time.Duration
	log                 *slog.Logger
}

// Info contains current health information.
type Info struct {
	Status              Status            `json:"status"`
	LastCheck           time.Time         `json:"last_check"`
	LastError           string            `json:"last_error,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Breakers            map[string]string `json:"breakers"`
}

// NewService creates a health monitor.
func NewService(db *sql.DB, breakers *ftpclient.BreakerRegistry) *Service {
	return &Service{
		db:            db,
		breakers:      breakers,
		status:        StatusUnknown,
		checkInterval: 30 * time.Second,
		log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(log *slog.Logger) {
	s.log = log
}

// Start runs periodic checks until the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.check(ctx)
	ticker := time.NewTicker(s.checkInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Service) check(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.db.PingContext(pingCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCheck = time.Now()
	s.lastError = err
	if err != nil {
		s.consecutiveFailures++
		s.status = StatusUnhealthy
		s.log.Warn("database health check failed",
			slog.String("error", err.Error()),
			slog.Int("consecutive_failures", s.consecutiveFailures))
		return
	}
	s.consecutiveFailures = 0
	s.status = StatusHealthy
}

// Current returns a snapshot of the health state.
func (s *Service) Current() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		Status:              s.status,
		LastCheck:           s.lastCheck,
		ConsecutiveFailures: s.consecutiveFailures,
		Breakers:            map[string]string{},
	}
	if s.lastError != nil {
		info.LastError = s.lastError.Error()
	}
	if s.breakers != nil {
		for host, state := range s.breakers.States() {
			info.Breakers[host] = string(state)
		}
	}
	return info
}

// Handler serves the health snapshot as JSON.
func (s *Service) Handler(w http.ResponseWriter, _ *http.Request) {
	info := s.Current()
	w.Header().Set("Content-Type", "application/json")
	if info.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(info); err != nil {
		s.log.Error("encoding health response", slog.String("error", err.Error()))
	}
}
