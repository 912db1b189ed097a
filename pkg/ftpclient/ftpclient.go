// Package ftpclient provides a pooled, circuit-broken client for the vendor
// FTP server. The upstream is stateless and flaky: sessions drop mid-call,
// so broken sessions are replaced transparently within a bounded retry
// budget and repeated endpoint failures open a per-host circuit breaker.
package ftpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sgaunet/cruisesync/pkg/config"
)

// Service exposes directory listing and file fetching over the session pool.
type Service struct {
	cfg           config.FtpConfig
	pool          *Pool
	breakers      *BreakerRegistry
	retryAttempts int
	log           *slog.Logger
}

// NewService creates a client for the configured endpoint.
func NewService(cfg config.Config) *Service {
	return NewServiceWithDialer(cfg, NewDialer(cfg.Ftp))
}

// NewServiceWithDialer creates a client with a custom session dialer.
// Used by tests to inject fake sessions.
func NewServiceWithDialer(cfg config.Config, dialer Dialer) *Service {
	return &Service{
		cfg:           cfg.Ftp,
		pool:          NewPool(dialer, cfg.Ftp.PoolSize, cfg.Ftp.AcquireTimeout()),
		breakers:      NewBreakerRegistry(cfg.Breaker),
		retryAttempts: cfg.Sync.RetryAttempts,
		log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(log *slog.Logger) {
	s.log = log
	s.pool.SetLogger(log)
}

// Host returns the remote endpoint host.
func (s *Service) Host() string {
	return s.cfg.Host
}

// Breakers returns the per-host breaker registry, for health reporting.
func (s *Service) Breakers() *BreakerRegistry {
	return s.breakers
}

// ResetBreaker forces the endpoint's breaker closed. Operator recovery.
func (s *Service) ResetBreaker(host string) {
	s.breakers.Get(host).Reset()
	s.log.Info("circuit breaker manually reset", slog.String("host", host))
}

// ListDirectory lists one remote directory.
func (s *Service) ListDirectory(ctx context.Context, path string) ([]Entry, error) {
	var entries []Entry
	err := s.do(ctx, func(c Conn) error {
		var opErr error
		entries, opErr = c.List(path)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// FetchFile downloads one remote file.
func (s *Service) FetchFile(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := s.do(ctx, func(c Conn) error {
		var opErr error
		data, opErr = c.Fetch(path)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// do routes one operation through the breaker and the pool, replacing broken
// sessions and retrying transient failures within the retry budget.
func (s *Service) do(ctx context.Context, op func(Conn) error) error {
	breaker := s.breakers.Get(s.cfg.Host)

	var lastErr error
	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		// Consulted on every attempt: a failure below may have opened the
		// breaker, and a failed half-open trial call must not be retried.
		if err := breaker.Allow(); err != nil {
			return fmt.Errorf("%s: %w", s.cfg.Host, err)
		}

		sl, err := s.pool.acquire(ctx)
		if err != nil {
			// Pool saturation is local pressure, not endpoint failure;
			// it does not count toward the breaker.
			breaker.cancelProbe()
			return err
		}

		err = s.callWithTimeout(ctx, sl.conn, op)
		if err == nil {
			s.pool.release(sl, true)
			breaker.RecordSuccess()
			return nil
		}

		healthy := !errors.Is(err, ErrConnection)
		s.pool.release(sl, healthy)

		if !IsRetryable(err) {
			// Auth rejections and missing files are deterministic and do
			// not count against the endpoint; the reply itself proves the
			// transport is healthy.
			breaker.RecordSuccess()
			return err
		}
		breaker.RecordFailure()
		lastErr = err
		s.log.Warn("ftp call failed, replacing session",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	return lastErr
}

// callWithTimeout bounds one session operation by the configured call
// timeout. On timeout the session is abandoned; its slot is re-dialed later.
func (s *Service) callWithTimeout(ctx context.Context, conn Conn, op func(Conn) error) error {
	done := make(chan error, 1)
	go func() {
		done <- op(conn)
	}()

	timer := time.NewTimer(s.cfg.CallTimeout())
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w: call timed out after %s", ErrConnection, s.cfg.CallTimeout())
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConnection, ctx.Err())
	}
}

// Close releases all idle sessions.
func (s *Service) Close() {
	s.pool.Close()
}
