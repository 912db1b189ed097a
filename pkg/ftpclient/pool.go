package ftpclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// slot is one pool slot. A nil conn means the slot needs a fresh dial.
type slot struct {
	conn Conn
}

// Pool maintains a fixed number of persistent remote sessions. Callers block
// on acquire until a session frees up, bounded by the acquire timeout.
// Sessions are dialed lazily and broken sessions are replaced transparently.
type Pool struct {
	dialer         Dialer
	free           chan *slot
	acquireTimeout time.Duration
	dialRetries    uint64
	log            *slog.Logger
}

// NewPool creates a pool of size slots.
func NewPool(dialer Dialer, size int, acquireTimeout time.Duration) *Pool {
	p := &Pool{
		dialer:         dialer,
		free:           make(chan *slot, size),
		acquireTimeout: acquireTimeout,
		dialRetries:    2,
		log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for i := 0; i < size; i++ {
		p.free <- &slot{}
	}
	return p
}

// SetLogger sets the logger for the pool.
func (p *Pool) SetLogger(log *slog.Logger) {
	p.log = log
}

// acquire blocks until a slot is free, dialing a session for empty slots.
func (p *Pool) acquire(ctx context.Context) (*slot, error) {
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case s := <-p.free:
		if s.conn == nil {
			conn, err := p.dial(ctx)
			if err != nil {
				p.free <- s
				return nil, err
			}
			s.conn = conn
		}
		return s, nil
	case <-timer.C:
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns a slot to the pool. An unhealthy session is closed and its
// slot re-dialed lazily on next acquire.
func (p *Pool) release(s *slot, healthy bool) {
	if !healthy && s.conn != nil {
		if err := s.conn.Quit(); err != nil {
			p.log.Debug("closing broken ftp session", slog.String("error", err.Error()))
		}
		s.conn = nil
	}
	p.free <- s
}

// dial opens a session with bounded exponential backoff.
func (p *Pool) dial(ctx context.Context) (Conn, error) {
	var conn Conn
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.dialRetries), ctx)
	err := backoff.Retry(func() error {
		var dialErr error
		conn, dialErr = p.dialer(ctx)
		if dialErr != nil {
			p.log.Warn("ftp dial failed", slog.String("error", dialErr.Error()))
			if !IsRetryable(dialErr) {
				return backoff.Permanent(dialErr)
			}
		}
		return dialErr
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("dial ftp session: %w", err)
	}
	return conn, nil
}

// Close quits every idle session. In-flight sessions are closed when
// released.
func (p *Pool) Close() {
	for {
		select {
		case s := <-p.free:
			if s.conn != nil {
				_ = s.conn.Quit()
				s.conn = nil
			}
		default:
			return
		}
	}
}
