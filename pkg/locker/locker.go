// Package locker implements the per-cruise-line mutual exclusion tokens and
// the webhook coalescing flags on redis. Locks are time-boxed: a crashed
// holder's lock expires on its own, so a line can never be locked out
// permanently.
package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sgaunet/cruisesync/pkg/config"
)

// ErrLockHeld is returned when another run already holds the line lock.
var ErrLockHeld = errors.New("cruise line lock already held")

// ErrLockLost is returned when a renew or release finds the lock expired or
// taken over by another holder.
var ErrLockLost = errors.New("cruise line lock lost")

const (
	lockKeyFmt    = "cruisesync:lock:line:%d"
	rerunKeyFmt   = "cruisesync:rerun:line:%d"
	webhookKeyFmt = "cruisesync:webhook:seen:%s"

	rerunTTL   = 24 * time.Hour
	webhookTTL = 24 * time.Hour
)

// Compare-token scripts so release/renew cannot touch a lock that expired
// and was re-acquired by another holder.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// NewRedisClient creates a redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Service is the lock registry. Keyed redis SET NX with a holder token gives
// the atomic compare-and-set acquire; expiry gives the time-box.
type Service struct {
	client *redis.Client
	ttl    time.Duration
}

// NewService creates a lock registry with the given lock time-box.
func NewService(client *redis.Client, ttl time.Duration) *Service {
	return &Service{client: client, ttl: ttl}
}

// Lock is a held cruise-line lock.
type Lock struct {
	svc    *Service
	key    string
	token  string
	LineID int
}

// Acquire takes the lock for a line, or returns ErrLockHeld if a run for
// that line is already active.
func (s *Service) Acquire(ctx context.Context, lineID int) (*Lock, error) {
	key := fmt.Sprintf(lockKeyFmt, lineID)
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock for line %d: %w", lineID, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{svc: s, key: key, token: token, LineID: lineID}, nil
}

// Release frees the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.svc.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Renew extends the time-box if this holder still owns the lock. Long runs
// renew periodically; an unresponsive holder simply stops renewing and the
// lock expires.
func (l *Lock) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.svc.client, []string{l.key}, l.token, l.svc.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// KeepAlive renews the lock at a third of its time-box until stop closes,
// the context ends, or a renew reports the lock lost.
func (l *Lock) KeepAlive(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(l.svc.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.Renew(ctx); err != nil {
				return
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RequestRerun flags that another resync was requested for a line while a
// run is active. Replayed webhook bursts collapse into this single flag.
func (s *Service) RequestRerun(ctx context.Context, lineID int) error {
	key := fmt.Sprintf(rerunKeyFmt, lineID)
	if err := s.client.Set(ctx, key, "1", rerunTTL).Err(); err != nil {
		return fmt.Errorf("request rerun for line %d: %w", lineID, err)
	}
	return nil
}

// ConsumeRerun atomically reads and clears a line's rerun flag.
func (s *Service) ConsumeRerun(ctx context.Context, lineID int) (bool, error) {
	key := fmt.Sprintf(rerunKeyFmt, lineID)
	_, err := s.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume rerun for line %d: %w", lineID, err)
	}
	return true, nil
}

// SeenWebhook records a webhook event id and reports whether it was already
// seen. Upstream delivery is at-least-once, so replays are expected.
func (s *Service) SeenWebhook(ctx context.Context, eventID string) (bool, error) {
	key := fmt.Sprintf(webhookKeyFmt, eventID)
	fresh, err := s.client.SetNX(ctx, key, "1", webhookTTL).Result()
	if err != nil {
		return false, fmt.Errorf("record webhook %s: %w", eventID, err)
	}
	return !fresh, nil
}

// Ping verifies the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}
