package locker_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgaunet/cruisesync/pkg/locker"
)

func newTestService(t *testing.T) (*locker.Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return locker.NewService(client, 10*time.Minute), mr
}

func TestAcquire_MutualExclusionPerLine(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	lock, err := svc.Acquire(ctx, 8)
	require.NoError(t, err)
	require.Equal(t, 8, lock.LineID)

	_, err = svc.Acquire(ctx, 8)
	assert.ErrorIs(t, err, locker.ErrLockHeld)

	// A different line is an independent lock.
	other, err := svc.Acquire(ctx, 643)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))
}

func TestRelease_ReopensTheLine(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	lock, err := svc.Acquire(ctx, 8)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))

	relocked, err := svc.Acquire(ctx, 8)
	require.NoError(t, err)
	require.NoError(t, relocked.Release(ctx))
}

func TestRelease_LostLockDetected(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	lock, err := svc.Acquire(ctx, 8)
	require.NoError(t, err)

	// The time-box expires and another holder takes over.
	mr.FastForward(11 * time.Minute)
	takeover, err := svc.Acquire(ctx, 8)
	require.NoError(t, err)

	assert.ErrorIs(t, lock.Release(ctx), locker.ErrLockLost)

	// The takeover's lock must survive the stale holder's release attempt.
	_, err = svc.Acquire(ctx, 8)
	assert.ErrorIs(t, err, locker.ErrLockHeld)
	require.NoError(t, takeover.Release(ctx))
}

func TestRenew_ExtendsTheTimeBox(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	lock, err := svc.Acquire(ctx, 8)
	require.NoError(t, err)

	mr.FastForward(8 * time.Minute)
	require.NoError(t, lock.Renew(ctx))

	// Past the original expiry but inside the renewed one.
	mr.FastForward(8 * time.Minute)
	_, err = svc.Acquire(ctx, 8)
	assert.ErrorIs(t, err, locker.ErrLockHeld)
}

func TestRenew_AfterExpiry(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	lock, err := svc.Acquire(ctx, 8)
	require.NoError(t, err)

	mr.FastForward(11 * time.Minute)
	assert.ErrorIs(t, lock.Renew(ctx), locker.ErrLockLost)
}

func TestKeepAlive_ReturnsWhenStopped(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	lock, err := svc.Acquire(ctx, 8)
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		lock.KeepAlive(ctx, stop)
		close(done)
	}()

	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("KeepAlive must return once stopped")
	}
	require.NoError(t, lock.Release(ctx))
}

func TestKeepAlive_ReturnsWhenLockLost(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc := locker.NewService(client, 300*time.Millisecond)
	ctx := context.Background()

	lock, err := svc.Acquire(ctx, 8)
	require.NoError(t, err)
	mr.FastForward(time.Second)

	done := make(chan struct{})
	go func() {
		lock.KeepAlive(ctx, make(chan struct{}))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("KeepAlive must give up once the time-box expired")
	}
}

func TestRerunFlag_CoalescesRequests(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pending, err := svc.ConsumeRerun(ctx, 8)
	require.NoError(t, err)
	assert.False(t, pending)

	// A burst of requests collapses into one flag.
	require.NoError(t, svc.RequestRerun(ctx, 8))
	require.NoError(t, svc.RequestRerun(ctx, 8))
	require.NoError(t, svc.RequestRerun(ctx, 8))

	pending, err = svc.ConsumeRerun(ctx, 8)
	require.NoError(t, err)
	assert.True(t, pending)

	// Consuming clears the flag.
	pending, err = svc.ConsumeRerun(ctx, 8)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestSeenWebhook_DetectsReplays(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	seen, err := svc.SeenWebhook(ctx, "evt-20250712-0001")
	require.NoError(t, err)
	assert.False(t, seen, "first delivery is fresh")

	seen, err = svc.SeenWebhook(ctx, "evt-20250712-0001")
	require.NoError(t, err)
	assert.True(t, seen, "replayed delivery must be flagged")

	seen, err = svc.SeenWebhook(ctx, "evt-20250712-0002")
	require.NoError(t, err)
	assert.False(t, seen, "distinct event ids are independent")
}

func TestPing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	assert.NoError(t, locker.Ping(context.Background(), client))

	mr.Close()
	assert.Error(t, locker.Ping(context.Background(), client))
}
