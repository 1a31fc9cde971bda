package redlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestLocker_LockUnlock(t *testing.T) {
	client := newTestRedis(t)
	locker := NewLocker(client, "sweep:lock", "holder-1")

	err := locker.Lock(context.Background(), 5*time.Second)
	assert.NoError(t, err)

	err = locker.Unlock(context.Background())
	assert.NoError(t, err)
}

func TestLocker_Lock_AlreadyHeld(t *testing.T) {
	client := newTestRedis(t)

	first := NewLocker(client, "sweep:lock", "holder-1")
	second := NewLocker(client, "sweep:lock", "holder-2")

	require.NoError(t, first.Lock(context.Background(), 5*time.Second))

	err := second.Lock(context.Background(), 5*time.Second)
	assert.EqualError(t, err, "lock for key sweep:lock is already held")
}

func TestLocker_Unlock_NotHolder(t *testing.T) {
	client := newTestRedis(t)

	first := NewLocker(client, "sweep:lock", "holder-1")
	second := NewLocker(client, "sweep:lock", "holder-2")

	require.NoError(t, first.Lock(context.Background(), 5*time.Second))

	err := second.Unlock(context.Background())
	assert.Error(t, err)
}

func TestLocker_ExtendLock(t *testing.T) {
	client := newTestRedis(t)
	locker := NewLocker(client, "sweep:lock", "holder-1")

	require.NoError(t, locker.Lock(context.Background(), time.Second))

	err := locker.ExtendLock(context.Background(), 10*time.Second)
	assert.NoError(t, err)
}

func TestLocker_WaitLock_Timeout(t *testing.T) {
	client := newTestRedis(t)

	first := NewLocker(client, "sweep:lock", "holder-1")
	second := NewLocker(client, "sweep:lock", "holder-2")

	require.NoError(t, first.Lock(context.Background(), time.Minute))

	err := second.WaitLock(context.Background(), time.Minute, 300*time.Millisecond)
	assert.EqualError(t, err, "failed to acquire lock for key sweep:lock within the wait timeout")
}

func TestLocker_WaitLock_AcquiresAfterRelease(t *testing.T) {
	client := newTestRedis(t)

	first := NewLocker(client, "sweep:lock", "holder-1")
	second := NewLocker(client, "sweep:lock", "holder-2")

	require.NoError(t, first.Lock(context.Background(), time.Minute))

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = first.Unlock(context.Background())
	}()

	err := second.WaitLock(context.Background(), time.Minute, 2*time.Second)
	assert.NoError(t, err)
}
