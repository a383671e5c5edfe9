package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := k.Lock(context.Background(), RequirementKey(1))
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, k.Len())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
	r1, err := k.Lock(context.Background(), ProjectKey(1))
	require.NoError(t, err)
	defer r1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r2, err := k.Lock(ctx, ProjectKey(2))
	require.NoError(t, err)
	r2()
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	k := NewKeyedMutex()
	release, err := k.Lock(context.Background(), RequirementKey(3))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, RequirementKey(3))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Equal(t, 0, k.Len())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "requirement:42", RequirementKey(42))
	assert.Equal(t, "project:7", ProjectKey(7))
}

func TestRedisLockerUnreachable(t *testing.T) {
	rdb := NewRedisClient("127.0.0.1:1")
	defer rdb.Close()
	l := NewRedisLocker(rdb, time.Second, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := l.Lock(ctx, RequirementKey(1))
	assert.Error(t, err)
}

func TestNewRedisLockerDefaults(t *testing.T) {
	l := NewRedisLocker(nil, 0, nil)
	assert.Equal(t, DefaultTTL, l.ttl)
	assert.NotNil(t, l.logger)
}
