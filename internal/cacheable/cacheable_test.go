package cacheable

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetResolvesOnce(t *testing.T) {
	var calls atomic.Int32
	c := New(0, func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "value", nil
	})

	v, ok := c.Get(context.Background(), FallbackDefaultForType)
	require.True(t, ok)
	assert.Equal(t, "value", v)

	v, ok = c.Get(context.Background(), FallbackDefaultForType)
	require.True(t, ok)
	assert.Equal(t, "value", v)
	assert.Equal(t, int32(1), calls.Load(), "second Get must hit the cache")
}

func TestGetConcurrentSingleResolution(t *testing.T) {
	var calls atomic.Int32
	c := New(0, func(ctx context.Context) (int, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return 7, nil
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok := c.Get(context.Background(), FallbackDefaultForType)
			assert.True(t, ok)
			assert.Equal(t, 7, v)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestFallbackSuccessPreviously(t *testing.T) {
	fail := false
	c := New(time.Nanosecond, func(ctx context.Context) (string, error) {
		if fail {
			return "", errors.New("resolver down")
		}
		return "good", nil
	})

	v, ok := c.Get(context.Background(), FallbackSuccessPreviously)
	require.True(t, ok)
	require.Equal(t, "good", v)

	fail = true
	time.Sleep(time.Millisecond) // let the value expire

	v, ok = c.Get(context.Background(), FallbackSuccessPreviously)
	assert.False(t, ok, "resolution failed, ok must be false")
	assert.Equal(t, "good", v, "previous success must be returned")
}

func TestFallbackFailedNowKeepsValue(t *testing.T) {
	fail := false
	c := New(time.Nanosecond, func(ctx context.Context) (string, error) {
		if fail {
			return "", errors.New("resolver down")
		}
		return "good", nil
	})

	_, ok := c.Get(context.Background(), FallbackFailedNow)
	require.True(t, ok)

	fail = true
	time.Sleep(time.Millisecond)

	v, ok := c.Get(context.Background(), FallbackFailedNow)
	assert.False(t, ok)
	assert.Empty(t, v)

	// The stale value survives for a later FallbackSuccessPreviously read.
	v, ok = c.Get(context.Background(), FallbackSuccessPreviously)
	assert.False(t, ok)
	assert.Equal(t, "good", v)
}

func TestFallbackDefaultForTypeDiscards(t *testing.T) {
	fail := false
	c := New(time.Nanosecond, func(ctx context.Context) (string, error) {
		if fail {
			return "", errors.New("resolver down")
		}
		return "good", nil
	})

	_, ok := c.Get(context.Background(), FallbackDefaultForType)
	require.True(t, ok)

	fail = true
	time.Sleep(time.Millisecond)

	v, ok := c.Get(context.Background(), FallbackDefaultForType)
	assert.False(t, ok)
	assert.Empty(t, v)

	// The failure wiped the cache, so even the previous success is gone.
	v, ok = c.Get(context.Background(), FallbackSuccessPreviously)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestReset(t *testing.T) {
	var calls atomic.Int32
	c := New(0, func(ctx context.Context) (int, error) {
		calls.Add(1)
		return int(calls.Load()), nil
	})

	v, _ := c.Get(context.Background(), FallbackDefaultForType)
	assert.Equal(t, 1, v)

	c.Reset()

	v, _ = c.Get(context.Background(), FallbackDefaultForType)
	assert.Equal(t, 2, v, "reset must force a new resolution")
}
