package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

func TestMap_PreservesSubmissionOrder(t *testing.T) {
	items := make([]int, 25)
	for i := range items {
		items[i] = i
	}

	// Later items finish first
	out, err := Map(context.Background(), items, Options{Limit: 5}, func(ctx context.Context, i int, item int) (int, error) {
		time.Sleep(time.Duration(len(items)-i) * time.Millisecond)
		return item * 10, nil
	})

	require.NoError(t, err)
	require.Len(t, out, len(items))
	for i, v := range out {
		assert.Equal(t, i*10, v, "slot %d", i)
	}
}

func TestMap_RespectsLimit(t *testing.T) {
	var current, peak atomic.Int32
	items := make([]struct{}, 30)

	_, err := Map(context.Background(), items, Options{Limit: 4}, func(ctx context.Context, i int, _ struct{}) (int, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		current.Add(-1)
		return i, nil
	})

	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Greater(t, peak.Load(), int32(0))
}

func TestMap_SharedSemaphoreCapsAcrossFanouts(t *testing.T) {
	shared := semaphore.NewWeighted(3)
	var current, peak atomic.Int32
	track := func(delta int) {
		n := current.Add(int32(delta))
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				return
			}
		}
	}

	var wg sync.WaitGroup
	for n := 0; n < 3; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ForEach(context.Background(), make([]int, 10), Options{Limit: 10, Shared: shared, InFlight: track},
				func(ctx context.Context, i int, _ int) error {
					time.Sleep(time.Millisecond)
					return nil
				})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestMap_FirstFailureAbandonsTheRest(t *testing.T) {
	boom := errors.New("diarization failed")
	var started atomic.Int32

	out, err := Map(context.Background(), make([]int, 50), Options{Limit: 2}, func(ctx context.Context, i int, _ int) (int, error) {
		started.Add(1)
		if i == 3 {
			return 0, boom
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Millisecond):
		}
		return i, nil
	})

	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, boom)

	var itemErr *ItemError
	require.ErrorAs(t, err, &itemErr)
	assert.Equal(t, 3, itemErr.Index)
	assert.Less(t, started.Load(), int32(50))
}

func TestMap_EmptyInput(t *testing.T) {
	out, err := Map(context.Background(), []string{}, Options{Limit: 5}, func(ctx context.Context, i int, s string) (string, error) {
		t.Fatal("fn must not be called")
		return "", nil
	})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMap_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Map(ctx, []int{1, 2, 3}, Options{Limit: 1}, func(ctx context.Context, i int, item int) (int, error) {
		return item, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
