package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(retries int) Config {
	return Config{MaxRetries: retries, InitialBackoff: 0, Multiplier: 2}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fastConfig(2)
	cfg.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

	err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("service exception")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_Exhausted(t *testing.T) {
	boom := errors.New("boom")
	calls := 0

	err := Do(context.Background(), fastConfig(1), func(ctx context.Context, attempt int) error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, boom)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(errors.New("bad request"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsPermanent(err))
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 3, InitialBackoff: time.Hour, Multiplier: 2}

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func(ctx context.Context, attempt int) error {
			return errors.New("fail")
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDoValue_ReturnsResult(t *testing.T) {
	v, err := DoValue(context.Background(), fastConfig(0), func(ctx context.Context, attempt int) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("worker returned 503"), true},
		{errors.New("unsupported protocol scheme"), false},
		{Permanent(errors.New("timeout")), false},
		{context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.err), "%v", tt.err)
	}
}
