package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsHooksInReverse(t *testing.T) {
	m := New(time.Second, nil)

	var order []string
	for _, name := range []string{"store", "engine", "http"} {
		name := name
		m.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"http", "engine", "store"}, order)

	select {
	case <-m.Done():
	default:
		t.Fatal("Done must be closed after Shutdown")
	}
}

func TestShutdownContinuesPastErrors(t *testing.T) {
	m := New(time.Second, nil)
	boom := errors.New("boom")

	closed := false
	m.Register("store", func(context.Context) error { closed = true; return nil })
	m.Register("engine", func(context.Context) error { return boom })

	err := m.Shutdown()
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "engine")
	assert.True(t, closed)
}

func TestShutdownRunsOnce(t *testing.T) {
	m := New(time.Second, nil)
	calls := 0
	m.Register("x", func(context.Context) error { calls++; return nil })

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())
	assert.Equal(t, 1, calls)
}

func TestWaitReturnsOnContextCancel(t *testing.T) {
	m := New(time.Second, nil)
	ran := false
	m.Register("x", func(context.Context) error { ran = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, m.Wait(ctx))
	assert.True(t, ran)
}

func TestWaitFor(t *testing.T) {
	calls := 0
	fn := WaitFor(func() bool { calls++; return calls >= 3 }, time.Millisecond)
	require.NoError(t, fn(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := WaitFor(func() bool { return false }, time.Millisecond)(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type closer struct{ err error }

func (c closer) Close() error { return c.err }

func TestCloseResource(t *testing.T) {
	assert.NoError(t, CloseResource(closer{})(context.Background()))
	assert.Error(t, CloseResource(closer{err: errors.New("x")})(context.Background()))
}
