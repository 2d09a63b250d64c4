// Package fanout runs a function over a runtime-sized list with a concurrency
// ceiling, reassembling results in submission order.
package fanout

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Options bounds a single fan-out
type Options struct {
	// Limit caps concurrent items for this fan-out. Zero or less means len(items).
	Limit int

	// Shared, when set, is acquired per item on top of Limit so several
	// fan-outs can share one backend ceiling. Excess items wait; they never fail.
	Shared *semaphore.Weighted

	// InFlight is called with +1/-1 as items start and finish
	InFlight func(delta int)
}

// ItemError reports which item failed
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Map calls fn for every item and returns the results aligned with items:
// out[i] is fn(items[i]) no matter which item finished first.
// The first failure cancels the remaining items and is returned as an *ItemError;
// results of items that did finish are discarded.
func Map[In, Out any](ctx context.Context, items []In, opts Options, fn func(ctx context.Context, index int, item In) (Out, error)) ([]Out, error) {
	out := make([]Out, len(items))
	err := run(ctx, items, opts, func(ctx context.Context, i int, item In) error {
		res, err := fn(ctx, i, item)
		if err != nil {
			return err
		}
		// Each goroutine owns exactly one slot
		out[i] = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ForEach is Map without result collection. Workers are expected to persist
// their own output; nothing they return is held in memory.
func ForEach[In any](ctx context.Context, items []In, opts Options, fn func(ctx context.Context, index int, item In) error) error {
	return run(ctx, items, opts, fn)
}

func run[In any](ctx context.Context, items []In, opts Options, fn func(ctx context.Context, index int, item In) error) error {
	if len(items) == 0 {
		return nil
	}

	limit := opts.Limit
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var failed atomic.Bool
	for i, item := range items {
		if failed.Load() || gctx.Err() != nil {
			break
		}
		i, item := i, item
		g.Go(func() error {
			if opts.Shared != nil {
				if err := opts.Shared.Acquire(gctx, 1); err != nil {
					return &ItemError{Index: i, Err: context.Cause(gctx)}
				}
				defer opts.Shared.Release(1)
			}
			if opts.InFlight != nil {
				opts.InFlight(1)
				defer opts.InFlight(-1)
			}
			if err := fn(gctx, i, item); err != nil {
				failed.Store(true)
				return &ItemError{Index: i, Err: err}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	// Parent cancelled before every item was scheduled
	if err := context.Cause(ctx); err != nil {
		return err
	}
	return nil
}
