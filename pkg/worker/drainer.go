package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DrainerOptions configures a Drainer.
type DrainerOptions[T any] struct {
	Name string
	// MaxBatch caps how many queued values one Handle call receives. Values
	// <= 0 mean one at a time.
	MaxBatch int
	// Handle must not keep batch after it returns.
	Handle func(batch []T) error
	// OnStop receives whatever was still queued when the drainer stopped.
	OnStop func(rest []T)
}

// Drainer consumes a channel on a single goroutine. Values already queued
// behind the first one are handed over together, in channel order.
type Drainer[T any] struct {
	opts DrainerOptions[T]
	in   <-chan T
	buf  []T

	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	once    sync.Once
}

func NewDrainer[T any](in <-chan T, opts DrainerOptions[T]) *Drainer[T] {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 1
	}
	return &Drainer[T]{
		opts:   opts,
		in:     in,
		buf:    make([]T, 0, opts.MaxBatch),
		cancel: func() {},
		done:   make(chan struct{}),
	}
}

func (d *Drainer[T]) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	go d.loop(ctx)
}

func (d *Drainer[T]) loop(ctx context.Context) {
	defer close(d.done)
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-d.in:
			if !ok {
				return
			}
			batch := d.collect(v)
			if err := d.opts.Handle(batch); err != nil {
				slog.Error("drainer handler failed", "drainer", d.opts.Name, "batch", len(batch), "error", err)
			}
		}
	}
}

// collect appends the values queued behind first without blocking.
func (d *Drainer[T]) collect(first T) []T {
	batch := append(d.buf[:0], first)
	for len(batch) < d.opts.MaxBatch {
		select {
		case v, ok := <-d.in:
			if !ok {
				return batch
			}
			batch = append(batch, v)
		default:
			return batch
		}
	}
	return batch
}

// Stop waits for the running batch, then hands queued values to OnStop.
// Senders must have stopped before Stop is called.
func (d *Drainer[T]) Stop() {
	d.once.Do(func() {
		if d.started.Load() {
			d.cancel()
			<-d.done
		}
		var rest []T
		for {
			select {
			case v, ok := <-d.in:
				if ok {
					rest = append(rest, v)
					continue
				}
			default:
			}
			break
		}
		if d.opts.OnStop != nil {
			d.opts.OnStop(rest)
		}
	})
}
