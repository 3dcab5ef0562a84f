package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the dispatcher channel capacity used by main.
const DefaultBufferSize = 1024

// emitTimeout bounds a single downstream write so a stuck sink cannot stall the queue forever.
const emitTimeout = 5 * time.Second

// Dispatcher decouples producers from a slow or failing Sink.
// Emit never blocks: when the buffer is full the event is dropped and counted.
// Downstream errors are logged locally and never returned to producers.
type Dispatcher struct {
	sink      Sink
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts the drain goroutine. Call Close on shutdown.
func NewDispatcher(sink Sink, bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if sink == nil {
		sink = NopSink{}
	}
	d := &Dispatcher{
		sink: sink,
		ch:   make(chan Event, bufferSize),
		done: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case e := <-d.ch:
			d.write(e)
		case <-d.done:
			// Drain what is already buffered, then stop.
			for {
				select {
				case e := <-d.ch:
					d.write(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) write(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if err := d.sink.Emit(ctx, e); err != nil {
		slog.Warn("audit sink write failed", "type", e.Type, "error", err)
	}
}

// Emit queues e. Always returns nil so it satisfies Sink.
func (d *Dispatcher) Emit(_ context.Context, e Event) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	select {
	case d.ch <- e:
	default:
		d.dropped.Add(1)
		slog.Warn("audit buffer full, event dropped", "type", e.Type)
	}
	return nil
}

// Close stops accepting events, flushes the buffer and waits for the drain goroutine.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports how many events were discarded because the buffer was full.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
