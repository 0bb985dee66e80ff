package orchestrator

import (
	"context"
	"errors"
	"sync"
)

// Run consumes events until ctx is cancelled or events is closed. Events
// for one session key are handled one at a time in arrival order; events
// for different keys are handled concurrently. Run returns after every
// dispatched event has been handled. Background submissions may still be
// running; call Wait to drain them.
func (o *Orchestrator) Run(ctx context.Context, events <-chan Event) error {
	d := &dispatcher{o: o, queues: make(map[string][]Event)}
	defer d.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.enqueue(ctx, ev)
		}
	}
}

// dispatcher keeps one FIFO queue per session key with at most one
// goroutine draining it.
type dispatcher struct {
	o      *Orchestrator
	mu     sync.Mutex
	queues map[string][]Event
	wg     sync.WaitGroup
}

func (d *dispatcher) enqueue(ctx context.Context, ev Event) {
	key := ev.SessionKey()

	d.mu.Lock()
	q, active := d.queues[key]
	d.queues[key] = append(q, ev)
	d.mu.Unlock()

	if active {
		return
	}
	d.wg.Add(1)
	go d.drain(ctx, key)
}

func (d *dispatcher) drain(ctx context.Context, key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		ev := q[0]
		d.queues[key] = q[1:]
		d.mu.Unlock()

		if ctx.Err() != nil {
			continue
		}
		if err := d.o.Handle(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
			d.o.logger.Error("handle event failed", "session", key, "kind", ev.Kind, "error", err)
		}
	}
}
