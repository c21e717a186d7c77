package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Dispatcher hands events to a Handler on a fixed set of workers. Each event
// is routed to a worker by its key (the remote chat or the front-end context),
// so events sharing a key are handled one at a time in publish order while
// unrelated keys run concurrently.
type Dispatcher struct {
	handler Handler
	onError ErrorHandler
	shards  []chan any

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewDispatcher creates a dispatcher with the given worker count (min 1).
// queueSize is the total buffer, split evenly across workers. onError may be nil.
func NewDispatcher(h Handler, workers, queueSize int, onError ErrorHandler) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 256
	}
	per := (queueSize + workers - 1) / workers
	shards := make([]chan any, workers)
	for i := range shards {
		shards[i] = make(chan any, per)
	}
	return &Dispatcher{
		handler: h,
		onError: onError,
		shards:  shards,
		stopped: make(chan struct{}),
	}
}

// PublishRemote enqueues a remote event on its chat's worker, blocking while
// that worker's queue is full. Events published after Run returns are dropped.
func (d *Dispatcher) PublishRemote(ev RemoteEvent) { d.enqueue(ev.Chat.String(), ev) }

// PublishFrontend enqueues a front-end event on its context's worker.
func (d *Dispatcher) PublishFrontend(ev FrontendEvent) {
	d.enqueue("fe:"+strconv.FormatInt(ev.ContextID, 10), ev)
}

func (d *Dispatcher) enqueue(key string, ev any) {
	q := d.shards[d.shardFor(key)]
	select {
	case q <- ev:
	case <-d.stopped:
		slog.Debug("dispatcher stopped, event dropped", "key", key)
	}
}

func (d *Dispatcher) shardFor(key string) int {
	if len(d.shards) == 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.shards)))
}

// Run processes events until ctx is done or the error handler asks to halt.
// A failed event does not affect other in-flight events.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.stopOnce.Do(func() { close(d.stopped) })

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range d.shards {
		g.Go(func() error {
			return d.work(gctx, q)
		})
	}

	slog.Info("event dispatcher started", "workers", len(d.shards))
	defer slog.Info("event dispatcher stopped")

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (d *Dispatcher) work(ctx context.Context, q <-chan any) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-q:
			if err := d.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev any) error {
	var err error
	switch e := ev.(type) {
	case RemoteEvent:
		err = d.handler.HandleRemote(ctx, e)
	case FrontendEvent:
		err = d.handler.HandleFrontend(ctx, e)
	default:
		slog.Warn("dispatcher: unknown event type", "type", fmt.Sprintf("%T", ev))
		return nil
	}
	if err == nil {
		return nil
	}
	if d.onError != nil {
		if d.onError(ev, err) {
			return err
		}
		return nil
	}
	slog.Warn("event handling failed", "error", err)
	return nil
}
