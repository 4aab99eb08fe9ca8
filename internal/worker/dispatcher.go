package worker

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

const (
	popTimeout = 2 * time.Second
	// coordinatorInterval paces cluster housekeeping between pops.
	coordinatorInterval = 30 * time.Second
	// normalOnlyRatio reserves every Nth worker for the normal queue so a
	// priority flood cannot starve it.
	normalOnlyRatio = 5
)

// Coordinator runs periodic cluster housekeeping. *coordinator.Coordinator
// satisfies it.
type Coordinator interface {
	Tick(ctx context.Context)
}

// Dispatcher runs the worker pool: most workers drain the priority queue
// first, one in five serves the normal queue exclusively.
type Dispatcher struct {
	store   store.Store
	service *Service
	coord   Coordinator
	queues  []string
	workers int
}

// NewDispatcher builds a pool of n workers over the given queues, listed in
// preference order. coord may be nil.
func NewDispatcher(st store.Store, service *Service, coord Coordinator, queues []string, workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		store:   st,
		service: service,
		coord:   coord,
		queues:  queues,
		workers: workers,
	}
}

// Run blocks until ctx is cancelled, then drains the pool.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < d.workers; i++ {
		id := i
		queues := d.queues
		if (id+1)%normalOnlyRatio == 0 && len(queues) > 1 {
			// Dedicated normal-queue worker.
			queues = queues[len(queues)-1:]
		}
		g.Go(func() error {
			d.workerLoop(ctx, id, queues)
			return nil
		})
	}

	if d.coord != nil {
		g.Go(func() error {
			d.coordinatorLoop(ctx)
			return nil
		})
	}

	return g.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, id int, queues []string) {
	slog.Info("worker started", "worker", id, "queues", queues)
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped", "worker", id)
			return
		default:
		}

		queue, payload, err := d.store.Pop(ctx, queues, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("worker stopped", "worker", id)
				return
			}
			slog.Error("queue pop failed", "worker", id, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if payload == nil {
			continue
		}
		d.processSafely(ctx, queue, payload)
	}
}

// processSafely keeps a panicking job from taking the worker down.
func (d *Dispatcher) processSafely(ctx context.Context, queue string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", "queue", queue, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	d.service.Process(ctx, queue, payload)
}

func (d *Dispatcher) coordinatorLoop(ctx context.Context) {
	// Immediate first tick so a fresh node registers before the first
	// interval lapses.
	d.coord.Tick(ctx)

	ticker := time.NewTicker(coordinatorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.coord.Tick(ctx)
		}
	}
}
