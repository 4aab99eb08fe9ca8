package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/engine"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/provider"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/scanqueue"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

type countingCoord struct {
	ticks atomic.Int64
}

func (c *countingCoord) Tick(ctx context.Context) { c.ticks.Add(1) }

func TestDispatcherProcessesJobs(t *testing.T) {
	st := store.NewMemoryStore()
	adapter := scanqueue.NewAdapter(st)
	svc := NewService(st, adapter, &fakeScanner{out: engine.Outcome{BytesScanned: 3}}, nil,
		NewMetrics(prometheus.NewRegistry()), Options{})
	coord := &countingCoord{}

	d := NewDispatcher(st, svc, coord, []string{scanqueue.PriorityQueue, scanqueue.NormalQueue}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.NoError(t, adapter.EnqueueJob(ctx, "disp-1", provider.ModeStream, time.Now().UnixNano(), "t", "", true))

	payload, err := adapter.WaitForResult(context.Background(), "disp-1", 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, payload)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	// Coordinator ran at least its immediate startup tick.
	assert.GreaterOrEqual(t, coord.ticks.Load(), int64(1))
}

type panicScanner struct{}

func (panicScanner) Scan(ctx context.Context, p provider.DataProvider) (engine.Outcome, error) {
	panic("engine blew up")
}

func TestDispatcherSurvivesPanickingJob(t *testing.T) {
	st := store.NewMemoryStore()
	adapter := scanqueue.NewAdapter(st)
	svc := NewService(st, adapter, panicScanner{}, nil, NewMetrics(prometheus.NewRegistry()), Options{})
	d := NewDispatcher(st, svc, nil, []string{scanqueue.NormalQueue}, 1)

	ctx := context.Background()
	require.NoError(t, adapter.EnqueueJob(ctx, "boom", provider.ModeStream, time.Now().UnixNano(), "t", "", false))
	_, payload, err := st.Pop(ctx, []string{scanqueue.NormalQueue}, time.Second)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		d.processSafely(ctx, scanqueue.NormalQueue, payload)
	})
}

func TestDispatcherQueueAssignment(t *testing.T) {
	queues := []string{scanqueue.PriorityQueue, scanqueue.NormalQueue}

	// Workers 0..3 serve both queues; worker 4 serves only the normal one.
	for id := 0; id < 5; id++ {
		assigned := queues
		if (id+1)%normalOnlyRatio == 0 && len(assigned) > 1 {
			assigned = assigned[len(assigned)-1:]
		}
		if id == 4 {
			assert.Equal(t, []string{scanqueue.NormalQueue}, assigned)
		} else {
			assert.Equal(t, queues, assigned)
		}
	}
}
