package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
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

type fakeScanner struct {
	out engine.Outcome
	err error
}

func (f *fakeScanner) Scan(ctx context.Context, p provider.DataProvider) (engine.Outcome, error) {
	return f.out, f.err
}

// drainScanner consumes the provider the way the real engine client does:
// drain every chunk, then finalize.
type drainScanner struct {
	infected bool
	report   string
}

func (d *drainScanner) Scan(ctx context.Context, p provider.DataProvider) (engine.Outcome, error) {
	it := p.Chunks(ctx)
	var n int64
	for {
		chunk, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = p.Finalize(ctx, false, false)
			return engine.Outcome{}, err
		}
		n += int64(len(chunk))
	}
	if err := p.Finalize(ctx, true, d.infected); err != nil {
		return engine.Outcome{}, err
	}
	return engine.Outcome{Infected: d.infected, Report: d.report, BytesScanned: n}, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNotifier) NotifyInfection(ctx context.Context, tenantID, clientIP, virusName, taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tenantID+"|"+clientIP+"|"+virusName+"|"+taskID)
}

func (f *fakeNotifier) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestService(t *testing.T, scanner Scanner, opts Options) (*Service, *store.MemoryStore, *scanqueue.Adapter, *fakeNotifier) {
	t.Helper()
	st := store.NewMemoryStore()
	adapter := scanqueue.NewAdapter(st)
	notifier := &fakeNotifier{}
	metrics := NewMetrics(prometheus.NewRegistry())
	svc := NewService(st, adapter, scanner, notifier, metrics, opts)
	return svc, st, adapter, notifier
}

func enqueue(t *testing.T, st *store.MemoryStore, adapter *scanqueue.Adapter, streamID string, isPriority bool) (string, []byte) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, adapter.EnqueueJob(ctx, streamID, provider.ModeStream, time.Now().UnixNano(), "tenant-a", "10.0.0.9", isPriority))
	queue := scanqueue.NormalQueue
	if isPriority {
		queue = scanqueue.PriorityQueue
	}
	q, payload, err := st.Pop(ctx, []string{queue}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, payload)
	return q, payload
}

func popResult(t *testing.T, adapter *scanqueue.Adapter, streamID string) scanqueue.Result {
	t.Helper()
	payload, err := adapter.WaitForResult(context.Background(), streamID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, payload)
	var res scanqueue.Result
	require.NoError(t, json.Unmarshal(payload, &res))
	return res
}

func TestProcessCleanJob(t *testing.T) {
	svc, st, adapter, notifier := newTestService(t, &fakeScanner{out: engine.Outcome{BytesScanned: 2048}}, Options{})
	ctx := context.Background()

	queue, payload := enqueue(t, st, adapter, "s-clean", true)
	svc.Process(ctx, queue, payload)

	ok, err := adapter.WaitForAck(ctx, "s-clean", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	res := popResult(t, adapter, "s-clean")
	assert.Equal(t, "CLEAN", res.Status)
	assert.Equal(t, int64(2048), res.Metrics.BytesScanned)
	assert.Equal(t, "small_1k_100k", res.Metrics.SizeClass)

	assert.Greater(t, adapter.LastTAT(ctx, true), 0.0)
	assert.Empty(t, notifier.snapshot())
}

func TestProcessInfectedJobNotifies(t *testing.T) {
	svc, st, adapter, notifier := newTestService(t, &fakeScanner{
		out: engine.Outcome{Infected: true, Report: "stream: Eicar-Signature FOUND", BytesScanned: 68},
	}, Options{})
	ctx := context.Background()

	queue, payload := enqueue(t, st, adapter, "s-bad", false)
	svc.Process(ctx, queue, payload)

	res := popResult(t, adapter, "s-bad")
	assert.Equal(t, "INFECTED", res.Status)
	assert.Equal(t, "stream: Eicar-Signature FOUND", res.Virus)

	// Delivery is fire-and-forget.
	require.Eventually(t, func() bool { return len(notifier.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "tenant-a|10.0.0.9|stream: Eicar-Signature FOUND|s-bad", notifier.snapshot()[0])
}

func TestProcessEngineFailurePublishesError(t *testing.T) {
	svc, st, adapter, notifier := newTestService(t, &fakeScanner{err: errors.New("daemon unreachable")}, Options{})
	ctx := context.Background()

	queue, payload := enqueue(t, st, adapter, "s-err", false)
	svc.Process(ctx, queue, payload)

	res := popResult(t, adapter, "s-err")
	assert.Equal(t, "ERROR", res.Status)
	assert.Contains(t, res.Detail, "daemon unreachable")
	assert.Empty(t, notifier.snapshot())
}

func TestProcessDropsMalformedPayload(t *testing.T) {
	svc, st, _, _ := newTestService(t, &fakeScanner{}, Options{})

	svc.Process(context.Background(), scanqueue.NormalQueue, []byte("{broken"))

	// Nothing published anywhere.
	assert.Empty(t, st.ListItems(scanqueue.NormalQueue))
}

func TestProcessDropsJobWithoutStreamID(t *testing.T) {
	svc, st, _, _ := newTestService(t, &fakeScanner{}, Options{})

	payload, err := json.Marshal(scanqueue.Job{Priority: "low", Mode: provider.ModeStream})
	require.NoError(t, err)
	svc.Process(context.Background(), scanqueue.NormalQueue, payload)

	// Neither an ack nor a result appeared for the empty id.
	assert.Zero(t, st.ListLen("ack:"))
	assert.Zero(t, st.ListLen("result:"))
}

func TestScanDurationExcludesQueueOverhead(t *testing.T) {
	svc, st, adapter, _ := newTestService(t, &fakeScanner{}, Options{
		EnableMemoryCheck: true,
		MinFreeMemoryMB:   1,
	})
	// Slow pre-scan bookkeeping must not count as scan time.
	svc.freeMemoryMB = func() (int, error) {
		time.Sleep(50 * time.Millisecond)
		return 10_000, nil
	}

	queue, payload := enqueue(t, st, adapter, "s-timing", false)
	svc.Process(context.Background(), queue, payload)

	res := popResult(t, adapter, "s-timing")
	assert.GreaterOrEqual(t, res.Metrics.ProcTATSec, 0.05)
	assert.Less(t, res.Metrics.ScanMS, 40.0)
}

func TestProcessDefersOnLowMemory(t *testing.T) {
	svc, st, adapter, _ := newTestService(t, &fakeScanner{}, Options{
		EnableMemoryCheck: true,
		MinFreeMemoryMB:   500,
	})
	svc.freeMemoryMB = func() (int, error) { return 100, nil }

	queue, payload := enqueue(t, st, adapter, "s-mem", false)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	svc.Process(ctx, queue, payload)

	// Job went back to the tail, no ack was sent.
	require.Len(t, st.ListItems(queue), 1)
	ok, err := adapter.WaitForAck(context.Background(), "s-mem", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessPathModeJob(t *testing.T) {
	mount := t.TempDir()
	svc, _, adapter, _ := newTestService(t, &drainScanner{}, Options{ScanMount: mount})
	ctx := context.Background()

	file := filepath.Join(mount, "upload-1.bin")
	require.NoError(t, os.WriteFile(file, []byte("batch payload"), 0o600))

	job := scanqueue.Job{
		StreamID:   "s-path",
		Priority:   "low",
		EnqueuedAt: float64(time.Now().UnixNano()) / 1e9,
		Mode:       provider.ModePath,
		Path:       "upload-1.bin",
	}
	payload, err := json.Marshal(job)
	require.NoError(t, err)

	svc.Process(ctx, scanqueue.NormalQueue, payload)

	res := popResult(t, adapter, "s-path")
	assert.Equal(t, "CLEAN", res.Status)
	assert.Equal(t, int64(len("batch payload")), res.Metrics.BytesScanned)

	// The payload file is consumed by the scan.
	_, statErr := os.Stat(file)
	assert.True(t, os.IsNotExist(statErr))
}

func TestProcessPathModeEscapesConfined(t *testing.T) {
	svc, _, _, _ := newTestService(t, &drainScanner{}, Options{ScanMount: "/scan"})

	job := scanqueue.Job{Path: "../etc/passwd"}
	assert.Equal(t, "/scan/etc/passwd", svc.scanPath(job))

	job = scanqueue.Job{Path: "tenant/upload.bin"}
	assert.Equal(t, "/scan/tenant/upload.bin", svc.scanPath(job))
}

func TestSizeClass(t *testing.T) {
	assert.Equal(t, "tiny_lt1k", SizeClass(512))
	assert.Equal(t, "small_1k_100k", SizeClass(50*1024))
	assert.Equal(t, "medium_100k_1m", SizeClass(500*1024))
	assert.Equal(t, "large_1m_100m", SizeClass(50<<20))
	assert.Equal(t, "xlarge_100m_1g", SizeClass(500<<20))
	assert.Equal(t, "huge_1g_10g", SizeClass(5<<30))
	assert.Equal(t, "massive_gt10g", SizeClass(20<<30))
}
