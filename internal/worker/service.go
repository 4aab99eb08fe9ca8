// Package worker drains the dispatch queues and streams each job through
// the scanning engine: ack the producer, follow the byte pipe, publish the
// verdict, notify the console on infection.
package worker

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/engine"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/provider"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/scanqueue"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

// Scanner is the engine capability the service needs; *engine.Client
// satisfies it.
type Scanner interface {
	Scan(ctx context.Context, p provider.DataProvider) (engine.Outcome, error)
}

// Notifier delivers infection events. *webhook.Notifier satisfies it.
type Notifier interface {
	NotifyInfection(ctx context.Context, tenantID, clientIP, virusName, taskID string)
}

// Options configure one scan service.
type Options struct {
	EnableMemoryCheck bool
	MinFreeMemoryMB   int

	// ScanMount roots the payload paths of PATH-mode jobs.
	ScanMount string
}

// Service processes individual scan jobs. It is safe for concurrent use
// by multiple workers.
type Service struct {
	store    store.Store
	adapter  *scanqueue.Adapter
	scanner  Scanner
	notifier Notifier
	metrics  *Metrics
	opts     Options

	// freeMemoryMB is swapped in tests; production samples gopsutil.
	freeMemoryMB func() (int, error)
}

// NewService wires a scan service over the shared store.
func NewService(st store.Store, adapter *scanqueue.Adapter, scanner Scanner, notifier Notifier, metrics *Metrics, opts Options) *Service {
	return &Service{
		store:        st,
		adapter:      adapter,
		scanner:      scanner,
		notifier:     notifier,
		metrics:      metrics,
		opts:         opts,
		freeMemoryMB: sampleFreeMemoryMB,
	}
}

func sampleFreeMemoryMB() (int, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return int(vm.Available / (1 << 20)), nil
}

// Process handles one queue payload end to end. Malformed payloads are
// dropped; everything else produces a published result.
func (s *Service) Process(ctx context.Context, queue string, payload []byte) {
	job, err := scanqueue.DecodeJob(payload)
	if err != nil {
		s.metrics.MalformedJobs.Inc()
		slog.Warn("dropping malformed job payload", "queue", queue, "error", err)
		return
	}
	if job.StreamID == "" {
		s.metrics.MalformedJobs.Inc()
		slog.Warn("dropping job without stream id", "queue", queue)
		return
	}

	if s.deferForMemory(ctx, queue, payload, job) {
		return
	}

	s.metrics.BusyWorkers.Inc()
	defer s.metrics.BusyWorkers.Dec()

	pickedUp := time.Now()
	waitSec := pickedUp.Sub(enqueueTime(job)).Seconds()
	if waitSec < 0 {
		waitSec = 0
	}

	if err := s.adapter.SendAck(ctx, job.StreamID); err != nil {
		slog.Error("ack failed, abandoning job", "stream_id", job.StreamID, "error", err)
		return
	}

	p, err := provider.New(job.Mode, s.store, job.StreamID, s.scanPath(job))
	if err != nil {
		slog.Warn("dropping job with unknown mode", "stream_id", job.StreamID, "mode", job.Mode)
		s.publish(ctx, job, scanqueue.Result{
			Status:   "ERROR",
			StreamID: job.StreamID,
			Detail:   err.Error(),
		})
		return
	}

	scanStart := time.Now()
	out, scanErr := s.scanner.Scan(ctx, p)
	scanMS := float64(time.Since(scanStart)) / float64(time.Millisecond)
	procSec := time.Since(pickedUp).Seconds()
	totalSec := waitSec + procSec

	res := scanqueue.Result{
		StreamID: job.StreamID,
		Metrics: scanqueue.ResultMetrics{
			ScanMS:       scanMS,
			WaitTATSec:   waitSec,
			ProcTATSec:   procSec,
			TotalTATSec:  totalSec,
			BytesScanned: out.BytesScanned,
			SizeClass:    SizeClass(out.BytesScanned),
		},
	}

	switch {
	case scanErr != nil:
		res.Status = "ERROR"
		res.Detail = scanErr.Error()
		slog.Error("scan failed", "stream_id", job.StreamID, "error", scanErr)
	case out.Infected:
		res.Status = "INFECTED"
		res.Virus = out.Report
		slog.Warn("infection detected", "stream_id", job.StreamID, "virus", out.Report, "tenant_id", job.TenantID)
	default:
		res.Status = "CLEAN"
	}

	s.publish(ctx, job, res)

	s.metrics.RecordScan(job.Priority, resultLabel(res.Status), res.Metrics.SizeClass,
		waitSec, procSec, totalSec, out.BytesScanned)

	if err := s.adapter.RecordLastTAT(ctx, job.IsPriority(), time.Duration(totalSec*float64(time.Second))); err != nil {
		slog.Warn("failed to record last TAT", "stream_id", job.StreamID, "error", err)
	}

	if res.Status == "INFECTED" && s.notifier != nil {
		// Delivery must not stall the worker loop.
		go s.notifier.NotifyInfection(context.WithoutCancel(ctx), job.TenantID, job.ClientIP, res.Virus, job.StreamID)
	}
}

// deferForMemory requeues the job at the tail when free memory is below
// the floor. Returns true when the job was deferred.
func (s *Service) deferForMemory(ctx context.Context, queue string, payload []byte, job scanqueue.Job) bool {
	if !s.opts.EnableMemoryCheck {
		return false
	}
	freeMB, err := s.freeMemoryMB()
	if err != nil {
		slog.Warn("memory sample failed, proceeding", "error", err)
		return false
	}
	if freeMB >= s.opts.MinFreeMemoryMB {
		return false
	}

	s.metrics.MemoryDeferred.Inc()
	slog.Warn("deferring job: free memory below floor",
		"stream_id", job.StreamID, "free_mb", freeMB, "floor_mb", s.opts.MinFreeMemoryMB)
	if err := s.store.RPush(ctx, queue, payload); err != nil {
		slog.Error("requeue failed, job lost", "stream_id", job.StreamID, "error", err)
	}
	// Back off briefly so the same worker does not spin on the job.
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}
	return true
}

func (s *Service) publish(ctx context.Context, job scanqueue.Job, res scanqueue.Result) {
	if err := s.adapter.PublishResult(ctx, res); err != nil {
		slog.Error("failed to publish result", "stream_id", job.StreamID, "error", err)
	}
}

// scanPath resolves a PATH-mode job's payload file, confined to the scan
// mount. Batch producers supply names relative to the mount.
func (s *Service) scanPath(job scanqueue.Job) string {
	if job.Path == "" {
		return ""
	}
	return filepath.Join(s.opts.ScanMount, filepath.Clean("/"+job.Path))
}

func enqueueTime(job scanqueue.Job) time.Time {
	sec := int64(job.EnqueuedAt)
	ns := int64((job.EnqueuedAt - float64(sec)) * 1e9)
	return time.Unix(sec, ns)
}

func resultLabel(status string) string {
	switch status {
	case "CLEAN":
		return "clean"
	case "INFECTED":
		return "infected"
	default:
		return "error"
	}
}
