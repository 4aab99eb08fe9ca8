// Package scanqueue is the anti-corruption layer between the scan pipeline
// and the shared store: it owns the job-metadata and result record formats
// and every queue key the two halves rendezvous on.
package scanqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

const (
	// PriorityQueue and NormalQueue are the two dispatch queues drained by
	// the worker pool.
	PriorityQueue = "scan_priority"
	NormalQueue   = "scan_normal"

	ackTTL    = 300 * time.Second
	ingestTTL = time.Hour

	DefaultAckTimeout    = 300 * time.Second
	DefaultResultTimeout = 300 * time.Second
)

// Job is the metadata record pushed onto a dispatch queue.
type Job struct {
	StreamID   string  `json:"stream_id"`
	Priority   string  `json:"priority"` // "high" | "low"
	EnqueuedAt float64 `json:"enqueued_at"`
	Mode       string  `json:"mode"`
	TenantID   string  `json:"tenant_id"`
	ClientIP   string  `json:"client_ip"`

	// Path names the payload file relative to the scan mount. Only set by
	// batch producers that enqueue PATH-mode jobs directly.
	Path string `json:"path,omitempty"`
}

// IsPriority reports whether the job was enqueued on the priority queue.
func (j Job) IsPriority() bool { return j.Priority == "high" }

// ResultMetrics carries the worker's timing observations for one scan.
type ResultMetrics struct {
	ScanMS       float64 `json:"scan_ms"`
	WaitTATSec   float64 `json:"wait_tat_s"`
	ProcTATSec   float64 `json:"process_tat_s"`
	TotalTATSec  float64 `json:"total_tat_s"`
	BytesScanned int64   `json:"bytes_scanned"`
	SizeClass    string  `json:"size_class"`
}

// Result is the record published to result:{stream_id}.
type Result struct {
	Status   string        `json:"status"` // CLEAN | INFECTED | ERROR
	Virus    string        `json:"virus,omitempty"`
	StreamID string        `json:"stream_id"`
	Detail   string        `json:"detail,omitempty"`
	Metrics  ResultMetrics `json:"metrics"`
}

// Adapter mediates all queue traffic for a scan session.
type Adapter struct {
	store store.Store
}

// NewAdapter returns an adapter over the given store.
func NewAdapter(st store.Store) *Adapter {
	return &Adapter{store: st}
}

func ackKey(streamID string) string    { return "ack:" + streamID }
func resultKey(streamID string) string { return "result:" + streamID }
func ingestKey(streamID string) string { return "metrics:ingest:" + streamID }

func tatKey(isPriority bool) string {
	if isPriority {
		return "tat_high_last"
	}
	return "tat_normal_last"
}

// EnqueueJob composes the job metadata record and pushes it onto the
// matching dispatch queue.
func (a *Adapter) EnqueueJob(ctx context.Context, streamID, mode string, startNS int64, tenantID, clientIP string, isPriority bool) error {
	priority := "low"
	queue := NormalQueue
	if isPriority {
		priority = "high"
		queue = PriorityQueue
	}

	job := Job{
		StreamID:   streamID,
		Priority:   priority,
		EnqueuedAt: float64(startNS) / 1e9,
		Mode:       mode,
		TenantID:   tenantID,
		ClientIP:   clientIP,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return a.store.Push(ctx, queue, payload)
}

// DecodeJob parses a job metadata record.
func DecodeJob(payload []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

// WaitForAck blocks until a worker signals pickup for the stream, or the
// timeout lapses.
func (a *Adapter) WaitForAck(ctx context.Context, streamID string, timeout time.Duration) (bool, error) {
	_, payload, err := a.store.Pop(ctx, []string{ackKey(streamID)}, timeout)
	if err != nil {
		return false, err
	}
	return payload != nil, nil
}

// SendAck signals job pickup to the producer. Worker side.
func (a *Adapter) SendAck(ctx context.Context, streamID string) error {
	key := ackKey(streamID)
	if err := a.store.Push(ctx, key, []byte("1")); err != nil {
		return err
	}
	// Bound the key's life in case the producer is already gone.
	return a.store.Expire(ctx, key, ackTTL)
}

// WaitForResult blocks until the worker publishes the scan result. Returns
// nil on timeout.
func (a *Adapter) WaitForResult(ctx context.Context, streamID string, timeout time.Duration) ([]byte, error) {
	_, payload, err := a.store.Pop(ctx, []string{resultKey(streamID)}, timeout)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// PublishResult pushes the result record for the stream. Worker side.
func (a *Adapter) PublishResult(ctx context.Context, res Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return a.store.Push(ctx, resultKey(res.StreamID), payload)
}

// LastTAT returns the most recent fully-observed total TAT in seconds for
// the given priority class, or 0 when none has been recorded.
func (a *Adapter) LastTAT(ctx context.Context, isPriority bool) float64 {
	val, err := a.store.Get(ctx, tatKey(isPriority))
	if err != nil || val == nil {
		return 0
	}
	ms, err := strconv.ParseFloat(string(val), 64)
	if err != nil {
		return 0
	}
	return ms / 1000.0
}

// RecordLastTAT publishes the total TAT (milliseconds) used by the
// producer's predictive bypass. Worker side.
func (a *Adapter) RecordLastTAT(ctx context.Context, isPriority bool, totalTAT time.Duration) error {
	ms := strconv.FormatFloat(float64(totalTAT)/float64(time.Millisecond), 'f', -1, 64)
	return a.store.Set(ctx, tatKey(isPriority), []byte(ms), 0)
}

// RecordIngestMetrics stores the producer-side ingestion duration for
// operator diagnostics. Failures are logged, never surfaced.
func (a *Adapter) RecordIngestMetrics(ctx context.Context, streamID string, durationMS float64) {
	val := strconv.FormatFloat(durationMS, 'f', -1, 64)
	if err := a.store.Set(ctx, ingestKey(streamID), []byte(val), ingestTTL); err != nil {
		slog.Warn("failed to record ingest metrics", "stream_id", streamID, "error", err)
	}
}
