// Package orchestrator drives the producer side of one scan session:
// prepare, predictive-bypass check, dispatch, handshake, ingest, result.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/provider"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/scanqueue"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

// Status is the terminal state of a scan session.
type Status string

const (
	StatusClean    Status = "CLEAN"
	StatusInfected Status = "INFECTED"
	StatusError    Status = "ERROR"
)

// ScanResult is the decoded verdict surfaced to the handler.
type ScanResult struct {
	StreamID  string
	Status    Status
	VirusName string
	Detail    string
}

// IsInfected reports whether the session must be blocked.
func (r ScanResult) IsInfected() bool { return r.Status == StatusInfected }

type session struct {
	startNS  int64
	tenantID string
	clientIP string
}

// Options tune the orchestrator's timeouts.
type Options struct {
	// CongestionTATThreshold triggers the predictive bypass when the last
	// observed total TAT for the priority class exceeds it.
	CongestionTATThreshold time.Duration
	HandshakeTimeout       time.Duration
	ResultTimeout          time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{
		CongestionTATThreshold: 300 * time.Second,
		HandshakeTimeout:       300 * time.Second,
		ResultTimeout:          30 * time.Second,
	}
	if o == nil {
		return out
	}
	if o.CongestionTATThreshold > 0 {
		out.CongestionTATThreshold = o.CongestionTATThreshold
	}
	if o.HandshakeTimeout > 0 {
		out.HandshakeTimeout = o.HandshakeTimeout
	}
	if o.ResultTimeout > 0 {
		out.ResultTimeout = o.ResultTimeout
	}
	return out
}

// Orchestrator owns the per-process map of live sessions. Entries are
// removed when a result is retrieved or the session is cancelled.
type Orchestrator struct {
	adapter *scanqueue.Adapter
	store   store.Store
	opts    Options

	mu       sync.Mutex
	sessions map[string]session
}

// New builds an orchestrator over the shared store.
func New(st store.Store, adapter *scanqueue.Adapter, opts *Options) *Orchestrator {
	return &Orchestrator{
		adapter:  adapter,
		store:    st,
		opts:     opts.withDefaults(),
		sessions: make(map[string]session),
	}
}

// PrepareSession mints a session id and wires the byte pipe for it.
func (o *Orchestrator) PrepareSession(isPriority bool, tenantID, clientIP string) (string, provider.DataProvider) {
	streamID := uuid.NewString()

	o.mu.Lock()
	o.sessions[streamID] = session{
		startNS:  time.Now().UnixNano(),
		tenantID: tenantID,
		clientIP: clientIP,
	}
	o.mu.Unlock()

	return streamID, provider.NewStreamProvider(o.store, streamID)
}

// DispatchScan enqueues the job unless the predictive bypass fires.
// Returns false when the caller must proceed without scanning.
func (o *Orchestrator) DispatchScan(ctx context.Context, streamID string, isPriority bool, tenantID string) (bool, error) {
	if lastTAT := o.adapter.LastTAT(ctx, isPriority); lastTAT > o.opts.CongestionTATThreshold.Seconds() {
		slog.Warn("predictive bypass: recent TAT exceeds threshold",
			"stream_id", streamID, "last_tat_s", lastTAT,
			"threshold_s", o.opts.CongestionTATThreshold.Seconds())
		return false, nil
	}

	sess := o.lookup(streamID)
	if err := o.adapter.EnqueueJob(ctx, streamID, provider.ModeStream, sess.startNS, tenantID, sess.clientIP, isPriority); err != nil {
		return false, err
	}
	return true, nil
}

// AwaitHandshake blocks until a worker ACKs pickup. Returns false on
// timeout, in which case the session proceeds unscanned.
func (o *Orchestrator) AwaitHandshake(ctx context.Context, streamID string) bool {
	ok, err := o.adapter.WaitForAck(ctx, streamID, o.opts.HandshakeTimeout)
	if err != nil {
		slog.Error("handshake wait failed", "stream_id", streamID, "error", err)
		return false
	}
	return ok
}

// FinalizeIngest records how long the producer spent feeding the pipe.
func (o *Orchestrator) FinalizeIngest(ctx context.Context, streamID string) {
	sess := o.lookup(streamID)
	if sess.startNS == 0 {
		return
	}
	ms := float64(time.Now().UnixNano()-sess.startNS) / 1e6
	o.adapter.RecordIngestMetrics(ctx, streamID, ms)
}

// GetResult blocks for the worker's verdict and retires the session.
// Timeouts and decode failures surface as ERROR.
func (o *Orchestrator) GetResult(ctx context.Context, streamID string) ScanResult {
	defer o.drop(streamID)

	payload, err := o.adapter.WaitForResult(ctx, streamID, o.opts.ResultTimeout)
	if err != nil {
		return ScanResult{StreamID: streamID, Status: StatusError, Detail: err.Error()}
	}
	if payload == nil {
		return ScanResult{StreamID: streamID, Status: StatusError, Detail: "timeout"}
	}

	var rec scanqueue.Result
	if err := json.Unmarshal(payload, &rec); err != nil {
		return ScanResult{StreamID: streamID, Status: StatusError, Detail: "malformed result"}
	}

	status := Status(rec.Status)
	switch status {
	case StatusClean, StatusInfected, StatusError:
	default:
		status = StatusError
	}
	return ScanResult{
		StreamID:  streamID,
		Status:    status,
		VirusName: rec.Virus,
		Detail:    rec.Detail,
	}
}

// CancelSession retires a session without a result, e.g. on proxy
// disconnect.
func (o *Orchestrator) CancelSession(streamID string) {
	o.drop(streamID)
}

// ActiveSessions reports the number of live sessions.
func (o *Orchestrator) ActiveSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

func (o *Orchestrator) lookup(streamID string) session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[streamID]
}

func (o *Orchestrator) drop(streamID string) {
	o.mu.Lock()
	delete(o.sessions, streamID)
	o.mu.Unlock()
}
