// Package extproc terminates the proxy's external-processor stream: a
// per-stream state machine that forwards traffic with CONTINUE responses
// while feeding body bytes into the scan pipeline, and blocks infected
// payloads with an immediate 403 when running in blocking mode.
package extproc

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/cache"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/config"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/featureflags"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/orchestrator"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/provider"
)

// Handler implements the external-processor service over the scan
// orchestrator and the clean-URL cache.
type Handler struct {
	cfg     *config.Producer
	orch    *orchestrator.Orchestrator
	cache   *cache.Service
	flags   featureflags.Provider
	metrics *Metrics
}

var _ extprocv3.ExternalProcessorServer = (*Handler)(nil)

// NewHandler wires the processing handler.
func NewHandler(cfg *config.Producer, orch *orchestrator.Orchestrator, cacheSvc *cache.Service, flags featureflags.Provider, metrics *Metrics) *Handler {
	return &Handler{
		cfg:     cfg,
		orch:    orch,
		cache:   cacheSvc,
		flags:   flags,
		metrics: metrics,
	}
}

// session is the per-stream state machine.
type session struct {
	start    time.Time
	method   string
	path     string
	clientIP string

	bypassed bool
	streamID string
	pump     *chunkPump
	// handshake carries the background ACK wait's outcome.
	handshake chan bool

	bodyBytes int64
	finalized bool
	terminal  bool
}

// Process runs one proxy stream to completion.
func (h *Handler) Process(stream extprocv3.ExternalProcessor_ProcessServer) error {
	ctx := stream.Context()
	h.metrics.ActiveSessions.Inc()
	defer h.metrics.ActiveSessions.Dec()

	s := &session{start: time.Now(), method: "GET", path: "unknown"}
	defer func() {
		h.metrics.SessionSeconds.Observe(time.Since(s.start).Seconds())
		// A disconnect before finalization abandons the scan session; the
		// background handshake waiter unblocks via the stream context.
		if s.streamID != "" && !s.finalized && h.cfg.BlockMode == config.BlockModeBlocking {
			h.orch.CancelSession(s.streamID)
		}
	}()

	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				slog.Info("proxy disconnected", "path", s.path, "stream_id", s.streamID)
				return nil
			}
			return err
		}

		var resp *extprocv3.ProcessingResponse
		switch msg := req.Request.(type) {
		case *extprocv3.ProcessingRequest_RequestHeaders:
			resp = h.onRequestHeaders(ctx, s, msg.RequestHeaders)
		case *extprocv3.ProcessingRequest_ResponseHeaders:
			resp = headersContinue(false)
		case *extprocv3.ProcessingRequest_RequestBody:
			resp = h.onBody(ctx, s, msg.RequestBody, true)
		case *extprocv3.ProcessingRequest_ResponseBody:
			resp = h.onBody(ctx, s, msg.ResponseBody, false)
		case *extprocv3.ProcessingRequest_RequestTrailers:
			resp = &extprocv3.ProcessingResponse{
				Response: &extprocv3.ProcessingResponse_RequestTrailers{RequestTrailers: &extprocv3.TrailersResponse{}},
			}
		case *extprocv3.ProcessingRequest_ResponseTrailers:
			resp = &extprocv3.ProcessingResponse{
				Response: &extprocv3.ProcessingResponse_ResponseTrailers{ResponseTrailers: &extprocv3.TrailersResponse{}},
			}
		default:
			resp = &extprocv3.ProcessingResponse{}
		}

		if err := stream.Send(resp); err != nil {
			return err
		}
		if s.terminal {
			return nil
		}
	}
}

func (h *Handler) onRequestHeaders(ctx context.Context, s *session, hdrs *extprocv3.HttpHeaders) *extprocv3.ProcessingResponse {
	parsed := parseHeaders(hdrs.GetHeaders())
	if m, ok := parsed[":method"]; ok {
		s.method = strings.ToUpper(m)
	}
	if p, ok := parsed[":path"]; ok {
		s.path = p
	}
	s.clientIP = clientIPFrom(parsed)

	notable := h.cache.NotableType(s.path)
	if notable == "" {
		notable = "none"
	}
	h.metrics.Requests.WithLabelValues(s.method, notable).Inc()
	slog.Info("request headers", "method", s.method, "path", s.path, "client_ip", s.clientIP)

	if cache.CacheableMethods[s.method] {
		hit, err := h.cache.CheckCache(ctx, s.path)
		if err != nil {
			slog.Warn("cache check failed", "path", s.path, "error", err)
		}
		if hit {
			slog.Info("cache hit, bypassing scan", "method", s.method, "path", s.path)
			h.metrics.CacheOps.WithLabelValues("hit").Inc()
			h.metrics.ScanSessions.WithLabelValues("cache_hit").Inc()
			s.bypassed = true
			return headersContinue(true)
		}
		h.metrics.CacheOps.WithLabelValues("miss").Inc()
	}

	isPriority := h.flags.GetPriority(ctx, h.cfg.TenantID)

	streamID, prov := h.orch.PrepareSession(isPriority, h.cfg.TenantID, s.clientIP)
	s.streamID = streamID

	dispatched, err := h.orch.DispatchScan(ctx, streamID, isPriority, h.cfg.TenantID)
	if err != nil {
		slog.Error("dispatch failed, bypassing scan", "stream_id", streamID, "error", err)
	}
	if err != nil || !dispatched {
		h.metrics.ScanSessions.WithLabelValues("bypassed").Inc()
		h.orch.CancelSession(streamID)
		s.streamID = ""
		s.bypassed = true
		return headersContinue(true)
	}

	pipeCtx := ctx
	if h.cfg.BlockMode == config.BlockModeAsync {
		// Background finalization must outlive the stream.
		pipeCtx = context.WithoutCancel(ctx)
	}
	s.pump = newChunkPump(pipeCtx, prov)

	s.handshake = make(chan bool, 1)
	hs := s.handshake
	go func() { hs <- h.orch.AwaitHandshake(pipeCtx, streamID) }()

	return headersContinue(true)
}

func (h *Handler) onBody(ctx context.Context, s *session, body *extprocv3.HttpBody, isRequest bool) *extprocv3.ProcessingResponse {
	// One scan session per stream: once the first end-of-stream body has
	// finalized it, body chunks from the other direction pass through.
	if s.bypassed || s.pump == nil || s.finalized {
		return bodyContinue(isRequest)
	}

	if len(body.GetBody()) > 0 {
		s.bodyBytes += int64(len(body.GetBody()))
		h.metrics.BodyBytes.Add(float64(len(body.GetBody())))
		s.pump.push(body.GetBody())
	}
	if !body.GetEndOfStream() {
		return bodyContinue(isRequest)
	}

	s.pump.finish()
	s.finalized = true

	if h.cfg.BlockMode == config.BlockModeBlocking {
		return h.finalizeBlocking(ctx, s, isRequest)
	}

	// Fire-and-forget: release the proxy now, settle the verdict in the
	// background. Infections never enter the clean cache, so the next
	// fetch of the same URI is scanned again.
	go h.finalizeAsync(context.WithoutCancel(ctx), s)
	return bodyContinue(isRequest)
}

// finalizeBlocking withholds the terminal CONTINUE until the verdict is
// known, replacing it with an immediate 403 on infection.
func (h *Handler) finalizeBlocking(ctx context.Context, s *session, isRequest bool) *extprocv3.ProcessingResponse {
	if err := s.pump.wait(ctx); err != nil {
		slog.Error("byte pipe flush failed", "stream_id", s.streamID, "error", err)
		h.metrics.ScanSessions.WithLabelValues("error").Inc()
		return bodyContinue(isRequest)
	}
	h.orch.FinalizeIngest(ctx, s.streamID)

	if !h.awaitHandshake(ctx, s) {
		slog.Warn("scan bypassed, handshake timeout", "stream_id", s.streamID)
		h.metrics.ScanSessions.WithLabelValues("bypassed").Inc()
		h.orch.CancelSession(s.streamID)
		return bodyContinue(isRequest)
	}

	res := h.orch.GetResult(ctx, s.streamID)
	switch res.Status {
	case orchestrator.StatusInfected:
		slog.Error("infected payload blocked",
			"stream_id", s.streamID, "virus", res.VirusName, "method", s.method, "path", s.path)
		h.metrics.ScanSessions.WithLabelValues("infected").Inc()
		s.terminal = true
		return immediate403(res.VirusName)
	case orchestrator.StatusClean:
		h.metrics.ScanSessions.WithLabelValues("clean").Inc()
		h.storeClean(ctx, s)
	default:
		slog.Error("scan errored, forwarding unverified",
			"stream_id", s.streamID, "detail", res.Detail, "path", s.path)
		h.metrics.ScanSessions.WithLabelValues("error").Inc()
	}
	return bodyContinue(isRequest)
}

// finalizeAsync settles the verdict after the proxy has already been
// released.
func (h *Handler) finalizeAsync(ctx context.Context, s *session) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout+h.cfg.ResultTimeout+time.Minute)
	defer cancel()

	if err := s.pump.wait(ctx); err != nil {
		slog.Error("byte pipe flush failed", "stream_id", s.streamID, "error", err)
		h.metrics.ScanSessions.WithLabelValues("error").Inc()
		return
	}
	h.orch.FinalizeIngest(ctx, s.streamID)

	if !h.awaitHandshake(ctx, s) {
		slog.Warn("scan bypassed, handshake timeout", "stream_id", s.streamID)
		h.metrics.ScanSessions.WithLabelValues("bypassed").Inc()
		h.orch.CancelSession(s.streamID)
		return
	}

	res := h.orch.GetResult(ctx, s.streamID)
	switch res.Status {
	case orchestrator.StatusInfected:
		slog.Error("infection detected after release",
			"stream_id", s.streamID, "virus", res.VirusName, "method", s.method, "path", s.path)
		h.metrics.ScanSessions.WithLabelValues("infected").Inc()
	case orchestrator.StatusClean:
		h.metrics.ScanSessions.WithLabelValues("clean").Inc()
		h.storeClean(ctx, s)
	default:
		slog.Error("scan errored", "stream_id", s.streamID, "detail", res.Detail)
		h.metrics.ScanSessions.WithLabelValues("error").Inc()
	}
}

func (h *Handler) awaitHandshake(ctx context.Context, s *session) bool {
	if s.handshake == nil {
		return true
	}
	select {
	case ok := <-s.handshake:
		return ok
	case <-ctx.Done():
		return false
	}
}

func (h *Handler) storeClean(ctx context.Context, s *session) {
	if !cache.CacheableMethods[s.method] {
		return
	}
	if err := h.cache.StoreCache(ctx, s.path, cache.DefaultTTL); err != nil {
		slog.Warn("cache store failed", "path", s.path, "error", err)
		return
	}
	h.metrics.CacheOps.WithLabelValues("store").Inc()
}

// chunkPump serializes fire-and-forget chunk pushes for one session: a
// single goroutine drains the channel in order, then writes the completion
// sentinel.
type chunkPump struct {
	ch   chan []byte
	done chan struct{}
	err  error
}

func newChunkPump(ctx context.Context, prov provider.DataProvider) *chunkPump {
	p := &chunkPump{
		ch:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go p.run(ctx, prov)
	return p
}

func (p *chunkPump) run(ctx context.Context, prov provider.DataProvider) {
	defer close(p.done)
	for chunk := range p.ch {
		if p.err != nil {
			continue // drain so the sender never blocks
		}
		if err := prov.PushChunk(ctx, chunk); err != nil {
			p.err = err
		}
	}
	if p.err == nil {
		p.err = prov.FinalizePush(ctx)
	}
}

// push hands one chunk to the pump. The chunk is copied; gRPC reuses
// message buffers.
func (p *chunkPump) push(chunk []byte) {
	cp := append([]byte(nil), chunk...)
	p.ch <- cp
}

// finish closes the intake; the pump writes the completion sentinel after
// the last queued chunk.
func (p *chunkPump) finish() { close(p.ch) }

// wait blocks until the pump has flushed and finalized.
func (p *chunkPump) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func headerValue(h *corev3.HeaderValue) string {
	if len(h.GetRawValue()) > 0 {
		return string(h.GetRawValue())
	}
	return h.GetValue()
}

func parseHeaders(hm *corev3.HeaderMap) map[string]string {
	out := make(map[string]string, len(hm.GetHeaders()))
	for _, hv := range hm.GetHeaders() {
		out[strings.ToLower(hv.GetKey())] = headerValue(hv)
	}
	return out
}

func clientIPFrom(headers map[string]string) string {
	xff := headers["x-forwarded-for"]
	if xff == "" {
		return ""
	}
	first, _, _ := strings.Cut(xff, ",")
	return strings.TrimSpace(first)
}

func headersContinue(isRequest bool) *extprocv3.ProcessingResponse {
	hr := &extprocv3.HeadersResponse{
		Response: &extprocv3.CommonResponse{Status: extprocv3.CommonResponse_CONTINUE},
	}
	if isRequest {
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_RequestHeaders{RequestHeaders: hr},
		}
	}
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseHeaders{ResponseHeaders: hr},
	}
}

func bodyContinue(isRequest bool) *extprocv3.ProcessingResponse {
	br := &extprocv3.BodyResponse{
		Response: &extprocv3.CommonResponse{Status: extprocv3.CommonResponse_CONTINUE},
	}
	if isRequest {
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_RequestBody{RequestBody: br},
		}
	}
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseBody{ResponseBody: br},
	}
}

func immediate403(virus string) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: &extprocv3.ImmediateResponse{
				Status:  &typev3.HttpStatus{Code: typev3.StatusCode_Forbidden},
				Body:    []byte("virus detected: " + virus),
				Details: "virus_scan_infected",
			},
		},
	}
}
