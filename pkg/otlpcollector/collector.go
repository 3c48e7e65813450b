// Package otlpcollector is the embedded OTLP sink: an in-process HTTP
// server that normalizes incoming traces/logs, keeps an in-memory index
// for trajectory resolution (entries are never evicted), and forwards
// every batch to the Repository.
package otlpcollector

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	collectorlogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/benchrun/worker/pkg/config"
	"github.com/benchrun/worker/pkg/models"
)

// Sink is the persistence surface the Collector forwards normalized
// batches to. repository.Store satisfies this directly.
type Sink interface {
	PersistSpans(ctx context.Context, spans []models.Span) error
	PersistLogs(ctx context.Context, logs []models.Log) error
}

// Collector is the embedded OTLP HTTP sink.
type Collector struct {
	cfg  config.CollectorConfig
	sink Sink

	engine     *gin.Engine
	httpServer *http.Server

	mu    sync.RWMutex
	spans []models.Span
	logs  []models.Log
}

// New constructs a Collector; call Start to bind and serve.
func New(cfg config.CollectorConfig, sink Sink) *Collector {
	gin.SetMode(gin.ReleaseMode)
	c := &Collector{cfg: cfg, sink: sink, engine: gin.New()}

	logsPath := strings.Replace(cfg.TracesPath, "/v1/traces", "/v1/logs", 1)
	metricsPath := strings.Replace(cfg.TracesPath, "/v1/traces", "/v1/metrics", 1)

	c.engine.POST(cfg.TracesPath, c.handleTraces)
	c.engine.POST(logsPath, c.handleLogs)
	c.engine.POST(metricsPath, c.handleMetrics)

	return c
}

// Start binds the configured host/port and serves in a background
// goroutine. Returns false (not an error) on EADDRINUSE
// (E_OTEL_COLLECTOR_PORT_IN_USE): callers must fall back to DB-only
// trajectory resolution.
func (c *Collector) Start() bool {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Warn("OTLP collector port unavailable, continuing DB-only", "addr", addr, "error", err)
		return false
	}

	c.httpServer = &http.Server{Handler: c.engine}
	go func() {
		if err := c.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("OTLP collector server stopped unexpectedly", "error", err)
		}
	}()
	slog.Info("OTLP collector listening", "addr", addr)
	return true
}

// Stop gracefully shuts the server down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.httpServer == nil {
		return nil
	}
	return c.httpServer.Shutdown(ctx)
}

func (c *Collector) handleTraces(ctx *gin.Context) {
	body, err := readBody(ctx.Request)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_json"})
		return
	}

	inserted, err := c.IngestTraces(ctx.Request.Context(), ctx.GetHeader("Content-Type"), ctx.GetHeader("Content-Encoding"), body, nil)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_json"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "inserted": inserted})
}

func (c *Collector) handleLogs(ctx *gin.Context) {
	body, err := readBody(ctx.Request)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_json"})
		return
	}

	inserted, err := c.IngestLogs(ctx.Request.Context(), ctx.GetHeader("Content-Type"), ctx.GetHeader("Content-Encoding"), body, nil)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_json"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "inserted": inserted})
}

// IngestTraces runs one OTLP traces payload through the decode → normalize →
// index → persist pipeline. It is the shared entrypoint for the collector's
// own HTTP listener and for the mock sidecar's /api/otel/v1/traces
// forward. extra attributes, when given, are merged onto every span that
// does not already carry the key, then the benchmark.* typed columns are
// re-lifted.
func (c *Collector) IngestTraces(ctx context.Context, contentType, contentEncoding string, body []byte, extra map[string]string) (int, error) {
	body, err := decompressBody(body, contentEncoding)
	if err != nil {
		return 0, err
	}
	req := &collectortracepb.ExportTraceServiceRequest{}
	if err := decodeOTLP(contentType, body, req); err != nil {
		return 0, err
	}

	spans := normalizeResourceSpans(req.GetResourceSpans())
	for i := range spans {
		spans[i].Attributes = mergeExtra(spans[i].Attributes, extra)
		spans[i].RunCaseID, spans[i].ExperimentID = liftBenchmarkColumns(spans[i].Attributes, spans[i].ResourceAttributes)
	}
	c.appendSpans(spans)

	if c.sink != nil && len(spans) > 0 {
		if err := c.sink.PersistSpans(ctx, spans); err != nil {
			slog.Error("failed to persist spans from OTLP collector", "error", err)
		}
	}
	return len(spans), nil
}

// IngestLogs is the logs counterpart of IngestTraces.
func (c *Collector) IngestLogs(ctx context.Context, contentType, contentEncoding string, body []byte, extra map[string]string) (int, error) {
	body, err := decompressBody(body, contentEncoding)
	if err != nil {
		return 0, err
	}
	req := &collectorlogspb.ExportLogsServiceRequest{}
	if err := decodeOTLP(contentType, body, req); err != nil {
		return 0, err
	}

	logs := normalizeResourceLogs(req.GetResourceLogs())
	for i := range logs {
		logs[i].Attributes = mergeExtra(logs[i].Attributes, extra)
		logs[i].RunCaseID, logs[i].ExperimentID = liftBenchmarkColumns(logs[i].Attributes, logs[i].ResourceAttributes)
	}
	c.appendLogs(logs)

	if c.sink != nil && len(logs) > 0 {
		if err := c.sink.PersistLogs(ctx, logs); err != nil {
			slog.Error("failed to persist logs from OTLP collector", "error", err)
		}
	}
	return len(logs), nil
}

func mergeExtra(attrs models.Attributes, extra map[string]string) models.Attributes {
	if len(extra) == 0 {
		return attrs
	}
	if attrs == nil {
		attrs = make(models.Attributes)
	}
	for k, v := range extra {
		if _, ok := attrs[k]; !ok {
			attrs[k] = models.AttributeValue{Kind: models.AttrKindString, String: v}
		}
	}
	return attrs
}

// handleMetrics accepts and discards.
func (c *Collector) handleMetrics(ctx *gin.Context) {
	_, _ = io.Copy(io.Discard, ctx.Request.Body)
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "inserted": 0})
}

func readBody(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(r.Body)
}

func decompressBody(body []byte, contentEncoding string) ([]byte, error) {
	if contentEncoding != "gzip" {
		return body, nil
	}
	gz, err := gzip.NewReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	defer func() { _ = gz.Close() }()
	return io.ReadAll(gz)
}

// decodeOTLP decodes body into msg using the protobuf wire format when
// Content-Type names it, canonicalizing the "application/protobuf" alias to
// "application/x-protobuf", else JSON via protojson
// so both wire encodings share the same normalization path.
func decodeOTLP(contentType string, body []byte, msg proto.Message) error {
	switch {
	case strings.HasPrefix(contentType, "application/x-protobuf"),
		strings.HasPrefix(contentType, "application/protobuf"):
		return proto.Unmarshal(body, msg)
	default:
		return protojson.Unmarshal(body, msg)
	}
}

func (c *Collector) appendSpans(spans []models.Span) {
	if len(spans) == 0 {
		return
	}
	c.mu.Lock()
	c.spans = append(c.spans, spans...)
	c.mu.Unlock()
}

func (c *Collector) appendLogs(logs []models.Log) {
	if len(logs) == 0 {
		return
	}
	c.mu.Lock()
	c.logs = append(c.logs, logs...)
	c.mu.Unlock()
}

// SpansForRunCase returns in-memory spans matching runCaseID within the
// window [startMS, endMS], in insertion order (TrajectoryResolver sorts).
func (c *Collector) SpansForRunCase(runCaseID string, startMS, endMS int64) []models.Span {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Span
	for _, s := range c.spans {
		if s.RunCaseID == runCaseID && s.StartTimeMS >= startMS && s.StartTimeMS <= endMS {
			out = append(out, s)
		}
	}
	return out
}

// LogsForRunCase is the in-memory counterpart to SpansForRunCase.
func (c *Collector) LogsForRunCase(runCaseID string, startMS, endMS int64) []models.Log {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Log
	for _, l := range c.logs {
		if l.RunCaseID == runCaseID && l.EventTimeMS >= startMS && l.EventTimeMS <= endMS {
			out = append(out, l)
		}
	}
	return out
}

// Window pads a case's wall-clock bounds by the TrajectoryResolver's fixed
// skew tolerance.
func Window(startMS, endMS int64) (int64, int64) {
	const skew = int64(60 * time.Second / time.Millisecond)
	return startMS - skew, endMS + skew
}
