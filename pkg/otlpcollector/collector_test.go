package otlpcollector

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	collectorlogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/benchrun/worker/pkg/config"
	"github.com/benchrun/worker/pkg/models"
)

type fakeSink struct {
	mu    sync.Mutex
	spans []models.Span
	logs  []models.Log
}

func (f *fakeSink) PersistSpans(_ context.Context, spans []models.Span) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spans = append(f.spans, spans...)
	return nil
}

func (f *fakeSink) PersistLogs(_ context.Context, logs []models.Log) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, logs...)
	return nil
}

func newTestCollector(sink Sink) *Collector {
	return New(config.CollectorConfig{Host: "127.0.0.1", Port: 0, TracesPath: "/v1/traces"}, sink)
}

func traceRequestJSON(t *testing.T) []byte {
	t.Helper()
	req := &collectortracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{
			{
				Resource: &resourcepb.Resource{},
				ScopeSpans: []*tracepb.ScopeSpans{
					{
						Spans: []*tracepb.Span{
							{
								TraceId: []byte{0x01, 0x02},
								SpanId:  []byte{0x0a},
								Name:    "tool.call",
								Attributes: []*commonpb.KeyValue{
									{Key: "benchmark.run_case_id", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "case-1"}}},
								},
								StartTimeUnixNano: 1_000_000_000,
								EndTimeUnixNano:   1_100_000_000,
							},
						},
					},
				},
			},
		},
	}
	body, err := protojson.Marshal(req)
	require.NoError(t, err)
	return body
}

func TestHandleTraces_JSONPayloadNormalizesAndForwards(t *testing.T) {
	sink := &fakeSink{}
	c := newTestCollector(sink)

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(traceRequestJSON(t)))
	httpReq.Header.Set("Content-Type", "application/json")
	c.engine.ServeHTTP(rec, httpReq)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"inserted":1}`, rec.Body.String())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.spans, 1)
	assert.Equal(t, "case-1", sink.spans[0].RunCaseID)
	assert.Equal(t, "tool.call", sink.spans[0].Name)

	got := c.SpansForRunCase("case-1", 0, 10_000)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1000), got[0].StartTimeMS)
}

func TestHandleTraces_ProtobufPayloadDecodesViaContentType(t *testing.T) {
	sink := &fakeSink{}
	c := newTestCollector(sink)

	req := &collectortracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{
			{
				ScopeSpans: []*tracepb.ScopeSpans{
					{Spans: []*tracepb.Span{{SpanId: []byte{0x01}, Name: "step"}}},
				},
			},
		},
	}
	body, err := proto.Marshal(req)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	c.engine.ServeHTTP(rec, httpReq)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"inserted":1}`, rec.Body.String())
}

func TestHandleTraces_InvalidBodyReturns400(t *testing.T) {
	c := newTestCollector(nil)

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader([]byte("not json")))
	httpReq.Header.Set("Content-Type", "application/json")
	c.engine.ServeHTTP(rec, httpReq)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"ok":false,"error":"invalid_json"}`, rec.Body.String())
}

func TestHandleLogs_JSONPayloadNormalizesAndForwards(t *testing.T) {
	sink := &fakeSink{}
	c := newTestCollector(sink)

	req := &collectorlogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{
			{
				ScopeLogs: []*logspb.ScopeLogs{
					{
						LogRecords: []*logspb.LogRecord{
							{
								Body:        &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "starting"}},
								TimeUnixNano: 2_000_000_000,
								Attributes: []*commonpb.KeyValue{
									{Key: "benchmark.run_case_id", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "case-2"}}},
								},
							},
						},
					},
				},
			},
		},
	}
	body, err := protojson.Marshal(req)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/logs", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	c.engine.ServeHTTP(rec, httpReq)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"inserted":1}`, rec.Body.String())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.logs, 1)
	assert.Equal(t, "starting", sink.logs[0].BodyText)
	assert.Equal(t, "case-2", sink.logs[0].RunCaseID)
}

func TestHandleMetrics_AcceptsAndDiscards(t *testing.T) {
	c := newTestCollector(nil)

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/metrics", bytes.NewReader([]byte{0x01, 0x02}))
	c.engine.ServeHTTP(rec, httpReq)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"inserted":0}`, rec.Body.String())
}

func TestWindow_PadsBySixtySeconds(t *testing.T) {
	start, end := Window(10_000, 20_000)
	assert.Equal(t, int64(10_000-60_000), start)
	assert.Equal(t, int64(20_000+60_000), end)
}
