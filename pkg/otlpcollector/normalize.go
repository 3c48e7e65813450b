package otlpcollector

import (
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/benchrun/worker/pkg/models"
)

const (
	attrRunCaseID    = "benchmark.run_case_id"
	attrExperimentID = "benchmark.experiment_id"
)

// normalizeAttributes converts an OTLP KeyValue slice to models.Attributes.
func normalizeAttributes(kvs []*commonpb.KeyValue) models.Attributes {
	if len(kvs) == 0 {
		return nil
	}
	out := make(models.Attributes, len(kvs))
	for _, kv := range kvs {
		out[kv.GetKey()] = normalizeAnyValue(kv.GetValue())
	}
	return out
}

func normalizeAnyValue(v *commonpb.AnyValue) models.AttributeValue {
	if v == nil {
		return models.AttributeValue{}
	}
	switch val := v.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return models.AttributeValue{Kind: models.AttrKindString, String: val.StringValue}
	case *commonpb.AnyValue_IntValue:
		return models.AttributeValue{Kind: models.AttrKindInt, Int: val.IntValue}
	case *commonpb.AnyValue_DoubleValue:
		return models.AttributeValue{Kind: models.AttrKindDouble, Double: val.DoubleValue}
	case *commonpb.AnyValue_BoolValue:
		return models.AttributeValue{Kind: models.AttrKindBool, Bool: val.BoolValue}
	case *commonpb.AnyValue_BytesValue:
		return models.AttributeValue{Kind: models.AttrKindBytes, Bytes: val.BytesValue}
	case *commonpb.AnyValue_ArrayValue:
		arr := make([]models.AttributeValue, 0, len(val.ArrayValue.GetValues()))
		for _, e := range val.ArrayValue.GetValues() {
			arr = append(arr, normalizeAnyValue(e))
		}
		return models.AttributeValue{Kind: models.AttrKindArray, Array: arr}
	case *commonpb.AnyValue_KvlistValue:
		m := make(map[string]models.AttributeValue, len(val.KvlistValue.GetValues()))
		for _, kv := range val.KvlistValue.GetValues() {
			m[kv.GetKey()] = normalizeAnyValue(kv.GetValue())
		}
		return models.AttributeValue{Kind: models.AttrKindMap, MapValue: m}
	default:
		return models.AttributeValue{}
	}
}

func lookupString(attrs models.Attributes, key string) (string, bool) {
	v, ok := attrs[key]
	if !ok || v.Kind != models.AttrKindString {
		return "", false
	}
	return v.String, true
}

// liftBenchmarkColumns extracts benchmark.run_case_id / benchmark.experiment_id
// from attributes (checked first) or resourceAttributes into typed columns.
func liftBenchmarkColumns(attrs, resourceAttrs models.Attributes) (runCaseID, experimentID string) {
	if v, ok := lookupString(attrs, attrRunCaseID); ok {
		runCaseID = v
	} else if v, ok := lookupString(resourceAttrs, attrRunCaseID); ok {
		runCaseID = v
	}
	if v, ok := lookupString(attrs, attrExperimentID); ok {
		experimentID = v
	} else if v, ok := lookupString(resourceAttrs, attrExperimentID); ok {
		experimentID = v
	}
	return runCaseID, experimentID
}

func ensureServiceName(attrs models.Attributes) models.Attributes {
	if attrs == nil {
		attrs = models.Attributes{}
	}
	if _, ok := attrs["service.name"]; !ok {
		attrs["service.name"] = models.AttributeValue{Kind: models.AttrKindString, String: models.DefaultServiceName}
	}
	return attrs
}

func serviceNameOf(attrs models.Attributes) string {
	if v, ok := lookupString(attrs, "service.name"); ok {
		return v
	}
	return models.DefaultServiceName
}

// normalizeResourceSpans flattens an OTLP ResourceSpans slice into
// normalized Span records.
func normalizeResourceSpans(resourceSpans []*tracepb.ResourceSpans) []models.Span {
	var out []models.Span
	for _, rs := range resourceSpans {
		resAttrs := ensureServiceName(normalizeAttributes(resourceAttrsOf(rs.GetResource())))
		for _, ss := range rs.GetScopeSpans() {
			scope := models.Scope{
				Name:       ss.GetScope().GetName(),
				Version:    ss.GetScope().GetVersion(),
				Attributes: normalizeAttributes(ss.GetScope().GetAttributes()),
			}
			for _, sp := range ss.GetSpans() {
				attrs := normalizeAttributes(sp.GetAttributes())
				runCaseID, experimentID := liftBenchmarkColumns(attrs, resAttrs)

				events := make([]models.SpanEvent, 0, len(sp.GetEvents()))
				for _, ev := range sp.GetEvents() {
					events = append(events, models.SpanEvent{
						Name:       ev.GetName(),
						TimeMS:     nanosToMillis(ev.GetTimeUnixNano()),
						Attributes: normalizeAttributes(ev.GetAttributes()),
					})
				}

				out = append(out, models.Span{
					TraceID:            hexID(sp.GetTraceId()),
					SpanID:             hexID(sp.GetSpanId()),
					ParentSpanID:       hexID(sp.GetParentSpanId()),
					Name:               sp.GetName(),
					ServiceName:        serviceNameOf(resAttrs),
					Attributes:         attrs,
					ResourceAttributes: resAttrs,
					Scope:              scope,
					StartTimeMS:        nanosToMillis(sp.GetStartTimeUnixNano()),
					EndTimeMS:          nanosToMillis(sp.GetEndTimeUnixNano()),
					Status:             spanStatusString(sp.GetStatus()),
					Events:             events,
					RunCaseID:          runCaseID,
					ExperimentID:       experimentID,
				})
			}
		}
	}
	return out
}

// normalizeResourceLogs flattens an OTLP ResourceLogs slice into normalized
// Log records.
func normalizeResourceLogs(resourceLogs []*logspb.ResourceLogs) []models.Log {
	var out []models.Log
	for _, rl := range resourceLogs {
		resAttrs := ensureServiceName(normalizeAttributes(resourceAttrsOf(rl.GetResource())))
		for _, sl := range rl.GetScopeLogs() {
			scope := models.Scope{
				Name:       sl.GetScope().GetName(),
				Version:    sl.GetScope().GetVersion(),
				Attributes: normalizeAttributes(sl.GetScope().GetAttributes()),
			}
			for _, lr := range sl.GetLogRecords() {
				attrs := normalizeAttributes(lr.GetAttributes())
				runCaseID, experimentID := liftBenchmarkColumns(attrs, resAttrs)

				bodyText := ""
				var bodyJSON any
				if body := lr.GetBody(); body != nil {
					if s, ok := body.Value.(*commonpb.AnyValue_StringValue); ok {
						bodyText = s.StringValue
					} else {
						bodyJSON = anyValueToPlain(body)
					}
				}

				out = append(out, models.Log{
					TraceID:            hexID(lr.GetTraceId()),
					SpanID:             hexID(lr.GetSpanId()),
					ServiceName:        serviceNameOf(resAttrs),
					Attributes:         attrs,
					ResourceAttributes: resAttrs,
					Scope:              scope,
					SeverityText:       lr.GetSeverityText(),
					SeverityNumber:     int(lr.GetSeverityNumber()),
					BodyText:           bodyText,
					BodyJSON:           bodyJSON,
					EventTimeMS:        nanosToMillis(lr.GetTimeUnixNano()),
					ObservedTimeMS:     nanosToMillis(lr.GetObservedTimeUnixNano()),
					RunCaseID:          runCaseID,
					ExperimentID:       experimentID,
				})
			}
		}
	}
	return out
}

func resourceAttrsOf(r *resourcepb.Resource) []*commonpb.KeyValue {
	if r == nil {
		return nil
	}
	return r.GetAttributes()
}

func nanosToMillis(nanos uint64) int64 {
	return int64(nanos / 1_000_000)
}

func hexID(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

func spanStatusString(s *tracepb.Status) string {
	if s == nil {
		return ""
	}
	switch s.GetCode() {
	case tracepb.Status_STATUS_CODE_OK:
		return "ok"
	case tracepb.Status_STATUS_CODE_ERROR:
		return "error"
	default:
		return "unset"
	}
}

func anyValueToPlain(v *commonpb.AnyValue) any {
	if v == nil {
		return nil
	}
	switch val := v.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_IntValue:
		return val.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	case *commonpb.AnyValue_ArrayValue:
		arr := make([]any, 0, len(val.ArrayValue.GetValues()))
		for _, e := range val.ArrayValue.GetValues() {
			arr = append(arr, anyValueToPlain(e))
		}
		return arr
	case *commonpb.AnyValue_KvlistValue:
		m := make(map[string]any, len(val.KvlistValue.GetValues()))
		for _, kv := range val.KvlistValue.GetValues() {
			m[kv.GetKey()] = anyValueToPlain(kv.GetValue())
		}
		return m
	default:
		return nil
	}
}
