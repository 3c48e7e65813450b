package models

// Attribute value kinds (AttributeValue.Kind).
const (
	AttrKindString = "string"
	AttrKindInt    = "int"
	AttrKindDouble = "double"
	AttrKindBool   = "bool"
	AttrKindBytes  = "bytes"
	AttrKindArray  = "array"
	AttrKindMap    = "map"
)

// AttributeValue is a tagged variant over the heterogeneous JSON shapes
// OTLP attributes can take. Exactly one
// field is populated; Kind names which.
type AttributeValue struct {
	Kind      string           `json:"kind"` // "string"|"int"|"double"|"bool"|"bytes"|"array"|"map"
	String    string           `json:"string,omitempty"`
	Int       int64            `json:"int,omitempty"`
	Double    float64          `json:"double,omitempty"`
	Bool      bool             `json:"bool,omitempty"`
	Bytes     []byte           `json:"bytes,omitempty"`
	Array     []AttributeValue `json:"array,omitempty"`
	MapValue  map[string]AttributeValue `json:"map,omitempty"`
}

// Attributes is a normalized OTLP attribute map; both camelCase and
// snake_case key variants collapse to this at decode time.
type Attributes map[string]AttributeValue

// DefaultServiceName is substituted for attributes["service.name"] when the
// incoming payload does not carry one.
const DefaultServiceName = "benchmark-agent"

// Scope is the OTLP instrumentation scope (name/version/attributes).
type Scope struct {
	Name       string     `json:"name,omitempty"`
	Version    string     `json:"version,omitempty"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// SpanEvent is a single event attached to a span.
type SpanEvent struct {
	Name       string     `json:"name"`
	TimeMS     int64      `json:"time_ms"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// Span is a normalized OTLP span record.
type Span struct {
	TraceID            string     `json:"trace_id"`
	SpanID             string     `json:"span_id"`
	ParentSpanID       string     `json:"parent_span_id,omitempty"`
	Name               string     `json:"name"`
	ServiceName        string     `json:"service_name"`
	Attributes         Attributes `json:"attributes"`
	ResourceAttributes Attributes `json:"resource_attributes"`
	Scope              Scope      `json:"scope"`
	StartTimeMS        int64      `json:"start_time_ms"`
	EndTimeMS          int64      `json:"end_time_ms"`
	Status             string     `json:"status,omitempty"`
	Events             []SpanEvent `json:"events,omitempty"`
	Raw                any        `json:"-"`

	// Lifted typed columns, populated when present in Attributes/ResourceAttributes.
	RunCaseID    string `json:"run_case_id,omitempty"`
	ExperimentID string `json:"experiment_id,omitempty"`
}

// Log is a normalized OTLP log record.
type Log struct {
	TraceID            string     `json:"trace_id,omitempty"`
	SpanID             string     `json:"span_id,omitempty"`
	ServiceName        string     `json:"service_name"`
	Attributes         Attributes `json:"attributes"`
	ResourceAttributes Attributes `json:"resource_attributes"`
	Scope              Scope      `json:"scope"`
	SeverityText       string     `json:"severity_text,omitempty"`
	SeverityNumber     int        `json:"severity_number,omitempty"`
	BodyText           string     `json:"body_text,omitempty"`
	BodyJSON           any        `json:"body_json,omitempty"`
	EventTimeMS        int64      `json:"event_time_ms"`
	ObservedTimeMS     int64      `json:"observed_time_ms"`
	Raw                any        `json:"-"`

	RunCaseID    string `json:"run_case_id,omitempty"`
	ExperimentID string `json:"experiment_id,omitempty"`
}

// Step is one entry in a resolved trajectory.
type Step struct {
	StepNo       int        `json:"step"`
	SpanID       string     `json:"span_id,omitempty"`
	ParentSpanID string     `json:"parent_span_id,omitempty"`
	Name         string     `json:"name"`
	StartTimeMS  int64      `json:"start_time_ms"`
	EndTimeMS    int64      `json:"end_time_ms"`
	LatencyMS    int64      `json:"latency_ms"`
	Status       string     `json:"status,omitempty"`
	Attributes   Attributes `json:"attributes,omitempty"`
	Events       []SpanEvent `json:"events,omitempty"`
}

// TrajectoryAttributeAllowlist is the pruned attribute key set carried onto
// each trajectory Step.
var TrajectoryAttributeAllowlist = map[string]bool{
	"tool.name":               true,
	"tool":                    true,
	"model":                   true,
	"model.name":              true,
	"http.method":             true,
	"http.url":                true,
	"http.status_code":        true,
	"db.system":                true,
	"db.operation":            true,
	"benchmark.run_case_id":   true,
	"benchmark.data_item_id":  true,
}
