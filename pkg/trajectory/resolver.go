// Package trajectory implements TrajectoryResolver: given a
// case id and a time window, reconstruct an ordered trajectory from the
// OTLPCollector's in-memory span index, falling back to the Repository's
// log table and then its span table.
package trajectory

import (
	"context"
	"sort"

	"github.com/benchrun/worker/pkg/models"
)

// SpanIndex is the subset of the OTLPCollector's in-memory index this
// resolver queries first.
type SpanIndex interface {
	SpansForRunCase(runCaseID string, startMS, endMS int64) []models.Span
}

// Store is the subset of the Repository this resolver falls back to.
type Store interface {
	FetchLogsByRunCase(ctx context.Context, runCaseID string, startMS, endMS int64, limit int) ([]models.Log, error)
	FetchSpansByRunCase(ctx context.Context, runCaseID string, startMS, endMS int64, limit int) ([]models.Span, error)
}

// fetchLimit bounds every fallback query; trajectories are read for display
// and scoring, never for analytics, so an unbounded scan is never needed.
const fetchLimit = 5000

// skewMS is the ± tolerance applied to the requested window before querying
// the in-memory index or storage.
const skewMS = 60_000

// Resolver implements the three-step, span-preferred trajectory lookup.
type Resolver struct {
	index SpanIndex
	store Store
}

// New constructs a Resolver. index may be nil when the embedded OTLP
// collector failed to bind its port;
// the resolver then starts at step 2.
func New(index SpanIndex, store Store) *Resolver {
	return &Resolver{index: index, store: store}
}

// Resolve returns the ordered trajectory for runCaseID within
// [startMS, endMS].
func (r *Resolver) Resolve(ctx context.Context, runCaseID string, startMS, endMS int64) ([]models.Step, error) {
	windowStart, windowEnd := startMS-skewMS, endMS+skewMS

	if r.index != nil {
		if spans := r.index.SpansForRunCase(runCaseID, windowStart, windowEnd); len(spans) > 0 {
			return spansToTrajectory(spans), nil
		}
	}

	logs, err := r.store.FetchLogsByRunCase(ctx, runCaseID, windowStart, windowEnd, fetchLimit)
	if err != nil {
		return nil, err
	}
	if len(logs) > 0 {
		return logsToTrajectory(logs), nil
	}

	spans, err := r.store.FetchSpansByRunCase(ctx, runCaseID, windowStart, windowEnd, fetchLimit)
	if err != nil {
		return nil, err
	}
	return spansToTrajectory(spans), nil
}

func spansToTrajectory(spans []models.Span) []models.Step {
	sorted := make([]models.Span, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].StartTimeMS != sorted[j].StartTimeMS {
			return sorted[i].StartTimeMS < sorted[j].StartTimeMS
		}
		if sorted[i].EndTimeMS != sorted[j].EndTimeMS {
			return sorted[i].EndTimeMS < sorted[j].EndTimeMS
		}
		return sorted[i].SpanID < sorted[j].SpanID
	})

	steps := make([]models.Step, 0, len(sorted))
	for i, sp := range sorted {
		name := sp.Name
		if name == "" {
			name = "unnamed-span"
		}
		steps = append(steps, models.Step{
			StepNo:       i + 1,
			SpanID:       sp.SpanID,
			ParentSpanID: sp.ParentSpanID,
			Name:         name,
			StartTimeMS:  sp.StartTimeMS,
			EndTimeMS:    sp.EndTimeMS,
			LatencyMS:    latency(sp.StartTimeMS, sp.EndTimeMS),
			Status:       sp.Status,
			Attributes:   pruneAttributes(sp.Attributes),
			Events:       sp.Events,
		})
	}
	return steps
}

func logsToTrajectory(logs []models.Log) []models.Step {
	sorted := make([]models.Log, len(logs))
	copy(sorted, logs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].EventTimeMS != sorted[j].EventTimeMS {
			return sorted[i].EventTimeMS < sorted[j].EventTimeMS
		}
		if sorted[i].TraceID != sorted[j].TraceID {
			return sorted[i].TraceID < sorted[j].TraceID
		}
		return sorted[i].SpanID < sorted[j].SpanID
	})

	steps := make([]models.Step, 0, len(sorted))
	for i, lg := range sorted {
		event := models.SpanEvent{
			Name:   "log",
			TimeMS: lg.EventTimeMS,
			Attributes: models.Attributes{
				"body":          models.AttributeValue{Kind: models.AttrKindString, String: lg.BodyText},
				"severity_text": models.AttributeValue{Kind: models.AttrKindString, String: lg.SeverityText},
				"service.name":  models.AttributeValue{Kind: models.AttrKindString, String: lg.ServiceName},
			},
		}
		steps = append(steps, models.Step{
			StepNo:      i + 1,
			SpanID:      lg.SpanID,
			Name:        "unnamed-span",
			StartTimeMS: lg.EventTimeMS,
			EndTimeMS:   lg.EventTimeMS,
			LatencyMS:   0,
			Attributes:  pruneAttributes(lg.Attributes),
			Events:      []models.SpanEvent{event},
		})
	}
	return steps
}

func latency(start, end int64) int64 {
	d := end - start
	if d < 0 {
		return 0
	}
	return d
}

func pruneAttributes(attrs models.Attributes) models.Attributes {
	if len(attrs) == 0 {
		return nil
	}
	out := make(models.Attributes)
	for k, v := range attrs {
		if models.TrajectoryAttributeAllowlist[k] {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
