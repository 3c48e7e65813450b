package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/benchrun/worker/pkg/models"
)

// PersistSpans implements Repository.
func (s *Store) PersistSpans(ctx context.Context, spans []models.Span) error {
	if len(spans) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning span batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, span := range spans {
		attrs, err := json.Marshal(span.Attributes)
		if err != nil {
			return fmt.Errorf("marshaling span attributes: %w", err)
		}
		resAttrs, err := json.Marshal(span.ResourceAttributes)
		if err != nil {
			return fmt.Errorf("marshaling span resource attributes: %w", err)
		}
		scope, err := json.Marshal(span.Scope)
		if err != nil {
			return fmt.Errorf("marshaling span scope: %w", err)
		}
		events, err := json.Marshal(span.Events)
		if err != nil {
			return fmt.Errorf("marshaling span events: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO spans (trace_id, span_id, parent_span_id, name, service_name,
				attributes, resource_attributes, scope, start_time_ms, end_time_ms, status,
				events, run_case_id, experiment_id)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			span.TraceID, span.SpanID, span.ParentSpanID, span.Name, span.ServiceName,
			attrs, resAttrs, scope, span.StartTimeMS, span.EndTimeMS, span.Status,
			events, span.RunCaseID, span.ExperimentID,
		); err != nil {
			return fmt.Errorf("inserting span: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// PersistLogs implements Repository.
func (s *Store) PersistLogs(ctx context.Context, logs []models.Log) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning log batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, l := range logs {
		attrs, err := json.Marshal(l.Attributes)
		if err != nil {
			return fmt.Errorf("marshaling log attributes: %w", err)
		}
		resAttrs, err := json.Marshal(l.ResourceAttributes)
		if err != nil {
			return fmt.Errorf("marshaling log resource attributes: %w", err)
		}
		scope, err := json.Marshal(l.Scope)
		if err != nil {
			return fmt.Errorf("marshaling log scope: %w", err)
		}
		bodyJSON, err := json.Marshal(l.BodyJSON)
		if err != nil {
			return fmt.Errorf("marshaling log body: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO logs (trace_id, span_id, service_name, attributes, resource_attributes,
				scope, severity_text, severity_number, body_text, body_json, event_time_ms,
				observed_time_ms, run_case_id, experiment_id)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			l.TraceID, l.SpanID, l.ServiceName, attrs, resAttrs, scope,
			l.SeverityText, l.SeverityNumber, l.BodyText, bodyJSON,
			l.EventTimeMS, l.ObservedTimeMS, l.RunCaseID, l.ExperimentID,
		); err != nil {
			return fmt.Errorf("inserting log: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// FetchSpansByRunCase implements Repository; it backs the trajectory
// resolver's span-table fallback.
func (s *Store) FetchSpansByRunCase(ctx context.Context, runCaseID string, startMS, endMS int64, limit int) ([]models.Span, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT trace_id, span_id, parent_span_id, name, service_name, attributes,
			resource_attributes, scope, start_time_ms, end_time_ms, status, events,
			run_case_id, experiment_id
		 FROM spans
		 WHERE run_case_id = $1 AND start_time_ms >= $2 AND start_time_ms <= $3
		 ORDER BY start_time_ms ASC, end_time_ms ASC, span_id ASC
		 LIMIT $4`,
		runCaseID, startMS, endMS, limit)
	if err != nil {
		return nil, fmt.Errorf("querying spans: %w", err)
	}
	defer rows.Close()

	var out []models.Span
	for rows.Next() {
		var sp models.Span
		var attrs, resAttrs, scope, events []byte
		if err := rows.Scan(&sp.TraceID, &sp.SpanID, &sp.ParentSpanID, &sp.Name, &sp.ServiceName,
			&attrs, &resAttrs, &scope, &sp.StartTimeMS, &sp.EndTimeMS, &sp.Status, &events,
			&sp.RunCaseID, &sp.ExperimentID); err != nil {
			return nil, fmt.Errorf("scanning span row: %w", err)
		}
		_ = json.Unmarshal(attrs, &sp.Attributes)
		_ = json.Unmarshal(resAttrs, &sp.ResourceAttributes)
		_ = json.Unmarshal(scope, &sp.Scope)
		_ = json.Unmarshal(events, &sp.Events)
		out = append(out, sp)
	}
	return out, rows.Err()
}

// FetchLogsByRunCase implements Repository; it backs the trajectory
// resolver's log fallback.
func (s *Store) FetchLogsByRunCase(ctx context.Context, runCaseID string, startMS, endMS int64, limit int) ([]models.Log, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT trace_id, span_id, service_name, attributes, resource_attributes, scope,
			severity_text, severity_number, body_text, body_json, event_time_ms,
			observed_time_ms, run_case_id, experiment_id
		 FROM logs
		 WHERE run_case_id = $1 AND event_time_ms >= $2 AND event_time_ms <= $3
		 ORDER BY event_time_ms ASC, trace_id ASC, span_id ASC
		 LIMIT $4`,
		runCaseID, startMS, endMS, limit)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	defer rows.Close()

	var out []models.Log
	for rows.Next() {
		var l models.Log
		var attrs, resAttrs, scope, body []byte
		if err := rows.Scan(&l.TraceID, &l.SpanID, &l.ServiceName, &attrs, &resAttrs, &scope,
			&l.SeverityText, &l.SeverityNumber, &l.BodyText, &body, &l.EventTimeMS,
			&l.ObservedTimeMS, &l.RunCaseID, &l.ExperimentID); err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		_ = json.Unmarshal(attrs, &l.Attributes)
		_ = json.Unmarshal(resAttrs, &l.ResourceAttributes)
		_ = json.Unmarshal(scope, &l.Scope)
		if len(body) > 0 {
			_ = json.Unmarshal(body, &l.BodyJSON)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
