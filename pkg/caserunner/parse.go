package caserunner

import (
	"encoding/json"
	"strings"

	"github.com/benchrun/worker/pkg/models"
	"github.com/benchrun/worker/pkg/trajectory"
)

// ParseAgentOutput extracts the agent's structured payload from its combined
// log output: scan lines in reverse for the first line
// starting with "{" or "[" that parses as a JSON object, falling back to
// parsing the entire logs as JSON. The payload is then normalized into
// (output, trajectory) across the recognized shapes; anything unrecognized
// becomes {"raw_stdout": logs} with an empty trajectory.
func ParseAgentOutput(logs string) (any, []models.Step) {
	parsed := extractJSONObject(logs)
	if parsed == nil {
		return map[string]any{"raw_stdout": logs}, nil
	}
	return normalizePayload(parsed, logs)
}

func extractJSONObject(raw string) map[string]any {
	lines := strings.Split(raw, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "{") && !strings.HasPrefix(line, "[") {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		return parsed
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}
	return parsed
}

func normalizePayload(parsed map[string]any, rawLogs string) (any, []models.Step) {
	if output, ok := parsed["output"]; ok {
		if traj, ok := parsed["trajectory"]; ok {
			rawSteps, _ := traj.([]any)
			return output, stepsFromRaw(rawSteps)
		}
		if joined, ok := joinedResponsesText(output); ok {
			return joined, nil
		}
		return output, nil
	}

	// OpenAI chat-completions shape: the bare-string content yields an
	// empty trajectory by contract.
	if content, ok := chatCompletionContent(parsed); ok {
		return content, nil
	}

	return map[string]any{"raw_stdout": rawLogs}, nil
}

func chatCompletionContent(parsed map[string]any) (any, bool) {
	choices, ok := parsed["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil, false
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return nil, false
	}
	message, ok := first["message"].(map[string]any)
	if !ok {
		return nil, false
	}
	content, ok := message["content"]
	if !ok || content == nil {
		return nil, false
	}
	return content, true
}

// joinedResponsesText handles the OpenResponses shape where "output" is a
// list of items each carrying content blocks with text parts.
func joinedResponsesText(output any) (string, bool) {
	items, ok := output.([]any)
	if !ok || len(items) == 0 {
		return "", false
	}
	var texts []string
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch content := m["content"].(type) {
		case []any:
			for _, part := range content {
				pm, ok := part.(map[string]any)
				if !ok {
					continue
				}
				if text, ok := pm["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		case string:
			texts = append(texts, content)
		}
	}
	if len(texts) == 0 {
		return "", false
	}
	return strings.Join(texts, "\n"), true
}

// stepsFromRaw converts an agent-emitted trajectory list into typed Step
// records. Entries that are not objects are dropped; timestamps run through
// the epoch-disambiguation heuristic since agents emit ns, s, ms, and ISO
// strings interchangeably.
func stepsFromRaw(raw []any) []models.Step {
	var steps []models.Step
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		step := models.Step{
			SpanID:       stringField(m, "span_id"),
			ParentSpanID: stringField(m, "parent_span_id"),
			Name:         stringField(m, "name"),
			Status:       stringField(m, "status"),
		}
		if step.Name == "" {
			step.Name = "unnamed-span"
		}
		if v, ok := firstField(m, "start_time_ms", "start_time"); ok {
			if ms, ok := trajectory.NormalizeEpoch(v); ok {
				step.StartTimeMS = ms
			}
		}
		if v, ok := firstField(m, "end_time_ms", "end_time"); ok {
			if ms, ok := trajectory.NormalizeEpoch(v); ok {
				step.EndTimeMS = ms
			}
		}
		if step.EndTimeMS > step.StartTimeMS {
			step.LatencyMS = step.EndTimeMS - step.StartTimeMS
		}
		step.StepNo = len(steps) + 1
		steps = append(steps, step)
	}
	return steps
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstField(m map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			return v, true
		}
	}
	return nil, false
}
