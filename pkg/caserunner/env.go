package caserunner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/benchrun/worker/pkg/models"
)

// noProxyHosts must always bypass the sidecar proxy so the agent can still
// reach the sidecar itself and anything on loopback.
const noProxyHosts = "127.0.0.1,localhost,host.docker.internal"

// buildEnv assembles the container environment for one case: fixed BENCHMARK_* variables, the runtime spec's template, OTEL
// correlation attributes/headers, and, when a sidecar is live, the proxy
// variables routing agent traffic through it.
func buildEnv(msg *models.Message, rc models.RunCase, mockBaseURL string) map[string]string {
	env := map[string]string{
		"BENCHMARK_EXPERIMENT_ID":     msg.Experiment.ID,
		"BENCHMARK_DATASET_ID":        msg.Dataset.ID,
		"BENCHMARK_RUN_CASE_ID":       rc.RunCaseID,
		"BENCHMARK_DATA_ITEM_ID":      rc.DataItemID,
		"BENCHMARK_ATTEMPT_NO":        fmt.Sprintf("%d", rc.AttemptNo),
		"BENCHMARK_USER_INPUT":        rc.UserInput,
		"BENCHMARK_SESSION_JSONL":     rc.SessionJSONL,
		"BENCHMARK_AGENT_RUNTIME_SPEC": jsonString(msg.Agent.RuntimeSpec),
		"BENCHMARK_MOCK_CONFIG":       jsonString(rc.MockConfig),
	}

	for k, v := range msg.Agent.RuntimeSpec.AgentEnvTemplate {
		env[k] = v
	}

	if rc.TraceID != "" {
		env["BENCHMARK_TRACE_ID"] = rc.TraceID
	}

	resourceAttrs := strings.Join([]string{
		"benchmark.experiment_id=" + msg.Experiment.ID,
		"benchmark.run_case_id=" + rc.RunCaseID,
		"benchmark.data_item_id=" + rc.DataItemID,
	}, ",")
	env["OTEL_RESOURCE_ATTRIBUTES"] = appendCommaList(env["OTEL_RESOURCE_ATTRIBUTES"], resourceAttrs)

	otlpHeaders := strings.Join([]string{
		"x-benchmark-experiment-id=" + msg.Experiment.ID,
		"x-benchmark-run-case-id=" + rc.RunCaseID,
		"x-benchmark-data-item-id=" + rc.DataItemID,
	}, ",")
	merged := appendCommaList(env["OTEL_EXPORTER_OTLP_HEADERS"], otlpHeaders)
	env["OTEL_EXPORTER_OTLP_HEADERS"] = merged
	env["OTEL_EXPORTER_OTLP_TRACES_HEADERS"] = merged

	if mockBaseURL != "" {
		env["BENCHMARK_MOCK_BASE_URL"] = mockBaseURL
		for k, v := range proxyEnv(mockBaseURL) {
			env[k] = v
		}
	}

	return env
}

func proxyEnv(proxyURL string) map[string]string {
	return map[string]string{
		"HTTP_PROXY":  proxyURL,
		"HTTPS_PROXY": proxyURL,
		"ALL_PROXY":   proxyURL,
		"http_proxy":  proxyURL,
		"https_proxy": proxyURL,
		"all_proxy":   proxyURL,
		"NO_PROXY":    noProxyHosts,
		"no_proxy":    noProxyHosts,
	}
}

func appendCommaList(existing, injected string) string {
	existing = strings.TrimSpace(existing)
	if existing == "" {
		return injected
	}
	return existing + "," + injected
}

func jsonString(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
