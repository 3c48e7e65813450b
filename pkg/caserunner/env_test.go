package caserunner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchrun/worker/pkg/models"
)

func testMessage() *models.Message {
	return &models.Message{
		MessageID:     "m-1",
		MessageType:   models.SupportedMessageType,
		SchemaVersion: models.SupportedSchemaVersion,
		Experiment:    models.ExperimentRef{ID: "exp-7"},
		Dataset:       models.DatasetRef{ID: "ds-3", Name: "smoke"},
		Agent: models.AgentRef{
			ID: "agent-1",
			RuntimeSpec: models.RuntimeSpec{
				AgentImage: "bench/agent:1",
			},
		},
	}
}

func TestBuildEnvFixedVariables(t *testing.T) {
	msg := testMessage()
	rc := models.RunCase{RunCaseID: "rc-9", DataItemID: "di-4", AttemptNo: 2, UserInput: "do the thing", SessionJSONL: "{}"}

	env := buildEnv(msg, rc, "")

	assert.Equal(t, "exp-7", env["BENCHMARK_EXPERIMENT_ID"])
	assert.Equal(t, "ds-3", env["BENCHMARK_DATASET_ID"])
	assert.Equal(t, "rc-9", env["BENCHMARK_RUN_CASE_ID"])
	assert.Equal(t, "di-4", env["BENCHMARK_DATA_ITEM_ID"])
	assert.Equal(t, "2", env["BENCHMARK_ATTEMPT_NO"])
	assert.Equal(t, "do the thing", env["BENCHMARK_USER_INPUT"])
	assert.Contains(t, env["BENCHMARK_AGENT_RUNTIME_SPEC"], "bench/agent:1")
	assert.Equal(t, "null", env["BENCHMARK_MOCK_CONFIG"])
	assert.NotContains(t, env, "BENCHMARK_TRACE_ID")
	assert.NotContains(t, env, "HTTP_PROXY")
}

func TestBuildEnvOtelCorrelation(t *testing.T) {
	msg := testMessage()
	rc := models.RunCase{RunCaseID: "rc-9", DataItemID: "di-4", TraceID: "trace-z"}

	env := buildEnv(msg, rc, "")

	assert.Equal(t, "trace-z", env["BENCHMARK_TRACE_ID"])
	assert.Equal(t,
		"benchmark.experiment_id=exp-7,benchmark.run_case_id=rc-9,benchmark.data_item_id=di-4",
		env["OTEL_RESOURCE_ATTRIBUTES"])
	assert.Equal(t, env["OTEL_EXPORTER_OTLP_HEADERS"], env["OTEL_EXPORTER_OTLP_TRACES_HEADERS"])
	assert.Contains(t, env["OTEL_EXPORTER_OTLP_HEADERS"], "x-benchmark-run-case-id=rc-9")
}

func TestBuildEnvMergesTemplateAndAppendsOtel(t *testing.T) {
	msg := testMessage()
	msg.Agent.RuntimeSpec.AgentEnvTemplate = map[string]string{
		"OTEL_RESOURCE_ATTRIBUTES": "team=bench",
		"CUSTOM_FLAG":              "on",
	}
	rc := models.RunCase{RunCaseID: "rc-9", DataItemID: "di-4"}

	env := buildEnv(msg, rc, "")

	assert.Equal(t, "on", env["CUSTOM_FLAG"])
	assert.Equal(t,
		"team=bench,benchmark.experiment_id=exp-7,benchmark.run_case_id=rc-9,benchmark.data_item_id=di-4",
		env["OTEL_RESOURCE_ATTRIBUTES"])
}

func TestBuildEnvProxyVariablesWithSidecar(t *testing.T) {
	msg := testMessage()
	rc := models.RunCase{RunCaseID: "rc-9", DataItemID: "di-4", MockConfig: map[string]any{"passthrough": true}}

	env := buildEnv(msg, rc, "http://host.docker.internal:14318")

	require.Equal(t, "http://host.docker.internal:14318", env["BENCHMARK_MOCK_BASE_URL"])
	for _, key := range []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "http_proxy", "https_proxy", "all_proxy"} {
		assert.Equal(t, "http://host.docker.internal:14318", env[key], key)
	}
	assert.Equal(t, "127.0.0.1,localhost,host.docker.internal", env["NO_PROXY"])
	assert.Equal(t, env["NO_PROXY"], env["no_proxy"])
	assert.Contains(t, env["BENCHMARK_MOCK_CONFIG"], "passthrough")
}
