package mocksidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// pythonResult is what a python rule's handle(request) must return.
type pythonResult struct {
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	JSON       any               `json:"json"`
	Text       *string           `json:"text"`
	BodyBase64 string            `json:"body_base64"`
}

// pythonRunner executes a rule's python_code in a python3 subprocess with a
// restricted builtin surface, the request as JSON on stdin and the handler's
// result as JSON on stdout. Same acquisition-and-timeout shape as the
// sandbox manager's container CLI calls.
type pythonRunner struct {
	binary  string
	timeout time.Duration
}

func newPythonRunner() *pythonRunner {
	return &pythonRunner{binary: "python3", timeout: 10 * time.Second}
}

// driverScript wraps the rule code: exec under restricted builtins, require
// a handle(request) callable, emit its dict result as JSON.
const driverScript = `
import json, re, sys, time

request = json.load(sys.stdin)
code = request.pop("__rule_code__")
safe_globals = {
    "__builtins__": {
        "len": len, "str": str, "int": int, "float": float, "bool": bool,
        "dict": dict, "list": list, "min": min, "max": max, "sum": sum,
        "sorted": sorted, "range": range,
    },
    "json": json, "re": re, "time": time,
}
local_scope = {}
exec(code, safe_globals, local_scope)
fn = local_scope.get("handle") or safe_globals.get("handle")
if not callable(fn):
    raise RuntimeError("E_MOCK_PYTHON_MISSING_HANDLE: define handle(request)")
result = fn(request)
if not isinstance(result, dict):
    raise RuntimeError("E_MOCK_PYTHON_INVALID_RESULT: handle(request) must return dict")
json.dump(result, sys.stdout)
`

func (p *pythonRunner) run(ctx context.Context, code string, req requestInfo) (pythonResult, error) {
	if strings.TrimSpace(code) == "" {
		return pythonResult{}, errors.New("E_MOCK_PYTHON_EMPTY_CODE")
	}

	input, err := requestWithCode(req, code)
	if err != nil {
		return pythonResult{}, err
	}

	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(rctx, p.binary, "-c", driverScript)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return pythonResult{}, fmt.Errorf("python rule handler failed: %s", detail)
	}

	var result pythonResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return pythonResult{}, fmt.Errorf("decoding python rule result: %w", err)
	}
	return result, nil
}

func requestWithCode(req requestInfo, code string) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var asMap map[string]any
	if err := json.Unmarshal(data, &asMap); err != nil {
		return nil, err
	}
	asMap["__rule_code__"] = code
	return json.Marshal(asMap)
}
