// Package scorer implements the scorer sub-pool: a bounded-
// concurrency pool that evaluates a completed case against each configured
// scorer via an external LLM evaluator backend, applying sentinel results
// and a hard timeout per invocation.
package scorer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/benchrun/worker/pkg/models"
)

// retryableStatus is the HTTP status set the backend retries on.
var retryableStatus = map[int]bool{
	408: true, 409: true, 425: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// Backend calls the external evaluator and returns its raw response body.
type Backend interface {
	Call(ctx context.Context, scorer models.ScorerConfig, authToken string, result models.CaseResult) (string, error)
}

// HTTPBackend is the default Backend: a bearer-authenticated HTTP client
// with connect/read timeouts and exponential backoff on retryable failures.
type HTTPBackend struct {
	client     *http.Client
	maxRetries uint64
}

// NewHTTPBackend builds a Backend with the given per-request timeout.
func NewHTTPBackend(requestTimeout time.Duration, maxRetries uint64) *HTTPBackend {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	return &HTTPBackend{
		client:     &http.Client{Transport: transport, Timeout: requestTimeout},
		maxRetries: maxRetries,
	}
}

// Call builds an evaluator request in the scorer's configured API style and
// posts it, retrying retryable conditions with exponential backoff.
func (b *HTTPBackend) Call(ctx context.Context, scorerCfg models.ScorerConfig, authToken string, result models.CaseResult) (string, error) {
	payload, err := buildPayload(scorerCfg, result)
	if err != nil {
		return "", err
	}

	var body string
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, scorerCfg.BaseURL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if authToken != "" {
			req.Header.Set("Authorization", "Bearer "+authToken)
		}

		resp, err := b.client.Do(req)
		if err != nil {
			return err // connection errors and client-side timeouts are retryable
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if retryableStatus[resp.StatusCode] {
			return fmt.Errorf("scorer backend returned retryable status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("scorer backend returned status %d: %s", resp.StatusCode, string(raw)))
		}

		body = extractContent(scorerCfg.APIStyle, raw)
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), b.maxRetries)
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return "", err
	}
	return body, nil
}

func buildPayload(scorerCfg models.ScorerConfig, result models.CaseResult) ([]byte, error) {
	prompt := evaluationPrompt(scorerCfg, result)
	switch scorerCfg.APIStyle {
	case "anthropic":
		return json.Marshal(map[string]any{
			"model":      scorerCfg.Model,
			"max_tokens": 512,
			"messages":   []map[string]string{{"role": "user", "content": prompt}},
		})
	default: // "openai"
		return json.Marshal(map[string]any{
			"model":    scorerCfg.Model,
			"messages": []map[string]string{{"role": "user", "content": prompt}},
		})
	}
}

func evaluationPrompt(scorerCfg models.ScorerConfig, result models.CaseResult) string {
	outputJSON, _ := json.Marshal(result.Output)
	return fmt.Sprintf(
		"Evaluate the following agent output against the scorer's rubric and respond with a strict "+
			"JSON object {\"score\": <0|0.5|1>, \"reason\": \"...\"}. Scorer config: %v. Output: %s",
		scorerCfg.ScorerConfig, string(outputJSON))
}

// extractContent pulls the assistant message text out of an OpenAI
// chat-completions or Anthropic messages response envelope.
func extractContent(apiStyle string, raw []byte) string {
	switch apiStyle {
	case "anthropic":
		var env struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(raw, &env); err == nil && len(env.Content) > 0 {
			return env.Content[0].Text
		}
	default:
		var env struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(raw, &env); err == nil && len(env.Choices) > 0 {
			return env.Choices[0].Message.Content
		}
	}
	return string(raw)
}
