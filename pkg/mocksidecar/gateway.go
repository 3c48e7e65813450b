// Package mocksidecar is the optional per-case HTTP gateway: it
// serves request-matching rules from a case's mock_config, proxies
// everything else (including CONNECT tunneling) when passthrough is enabled,
// and forwards OTLP posts on /api/otel/v1/traces and /api/otel/v1/logs into
// the collector's ingest pipeline. Gateways are shared across concurrent
// cases with byte-identical configs via the reference-counted Registry.
package mocksidecar

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OTLPIngestor is the slice of the embedded collector the gateway forwards
// default OTLP routes into. Nil disables ingest (posts still return 200 with
// inserted=0, matching the source behavior when no sink is configured).
type OTLPIngestor interface {
	IngestTraces(ctx context.Context, contentType, contentEncoding string, body []byte, extra map[string]string) (int, error)
	IngestLogs(ctx context.Context, contentType, contentEncoding string, body []byte, extra map[string]string) (int, error)
}

const (
	otelTracesPath = "/api/otel/v1/traces"
	otelLogsPath   = "/api/otel/v1/logs"
)

// Gateway is one running mock sidecar HTTP server.
type Gateway struct {
	id     string
	cfg    Config
	ingest OTLPIngestor
	python *pythonRunner

	httpServer *http.Server
	listener   net.Listener

	// upstream client used for passthrough proxying; never routes through
	// another proxy so the gateway cannot loop into itself.
	client *http.Client
}

func newGateway(cfg Config, ingest OTLPIngestor) *Gateway {
	return &Gateway{
		id:     uuid.NewString()[:8],
		cfg:    cfg,
		ingest: ingest,
		python: newPythonRunner(),
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy: nil,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// start binds addr and serves in a background goroutine, returning the
// bound port (addr may name port 0 for an ephemeral one in tests).
func (g *Gateway) start(addr string) (int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("binding mock sidecar listener: %w", err)
	}
	g.listener = ln
	g.httpServer = &http.Server{Handler: g}
	go func() {
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("Mock sidecar server stopped unexpectedly", "error", err)
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port
	slog.Info("Mock sidecar started", "gateway_id", g.id, "port", port, "rules", len(g.cfg.Rules), "passthrough", g.cfg.Passthrough)
	return port, nil
}

func (g *Gateway) stop() {
	if g.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = g.httpServer.Shutdown(ctx)
}

// ServeHTTP dispatches: CONNECT tunnel → default OTLP routes → rule match →
// passthrough proxy → 404. A gin router cannot host CONNECT or
// config-driven regex matchers, so the gateway is a plain http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		g.handleConnect(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	req := newRequestInfo(r, body)

	if r.Method == http.MethodPost && (req.Path == otelTracesPath || req.Path == otelLogsPath) {
		g.handleOTLP(w, r, req, body)
		return
	}

	if rule := g.matchRule(req); rule != nil {
		status, headers, payload := g.renderRule(r.Context(), rule, req)
		writeResponse(w, status, headers, payload)
		return
	}

	if !g.cfg.Passthrough {
		writeResponse(w, http.StatusNotFound, map[string]string{"Content-Type": "application/json"}, []byte(`{"ok":false,"error":"no_mock_rule"}`))
		return
	}

	g.proxyRequest(w, r, req, body)
}

// requestInfo is the normalized request view given to matchers and python
// rule handlers.
type requestInfo struct {
	Method      string              `json:"method"`
	URL         string              `json:"url"`
	Scheme      string              `json:"scheme"`
	Host        string              `json:"host"`
	Path        string              `json:"path"`
	Query       map[string][]string `json:"query"`
	Headers     map[string]string   `json:"headers"`
	BodyText    string              `json:"body_text"`
	BodyBytesB64 string             `json:"body_bytes_b64"`
}

func newRequestInfo(r *http.Request, body []byte) requestInfo {
	url := r.RequestURI
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		path := url
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		url = "http://" + r.Host + path
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}

	return requestInfo{
		Method:       strings.ToUpper(r.Method),
		URL:          url,
		Scheme:       scheme,
		Host:         host,
		Path:         path,
		Query:        r.URL.Query(),
		Headers:      headers,
		BodyText:     string(body),
		BodyBytesB64: base64.StdEncoding.EncodeToString(body),
	}
}

func (g *Gateway) handleOTLP(w http.ResponseWriter, r *http.Request, req requestInfo, body []byte) {
	inserted := 0
	if g.ingest != nil {
		extra := benchmarkAttrsFromHeaders(req.Headers)
		var err error
		if req.Path == otelTracesPath {
			inserted, err = g.ingest.IngestTraces(r.Context(), r.Header.Get("Content-Type"), r.Header.Get("Content-Encoding"), body, extra)
		} else {
			inserted, err = g.ingest.IngestLogs(r.Context(), r.Header.Get("Content-Type"), r.Header.Get("Content-Encoding"), body, extra)
		}
		if err != nil {
			slog.Warn("Mock sidecar OTLP ingest failed", "path", req.Path, "error", err)
			inserted = 0
		}
	}
	payload, _ := json.Marshal(map[string]any{"ok": true, "mock": "otel-default", "inserted": inserted})
	writeResponse(w, http.StatusOK, map[string]string{
		"Content-Type":   "application/json",
		"X-Mock-Gateway": "otel-default",
	}, payload)
}

// benchmarkAttrsFromHeaders lifts the x-benchmark-* correlation headers an
// agent's OTLP exporter was configured with into span attributes, so sidecar
// -routed telemetry still resolves to its case.
func benchmarkAttrsFromHeaders(headers map[string]string) map[string]string {
	lowered := make(map[string]string, len(headers))
	for k, v := range headers {
		lowered[strings.ToLower(k)] = v
	}
	attrs := make(map[string]string)
	if v := firstOf(lowered, "x-benchmark-run-case-id", "x-run-case-id"); v != "" {
		attrs["benchmark.run_case_id"] = v
	}
	if v := firstOf(lowered, "x-benchmark-data-item-id", "x-data-item-id"); v != "" {
		attrs["benchmark.data_item_id"] = v
	}
	if v := firstOf(lowered, "x-benchmark-experiment-id", "x-experiment-id"); v != "" {
		attrs["benchmark.experiment_id"] = v
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

func firstOf(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

func (g *Gateway) matchRule(req requestInfo) *Rule {
	for i := range g.cfg.Rules {
		if ruleMatches(&g.cfg.Rules[i], req) {
			return &g.cfg.Rules[i]
		}
	}
	return nil
}

func ruleMatches(rule *Rule, req requestInfo) bool {
	m := rule.Match
	if len(m.Methods) > 0 {
		found := false
		for _, method := range m.Methods {
			if strings.ToUpper(method) == req.Method {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.URL != "" && req.URL != m.URL {
		return false
	}
	if m.URLRegex != "" {
		re, err := regexp.Compile(m.URLRegex)
		if err != nil || !re.MatchString(req.URL) {
			return false
		}
	}
	if m.Host != "" && req.Host != m.Host {
		return false
	}
	if m.Path != "" && req.Path != m.Path {
		return false
	}
	if m.PathRegex != "" {
		re, err := regexp.Compile(m.PathRegex)
		if err != nil || !re.MatchString(req.Path) {
			return false
		}
	}
	return true
}

func (g *Gateway) renderRule(ctx context.Context, rule *Rule, req requestInfo) (int, map[string]string, []byte) {
	spec := rule.Response
	status := spec.Status
	if status < 100 {
		status = http.StatusOK
	}
	headers := make(map[string]string, len(spec.Headers))
	for k, v := range spec.Headers {
		headers[k] = v
	}

	switch spec.Type {
	case "python":
		result, err := g.python.run(ctx, spec.PythonCode, req)
		if err != nil {
			slog.Warn("Mock sidecar python rule failed", "rule", rule.Name, "error", err)
			payload, _ := json.Marshal(map[string]any{"ok": false, "error": err.Error()})
			return http.StatusBadGateway, map[string]string{"Content-Type": "application/json"}, payload
		}
		if result.Status >= 100 {
			status = result.Status
		}
		for k, v := range result.Headers {
			headers[k] = v
		}
		switch {
		case result.JSON != nil:
			setDefaultHeader(headers, "Content-Type", "application/json")
			payload, _ := json.Marshal(result.JSON)
			return status, headers, payload
		case result.Text != nil:
			setDefaultHeader(headers, "Content-Type", "text/plain; charset=utf-8")
			return status, headers, []byte(*result.Text)
		case result.BodyBase64 != "":
			payload, err := base64.StdEncoding.DecodeString(result.BodyBase64)
			if err != nil {
				payload = nil
			}
			return status, headers, payload
		default:
			return status, headers, nil
		}

	case "text":
		setDefaultHeader(headers, "Content-Type", "text/plain; charset=utf-8")
		return status, headers, []byte(spec.TextBody)

	default: // json
		setDefaultHeader(headers, "Content-Type", "application/json")
		payload, _ := json.Marshal(spec.JSONBody)
		return status, headers, payload
	}
}

func setDefaultHeader(headers map[string]string, key, value string) {
	for k := range headers {
		if strings.EqualFold(k, key) {
			return
		}
	}
	headers[key] = value
}

func (g *Gateway) proxyRequest(w http.ResponseWriter, r *http.Request, req requestInfo, body []byte) {
	outReq, err := http.NewRequestWithContext(r.Context(), req.Method, req.URL, strings.NewReader(string(body)))
	if err != nil {
		writeProxyError(w, err)
		return
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "Proxy-Connection") || strings.EqualFold(k, "Connection") {
			continue
		}
		outReq.Header.Set(k, v)
	}

	resp, err := g.client.Do(outReq)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		writeProxyError(w, err)
		return
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	writeResponse(w, resp.StatusCode, headers, payload)
}

func writeProxyError(w http.ResponseWriter, err error) {
	payload, _ := json.Marshal(map[string]any{"ok": false, "error": err.Error()})
	writeResponse(w, http.StatusBadGateway, map[string]string{"Content-Type": "application/json"}, payload)
}

// handleConnect establishes a raw TCP tunnel for https passthrough. Disabled
// (502) unless the config enables passthrough.
func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !g.cfg.Passthrough {
		http.Error(w, "CONNECT disabled by mock config", http.StatusBadGateway)
		return
	}

	target := r.Host
	if !strings.Contains(target, ":") {
		target += ":443"
	}
	upstream, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		http.Error(w, fmt.Sprintf("CONNECT failed: %v", err), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		http.Error(w, "CONNECT unsupported by server", http.StatusInternalServerError)
		return
	}
	client, buf, err := hijacker.Hijack()
	if err != nil {
		_ = upstream.Close()
		return
	}
	_, _ = buf.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	_ = buf.Flush()

	go tunnel(upstream, client)
	tunnel(client, upstream)
}

func tunnel(dst, src net.Conn) {
	defer func() { _ = dst.Close() }()
	defer func() { _ = src.Close() }()
	_, _ = io.Copy(dst, src)
}

func writeResponse(w http.ResponseWriter, status int, headers map[string]string, payload []byte) {
	for k, v := range headers {
		lower := strings.ToLower(k)
		if lower == "transfer-encoding" || lower == "connection" || lower == "content-length" {
			continue
		}
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(payload)))
	w.WriteHeader(status)
	if len(payload) > 0 {
		_, _ = w.Write(payload)
	}
}
