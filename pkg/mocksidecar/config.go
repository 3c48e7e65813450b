package mocksidecar

import (
	"encoding/json"
	"fmt"
)

// Match selects the requests a Rule applies to. Empty fields match anything.
type Match struct {
	Methods   []string `json:"methods,omitempty"`
	URL       string   `json:"url,omitempty"`
	URLRegex  string   `json:"url_regex,omitempty"`
	Host      string   `json:"host,omitempty"`
	Path      string   `json:"path,omitempty"`
	PathRegex string   `json:"path_regex,omitempty"`
}

// Response describes what a matched Rule returns. Type selects which body
// field applies: "json" (default), "text", or "python". Python rules must
// expose a handle(request) callable returning {status, headers,
// json|text|body_base64}.
type Response struct {
	Type       string            `json:"type,omitempty"`
	Status     int               `json:"status,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	JSONBody   any               `json:"json_body,omitempty"`
	TextBody   string            `json:"text_body,omitempty"`
	PythonCode string            `json:"python_code,omitempty"`
}

// Rule pairs a request matcher with a canned response.
type Rule struct {
	Name     string   `json:"name,omitempty"`
	Match    Match    `json:"match"`
	Response Response `json:"response"`
}

// Config is a case's mock_config after normalization.
type Config struct {
	Passthrough bool   `json:"passthrough"`
	Rules       []Rule `json:"rules"`
}

// ParseConfig normalizes a message's free-form mock_config map into a
// Config. An empty map yields a passthrough-only gateway.
func ParseConfig(raw map[string]any) (Config, error) {
	cfg := Config{Passthrough: true}
	if len(raw) == 0 {
		return cfg, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("marshaling mock_config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding mock_config: %w", err)
	}
	if _, ok := raw["passthrough"]; !ok {
		cfg.Passthrough = true
	}
	return cfg, nil
}

// Signature returns the canonical JSON identity of a Config. Two cases may
// share one gateway only when their signatures are byte-equal.
func (c Config) Signature() string {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("unmarshalable:%v", err)
	}
	return string(data)
}
