package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rendis/orquesta/pkg/schema"
)

// HTTPConfig configures HTTP agents.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPAgent delegates a step's work to a remote endpoint: resolved inputs
// are POSTed as a JSON object, the JSON response body becomes the step's
// raw output. Non-2xx responses are step failures.
type HTTPAgent struct {
	id       string
	desc     string
	endpoint string
	client   *http.Client
	config   HTTPConfig
}

// NewHTTPAgent creates an HTTPAgent for the given endpoint URL.
func NewHTTPAgent(id, endpoint string, cfg HTTPConfig) (*HTTPAgent, error) {
	u, err := url.ParseRequestURI(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "agent %q: invalid endpoint %q", id, endpoint)
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPAgent{
		id:       id,
		desc:     fmt.Sprintf("HTTP agent at %s", endpoint),
		endpoint: endpoint,
		client:   &http.Client{Timeout: cfg.DefaultTimeout},
		config:   cfg,
	}, nil
}

func (a *HTTPAgent) ID() string          { return a.id }
func (a *HTTPAgent) Description() string { return a.desc }

// Execute POSTs the inputs and decodes the response. The per-attempt timeout
// arrives via ctx; the client timeout is only a safety net.
func (a *HTTPAgent) Execute(ctx context.Context, inputs map[string]schema.Value) (schema.Value, error) {
	payload := make(map[string]any, len(inputs))
	for k, v := range inputs {
		payload[k] = v.Unwrap()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return schema.Null(), schema.NewErrorf(schema.ErrCodeExecution,
			"agent %q: marshal inputs: %s", a.id, err.Error()).WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return schema.Null(), schema.NewErrorf(schema.ErrCodeExecution,
			"agent %q: build request: %s", a.id, err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return schema.Null(), schema.NewErrorf(schema.ErrCodeExecution,
			"agent %q: request failed: %s", a.id, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return schema.Null(), schema.NewErrorf(schema.ErrCodeExecution,
			"agent %q: read response: %s", a.id, err.Error()).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return schema.Null(), schema.NewErrorf(schema.ErrCodeExecution,
			"agent %q: endpoint returned %s", a.id, resp.Status).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(raw)})
	}

	if len(raw) == 0 {
		return schema.Null(), nil
	}
	var out schema.Value
	if err := json.Unmarshal(raw, &out); err != nil {
		return schema.Null(), schema.NewErrorf(schema.ErrCodeExecution,
			"agent %q: response is not valid JSON: %s", a.id, err.Error()).WithCause(err)
	}
	return out, nil
}
