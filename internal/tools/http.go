package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// HTTPConfig configures the web.fetch tool.
type HTTPConfig struct {
	MaxResponseBody int64
	Timeout         time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultHTTPTimeout     = 30 * time.Second
)

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = defaultMaxResponseBody
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultHTTPTimeout
	}
	if c.Client == nil {
		c.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return c
}

// FetchTool returns web.fetch, which performs one HTTP request and exposes the
// status and body as text.
func FetchTool(cfg HTTPConfig) Tool {
	cfg = cfg.withDefaults()
	str := schema.Primitive(schema.TypeString)

	return &Func{
		ToolName: "web.fetch",
		Summary:  "Fetch a URL over HTTP and return the status code and body text",
		Sig: schema.ToolSignature{
			Parameters: []schema.ToolParameter{
				required("url", str),
				optional("method", str, "GET"),
				optional("body", str, ""),
				optional("headers", anyObject(), map[string]any{}),
				optional("fail_on_error_status", schema.Primitive(schema.TypeBoolean), true),
			},
			Outputs: []schema.ToolOutput{
				output("status_code", schema.Primitive(schema.TypeNumber)),
				output("body", str),
				output("content_type", str),
			},
		},
		Fn: func(ctx context.Context, p map[string]any) (map[string]any, error) {
			return fetch(ctx, cfg, p)
		},
	}
}

func fetch(ctx context.Context, cfg HTTPConfig, p map[string]any) (map[string]any, error) {
	method := strings.ToUpper(stringParam(p, "method", "GET"))
	rawURL := stringParam(p, "url", "")
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "web.fetch: url %q must use http or https", rawURL)
	}

	var body io.Reader
	if b := stringParam(p, "body", ""); b != "" {
		body = strings.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "web.fetch: build request: %s", err.Error()).WithCause(err)
	}
	for k, v := range objectParam(p, "headers") {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}

	resp, err := cfg.Client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolInvocation, "web.fetch: request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolInvocation, "web.fetch: read body: %s", err.Error()).WithCause(err)
	}

	if fail, _ := p["fail_on_error_status"].(bool); fail && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeToolInvocation, "web.fetch: server returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "url": rawURL})
	}

	return map[string]any{
		"status_code":  resp.StatusCode,
		"body":         string(data),
		"content_type": resp.Header.Get("Content-Type"),
	}, nil
}
