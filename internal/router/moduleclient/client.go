// Package moduleclient is the typed HTTP RPC used to invoke module services.
//
// The client posts JSON, enforces a per-request timeout, and strictly parses
// the uniform response envelope. It never retries: module services own their
// retry and fallback behavior and surface it through warnings and the
// llmConversation debug trace, which the router passes through verbatim.
package moduleclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oakmund/storyrouter/internal/router/contract"
)

const (
	// DefaultTimeout bounds a single module RPC unless overridden by
	// MODULE_REQUEST_TIMEOUT_MS.
	DefaultTimeout = 20 * time.Second

	maxBodySnippet = 512
)

// Meta is the uniform response metadata every module returns.
type Meta struct {
	ModuleName string   `json:"moduleName"`
	Warnings   []string `json:"warnings"`
}

// Debug carries the optional module-side diagnostic payload.
type Debug struct {
	LLMConversation json.RawMessage `json:"llmConversation,omitempty"`
}

// Envelope is the uniform module response shape. Output stays raw here;
// the caller decodes it against the stage's role schema.
type Envelope struct {
	Meta   Meta            `json:"meta"`
	Output json.RawMessage `json:"output"`
	Debug  *Debug          `json:"debug,omitempty"`
}

// Conversation returns the module's LLM conversation trace, if any.
func (e *Envelope) Conversation() json.RawMessage {
	if e == nil || e.Debug == nil {
		return nil
	}
	return e.Debug.LLMConversation
}

// NetworkError reports a transport-level failure reaching the module.
type NetworkError struct {
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("module network error calling %s: %v", e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError reports that the module did not respond within the deadline.
type TimeoutError struct {
	Endpoint string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("module call to %s timed out after %s", e.Endpoint, e.Timeout)
}

// HTTPError reports a non-2xx module response.
type HTTPError struct {
	Status      int
	BodySnippet string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("module returned HTTP %d: %s", e.Status, e.BodySnippet)
}

// SchemaError reports a response that failed strict schema validation.
type SchemaError struct {
	Role  contract.Role
	Issue string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("module %s schema violation: %s", e.Role, e.Issue)
}

// Client invokes module services over HTTP.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	tracer     trace.Tracer
}

// New creates a module client with the given per-request timeout. A zero or
// negative timeout falls back to DefaultTimeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		tracer:     otel.Tracer("storyrouter/moduleclient"),
	}
}

// Timeout returns the configured per-request timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Invoke posts the request body to the endpoint and parses the response
// envelope. The returned envelope's Output must still be decoded against
// the stage's role schema via DecodeOutput.
func (c *Client) Invoke(ctx context.Context, role contract.Role, endpoint string, request any) (*Envelope, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, &NetworkError{Endpoint: endpoint, Err: errors.New("endpoint is required")}
	}

	ctx, span := c.tracer.Start(ctx, "module.invoke",
		trace.WithAttributes(
			attribute.String("module.role", string(role)),
			attribute.String("module.endpoint", endpoint),
		))
	defer span.End()

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal module request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{Endpoint: endpoint, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			return nil, &TimeoutError{Endpoint: endpoint, Timeout: c.timeout}
		}
		return nil, &NetworkError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Endpoint: endpoint, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode, BodySnippet: snippet(respBody)}
	}

	var envelope Envelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, &SchemaError{Role: role, Issue: fmt.Sprintf("invalid envelope JSON: %v", err)}
	}
	if strings.TrimSpace(envelope.Meta.ModuleName) == "" {
		return nil, &SchemaError{Role: role, Issue: "meta.moduleName is required"}
	}
	if envelope.Meta.Warnings == nil {
		return nil, &SchemaError{Role: role, Issue: "meta.warnings is required"}
	}
	if len(envelope.Output) == 0 {
		return nil, &SchemaError{Role: role, Issue: "output is required"}
	}
	return &envelope, nil
}

// DecodeOutput strictly decodes an envelope output into a role schema type.
func DecodeOutput(role contract.Role, envelope *Envelope, target interface{ Validate() error }) error {
	if envelope == nil {
		return &SchemaError{Role: role, Issue: "missing envelope"}
	}
	if err := contract.DecodeStrict(envelope.Output, target); err != nil {
		return &SchemaError{Role: role, Issue: err.Error()}
	}
	return nil
}

func isClientTimeout(err error) bool {
	var urlErr interface{ Timeout() bool }
	return errors.As(err, &urlErr) && urlErr.Timeout()
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > maxBodySnippet {
		return text[:maxBodySnippet]
	}
	return text
}
