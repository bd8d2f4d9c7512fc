// Package inference talks to the remote agent inference service: one node
// invocation per POST /invoke call against {AGENT_HOST}:{AGENT_PORT}. The
// service is untrusted for JSON hygiene, so a response body that fails to
// unmarshal is repaired with jsonrepair and unmarshaled once more (spec.md
// §4.7, §7).
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowforge/kernel/kernelmodel"
	"github.com/flowforge/kernel/telemetry"
)

// DefaultTimeout bounds a single node invocation call, separate from any
// workflow-level timeout tracked by the scheduler.
const DefaultTimeout = 120 * time.Second

// Client invokes the remote agent runtime over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        telemetry.Logger
	tracer     telemetry.Tracer
}

// New constructs a Client targeting host:port.
func New(host string, port int, log telemetry.Logger) *Client {
	return NewWithTracer(host, port, log, nil)
}

// NewWithTracer constructs a Client that also opens a span around every
// Invoke call (SPEC_FULL.md §2.1: "every remote-inference call opens a
// span"). A nil tracer falls back to a no-op.
func NewWithTracer(host string, port int, log telemetry.Logger, tracer telemetry.Tracer) *Client {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Client{
		baseURL:    fmt.Sprintf("http://%s:%d", host, port),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        log,
		tracer:     tracer,
	}
}

// Invoke sends a single node invocation and returns the parsed response.
// Malformed JSON bodies are passed through jsonrepair.JSONRepair before
// unmarshal; a body that still fails to parse after repair is returned as
// an error, not panicked on.
func (c *Client) Invoke(ctx context.Context, payload kernelmodel.InvocationPayload) (*kernelmodel.InvocationResponse, error) {
	ctx, span := c.tracer.Start(ctx, "inference.invoke", trace.WithAttributes(attribute.String("agent_id", string(payload.AgentID))))
	defer span.End()

	out, err := c.invoke(ctx, payload)
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

func (c *Client) invoke(ctx context.Context, payload kernelmodel.InvocationPayload) (*kernelmodel.InvocationResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("inference: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("inference: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference: invoke %s: %w", payload.AgentID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("inference: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("inference: agent %s returned status %d: %s", payload.AgentID, resp.StatusCode, string(raw))
	}

	var out kernelmodel.InvocationResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(string(raw))
		if repairErr != nil {
			return nil, fmt.Errorf("inference: unparseable response for %s (repair failed: %v): %w", payload.AgentID, repairErr, err)
		}
		c.log.Warn(ctx, "repaired malformed inference response", "agent_id", string(payload.AgentID))
		if err := json.Unmarshal([]byte(repaired), &out); err != nil {
			return nil, fmt.Errorf("inference: unparseable response for %s even after repair: %w", payload.AgentID, err)
		}
	}
	return &out, nil
}
