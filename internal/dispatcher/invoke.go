package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// InvocationConfig bounds Phase 2 — per-call timeout for a routed tool
// invocation.
type InvocationConfig struct {
	Timeout time.Duration
}

// DefaultInvocationConfig matches the recommended 10-second deadline.
func DefaultInvocationConfig() InvocationConfig {
	return InvocationConfig{Timeout: 10 * time.Second}
}

// InvocationResult is the server's verbatim result payload, or a structured
// failure the Model Pipeline feeds back to the model as tool-result content
// rather than aborting the turn.
type InvocationResult struct {
	Result  json.RawMessage
	IsError bool
	Detail  string
}

// Invoke resolves presentedName via the catalog built by a prior Discover
// call and routes the invocation to its origin server. An unresolvable name
// fails with ErrUnknownTool; every other failure — timeout, connection
// error, non-2xx, malformed body — comes back as an InvocationResult with
// IsError set, never as a Go error, because tool failures are not pipeline
// failures.
func (d *Dispatcher) Invoke(ctx context.Context, catalog *ToolCatalog, bearerToken, presentedName string, arguments json.RawMessage) (*InvocationResult, error) {
	r, ok := catalog.Resolve(presentedName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, presentedName)
	}

	if bucket := d.bucketFor(r.serverID); bucket != nil && !bucket.Allow() {
		d.logger.Warn("tool invocation rate limited", "server_id", r.serverID, "tool", r.toolName)
		d.countInvocation("rate_limited")
		return &InvocationResult{IsError: true, Detail: "tool server rate limit exceeded"}, nil
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, d.invocation.Timeout)
	defer cancel()

	raw, err := call(callCtx, d.httpClient(), r.endpointURL, bearerToken, "tools/call", callToolParams{
		Name:      r.toolName,
		Arguments: arguments,
	})
	d.observeInvocationDuration(start)
	if err != nil {
		d.logger.Warn("tool invocation failed", "server_id", r.serverID, "tool", r.toolName, "error", err)
		d.countInvocation("error")
		return &InvocationResult{IsError: true, Detail: err.Error()}, nil
	}

	d.countInvocation("ok")
	return &InvocationResult{Result: raw}, nil
}

func (d *Dispatcher) countInvocation(outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.ToolInvocations.WithLabelValues(outcome).Inc()
}

func (d *Dispatcher) observeInvocationDuration(start time.Time) {
	if d.metrics == nil {
		return
	}
	d.metrics.ToolInvocationDuration.Observe(time.Since(start).Seconds())
}

func unmarshalResult(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty result")
	}
	return json.Unmarshal(raw, out)
}
