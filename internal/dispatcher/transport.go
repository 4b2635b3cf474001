package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxResponseBytes bounds how much of a tool server's response we will read.
// A registered endpoint_url is opaque and untrusted; nothing stops it from
// streaming gigabytes back, so every call reads through a capped reader.
const maxResponseBytes = 1 << 20 // 1 MiB

// call issues one JSON-RPC 2.0 request over HTTP POST and returns the raw
// result payload. It carries the caller's bearer token and enforces the
// response-size cap and UTF-8 well-formedness that the hardening notes
// call for; anything that fails either check is wrapped in
// ErrServerUnavailable so callers never distinguish "slow" from "hostile".
func call(ctx context.Context, client *http.Client, endpointURL, bearerToken, method string, params any) (json.RawMessage, error) {
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrServerUnavailable, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrServerUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrServerUnavailable, err)
	}
	if len(raw) > maxResponseBytes {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrServerUnavailable, maxResponseBytes)
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: response is not valid UTF-8", ErrServerUnavailable)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrServerUnavailable, resp.StatusCode)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON-RPC response: %v", ErrServerUnavailable, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%w: %s (code %d)", ErrServerUnavailable, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	return rpcResp.Result, nil
}
