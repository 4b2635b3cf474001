package pipeline

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/convoai/internal/agent"
	"github.com/haasonsaas/convoai/internal/dispatcher"
)

// dispatchInvoker adapts the Dispatcher's per-turn Invoke call — which
// needs the turn's ToolCatalog and bearer token — to agent.ToolInvoker's
// narrower (name, arguments) signature, so agent.Executor's bounded
// concurrency, timeout, and panic recovery can be reused unchanged for the
// tool-execution step of the completion loop.
type dispatchInvoker struct {
	dispatcher  Discoverer
	catalog     *dispatcher.ToolCatalog
	bearerToken string
}

func (i *dispatchInvoker) Invoke(ctx context.Context, name string, arguments json.RawMessage) (*agent.ToolResult, error) {
	result, err := i.dispatcher.Invoke(ctx, i.catalog, i.bearerToken, name, arguments)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return &agent.ToolResult{Content: result.Detail, IsError: true}, nil
	}
	return &agent.ToolResult{Content: string(result.Result)}, nil
}
