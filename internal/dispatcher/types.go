// Package dispatcher implements the Tool Dispatcher: per-turn discovery of a
// user's registered tool servers and routing of the model's chosen tool
// invocation back to the server that advertised it. Nothing here is cached
// across turns; a fresh ToolCatalog is built every time Discover is called.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/haasonsaas/convoai/pkg/models"
)

// ErrUnknownTool is returned by Invoke when the presented tool name is not in
// the caller's catalog.
var ErrUnknownTool = errors.New("unknown tool")

// ErrServerUnavailable wraps a per-server discovery or invocation failure
// that must never abort the pipeline; it is always handled by the caller
// as "this server contributes zero tools" or "feed the error back to the
// model", never propagated as a fatal error.
var ErrServerUnavailable = errors.New("tool server unavailable")

// ActiveToolServerLister is the Tool Registry Client: a thin facade
// over the Conversation Store restricted to a user's enabled registrations.
type ActiveToolServerLister interface {
	ActiveToolServers(ctx context.Context, owner string) ([]models.ToolServerRegistration, error)
}

// FunctionDescriptor is a single tool as presented to the model: the name
// the model will choose, and the JSON-Schema describing its arguments.
type FunctionDescriptor struct {
	PresentedName string
	Description   string
	Parameters    json.RawMessage
}

// route is the internal (server_id, tool_name) a presented name resolves to,
// plus the endpoint it was discovered at. Resolved once per turn at
// discovery time so invocation never needs a second store round-trip.
type route struct {
	serverID    string
	toolName    string
	endpointURL string
}

// ToolCatalog is the Dispatcher's discovery output for one turn: an ordered
// list of functions to declare to the model, plus the reverse map used to
// route an invocation back to its origin server.
type ToolCatalog struct {
	Functions []FunctionDescriptor
	routes    map[string]route
}

// Empty reports whether no tool contributed anything. A ToolCatalog may be
// legitimately empty — the pipeline treats that as "no tools this turn", not
// an error.
func (c *ToolCatalog) Empty() bool {
	return c == nil || len(c.Functions) == 0
}

// Resolve looks up the origin server, upstream tool name, and endpoint for a
// name the model chose, as presented in this catalog.
func (c *ToolCatalog) Resolve(presentedName string) (r route, ok bool) {
	if c == nil {
		return route{}, false
	}
	r, ok = c.routes[presentedName]
	return r, ok
}

// DiscoveredTool is one server's advertisement from a tools/list response.
type DiscoveredTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}
