package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/convoai/pkg/models"
)

// DiscoveryConfig bounds Phase 1 — per-server timeout and fan-out.
type DiscoveryConfig struct {
	PerServerTimeout time.Duration
	MaxConcurrency   int
}

// DefaultDiscoveryConfig matches the recommended 2-second per-server
// deadline and a fan-out wide enough that one user's servers don't queue
// behind each other while still bounding total outbound connections.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{PerServerTimeout: 2 * time.Second, MaxConcurrency: 8}
}

type serverDiscovery struct {
	serverID string
	tools    []DiscoveredTool
	err      error
}

// Discover fetches the user's active tool-server registrations and probes
// each concurrently for its advertised tools, assembling a fresh ToolCatalog.
// No single server failure aborts the turn: a timeout, a connection error, or
// a malformed response simply means that server contributes zero tools.
func (d *Dispatcher) Discover(ctx context.Context, owner, bearerToken string) (*ToolCatalog, error) {
	return d.inflight.do(owner+"|"+bearerToken, func() (*ToolCatalog, error) {
		return d.discover(ctx, owner, bearerToken)
	})
}

func (d *Dispatcher) discover(ctx context.Context, owner, bearerToken string) (*ToolCatalog, error) {
	start := time.Now()
	servers, err := d.servers.ActiveToolServers(ctx, owner)
	if err != nil {
		d.observeDiscovery(start, "error")
		return nil, fmt.Errorf("list active tool servers: %w", err)
	}
	if len(servers) == 0 {
		d.observeDiscovery(start, "ok")
		return &ToolCatalog{routes: map[string]route{}}, nil
	}

	results := make([]serverDiscovery, len(servers))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(d.discovery.MaxConcurrency)

	for i, server := range servers {
		i, server := i, server
		group.Go(func() error {
			results[i] = d.discoverOne(gctx, server, bearerToken)
			return nil
		})
	}
	// Discovery errors never propagate; Wait only waits for completion.
	_ = group.Wait()

	outcome := "ok"
	if ctx.Err() != nil {
		outcome = "timeout"
	}
	d.observeDiscovery(start, outcome)
	return d.buildCatalog(servers, results), nil
}

func (d *Dispatcher) observeDiscovery(start time.Time, outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.DiscoveryDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) discoverOne(ctx context.Context, server models.ToolServerRegistration, bearerToken string) serverDiscovery {
	callCtx, cancel := context.WithTimeout(ctx, d.discovery.PerServerTimeout)
	defer cancel()

	raw, err := call(callCtx, d.httpClient(), server.EndpointURL, bearerToken, "tools/list", struct{}{})
	if err != nil {
		d.logger.Warn("tool discovery failed", "server_id", server.ID, "error", err)
		d.countDiscoveryServerError(reasonForDiscoveryError(callCtx, err))
		return serverDiscovery{serverID: server.ID, err: err}
	}

	var parsed listToolsResult
	if err := unmarshalResult(raw, &parsed); err != nil {
		d.logger.Warn("tool discovery returned malformed catalog", "server_id", server.ID, "error", err)
		d.countDiscoveryServerError("invalid_schema")
		return serverDiscovery{serverID: server.ID, err: err}
	}
	return serverDiscovery{serverID: server.ID, tools: parsed.Tools}
}

func (d *Dispatcher) countDiscoveryServerError(reason string) {
	if d.metrics == nil {
		return
	}
	d.metrics.DiscoveryServerErrors.WithLabelValues(reason).Inc()
}

func reasonForDiscoveryError(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return "timeout"
	}
	_ = err
	return "http_error"
}

// buildCatalog applies the name-collision policy: servers are walked in
// registration order, so the first-discovered server wins an unqualified
// name and every later collision is qualified with a deterministic suffix.
func (d *Dispatcher) buildCatalog(servers []models.ToolServerRegistration, results []serverDiscovery) *ToolCatalog {
	catalog := &ToolCatalog{routes: make(map[string]route)}
	taken   := make(map[string]int)

	for i, server := range servers {
		result := results[i]
		if result.err != nil {
			continue
		}
		for _, tool := range result.tools {
			if tool.Name == "" {
				continue
			}
			presented := tool.Name
			if taken[tool.Name] > 0 {
				presented = fmt.Sprintf("%s__%s", tool.Name, server.ID)
			}
			taken[tool.Name]++

			catalog.routes[presented] = route{serverID: server.ID, toolName: tool.Name, endpointURL: server.EndpointURL}
			catalog.Functions = append(catalog.Functions, FunctionDescriptor{
				PresentedName: presented,
				Description:   tool.Description,
				Parameters:    tool.Parameters,
			})
		}
	}

	sort.SliceStable(catalog.Functions, func(i, j int) bool {
		return catalog.Functions[i].PresentedName < catalog.Functions[j].PresentedName
	})
	return catalog
}

// inflightDiscovery coalesces concurrent identical discoveries for the same
// owner per the design "permissible but not required" allowance: a second
// caller arriving mid-flight waits on the first call's result instead of
// issuing a duplicate round of HTTP requests to every server.
type inflightDiscovery struct {
	mu       sync.Mutex
	inFlight map[string]*discoveryCall
}

type discoveryCall struct {
	done    chan struct{}
	catalog *ToolCatalog
	err     error
}

func newInflightDiscovery() *inflightDiscovery {
	return &inflightDiscovery{inFlight: make(map[string]*discoveryCall)}
}

func (g *inflightDiscovery) do(key string, fn func() (*ToolCatalog, error)) (*ToolCatalog, error) {
	g.mu.Lock()
	if existing, ok := g.inFlight[key]; ok {
		g.mu.Unlock()
		<-existing.done
		return existing.catalog, existing.err
	}
	call := &discoveryCall{done: make(chan struct{})}
	g.inFlight[key] = call
	g.mu.Unlock()

	call.catalog, call.err = fn()
	close(call.done)

	g.mu.Lock()
	delete(g.inFlight, key)
	g.mu.Unlock()

	return call.catalog, call.err
}
