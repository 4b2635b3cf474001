package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/convoai/internal/ratelimit"
	"github.com/haasonsaas/convoai/pkg/models"
)

type fakeServerLister struct {
	servers []models.ToolServerRegistration
	err     error
}

func (f *fakeServerLister) ActiveToolServers(ctx context.Context, owner string) ([]models.ToolServerRegistration, error) {
	return f.servers, f.err
}

func jsonRPCHandler(t *testing.T, handle func(method string, params json.RawMessage) (any, *jsonRPCError)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		var raw struct {
			Method string          `json:"method"`
			ID     string          `json:"id"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		req.Method = raw.Method
		req.ID = raw.ID

		result, rpcErr := handle(req.Method, raw.Params)
		resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
		if rpcErr == nil {
			data, _ := json.Marshal(result)
			resp.Result = data
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func TestDispatcher_Discover_AggregatesAcrossServers(t *testing.T) {
	srvA := httptest.NewServer(jsonRPCHandler(t, func(method string, params json.RawMessage) (any, *jsonRPCError) {
		return listToolsResult{Tools: []DiscoveredTool{{Name: "search", Description: "search the web"}}}, nil
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(jsonRPCHandler(t, func(method string, params json.RawMessage) (any, *jsonRPCError) {
		return listToolsResult{Tools: []DiscoveredTool{{Name: "calculate"}}}, nil
	}))
	defer srvB.Close()

	lister := &fakeServerLister{servers: []models.ToolServerRegistration{
		{ID: "a", EndpointURL: srvA.URL, Enabled: true},
		{ID: "b", EndpointURL: srvB.URL, Enabled: true},
	}}
	d := New(lister, Config{})

	catalog, err := d.Discover(context.Background(), "user-1", "token")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(catalog.Functions) != 2 {
		t.Fatalf("expected 2 functions, got %d: %+v", len(catalog.Functions), catalog.Functions)
	}
}

func TestDispatcher_Discover_NameCollisionDisambiguated(t *testing.T) {
	srvA := httptest.NewServer(jsonRPCHandler(t, func(method string, params json.RawMessage) (any, *jsonRPCError) {
		return listToolsResult{Tools: []DiscoveredTool{{Name: "search"}}}, nil
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(jsonRPCHandler(t, func(method string, params json.RawMessage) (any, *jsonRPCError) {
		return listToolsResult{Tools: []DiscoveredTool{{Name: "search"}}}, nil
	}))
	defer srvB.Close()

	lister := &fakeServerLister{servers: []models.ToolServerRegistration{
		{ID: "a", EndpointURL: srvA.URL, Enabled: true},
		{ID: "b", EndpointURL: srvB.URL, Enabled: true},
	}}
	d := New(lister, Config{})

	catalog, err := d.Discover(context.Background(), "user-1", "token")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(catalog.Functions) != 2 {
		t.Fatalf("expected 2 functions, got %d", len(catalog.Functions))
	}
	if _, ok := catalog.Resolve("search"); !ok {
		t.Error("expected unqualified name from first server to resolve")
	}
	if _, ok := catalog.Resolve("search__b"); !ok {
		t.Error("expected disambiguated name from second server to resolve")
	}
}

func TestDispatcher_Discover_OneServerDownDoesNotAbortTurn(t *testing.T) {
	good := httptest.NewServer(jsonRPCHandler(t, func(method string, params json.RawMessage) (any, *jsonRPCError) {
		return listToolsResult{Tools: []DiscoveredTool{{Name: "ok_tool"}}}, nil
	}))
	defer good.Close()

	lister := &fakeServerLister{servers: []models.ToolServerRegistration{
		{ID: "down", EndpointURL: "http://127.0.0.1:1", Enabled: true},
		{ID: "up", EndpointURL: good.URL, Enabled: true},
	}}
	cfg := Config{Discovery: DiscoveryConfig{PerServerTimeout: time.Second, MaxConcurrency: 4}}
	d   := New(lister, cfg)

	catalog, err := d.Discover(context.Background(), "user-1", "token")
	if err != nil {
		t.Fatalf("Discover() must not fail when one server is unreachable: %v", err)
	}
	if len(catalog.Functions) != 1 || catalog.Functions[0].PresentedName != "ok_tool" {
		t.Fatalf("expected only the reachable server's tool, got %+v", catalog.Functions)
	}
}

func TestDispatcher_Discover_EmptyCatalogWhenNoServers(t *testing.T) {
	d := New(&fakeServerLister{}, Config{})
	catalog, err := d.Discover(context.Background(), "user-1", "token")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if !catalog.Empty() {
		t.Error("expected empty catalog")
	}
}

func TestDispatcher_Invoke_RoutesToOriginServer(t *testing.T) {
	srv := httptest.NewServer(jsonRPCHandler(t, func(method string, params json.RawMessage) (any, *jsonRPCError) {
		if method != "tools/call" {
			t.Errorf("expected tools/call, got %q", method)
		}
		return map[string]string{"answer": "42"}, nil
	}))
	defer srv.Close()

	lister := &fakeServerLister{servers: []models.ToolServerRegistration{{ID: "a", EndpointURL: srv.URL, Enabled: true}}}
	d      := New(lister, Config{})

	srv2 := httptest.NewServer(jsonRPCHandler(t, func(method string, params json.RawMessage) (any, *jsonRPCError) {
		return listToolsResult{Tools: []DiscoveredTool{{Name: "calc"}}}, nil
	}))
	defer srv2.Close()
	lister.servers[0].EndpointURL = srv2.URL

	catalog, err := d.Discover(context.Background(), "user-1", "token")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	result, err := d.Invoke(context.Background(), catalog, "token", "calc", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", result.Detail)
	}
}

func TestDispatcher_Invoke_UnknownToolFails(t *testing.T) {
	d       := New(&fakeServerLister{}, Config{})
	catalog := &ToolCatalog{routes: map[string]route{}}
	_, err := d.Invoke(context.Background(), catalog, "token", "ghost", nil)
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestDispatcher_Invoke_ServerErrorBecomesStructuredResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	catalog := &ToolCatalog{routes: map[string]route{
		"broken": {serverID: "a", toolName: "broken", endpointURL: srv.URL},
	}}
	d := New(&fakeServerLister{}, Config{})

	result, err := d.Invoke(context.Background(), catalog, "token", "broken", nil)
	if err != nil {
		t.Fatalf("tool-level failures must not surface as Go errors: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError = true")
	}
}

func TestDispatcher_Invoke_RateLimitedServerReturnsStructuredResult(t *testing.T) {
	var calls int
	srv := httptest.NewServer(jsonRPCHandler(t, func(method string, params json.RawMessage) (any, *jsonRPCError) {
		calls++
		return map[string]string{"answer": "42"}, nil
	}))
	defer srv.Close()

	catalog := &ToolCatalog{routes: map[string]route{
		"calc": {serverID: "rate-limited", toolName: "calc", endpointURL: srv.URL},
	}}
	d := New(&fakeServerLister{}, Config{
		RateLimit: ratelimit.Config{Enabled: true, RequestsPerSecond: 1, BurstSize: 1},
	})

	first, err := d.Invoke(context.Background(), catalog, "token", "calc", json.RawMessage(`{}`))
	if err != nil || first.IsError {
		t.Fatalf("expected first call to succeed, got err=%v result=%+v", err, first)
	}

	second, err := d.Invoke(context.Background(), catalog, "token", "calc", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !second.IsError {
		t.Fatal("expected second call within the same burst to be rate limited")
	}
	if calls != 1 {
		t.Errorf("server call count = %d, want 1 (second call should never reach it)", calls)
	}
}
