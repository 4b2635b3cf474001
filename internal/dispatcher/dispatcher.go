package dispatcher

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/convoai/internal/metrics"
	"github.com/haasonsaas/convoai/internal/ratelimit"
)

// Dispatcher is the Tool Dispatcher: per-turn discovery of a user's
// tool servers and routing of the model's chosen invocation back to its
// origin. It holds no per-user state between calls.
type Dispatcher struct {
	servers    ActiveToolServerLister
	discovery  DiscoveryConfig
	invocation InvocationConfig
	rateLimit  ratelimit.Config
	client     *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	inflight   *inflightDiscovery

	bucketsMu sync.Mutex
	buckets   map[string]*ratelimit.Bucket
}

// Config configures a Dispatcher.
type Config struct {
	Discovery  DiscoveryConfig
	Invocation InvocationConfig
	// RateLimit bounds the rate of invocations routed to any single tool
	// server, independent of how many sessions are driving turns that
	// resolve to it. Zero value disables limiting.
	RateLimit ratelimit.Config
	Logger    *slog.Logger
	// Metrics records discovery and invocation counters/histograms. nil
	// disables instrumentation.
	Metrics *metrics.Metrics
}

// New builds a Dispatcher over the given Tool Registry Client.
func New(servers ActiveToolServerLister, cfg Config) *Dispatcher {
	if cfg.Discovery == (DiscoveryConfig{}) {
		cfg.Discovery = DefaultDiscoveryConfig()
	}
	if cfg.Invocation == (InvocationConfig{}) {
		cfg.Invocation = DefaultInvocationConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		servers:    servers,
		discovery:  cfg.Discovery,
		invocation: cfg.Invocation,
		rateLimit:  cfg.RateLimit,
		logger:     cfg.Logger.With("component", "dispatcher"),
		metrics:    cfg.Metrics,
		inflight:   newInflightDiscovery(),
		buckets:    make(map[string]*ratelimit.Bucket),
	}
}

// bucketFor returns the shared token bucket for serverID, creating it on
// first use. Returns nil when rate limiting is disabled.
func (d *Dispatcher) bucketFor(serverID string) *ratelimit.Bucket {
	if !d.rateLimit.Enabled {
		return nil
	}
	d.bucketsMu.Lock()
	defer d.bucketsMu.Unlock()
	b, ok := d.buckets[serverID]
	if !ok {
		b = ratelimit.NewBucket(d.rateLimit)
		d.buckets[serverID] = b
	}
	return b
}

func (d *Dispatcher) httpClient() *http.Client {
	if d.client != nil {
		return d.client
	}
	// Each call already carries its own context deadline; the client-level
	// timeout here is only a backstop against a hung dial.
	return &http.Client{Timeout: 30 * time.Second}
}
