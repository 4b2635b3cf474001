package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/haasonsaas/convoai/internal/metrics"
	"github.com/haasonsaas/convoai/pkg/models"
)

// InProcessEmitter adapts an Ingestor held in the same process to
// pipeline.MetricEmitter, for deployments that run the Model Pipeline and
// the Analytics Ingestor in one binary.
type InProcessEmitter struct {
	ingestor Ingestor
}

// NewInProcessEmitter wraps ingestor for direct, in-process metric emission.
func NewInProcessEmitter(ingestor Ingestor) *InProcessEmitter {
	return &InProcessEmitter{ingestor: ingestor}
}

// EmitMessageMetric satisfies pipeline.MetricEmitter.
func (e *InProcessEmitter) EmitMessageMetric(metric models.MessageMetric) {
	e.ingestor.IngestMessageMetric(context.Background(), metric)
}

// HTTPEmitter adapts a remote Analytics Ingestor's /analytics/message_metric
// endpoint to pipeline.MetricEmitter, for deployments where the pipeline and
// ingestor are separate processes. Per its latency budget, a failed
// delivery is logged and dropped — never retried, never queued.
type HTTPEmitter struct {
	endpointURL string
	client      *http.Client
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewHTTPEmitter builds an emitter POSTing to endpointURL
// (".../analytics/message_metric"). client defaults to a 5-second-timeout
// http.Client when nil. m may be nil, in which case drop/accept counters
// are not recorded.
func NewHTTPEmitter(endpointURL string, client *http.Client, logger *slog.Logger, m *metrics.Metrics) *HTTPEmitter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPEmitter{endpointURL: endpointURL, client: client, logger: logger.With("component", "analytics_emitter"), metrics: m}
}

// EmitMessageMetric satisfies pipeline.MetricEmitter.
func (e *HTTPEmitter) EmitMessageMetric(metric models.MessageMetric) {
	body, err := json.Marshal(metric)
	if err != nil {
		e.logger.Warn("drop message_metric: marshal failed", "error", err)
		e.countDropped()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpointURL, bytes.NewReader(body))
	if err != nil {
		e.logger.Warn("drop message_metric: build request failed", "error", err)
		e.countDropped()
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("drop message_metric: ingestor unreachable", "error", err)
		e.countDropped()
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		e.logger.Warn("drop message_metric: ingestor rejected event", "status", resp.StatusCode)
		e.countDropped()
		return
	}
	if e.metrics != nil {
		e.metrics.IngestRecords.WithLabelValues("message").Inc()
	}
}

func (e *HTTPEmitter) countDropped() {
	if e.metrics != nil {
		e.metrics.IngestDropped.Inc()
	}
}
