// Package pipeline implements the Model Pipeline: the completion
// loop that assembles a prompt, invokes the model, dispatches any tool the
// model selects, and persists the terminal assistant message.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/convoai/internal/agent"
	"github.com/haasonsaas/convoai/internal/backoff"
	"github.com/haasonsaas/convoai/internal/dispatcher"
	"github.com/haasonsaas/convoai/internal/metrics"
	"github.com/haasonsaas/convoai/internal/usage"
	"github.com/haasonsaas/convoai/pkg/models"
)

// ErrModelUnavailable is returned once model-invocation retries are
// exhausted.
var ErrModelUnavailable = errors.New("model unavailable")

// ErrTimeout is returned when the context is cancelled mid-turn. Any
// partial assistant message is discarded by the caller — the Pipeline
// never persists on this path.
var ErrTimeout = errors.New("turn timed out")

// toolBudgetExhaustedMessage is the terminal assistant message coerced when
// the tool-hop budget is exceeded; budget exhaustion is never returned to
// the caller as a Go error.
const toolBudgetExhaustedMessage = "tool budget exhausted"

// Discoverer is the Dispatcher's discovery phase, as consumed by the
// pipeline.
type Discoverer interface {
	Discover(ctx context.Context, owner, bearerToken string) (*dispatcher.ToolCatalog, error)
	Invoke(ctx context.Context, catalog *dispatcher.ToolCatalog, bearerToken, presentedName string, arguments json.RawMessage) (*dispatcher.InvocationResult, error)
}

// MessageAppender is the slice of the Conversation Store the pipeline
// needs to persist its terminal assistant message.
type MessageAppender interface {
	AppendMessage(ctx context.Context, conversationID string, role models.Role, content string, tokenCount *int, responseTimeMS *int64, modelName string) (*models.Message, error)
}

// MetricEmitter is the fire-and-forget seam into the Analytics Ingestor
// Emit must not block the caller and must never propagate an error
// back into the completion loop.
type MetricEmitter interface {
	EmitMessageMetric(metric models.MessageMetric)
}

// Config bounds the completion loop.
type Config struct {
	// Model is passed through to the provider verbatim; empty selects the
	// provider's default.
	Model string
	// MaxTokens limits each model completion.
	MaxTokens int
	// ContextWindow is the number N of most recent messages (recommended
	// 10-20) included in the assembled prompt, in chronological order.
	ContextWindow int
	// MaxToolHops bounds step 5d's loop (recommended: 5).
	MaxToolHops int
	// ModelRetries bounds retries of a failing model invocation
	// (recommended: 2, i.e. 3 total attempts).
	ModelRetries int
	// ModelBackoff is the policy applied between model-invocation retries.
	ModelBackoff backoff.BackoffPolicy
	// ToolExecutor configures the bounded tool-invocation executor.
	ToolExecutor *agent.ExecutorConfig
	// Cost prices the configured model for the usage Tracker's cost
	// estimate. The zero value disables cost estimation; token
	// counts are still tracked regardless.
	Cost usage.Cost
	// Metrics records model-invocation counters. nil disables
	// instrumentation.
	Metrics *metrics.Metrics
}

// DefaultConfig matches the recommended values.
func DefaultConfig() Config {
	return Config{
		MaxTokens:     4096,
		ContextWindow: 20,
		MaxToolHops:   5,
		ModelRetries:  2,
		ModelBackoff:  backoff.DefaultPolicy(),
	}
}

// Pipeline is the Model Pipeline. It holds no per-turn state; every
// field is a shared, concurrency-safe collaborator.
type Pipeline struct {
	provider    agent.LLMProvider
	dispatcher  Discoverer
	store       MessageAppender
	metrics     MetricEmitter
	config      Config
	usage       *usage.Tracker
	promMetrics *metrics.Metrics
}

// New builds a Pipeline. metrics may be nil, in which case MessageMetric
// emission is a no-op — useful for tests and for deployments that have not
// yet wired an Analytics Ingestor.
func New(provider agent.LLMProvider, disp Discoverer, store MessageAppender, metrics MetricEmitter, config Config) *Pipeline {
	if config.ContextWindow <= 0 {
		config.ContextWindow = DefaultConfig().ContextWindow
	}
	if config.MaxToolHops <= 0 {
		config.MaxToolHops = DefaultConfig().MaxToolHops
	}
	if config.ModelBackoff == (backoff.BackoffPolicy{}) {
		config.ModelBackoff = backoff.DefaultPolicy()
	}
	if metrics == nil {
		metrics = noopMetricEmitter{}
	}
	return &Pipeline{
		provider:    provider,
		dispatcher:  disp,
		store:       store,
		metrics:     metrics,
		config:      config,
		usage:       usage.NewTracker(usage.DefaultTrackerConfig()),
		promMetrics: config.Metrics,
	}
}

// UsageSummary returns accumulated token totals keyed by "model:<name>".
func (p *Pipeline) UsageSummary() map[string]*usage.Usage {
	return p.usage.GetSummary()
}

type noopMetricEmitter struct{}

func (noopMetricEmitter) EmitMessageMetric(models.MessageMetric) {}

// RunTurn executes one full completion loop for a conversation that just
// received userMessage, appended to history in chronological order
// (history must include userMessage as its last element). It returns the
// persisted terminal assistant message.
func (p *Pipeline) RunTurn(ctx context.Context, conv *models.Conversation, bearerToken string, history []*models.Message) (*models.Message, error) {
	turnStart := time.Now()

	catalog, err := p.dispatcher.Discover(ctx, conv.OwnerSubject, bearerToken)
	if err != nil {
		return nil, fmt.Errorf("discover tool catalog: %w", err)
	}

	working   := assemblePrompt(conv, history, p.config.ContextWindow)
	functions := functionsFromCatalog(catalog)

	invoker  := &dispatchInvoker{dispatcher: p.dispatcher, catalog: catalog, bearerToken: bearerToken}
	executor := agent.NewExecutor(invoker, p.config.ToolExecutor)

	var finalText string
	var inputTokens, outputTokens int

hops:
	for hop := 0; ; hop++ {
		if hop >= p.config.MaxToolHops {
			finalText = toolBudgetExhaustedMessage
			break
		}

		chunk, err := p.invokeModel(ctx, working, functions)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				p.countModelInvocation("timeout")
				return nil, ErrTimeout
			}
			p.countModelInvocation("unavailable")
			return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}
		p.countModelInvocation("ok")
		inputTokens  += chunk.InputTokens
		outputTokens += chunk.OutputTokens

		if chunk.ToolCall != nil {
			working = append(working, agent.CompletionMessage{
				Role:      "assistant",
				ToolCalls: []models.ToolCall{*chunk.ToolCall},
			})

			results     := executor.ExecuteAll(ctx, []models.ToolCall{*chunk.ToolCall})
			toolResults := agent.ResultsToModelResults(results)
			working = append(working, agent.CompletionMessage{
				Role:        "tool",
				ToolResults: toolResults,
			})
			continue
		}

		finalText = chunk.Text
		break hops
	}

	responseTimeMS := time.Since(turnStart).Milliseconds()
	var tokenCount *int
	if outputTokens > 0 {
		total      := inputTokens + outputTokens
		tokenCount = &total
	}

	msg, err := p.store.AppendMessage(ctx, conv.ID, models.RoleAssistant, finalText, tokenCount, &responseTimeMS, p.config.Model)
	if err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}

	p.recordUsage(conv, inputTokens, outputTokens)
	p.emitMetric(msg, conv, tokenCount, responseTimeMS)
	return msg, nil
}

// recordUsage accumulates this turn's token usage and estimated cost into
// the usage Tracker, keyed by model. A zero Cost (the default,
// unconfigured case) still tracks token counts; only the dollar estimate
// comes out zero.
func (p *Pipeline) recordUsage(conv *models.Conversation, inputTokens, outputTokens int) {
	if inputTokens == 0 && outputTokens == 0 {
		return
	}
	u := usage.Usage{InputTokens: int64(inputTokens), OutputTokens: int64(outputTokens)}
	p.usage.Record(usage.Record{
		Provider: "model",
		Model:    p.config.Model,
		UserID:   conv.OwnerSubject,
		Usage:    u,
		Cost:     p.config.Cost.Estimate(&u),
	})
}

func (p *Pipeline) countModelInvocation(outcome string) {
	if p.promMetrics == nil {
		return
	}
	p.promMetrics.ModelInvocations.WithLabelValues(outcome).Inc()
}

func (p *Pipeline) emitMetric(msg *models.Message, conv *models.Conversation, tokenCount *int, responseTimeMS int64) {
	metric := models.MessageMetric{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		Subject:        conv.OwnerSubject,
		Role:           msg.Role,
		ResponseTimeS:  float64(responseTimeMS) / 1000.0,
		ModelName:      p.config.Model,
		Timestamp:      msg.CreatedAt,
	}
	if tokenCount != nil {
		metric.TokenCount = *tokenCount
	}
	go p.metrics.EmitMessageMetric(metric)
}

// invokeModel runs one model completion with bounded retry-with-backoff
// and drains the streaming response into a single
// logical chunk: either a tool call or terminal text.
func (p *Pipeline) invokeModel(ctx context.Context, working []agent.CompletionMessage, functions []agent.FunctionSpec) (*agent.CompletionChunk, error) {
	req := &agent.CompletionRequest{
		Model:     p.config.Model,
		Messages:  working,
		Functions: functions,
		MaxTokens: p.config.MaxTokens,
	}

	attempts := p.config.ModelRetries + 1
	result, err := backoff.RetryWithBackoff(ctx, p.config.ModelBackoff, attempts, func(int) (*agent.CompletionChunk, error) {
		return p.completeOnce(ctx, req)
	})
	if p.promMetrics != nil && result.Attempts > 1 {
		p.promMetrics.ModelRetries.Add(float64(result.Attempts - 1))
	}
	if err != nil {
		if result.LastError != nil {
			return nil, result.LastError
		}
		return nil, err
	}
	return result.Value, nil
}

// completeOnce drains the provider's stream for a single completion,
// accumulating text and surfacing the first tool call encountered.
func (p *Pipeline) completeOnce(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionChunk, error) {
	stream, err := p.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	final := &agent.CompletionChunk{}
	var text string
	for chunk := range stream {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		text += chunk.Text
		if chunk.ToolCall != nil {
			final.ToolCall = chunk.ToolCall
		}
		if chunk.InputTokens > 0 {
			final.InputTokens = chunk.InputTokens
		}
		if chunk.OutputTokens > 0 {
			final.OutputTokens = chunk.OutputTokens
		}
		if chunk.Done {
			break
		}
	}
	final.Text = text
	return final, ctx.Err()
}

// functionsFromCatalog adapts a dispatcher.ToolCatalog to the function
// declarations the provider expects, re-derived fresh every turn.
func functionsFromCatalog(catalog *dispatcher.ToolCatalog) []agent.FunctionSpec {
	if catalog.Empty() {
		return nil
	}
	out := make([]agent.FunctionSpec, 0, len(catalog.Functions))
	for _, fn := range catalog.Functions {
		out = append(out, agent.FunctionSpec{
			Name:        fn.PresentedName,
			Description: fn.Description,
			Parameters:  fn.Parameters,
		})
	}
	return out
}

// assemblePrompt builds the working context per the design step 3: the
// conversation's system prompt followed by the last contextWindow messages
// in chronological order.
func assemblePrompt(conv *models.Conversation, history []*models.Message, contextWindow int) []agent.CompletionMessage {
	start := 0
	if len(history) > contextWindow {
		start = len(history) - contextWindow
	}
	recent := history[start:]

	working := make([]agent.CompletionMessage, 0, len(recent)+1)
	if conv.SystemPrompt != "" {
		working = append(working, agent.CompletionMessage{Role: "system", Content: conv.SystemPrompt})
	}
	for _, msg := range recent {
		working = append(working, agent.CompletionMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return working
}
