// Package observability wires OpenTelemetry metrics through the Prometheus
// exporter. Counters and histograms cover runs, LLM calls, tool executions,
// and consumer message handling; the health server exposes them on /metrics.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records worker activity. The zero value is a safe no-op.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	runDuration metric.Float64Histogram
	runsTotal   metric.Int64Counter
	runErrors   metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmCost         metric.Float64Counter
	llmErrors       metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter

	messagesHandled metric.Int64Counter
	messagesRetried metric.Int64Counter
	messagesDLQ     metric.Int64Counter
}

// Init creates the meter provider backed by the Prometheus exporter. The
// exporter registers with the default Prometheus registry, which the health
// server serves on /metrics.
func Init() (*Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("codeforge-worker")

	m := &Metrics{provider: provider}

	if m.runDuration, err = meter.Float64Histogram(
		"worker_run_duration_seconds",
		metric.WithDescription("Agent run duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create run duration histogram: %w", err)
	}
	if m.runsTotal, err = meter.Int64Counter(
		"worker_runs_total",
		metric.WithDescription("Total agent runs"),
	); err != nil {
		return nil, fmt.Errorf("failed to create runs counter: %w", err)
	}
	if m.runErrors, err = meter.Int64Counter(
		"worker_run_errors_total",
		metric.WithDescription("Total failed agent runs"),
	); err != nil {
		return nil, fmt.Errorf("failed to create run errors counter: %w", err)
	}

	if m.llmDuration, err = meter.Float64Histogram(
		"worker_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}
	if m.llmInputTokens, err = meter.Int64Counter(
		"worker_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}
	if m.llmOutputTokens, err = meter.Int64Counter(
		"worker_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}
	if m.llmCost, err = meter.Float64Counter(
		"worker_llm_cost_usd_total",
		metric.WithDescription("Accumulated LLM cost in USD"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm cost counter: %w", err)
	}
	if m.llmErrors, err = meter.Int64Counter(
		"worker_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	if m.toolDuration, err = meter.Float64Histogram(
		"worker_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}
	if m.toolCalls, err = meter.Int64Counter(
		"worker_tool_calls_total",
		metric.WithDescription("Total tool executions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}
	if m.toolErrors, err = meter.Int64Counter(
		"worker_tool_errors_total",
		metric.WithDescription("Total failed tool executions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	if m.messagesHandled, err = meter.Int64Counter(
		"worker_messages_handled_total",
		metric.WithDescription("Total bus messages handled"),
	); err != nil {
		return nil, fmt.Errorf("failed to create messages counter: %w", err)
	}
	if m.messagesRetried, err = meter.Int64Counter(
		"worker_messages_retried_total",
		metric.WithDescription("Total bus messages negatively acknowledged for retry"),
	); err != nil {
		return nil, fmt.Errorf("failed to create retries counter: %w", err)
	}
	if m.messagesDLQ, err = meter.Int64Counter(
		"worker_messages_dlq_total",
		metric.WithDescription("Total bus messages moved to the DLQ"),
	); err != nil {
		return nil, fmt.Errorf("failed to create dlq counter: %w", err)
	}

	return m, nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordRun records one completed agent run.
func (m *Metrics) RecordRun(ctx context.Context, status string, duration time.Duration) {
	if m == nil || m.runsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.runDuration.Record(ctx, duration.Seconds(), attrs)
	m.runsTotal.Add(ctx, 1, attrs)
	if status == "failed" {
		m.runErrors.Add(ctx, 1)
	}
}

// RecordLLMCall records one completion request.
func (m *Metrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, tokensIn, tokensOut int, cost float64, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	if tokensIn > 0 {
		m.llmInputTokens.Add(ctx, int64(tokensIn), attrs)
	}
	if tokensOut > 0 {
		m.llmOutputTokens.Add(ctx, int64(tokensOut), attrs)
	}
	if cost > 0 {
		m.llmCost.Add(ctx, cost, attrs)
	}
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

// RecordToolExecution records one tool run.
func (m *Metrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, success bool) {
	if m == nil || m.toolDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCalls.Add(ctx, 1, attrs)
	if !success {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

// RecordMessage records the outcome of one consumed bus message.
func (m *Metrics) RecordMessage(ctx context.Context, subject, outcome string) {
	if m == nil || m.messagesHandled == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("subject", subject))
	m.messagesHandled.Add(ctx, 1, attrs)
	switch outcome {
	case "retry":
		m.messagesRetried.Add(ctx, 1, attrs)
	case "dlq":
		m.messagesDLQ.Add(ctx, 1, attrs)
	}
}
