package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ServiceOpDuration metric.Float64Histogram
	ServiceOpErrors   metric.Int64Counter
	MigrationSteps    metric.Int64Counter
	A2ACallDuration   metric.Float64Histogram
	A2ACallErrors     metric.Int64Counter
	ChatMessages      metric.Int64Counter
	Assignments       metric.Int64Counter
	RequestDuration   metric.Float64Histogram
	RateLimited       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.ServiceOpDuration, err = meter.Float64Histogram("agentcore.service.duration",
		metric.WithDescription("Service operation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ServiceOpErrors, err = meter.Int64Counter("agentcore.service.errors",
		metric.WithDescription("Service operations that returned success=false"),
	); err != nil {
		return nil, err
	}
	if m.MigrationSteps, err = meter.Int64Counter("agentcore.migration.steps",
		metric.WithDescription("Migration steps executed"),
	); err != nil {
		return nil, err
	}
	if m.A2ACallDuration, err = meter.Float64Histogram("agentcore.a2a.duration",
		metric.WithDescription("Outbound A2A JSON-RPC call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.A2ACallErrors, err = meter.Int64Counter("agentcore.a2a.errors",
		metric.WithDescription("Outbound A2A call failures by status"),
	); err != nil {
		return nil, err
	}
	if m.ChatMessages, err = meter.Int64Counter("agentcore.chat.messages",
		metric.WithDescription("Chat messages stored"),
	); err != nil {
		return nil, err
	}
	if m.Assignments, err = meter.Int64Counter("agentcore.scheduler.assignments",
		metric.WithDescription("Agent-task assignment transitions"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("agentcore.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.RateLimited, err = meter.Int64Counter("agentcore.request.rate_limited",
		metric.WithDescription("Gateway requests rejected with 429"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordServiceOp records one service call.
func (m *Metrics) RecordServiceOp(ctx context.Context, service, op string, elapsed time.Duration, ok bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrService.String(service), AttrOperation.String(op))
	m.ServiceOpDuration.Record(ctx, elapsed.Seconds(), attrs)
	if !ok {
		m.ServiceOpErrors.Add(ctx, 1, attrs)
	}
}

// RecordMigrationStep counts one executed migration step.
func (m *Metrics) RecordMigrationStep(ctx context.Context, version string, ok bool) {
	if m == nil {
		return
	}
	m.MigrationSteps.Add(ctx, 1, metric.WithAttributes(AttrVersion.String(version), attribute.Bool("ok", ok)))
}

// RecordA2ACall records an outbound call; status is 0 on success.
func (m *Metrics) RecordA2ACall(ctx context.Context, method string, elapsed time.Duration, status int) {
	if m == nil {
		return
	}
	m.A2ACallDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(AttrRPCMethod.String(method)))
	if status != 0 {
		m.A2ACallErrors.Add(ctx, 1, metric.WithAttributes(AttrRPCMethod.String(method), attribute.Int("status", status)))
	}
}

// RecordChatMessage counts a stored chat message by role.
func (m *Metrics) RecordChatMessage(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.ChatMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordAssignment counts an assignment state transition.
func (m *Metrics) RecordAssignment(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.Assignments.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordRequest records one gateway request.
func (m *Metrics) RecordRequest(ctx context.Context, route string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("route", route)))
}

// RecordRateLimited counts one request rejected by the gateway rate limiter.
func (m *Metrics) RecordRateLimited(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.RateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}
