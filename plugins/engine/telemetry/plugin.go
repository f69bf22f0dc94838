package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/continuation"
)

var _ continuation.Plugin = (*TelemetryPlugin)(nil)

type spanEntry struct {
	span      trace.Span
	createdAt time.Time
	workflow  bool
}

type workflowCtxEntry struct {
	ctx       context.Context
	createdAt time.Time
}

// TelemetryPlugin opens one span per workflow instance and one child span per
// executed state. Instances whose states run on another worker get
// unparented step spans; operation.id ties them together.
type TelemetryPlugin struct {
	continuation.BasePlugin

	tracer       trace.Tracer
	mu           sync.RWMutex
	spans        map[string]*spanEntry
	workflowCtxs map[string]*workflowCtxEntry
	stepTTL      time.Duration
	workflowTTL  time.Duration
	now          func() time.Time
}

type TelemetryOption func(*TelemetryPlugin)

func WithStepTTL(ttl time.Duration) TelemetryOption {
	return func(p *TelemetryPlugin) {
		p.stepTTL = ttl
	}
}

// WithWorkflowTTL bounds how long a workflow span waits for its terminal
// result. Start workflows poll the broker for minutes, archives for hours.
func WithWorkflowTTL(ttl time.Duration) TelemetryOption {
	return func(p *TelemetryPlugin) {
		p.workflowTTL = ttl
	}
}

func New(tracer trace.Tracer, opts ...TelemetryOption) *TelemetryPlugin {
	if tracer == nil {
		tracer = otel.Tracer("workspaced")
	}

	plugin := &TelemetryPlugin{
		BasePlugin:   continuation.NewBasePlugin("telemetry", continuation.PriorityHigh),
		tracer:       tracer,
		spans:        make(map[string]*spanEntry),
		workflowCtxs: make(map[string]*workflowCtxEntry),
		stepTTL:      1 * time.Hour,
		workflowTTL:  24 * time.Hour,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(plugin)
	}

	return plugin
}

func payloadAttributes(payload *continuation.Payload) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("operation.id", payload.ID),
		attribute.String("operation.workflow", payload.Kind),
		attribute.String("operation.reason", payload.Reason),
		attribute.String("environment.id", payload.EnvironmentID),
	}
}

func (p *TelemetryPlugin) OnWorkflowStart(ctx context.Context, payload *continuation.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	spanName := fmt.Sprintf("workflow.%s", payload.Kind)
	workflowCtx, span := p.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))

	span.SetAttributes(payloadAttributes(payload)...)
	span.SetAttributes(attribute.String("operation.initial_state", payload.State))

	now := p.now()
	p.spans["workflow:"+payload.ID] = &spanEntry{span: span, createdAt: now, workflow: true}
	p.workflowCtxs[payload.ID] = &workflowCtxEntry{ctx: workflowCtx, createdAt: now}

	p.cleanupExpired()

	return nil
}

func (p *TelemetryPlugin) OnWorkflowComplete(_ context.Context, payload *continuation.Payload) error {
	p.endWorkflow(payload, continuation.Succeeded())

	return nil
}

func (p *TelemetryPlugin) OnWorkflowFailed(_ context.Context, payload *continuation.Payload, result continuation.Result) error {
	p.endWorkflow(payload, result)

	return nil
}

func (p *TelemetryPlugin) endWorkflow(payload *continuation.Payload, result continuation.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	spanKey := "workflow:" + payload.ID
	if entry, ok := p.spans[spanKey]; ok {
		entry.span.SetAttributes(
			attribute.String("operation.status", string(result.Status)),
			attribute.String("operation.final_state", payload.State),
		)

		switch result.Status {
		case continuation.ResultSucceeded:
			entry.span.SetStatus(codes.Ok, "workflow succeeded")
		case continuation.ResultCancelled:
			entry.span.SetAttributes(attribute.String("operation.error_reason", result.ErrorReason))
			entry.span.SetStatus(codes.Unset, "workflow cancelled")
		default:
			entry.span.SetAttributes(attribute.String("operation.error_reason", result.ErrorReason))
			entry.span.SetStatus(codes.Error, "workflow failed")
		}

		entry.span.End()
		delete(p.spans, spanKey)
	}
	delete(p.workflowCtxs, payload.ID)
}

func (p *TelemetryPlugin) OnStepStart(ctx context.Context, payload *continuation.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stepCtx := ctx
	if entry, ok := p.workflowCtxs[payload.ID]; ok {
		stepCtx = entry.ctx
	}

	spanName := fmt.Sprintf("step.%s", payload.State)
	_, span := p.tracer.Start(stepCtx, spanName, trace.WithSpanKind(trace.SpanKindInternal))

	span.SetAttributes(payloadAttributes(payload)...)
	span.SetAttributes(
		attribute.String("step.state", payload.State),
		attribute.Int("step.attempt", payload.StateAttempts),
	)

	p.spans["step:"+payload.ID] = &spanEntry{span: span, createdAt: p.now()}

	p.cleanupExpired()

	return nil
}

func (p *TelemetryPlugin) OnStepComplete(_ context.Context, payload *continuation.Payload, result continuation.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	spanKey := "step:" + payload.ID
	if entry, ok := p.spans[spanKey]; ok {
		entry.span.SetAttributes(
			attribute.String("step.status", string(result.Status)),
			attribute.String("step.next_state", result.NextState),
			attribute.Int64("step.retry_after_ms", result.RetryAfter.Milliseconds()),
		)
		entry.span.SetStatus(codes.Ok, "step completed")
		entry.span.End()
		delete(p.spans, spanKey)
	}

	return nil
}

func (p *TelemetryPlugin) OnStepFailed(_ context.Context, payload *continuation.Payload, result continuation.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	spanKey := "step:" + payload.ID
	if entry, ok := p.spans[spanKey]; ok {
		entry.span.SetAttributes(
			attribute.String("step.status", string(result.Status)),
			attribute.String("step.error_reason", result.ErrorReason),
		)
		if result.Status == continuation.ResultFailed {
			entry.span.RecordError(fmt.Errorf("%s", result.ErrorReason))
			entry.span.SetStatus(codes.Error, "step failed")
		}
		entry.span.End()
		delete(p.spans, spanKey)
	}

	return nil
}

func (p *TelemetryPlugin) cleanupExpired() {
	now := p.now()

	for key, entry := range p.spans {
		ttl := p.stepTTL
		if entry.workflow {
			ttl = p.workflowTTL
		}

		if now.Sub(entry.createdAt) > ttl {
			entry.span.SetStatus(codes.Error, "span expired due to TTL")
			entry.span.End()
			delete(p.spans, key)
		}
	}

	for id, entry := range p.workflowCtxs {
		if now.Sub(entry.createdAt) > p.workflowTTL {
			delete(p.workflowCtxs, id)
		}
	}
}
