package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/continuation"
)

var _ continuation.Plugin = (*MetricsPlugin)(nil)

// MetricsPlugin reports workflow and step outcomes. Workflow durations are
// measured from the payload's creation time so they stay correct when the
// states of one instance run on different workers.
type MetricsPlugin struct {
	continuation.BasePlugin

	collector      MetricsCollector
	stepStartTimes map[string]time.Time
	now            func() time.Time
	mu             sync.Mutex
}

func New(collector MetricsCollector) *MetricsPlugin {
	return &MetricsPlugin{
		BasePlugin:     continuation.NewBasePlugin("metrics", continuation.PriorityHigh),
		collector:      collector,
		stepStartTimes: make(map[string]time.Time),
		now:            time.Now,
	}
}

func (p *MetricsPlugin) OnWorkflowStart(_ context.Context, payload *continuation.Payload) error {
	if p.collector != nil {
		p.collector.RecordWorkflowStarted(payload.Kind)
	}

	return nil
}

func (p *MetricsPlugin) OnWorkflowComplete(_ context.Context, payload *continuation.Payload) error {
	p.finishWorkflow(payload, continuation.Succeeded())

	return nil
}

func (p *MetricsPlugin) OnWorkflowFailed(_ context.Context, payload *continuation.Payload, result continuation.Result) error {
	p.finishWorkflow(payload, result)

	return nil
}

func (p *MetricsPlugin) finishWorkflow(payload *continuation.Payload, result continuation.Result) {
	if p.collector == nil {
		return
	}

	duration := time.Duration(0)
	if !payload.Created.IsZero() {
		duration = p.now().Sub(payload.Created)
	}

	p.collector.RecordWorkflowFinished(payload.Kind, result.Status, result.ErrorReason, duration)
}

func (p *MetricsPlugin) OnStepStart(_ context.Context, payload *continuation.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stepStartTimes[payload.ID] = p.now()

	if p.collector != nil {
		p.collector.RecordStepStarted(payload.Kind, payload.State)
	}

	return nil
}

func (p *MetricsPlugin) OnStepComplete(_ context.Context, payload *continuation.Payload, result continuation.Result) error {
	p.finishStep(payload, result)

	return nil
}

func (p *MetricsPlugin) OnStepFailed(_ context.Context, payload *continuation.Payload, result continuation.Result) error {
	p.finishStep(payload, result)

	return nil
}

func (p *MetricsPlugin) finishStep(payload *continuation.Payload, result continuation.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	startTime, ok := p.stepStartTimes[payload.ID]
	if !ok {
		return
	}

	duration := p.now().Sub(startTime)
	delete(p.stepStartTimes, payload.ID)

	if p.collector == nil {
		return
	}

	p.collector.RecordStepFinished(payload.Kind, payload.State, result.Status, duration)

	if result.Status == continuation.ResultInProgress && (result.NextState == "" || result.NextState == payload.State) {
		p.collector.RecordStepRetried(payload.Kind, payload.State)
	}
}
