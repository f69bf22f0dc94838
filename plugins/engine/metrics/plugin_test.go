package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/continuation"
)

type fakeCollector struct {
	workflowStarted  int
	workflowFinished int
	stepStarted      int
	stepFinished     int
	stepRetried      int

	lastWorkflow struct {
		kind     string
		status   continuation.ResultStatus
		reason   string
		duration time.Duration
	}
	lastStep struct {
		kind     string
		state    string
		status   continuation.ResultStatus
		duration time.Duration
	}
}

func (f *fakeCollector) RecordWorkflowStarted(kind string) {
	f.workflowStarted++
	f.lastWorkflow.kind = kind
}

func (f *fakeCollector) RecordWorkflowFinished(kind string, status continuation.ResultStatus, reason string, duration time.Duration) {
	f.workflowFinished++
	f.lastWorkflow.kind = kind
	f.lastWorkflow.status = status
	f.lastWorkflow.reason = reason
	f.lastWorkflow.duration = duration
}

func (f *fakeCollector) RecordStepStarted(kind, state string) {
	f.stepStarted++
	f.lastStep.kind = kind
	f.lastStep.state = state
}

func (f *fakeCollector) RecordStepFinished(kind, state string, status continuation.ResultStatus, duration time.Duration) {
	f.stepFinished++
	f.lastStep.kind = kind
	f.lastStep.state = state
	f.lastStep.status = status
	f.lastStep.duration = duration
}

func (f *fakeCollector) RecordStepRetried(kind, state string) {
	f.stepRetried++
	f.lastStep.kind = kind
	f.lastStep.state = state
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestPlugin(fc *fakeCollector) (*MetricsPlugin, *clock) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := New(fc)
	p.now = c.Now

	return p, c
}

func TestMetricsPlugin_WorkflowDurationFromPayloadCreation(t *testing.T) {
	fc := &fakeCollector{}
	p, c := newTestPlugin(fc)
	ctx := context.Background()

	payload := &continuation.Payload{ID: "op-1", Kind: "start-environment", Created: c.now}

	if err := p.OnWorkflowStart(ctx, payload); err != nil {
		t.Fatalf("OnWorkflowStart error: %v", err)
	}

	c.advance(2 * time.Minute)
	if err := p.OnWorkflowComplete(ctx, payload); err != nil {
		t.Fatalf("OnWorkflowComplete error: %v", err)
	}

	if fc.workflowStarted != 1 || fc.workflowFinished != 1 {
		t.Fatalf("unexpected counters: started=%d finished=%d", fc.workflowStarted, fc.workflowFinished)
	}
	if fc.lastWorkflow.status != continuation.ResultSucceeded {
		t.Fatalf("status = %s, want Succeeded", fc.lastWorkflow.status)
	}
	if fc.lastWorkflow.duration != 2*time.Minute {
		t.Fatalf("duration = %v, want 2m", fc.lastWorkflow.duration)
	}
}

func TestMetricsPlugin_WorkflowFailedCarriesReason(t *testing.T) {
	fc := &fakeCollector{}
	p, c := newTestPlugin(fc)

	payload := &continuation.Payload{ID: "op-2", Kind: "archive-environment", Created: c.now}
	c.advance(time.Second)

	if err := p.OnWorkflowFailed(context.Background(), payload, continuation.Failed("StateNoLongerShutdown")); err != nil {
		t.Fatalf("OnWorkflowFailed error: %v", err)
	}

	if fc.lastWorkflow.status != continuation.ResultFailed || fc.lastWorkflow.reason != "StateNoLongerShutdown" {
		t.Fatalf("unexpected last workflow: %+v", fc.lastWorkflow)
	}
}

func TestMetricsPlugin_StepLifecycle(t *testing.T) {
	fc := &fakeCollector{}
	p, c := newTestPlugin(fc)
	ctx := context.Background()

	payload := &continuation.Payload{ID: "op-3", Kind: "shutdown-environment", State: "CheckComputeDeleteStatus"}

	if err := p.OnStepStart(ctx, payload); err != nil {
		t.Fatalf("OnStepStart error: %v", err)
	}
	c.advance(40 * time.Millisecond)
	if err := p.OnStepComplete(ctx, payload, continuation.Retry(5*time.Second)); err != nil {
		t.Fatalf("OnStepComplete error: %v", err)
	}

	if fc.stepStarted != 1 || fc.stepFinished != 1 || fc.stepRetried != 1 {
		t.Fatalf("unexpected step counters: started=%d finished=%d retried=%d",
			fc.stepStarted, fc.stepFinished, fc.stepRetried)
	}
	if fc.lastStep.duration != 40*time.Millisecond {
		t.Fatalf("step duration = %v, want 40ms", fc.lastStep.duration)
	}

	if err := p.OnStepStart(ctx, payload); err != nil {
		t.Fatalf("OnStepStart error: %v", err)
	}
	if err := p.OnStepComplete(ctx, payload, continuation.Next("MarkShutdown", 0)); err != nil {
		t.Fatalf("OnStepComplete error: %v", err)
	}
	if fc.stepRetried != 1 {
		t.Fatalf("advancing to a new state must not count as a retry")
	}

	if err := p.OnStepStart(ctx, payload); err != nil {
		t.Fatalf("OnStepStart error: %v", err)
	}
	if err := p.OnStepFailed(ctx, payload, continuation.Failed("ComputeCleanupFailed")); err != nil {
		t.Fatalf("OnStepFailed error: %v", err)
	}
	if fc.stepFinished != 3 || fc.lastStep.status != continuation.ResultFailed {
		t.Fatalf("unexpected last step: finished=%d status=%s", fc.stepFinished, fc.lastStep.status)
	}
}

func TestMetricsPlugin_StepFinishWithoutStartIsIgnored(t *testing.T) {
	fc := &fakeCollector{}
	p, _ := newTestPlugin(fc)

	payload := &continuation.Payload{ID: "op-4", Kind: "start-environment", State: "GetResource"}
	if err := p.OnStepFailed(context.Background(), payload, continuation.Failed("x")); err != nil {
		t.Fatalf("OnStepFailed error: %v", err)
	}

	if fc.stepFinished != 0 {
		t.Fatalf("stepFinished = %d, want 0", fc.stepFinished)
	}
}

func TestMetricsPlugin_NilCollector(t *testing.T) {
	p := New(nil)
	ctx := context.Background()
	payload := &continuation.Payload{ID: "op-5", Kind: "start-environment", State: "GetResource"}

	if err := p.OnWorkflowStart(ctx, payload); err != nil {
		t.Fatalf("OnWorkflowStart: %v", err)
	}
	if err := p.OnStepStart(ctx, payload); err != nil {
		t.Fatalf("OnStepStart: %v", err)
	}
	if err := p.OnStepComplete(ctx, payload, continuation.Succeeded()); err != nil {
		t.Fatalf("OnStepComplete: %v", err)
	}
	if err := p.OnWorkflowComplete(ctx, payload); err != nil {
		t.Fatalf("OnWorkflowComplete: %v", err)
	}
}
