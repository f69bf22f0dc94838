package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/continuation"
)

var _ continuation.Plugin = (*AuditPlugin)(nil)

type AuditLogEntry struct {
	Timestamp     time.Time       `json:"timestamp"`
	EventType     string          `json:"event_type"`
	OperationID   string          `json:"operation_id"`
	Workflow      string          `json:"workflow"`
	EnvironmentID string          `json:"environment_id"`
	State         string          `json:"state,omitempty"`
	Attempt       int             `json:"attempt,omitempty"`
	Status        string          `json:"status,omitempty"`
	NextState     string          `json:"next_state,omitempty"`
	Error         string          `json:"error,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

type Writer interface {
	Write(ctx context.Context, entry *AuditLogEntry) error
}

type AuditPlugin struct {
	continuation.BasePlugin

	writer Writer
	now    func() time.Time
}

func New(writer Writer) *AuditPlugin {
	return &AuditPlugin{
		BasePlugin: continuation.NewBasePlugin("audit", continuation.PriorityNormal),
		writer:     writer,
		now:        time.Now,
	}
}

func (p *AuditPlugin) entry(eventType string, payload *continuation.Payload) *AuditLogEntry {
	return &AuditLogEntry{
		Timestamp:     p.now().UTC(),
		EventType:     eventType,
		OperationID:   payload.ID,
		Workflow:      payload.Kind,
		EnvironmentID: payload.EnvironmentID,
		State:         payload.State,
		Attempt:       payload.StateAttempts,
	}
}

func (p *AuditPlugin) OnWorkflowStart(ctx context.Context, payload *continuation.Payload) error {
	entry := p.entry("workflow_start", payload)
	entry.Metadata = payload.Data

	return p.writer.Write(ctx, entry)
}

func (p *AuditPlugin) OnWorkflowComplete(ctx context.Context, payload *continuation.Payload) error {
	entry := p.entry("workflow_complete", payload)
	entry.Status = string(continuation.ResultSucceeded)

	return p.writer.Write(ctx, entry)
}

func (p *AuditPlugin) OnWorkflowFailed(ctx context.Context, payload *continuation.Payload, result continuation.Result) error {
	entry := p.entry("workflow_failed", payload)
	entry.Status = string(result.Status)
	entry.Error = result.ErrorReason
	entry.Metadata = payload.Data

	return p.writer.Write(ctx, entry)
}

func (p *AuditPlugin) OnStepStart(ctx context.Context, payload *continuation.Payload) error {
	return p.writer.Write(ctx, p.entry("step_start", payload))
}

func (p *AuditPlugin) OnStepComplete(ctx context.Context, payload *continuation.Payload, result continuation.Result) error {
	entry := p.entry("step_complete", payload)
	entry.Status = string(result.Status)
	entry.NextState = result.NextState

	return p.writer.Write(ctx, entry)
}

func (p *AuditPlugin) OnStepFailed(ctx context.Context, payload *continuation.Payload, result continuation.Result) error {
	entry := p.entry("step_failed", payload)
	entry.Status = string(result.Status)
	entry.Error = result.ErrorReason

	return p.writer.Write(ctx, entry)
}

// ZapWriter emits audit entries as structured log lines.
type ZapWriter struct {
	logger *zap.Logger
}

func NewZapWriter(logger *zap.Logger) *ZapWriter {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ZapWriter{logger: logger.Named("audit")}
}

func (w *ZapWriter) Write(_ context.Context, entry *AuditLogEntry) error {
	fields := []zap.Field{
		zap.Time("timestamp", entry.Timestamp),
		zap.String("operation_id", entry.OperationID),
		zap.String("workflow", entry.Workflow),
		zap.String("environment_id", entry.EnvironmentID),
		zap.String("state", entry.State),
		zap.Int("attempt", entry.Attempt),
	}
	if entry.Status != "" {
		fields = append(fields, zap.String("status", entry.Status))
	}
	if entry.NextState != "" {
		fields = append(fields, zap.String("next_state", entry.NextState))
	}
	if entry.Error != "" {
		fields = append(fields, zap.String("error", entry.Error))
	}
	if len(entry.Metadata) > 0 {
		fields = append(fields, zap.ByteString("metadata", entry.Metadata))
	}

	w.logger.Info(entry.EventType, fields...)

	return nil
}
