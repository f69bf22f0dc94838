package metrics

import (
	"time"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/continuation"
)

type MetricsCollector interface {
	RecordWorkflowStarted(kind string)
	RecordWorkflowFinished(kind string, status continuation.ResultStatus, reason string, duration time.Duration)
	RecordStepStarted(kind, state string)
	RecordStepFinished(kind, state string, status continuation.ResultStatus, duration time.Duration)
	RecordStepRetried(kind, state string)
}
