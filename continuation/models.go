package continuation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ResultStatus string

const (
	ResultSucceeded  ResultStatus = "Succeeded"
	ResultFailed     ResultStatus = "Failed"
	ResultInProgress ResultStatus = "InProgress"
	ResultCancelled  ResultStatus = "Cancelled"
)

// Result is the outcome of running one state of a workflow.
type Result struct {
	Status ResultStatus `json:"status"`
	// NextState is the state to run on the next dequeue. Empty keeps the
	// current state, which is how polling steps retry.
	NextState   string        `json:"next_state,omitempty"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
	ErrorReason string        `json:"error_reason,omitempty"`
}

func Succeeded() Result {
	return Result{Status: ResultSucceeded}
}

func Failed(reason string) Result {
	return Result{Status: ResultFailed, ErrorReason: reason}
}

func Failedf(format string, args ...any) Result {
	return Failed(fmt.Sprintf(format, args...))
}

func Cancelled(reason string) Result {
	return Result{Status: ResultCancelled, ErrorReason: reason}
}

// Next advances the workflow to state after delay.
func Next(state string, delay time.Duration) Result {
	return Result{Status: ResultInProgress, NextState: state, RetryAfter: delay}
}

// Retry runs the current state again after delay.
func Retry(delay time.Duration) Result {
	return Result{Status: ResultInProgress, RetryAfter: delay}
}

func (r Result) IsTerminal() bool {
	return r.Status != ResultInProgress
}

// Payload is the serialized instruction pointer of one workflow instance:
// which workflow, which environment, which state comes next and whatever data
// the previous states accumulated. It travels through the queue as JSON.
type Payload struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	EnvironmentID string          `json:"environment_id"`
	Reason        string          `json:"reason,omitempty"`
	State         string          `json:"state"`
	Initialized   bool            `json:"initialized"`
	Data          json.RawMessage `json:"data,omitempty"`
	// StateAttempts counts how many times the current state has run.
	StateAttempts int       `json:"state_attempts"`
	Created       time.Time `json:"created"`
}

func NewPayload(kind, environmentID, reason, state string, data any) (*Payload, error) {
	payload := &Payload{
		ID:            uuid.NewString(),
		Kind:          kind,
		EnvironmentID: environmentID,
		Reason:        reason,
		State:         state,
		Created:       time.Now().UTC(),
	}

	if data != nil {
		if err := payload.Encode(data); err != nil {
			return nil, err
		}
	}

	return payload, nil
}

// Decode unmarshals the workflow data into v. Empty data leaves v untouched.
func (p *Payload) Decode(v any) error {
	if len(p.Data) == 0 {
		return nil
	}

	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("decode %s payload data: %w", p.Kind, err)
	}

	return nil
}

func (p *Payload) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload data: %w", p.Kind, err)
	}

	p.Data = data

	return nil
}

func (p *Payload) Clone() *Payload {
	clone := *p
	if p.Data != nil {
		clone.Data = append(json.RawMessage(nil), p.Data...)
	}

	return &clone
}

// Job is one leased delivery of a payload from a Queue.
type Job struct {
	ID         string
	Payload    *Payload
	LeaseToken string
	Deliveries int
}

// Outcome tells the caller of Continue what to do with the instance.
type Outcome struct {
	Result Result
	Done   bool
	Next   *Payload
	Delay  time.Duration
}
