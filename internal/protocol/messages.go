// Package protocol defines the three message kinds exchanged between
// orchestrators and service handlers: Command, Result and Event. Every
// message carries a correlation id that ties a Result back to the
// Command that caused it. Structural validation happens here, before a
// message reaches any business logic.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
)

// ErrInvalidMessage marks a message that failed structural validation.
// Such messages are rejected and reported, never silently dropped.
var ErrInvalidMessage = errors.New("invalid message")

// Status is the outcome reported by a Result. Pending signals an
// asynchronous operation was accepted; a terminal Result for the same
// correlation id is expected later.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusPending Status = "pending"
)

func ParseStatus(value string) (Status, error) {
	switch Status(strings.TrimSpace(value)) {
	case StatusSuccess:
		return StatusSuccess, nil
	case StatusError:
		return StatusError, nil
	case StatusPending:
		return StatusPending, nil
	}
	return "", fmt.Errorf("%w: unknown result status %q", ErrInvalidMessage, value)
}

// Command is an inbound request to a service handler. Type selects the
// handler class, Action the operation within it; Payload is opaque to
// the protocol layer. JobID and StepID are optional: their presence is
// what enables lineage tracking for the eventual Result.
type Command struct {
	Type          string          `json:"type"`
	Action        string          `json:"action"`
	Payload       domain.Metadata `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	JobID         string          `json:"job_id,omitempty"`
	StepID        string          `json:"step_id,omitempty"`
	Metadata      domain.Metadata `json:"metadata,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewCommand builds a command with a fresh correlation id.
func NewCommand(handlerType, action string, payload domain.Metadata) Command {
	return Command{
		Type:          handlerType,
		Action:        action,
		Payload:       payload,
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UTC(),
	}
}

func (c Command) Validate() error {
	if strings.TrimSpace(c.Type) == "" {
		return fmt.Errorf("%w: command type is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(c.Action) == "" {
		return fmt.Errorf("%w: command action is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(c.CorrelationID) == "" {
		return fmt.Errorf("%w: correlation id is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(c.StepID) != "" && strings.TrimSpace(c.JobID) == "" {
		return fmt.Errorf("%w: step id without job id", ErrInvalidMessage)
	}
	return nil
}

func (c Command) JSON() ([]byte, error) {
	return json.Marshal(c)
}

// Result is the standardized response from any handler. JobID and
// StepID, when present, must equal the values from the originating
// Command; the protocol never re-derives them. Inputs, outputs and
// executions carry the lineage recorded during execution.
type Result struct {
	Status        Status                   `json:"status"`
	Data          domain.Metadata          `json:"data,omitempty"`
	Errors        []string                 `json:"errors,omitempty"`
	CorrelationID string                   `json:"correlation_id"`
	JobID         string                   `json:"job_id,omitempty"`
	StepID        string                   `json:"step_id,omitempty"`
	DurationMS    int64                    `json:"duration_ms"`
	Handler       string                   `json:"handler,omitempty"`
	Inputs        []domain.DataReference   `json:"inputs,omitempty"`
	Outputs       []domain.DataReference   `json:"outputs,omitempty"`
	Executions    []domain.ExecutionRecord `json:"executions,omitempty"`
	Timestamp     time.Time                `json:"timestamp"`
}

// SuccessResult builds a success result correlated to cmd, carrying the
// lineage recorded by the handler.
func SuccessResult(cmd Command, data domain.Metadata) Result {
	return Result{
		Status:        StatusSuccess,
		Data:          data,
		CorrelationID: cmd.CorrelationID,
		JobID:         cmd.JobID,
		StepID:        cmd.StepID,
		Timestamp:     time.Now().UTC(),
	}
}

// ErrorResult builds an error result correlated to cmd.
func ErrorResult(cmd Command, errs ...string) Result {
	return Result{
		Status:        StatusError,
		Errors:        errs,
		CorrelationID: cmd.CorrelationID,
		JobID:         cmd.JobID,
		StepID:        cmd.StepID,
		Timestamp:     time.Now().UTC(),
	}
}

// PendingResult signals an accepted asynchronous operation.
func PendingResult(cmd Command, data domain.Metadata) Result {
	return Result{
		Status:        StatusPending,
		Data:          data,
		CorrelationID: cmd.CorrelationID,
		JobID:         cmd.JobID,
		StepID:        cmd.StepID,
		Timestamp:     time.Now().UTC(),
	}
}

func (r Result) Validate() error {
	if _, err := ParseStatus(string(r.Status)); err != nil {
		return err
	}
	if strings.TrimSpace(r.CorrelationID) == "" {
		return fmt.Errorf("%w: correlation id is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(r.StepID) != "" && strings.TrimSpace(r.JobID) == "" {
		return fmt.Errorf("%w: step id without job id", ErrInvalidMessage)
	}
	if r.DurationMS < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidMessage)
	}
	for _, ref := range r.Inputs {
		if err := ref.Validate(); err != nil {
			return fmt.Errorf("%w: input: %v", ErrInvalidMessage, err)
		}
	}
	for _, ref := range r.Outputs {
		if err := ref.Validate(); err != nil {
			return fmt.Errorf("%w: output: %v", ErrInvalidMessage, err)
		}
	}
	for _, rec := range r.Executions {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("%w: execution: %v", ErrInvalidMessage, err)
		}
	}
	return nil
}

func (r Result) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// Event is a fire-and-forget cross-service notification. Events never
// mutate registry state directly.
type Event struct {
	Type          string          `json:"type"`
	Payload       domain.Metadata `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Source        string          `json:"source,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

func NewEvent(eventType, source string, payload domain.Metadata) Event {
	return Event{
		Type:          eventType,
		Payload:       payload,
		CorrelationID: uuid.NewString(),
		Source:        source,
		Timestamp:     time.Now().UTC(),
	}
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(e.CorrelationID) == "" {
		return fmt.Errorf("%w: correlation id is required", ErrInvalidMessage)
	}
	return nil
}

func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// envelope is the notification wrapper some brokers put around a
// published body: the real message is a JSON string under "Message".
type envelope struct {
	Message string `json:"Message"`
}

func unwrap(body []byte) []byte {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		return []byte(env.Message)
	}
	return body
}

// ParseCommand decodes and validates a command from a raw message body,
// unwrapping a broker notification envelope if present.
func ParseCommand(body []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(unwrap(body), &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// ParseResult decodes and validates a result from a raw message body.
func ParseResult(body []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(unwrap(body), &res); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := res.Validate(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// ParseEvent decodes and validates an event from a raw message body.
func ParseEvent(body []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(unwrap(body), &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}
