// Package transport is the boundary between the session and the components it
// talks to (model service, tool owners, speech synthesis, message collectors).
// Components are addressed by target name and reached through commands, which
// produce one or more results, and fire-and-forget data messages.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"
)

var (
	// ErrUnknownTarget is returned when no component is registered under the
	// addressed target name.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrCommandFailed wraps the error message of a result with StatusError.
	ErrCommandFailed = errors.New("command failed")
	// ErrNoResult is returned when a command stream ends without any result.
	ErrNoResult = errors.New("command produced no result")
	// ErrMissingField is returned when a result payload lacks a requested
	// field.
	ErrMissingField = errors.New("missing result field")
)

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Command is a request addressed to a named component.
type Command struct {
	ID      string          `json:"cmd_id"`
	Name    string          `json:"name"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewCommand builds a command with a fresh ID and the JSON encoding of
// payload. A nil payload is left empty.
func NewCommand(target, name string, payload any) (Command, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Command{}, fmt.Errorf("failed to encode %s payload: %w", name, err)
	}
	return Command{ID: uuid.NewString(), Name: name, Target: target, Payload: raw}, nil
}

// Decode unmarshals the command payload into v.
func (c Command) Decode(v any) error {
	if len(c.Payload) == 0 {
		return fmt.Errorf("command %s has no payload", c.Name)
	}
	return json.Unmarshal(c.Payload, v)
}

// Data is a fire-and-forget message addressed to a named component.
type Data struct {
	Name    string          `json:"name"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewData builds a data message from the JSON encoding of payload.
func NewData(target, name string, payload any) (Data, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Data{}, fmt.Errorf("failed to encode %s payload: %w", name, err)
	}
	return Data{Name: name, Target: target, Payload: raw}, nil
}

func (d Data) Decode(v any) error {
	if len(d.Payload) == 0 {
		return fmt.Errorf("data %s has no payload", d.Name)
	}
	return json.Unmarshal(d.Payload, v)
}

// Result is one reply to a command. Streaming commands produce several
// results, the last one marked Final.
type Result struct {
	CommandID string          `json:"cmd_id,omitempty"`
	Status    Status          `json:"status"`
	Final     bool            `json:"final"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// OK builds a successful result carrying the JSON encoding of payload.
func OK(payload any, final bool) (*Result, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result payload: %w", err)
	}
	return &Result{Status: StatusOK, Final: final, Payload: raw}, nil
}

// Fail builds a final error result.
func Fail(err error) *Result {
	return &Result{Status: StatusError, Final: true, Error: err.Error()}
}

// Err returns ErrCommandFailed wrapped with the result error, or nil for a
// successful result.
func (r *Result) Err() error {
	if r == nil || r.Status != StatusError {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCommandFailed, r.Error)
}

// Field returns the raw JSON of a top level payload field.
func (r *Result) Field(name string) (json.RawMessage, error) {
	if r == nil || len(r.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r.Payload, &fields); err != nil {
		return nil, fmt.Errorf("result payload is not an object: %w", err)
	}
	field, ok := fields[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	return field, nil
}

// Decode unmarshals the result payload into v.
func (r *Result) Decode(v any) error {
	if r == nil || len(r.Payload) == 0 {
		return ErrNoResult
	}
	return json.Unmarshal(r.Payload, v)
}

// Commander sends a command and waits for its final result.
type Commander interface {
	SendCommand(ctx context.Context, target, name string, payload any) (*Result, error)
}

// StreamingCommander sends a command and yields its results as they arrive.
// The sequence ends after the final result, on the first error, or when ctx
// is done.
type StreamingCommander interface {
	SendStreamingCommand(ctx context.Context, target, name string, payload any) iter.Seq2[*Result, error]
}

// DataSender sends fire-and-forget data.
type DataSender interface {
	SendData(ctx context.Context, target, name string, payload any) error
}

// Client is everything a session needs from its surroundings.
type Client interface {
	Commander
	StreamingCommander
	DataSender
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return bytes.Clone(p), nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return bytes.Clone(p), nil
	default:
		return json.Marshal(payload)
	}
}

// CollectFinal drains a result stream and returns the final result, or the
// last one when the stream ends without a final marker.
func CollectFinal(results iter.Seq2[*Result, error]) (*Result, error) {
	var last *Result
	for result, err := range results {
		if err != nil {
			return last, err
		}
		last = result
		if result.Final {
			break
		}
	}
	if last == nil {
		return nil, ErrNoResult
	}
	return last, last.Err()
}
