package proxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/SPLookout/internal/shared/fault"
)

// Command names a verb understood by the trusted endpoint.
type Command string

const (
	// CommandPing is the handshake. Its payload is {origin}.
	CommandPing Command = "Ping"
	// CommandFetch performs an HTTP request with the endpoint's ambient credentials.
	CommandFetch Command = "Fetch"
	// CommandEval evaluates {code} in the endpoint's global scope.
	CommandEval Command = "Eval"
	// CommandRun runs a RunConfig in a fresh sandbox executor.
	CommandRun Command = "Run"
	// CommandSetCommand registers {commandName, commandCode} in the endpoint's global scope.
	CommandSetCommand Command = "SetCommand"
	// CommandSetWorkerCommand registers {commandName, commandCode} to run in a sandbox per call.
	CommandSetWorkerCommand Command = "SetWorkerCommand"
	// CommandInvoke calls a registered command with {commandName, args}.
	CommandInvoke Command = "Invoke"
)

// Outcome is the terminal status of a reply.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Request is the envelope sent to the trusted endpoint.
//
// Transfer holds the bytes moved out of Payload at TransferPath. The
// in-process pipe hands the slice over by reference; the websocket transport
// sends it as the raw tail of a binary frame instead of inside the JSON.
type Request struct {
	ID           string          `json:"id"`
	Command      Command         `json:"command"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TransferPath string          `json:"transferPath,omitempty"`
	Transfer     []byte          `json:"-"`
}

// Decode unmarshals the payload into v.
func (r *Request) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", r.Command, err)
	}
	return nil
}

// Reply is the envelope sent back by the trusted endpoint. Partial replies
// share the request id and precede exactly one terminal reply.
type Reply struct {
	ID               string            `json:"id"`
	Outcome          Outcome           `json:"outcome"`
	Partial          bool              `json:"partial,omitempty"`
	Data             json.RawMessage   `json:"data,omitempty"`
	Message          string            `json:"message,omitempty"`
	ErrorType        string            `json:"errorType,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	TransferredBytes int               `json:"transferredBytes,omitempty"`
	Transfer         []byte            `json:"-"`
}

// Decode unmarshals the reply data into v.
func (r *Reply) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode reply data: %w", err)
	}
	return nil
}

// Header returns a reply header by case-insensitive name. Hosts disagree on
// the casing of header names they report.
func (r *Reply) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Err converts an error reply into a classified error. It returns nil for
// success replies.
func (r *Reply) Err(endpoint string) error {
	if r.Outcome != OutcomeError {
		return nil
	}

	if r.ErrorType == string(fault.InvalidOrigin) {
		var detail struct {
			InvalidOrigin string `json:"invalidOrigin"`
			URL           string `json:"url"`
		}
		_ = r.Decode(&detail)
		if detail.URL != "" {
			endpoint = detail.URL
		}
		return fault.New(fault.InvalidOrigin, "handshake", r.Message).
			WithEndpoint(endpoint).
			WithOrigin(detail.InvalidOrigin)
	}

	return &fault.Error{
		Kind:     fault.Remote,
		Op:       "invoke",
		Endpoint: endpoint,
		Message:  r.Message,
		Err:      &ReplyError{Reply: r},
	}
}

// ReplyError exposes the full error reply (error type, sandbox stack, extra
// fields in Data) behind a fault.Remote error.
type ReplyError struct {
	Reply *Reply
}

func (e *ReplyError) Error() string {
	if e.Reply.ErrorType != "" {
		return fmt.Sprintf("%s: %s", e.Reply.ErrorType, e.Reply.Message)
	}
	return e.Reply.Message
}

// SuccessReply builds a terminal success reply carrying data.
func SuccessReply(id string, data any) (*Reply, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Reply{ID: id, Outcome: OutcomeSuccess, Data: raw}, nil
}

// ProgressReply builds a partial reply carrying data.
func ProgressReply(id string, data any) (*Reply, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Reply{ID: id, Outcome: OutcomeSuccess, Partial: true, Data: raw}, nil
}

// ErrorReply builds a terminal error reply. data may carry structured detail
// and is dropped if it cannot be encoded.
func ErrorReply(id, errorType, message string, data any) *Reply {
	raw, _ := marshalData(data)
	return &Reply{
		ID:        id,
		Outcome:   OutcomeError,
		Message:   message,
		ErrorType: errorType,
		Data:      raw,
	}
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	raw, err := sonic.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode reply data: %w", err)
	}
	return raw, nil
}
