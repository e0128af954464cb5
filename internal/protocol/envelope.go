package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"chatrelay/internal/domain"
)

// EnvelopeType identifies the kind of envelope on the wire.
type EnvelopeType string

const (
	TypeRequest  EnvelopeType = "request"
	TypeResponse EnvelopeType = "response"
	TypeError    EnvelopeType = "error"
	TypeEvent    EnvelopeType = "event"
)

// RequestContext is optional diagnostic metadata attached to a request.
type RequestContext struct {
	ViewID    string    `json:"view_id,omitempty"`
	ViewType  string    `json:"view_type,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
}

// Envelope is one message unit of the wire protocol. Which fields are
// populated depends on Type:
//
//	request:  ID, Key, Params, Context (optional)
//	response: ID, Value
//	error:    ID, Value (a JSON-encoded string)
//	event:    Key, Params
type Envelope struct {
	Type    EnvelopeType      `json:"type"`
	ID      string            `json:"id,omitempty"`
	Key     string            `json:"key,omitempty"`
	Params  []json.RawMessage `json:"params,omitempty"`
	Value   json.RawMessage   `json:"value,omitempty"`
	Context *RequestContext   `json:"context,omitempty"`
}

// NewRequest builds a request envelope, marshalling each param to JSON.
func NewRequest(id, key string, rc *RequestContext, params ...any) (Envelope, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Envelope{}, domain.WrapOp("protocol.NewRequest", err)
	}
	return Envelope{Type: TypeRequest, ID: id, Key: key, Params: raw, Context: rc}, nil
}

// NewResponse builds a response envelope for the given correlation id.
func NewResponse(id string, value any) (Envelope, error) {
	v, err := json.Marshal(value)
	if err != nil {
		return Envelope{}, domain.WrapOp("protocol.NewResponse", err)
	}
	return Envelope{Type: TypeResponse, ID: id, Value: v}, nil
}

// NewError builds an error envelope carrying the message as its value.
func NewError(id, message string) Envelope {
	v, _ := json.Marshal(message)
	return Envelope{Type: TypeError, ID: id, Value: v}
}

// NewEvent builds an event envelope, marshalling each param to JSON.
func NewEvent(key string, params ...any) (Envelope, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Envelope{}, domain.WrapOp("protocol.NewEvent", err)
	}
	return Envelope{Type: TypeEvent, Key: key, Params: raw}, nil
}

func marshalParams(params []any) ([]json.RawMessage, error) {
	if len(params) == 0 {
		return nil, nil
	}
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal param %d: %w", i, err)
		}
		raw[i] = b
	}
	return raw, nil
}

// ErrorMessage decodes the value of an error envelope. Returns the raw value
// as a fallback when it is not a JSON string.
func (e Envelope) ErrorMessage() string {
	var s string
	if err := json.Unmarshal(e.Value, &s); err != nil {
		return string(e.Value)
	}
	return s
}

// Validate checks the envelope against the closed discriminator set and the
// per-type required fields. Everything downstream trusts a validated envelope.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeRequest:
		if e.ID == "" {
			return domain.NewDomainError("Envelope.Validate", domain.ErrMalformedEnvelope, "request missing id")
		}
		if e.Key == "" {
			return domain.NewDomainError("Envelope.Validate", domain.ErrMalformedEnvelope, "request missing key")
		}
	case TypeResponse:
		if e.ID == "" {
			return domain.NewDomainError("Envelope.Validate", domain.ErrMalformedEnvelope, "response missing id")
		}
	case TypeError:
		if e.ID == "" {
			return domain.NewDomainError("Envelope.Validate", domain.ErrMalformedEnvelope, "error missing id")
		}
		var s string
		if err := json.Unmarshal(e.Value, &s); err != nil {
			return domain.NewDomainError("Envelope.Validate", domain.ErrMalformedEnvelope, "error value is not a string")
		}
	case TypeEvent:
		if e.Key == "" {
			return domain.NewDomainError("Envelope.Validate", domain.ErrMalformedEnvelope, "event missing key")
		}
	default:
		return domain.NewDomainError("Envelope.Validate", domain.ErrMalformedEnvelope,
			fmt.Sprintf("unknown type %q", string(e.Type)))
	}
	return nil
}

// Decode parses and validates a single wire envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, domain.NewDomainError("protocol.Decode", domain.ErrMalformedEnvelope, err.Error())
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
