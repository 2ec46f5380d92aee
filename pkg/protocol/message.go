package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// PayloadKind is the discriminant of a message payload.
type PayloadKind string

// Payload kinds understood by the common room. Anything else decodes as
// KindUnrecognized and is carried through untouched.
const (
	KindRequest      PayloadKind = "gemini_request"
	KindResponse     PayloadKind = "gemini_response"
	KindError        PayloadKind = "error"
	KindReport       PayloadKind = "report"
	KindUnrecognized PayloadKind = "unrecognized"
)

// Message is the envelope stored as one file per message in an inbox.
// A message file is written once and never edited in place.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Payload   Payload   `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RequestPayload asks the receiving agent for a generated reply.
type RequestPayload struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	Reset          bool   `json:"reset_conversation,omitempty"`
	ReturnAddress  string `json:"return_address,omitempty"`
}

// ResponsePayload carries generated text back to the requester.
type ResponsePayload struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ErrorPayload tells the requester its request could not be served.
type ErrorPayload struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ReportPayload is an informational message that only needs acknowledging.
type ReportPayload struct {
	Content string `json:"content"`
}

// Payload is a closed tagged union over the known payload kinds.
// Exactly one of the typed fields is set for a known Kind. For
// KindUnrecognized, Raw holds the original JSON and Tag the original
// "type" value, if there was one.
type Payload struct {
	Kind     PayloadKind
	Request  *RequestPayload
	Response *ResponsePayload
	Error    *ErrorPayload
	Report   *ReportPayload

	Tag string
	Raw json.RawMessage
}

// NewRequest builds a request payload.
func NewRequest(query, conversationID string, reset bool, returnAddress string) Payload {
	return Payload{Kind: KindRequest, Request: &RequestPayload{
		Query:          query,
		ConversationID: conversationID,
		Reset:          reset,
		ReturnAddress:  returnAddress,
	}}
}

// NewResponse builds a response payload.
func NewResponse(content, conversationID string) Payload {
	return Payload{Kind: KindResponse, Response: &ResponsePayload{Content: content, ConversationID: conversationID}}
}

// NewError builds an error payload.
func NewError(content, conversationID string) Payload {
	return Payload{Kind: KindError, Error: &ErrorPayload{Content: content, ConversationID: conversationID}}
}

// NewReport builds a report payload.
func NewReport(content string) Payload {
	return Payload{Kind: KindReport, Report: &ReportPayload{Content: content}}
}

// NewText builds a free-text payload, the shape written by the send utility.
func NewText(text string) Payload {
	raw, _ := json.Marshal(text)
	return Payload{Kind: KindUnrecognized, Raw: raw}
}

// Type returns the wire discriminant: the kind for known payloads, the
// original tag (or "unrecognized") otherwise.
func (p Payload) Type() string {
	if p.Kind == KindUnrecognized && p.Tag != "" {
		return p.Tag
	}
	if p.Kind == "" {
		return string(KindUnrecognized)
	}
	return string(p.Kind)
}

// Text returns the human-readable content of the payload, used as the
// prompt when a payload is handed to a generator.
func (p Payload) Text() string {
	switch p.Kind {
	case KindRequest:
		return p.Request.Query
	case KindResponse:
		return p.Response.Content
	case KindError:
		return p.Error.Content
	case KindReport:
		return p.Report.Content
	}
	var s string
	if err := json.Unmarshal(p.Raw, &s); err == nil {
		return s
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, p.Raw); err == nil {
		return compact.String()
	}
	return string(p.Raw)
}

type (
	wireRequest struct {
		Type PayloadKind `json:"type"`
		RequestPayload
	}
	wireResponse struct {
		Type PayloadKind `json:"type"`
		ResponsePayload
	}
	wireError struct {
		Type PayloadKind `json:"type"`
		ErrorPayload
	}
	wireReport struct {
		Type PayloadKind `json:"type"`
		ReportPayload
	}
)

// MarshalJSON flattens the typed payload into an object with a "type" field.
func (p Payload) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case KindRequest:
		if p.Request == nil {
			return nil, fmt.Errorf("marshal payload: %s without body", p.Kind)
		}
		return json.Marshal(wireRequest{Type: p.Kind, RequestPayload: *p.Request})
	case KindResponse:
		if p.Response == nil {
			return nil, fmt.Errorf("marshal payload: %s without body", p.Kind)
		}
		return json.Marshal(wireResponse{Type: p.Kind, ResponsePayload: *p.Response})
	case KindError:
		if p.Error == nil {
			return nil, fmt.Errorf("marshal payload: %s without body", p.Kind)
		}
		return json.Marshal(wireError{Type: p.Kind, ErrorPayload: *p.Error})
	case KindReport:
		if p.Report == nil {
			return nil, fmt.Errorf("marshal payload: %s without body", p.Kind)
		}
		return json.Marshal(wireReport{Type: p.Kind, ReportPayload: *p.Report})
	}
	if len(p.Raw) == 0 {
		return []byte("null"), nil
	}
	return p.Raw, nil
}

// UnmarshalJSON decodes a payload by its "type" field. Payloads that are not
// objects, or carry an unknown type, decode as KindUnrecognized.
func (p *Payload) UnmarshalJSON(data []byte) error {
	*p = Payload{Kind: KindUnrecognized, Raw: append(json.RawMessage(nil), data...)}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		// A non-string "type" is still an object we can carry.
		return nil //nolint:nilerr // unknown shapes are forward-compatible, not errors
	}
	p.Tag = head.Type

	switch PayloadKind(head.Type) {
	case KindRequest:
		var body RequestPayload
		if err := json.Unmarshal(data, &body); err != nil {
			return fmt.Errorf("decode %s payload: %w", head.Type, err)
		}
		*p = Payload{Kind: KindRequest, Request: &body}
	case KindResponse:
		var body ResponsePayload
		if err := json.Unmarshal(data, &body); err != nil {
			return fmt.Errorf("decode %s payload: %w", head.Type, err)
		}
		*p = Payload{Kind: KindResponse, Response: &body}
	case KindError:
		var body ErrorPayload
		if err := json.Unmarshal(data, &body); err != nil {
			return fmt.Errorf("decode %s payload: %w", head.Type, err)
		}
		*p = Payload{Kind: KindError, Error: &body}
	case KindReport:
		var body ReportPayload
		if err := json.Unmarshal(data, &body); err != nil {
			return fmt.Errorf("decode %s payload: %w", head.Type, err)
		}
		*p = Payload{Kind: KindReport, Report: &body}
	}
	return nil
}
