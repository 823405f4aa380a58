package domain

import (
	"encoding/json"
)

// Kind discriminates the three envelope variants. The zero value is
// KindUnrecognized: anything on the shared channel that is not ours.
type Kind string

const (
	KindUnrecognized Kind = ""
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindEvent        Kind = "event"
)

// Envelope is the wire shape of every message exchanged between contexts.
type Envelope struct {
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Type          string          `json:"type,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Filter selects envelopes for a listener.
type Filter func(Envelope) bool

// wireEnvelope uses pointers so that presence and absence of a field can be
// told apart during classification.
type wireEnvelope struct {
	Kind          *string         `json:"kind"`
	CorrelationID *string         `json:"correlationId"`
	Type          *string         `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Error         *string         `json:"error"`
}

// ParseEnvelope decodes and classifies data. It never fails: malformed or
// foreign input comes back with Kind == KindUnrecognized.
func ParseEnvelope(data []byte) Envelope {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}
	}
	if w.Kind == nil {
		return Envelope{}
	}
	e := Envelope{Kind: Kind(*w.Kind), Payload: w.Payload}
	if w.CorrelationID != nil {
		e.CorrelationID = *w.CorrelationID
	}
	if w.Type != nil {
		e.Type = *w.Type
	}
	if w.Error != nil {
		e.Error = *w.Error
	}
	if len(e.Payload) > 0 && string(e.Payload) == "null" {
		e.Payload = nil
	}
	e.Kind = classify(e, w.CorrelationID != nil)
	if e.Kind == KindUnrecognized {
		return Envelope{}
	}
	return e
}

// Classify returns the variant e structurally belongs to.
func Classify(e Envelope) Kind {
	return classify(e, e.CorrelationID != "")
}

func classify(e Envelope, hasCorrelation bool) Kind {
	switch e.Kind {
	case KindRequest:
		if e.CorrelationID != "" && e.Type != "" && e.Error == "" {
			return KindRequest
		}
	case KindResponse:
		if e.CorrelationID != "" {
			return KindResponse
		}
	case KindEvent:
		if !hasCorrelation && e.Type != "" && e.Error == "" {
			return KindEvent
		}
	}
	return KindUnrecognized
}

// IsRequest reports whether v is a well-formed request envelope.
func IsRequest(v any) bool { return kindOf(v) == KindRequest }

// IsResponse reports whether v is a well-formed response envelope.
func IsResponse(v any) bool { return kindOf(v) == KindResponse }

// IsEvent reports whether v is a well-formed event envelope.
func IsEvent(v any) bool { return kindOf(v) == KindEvent }

func kindOf(v any) Kind {
	switch t := v.(type) {
	case Envelope:
		return Classify(t)
	case *Envelope:
		if t == nil {
			return KindUnrecognized
		}
		return Classify(*t)
	case []byte:
		return ParseEnvelope(t).Kind
	case json.RawMessage:
		return ParseEnvelope(t).Kind
	case string:
		return ParseEnvelope([]byte(t)).Kind
	case map[string]any:
		data, err := json.Marshal(t)
		if err != nil {
			return KindUnrecognized
		}
		return ParseEnvelope(data).Kind
	default:
		return KindUnrecognized
	}
}

// MatchesType is exact string equality on the type discriminator.
func MatchesType(e Envelope, t string) bool {
	return e.Type == t
}

// RequestTypeFilter matches requests of one message type.
func RequestTypeFilter(t MessageType) Filter {
	return func(e Envelope) bool {
		return Classify(e) == KindRequest && MatchesType(e, string(t))
	}
}

// EventTypeFilter matches events of one event type.
func EventTypeFilter(t EventType) Filter {
	return func(e Envelope) bool {
		return Classify(e) == KindEvent && MatchesType(e, string(t))
	}
}

// ResponseFilter matches the response to one request.
func ResponseFilter(correlationID string) Filter {
	return func(e Envelope) bool {
		return Classify(e) == KindResponse && e.CorrelationID == correlationID
	}
}

// NewRequest builds a request envelope.
func NewRequest(correlationID string, t MessageType, payload json.RawMessage) Envelope {
	return Envelope{Kind: KindRequest, CorrelationID: correlationID, Type: string(t), Payload: payload}
}

// NewResponse builds a response envelope. A non-empty errMsg marks failure.
func NewResponse(correlationID, t string, payload json.RawMessage, errMsg string) Envelope {
	return Envelope{Kind: KindResponse, CorrelationID: correlationID, Type: t, Payload: payload, Error: errMsg}
}

// NewEventEnvelope builds an event envelope.
func NewEventEnvelope(t EventType, payload json.RawMessage) Envelope {
	return Envelope{Kind: KindEvent, Type: string(t), Payload: payload}
}
