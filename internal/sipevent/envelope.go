package sipevent

import (
	"encoding/json"

	"braces.dev/errtrace"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/404-not-find/SipVoice/internal/errorutil"
)

// Envelope is the transport neutral form of a notification: a type tag and
// a struct of typed field values.
type Envelope struct {
	Type   EventType
	Fields *structpb.Struct
}

// NewEnvelope builds an envelope from plain Go values accepted by structpb.NewStruct.
func NewEnvelope(typ EventType, fields map[string]any) (*Envelope, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedEvent, err))
	}
	return &Envelope{Type: typ, Fields: s}, nil
}

type wireEnvelope struct {
	Type   EventType       `json:"type"`
	Fields json.RawMessage `json:"fields,omitempty"`
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	fields := e.Fields
	if fields == nil {
		fields = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(fields)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(json.Marshal(wireEnvelope{Type: e.Type, Fields: raw}))
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedEvent, err))
	}
	fields := &structpb.Struct{}
	if len(w.Fields) > 0 && string(w.Fields) != "null" {
		if err := protojson.Unmarshal(w.Fields, fields); err != nil {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedEvent, err))
		}
	}
	e.Type = w.Type
	e.Fields = fields
	return nil
}
