package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"agentrouter/pkg/errors"
)

// Event types carried in the envelope
const (
	TypeRoutingDecision    = "routing.decision"
	TypeCollaborationEvent = "collaboration.event"
	TypeModelProfile       = "model_profile.updated"
)

const (
	envelopeSource  = "agentrouter"
	envelopeVersion = "1.0"
)

// Envelope is the decoded form of a published message
type Envelope struct {
	ID        string
	Type      string
	Source    string
	Version   string
	Timestamp time.Time
	Payload   map[string]any
}

// NewEnvelope wraps a record in a self-describing protobuf Struct.
// The record is first rendered through its JSON tags so consumers see the audit field names.
func NewEnvelope(eventType string, record any, at time.Time) (*structpb.Struct, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, errors.Wrap(err, "marshal record")
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Wrap(err, "record is not an object")
	}
	payload, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "build payload")
	}

	ts, err := structpb.NewValue(timestamppb.New(at).AsTime().Format(time.RFC3339Nano))
	if err != nil {
		return nil, errors.Wrap(err, "build timestamp")
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":        structpb.NewStringValue(uuid.NewString()),
		"type":      structpb.NewStringValue(eventType),
		"source":    structpb.NewStringValue(envelopeSource),
		"version":   structpb.NewStringValue(envelopeVersion),
		"timestamp": ts,
		"payload":   structpb.NewStructValue(payload),
	}}, nil
}

// DecodeEnvelope parses a message produced by the Publisher
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "unmarshal envelope")
	}

	f := s.GetFields()
	env := &Envelope{
		ID:      f["id"].GetStringValue(),
		Type:    f["type"].GetStringValue(),
		Source:  f["source"].GetStringValue(),
		Version: f["version"].GetStringValue(),
		Payload: f["payload"].GetStructValue().AsMap(),
	}
	if ts := f["timestamp"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, errors.Wrap(err, "parse envelope timestamp")
		}
		env.Timestamp = t
	}
	return env, nil
}
