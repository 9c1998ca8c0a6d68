package events

import (
	"context"
	"time"

	"google.golang.org/protobuf/proto"

	"agentrouter/internal/adapters/kafka"
	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/domain/model_profile"
	"agentrouter/internal/domain/routing"
	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
)

// BinaryProducer sends serialized messages. Implemented by kafka.Producer.
type BinaryProducer interface {
	PublishBinary(ctx context.Context, topic string, key, data []byte) error
}

// Publisher streams audit records to Kafka. It implements audit.Sink.
type Publisher struct {
	producer BinaryProducer
	log      *logger.Logger
	now      func() time.Time
}

// NewPublisher creates a new event publisher
func NewPublisher(producer BinaryProducer, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.Get()
	}
	return &Publisher{
		producer: producer,
		log:      log.With("component", "event_publisher"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Name identifies the sink in logs and metrics
func (p *Publisher) Name() string { return "kafka" }

// AppendRoutingDecision publishes a decision keyed by its session
func (p *Publisher) AppendRoutingDecision(ctx context.Context, d *routing.Decision) error {
	return p.publish(ctx, kafka.TopicRoutingDecisions, TypeRoutingDecision, d.SessionID, d)
}

// AppendCollaborationEvent publishes a session event keyed by its session
func (p *Publisher) AppendCollaborationEvent(ctx context.Context, sessionID string, e *collaboration.Event) error {
	return p.publish(ctx, kafka.TopicCollaborationEvents, TypeCollaborationEvent, sessionID, e)
}

// UpsertModelProfile publishes a profile keyed by model, provider and task
func (p *Publisher) UpsertModelProfile(ctx context.Context, key model_profile.Key, prof *model_profile.Profile) error {
	return p.publish(ctx, kafka.TopicModelProfiles, TypeModelProfile, key.String(), prof)
}

// publish is the generic publish method using protobuf serialization
func (p *Publisher) publish(ctx context.Context, topic, eventType, key string, record any) error {
	env, err := NewEnvelope(eventType, record, p.now())
	if err != nil {
		return err
	}

	data, err := proto.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal protobuf")
	}

	if err := p.producer.PublishBinary(ctx, topic, []byte(key), data); err != nil {
		p.log.Errorw("Failed to publish event",
			"topic", topic,
			"type", eventType,
			"error", err,
		)
		return errors.Wrap(err, "send to kafka")
	}

	p.log.Debugw("Event published",
		"topic", topic,
		"type", eventType,
		"size_bytes", len(data),
	)
	return nil
}
