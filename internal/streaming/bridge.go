package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/logging"
)

// DefaultTopic carries every stream event between processes.
const DefaultTopic = "stepflow.events"

const (
	metadataChannel = "channel"
	metadataEvent   = "event"
)

// Bridge sends events through a watermill transport and relays what it
// receives into a local hub, so every process's subscribers see every event.
type Bridge struct {
	pub    message.Publisher
	sub    message.Subscriber
	hub    Sink
	topic  string
	logger *slog.Logger
}

// NewBridge relays topic between pub/sub and hub.
func NewBridge(pub message.Publisher, sub message.Subscriber, hub Sink, topic string, logger *slog.Logger) *Bridge {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Bridge{pub: pub, sub: sub, hub: hub, topic: topic, logger: logging.WithModule(logger, "bridge")}
}

// NewGoChannelBridge is an in-process bridge over a watermill GoChannel.
func NewGoChannelBridge(hub Sink, logger *slog.Logger) *Bridge {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 1024},
		watermill.NewSlogLogger(logging.WithModule(logger, "watermill")))
	return NewBridge(ps, ps, hub, DefaultTopic, logger)
}

// KafkaConfig configures a kafka-backed bridge.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// ConsumerGroup must be unique per process so each one receives every
	// event. Defaults to "stepflow-stream-<uuid>".
	ConsumerGroup string
}

// NewKafkaBridge connects a bridge to kafka.
func NewKafkaBridge(cfg KafkaConfig, hub Sink, logger *slog.Logger) (*Bridge, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka bridge: no brokers configured")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "stepflow-stream-" + uuid.NewString()
	}
	wlog := watermill.NewSlogLogger(logging.WithModule(logger, "watermill"))

	subConfig := kafka.DefaultSaramaSubscriberConfig()
	subConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	sub, err := kafka.NewSubscriber(kafka.SubscriberConfig{
		Brokers:               cfg.Brokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: subConfig,
		ConsumerGroup:         cfg.ConsumerGroup,
	}, wlog)
	if err != nil {
		return nil, fmt.Errorf("kafka subscriber: %w", err)
	}

	pubConfig := kafka.DefaultSaramaSyncPublisherConfig()
	pubConfig.Producer.Return.Successes = true
	pub, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:               cfg.Brokers,
		Marshaler:             kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: pubConfig,
	}, wlog)
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	return NewBridge(pub, sub, hub, cfg.Topic, logger), nil
}

// Publish sends event to the transport.
func (b *Bridge) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataChannel, event.Channel)
	msg.Metadata.Set(metadataEvent, event.Event)
	msg.SetContext(ctx)
	return b.pub.Publish(b.topic, msg)
}

// Run relays received events into the hub until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	messages, err := b.sub.Subscribe(ctx, b.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.topic, err)
	}
	b.logger.InfoContext(ctx, "stream relay started", slog.String("topic", b.topic))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				b.logger.WarnContext(ctx, "dropping undecodable stream message",
					slog.String("uuid", msg.UUID), slog.String("error", err.Error()))
				msg.Ack()
				continue
			}
			if err := b.hub.Publish(ctx, event); err != nil {
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}
}

// Close closes the publisher and the subscriber.
func (b *Bridge) Close() error {
	perr := b.pub.Close()
	if b.sub != nil && any(b.sub) != any(b.pub) {
		if err := b.sub.Close(); err != nil {
			return err
		}
	}
	return perr
}
