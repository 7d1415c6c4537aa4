// Package kafka ingests contact events published by other systems on a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/metrics"
)

const DefaultConsumerGroup = "journeys-ingest"

var (
	ErrTopicRequired   = errors.New("kafka source topic is required")
	ErrBrokersRequired = errors.New("kafka source brokers are required")
)

const (
	kafkaSessionTimeout    = 10 * time.Second
	kafkaHeartbeatInterval = 3 * time.Second
	kafkaRetryInterval     = 5 * time.Second
)

type Config struct {
	Topic         string
	ConsumerGroup string
	Brokers       []string
}

// ParseBrokers splits a comma separated broker list.
func ParseBrokers(raw string) []string {
	var brokers []string

	for _, broker := range strings.Split(raw, ",") {
		broker = strings.TrimSpace(broker)
		if broker != "" {
			brokers = append(brokers, broker)
		}
	}

	return brokers
}

// Source consumes a topic of event documents and publishes them as
// contact.event.received events. A message without contact_id uses its key.
type Source struct {
	config    Config
	publisher eventbus.EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	consumer sarama.ConsumerGroup
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type Option func(*Source)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Source) {
		s.metrics = m
	}
}

func NewSource(config Config, publisher eventbus.EventPublisher, logger *slog.Logger, opts ...Option) (*Source, error) {
	if config.Topic == "" {
		return nil, ErrTopicRequired
	}

	if len(config.Brokers) == 0 {
		return nil, ErrBrokersRequired
	}

	if config.ConsumerGroup == "" {
		config.ConsumerGroup = DefaultConsumerGroup
	}

	source := &Source{
		config:    config,
		publisher: publisher,
		logger: logger.With(
			"module", "kafka_source",
			"topic", config.Topic,
			"consumer_group", config.ConsumerGroup,
		),
	}

	for _, opt := range opts {
		opt(source)
	}

	return source, nil
}

func (s *Source) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Starting Kafka source", "brokers", s.config.Brokers)

	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Consumer.Group.Session.Timeout = kafkaSessionTimeout
	config.Consumer.Group.Heartbeat.Interval = kafkaHeartbeatInterval
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumerGroup(s.config.Brokers, s.config.ConsumerGroup, config)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to create Kafka consumer group", "error", err)

		return fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	s.consumer = consumer

	consumeCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)

	go s.consume(consumeCtx)
	go s.monitorErrors(consumeCtx)

	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Stopping Kafka source")

	if s.cancel != nil {
		s.cancel()
	}

	s.wg.Wait()

	if s.consumer == nil {
		return nil
	}

	err := s.consumer.Close()
	if err != nil {
		s.logger.ErrorContext(ctx, "Error closing Kafka consumer", "error", err)

		return err
	}

	return nil
}

func (s *Source) consume(ctx context.Context) {
	defer s.wg.Done()

	handler := &consumerGroupHandler{source: s}

	for {
		err := s.consumer.Consume(ctx, []string{s.config.Topic}, handler)
		if err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "Kafka consumer error", "error", err)

			select {
			case <-time.After(kafkaRetryInterval):
			case <-ctx.Done():
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Source) monitorErrors(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case err, ok := <-s.consumer.Errors():
			if !ok {
				return
			}

			if err != nil {
				s.logger.ErrorContext(ctx, "Kafka consumer group error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Handle publishes one consumed message. Undecodable messages are dropped;
// only publish failures are returned.
func (s *Source) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	event, err := decode(message)
	if err != nil {
		s.record("invalid")
		s.logger.WarnContext(ctx, "Dropping invalid message",
			"partition", message.Partition,
			"offset", message.Offset,
			"error", err)

		return nil
	}

	err = s.publisher.Publish(ctx, event.ContactID, event)
	if err != nil {
		s.record("error")

		return fmt.Errorf("failed to publish event for contact %s: %w", event.ContactID, err)
	}

	s.record("accepted")

	return nil
}

func decode(message *sarama.ConsumerMessage) (events.ContactEventReceived, error) {
	var incoming events.IncomingEvent

	err := json.Unmarshal(message.Value, &incoming)
	if err != nil {
		return events.ContactEventReceived{}, errors.Join(events.ErrInvalidEvent, err)
	}

	if incoming.ContactID == "" {
		incoming.ContactID = string(message.Key)
	}

	return incoming.Event("kafka")
}

func (s *Source) record(result string) {
	if s.metrics != nil {
		s.metrics.EventsIngested.WithLabelValues("kafka", result).Inc()
	}
}

type consumerGroupHandler struct {
	source *Source
}

func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.source.logger.InfoContext(session.Context(), "Kafka consumer group session started")

	return nil
}

func (h *consumerGroupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.source.logger.InfoContext(session.Context(), "Kafka consumer group session ended")

	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()

	for message := range claim.Messages() {
		err := h.source.Handle(ctx, message)
		if err != nil {
			h.source.logger.ErrorContext(ctx, "Failed to ingest Kafka message", "offset", message.Offset, "error", err)

			return err
		}

		session.MarkMessage(message, "")
	}

	return nil
}
