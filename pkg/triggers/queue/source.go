// Package queue ingests contact events pushed by other systems onto a redis list.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/metrics"
	redis "github.com/redis/go-redis/v9"
)

// DefaultQueue is the list the source pops from when none is configured.
const DefaultQueue = "journeys:events"

// ErrQueueRequired is returned when the source has no list to consume.
var ErrQueueRequired = errors.New("queue name is required")

// Source pops messages from a redis list and publishes them as
// contact.event.received events.
type Source struct {
	client    redis.UniversalClient
	queue     string
	publisher eventbus.EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	pollTimeout time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

type Option func(*Source)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Source) {
		s.metrics = m
	}
}

// WithPollTimeout sets how long one BLPOP waits before checking for shutdown.
func WithPollTimeout(timeout time.Duration) Option {
	return func(s *Source) {
		s.pollTimeout = timeout
	}
}

func NewSource(client redis.UniversalClient, queue string, publisher eventbus.EventPublisher, logger *slog.Logger, opts ...Option) (*Source, error) {
	if queue == "" {
		return nil, ErrQueueRequired
	}

	source := &Source{
		client:      client,
		queue:       queue,
		publisher:   publisher,
		pollTimeout: time.Second,
		stopCh:      make(chan struct{}),
		logger: logger.With(
			"module", "queue_source",
			"queue", queue,
		),
	}

	for _, opt := range opts {
		opt(source)
	}

	return source, nil
}

// Start consumes the list in the background until Stop is called or ctx is done.
func (s *Source) Start(ctx context.Context) error {
	err := s.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.logger.InfoContext(ctx, "Starting queue source")

	s.wg.Add(1)

	go s.consume(ctx)

	return nil
}

func (s *Source) consume(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			s.logger.InfoContext(ctx, "Queue source stopped")

			return
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Context cancelled, stopping queue source")

			return
		default:
			err := s.Poll(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "Error processing message", "error", err)

				select {
				case <-time.After(time.Second):
				case <-s.stopCh:
				case <-ctx.Done():
				}
			}
		}
	}
}

// Poll waits for one message and publishes it. An empty queue is not an error.
// Messages that are not valid events are logged and dropped.
func (s *Source) Poll(ctx context.Context) error {
	result, err := s.client.BLPop(ctx, s.pollTimeout, s.queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	event, err := Decode([]byte(result[1]))
	if err != nil {
		s.record("invalid")
		s.logger.WarnContext(ctx, "Dropping invalid message", "message", result[1], "error", err)

		return nil
	}

	err = s.publisher.Publish(ctx, event.ContactID, event)
	if err != nil {
		s.record("error")

		return fmt.Errorf("failed to publish event for contact %s: %w", event.ContactID, err)
	}

	s.record("accepted")
	s.logger.DebugContext(ctx, "Event ingested", "contact_id", event.ContactID, "event_type", event.EventType)

	return nil
}

func (s *Source) record(result string) {
	if s.metrics != nil {
		s.metrics.EventsIngested.WithLabelValues("queue", result).Inc()
	}
}

// Stop ends consumption and waits for the in-flight poll.
func (s *Source) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Stopping queue source")

	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	return nil
}

// Decode parses a queue message into a contact event.
func Decode(raw []byte) (events.ContactEventReceived, error) {
	return events.DecodeContactEvent(raw, "queue")
}
