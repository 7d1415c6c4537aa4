package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/journeys/pkg/cmd"
	"github.com/dukex/journeys/pkg/enrollment"
	"github.com/dukex/journeys/pkg/executor"
	"github.com/dukex/journeys/pkg/graph"
	"github.com/dukex/journeys/pkg/log"
	"github.com/dukex/journeys/pkg/metrics"
	"github.com/dukex/journeys/pkg/otelhelper"
	"github.com/dukex/journeys/pkg/scheduler"
	"github.com/dukex/journeys/pkg/scoring"
	"github.com/dukex/journeys/pkg/triggers/kafka"
	"github.com/dukex/journeys/pkg/triggers/queue"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

func NewRunCommand() *cli.Command {
	defaults := executor.DefaultConfig()
	schedule := scheduler.DefaultConfig()

	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the worker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (file://<dir> or postgres://...)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka or memory)",
				Value:   "memory",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for enrollment locks, contact attributes and the event queue",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "event-queue",
				Usage:   "Redis list consumed for contact events; empty disables the queue source",
				Value:   queue.DefaultQueue,
				Sources: cli.EnvVars("EVENT_QUEUE"),
			},
			&cli.StringFlag{
				Name:    "kafka-events-topic",
				Usage:   "Kafka topic consumed for contact events; empty disables the Kafka source",
				Sources: cli.EnvVars("KAFKA_EVENTS_TOPIC"),
			},
			&cli.StringFlag{
				Name:    "kafka-consumer-group",
				Usage:   "Consumer group of the Kafka source",
				Value:   kafka.DefaultConsumerGroup,
				Sources: cli.EnvVars("KAFKA_CONSUMER_GROUP"),
			},
			&cli.DurationFlag{
				Name:    "tick-interval",
				Usage:   "Interval between scheduler passes",
				Value:   schedule.Interval,
				Sources: cli.EnvVars("TICK_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "tick-workers",
				Usage:   "Enrollments ticked in parallel",
				Value:   schedule.Workers,
				Sources: cli.EnvVars("TICK_WORKERS"),
			},
			&cli.IntFlag{
				Name:    "batch-size",
				Usage:   "Due enrollments picked up per pass",
				Value:   schedule.BatchSize,
				Sources: cli.EnvVars("BATCH_SIZE"),
			},
			&cli.IntFlag{
				Name:    "loop-guard",
				Usage:   "Visits of one step per enrollment before it is exited as looping",
				Value:   defaults.LoopGuard,
				Sources: cli.EnvVars("LOOP_GUARD"),
			},
			&cli.IntFlag{
				Name:    "max-cascade-steps",
				Usage:   "Steps executed in one tick before yielding",
				Value:   defaults.MaxCascadeSteps,
				Sources: cli.EnvVars("MAX_CASCADE_STEPS"),
			},
			&cli.IntFlag{
				Name:    "max-action-retries",
				Usage:   "Attempts of a failing action before the enrollment is exited",
				Value:   defaults.MaxActionRetries,
				Sources: cli.EnvVars("MAX_ACTION_RETRIES"),
			},
			&cli.DurationFlag{
				Name:    "retry-base-delay",
				Usage:   "Delay before the first action retry, doubled on each attempt",
				Value:   defaults.RetryBaseDelay,
				Sources: cli.EnvVars("RETRY_BASE_DELAY"),
			},
			&cli.StringFlag{
				Name:    "score-thresholds",
				Usage:   "Comma separated score thresholds signalling crossings",
				Sources: cli.EnvVars("SCORE_THRESHOLDS"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Address serving Prometheus metrics; empty disables it",
				Value:   ":9092",
				Sources: cli.EnvVars("METRICS_ADDR"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("journeys-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing journeys worker")

			thresholds, err := parseThresholds(command.String("score-thresholds"))
			if err != nil {
				return err
			}

			executorOpts := []executor.Option{
				executor.WithConfig(executor.Config{
					LoopGuard:        command.Int("loop-guard"),
					MaxCascadeSteps:  command.Int("max-cascade-steps"),
					MaxActionRetries: command.Int("max-action-retries"),
					RetryBaseDelay:   command.Duration("retry-base-delay"),
				}),
			}

			if command.Bool("tracing") {
				tracer, shutdown, err := otelhelper.NewTracer(ctx, "journeys-worker")
				if err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}

				defer func() {
					if err := shutdown(context.WithoutCancel(ctx)); err != nil {
						logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
					}
				}()

				executorOpts = append(executorOpts, executor.WithTracer(tracer))
			}

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "journeys-worker", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			redisClient, err := cmd.NewRedisClient(ctx, command.String("redis-url"))
			if err != nil {
				return err
			}

			if redisClient != nil {
				defer func() {
					if err := redisClient.Close(); err != nil {
						logger.ErrorContext(ctx, "Failed to close Redis client", "error", err)
					}
				}()
			}

			mtr := metrics.NewMetrics()
			locker := cmd.NewLocker(redisClient, 30*time.Second, logger)
			contactStore := cmd.NewContactStore(redisClient, logger)
			registry := cmd.NewActionRegistry(logger, eventBus, contactStore, &http.Client{Timeout: 30 * time.Second})

			graphs := graph.NewStore(persistence.WorkflowRepository(), logger)
			tracker := enrollment.NewTracker(graphs, persistence.EnrollmentRepository(), logger,
				enrollment.WithPublisher(eventBus),
			)

			executorOpts = append(executorOpts,
				executor.WithContacts(contactStore),
				executor.WithPublisher(eventBus),
				executor.WithMetrics(mtr),
			)

			stepExecutor := executor.NewExecutor(graphs, persistence, tracker, registry, locker, logger, executorOpts...)

			engine := scoring.NewEngine(persistence.ScoringRepository(), locker, logger,
				scoring.WithPublisher(eventBus),
				scoring.WithThresholds(thresholds...),
			)

			sched := scheduler.NewScheduler(persistence.EnrollmentRepository(), stepExecutor, scheduler.Config{
				Interval:  command.Duration("tick-interval"),
				Workers:   command.Int("tick-workers"),
				BatchSize: command.Int("batch-size"),
			}, logger, scheduler.WithMetrics(mtr))

			workerOpts := []Option{
				WithMetrics(mtr),
				WithMetricsAddr(command.String("metrics-addr")),
			}

			if redisClient != nil && command.String("event-queue") != "" {
				source, err := queue.NewSource(redisClient, command.String("event-queue"), eventBus, logger,
					queue.WithMetrics(mtr),
				)
				if err != nil {
					return err
				}

				workerOpts = append(workerOpts, WithSource(source))
			}

			if topic := command.String("kafka-events-topic"); topic != "" {
				source, err := kafka.NewSource(kafka.Config{
					Topic:         topic,
					ConsumerGroup: command.String("kafka-consumer-group"),
					Brokers:       kafka.ParseBrokers(command.String("kafka-brokers")),
				}, eventBus, logger, kafka.WithMetrics(mtr))
				if err != nil {
					return err
				}

				workerOpts = append(workerOpts, WithSource(source))
			}

			worker := NewWorkerManager(
				workerID,
				eventBus,
				persistence.WorkflowRepository(),
				graphs,
				tracker,
				engine,
				stepExecutor,
				sched,
				logger,
				workerOpts...,
			)

			err = worker.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start worker", "error", err)

				return err
			}

			return nil
		},
	}
}

func parseThresholds(raw string) ([]int, error) {
	var thresholds []int

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		threshold, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid score threshold %q: %w", part, err)
		}

		thresholds = append(thresholds, threshold)
	}

	return thresholds, nil
}
