// Package redpanda provides Redpanda/Kafka queue integration.
//
// It publishes the outbound event stream (progress/log/error/job_complete)
// so the RPC Adapter and any external observability consumer can subscribe
// without the Job Engine holding a reference back to them.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/ascensum/gen-image-runner/internal/domain"
)

// TopicEvents is the Kafka/Redpanda topic carrying the outbound event stream.
const TopicEvents = "image-runner-events"

// Producer wraps a Kafka producer and implements domain.EventPublisher.
type Producer struct {
	client          *kgo.Client
	transactionChan chan struct{}
}

// NewProducer constructs a Producer with exactly-once semantics.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, "gen-image-runner-producer")
}

// NewProducerWithTransactionalID constructs a Producer with a custom transactional ID.
// This is useful for testing to avoid conflicts between multiple producers.
func NewProducerWithTransactionalID(brokers []string, transactionalID string) (*Producer, error) {
	slog.Info("creating redpanda producer", slog.Any("brokers", brokers), slog.String("transactional_id", transactionalID))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.WithHooks(kotelService.Hooks()...),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		slog.Error("failed to create redpanda client", slog.Any("error", err))
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	ctx := context.Background()
	partitions := int32(4)
	replicationFactor := int16(1)

	if err := createOptimizedTopicForParallelProcessing(ctx, client, TopicEvents, partitions, replicationFactor); err != nil {
		slog.Warn("failed to create optimized topic, falling back to standard topic creation",
			slog.String("topic", TopicEvents),
			slog.Any("error", err))
		if err := createTopicIfNotExists(ctx, client, TopicEvents, partitions, replicationFactor); err != nil {
			slog.Warn("failed to create topic, it may already exist",
				slog.String("topic", TopicEvents),
				slog.Any("error", err))
		}
	}

	slog.Info("redpanda producer created successfully")
	return &Producer{
		client:          client,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// Publish produces one event, using a transaction per event for exactly-once
// delivery (teacher's EOS pattern, kept for the outbound event stream).
func (p *Producer) Publish(ctx domain.Context, event domain.Event) error {
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	b, err := json.Marshal(event)
	if err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction after marshal error", slog.Any("error", abortErr))
		}
		return fmt.Errorf("marshal event: %w", err)
	}

	record := &kgo.Record{
		Topic: TopicEvents,
		Key:   []byte(event.JobExecutionID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(event.Kind)},
			{Key: "job_execution_id", Value: []byte(event.JobExecutionID)},
		},
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())

	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction after produce error", slog.Any("error", abortErr))
		}
		return fmt.Errorf("produce event: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	if p.transactionChan != nil {
		select {
		case <-p.transactionChan:
		default:
			close(p.transactionChan)
		}
	}
	return nil
}

var _ domain.EventPublisher = (*Producer)(nil)
