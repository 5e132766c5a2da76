package event_publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"custody/apps/custody/internal/events"
	"custody/apps/custody/internal/model"
)

const (
	publishInterval = 3 * time.Second
	batchSize       = 100
	// longer than any batch can take to publish
	staleClaimAfter = 5 * time.Minute
)

type OutboxRepository interface {
	GetUnsentEventsForProcessing(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	ResetStaleEvents(ctx context.Context, staleAfter time.Duration) (int64, error)
	MarkEventAsSent(ctx context.Context, id string) error
	MarkEventAsFailed(ctx context.Context, id string) error
}

// Producer is satisfied by *kafka.Producer.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Close()
}

// EventPublisher relays escrow audit events from the outbox table to Kafka.
type EventPublisher struct {
	logger        *zap.Logger
	kafkaProducer Producer
	kafkaTopic    string
	repository    OutboxRepository
	mu            sync.Mutex // Protects concurrent access to publishing operations
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(kafkaBroker, kafkaTopic string, logger *zap.Logger, repository OutboxRepository) (*EventPublisher, error) {
	// Setup Kafka producer
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"acks":              "all",
		"retries":           3,
		"retry.backoff.ms":  100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return newEventPublisher(producer, kafkaTopic, logger, repository), nil
}

func newEventPublisher(producer Producer, kafkaTopic string, logger *zap.Logger, repository OutboxRepository) *EventPublisher {
	return &EventPublisher{
		logger:        logger,
		kafkaProducer: producer,
		kafkaTopic:    kafkaTopic,
		repository:    repository,
	}
}

// StartPublishing blocks until ctx is cancelled.
func (ep *EventPublisher) StartPublishing(ctx context.Context) {
	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ep.logger.Info("Event publisher stopped")
			return
		case <-ticker.C:
			if err := ep.publishUnsentEvents(ctx); err != nil {
				ep.logger.Error("Error publishing events to Kafka", zap.Error(err))
			}
		}
	}
}

func (ep *EventPublisher) publishUnsentEvents(ctx context.Context) error {
	// Use mutex to ensure only one publishing operation at a time per instance
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if reset, err := ep.repository.ResetStaleEvents(ctx, staleClaimAfter); err != nil {
		ep.logger.Error("Failed to reset stale outbox events", zap.Error(err))
	} else if reset > 0 {
		ep.logger.Warn("Returned stale outbox events to the queue", zap.Int64("count", reset))
	}

	outboxEvents, err := ep.repository.GetUnsentEventsForProcessing(ctx, batchSize)
	if err != nil {
		return err
	}

	successCount := 0
	for _, event := range outboxEvents {
		if err := ep.publishEventToKafka(event); err != nil {
			ep.logger.Error("Failed to publish event to Kafka", zap.String("event_id", event.ID), zap.String("event_type", event.EventType), zap.Error(err))
			// Mark as failed (returns status to 'unsent' for retry)
			if markErr := ep.repository.MarkEventAsFailed(ctx, event.ID); markErr != nil {
				ep.logger.Error("Failed to mark event as failed", zap.String("event_id", event.ID), zap.Error(markErr))
			}
			continue
		}

		if err := ep.repository.MarkEventAsSent(ctx, event.ID); err != nil {
			// published but still 'processing'; the stale-claim reset will send it again
			ep.logger.Error("Failed to mark event as sent", zap.String("event_id", event.ID), zap.Error(err))
		} else {
			successCount++
		}
	}

	if successCount > 0 {
		ep.logger.Info("Published events to Kafka", zap.Int("success_count", successCount), zap.Int("attempted", len(outboxEvents)))
	}

	return nil
}

func (ep *EventPublisher) publishEventToKafka(event model.OutboxEvent) error {
	kafkaMsg := events.EscrowEvent{
		EventID:   event.ID,
		EventType: event.EventType,
		OrderID:   event.OrderID,
		EventData: event.EventBlob,
		CreatedAt: event.CreatedAt,
		Timestamp: time.Now().UTC(),
	}

	msgBytes, err := json.Marshal(kafkaMsg)
	if err != nil {
		return err
	}

	deliveryChan := make(chan kafka.Event)
	defer close(deliveryChan)

	err = ep.kafkaProducer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &ep.kafkaTopic, Partition: kafka.PartitionAny},
		Key:            []byte(event.OrderID), // per-order ordering
		Value:          msgBytes,
	}, deliveryChan)
	if err != nil {
		return err
	}

	// Wait for delivery confirmation
	e := <-deliveryChan
	switch ev := e.(type) {
	case *kafka.Message:
		if ev.TopicPartition.Error != nil {
			return ev.TopicPartition.Error
		}
		return nil
	default:
		return fmt.Errorf("unexpected kafka event type: %T", e)
	}
}

// Close closes the Kafka producer
func (ep *EventPublisher) Close() error {
	if ep.kafkaProducer != nil {
		ep.kafkaProducer.Close()
	}
	return nil
}
