package location_ingestor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"custody/apps/custody/internal/apperr"
	"custody/apps/custody/internal/events"
	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/tracking"
)

const readTimeout = time.Second

// Consumer is satisfied by *kafka.Consumer.
type Consumer interface {
	Subscribe(topic string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Close() error
}

type WaypointRecorder interface {
	RecordWaypoint(ctx context.Context, deliveryID string, in tracking.WaypointInput) (*model.Waypoint, error)
}

// LocationIngestor feeds courier location reports from Kafka into the waypoint ledger.
type LocationIngestor struct {
	logger        *zap.Logger
	kafkaConsumer Consumer
	recorder      WaypointRecorder
	kafkaTopic    string
}

// NewLocationIngestor creates a new location ingestor
func NewLocationIngestor(kafkaBroker, kafkaTopic string, logger *zap.Logger, recorder WaypointRecorder) (*LocationIngestor, error) {
	// Setup Kafka consumer
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"group.id":          "location-ingestor",
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	return newLocationIngestor(consumer, kafkaTopic, logger, recorder), nil
}

func newLocationIngestor(consumer Consumer, kafkaTopic string, logger *zap.Logger, recorder WaypointRecorder) *LocationIngestor {
	return &LocationIngestor{
		logger:        logger,
		kafkaConsumer: consumer,
		recorder:      recorder,
		kafkaTopic:    kafkaTopic,
	}
}

// Start consumes until ctx is cancelled.
func (li *LocationIngestor) Start(ctx context.Context) error {
	li.logger.Info("Starting Location Ingestor...", zap.String("topic", li.kafkaTopic))

	if err := li.kafkaConsumer.Subscribe(li.kafkaTopic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", li.kafkaTopic, err)
	}

	for {
		if ctx.Err() != nil {
			li.logger.Info("Location ingestor stopped")
			return nil
		}

		msg, err := li.kafkaConsumer.ReadMessage(readTimeout)
		if err != nil {
			var kafkaErr kafka.Error
			if errors.As(err, &kafkaErr) && kafkaErr.Code() == kafka.ErrTimedOut {
				continue
			}
			li.logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		if err := li.processMessage(ctx, msg); err != nil {
			li.logger.Error("Error processing message",
				zap.Int32("partition", msg.TopicPartition.Partition),
				zap.String("key", string(msg.Key)),
				zap.Error(err))
		}
	}
}

func (li *LocationIngestor) processMessage(ctx context.Context, msg *kafka.Message) error {
	var report events.LocationReport
	if err := json.Unmarshal(msg.Value, &report); err != nil {
		return fmt.Errorf("failed to unmarshal location report: %w", err)
	}

	deliveryID := report.DeliveryID
	if deliveryID == "" {
		deliveryID = string(msg.Key)
	}

	_, err := li.recorder.RecordWaypoint(ctx, deliveryID, tracking.WaypointInput{
		Latitude:  report.Latitude,
		Longitude: report.Longitude,
		Accuracy:  report.Accuracy,
		Altitude:  report.Altitude,
		Speed:     report.Speed,
		Bearing:   report.Bearing,
	})
	if apperr.Is(err, apperr.KindValidation) {
		// replaying a bad sample will never succeed
		li.logger.Warn("Dropping invalid location report",
			zap.String("delivery_id", deliveryID),
			zap.Error(err))
		return nil
	}
	return err
}

// Close closes the Kafka consumer
func (li *LocationIngestor) Close() error {
	return li.kafkaConsumer.Close()
}
