// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

package backend

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cabwise-tech/fleetcore/core"
	"github.com/cabwise-tech/fleetcore/core/logger"
)

// KafkaNotifier publishes entity change notifications to a Kafka topic.
// Messages are keyed "<resource>.<operation>" so that changes to one entity
// stay ordered within a partition. Publishing is fire-and-forget: a broker
// failure is logged and never fails the originating request.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier returns a notifier writing to topic on brokers
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			Logger:       kafka.LoggerFunc(logger.Default().Debugf),
			ErrorLogger:  kafka.LoggerFunc(logger.Default().Errorf),
		},
	}
}

// Notify implements core.Notifier
func (n *KafkaNotifier) Notify(resource string, operation core.Operation, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(resource + "." + string(operation)),
		Value: payload,
	})
	if err != nil {
		logger.Default().WithError(err).Errorf("cannot publish %s notification for %s", operation, resource)
	}
}

// Close flushes and shuts down the underlying writer
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
