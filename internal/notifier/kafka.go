package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/amirphl/simple-broker/internal/order"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes orders as JSON records keyed by submission id.
type KafkaNotifier struct {
	writer messageWriter
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (k *KafkaNotifier) Notify(ctx context.Context, o order.Order) error {
	value, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode order %d: %w", o.SubmissionID, err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(o.SubmissionID, 10)),
		Value: value,
		Time:  o.UpdatedAt,
	})
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
