package fanout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaNotifier publishes notifications to a topic consumed by the external
// push-dispatch service. Keys are user ids so one user's notifications land in
// one partition, in order.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier constructs a notifier writing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaNotifier{writer: w}
}

type kafkaBody struct {
	UserID string `json:"user_id"`
	Notification
}

// Notify publishes the notification.
func (n *KafkaNotifier) Notify(ctx context.Context, userID string, p Notification) error {
	body, err := json.Marshal(kafkaBody{UserID: userID, Notification: p})
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(userID),
		Value: body,
		Time:  time.Now().UTC(),
	})
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error { return n.writer.Close() }
