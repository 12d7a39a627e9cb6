package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/godrive/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes instructor location pings and lesson events.
// Both are keyed by entity id so one instructor or lesson stays on one partition.
type KafkaProducer struct {
	writer        messageWriter
	locationTopic string
	lessonTopic   string
	timeout       time.Duration
}

func NewKafkaProducer(brokers []string, locationTopic, lessonTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, locationTopic: locationTopic, lessonTopic: lessonTopic, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.InstructorLocation) error {
	b, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	return k.write(ctx, kafka.Message{Topic: k.locationTopic, Key: []byte(strconv.FormatInt(loc.InstructorID, 10)), Value: b})
}

// Notify publishes a lesson event to the lesson topic.
func (k *KafkaProducer) Notify(ctx context.Context, lessonID int64, ev models.LessonEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode lesson event: %w", err)
	}
	return k.write(ctx, kafka.Message{
		Topic:   k.lessonTopic,
		Key:     []byte(strconv.FormatInt(lessonID, 10)),
		Value:   b,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(ev.Type)}},
	})
}

func (k *KafkaProducer) write(ctx context.Context, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", msg.Topic, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
