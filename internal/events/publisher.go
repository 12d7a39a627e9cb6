package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/example/godrive/internal/models"
)

type publisher interface {
	Publish(subj string, data []byte) error
}

// NatsPublisher publishes lesson events on subjects named after the event
// type, e.g. "lesson.started", for background workers to pick up.
type NatsPublisher struct {
	conn  publisher
	close func()
}

func NewNatsPublisher(natsURL string) (*NatsPublisher, error) {
	nc, err := nats.Connect(natsURL, nats.Name("godrive-api"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NatsPublisher{conn: nc, close: nc.Close}, nil
}

func (p *NatsPublisher) Notify(_ context.Context, lessonID int64, ev models.LessonEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode lesson event: %w", err)
	}
	subject := string(ev.Type)
	if err := p.conn.Publish(subject, b); err != nil {
		return fmt.Errorf("publish %s for ride %d: %w", subject, lessonID, err)
	}
	return nil
}

func (p *NatsPublisher) Close() {
	if p.close != nil {
		p.close()
	}
}
