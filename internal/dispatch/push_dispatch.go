package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/godrive/internal/models"
)

type Notifier interface {
	Notify(ctx context.Context, lessonID int64, ev models.LessonEvent) error
}

// Fanout delivers each event to every sink, in order, and joins their errors.
// One failing sink does not stop the others.
type Fanout struct {
	sinks []namedSink
}

type namedSink struct {
	name string
	n    Notifier
}

func NewFanout() *Fanout { return &Fanout{} }

// Add registers a sink under name; the name prefixes its errors.
func (f *Fanout) Add(name string, n Notifier) *Fanout {
	f.sinks = append(f.sinks, namedSink{name: name, n: n})
	return f
}

func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Notify(ctx context.Context, lessonID int64, ev models.LessonEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.n.Notify(ctx, lessonID, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
