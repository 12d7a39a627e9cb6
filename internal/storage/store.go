package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/godrive/internal/models"
)

var (
	// ErrSlotTaken is returned by RideStore.Create when a non-cancelled lesson
	// already holds the (instructor, scheduled_at) pair.
	ErrSlotTaken = errors.New("storage: instructor slot already taken")
	ErrNotFound  = errors.New("storage: not found")
	// ErrStatusConflict is returned by conditional lesson writes when the
	// stored status no longer matches the one the caller read.
	ErrStatusConflict = errors.New("storage: lesson status changed")
)

// RideStore defines persistence operations for lessons. Lookups return
// (nil, nil) when nothing matches.
type RideStore interface {
	Create(ctx context.Context, l *models.Lesson) error
	GetByID(ctx context.Context, id int64) (*models.Lesson, error)
	GetByStudent(ctx context.Context, studentID int64) ([]models.Lesson, error)
	GetByInstructor(ctx context.Context, instructorID int64) ([]models.Lesson, error)
	// GetByInstructorAndDate returns every lesson, cancelled included, whose
	// scheduled_at falls on the UTC calendar day of date.
	GetByInstructorAndDate(ctx context.Context, instructorID int64, date time.Time) ([]models.Lesson, error)
	// UpdateStatus stores l.Status and l.UpdatedAt only while the stored
	// status still equals from.
	UpdateStatus(ctx context.Context, l *models.Lesson, from models.LessonStatus) error
	// SetPaymentIntent records the gateway intent of a lesson that is still pending.
	SetPaymentIntent(ctx context.Context, id int64, intentID string, at time.Time) error
}

type InstructorStore interface {
	GetByID(ctx context.Context, id int64) (*models.Instructor, error)
}

type AvailabilityStore interface {
	GetByInstructor(ctx context.Context, instructorID int64) ([]models.AvailabilityRule, error)
	Create(ctx context.Context, r *models.AvailabilityRule) error
}

// DayBounds returns [start, end) of the UTC calendar day containing date.
func DayBounds(date time.Time) (time.Time, time.Time) {
	y, m, d := date.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
