package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/godrive/internal/models"
)

var (
	ErrScheduleInPast     = errors.New("lesson must be scheduled in the future")
	ErrInstructorNotFound = errors.New("instructor not found")
	ErrRideNotFound       = errors.New("ride not found")
	ErrSlotNotAvailable   = errors.New("slot not available")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrUnauthorized       = errors.New("not allowed to act on this ride")
	ErrTooFarToStart      = errors.New("too far from pickup location to start")
	ErrInvalidPickup      = errors.New("invalid pickup coordinates")
)

// TransitionError is returned when a lesson is not in a status that allows the action.
type TransitionError struct {
	Current models.LessonStatus
	Target  models.LessonStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move lesson from %s to %s", e.Current, e.Target)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// DistanceError carries the measured and allowed distance of a rejected lesson start.
type DistanceError struct {
	DistanceKm float64
	AllowedKm  float64
}

func (e *DistanceError) Error() string {
	return fmt.Sprintf("instructor is %.0fm from pickup, must be within %.0fm", e.DistanceKm*1000, e.AllowedKm*1000)
}

func (e *DistanceError) Is(target error) bool { return target == ErrTooFarToStart }

// SlotError names the instructor slot that could not be booked.
type SlotError struct {
	InstructorID int64
	At           time.Time
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("instructor %d is not available at %s", e.InstructorID, e.At.Format(time.RFC3339))
}

func (e *SlotError) Is(target error) bool { return target == ErrSlotNotAvailable }
