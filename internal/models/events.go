package models

import "time"

type EventType string

const (
	EventLessonBooked    EventType = "lesson.booked"
	EventLessonConfirmed EventType = "lesson.confirmed"
	EventLessonStarted   EventType = "lesson.started"
	EventLessonFinished  EventType = "lesson.finished"
	EventLessonCancelled EventType = "lesson.cancelled"
	EventLocationUpdate  EventType = "location.update"
)

// LessonEvent is the payload pushed to a lesson room and to the event buses.
type LessonEvent struct {
	Type         EventType      `json:"event_type"`
	LessonID     int64          `json:"ride_id"`
	StudentID    int64          `json:"student_id,omitempty"`
	InstructorID int64          `json:"instructor_id,omitempty"`
	Status       LessonStatus   `json:"status,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Data         map[string]any `json:"data,omitempty"`
}

func NewLessonEvent(t EventType, l *Lesson, at time.Time) LessonEvent {
	return LessonEvent{
		Type:         t,
		LessonID:     l.ID,
		StudentID:    l.StudentID,
		InstructorID: l.InstructorID,
		Status:       l.Status,
		OccurredAt:   at,
	}
}
