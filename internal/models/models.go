package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type LessonStatus string

const (
	// StatusPending is a booked lesson that has not been paid yet.
	StatusPending    LessonStatus = "pending"
	StatusScheduled  LessonStatus = "scheduled"
	StatusInProgress LessonStatus = "in_progress"
	StatusCompleted  LessonStatus = "completed"
	StatusCancelled  LessonStatus = "cancelled"
)

func (s LessonStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s LessonStatus) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Lesson is a booked driving lesson ("ride") between a student and an instructor.
type Lesson struct {
	ID              int64        `json:"id"`
	StudentID       int64        `json:"student_id"`
	InstructorID    int64        `json:"instructor_id"`
	ScheduledAt     time.Time    `json:"scheduled_at"`
	Price           float64      `json:"price"`
	Status          LessonStatus `json:"status"`
	Pickup          *Coord       `json:"pickup,omitempty"`
	PaymentIntentID string       `json:"payment_intent_id,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func (l *Lesson) CanBeConfirmed() bool { return l.Status == StatusPending }

func (l *Lesson) CanBeStarted() bool { return l.Status == StatusScheduled }

func (l *Lesson) CanBeFinished() bool { return l.Status == StatusInProgress }

func (l *Lesson) CanBeCancelled() bool {
	return l.Status == StatusPending || l.Status == StatusScheduled
}

// IsParticipant reports whether userID is the student or the instructor of the lesson.
func (l *Lesson) IsParticipant(userID int64) bool {
	return l.StudentID == userID || l.InstructorID == userID
}

type InstructorStatus string

const (
	InstructorPending   InstructorStatus = "pending"
	InstructorApproved  InstructorStatus = "approved"
	InstructorSuspended InstructorStatus = "suspended"
)

type Instructor struct {
	ID              int64            `json:"id"`
	FullName        string           `json:"full_name"`
	HourlyRate      *float64         `json:"hourly_rate,omitempty"`
	Status          InstructorStatus `json:"status"`
	Location        *Coord           `json:"location,omitempty"`
	StripeAccountID string           `json:"-"`
}

func (i *Instructor) IsApproved() bool { return i.Status == InstructorApproved }

// Rate is the hourly rate, or 0 when the instructor never set one.
func (i *Instructor) Rate() float64 {
	if i.HourlyRate == nil {
		return 0
	}
	return *i.HourlyRate
}

// InstructorLocation is a position ping from the instructor app.
type InstructorLocation struct {
	InstructorID int64     `json:"instructor_id"`
	Loc          Coord     `json:"loc"`
	Online       bool      `json:"online"`
	Updated      time.Time `json:"updated"`
}
