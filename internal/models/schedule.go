package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock time stored as minutes since midnight.
type TimeOfDay int

const minutesPerDay = 24 * 60

func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// TimeOfDayOf truncates t to the minute and returns its time of day.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return NewTimeOfDay(t.Hour(), t.Minute())
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return TimeOfDayOf(t), nil
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) Valid() bool { return t >= 0 && t < minutesPerDay }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// Add shifts t by d. The result may exceed 24:00; callers compare it
// against a rule end, they never render it.
func (t TimeOfDay) Add(d time.Duration) TimeOfDay {
	return t + TimeOfDay(d/time.Minute)
}

// On places t on the calendar date of day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, day.Location())
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Weekday returns the day of week of t with Monday = 0 and Sunday = 6.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// AvailabilityRule is a weekly recurring window in which an instructor teaches.
type AvailabilityRule struct {
	ID           int64     `json:"id" db:"id"`
	InstructorID int64     `json:"instructor_id" db:"instructor_id"`
	DayOfWeek    int       `json:"day_of_week" db:"day_of_week"`
	Start        TimeOfDay `json:"start_time" db:"start_minute"`
	End          TimeOfDay `json:"end_time" db:"end_minute"`
}

func (r AvailabilityRule) Valid() error {
	if r.DayOfWeek < 0 || r.DayOfWeek > 6 {
		return fmt.Errorf("day_of_week %d out of range 0..6", r.DayOfWeek)
	}
	if !r.Start.Valid() || !r.End.Valid() {
		return fmt.Errorf("times must be within the day")
	}
	if r.Start >= r.End {
		return fmt.Errorf("start %s must be before end %s", r.Start, r.End)
	}
	return nil
}

// Overlaps reports whether both rules cover some common minute of the same weekday.
func (r AvailabilityRule) Overlaps(o AvailabilityRule) bool {
	if r.DayOfWeek != o.DayOfWeek {
		return false
	}
	return r.Start < o.End && o.Start < r.End
}
