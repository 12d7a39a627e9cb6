package availability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/godrive/internal/models"
	"github.com/example/godrive/internal/observability"
	"github.com/example/godrive/internal/storage"
)

// SlotLength is the duration of a bookable lesson slot.
const SlotLength = time.Hour

// SlotSource answers which start times an instructor still has free on a date.
type SlotSource interface {
	AvailableSlots(ctx context.Context, instructorID int64, date time.Time) ([]models.TimeOfDay, error)
}

// DayLessons is the subset of storage.RideStore the engine reads.
type DayLessons interface {
	GetByInstructorAndDate(ctx context.Context, instructorID int64, date time.Time) ([]models.Lesson, error)
}

type Engine struct {
	rules   storage.AvailabilityStore
	lessons DayLessons
	logger  *slog.Logger
}

func NewEngine(rules storage.AvailabilityStore, lessons DayLessons, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{rules: rules, lessons: lessons, logger: logger}
}

// AvailableSlots returns the free 1-hour slot starts for instructorID on the
// calendar day of date, ascending and without duplicates. Every rule for the
// weekday contributes candidates; a slot is busy when a non-cancelled lesson
// starts at the same minute.
func (e *Engine) AvailableSlots(ctx context.Context, instructorID int64, date time.Time) ([]models.TimeOfDay, error) {
	start := time.Now()
	defer func() { observability.SlotQueryLatency.Observe(time.Since(start).Seconds()) }()

	all, err := e.rules.GetByInstructor(ctx, instructorID)
	if err != nil {
		return nil, fmt.Errorf("load availability rules: %w", err)
	}
	weekday := models.Weekday(date)
	rules := make([]models.AvailabilityRule, 0, len(all))
	for _, r := range all {
		if r.DayOfWeek == weekday {
			rules = append(rules, r)
		}
	}
	if len(rules) == 0 {
		return []models.TimeOfDay{}, nil
	}
	if pairs := DetectOverlaps(rules); len(pairs) > 0 {
		observability.RuleOverlapsTotal.Add(float64(len(pairs)))
		for _, p := range pairs {
			e.logger.Warn("overlapping availability rules",
				"instructor_id", instructorID,
				"day_of_week", weekday,
				"rule_a", p[0].ID,
				"rule_b", p[1].ID,
			)
		}
	}

	lessons, err := e.lessons.GetByInstructorAndDate(ctx, instructorID, date)
	if err != nil {
		return nil, fmt.Errorf("load lessons for day: %w", err)
	}
	busy := make(map[models.TimeOfDay]struct{}, len(lessons))
	for _, l := range lessons {
		if l.Status == models.StatusCancelled {
			continue
		}
		busy[models.TimeOfDayOf(l.ScheduledAt.UTC())] = struct{}{}
	}

	seen := make(map[models.TimeOfDay]struct{})
	out := make([]models.TimeOfDay, 0)
	for _, r := range rules {
		for _, slot := range CandidateSlots(r) {
			if _, ok := busy[slot]; ok {
				continue
			}
			if _, dup := seen[slot]; dup {
				continue
			}
			seen[slot] = struct{}{}
			out = append(out, slot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// CandidateSlots steps from the rule start in SlotLength increments while the
// whole slot still ends at or before the rule end.
func CandidateSlots(r models.AvailabilityRule) []models.TimeOfDay {
	var out []models.TimeOfDay
	for t := r.Start; t.Add(SlotLength) <= r.End; t = t.Add(SlotLength) {
		out = append(out, t)
	}
	return out
}

// DetectOverlaps returns every pair of rules that share a minute.
func DetectOverlaps(rules []models.AvailabilityRule) [][2]models.AvailabilityRule {
	var out [][2]models.AvailabilityRule
	for i := 0; i < len(rules); i++ {
		for j := i + 1; j < len(rules); j++ {
			if rules[i].Overlaps(rules[j]) {
				out = append(out, [2]models.AvailabilityRule{rules[i], rules[j]})
			}
		}
	}
	return out
}

// IsSlotAvailable reports whether at is exactly one of the free slots.
// Timestamps with seconds never match.
func IsSlotAvailable(slots []models.TimeOfDay, at time.Time) bool {
	if at.Second() != 0 || at.Nanosecond() != 0 {
		return false
	}
	want := models.TimeOfDayOf(at)
	i := sort.Search(len(slots), func(i int) bool { return slots[i] >= want })
	return i < len(slots) && slots[i] == want
}
