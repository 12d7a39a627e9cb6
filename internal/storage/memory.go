package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/godrive/internal/models"
)

type slotKey struct {
	instructorID int64
	at           int64
}

func keyOf(l *models.Lesson) slotKey {
	return slotKey{instructorID: l.InstructorID, at: l.ScheduledAt.UTC().Unix()}
}

// MemoryStore keeps lessons, instructors and availability rules in process.
// Every read returns copies so callers cannot mutate stored state.
type MemoryStore struct {
	mu          sync.RWMutex
	nextID      int64
	rides       map[int64]*models.Lesson
	slots       map[slotKey]int64
	instructors map[int64]models.Instructor
	rules       map[int64][]models.AvailabilityRule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:       make(map[int64]*models.Lesson),
		slots:       make(map[slotKey]int64),
		instructors: make(map[int64]models.Instructor),
		rules:       make(map[int64][]models.AvailabilityRule),
	}
}

// Rides exposes the MemoryStore as a RideStore.
func (m *MemoryStore) Rides() RideStore { return (*memoryRides)(m) }

// Instructors exposes the MemoryStore as an InstructorStore.
func (m *MemoryStore) Instructors() InstructorStore { return (*memoryInstructors)(m) }

// Availability exposes the MemoryStore as an AvailabilityStore.
func (m *MemoryStore) Availability() AvailabilityStore { return (*memoryAvailability)(m) }

// PutInstructor inserts or replaces an instructor profile.
func (m *MemoryStore) PutInstructor(i models.Instructor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instructors[i.ID] = i
}

type memoryRides MemoryStore

func (s *memoryRides) Create(_ context.Context, l *models.Lesson) error {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.Status != models.StatusCancelled {
		if _, taken := m.slots[keyOf(l)]; taken {
			return ErrSlotTaken
		}
	}
	m.nextID++
	l.ID = m.nextID
	cp := *l
	m.rides[cp.ID] = &cp
	if cp.Status != models.StatusCancelled {
		m.slots[keyOf(&cp)] = cp.ID
	}
	return nil
}

func (s *memoryRides) GetByID(_ context.Context, id int64) (*models.Lesson, error) {
	m := (*MemoryStore)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *memoryRides) GetByStudent(_ context.Context, studentID int64) ([]models.Lesson, error) {
	return (*MemoryStore)(s).filter(func(l *models.Lesson) bool { return l.StudentID == studentID }), nil
}

func (s *memoryRides) GetByInstructor(_ context.Context, instructorID int64) ([]models.Lesson, error) {
	return (*MemoryStore)(s).filter(func(l *models.Lesson) bool { return l.InstructorID == instructorID }), nil
}

func (s *memoryRides) GetByInstructorAndDate(_ context.Context, instructorID int64, date time.Time) ([]models.Lesson, error) {
	from, to := DayBounds(date)
	return (*MemoryStore)(s).filter(func(l *models.Lesson) bool {
		at := l.ScheduledAt.UTC()
		return l.InstructorID == instructorID && !at.Before(from) && at.Before(to)
	}), nil
}

func (s *memoryRides) UpdateStatus(_ context.Context, l *models.Lesson, from models.LessonStatus) error {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.rides[l.ID]
	if !ok {
		return ErrNotFound
	}
	if old.Status != from {
		return ErrStatusConflict
	}
	if l.Status == models.StatusCancelled && m.slots[keyOf(old)] == old.ID {
		delete(m.slots, keyOf(old))
	}
	old.Status = l.Status
	old.UpdatedAt = l.UpdatedAt
	return nil
}

func (s *memoryRides) SetPaymentIntent(_ context.Context, id int64, intentID string, at time.Time) error {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	if old.Status != models.StatusPending {
		return ErrStatusConflict
	}
	old.PaymentIntentID = intentID
	old.UpdatedAt = at
	return nil
}

func (m *MemoryStore) filter(keep func(*models.Lesson) bool) []models.Lesson {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Lesson, 0)
	for _, r := range m.rides {
		if keep(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out
}

type memoryInstructors MemoryStore

func (s *memoryInstructors) GetByID(_ context.Context, id int64) (*models.Instructor, error) {
	m := (*MemoryStore)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.instructors[id]
	if !ok {
		return nil, nil
	}
	return &i, nil
}

type memoryAvailability MemoryStore

func (s *memoryAvailability) GetByInstructor(_ context.Context, instructorID int64) ([]models.AvailabilityRule, error) {
	m := (*MemoryStore)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	rules := m.rules[instructorID]
	out := make([]models.AvailabilityRule, len(rules))
	copy(out, rules)
	return out, nil
}

func (s *memoryAvailability) Create(_ context.Context, r *models.AvailabilityRule) error {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	m.rules[r.InstructorID] = append(m.rules[r.InstructorID], *r)
	return nil
}
