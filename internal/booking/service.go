package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/godrive/internal/availability"
	"github.com/example/godrive/internal/geo"
	"github.com/example/godrive/internal/models"
	"github.com/example/godrive/internal/observability"
	"github.com/example/godrive/internal/storage"
)

const (
	defaultGeofenceKm    = 0.15
	defaultNotifyTimeout = 2 * time.Second
)

// Notifier receives lesson events. Delivery is best-effort: the service logs
// and drops any error it returns.
type Notifier interface {
	Notify(ctx context.Context, lessonID int64, event models.LessonEvent) error
}

// Invalidator drops cached availability for an instructor day.
type Invalidator interface {
	Invalidate(ctx context.Context, instructorID int64, date time.Time)
}

type CreateRequest struct {
	StudentID    int64
	InstructorID int64
	ScheduledAt  time.Time
	Pickup       *models.Coord
}

type CancelResult struct {
	Lesson           *models.Lesson
	RefundPercentage float64
	PenaltyApplied   bool
	PreviousStatus   models.LessonStatus
}

// Service drives lessons through pending -> scheduled -> in_progress -> completed,
// with cancellation allowed from pending or scheduled.
type Service struct {
	rides       storage.RideStore
	instructors storage.InstructorStore
	slots       availability.SlotSource
	notifier    Notifier
	invalidator Invalidator
	logger      *slog.Logger
	tracer      trace.Tracer

	now           func() time.Time
	geofenceKm    float64
	notifyTimeout time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithGeofenceRadius(meters float64) Option {
	return func(s *Service) { s.geofenceKm = meters / 1000 }
}

func WithInvalidator(inv Invalidator) Option { return func(s *Service) { s.invalidator = inv } }

func WithNotifyTimeout(d time.Duration) Option { return func(s *Service) { s.notifyTimeout = d } }

func NewService(rides storage.RideStore, instructors storage.InstructorStore, slots availability.SlotSource, notifier Notifier, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		rides:         rides,
		instructors:   instructors,
		slots:         slots,
		notifier:      notifier,
		logger:        logger,
		tracer:        otel.Tracer("github.com/example/godrive/internal/booking"),
		now:           time.Now,
		geofenceKm:    defaultGeofenceKm,
		notifyTimeout: defaultNotifyTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateBooking validates the requested slot and persists a pending lesson
// priced at the instructor's current hourly rate.
func (s *Service) CreateBooking(ctx context.Context, req CreateRequest) (*models.Lesson, error) {
	ctx, span := s.tracer.Start(ctx, "booking.CreateBooking", trace.WithAttributes(
		attribute.Int64("student.id", req.StudentID),
		attribute.Int64("instructor.id", req.InstructorID),
	))
	defer span.End()

	now := s.now().UTC()
	at := req.ScheduledAt.UTC()
	if !at.After(now) {
		observability.BookingsTotal.WithLabelValues("in_past").Inc()
		return nil, ErrScheduleInPast
	}

	instructor, err := s.instructors.GetByID(ctx, req.InstructorID)
	if err != nil {
		return nil, fmt.Errorf("get instructor: %w", err)
	}
	if instructor == nil {
		observability.BookingsTotal.WithLabelValues("instructor_not_found").Inc()
		return nil, ErrInstructorNotFound
	}

	free, err := s.slots.AvailableSlots(ctx, req.InstructorID, at)
	if err != nil {
		return nil, fmt.Errorf("get available slots: %w", err)
	}
	if !availability.IsSlotAvailable(free, at) {
		observability.BookingsTotal.WithLabelValues("slot_unavailable").Inc()
		return nil, &SlotError{InstructorID: req.InstructorID, At: at}
	}

	if p := req.Pickup; p != nil && (p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180) {
		return nil, ErrInvalidPickup
	}

	lesson := &models.Lesson{
		StudentID:    req.StudentID,
		InstructorID: req.InstructorID,
		ScheduledAt:  at,
		Price:        roundCents(instructor.Rate()),
		Status:       models.StatusPending,
		Pickup:       req.Pickup,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.rides.Create(ctx, lesson); err != nil {
		if errors.Is(err, storage.ErrSlotTaken) {
			observability.BookingsTotal.WithLabelValues("slot_unavailable").Inc()
			return nil, &SlotError{InstructorID: req.InstructorID, At: at}
		}
		return nil, fmt.Errorf("create lesson: %w", err)
	}
	s.invalidate(ctx, lesson)

	observability.BookingsTotal.WithLabelValues("created").Inc()
	span.SetAttributes(attribute.Int64("ride.id", lesson.ID))
	s.logger.InfoContext(ctx, "booking created",
		"ride_id", lesson.ID,
		"student_id", lesson.StudentID,
		"instructor_id", lesson.InstructorID,
		"scheduled_at", lesson.ScheduledAt,
		"price", lesson.Price,
	)
	return lesson, nil
}

// ConfirmPayment marks a pending lesson as paid. Confirming a lesson that is
// already scheduled is a no-op so repeated payment webhooks are harmless.
func (s *Service) ConfirmPayment(ctx context.Context, rideID int64) (*models.Lesson, error) {
	ctx, span := s.tracer.Start(ctx, "booking.ConfirmPayment", trace.WithAttributes(attribute.Int64("ride.id", rideID)))
	defer span.End()

	lesson, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if lesson.Status == models.StatusScheduled {
		return lesson, nil
	}
	if !lesson.CanBeConfirmed() {
		return nil, &TransitionError{Current: lesson.Status, Target: models.StatusScheduled}
	}
	if err := s.transition(ctx, lesson, models.StatusScheduled); err != nil {
		// a concurrent webhook for the same payment got there first
		var te *TransitionError
		if errors.As(err, &te) && te.Current == models.StatusScheduled {
			return s.load(ctx, rideID)
		}
		return nil, err
	}
	s.notify(ctx, lesson, models.EventLessonConfirmed, nil)
	return lesson, nil
}

// StartLesson moves a scheduled lesson to in_progress. When the lesson has a
// pickup point the instructor must be within the geofence radius of it.
func (s *Service) StartLesson(ctx context.Context, rideID, instructorID int64, lat, lon float64) (*models.Lesson, error) {
	ctx, span := s.tracer.Start(ctx, "booking.StartLesson", trace.WithAttributes(attribute.Int64("ride.id", rideID)))
	defer span.End()

	lesson, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if lesson.InstructorID != instructorID {
		return nil, ErrUnauthorized
	}
	if !lesson.CanBeStarted() {
		return nil, &TransitionError{Current: lesson.Status, Target: models.StatusInProgress}
	}
	var distanceKm float64
	if p := lesson.Pickup; p != nil {
		distanceKm = geo.DistanceKm(p.Lat, p.Lon, lat, lon)
		if distanceKm > s.geofenceKm {
			observability.GeofenceRejectionsTotal.Inc()
			return nil, &DistanceError{DistanceKm: distanceKm, AllowedKm: s.geofenceKm}
		}
	}
	if err := s.transition(ctx, lesson, models.StatusInProgress); err != nil {
		return nil, err
	}
	s.notify(ctx, lesson, models.EventLessonStarted, map[string]any{"distance_km": distanceKm})
	return lesson, nil
}

// FinishLesson completes a lesson that is in progress.
func (s *Service) FinishLesson(ctx context.Context, rideID, instructorID int64) (*models.Lesson, error) {
	ctx, span := s.tracer.Start(ctx, "booking.FinishLesson", trace.WithAttributes(attribute.Int64("ride.id", rideID)))
	defer span.End()

	lesson, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if lesson.InstructorID != instructorID {
		return nil, ErrUnauthorized
	}
	if !lesson.CanBeFinished() {
		return nil, &TransitionError{Current: lesson.Status, Target: models.StatusCompleted}
	}
	if err := s.transition(ctx, lesson, models.StatusCompleted); err != nil {
		return nil, err
	}
	s.notify(ctx, lesson, models.EventLessonFinished, nil)
	return lesson, nil
}

// CancelBooking cancels a pending or scheduled lesson on behalf of either
// participant and reports the refund the student is owed.
func (s *Service) CancelBooking(ctx context.Context, rideID, userID int64) (*CancelResult, error) {
	ctx, span := s.tracer.Start(ctx, "booking.CancelBooking", trace.WithAttributes(attribute.Int64("ride.id", rideID)))
	defer span.End()

	lesson, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !lesson.IsParticipant(userID) {
		return nil, ErrUnauthorized
	}
	if !lesson.CanBeCancelled() {
		return nil, &TransitionError{Current: lesson.Status, Target: models.StatusCancelled}
	}

	refund, penalty := RefundPolicy(lesson.ScheduledAt.Sub(s.now().UTC()))
	previous := lesson.Status
	if err := s.transition(ctx, lesson, models.StatusCancelled); err != nil {
		return nil, err
	}
	s.invalidate(ctx, lesson)

	policy := "full_refund"
	if penalty {
		policy = "late_penalty"
	}
	observability.CancellationsTotal.WithLabelValues(policy).Inc()
	s.logger.InfoContext(ctx, "booking cancelled",
		"ride_id", lesson.ID,
		"user_id", userID,
		"refund_percentage", refund,
		"penalty_applied", penalty,
	)
	s.notify(ctx, lesson, models.EventLessonCancelled, map[string]any{
		"refund_percentage": refund,
		"penalty_applied":   penalty,
		"cancelled_by":      userID,
	})
	return &CancelResult{Lesson: lesson, RefundPercentage: refund, PenaltyApplied: penalty, PreviousStatus: previous}, nil
}

// Lesson returns a lesson to one of its participants.
func (s *Service) Lesson(ctx context.Context, rideID, userID int64) (*models.Lesson, error) {
	lesson, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !lesson.IsParticipant(userID) {
		return nil, ErrUnauthorized
	}
	return lesson, nil
}

// LessonsForUser lists the lessons where userID is student or instructor,
// ordered by start time.
func (s *Service) LessonsForUser(ctx context.Context, userID int64) ([]models.Lesson, error) {
	asStudent, err := s.rides.GetByStudent(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list student lessons: %w", err)
	}
	asInstructor, err := s.rides.GetByInstructor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list instructor lessons: %w", err)
	}
	seen := make(map[int64]struct{}, len(asStudent))
	out := make([]models.Lesson, 0, len(asStudent)+len(asInstructor))
	for _, group := range [][]models.Lesson{asStudent, asInstructor} {
		for _, l := range group {
			if _, dup := seen[l.ID]; dup {
				continue
			}
			seen[l.ID] = struct{}{}
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out, nil
}

func (s *Service) load(ctx context.Context, rideID int64) (*models.Lesson, error) {
	lesson, err := s.rides.GetByID(ctx, rideID)
	if err != nil {
		return nil, fmt.Errorf("get lesson: %w", err)
	}
	if lesson == nil {
		return nil, ErrRideNotFound
	}
	return lesson, nil
}

// transition persists lesson.Status = to only if the stored lesson is still
// in the status that was read. A lost race surfaces as a *TransitionError
// carrying the status the winner left behind.
func (s *Service) transition(ctx context.Context, lesson *models.Lesson, to models.LessonStatus) error {
	from := lesson.Status
	lesson.Status = to
	lesson.UpdatedAt = s.now().UTC()
	if err := s.rides.UpdateStatus(ctx, lesson, from); err != nil {
		lesson.Status = from
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return ErrRideNotFound
		case errors.Is(err, storage.ErrStatusConflict):
			current := from
			if fresh, gerr := s.rides.GetByID(ctx, lesson.ID); gerr == nil && fresh != nil {
				current = fresh.Status
			}
			s.logger.WarnContext(ctx, "lesson changed concurrently",
				"ride_id", lesson.ID,
				"read_status", string(from),
				"current_status", string(current),
				"target_status", string(to),
			)
			return &TransitionError{Current: current, Target: to}
		}
		return fmt.Errorf("update lesson: %w", err)
	}
	observability.LessonTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.logger.InfoContext(ctx, "lesson transitioned",
		"ride_id", lesson.ID,
		"from", string(from),
		"to", string(to),
	)
	return nil
}

func roundCents(v float64) float64 { return math.Round(v*100) / 100 }

func (s *Service) notify(ctx context.Context, lesson *models.Lesson, t models.EventType, data map[string]any) {
	if s.notifier == nil {
		return
	}
	ev := models.NewLessonEvent(t, lesson, s.now().UTC())
	ev.Data = data
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(nctx, lesson.ID, ev); err != nil {
		observability.NotifyFailuresTotal.WithLabelValues(string(t)).Inc()
		s.logger.WarnContext(ctx, "lesson notification failed",
			"ride_id", lesson.ID,
			"event", string(t),
			"error", err,
		)
	}
}

func (s *Service) invalidate(ctx context.Context, lesson *models.Lesson) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, lesson.InstructorID, lesson.ScheduledAt)
	}
}
