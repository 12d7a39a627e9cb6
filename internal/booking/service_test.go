package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/godrive/internal/availability"
	"github.com/example/godrive/internal/geo"
	"github.com/example/godrive/internal/models"
	"github.com/example/godrive/internal/storage"
)

const (
	studentID    = int64(100)
	instructorID = int64(7)
	strangerID   = int64(555)
)

// 2030-01-07 is a Monday.
var monday = time.Date(2030, 1, 7, 0, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.LessonEvent
	err    error
}

func (r *recordingNotifier) Notify(ctx context.Context, lessonID int64, ev models.LessonEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingNotifier) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	clock    *clock
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ms := storage.NewMemoryStore()
	rate := 120.0
	ms.PutInstructor(models.Instructor{ID: instructorID, FullName: "Carla Dias", HourlyRate: &rate, Status: models.InstructorApproved})
	ms.PutInstructor(models.Instructor{ID: 8, FullName: "No Rate", Status: models.InstructorApproved})
	for _, id := range []int64{instructorID, 8} {
		require.NoError(t, ms.Availability().Create(context.Background(), &models.AvailabilityRule{
			InstructorID: id, DayOfWeek: 0, Start: models.NewTimeOfDay(8, 0), End: models.NewTimeOfDay(12, 0),
		}))
	}
	c := &clock{t: monday.Add(-12 * time.Hour)} // Sunday 12:00
	n := &recordingNotifier{}
	engine := availability.NewEngine(ms.Availability(), ms.Rides(), nil)
	opts = append([]Option{WithClock(c.now)}, opts...)
	return &fixture{
		svc:      NewService(ms.Rides(), ms.Instructors(), engine, n, nil, opts...),
		store:    ms,
		clock:    c,
		notifier: n,
	}
}

func (f *fixture) book(t *testing.T, hour int, pickup *models.Coord) *models.Lesson {
	t.Helper()
	l, err := f.svc.CreateBooking(context.Background(), CreateRequest{
		StudentID: studentID, InstructorID: instructorID, ScheduledAt: monday.Add(time.Duration(hour) * time.Hour), Pickup: pickup,
	})
	require.NoError(t, err)
	return l
}

func (f *fixture) scheduled(t *testing.T, hour int, pickup *models.Coord) *models.Lesson {
	t.Helper()
	l := f.book(t, hour, pickup)
	l, err := f.svc.ConfirmPayment(context.Background(), l.ID)
	require.NoError(t, err)
	return l
}

func TestCreateBookingPersistsPendingLesson(t *testing.T) {
	f := newFixture(t)
	pickup := &models.Coord{Lat: -23.55, Lon: -46.63}
	l := f.book(t, 9, pickup)

	require.Equal(t, models.StatusPending, l.Status)
	require.Equal(t, 120.0, l.Price)

	got, err := f.store.Rides().GetByID(context.Background(), l.ID)
	require.NoError(t, err)
	require.Equal(t, studentID, got.StudentID)
	require.Equal(t, instructorID, got.InstructorID)
	require.True(t, got.ScheduledAt.Equal(monday.Add(9*time.Hour)))
	require.Equal(t, 120.0, got.Price)
	require.Equal(t, *pickup, *got.Pickup)
	require.Equal(t, models.StatusPending, got.Status)
	require.Empty(t, f.notifier.types())
}

func TestCreateBookingWithoutRateIsFree(t *testing.T) {
	f := newFixture(t)
	l, err := f.svc.CreateBooking(context.Background(), CreateRequest{StudentID: studentID, InstructorID: 8, ScheduledAt: monday.Add(8 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, 0.0, l.Price)
}

func TestCreateBookingRoundsPriceToCents(t *testing.T) {
	f := newFixture(t)
	rate := 33.333
	f.store.PutInstructor(models.Instructor{ID: 9, FullName: "Odd Rate", HourlyRate: &rate, Status: models.InstructorApproved})
	require.NoError(t, f.store.Availability().Create(context.Background(), &models.AvailabilityRule{
		InstructorID: 9, DayOfWeek: 0, Start: models.NewTimeOfDay(8, 0), End: models.NewTimeOfDay(9, 0),
	}))

	l, err := f.svc.CreateBooking(context.Background(), CreateRequest{StudentID: studentID, InstructorID: 9, ScheduledAt: monday.Add(8 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, 33.33, l.Price)
}

func TestCreateBookingPastCheckComesFirst(t *testing.T) {
	f := newFixture(t)
	// past, unknown instructor and off-slot all at once
	_, err := f.svc.CreateBooking(context.Background(), CreateRequest{
		StudentID: studentID, InstructorID: 999, ScheduledAt: monday.Add(-48*time.Hour + 17*time.Minute),
	})
	require.ErrorIs(t, err, ErrScheduleInPast)
}

func TestCreateBookingRejectsNow(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateBooking(context.Background(), CreateRequest{StudentID: studentID, InstructorID: instructorID, ScheduledAt: f.clock.t})
	require.ErrorIs(t, err, ErrScheduleInPast)
}

func TestCreateBookingUnknownInstructor(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateBooking(context.Background(), CreateRequest{
		StudentID: studentID, InstructorID: 999, ScheduledAt: monday.Add(13*time.Hour + 17*time.Minute),
	})
	require.ErrorIs(t, err, ErrInstructorNotFound)
}

func TestCreateBookingSlotChecks(t *testing.T) {
	f := newFixture(t)
	f.book(t, 9, nil)

	cases := map[string]time.Time{
		"taken":         monday.Add(9 * time.Hour),
		"outside rule":  monday.Add(13 * time.Hour),
		"off the hour":  monday.Add(9*time.Hour + 30*time.Minute),
		"other weekday": monday.AddDate(0, 0, 1).Add(9 * time.Hour),
	}
	for name, at := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateBooking(context.Background(), CreateRequest{StudentID: 101, InstructorID: instructorID, ScheduledAt: at})
			require.ErrorIs(t, err, ErrSlotNotAvailable)
			var se *SlotError
			require.True(t, errors.As(err, &se))
			require.Equal(t, instructorID, se.InstructorID)
		})
	}
}

func TestCreateBookingAfterCancellationReusesSlot(t *testing.T) {
	f := newFixture(t)
	l := f.book(t, 10, nil)
	_, err := f.svc.CancelBooking(context.Background(), l.ID, studentID)
	require.NoError(t, err)
	f.book(t, 10, nil)
}

func TestConcurrentBookingsOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(student int64) {
			defer wg.Done()
			_, err := f.svc.CreateBooking(context.Background(), CreateRequest{StudentID: student, InstructorID: instructorID, ScheduledAt: monday.Add(11 * time.Hour)})
			errs <- err
		}(int64(200 + i))
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, ErrSlotNotAvailable)
	}
	require.Equal(t, 1, ok)
}

func TestCreateBookingInvalidatesSlotCache(t *testing.T) {
	inv := &recordingInvalidator{}
	f := newFixture(t, WithInvalidator(inv))
	f.book(t, 9, nil)
	require.Equal(t, []int64{instructorID}, inv.instructors)
}

type recordingInvalidator struct{ instructors []int64 }

func (r *recordingInvalidator) Invalidate(ctx context.Context, instructorID int64, date time.Time) {
	r.instructors = append(r.instructors, instructorID)
}

func TestConfirmPayment(t *testing.T) {
	f := newFixture(t)
	l := f.book(t, 9, nil)

	got, err := f.svc.ConfirmPayment(context.Background(), l.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusScheduled, got.Status)

	// webhook redelivery
	again, err := f.svc.ConfirmPayment(context.Background(), l.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusScheduled, again.Status)
	require.Equal(t, []models.EventType{models.EventLessonConfirmed}, f.notifier.types())

	_, err = f.svc.ConfirmPayment(context.Background(), 999)
	require.ErrorIs(t, err, ErrRideNotFound)
}

func TestConfirmPaymentOfCancelledLesson(t *testing.T) {
	f := newFixture(t)
	l := f.book(t, 9, nil)
	_, err := f.svc.CancelBooking(context.Background(), l.ID, studentID)
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(context.Background(), l.ID)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, models.StatusCancelled, te.Current)
	require.Equal(t, models.StatusScheduled, te.Target)
}

func TestStartLessonChecks(t *testing.T) {
	f := newFixture(t)
	pending := f.book(t, 8, nil)
	scheduled := f.scheduled(t, 9, nil)

	_, err := f.svc.StartLesson(context.Background(), 999, instructorID, 0, 0)
	require.ErrorIs(t, err, ErrRideNotFound)

	_, err = f.svc.StartLesson(context.Background(), scheduled.ID, strangerID, 0, 0)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.StartLesson(context.Background(), pending.ID, instructorID, 0, 0)
	require.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, models.StatusPending, te.Current)
	require.Equal(t, models.StatusInProgress, te.Target)
}

func TestStartLessonWithoutPickupIgnoresLocation(t *testing.T) {
	f := newFixture(t)
	l := f.scheduled(t, 9, nil)

	got, err := f.svc.StartLesson(context.Background(), l.ID, instructorID, 51.5, -0.12)
	require.NoError(t, err)
	require.Equal(t, models.StatusInProgress, got.Status)
	require.Equal(t, []models.EventType{models.EventLessonConfirmed, models.EventLessonStarted}, f.notifier.types())
}

func TestStartLessonGeofence(t *testing.T) {
	f := newFixture(t)
	pickup := &models.Coord{Lat: -23.55, Lon: -46.63}
	l := f.scheduled(t, 9, pickup)

	// ~150.1 m north of the pickup
	_, err := f.svc.StartLesson(context.Background(), l.ID, instructorID, pickup.Lat+0.00135, pickup.Lon)
	require.ErrorIs(t, err, ErrTooFarToStart)
	var de *DistanceError
	require.True(t, errors.As(err, &de))
	require.Greater(t, de.DistanceKm, 0.15)
	require.Equal(t, 0.15, de.AllowedKm)

	stored, err := f.store.Rides().GetByID(context.Background(), l.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusScheduled, stored.Status)

	// ~100 m away
	got, err := f.svc.StartLesson(context.Background(), l.ID, instructorID, pickup.Lat+0.0009, pickup.Lon)
	require.NoError(t, err)
	require.Equal(t, models.StatusInProgress, got.Status)
}

func TestStartLessonAtExactRadiusIsAllowed(t *testing.T) {
	f := newFixture(t)
	pickup := &models.Coord{Lat: -23.55, Lon: -46.63}
	l := f.scheduled(t, 9, pickup)

	lat, lon := pickup.Lat+0.00135, pickup.Lon
	f.svc.geofenceKm = geo.DistanceKm(pickup.Lat, pickup.Lon, lat, lon)

	got, err := f.svc.StartLesson(context.Background(), l.ID, instructorID, lat, lon)
	require.NoError(t, err)
	require.Equal(t, models.StatusInProgress, got.Status)
}

func TestStartLessonCustomRadius(t *testing.T) {
	f := newFixture(t, WithGeofenceRadius(500))
	pickup := &models.Coord{Lat: -23.55, Lon: -46.63}
	l := f.scheduled(t, 9, pickup)

	// ~300 m away
	_, err := f.svc.StartLesson(context.Background(), l.ID, instructorID, pickup.Lat+0.0027, pickup.Lon)
	require.NoError(t, err)
}

func TestNotificationFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t)
	l := f.scheduled(t, 9, nil)
	f.notifier.err = errors.New("room closed")

	got, err := f.svc.StartLesson(context.Background(), l.ID, instructorID, 0, 0)
	require.NoError(t, err)
	require.Equal(t, models.StatusInProgress, got.Status)
}

func TestFinishLesson(t *testing.T) {
	f := newFixture(t)
	l := f.scheduled(t, 9, nil)

	_, err := f.svc.FinishLesson(context.Background(), l.ID, instructorID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.StartLesson(context.Background(), l.ID, instructorID, 0, 0)
	require.NoError(t, err)

	_, err = f.svc.FinishLesson(context.Background(), l.ID, studentID)
	require.ErrorIs(t, err, ErrUnauthorized)

	got, err := f.svc.FinishLesson(context.Background(), l.ID, instructorID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Contains(t, f.notifier.types(), models.EventLessonFinished)
}

func TestCancelLateAppliesPenalty(t *testing.T) {
	f := newFixture(t)
	l := f.scheduled(t, 9, nil)
	f.clock.t = monday.Add(7 * time.Hour) // two hours before

	res, err := f.svc.CancelBooking(context.Background(), l.ID, studentID)
	require.NoError(t, err)
	require.Equal(t, 0.5, res.RefundPercentage)
	require.True(t, res.PenaltyApplied)
	require.Equal(t, models.StatusCancelled, res.Lesson.Status)
	require.Equal(t, models.StatusScheduled, res.PreviousStatus)
}

func TestCancelExactlyTwentyFourHoursIsFullRefund(t *testing.T) {
	f := newFixture(t)
	l := f.book(t, 10, nil)
	f.clock.t = monday.Add(-14 * time.Hour) // Sunday 10:00

	res, err := f.svc.CancelBooking(context.Background(), l.ID, instructorID)
	require.NoError(t, err)
	require.Equal(t, 1.0, res.RefundPercentage)
	require.False(t, res.PenaltyApplied)
}

func TestCancelChecks(t *testing.T) {
	f := newFixture(t)
	l := f.scheduled(t, 9, nil)

	_, err := f.svc.CancelBooking(context.Background(), 999, studentID)
	require.ErrorIs(t, err, ErrRideNotFound)

	_, err = f.svc.CancelBooking(context.Background(), l.ID, strangerID)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.StartLesson(context.Background(), l.ID, instructorID, 0, 0)
	require.NoError(t, err)
	_, err = f.svc.CancelBooking(context.Background(), l.ID, studentID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

// interleavingStore runs hook once, right after the first lesson read, so a
// competing write lands between the read and the status update.
type interleavingStore struct {
	storage.RideStore
	once sync.Once
	hook func()
}

func (s *interleavingStore) GetByID(ctx context.Context, id int64) (*models.Lesson, error) {
	l, err := s.RideStore.GetByID(ctx, id)
	s.once.Do(s.hook)
	return l, err
}

func (f *fixture) racingService(hook func()) *Service {
	rides := &interleavingStore{RideStore: f.store.Rides(), hook: hook}
	return NewService(rides, f.store.Instructors(), nil, f.notifier, nil, WithClock(f.clock.now))
}

func TestStartLessonLosesToConcurrentCancel(t *testing.T) {
	f := newFixture(t)
	l := f.scheduled(t, 9, nil)
	var cancelled *CancelResult
	racing := f.racingService(func() {
		var err error
		cancelled, err = f.svc.CancelBooking(context.Background(), l.ID, studentID)
		require.NoError(t, err)
	})

	_, err := racing.StartLesson(context.Background(), l.ID, instructorID, 0, 0)
	require.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, models.StatusCancelled, te.Current)
	require.Equal(t, models.StatusInProgress, te.Target)
	require.NotNil(t, cancelled)

	stored, err := f.store.Rides().GetByID(context.Background(), l.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, stored.Status)
	require.NotContains(t, f.notifier.types(), models.EventLessonStarted)
}

func TestCancelLosesToConcurrentStart(t *testing.T) {
	f := newFixture(t)
	l := f.scheduled(t, 9, nil)
	racing := f.racingService(func() {
		_, err := f.svc.StartLesson(context.Background(), l.ID, instructorID, 0, 0)
		require.NoError(t, err)
	})

	_, err := racing.CancelBooking(context.Background(), l.ID, studentID)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, models.StatusInProgress, te.Current)

	stored, err := f.store.Rides().GetByID(context.Background(), l.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusInProgress, stored.Status)
}

func TestConcurrentConfirmationsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	l := f.book(t, 9, nil)
	racing := f.racingService(func() {
		_, err := f.svc.ConfirmPayment(context.Background(), l.ID)
		require.NoError(t, err)
	})

	got, err := racing.ConfirmPayment(context.Background(), l.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusScheduled, got.Status)
	require.Equal(t, []models.EventType{models.EventLessonConfirmed}, f.notifier.types())
}

func TestRefundPolicy(t *testing.T) {
	cases := []struct {
		until   time.Duration
		refund  float64
		penalty bool
	}{
		{72 * time.Hour, 1.0, false},
		{24 * time.Hour, 1.0, false},
		{24*time.Hour - time.Second, 0.5, true},
		{2 * time.Hour, 0.5, true},
		{-time.Hour, 0.5, true},
	}
	for _, c := range cases {
		refund, penalty := RefundPolicy(c.until)
		require.Equal(t, c.refund, refund, "until=%s", c.until)
		require.Equal(t, c.penalty, penalty, "until=%s", c.until)
	}
}

func TestLessonsForUser(t *testing.T) {
	f := newFixture(t)
	f.book(t, 11, nil)
	f.book(t, 8, nil)

	asStudent, err := f.svc.LessonsForUser(context.Background(), studentID)
	require.NoError(t, err)
	require.Len(t, asStudent, 2)
	require.Equal(t, 8, asStudent[0].ScheduledAt.Hour())

	asInstructor, err := f.svc.LessonsForUser(context.Background(), instructorID)
	require.NoError(t, err)
	require.Len(t, asInstructor, 2)

	_, err = f.svc.Lesson(context.Background(), asStudent[0].ID, strangerID)
	require.ErrorIs(t, err, ErrUnauthorized)
}
