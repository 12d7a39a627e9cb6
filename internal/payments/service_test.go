package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/godrive/internal/availability"
	"github.com/example/godrive/internal/booking"
	"github.com/example/godrive/internal/models"
	"github.com/example/godrive/internal/storage"
)

type fakeProvider struct {
	created   []IntentRequest
	cancelled []string
	refunds   map[string]int64
	event     WebhookEvent
	parseErr  error
	// duringCreate runs while the gateway call is in flight.
	duringCreate func()
}

func (f *fakeProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	f.created = append(f.created, req)
	if f.duringCreate != nil {
		f.duringCreate()
	}
	return Intent{ID: "pi_test", ClientSecret: "pi_test_secret"}, nil
}

func (f *fakeProvider) CancelIntent(ctx context.Context, intentID string) error {
	f.cancelled = append(f.cancelled, intentID)
	return nil
}

func (f *fakeProvider) Refund(ctx context.Context, intentID string, amountCents int64) error {
	if f.refunds == nil {
		f.refunds = map[string]int64{}
	}
	f.refunds[intentID] += amountCents
	return nil
}

func (f *fakeProvider) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	return f.event, f.parseErr
}

type stubConfirmer struct{ confirmed []int64 }

func (s *stubConfirmer) ConfirmPayment(ctx context.Context, rideID int64) (*models.Lesson, error) {
	s.confirmed = append(s.confirmed, rideID)
	return &models.Lesson{ID: rideID, Status: models.StatusScheduled}, nil
}

func setup(t *testing.T, price float64, stripeAccount string) (*Service, *fakeProvider, *stubConfirmer, *models.Lesson, *storage.MemoryStore) {
	t.Helper()
	ms := storage.NewMemoryStore()
	ms.PutInstructor(models.Instructor{ID: 3, Status: models.InstructorApproved, StripeAccountID: stripeAccount})
	l := &models.Lesson{StudentID: 10, InstructorID: 3, ScheduledAt: time.Date(2030, 1, 7, 9, 0, 0, 0, time.UTC), Price: price, Status: models.StatusPending}
	require.NoError(t, ms.Rides().Create(context.Background(), l))
	p := &fakeProvider{}
	c := &stubConfirmer{}
	return NewService(p, ms.Rides(), ms.Instructors(), c, 0.15, "brl", nil), p, c, l, ms
}

func TestSplit(t *testing.T) {
	amount, fee := Split(99.99, 0.15)
	require.Equal(t, int64(9999), amount)
	require.Equal(t, int64(1499), fee)

	amount, fee = Split(50, 0.15)
	require.Equal(t, int64(5000), amount)
	require.Equal(t, int64(750), fee)
}

func TestStartCheckoutCreatesDestinationCharge(t *testing.T) {
	svc, p, _, l, ms := setup(t, 120, "acct_42")

	co, err := svc.StartCheckout(context.Background(), l.ID, 10)
	require.NoError(t, err)
	require.Equal(t, "pi_test_secret", co.ClientSecret)
	require.Equal(t, IntentRequest{RideID: l.ID, AmountCents: 12000, FeeCents: 1800, Currency: "brl", DestinationAccount: "acct_42"}, p.created[0])

	stored, err := ms.Rides().GetByID(context.Background(), l.ID)
	require.NoError(t, err)
	require.Equal(t, "pi_test", stored.PaymentIntentID)
	require.Equal(t, models.StatusPending, stored.Status)
}

func TestStartCheckoutChecks(t *testing.T) {
	svc, _, _, l, _ := setup(t, 120, "")

	_, err := svc.StartCheckout(context.Background(), 999, 10)
	require.ErrorIs(t, err, booking.ErrRideNotFound)

	_, err = svc.StartCheckout(context.Background(), l.ID, 11)
	require.ErrorIs(t, err, booking.ErrUnauthorized)

	_, err = svc.StartCheckout(context.Background(), l.ID, 10)
	require.ErrorIs(t, err, ErrInstructorNotPayable)
}

func TestStartCheckoutFreeLessonConfirmsImmediately(t *testing.T) {
	svc, p, c, l, _ := setup(t, 0, "")
	co, err := svc.StartCheckout(context.Background(), l.ID, 10)
	require.NoError(t, err)
	require.True(t, co.Confirmed)
	require.Empty(t, p.created)
	require.Equal(t, []int64{l.ID}, c.confirmed)
}

func TestHandleWebhook(t *testing.T) {
	svc, p, c, l, _ := setup(t, 120, "acct_42")

	p.event = WebhookEvent{Type: "charge.updated"}
	require.NoError(t, svc.HandleWebhook(context.Background(), nil, "sig"))
	require.Empty(t, c.confirmed)

	p.event = WebhookEvent{Type: eventPaymentSucceeded, IntentID: "pi_test", RideID: l.ID}
	require.NoError(t, svc.HandleWebhook(context.Background(), nil, "sig"))
	require.Equal(t, []int64{l.ID}, c.confirmed)

	p.parseErr = ErrInvalidWebhook
	require.ErrorIs(t, svc.HandleWebhook(context.Background(), nil, "bad"), ErrInvalidWebhook)
}

func TestRefundCancellation(t *testing.T) {
	svc, p, _, _, _ := setup(t, 120, "acct_42")
	paid := &models.Lesson{ID: 1, Price: 120, PaymentIntentID: "pi_paid", Status: models.StatusCancelled}

	cents, err := svc.RefundCancellation(context.Background(), &booking.CancelResult{
		Lesson: paid, RefundPercentage: 0.5, PenaltyApplied: true, PreviousStatus: models.StatusScheduled,
	})
	require.NoError(t, err)
	require.Equal(t, int64(6000), cents)
	require.Equal(t, int64(6000), p.refunds["pi_paid"])

	// never paid: checkout opened but the lesson was still pending
	cents, err = svc.RefundCancellation(context.Background(), &booking.CancelResult{
		Lesson: &models.Lesson{ID: 2, Price: 120, PaymentIntentID: "pi_open"}, RefundPercentage: 1, PreviousStatus: models.StatusPending,
	})
	require.NoError(t, err)
	require.Zero(t, cents)
	require.NotContains(t, p.refunds, "pi_open")
}

// lifecycle wires the payments service to a real booking service so the
// checkout and the cancellation share one store.
func lifecycle(t *testing.T, p Provider) (*Service, *booking.Service, *models.Lesson, *storage.MemoryStore) {
	t.Helper()
	ms := storage.NewMemoryStore()
	rate := 120.0
	ms.PutInstructor(models.Instructor{ID: 3, HourlyRate: &rate, Status: models.InstructorApproved, StripeAccountID: "acct_42"})
	require.NoError(t, ms.Availability().Create(context.Background(), &models.AvailabilityRule{
		InstructorID: 3, DayOfWeek: 0, Start: models.NewTimeOfDay(8, 0), End: models.NewTimeOfDay(12, 0),
	}))
	now := time.Date(2030, 1, 6, 12, 0, 0, 0, time.UTC)
	lessons := booking.NewService(ms.Rides(), ms.Instructors(), availability.NewEngine(ms.Availability(), ms.Rides(), nil), nil, nil,
		booking.WithClock(func() time.Time { return now }))
	l, err := lessons.CreateBooking(context.Background(), booking.CreateRequest{
		StudentID: 10, InstructorID: 3, ScheduledAt: time.Date(2030, 1, 7, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return NewService(p, ms.Rides(), ms.Instructors(), lessons, 0.15, "brl", nil), lessons, l, ms
}

func TestCancelDuringCheckoutStaysCancelled(t *testing.T) {
	p := &fakeProvider{}
	svc, lessons, l, ms := lifecycle(t, p)
	p.duringCreate = func() {
		_, err := lessons.CancelBooking(context.Background(), l.ID, 10)
		require.NoError(t, err)
	}

	_, err := svc.StartCheckout(context.Background(), l.ID, 10)
	var te *booking.TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, models.StatusCancelled, te.Current)
	require.Equal(t, []string{"pi_test"}, p.cancelled)

	stored, err := ms.Rides().GetByID(context.Background(), l.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, stored.Status)
	require.Empty(t, stored.PaymentIntentID)

	// the student paid before the cancellation reached the gateway
	p.event = WebhookEvent{Type: eventPaymentSucceeded, IntentID: "pi_test", RideID: l.ID}
	require.NoError(t, svc.HandleWebhook(context.Background(), nil, "sig"))
	require.Equal(t, int64(12000), p.refunds["pi_test"])

	stored, err = ms.Rides().GetByID(context.Background(), l.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, stored.Status)
}

func TestWithoutGatewayOnlyFreeLessonsConfirm(t *testing.T) {
	svc, _, l, ms := lifecycle(t, nil)
	_, err := svc.StartCheckout(context.Background(), l.ID, 10)
	require.ErrorIs(t, err, ErrPaymentsDisabled)
	require.ErrorIs(t, svc.HandleWebhook(context.Background(), nil, "sig"), ErrPaymentsDisabled)

	free := &models.Lesson{StudentID: 10, InstructorID: 3, ScheduledAt: time.Date(2030, 1, 7, 10, 0, 0, 0, time.UTC), Status: models.StatusPending}
	require.NoError(t, ms.Rides().Create(context.Background(), free))
	co, err := svc.StartCheckout(context.Background(), free.ID, 10)
	require.NoError(t, err)
	require.True(t, co.Confirmed)

	stored, err := ms.Rides().GetByID(context.Background(), free.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusScheduled, stored.Status)
}

func TestStripeProviderRejectsBadSignature(t *testing.T) {
	p := NewStripeProvider("sk_test_x", "whsec_test")
	_, err := p.ParseWebhook([]byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`), "t=1,v1=deadbeef")
	require.True(t, errors.Is(err, ErrInvalidWebhook))
}
