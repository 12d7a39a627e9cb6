package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/godrive/internal/booking"
	"github.com/example/godrive/internal/models"
	"github.com/example/godrive/internal/observability"
	"github.com/example/godrive/internal/storage"
)

var (
	ErrInstructorNotPayable = errors.New("instructor has no payout account")
	ErrInvalidWebhook       = errors.New("invalid payment webhook")
	ErrPaymentsDisabled     = errors.New("payment gateway not configured")
)

// Confirmer moves a paid lesson to scheduled.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, rideID int64) (*models.Lesson, error)
}

type Checkout struct {
	RideID       int64  `json:"ride_id"`
	IntentID     string `json:"payment_intent_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	AmountCents  int64  `json:"amount_cents"`
	FeeCents     int64  `json:"fee_cents"`
	Currency     string `json:"currency"`
	// Confirmed is set for free lessons, which skip the gateway entirely.
	Confirmed bool `json:"confirmed"`
}

type Service struct {
	provider    Provider
	rides       storage.RideStore
	instructors storage.InstructorStore
	confirmer   Confirmer
	feePercent  float64
	currency    string
	logger      *slog.Logger
	now         func() time.Time
}

// NewService accepts a nil provider. Free lessons are then still confirmed
// and anything that needs the gateway fails with ErrPaymentsDisabled.
func NewService(provider Provider, rides storage.RideStore, instructors storage.InstructorStore, confirmer Confirmer, feePercent float64, currency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider:    provider,
		rides:       rides,
		instructors: instructors,
		confirmer:   confirmer,
		feePercent:  feePercent,
		currency:    currency,
		logger:      logger,
		now:         time.Now,
	}
}

// Split converts a price to cents and computes the platform fee, rounded down.
func Split(price, feePercent float64) (amountCents, feeCents int64) {
	amountCents = int64(math.Round(price * 100))
	feeCents = int64(math.Floor(float64(amountCents) * feePercent))
	return amountCents, feeCents
}

// StartCheckout opens a payment for a pending lesson owned by studentID.
func (s *Service) StartCheckout(ctx context.Context, rideID, studentID int64) (*Checkout, error) {
	lesson, err := s.rides.GetByID(ctx, rideID)
	if err != nil {
		return nil, fmt.Errorf("get lesson: %w", err)
	}
	if lesson == nil {
		return nil, booking.ErrRideNotFound
	}
	if lesson.StudentID != studentID {
		return nil, booking.ErrUnauthorized
	}
	if lesson.Status != models.StatusPending {
		return nil, &booking.TransitionError{Current: lesson.Status, Target: models.StatusScheduled}
	}

	amount, fee := Split(lesson.Price, s.feePercent)
	out := &Checkout{RideID: rideID, AmountCents: amount, FeeCents: fee, Currency: s.currency}
	if amount == 0 {
		if _, err := s.confirmer.ConfirmPayment(ctx, rideID); err != nil {
			return nil, err
		}
		out.Confirmed = true
		return out, nil
	}

	if s.provider == nil {
		return nil, ErrPaymentsDisabled
	}
	instructor, err := s.instructors.GetByID(ctx, lesson.InstructorID)
	if err != nil {
		return nil, fmt.Errorf("get instructor: %w", err)
	}
	if instructor == nil || instructor.StripeAccountID == "" {
		return nil, ErrInstructorNotPayable
	}

	intent, err := s.provider.CreateIntent(ctx, IntentRequest{
		RideID:             rideID,
		AmountCents:        amount,
		FeeCents:           fee,
		Currency:           s.currency,
		DestinationAccount: instructor.StripeAccountID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.rides.SetPaymentIntent(ctx, rideID, intent.ID, s.now().UTC()); err != nil {
		if !errors.Is(err, storage.ErrStatusConflict) {
			return nil, fmt.Errorf("store payment intent: %w", err)
		}
		// the lesson left pending while the gateway was busy
		if cerr := s.provider.CancelIntent(ctx, intent.ID); cerr != nil {
			s.logger.WarnContext(ctx, "abandoned payment intent not cancelled",
				"ride_id", rideID, "payment_intent_id", intent.ID, "error", cerr)
		}
		current := lesson.Status
		if fresh, gerr := s.rides.GetByID(ctx, rideID); gerr == nil && fresh != nil {
			current = fresh.Status
		}
		return nil, &booking.TransitionError{Current: current, Target: models.StatusScheduled}
	}
	observability.PaymentEventsTotal.WithLabelValues("checkout").Inc()
	s.logger.InfoContext(ctx, "checkout started",
		"ride_id", rideID,
		"payment_intent_id", intent.ID,
		"amount_cents", amount,
		"fee_cents", fee,
	)
	out.IntentID = intent.ID
	out.ClientSecret = intent.ClientSecret
	return out, nil
}

// HandleWebhook verifies a gateway callback and confirms the lesson when the
// payment succeeded. Other event types are acknowledged and ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.provider == nil {
		return ErrPaymentsDisabled
	}
	ev, err := s.provider.ParseWebhook(payload, signature)
	if err != nil {
		observability.PaymentEventsTotal.WithLabelValues("webhook_rejected").Inc()
		return err
	}
	if ev.Type != eventPaymentSucceeded {
		observability.PaymentEventsTotal.WithLabelValues("webhook_ignored").Inc()
		return nil
	}
	if ev.RideID == 0 {
		return fmt.Errorf("%w: payment intent %s has no ride_id", ErrInvalidWebhook, ev.IntentID)
	}
	if _, err := s.confirmer.ConfirmPayment(ctx, ev.RideID); err != nil {
		var te *booking.TransitionError
		if errors.As(err, &te) && te.Current == models.StatusCancelled {
			return s.refundLatePayment(ctx, ev)
		}
		return err
	}
	observability.PaymentEventsTotal.WithLabelValues("payment_succeeded").Inc()
	s.logger.InfoContext(ctx, "payment confirmed", "ride_id", ev.RideID, "payment_intent_id", ev.IntentID)
	return nil
}

// refundLatePayment gives back a payment that completed after its lesson
// was cancelled. Cancelled is terminal, so the lesson itself is untouched.
func (s *Service) refundLatePayment(ctx context.Context, ev WebhookEvent) error {
	lesson, err := s.rides.GetByID(ctx, ev.RideID)
	if err != nil {
		return fmt.Errorf("get lesson: %w", err)
	}
	if lesson == nil {
		return booking.ErrRideNotFound
	}
	amount, _ := Split(lesson.Price, 0)
	if err := s.provider.Refund(ctx, ev.IntentID, amount); err != nil {
		return err
	}
	observability.PaymentEventsTotal.WithLabelValues("late_payment_refund").Inc()
	s.logger.WarnContext(ctx, "payment for cancelled lesson refunded",
		"ride_id", ev.RideID,
		"payment_intent_id", ev.IntentID,
		"refund_cents", amount,
	)
	return nil
}

// RefundCancellation returns the refundable share of a paid, cancelled lesson
// to the student and reports the refunded cents. Unpaid lessons refund nothing.
func (s *Service) RefundCancellation(ctx context.Context, res *booking.CancelResult) (int64, error) {
	l := res.Lesson
	if res.PreviousStatus != models.StatusScheduled || l.PaymentIntentID == "" {
		return 0, nil
	}
	amount, _ := Split(l.Price, 0)
	cents := int64(math.Round(float64(amount) * res.RefundPercentage))
	if cents == 0 {
		return 0, nil
	}
	if s.provider == nil {
		return 0, ErrPaymentsDisabled
	}
	if err := s.provider.Refund(ctx, l.PaymentIntentID, cents); err != nil {
		return 0, err
	}
	observability.PaymentEventsTotal.WithLabelValues("refund").Inc()
	s.logger.InfoContext(ctx, "cancellation refunded",
		"ride_id", l.ID,
		"payment_intent_id", l.PaymentIntentID,
		"refund_cents", cents,
		"penalty_applied", res.PenaltyApplied,
	)
	return cents, nil
}
