package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
	"github.com/stripe/stripe-go/v74/webhook"
)

const eventPaymentSucceeded = "payment_intent.succeeded"

type IntentRequest struct {
	RideID             int64
	AmountCents        int64
	FeeCents           int64
	Currency           string
	DestinationAccount string
}

type Intent struct {
	ID           string
	ClientSecret string
}

// WebhookEvent is the provider-neutral part of a verified webhook delivery.
type WebhookEvent struct {
	Type     string
	IntentID string
	RideID   int64
}

// Provider is the payment gateway used for lesson checkout and refunds.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	Refund(ctx context.Context, intentID string, amountCents int64) error
	// CancelIntent voids an intent that was never paid.
	CancelIntent(ctx context.Context, intentID string) error
	ParseWebhook(payload []byte, signature string) (WebhookEvent, error)
}

// StripeProvider creates destination charges: the platform keeps the
// application fee and the rest is transferred to the instructor account.
type StripeProvider struct {
	webhookSecret string
}

// NewStripeProvider initializes the stripe client with the given secret key.
func NewStripeProvider(apiKey, webhookSecret string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{webhookSecret: webhookSecret}
}

func (s *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		ApplicationFeeAmount: stripe.Int64(req.FeeCents),
		TransferData: &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.DestinationAccount),
		},
	}
	params.Context = ctx
	params.AddMetadata("ride_id", strconv.FormatInt(req.RideID, 10))
	pi, err := paymentintent.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("create payment intent: %w", err)
	}
	return Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s *StripeProvider) Refund(ctx context.Context, intentID string, amountCents int64) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Amount:        stripe.Int64(amountCents),
	}
	params.Context = ctx
	if _, err := refund.New(params); err != nil {
		return fmt.Errorf("refund %s: %w", intentID, err)
	}
	return nil
}

func (s *StripeProvider) CancelIntent(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	if _, err := paymentintent.Cancel(intentID, params); err != nil {
		return fmt.Errorf("cancel payment intent %s: %w", intentID, err)
	}
	return nil
}

func (s *StripeProvider) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	out := WebhookEvent{Type: string(event.Type)}
	if out.Type != eventPaymentSucceeded || event.Data == nil {
		return out, nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: decode payment intent: %v", ErrInvalidWebhook, err)
	}
	out.IntentID = pi.ID
	if v, ok := pi.Metadata["ride_id"]; ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: bad ride_id metadata %q", ErrInvalidWebhook, v)
		}
		out.RideID = id
	}
	return out, nil
}
