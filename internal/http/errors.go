package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/example/godrive/internal/availability"
	"github.com/example/godrive/internal/booking"
	"github.com/example/godrive/internal/models"
	"github.com/example/godrive/internal/payments"
)

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`

	CurrentStatus models.LessonStatus `json:"current_status,omitempty"`
	TargetStatus  models.LessonStatus `json:"target_status,omitempty"`
	DistanceM     float64             `json:"distance_m,omitempty"`
	AllowedM      float64             `json:"allowed_m,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, booking.ErrScheduleInPast),
		errors.Is(err, booking.ErrInvalidPickup),
		errors.Is(err, availability.ErrInvalidRule),
		errors.Is(err, payments.ErrInvalidWebhook):
		return http.StatusBadRequest
	case errors.Is(err, booking.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, booking.ErrRideNotFound),
		errors.Is(err, booking.ErrInstructorNotFound):
		return http.StatusNotFound
	case errors.Is(err, booking.ErrSlotNotAvailable),
		errors.Is(err, booking.ErrInvalidTransition),
		errors.Is(err, availability.ErrRuleOverlap):
		return http.StatusConflict
	case errors.Is(err, booking.ErrTooFarToStart),
		errors.Is(err, payments.ErrInstructorNotPayable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, payments.ErrPaymentsDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a domain failure to its status. Unknown errors are logged
// and answered with a generic body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"route", routeTemplate(r),
			"request_id", requestIDFromContext(r.Context()),
			"error", err,
		)
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}

	body := errorBody{Error: err.Error()}
	var te *booking.TransitionError
	if errors.As(err, &te) {
		body.CurrentStatus = te.Current
		body.TargetStatus = te.Target
	}
	var de *booking.DistanceError
	if errors.As(err, &de) {
		body.DistanceM = de.DistanceKm * 1000
		body.AllowedM = de.AllowedKm * 1000
	}
	writeJSON(w, status, body)
}

func validationBody(err error) errorBody {
	body := errorBody{Error: "validation failed"}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		body.Fields = make(map[string]string, len(ve))
		for _, fe := range ve {
			body.Fields[fe.Field()] = fe.Tag()
		}
	}
	return body
}
