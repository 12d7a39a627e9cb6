package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/example/godrive/internal/auth"
	"github.com/example/godrive/internal/availability"
	"github.com/example/godrive/internal/booking"
	"github.com/example/godrive/internal/dispatch"
	"github.com/example/godrive/internal/geo"
	"github.com/example/godrive/internal/models"
	"github.com/example/godrive/internal/payments"
	"github.com/example/godrive/internal/search"
)

const maxBodyBytes = 1 << 16

// LocationPublisher forwards instructor pings to the location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, loc models.InstructorLocation) error
}

// Deps are the collaborators the HTTP API is assembled from. Payments,
// Locations and Events are optional.
type Deps struct {
	Booking   *booking.Service
	Payments  *payments.Service
	Search    *search.Service
	Slots     availability.SlotSource
	Rules     *availability.RuleService
	Rooms     *dispatch.Rooms
	Geo       geo.Geo
	Locations LocationPublisher
	Events    booking.Notifier
	Tokens    *auth.Tokens
	Logger    *slog.Logger

	NotifyTimeout time.Duration
}

type Server struct {
	booking   *booking.Service
	payments  *payments.Service
	search    *search.Service
	slots     availability.SlotSource
	rules     *availability.RuleService
	rooms     *dispatch.Rooms
	geo       geo.Geo
	locations LocationPublisher
	events    booking.Notifier
	tokens    *auth.Tokens
	logger    *slog.Logger
	validate  *validator.Validate

	notifyTimeout time.Duration
	now           func() time.Time

	onlineMu sync.Mutex
	online   map[int64]struct{}

	mux *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.NotifyTimeout <= 0 {
		d.NotifyTimeout = 2 * time.Second
	}
	s := &Server{
		booking:       d.Booking,
		payments:      d.Payments,
		search:        d.Search,
		slots:         d.Slots,
		rules:         d.Rules,
		rooms:         d.Rooms,
		geo:           d.Geo,
		locations:     d.Locations,
		events:        d.Events,
		tokens:        d.Tokens,
		logger:        d.Logger,
		validate:      newValidator(),
		notifyTimeout: d.NotifyTimeout,
		now:           time.Now,
		online:        make(map[int64]struct{}),
		mux:           mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/payments/webhook", s.handlePaymentWebhook).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/rides/{id:[0-9]+}", s.handleWS).Methods(http.MethodGet)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/instructors/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/instructors/me/availability", s.handleListRules).Methods(http.MethodGet)
	api.HandleFunc("/instructors/me/availability", s.handleAddRule).Methods(http.MethodPost)
	api.HandleFunc("/instructors/{id:[0-9]+}/availability", s.handleAvailability).Methods(http.MethodGet)
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id:[0-9]+}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id:[0-9]+}/start", s.handleStartRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id:[0-9]+}/finish", s.handleFinishRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id:[0-9]+}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/payments/rides/{id:[0-9]+}/intent", s.handleCheckout).Methods(http.MethodPost)

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.authMiddleware)
	internal.HandleFunc("/instructors/locations", s.handleInstructorLocation).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Handler wraps the router with OpenTelemetry server spans.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s, "godrive.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + routeTemplate(r)
		}),
	)
}

type createRideRequest struct {
	InstructorID int64     `json:"instructor_id" validate:"required,gt=0"`
	ScheduledAt  time.Time `json:"scheduled_at" validate:"required"`
	PickupLat    *float64  `json:"pickup_lat" validate:"required_with=PickupLon"`
	PickupLon    *float64  `json:"pickup_lon" validate:"required_with=PickupLat"`
}

type startRideRequest struct {
	Lat *float64 `json:"lat" validate:"required"`
	Lon *float64 `json:"lon" validate:"required"`
}

type cancelRideResponse struct {
	Ride             *models.Lesson `json:"ride"`
	RefundPercentage float64        `json:"refund_percentage"`
	PenaltyApplied   bool           `json:"penalty_applied"`
	RefundedCents    int64          `json:"refunded_cents"`
	RefundFailed     bool           `json:"refund_failed,omitempty"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, auth.RoleStudent)
	if !ok {
		return
	}
	var req createRideRequest
	if !s.decode(w, r, &req) {
		return
	}
	cr := booking.CreateRequest{
		StudentID:    actor.UserID,
		InstructorID: req.InstructorID,
		ScheduledAt:  req.ScheduledAt,
	}
	if req.PickupLat != nil && req.PickupLon != nil {
		cr.Pickup = &models.Coord{Lat: *req.PickupLat, Lon: *req.PickupLon}
	}
	lesson, err := s.booking.CreateBooking(r.Context(), cr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.publish(r.Context(), models.NewLessonEvent(models.EventLessonBooked, lesson, s.now().UTC()))
	writeJSON(w, http.StatusCreated, lesson)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	lessons, err := s.booking.LessonsForUser(r.Context(), actor.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lessons)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	lesson, err := s.booking.Lesson(r.Context(), id, actorFromContext(r.Context()).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lesson)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req startRideRequest
	if !s.decode(w, r, &req) {
		return
	}
	lesson, err := s.booking.StartLesson(r.Context(), id, actorFromContext(r.Context()).UserID, *req.Lat, *req.Lon)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lesson)
}

func (s *Server) handleFinishRide(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	lesson, err := s.booking.FinishLesson(r.Context(), id, actorFromContext(r.Context()).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lesson)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	res, err := s.booking.CancelBooking(r.Context(), id, actorFromContext(r.Context()).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := cancelRideResponse{
		Ride:             res.Lesson,
		RefundPercentage: res.RefundPercentage,
		PenaltyApplied:   res.PenaltyApplied,
	}
	if s.payments != nil {
		cents, err := s.payments.RefundCancellation(r.Context(), res)
		if err != nil {
			// the cancellation is already stored; the refund is retried by support
			s.logger.ErrorContext(r.Context(), "refund failed", "ride_id", id, "error", err)
			out.RefundFailed = true
		}
		out.RefundedCents = cents
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "payments are not configured"})
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	co, err := s.payments.StartCheckout(r.Context(), id, actorFromContext(r.Context()).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, co)
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "payments are not configured"})
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unreadable body"})
		return
	}
	if err := s.payments.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// publish sends an event to the configured sinks without holding up the response.
func (s *Server) publish(ctx context.Context, ev models.LessonEvent) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()
	if err := s.events.Notify(ctx, ev.LessonID, ev); err != nil {
		s.logger.WarnContext(ctx, "event publish failed", "ride_id", ev.LessonID, "event", ev.Type, "error", err)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, validationBody(err))
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid id"})
		return 0, false
	}
	return id, true
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
