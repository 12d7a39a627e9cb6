package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/example/godrive/internal/auth"
	"github.com/example/godrive/internal/models"
	"github.com/example/godrive/internal/observability"
	"github.com/example/godrive/internal/search"
)

type ruleRequest struct {
	DayOfWeek *int              `json:"day_of_week" validate:"required,min=0,max=6"`
	Start     *models.TimeOfDay `json:"start_time" validate:"required"`
	End       *models.TimeOfDay `json:"end_time" validate:"required"`
}

type locationRequest struct {
	Lat    *float64 `json:"lat" validate:"required,latitude"`
	Lon    *float64 `json:"lon" validate:"required,longitude"`
	Online *bool    `json:"online"`
}

type availabilityResponse struct {
	InstructorID int64              `json:"instructor_id"`
	Date         string             `json:"date"`
	Slots        []models.TimeOfDay `json:"slots"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "lat and lon are required coordinates"})
		return
	}
	query := search.Query{Lat: lat, Lon: lon}
	if v := q.Get("radius"); v != "" {
		radius, err := strconv.ParseFloat(v, 64)
		if err != nil || radius <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "radius must be a positive number of km"})
			return
		}
		query.RadiusKm = radius
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		query.Limit = limit
	}
	results, err := s.search.Nearby(r.Context(), query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	raw := r.URL.Query().Get("date")
	date, err := time.ParseInLocation(time.DateOnly, raw, time.UTC)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "date must be YYYY-MM-DD"})
		return
	}
	slots, err := s.slots.AvailableSlots(r.Context(), id, date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if slots == nil {
		slots = []models.TimeOfDay{}
	}
	writeJSON(w, http.StatusOK, availabilityResponse{InstructorID: id, Date: raw, Slots: slots})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, auth.RoleInstructor)
	if !ok {
		return
	}
	rules, err := s.rules.Rules(r.Context(), actor.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rules == nil {
		rules = []models.AvailabilityRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, auth.RoleInstructor)
	if !ok {
		return
	}
	var req ruleRequest
	if !s.decode(w, r, &req) {
		return
	}
	rule := &models.AvailabilityRule{
		InstructorID: actor.UserID,
		DayOfWeek:    *req.DayOfWeek,
		Start:        *req.Start,
		End:          *req.End,
	}
	if err := s.rules.AddRule(r.Context(), rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleInstructorLocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, auth.RoleInstructor)
	if !ok {
		return
	}
	var req locationRequest
	if !s.decode(w, r, &req) {
		return
	}
	loc := models.InstructorLocation{
		InstructorID: actor.UserID,
		Loc:          models.Coord{Lat: *req.Lat, Lon: *req.Lon},
		Online:       req.Online == nil || *req.Online,
		Updated:      s.now().UTC(),
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), loc); err != nil {
			s.logger.WarnContext(r.Context(), "location publish failed", "instructor_id", loc.InstructorID, "error", err)
		}
	}
	if err := s.geo.Upsert(r.Context(), loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.trackOnline(loc.InstructorID, loc.Online)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) trackOnline(id int64, online bool) {
	s.onlineMu.Lock()
	defer s.onlineMu.Unlock()
	if online {
		s.online[id] = struct{}{}
	} else {
		delete(s.online, id)
	}
	observability.InstructorsOnline.Set(float64(len(s.online)))
}
