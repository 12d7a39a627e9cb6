package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/example/godrive/internal/geo"
	"github.com/example/godrive/internal/models"
	"github.com/example/godrive/internal/observability"
	"github.com/example/godrive/internal/storage"
)

type Geo interface {
	Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.InstructorLocation, error)
}

type ETA interface {
	Estimate(ctx context.Context, from, to models.Coord) float64
}

type Query struct {
	Lat      float64
	Lon      float64
	RadiusKm float64
	Limit    int
}

type Result struct {
	InstructorID int64        `json:"instructor_id"`
	FullName     string       `json:"full_name"`
	HourlyRate   float64      `json:"hourly_rate"`
	Location     models.Coord `json:"location"`
	DistanceKm   float64      `json:"distance_km"`
	ETASeconds   float64      `json:"eta_seconds"`
}

// Service finds approved instructors around a student.
type Service struct {
	Geo           Geo
	Instructors   storage.InstructorStore
	ETA           ETA
	Logger        *slog.Logger
	DefaultRadius float64
	MaxResults    int
}

// Nearby ranks instructors by travel time to the student, then by hourly
// rate, then by id.
func (s *Service) Nearby(ctx context.Context, q Query) ([]Result, error) {
	if q.RadiusKm <= 0 {
		q.RadiusKm = s.DefaultRadius
	}
	if q.RadiusKm <= 0 {
		q.RadiusKm = 10
	}
	limit := s.MaxResults
	if limit <= 0 {
		limit = 20
	}
	if q.Limit > 0 && q.Limit < limit {
		limit = q.Limit
	}
	observability.SearchesTotal.Inc()

	// over-fetch: some candidates drop out for not being approved
	cands, err := s.Geo.Nearby(ctx, q.Lat, q.Lon, q.RadiusKm, limit*2)
	if err != nil {
		return nil, fmt.Errorf("nearby instructors: %w", err)
	}
	origin := models.Coord{Lat: q.Lat, Lon: q.Lon}
	out := make([]Result, 0, len(cands))
	for _, c := range cands {
		inst, err := s.Instructors.GetByID(ctx, c.InstructorID)
		if err != nil {
			s.logger().WarnContext(ctx, "instructor lookup failed", "instructor_id", c.InstructorID, "error", err)
			continue
		}
		if inst == nil || !inst.IsApproved() {
			continue
		}
		r := Result{
			InstructorID: inst.ID,
			FullName:     inst.FullName,
			HourlyRate:   inst.Rate(),
			Location:     c.Loc,
			DistanceKm:   geo.DistanceKm(q.Lat, q.Lon, c.Loc.Lat, c.Loc.Lon),
		}
		if s.ETA != nil {
			r.ETASeconds = s.ETA.Estimate(ctx, c.Loc, origin)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ETASeconds != out[j].ETASeconds {
			return out[i].ETASeconds < out[j].ETASeconds
		}
		if out[i].HourlyRate != out[j].HourlyRate {
			return out[i].HourlyRate < out[j].HourlyRate
		}
		return out[i].InstructorID < out[j].InstructorID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
