package search

import (
	"context"
	"testing"

	"github.com/example/godrive/internal/eta"
	"github.com/example/godrive/internal/models"
	"github.com/example/godrive/internal/storage"
)

type fakeGeo struct{ locs []models.InstructorLocation }

func (f *fakeGeo) Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.InstructorLocation, error) {
	return f.locs, nil
}

func rate(v float64) *float64 { return &v }

func TestCheaperInstructorWinsIfETAEqual(t *testing.T) {
	ms := storage.NewMemoryStore()
	ms.PutInstructor(models.Instructor{ID: 1, HourlyRate: rate(150), Status: models.InstructorApproved})
	ms.PutInstructor(models.Instructor{ID: 2, HourlyRate: rate(90), Status: models.InstructorApproved})
	g := &fakeGeo{locs: []models.InstructorLocation{
		{InstructorID: 1, Loc: models.Coord{Lat: 0, Lon: 0}, Online: true},
		{InstructorID: 2, Loc: models.Coord{Lat: 0, Lon: 0}, Online: true},
	}}
	s := &Service{Geo: g, Instructors: ms.Instructors(), ETA: &eta.Estimator{SpeedMps: 10}}

	got, err := s.Nearby(context.Background(), Query{Lat: 0, Lon: 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].InstructorID != 2 {
		t.Fatalf("expected instructor 2 first, got %+v", got)
	}
}

func TestNearbySkipsUnapprovedAndUnknown(t *testing.T) {
	ms := storage.NewMemoryStore()
	ms.PutInstructor(models.Instructor{ID: 1, Status: models.InstructorApproved})
	ms.PutInstructor(models.Instructor{ID: 2, Status: models.InstructorSuspended})
	g := &fakeGeo{locs: []models.InstructorLocation{
		{InstructorID: 3, Loc: models.Coord{Lat: 0.001}, Online: true},
		{InstructorID: 2, Loc: models.Coord{Lat: 0.002}, Online: true},
		{InstructorID: 1, Loc: models.Coord{Lat: 0.02}, Online: true},
	}}
	s := &Service{Geo: g, Instructors: ms.Instructors(), ETA: &eta.Estimator{SpeedMps: 10}, MaxResults: 5}

	got, err := s.Nearby(context.Background(), Query{Lat: 0, Lon: 0, RadiusKm: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].InstructorID != 1 {
		t.Fatalf("expected only instructor 1, got %+v", got)
	}
	if got[0].DistanceKm < 2.2 || got[0].DistanceKm > 2.3 {
		t.Fatalf("unexpected distance %f", got[0].DistanceKm)
	}
}
