package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/godrive/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmKnownPoints(t *testing.T) {
	// one degree of latitude is roughly 111.19 km on a 6371 km sphere
	d := DistanceKm(0, 0, 1, 0)
	if math.Abs(d-111.195) > 0.01 {
		t.Fatalf("expected ~111.195km, got %f", d)
	}
	// São Paulo Sé to Paulista Avenue, about 2.6 km apart
	sp := DistanceKm(-23.5505, -46.6333, -23.5614, -46.6559)
	if sp < 2.4 || sp > 2.8 {
		t.Fatalf("unexpected distance %f", sp)
	}
}

func TestDistanceKmSymmetric(t *testing.T) {
	a := DistanceKm(-23.55, -46.63, -22.90, -43.17)
	b := DistanceKm(-22.90, -43.17, -23.55, -46.63)
	if math.Abs(a-b) > 1e-9 {
		t.Fatalf("expected symmetric distance, got %f and %f", a, b)
	}
}

func TestIndexNearbyFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	_ = idx.Upsert(ctx, models.InstructorLocation{InstructorID: 1, Loc: models.Coord{Lat: 0.02, Lon: 0}, Online: true})
	_ = idx.Upsert(ctx, models.InstructorLocation{InstructorID: 2, Loc: models.Coord{Lat: 0.01, Lon: 0}, Online: true})
	_ = idx.Upsert(ctx, models.InstructorLocation{InstructorID: 3, Loc: models.Coord{Lat: 0.001, Lon: 0}, Online: false})
	_ = idx.Upsert(ctx, models.InstructorLocation{InstructorID: 4, Loc: models.Coord{Lat: 1, Lon: 0}, Online: true})

	got, err := idx.Nearby(ctx, 0, 0, 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 instructors in radius, got %d", len(got))
	}
	if got[0].InstructorID != 2 || got[1].InstructorID != 1 {
		t.Fatalf("expected order [2 1], got [%d %d]", got[0].InstructorID, got[1].InstructorID)
	}
}
