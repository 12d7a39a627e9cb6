package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/godrive/internal/models"
)

const earthRadiusKm = 6371.0

// Geo is the minimal interface required by instructor search and the location handlers.
type Geo interface {
	Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.InstructorLocation, error)
	Upsert(ctx context.Context, loc models.InstructorLocation) error
}

type Index struct {
	mu          sync.RWMutex
	instructors map[int64]models.InstructorLocation
}

func NewIndex() *Index {
	return &Index{instructors: make(map[int64]models.InstructorLocation)}
}

func (g *Index) Upsert(_ context.Context, loc models.InstructorLocation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	loc.Updated = time.Now()
	g.instructors[loc.InstructorID] = loc
	return nil
}

// naive scan; fine for a single process, the Redis index serves production
func (g *Index) Nearby(_ context.Context, lat, lon, radiusKm float64, limit int) ([]models.InstructorLocation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		loc  models.InstructorLocation
		dist float64
	}
	arr := make([]pair, 0, len(g.instructors))
	for _, l := range g.instructors {
		if !l.Online {
			continue
		}
		dist := DistanceKm(lat, lon, l.Loc.Lat, l.Loc.Lon)
		if radiusKm > 0 && dist > radiusKm {
			continue
		}
		arr = append(arr, pair{l, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist ||
				(arr[j].dist == arr[minIdx].dist && arr[j].loc.InstructorID < arr[minIdx].loc.InstructorID) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.InstructorLocation, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].loc)
	}
	return out, nil
}

// DistanceKm is the great-circle distance between two points in kilometres.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	return DistanceKm(lat1, lon1, lat2, lon2) * 1000
}
