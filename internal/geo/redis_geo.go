package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/godrive/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, loc models.InstructorLocation) error {
	name := strconv.FormatInt(loc.InstructorID, 10)
	// store as GEOADD and HSET for metadata
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Loc.Lon, Latitude: loc.Loc.Lat, Name: name}).Err(); err != nil {
		return fmt.Errorf("geoadd instructor %d: %w", loc.InstructorID, err)
	}
	if err := r.client.HSet(ctx, MetaKey(loc.InstructorID), MetaFields(loc)).Err(); err != nil {
		return fmt.Errorf("hset instructor meta %d: %w", loc.InstructorID, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.InstructorLocation, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, q).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	out := make([]models.InstructorLocation, 0, len(res))
	for _, g := range res {
		id, err := strconv.ParseInt(g.Name, 10, 64)
		if err != nil {
			continue
		}
		loc := models.InstructorLocation{InstructorID: id, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		// a missing meta hash means the consumer never saw the instructor go online
		if m, err := r.client.HGetAll(ctx, MetaKey(id)).Result(); err == nil {
			loc.Online = m["online"] == "true"
			if v, ok := m["updated"]; ok {
				if ts, err := time.Parse(time.RFC3339, v); err == nil {
					loc.Updated = ts
				}
			}
		}
		if !loc.Online {
			continue
		}
		out = append(out, loc)
	}
	return out, nil
}

func MetaKey(id int64) string { return "instructor:meta:" + strconv.FormatInt(id, 10) }

// MetaFields is the hash written next to every GEO member.
func MetaFields(loc models.InstructorLocation) map[string]interface{} {
	updated := loc.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	return map[string]interface{}{
		"online":  strconv.FormatBool(loc.Online),
		"updated": updated.UTC().Format(time.RFC3339),
	}
}
