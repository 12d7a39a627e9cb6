package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/godrive/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	geoKey   string
	member   string
	metaKey  string
	meta     map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	f.geoKey, f.member = key, loc.Name
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.metaKey, f.meta = key, values
	return nil
}

func testLocation() models.InstructorLocation {
	return models.InstructorLocation{InstructorID: 7, Loc: models.Coord{Lat: -23.55, Lon: -46.63}, Online: true}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), f, "instructors_geo", testLocation(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls != 2 || f.hCalls != 2 {
		t.Fatalf("expected one retry each, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected a backoff per retry")
	}
	if f.geoKey != "instructors_geo" || f.member != "7" {
		t.Fatalf("unexpected geo write key=%s member=%s", f.geoKey, f.member)
	}
	if f.metaKey != "instructor:meta:7" || f.meta["online"] != "true" {
		t.Fatalf("unexpected meta write key=%s meta=%v", f.metaKey, f.meta)
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	if err := updateRedisWithRetry(context.Background(), f, "instructors_geo", testLocation(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.geoCalls != 3 || f.hCalls != 0 {
		t.Fatalf("expected 3 geo attempts and no meta write, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
}

func TestUpdateRedisWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := updateRedisWithRetry(ctx, f, "instructors_geo", testLocation(), 3, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDecodeLocation(t *testing.T) {
	loc, err := decodeLocation([]byte(`{"instructor_id":7,"loc":{"lat":-23.5,"lon":-46.6},"online":true}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if loc.InstructorID != 7 || !loc.Online {
		t.Fatalf("unexpected location %+v", loc)
	}
	for _, bad := range []string{`not json`, `{"loc":{"lat":1,"lon":1}}`, `{"instructor_id":7,"loc":{"lat":91,"lon":1}}`} {
		if _, err := decodeLocation([]byte(bad)); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
	}
}
