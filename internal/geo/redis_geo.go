package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/fleet-dispatch/internal/models"
)

// RedisIndex implements Index on Redis GEO commands. Worker metadata lives
// in a per-worker hash with an expiry matching the idle TTL, so eviction of
// silent workers happens server-side.
type RedisIndex struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisIndex(addr, password, key string, ttl time.Duration) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, ttl: ttl}
}

func metaKey(workerID string) string { return "worker:meta:" + workerID }

func (r *RedisIndex) Upsert(workerID string, class models.VehicleClass, lat, lng float64) error {
	if err := ValidateCoord(lat, lng); err != nil {
		return err
	}
	ctx := context.Background()
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: lng,
		Latitude:  lat,
		Name:      workerID,
	}).Err(); err != nil {
		return err
	}
	if err := r.client.HSet(ctx, metaKey(workerID), map[string]interface{}{
		"vehicle_class": string(class),
		"updated":       time.Now().Format(time.RFC3339),
	}).Err(); err != nil {
		return err
	}
	if r.ttl > 0 {
		_ = r.client.Expire(ctx, metaKey(workerID), r.ttl).Err()
	}
	return nil
}

func (r *RedisIndex) Remove(workerID string) {
	ctx := context.Background()
	_ = r.client.ZRem(ctx, r.key, workerID).Err()
	_ = r.client.Del(ctx, metaKey(workerID)).Err()
}

func (r *RedisIndex) Query(lat, lng, radiusKm float64, limit int) ([]Candidate, error) {
	if err := ValidateCoord(lat, lng); err != nil {
		return nil, err
	}
	ctx := context.Background()
	res, err := r.client.GeoRadius(ctx, r.key, lng, lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		c := Candidate{
			WorkerID:       g.Name,
			Loc:            models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			DistanceMeters: g.Dist * 1000, // GeoRadius reports in the query unit
		}
		// A missing meta hash means the worker idled out; skip it so the
		// matcher never offers to a stale position.
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil || len(m) == 0 {
			_ = r.client.ZRem(ctx, r.key, g.Name).Err()
			continue
		}
		if v, ok := m["vehicle_class"]; ok {
			c.VehicleClass = models.VehicleClass(v)
		}
		out = append(out, c)
	}
	return out, nil
}
