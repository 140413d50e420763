package eta

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/fleet-dispatch/internal/models"
)

// Route is a distance-oracle answer for a coordinate pair.
type Route struct {
	DistanceMeters  float64
	DurationSeconds float64
}

// Client is the pluggable distance oracle. Real travel distance/time with
// live traffic is an external concern; this core only needs the shape.
type Client interface {
	Estimate(from, to models.Coord) (Route, error)
}

// Cache is a tiny TTL cache for oracle lookups keyed by coordinate pair.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	r  Route
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lng, b.Lat, b.Lng)
}

func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.r, true
}

func (c *Cache) Set(a, b models.Coord, r Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{r: r, ts: time.Now()}
	c.mu.Unlock()
}

// HaversineClient is the fallback oracle: straight-line distance at a fixed
// city speed. Never fails, so it terminates every fallback chain.
type HaversineClient struct {
	SpeedMps float64
}

func (h HaversineClient) Estimate(from, to models.Coord) (Route, error) {
	speed := h.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h
	}
	d := haversine(from.Lat, from.Lng, to.Lat, to.Lng)
	return Route{DistanceMeters: d, DurationSeconds: d / speed}, nil
}

// local haversine to avoid an import cycle with geo
func haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
