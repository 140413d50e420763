package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/fleet-dispatch/internal/models"
)

// ErrInvalidCoordinate is returned for latitudes outside [-90,90] or
// longitudes outside [-180,180]; nothing is mutated on rejection.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Candidate is one query hit, distance from the query point in meters.
type Candidate struct {
	WorkerID       string
	VehicleClass   models.VehicleClass
	Loc            models.Coord
	DistanceMeters float64
}

// Index is the minimal surface the matcher and handlers need.
type Index interface {
	Upsert(workerID string, class models.VehicleClass, lat, lng float64) error
	Remove(workerID string)
	Query(lat, lng, radiusKm float64, limit int) ([]Candidate, error)
}

type entry struct {
	loc     models.Coord
	class   models.VehicleClass
	updated time.Time
}

// MemoryIndex is a scan-based index. Fine up to a few tens of thousands of
// workers per city; the Redis implementation covers anything bigger.
type MemoryIndex struct {
	mu      sync.RWMutex
	workers map[string]entry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{workers: make(map[string]entry)}
}

// ValidateCoord rejects out-of-range points before any state mutation.
func ValidateCoord(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("%w: lat=%f lng=%f", ErrInvalidCoordinate, lat, lng)
	}
	return nil
}

func (g *MemoryIndex) Upsert(workerID string, class models.VehicleClass, lat, lng float64) error {
	if err := ValidateCoord(lat, lng); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workers[workerID] = entry{loc: models.Coord{Lat: lat, Lng: lng}, class: class, updated: time.Now()}
	return nil
}

func (g *MemoryIndex) Remove(workerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.workers, workerID)
}

// Query returns workers within radiusKm of the point, nearest first, capped
// at limit. Equal distances order by worker id so results are reproducible.
func (g *MemoryIndex) Query(lat, lng, radiusKm float64, limit int) ([]Candidate, error) {
	if err := ValidateCoord(lat, lng); err != nil {
		return nil, err
	}
	radiusM := radiusKm * 1000

	g.mu.RLock()
	out := make([]Candidate, 0, len(g.workers))
	for id, e := range g.workers {
		d := Haversine(lat, lng, e.loc.Lat, e.loc.Lng)
		if d > radiusM {
			continue
		}
		out = append(out, Candidate{WorkerID: id, VehicleClass: e.class, Loc: e.loc, DistanceMeters: d})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SweepIdle evicts workers whose last upsert is older than ttl and returns
// how many were dropped. A worker that stops reporting location silently
// becomes unmatchable without an explicit offline signal.
func (g *MemoryIndex) SweepIdle(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, e := range g.workers {
		if e.updated.Before(cutoff) {
			delete(g.workers, id)
			n++
		}
	}
	return n
}

// StartSweeper runs SweepIdle every interval until ctx is cancelled.
func (g *MemoryIndex) StartSweeper(ctx context.Context, interval, ttl time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				g.SweepIdle(ttl)
			}
		}
	}()
}

// Haversine distance in meters.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
