package geo

import (
	"errors"
	"testing"
	"time"

	"github.com/example/fleet-dispatch/internal/models"
)

func TestUpsertRejectsInvalidCoordinates(t *testing.T) {
	g := NewMemoryIndex()
	cases := []struct{ lat, lng float64 }{
		{91, 0}, {-91, 0}, {0, 181}, {0, -181},
	}
	for _, c := range cases {
		if err := g.Upsert("w1", models.VehicleMiniTruck, c.lat, c.lng); !errors.Is(err, ErrInvalidCoordinate) {
			t.Fatalf("lat=%f lng=%f: expected ErrInvalidCoordinate, got %v", c.lat, c.lng, err)
		}
	}
	if got, _ := g.Query(0, 0, 10000, 0); len(got) != 0 {
		t.Fatalf("rejected upsert must not mutate index, got %d entries", len(got))
	}
}

func TestQueryOrdersNearestFirst(t *testing.T) {
	g := NewMemoryIndex()
	// roughly 1km and 3km north of the pickup point
	mustUpsert(t, g, "far", 19.097, 72.87)
	mustUpsert(t, g, "near", 19.079, 72.87)

	got, err := g.Query(19.07, 72.87, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].WorkerID != "near" || got[1].WorkerID != "far" {
		t.Fatalf("wrong order: %s, %s", got[0].WorkerID, got[1].WorkerID)
	}
	if got[0].DistanceMeters >= got[1].DistanceMeters {
		t.Fatalf("distances not ascending: %f >= %f", got[0].DistanceMeters, got[1].DistanceMeters)
	}
}

func TestQueryRespectsRadiusAndLimit(t *testing.T) {
	g := NewMemoryIndex()
	mustUpsert(t, g, "inside", 19.071, 72.87)
	mustUpsert(t, g, "outside", 19.5, 72.87) // ~48km away

	got, err := g.Query(19.07, 72.87, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].WorkerID != "inside" {
		t.Fatalf("expected only inside worker, got %v", got)
	}

	mustUpsert(t, g, "a", 19.072, 72.87)
	mustUpsert(t, g, "b", 19.073, 72.87)
	got, _ = g.Query(19.07, 72.87, 10, 2)
	if len(got) != 2 {
		t.Fatalf("limit not applied, got %d", len(got))
	}
}

func TestQueryTieBreaksByWorkerID(t *testing.T) {
	g := NewMemoryIndex()
	mustUpsert(t, g, "zeta", 19.08, 72.87)
	mustUpsert(t, g, "alpha", 19.08, 72.87)

	got, _ := g.Query(19.07, 72.87, 10, 5)
	if len(got) != 2 || got[0].WorkerID != "alpha" {
		t.Fatalf("expected alpha first on tie, got %v", got)
	}
}

func TestSweepIdleEvictsStaleWorkers(t *testing.T) {
	g := NewMemoryIndex()
	mustUpsert(t, g, "stale", 19.07, 72.87)
	g.workers["stale"] = entry{
		loc:     g.workers["stale"].loc,
		class:   g.workers["stale"].class,
		updated: time.Now().Add(-2 * time.Hour),
	}
	mustUpsert(t, g, "fresh", 19.07, 72.87)

	if n := g.SweepIdle(time.Hour); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	got, _ := g.Query(19.07, 72.87, 10, 5)
	if len(got) != 1 || got[0].WorkerID != "fresh" {
		t.Fatalf("expected only fresh worker after sweep, got %v", got)
	}
}

func TestRemove(t *testing.T) {
	g := NewMemoryIndex()
	mustUpsert(t, g, "w1", 19.07, 72.87)
	g.Remove("w1")
	if got, _ := g.Query(19.07, 72.87, 10, 5); len(got) != 0 {
		t.Fatalf("expected empty index after remove, got %v", got)
	}
}

func mustUpsert(t *testing.T, g *MemoryIndex, id string, lat, lng float64) {
	t.Helper()
	if err := g.Upsert(id, models.VehicleMiniTruck, lat, lng); err != nil {
		t.Fatal(err)
	}
}
