package matcher

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/fleet-dispatch/internal/availability"
	"github.com/example/fleet-dispatch/internal/booking"
	"github.com/example/fleet-dispatch/internal/events"
	"github.com/example/fleet-dispatch/internal/geo"
	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/pricing"
	"github.com/example/fleet-dispatch/internal/storage"
)

type fixture struct {
	geo      *geo.MemoryIndex
	reg      *availability.Registry
	bookings *booking.Service
	bus      *events.Bus
	matcher  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	g := geo.NewMemoryIndex()
	reg := availability.NewRegistry()
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	bookings := booking.NewService(storage.NewMemoryStore(), reg, bus, nil)
	m := &Service{
		Geo:      g,
		Avail:    reg,
		Bookings: bookings,
		Bus:      bus,
		Pricing:  pricing.NewCalculator(80),
		RadiusKm: 10,
		TopN:     5,
	}
	return &fixture{geo: g, reg: reg, bookings: bookings, bus: bus, matcher: m}
}

func (f *fixture) addWorker(t *testing.T, id string, class models.VehicleClass, lat, lng float64) {
	t.Helper()
	if err := f.geo.Upsert(id, class, lat, lng); err != nil {
		t.Fatal(err)
	}
	f.reg.SetAvailable(id, true)
}

func (f *fixture) createBooking(t *testing.T, class models.VehicleClass) *models.BookingRecord {
	t.Helper()
	b, err := f.bookings.Create("cust-1", models.Coord{Lat: 19.07, Lng: 72.87}, models.Coord{Lat: 19.2, Lng: 72.9},
		class, "", models.Fare{Total: 1000, Currency: "INR"})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// scenario A: two mini-truck workers at ~1km and ~3km, both offered
// nearest-first, nearer one accepts, farther one gets a cancelled-offer.
func TestMatchOffersNearestFirstAndLoserGetsCancellation(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "near", models.VehicleMiniTruck, 19.079, 72.87)
	f.addWorker(t, "far", models.VehicleMiniTruck, 19.097, 72.87)

	var mu sync.Mutex
	var offers []models.Offer
	offered := make(chan struct{}, 4)
	f.bus.Subscribe(events.TypeOfferIssued, func(ev events.Event) {
		mu.Lock()
		offers = append(offers, ev.Payload.(events.OfferIssued).Offer)
		mu.Unlock()
		offered <- struct{}{}
	})
	cancelled := make(chan events.OfferCancelled, 4)
	f.bus.Subscribe(events.TypeOfferCancelled, func(ev events.Event) {
		cancelled <- ev.Payload.(events.OfferCancelled)
	})

	b := f.createBooking(t, models.VehicleMiniTruck)
	ok, err := f.matcher.Match(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a match")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-offered:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for offers")
		}
	}
	mu.Lock()
	if len(offers) != 2 || offers[0].WorkerID != "near" || offers[1].WorkerID != "far" {
		t.Fatalf("offers not nearest-first: %+v", offers)
	}
	if offers[0].Incentive <= 0 {
		t.Fatalf("offer missing incentive: %+v", offers[0])
	}
	mu.Unlock()

	rec, _ := f.bookings.Get(b.ID)
	if rec.Status != models.StatusSearching {
		t.Fatalf("expected searching, got %s", rec.Status)
	}
	if len(rec.NotifiedWorkers) != 2 || rec.NotifiedWorkers[0] != "near" {
		t.Fatalf("notified set wrong: %v", rec.NotifiedWorkers)
	}

	if _, err := f.bookings.Accept(b.ID, "near"); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-cancelled:
		if c.WorkerID != "far" {
			t.Fatalf("cancelled-offer to wrong worker: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("farther worker never got cancelled-offer")
	}
}

// scenario B: no matching vehicle class online.
func TestMatchNoEligibleWorkers(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "wrong-class", models.VehicleLargeTruck, 19.071, 72.87)

	noMatch := make(chan events.NoMatch, 1)
	f.bus.Subscribe(events.TypeNoMatch, func(ev events.Event) {
		noMatch <- ev.Payload.(events.NoMatch)
	})

	b := f.createBooking(t, models.VehicleMiniTruck)
	ok, err := f.matcher.Match(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no match")
	}
	rec, _ := f.bookings.Get(b.ID)
	if rec.Status != models.StatusNoDriversAvailable {
		t.Fatalf("expected no_drivers_available, got %s", rec.Status)
	}
	if len(rec.NotifiedWorkers) != 0 {
		t.Fatalf("notifiedWorkers must be empty: %v", rec.NotifiedWorkers)
	}
	select {
	case nm := <-noMatch:
		if nm.BookingID != b.ID {
			t.Fatalf("no-match for wrong booking: %+v", nm)
		}
	case <-time.After(time.Second):
		t.Fatal("no-match event never published")
	}
}

func TestMatchFiltersUnavailableWorkers(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "free", models.VehicleMiniTruck, 19.075, 72.87)
	f.addWorker(t, "busy", models.VehicleMiniTruck, 19.071, 72.87)
	if !f.reg.Reserve("busy") {
		t.Fatal("reserve failed")
	}

	b := f.createBooking(t, models.VehicleMiniTruck)
	ok, err := f.matcher.Match(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a match")
	}
	rec, _ := f.bookings.Get(b.ID)
	if len(rec.NotifiedWorkers) != 1 || rec.NotifiedWorkers[0] != "free" {
		t.Fatalf("reserved worker must be filtered: %v", rec.NotifiedWorkers)
	}
}

func TestMatchCapsAtTopN(t *testing.T) {
	f := newFixture(t)
	f.matcher.TopN = 2
	for _, id := range []string{"a", "b", "c", "d"} {
		f.addWorker(t, id, models.VehicleMiniTruck, 19.072, 72.87)
	}

	b := f.createBooking(t, models.VehicleMiniTruck)
	if _, err := f.matcher.Match(b.ID); err != nil {
		t.Fatal(err)
	}
	rec, _ := f.bookings.Get(b.ID)
	if len(rec.NotifiedWorkers) != 2 {
		t.Fatalf("expected top-2, got %v", rec.NotifiedWorkers)
	}
	// equidistant: deterministic id order
	if rec.NotifiedWorkers[0] != "a" || rec.NotifiedWorkers[1] != "b" {
		t.Fatalf("tie-break not deterministic: %v", rec.NotifiedWorkers)
	}
}

// A crowd of wrong-class workers near the pickup must not mask an eligible
// worker farther out but still inside the radius.
func TestMatchSeesEligibleWorkerBehindIneligibleCrowd(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 25; i++ {
		f.addWorker(t, fmt.Sprintf("lt-%02d", i), models.VehicleLargeTruck, 19.0701, 72.8701)
	}
	f.addWorker(t, "mini", models.VehicleMiniTruck, 19.09, 72.87) // ~2.2km

	b := f.createBooking(t, models.VehicleMiniTruck)
	ok, err := f.matcher.Match(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("eligible worker in radius was not offered")
	}
	rec, _ := f.bookings.Get(b.ID)
	if rec.Status != models.StatusSearching {
		t.Fatalf("expected searching, got %s", rec.Status)
	}
	if len(rec.NotifiedWorkers) != 1 || rec.NotifiedWorkers[0] != "mini" {
		t.Fatalf("notified set wrong: %v", rec.NotifiedWorkers)
	}
}

func TestMatchRespectsRadius(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "too-far", models.VehicleMiniTruck, 19.5, 72.87) // ~48km

	b := f.createBooking(t, models.VehicleMiniTruck)
	ok, err := f.matcher.Match(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("worker outside radius must not be offered")
	}
}

func TestMatchRequiresPendingBooking(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w1", models.VehicleMiniTruck, 19.072, 72.87)
	b := f.createBooking(t, models.VehicleMiniTruck)
	if _, err := f.matcher.Match(b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.matcher.Match(b.ID); err == nil {
		t.Fatal("second match on same booking must fail")
	}
}
