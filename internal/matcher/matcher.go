package matcher

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/example/fleet-dispatch/internal/booking"
	"github.com/example/fleet-dispatch/internal/events"
	"github.com/example/fleet-dispatch/internal/geo"
	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/observability"
	"github.com/example/fleet-dispatch/internal/pricing"
)

// Availability is the read-side slice of the registry the matcher filters
// against. Offers are advisory; the authoritative race runs through Reserve
// at accept time, so the matcher takes no locks.
type Availability interface {
	IsAvailable(workerID string) bool
}

type Service struct {
	Geo      geo.Index
	Avail    Availability
	Bookings *booking.Service
	Bus      *events.Bus
	Pricing  *pricing.Calculator
	Logger   *slog.Logger

	RadiusKm float64 // base search radius, no widening
	TopN     int
}

func (s *Service) defaults() {
	if s.RadiusKm <= 0 {
		s.RadiusKm = 10
	}
	if s.TopN <= 0 {
		s.TopN = 5
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
}

// Match offers the booking to the nearest eligible workers and moves it to
// searching, or terminates it as no_drivers_available. Returns true when at
// least one worker was offered.
func (s *Service) Match(bookingID string) (bool, error) {
	s.defaults()

	b, err := s.Bookings.Get(bookingID)
	if err != nil {
		return false, err
	}
	if b.Status != models.StatusPending {
		return false, fmt.Errorf("%w: match requires pending, have %s", booking.ErrIllegalTransition, b.Status)
	}

	// fetch everything in radius: capping before the class/availability
	// filter would let a cluster of ineligible workers near the pickup hide
	// an eligible one farther out
	cands, err := s.Geo.Query(b.Pickup.Lat, b.Pickup.Lng, s.RadiusKm, 0)
	if err != nil {
		return false, err
	}

	eligible := cands[:0]
	for _, c := range cands {
		if c.VehicleClass != b.VehicleClass {
			continue
		}
		if !s.Avail.IsAvailable(c.WorkerID) {
			continue
		}
		eligible = append(eligible, c)
	}
	// geo already orders by distance, but the availability filter plus the
	// deterministic tie-break are re-asserted here so results never depend
	// on the index implementation
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].DistanceMeters != eligible[j].DistanceMeters {
			return eligible[i].DistanceMeters < eligible[j].DistanceMeters
		}
		return eligible[i].WorkerID < eligible[j].WorkerID
	})
	if len(eligible) > s.TopN {
		eligible = eligible[:s.TopN]
	}

	if len(eligible) == 0 {
		if err := s.Bookings.MarkNoDrivers(bookingID); err != nil {
			return false, err
		}
		observability.MatchesFailed.Inc()
		s.Logger.Info("no eligible workers", "booking_id", bookingID, "vehicle_class", string(b.VehicleClass))
		return false, nil
	}

	notified := make([]string, 0, len(eligible))
	for _, c := range eligible {
		notified = append(notified, c.WorkerID)
	}
	if err := s.Bookings.MarkSearching(bookingID, notified); err != nil {
		return false, err
	}

	for _, c := range eligible {
		s.Bus.Publish(events.TypeOfferIssued, events.OfferIssued{Offer: models.Offer{
			BookingID:      bookingID,
			WorkerID:       c.WorkerID,
			VehicleClass:   b.VehicleClass,
			Pickup:         b.Pickup,
			Drop:           b.Drop,
			DistanceMeters: c.DistanceMeters,
			FareTotal:      b.Fare.Total,
			Incentive:      s.Pricing.Incentive(c.DistanceMeters),
		}})
		observability.OffersIssued.Inc()
	}
	observability.MatchesTotal.Inc()
	s.Logger.Info("offers issued", "booking_id", bookingID, "workers", len(notified))
	return true, nil
}
