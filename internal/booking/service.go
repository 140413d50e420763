// Package booking owns the canonical lifecycle of a booking:
//
//	pending → searching → confirmed → in_progress → completed
//
// with terminal side exits searching → no_drivers_available | expired and
// {pending, searching, confirmed} → cancelled. Transitions on one booking
// are serialized by a per-booking mutex; the accept race between notified
// workers is resolved by the availability registry's Reserve.
package booking

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/fleet-dispatch/internal/events"
	"github.com/example/fleet-dispatch/internal/geo"
	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/storage"
)

var (
	ErrNotFound            = errors.New("booking not found")
	ErrIllegalTransition   = errors.New("illegal booking transition")
	ErrAlreadyAssigned     = errors.New("booking already assigned")
	ErrBookingUnavailable  = errors.New("booking no longer available")
	ErrInvalidVehicleClass = errors.New("invalid vehicle class")
	// ErrPersistenceFailure wraps a store write that failed after guards
	// passed; callers may retry.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// Reservations is the slice of the availability registry the state machine
// needs: the atomic claim and its release.
type Reservations interface {
	Reserve(workerID string) bool
	Release(workerID string)
}

type Service struct {
	store  storage.BookingStore
	res    Reservations
	bus    *events.Bus
	logger *slog.Logger

	// OfferExpiry > 0 arms a timer on entering searching that expires the
	// booking if nobody accepts in time. Zero disables it.
	OfferExpiry time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(store storage.BookingStore, res Reservations, bus *events.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, res: res, bus: bus, logger: logger, locks: make(map[string]*sync.Mutex)}
}

func (s *Service) lockFor(bookingID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[bookingID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[bookingID] = l
	}
	return l
}

// dropLock prunes the per-booking mutex once the booking is terminal, so the
// lock map does not grow with booking history. A straggler still holding the
// old mutex can only fail its status guard or repeat an idempotent archive.
func (s *Service) dropLock(bookingID string) {
	s.mu.Lock()
	delete(s.locks, bookingID)
	s.mu.Unlock()
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func appendTimeline(b *models.BookingRecord, status models.BookingStatus, note string) {
	now := time.Now()
	b.Status = status
	b.UpdatedAt = now
	b.Timeline = append(b.Timeline, models.TimelineEntry{Status: status, At: now, Note: note})
}

// Create persists a new booking in pending and announces it. The matcher is
// invoked by the caller afterwards.
func (s *Service) Create(requesterID string, pickup, drop models.Coord, class models.VehicleClass, requirements string, fare models.Fare) (*models.BookingRecord, error) {
	if !class.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVehicleClass, class)
	}
	if err := geo.ValidateCoord(pickup.Lat, pickup.Lng); err != nil {
		return nil, err
	}
	if err := geo.ValidateCoord(drop.Lat, drop.Lng); err != nil {
		return nil, err
	}

	now := time.Now()
	b := &models.BookingRecord{
		ID:           newID(),
		RequesterID:  requesterID,
		Status:       models.StatusPending,
		VehicleClass: class,
		Pickup:       pickup,
		Drop:         drop,
		Requirements: requirements,
		Fare:         fare,
		CreatedAt:    now,
	}
	appendTimeline(b, models.StatusPending, "booking created")
	if err := s.store.SaveBooking(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	s.bus.Publish(events.TypeBookingRequested, events.BookingRequested{
		BookingID:    b.ID,
		RequesterID:  requesterID,
		VehicleClass: class,
		Pickup:       pickup,
		Drop:         drop,
	})
	return b.Clone(), nil
}

func (s *Service) Get(bookingID string) (*models.BookingRecord, error) {
	b, err := s.store.GetBooking(bookingID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return b, err
}

// MarkSearching records the offered worker set and moves pending →
// searching. Called by the matcher with a non-empty candidate list.
func (s *Service) MarkSearching(bookingID string, notified []string) error {
	l := s.lockFor(bookingID)
	l.Lock()

	b, err := s.load(bookingID)
	if err != nil {
		l.Unlock()
		return err
	}
	if b.Status != models.StatusPending {
		l.Unlock()
		return fmt.Errorf("%w: %s → searching", ErrIllegalTransition, b.Status)
	}
	b.NotifiedWorkers = append([]string(nil), notified...)
	appendTimeline(b, models.StatusSearching, fmt.Sprintf("offered to %d workers", len(notified)))
	if err := s.persist(b); err != nil {
		l.Unlock()
		return err
	}
	l.Unlock()

	if s.OfferExpiry > 0 {
		time.AfterFunc(s.OfferExpiry, func() {
			if err := s.Expire(bookingID); err != nil && !errors.Is(err, ErrIllegalTransition) {
				s.logger.Error("offer expiry failed", "booking_id", bookingID, "error", err)
			}
		})
	}
	return nil
}

// MarkNoDrivers terminates a booking that found no eligible candidates.
func (s *Service) MarkNoDrivers(bookingID string) error {
	l := s.lockFor(bookingID)
	l.Lock()

	b, err := s.load(bookingID)
	if err != nil {
		l.Unlock()
		return err
	}
	if b.Status != models.StatusPending && b.Status != models.StatusSearching {
		l.Unlock()
		return fmt.Errorf("%w: %s → no_drivers_available", ErrIllegalTransition, b.Status)
	}
	b.NotifiedWorkers = nil
	appendTimeline(b, models.StatusNoDriversAvailable, "no eligible workers")
	if err := s.persist(b); err != nil {
		l.Unlock()
		return err
	}
	requester := b.RequesterID
	l.Unlock()
	s.dropLock(bookingID)

	s.bus.Publish(events.TypeNoMatch, events.NoMatch{BookingID: bookingID, RequesterID: requester})
	return nil
}

// Accept resolves the first-responder race. The reservation on the
// availability registry is the atomic claim: of N concurrent accepts for
// one booking, exactly one reaches confirmed.
func (s *Service) Accept(bookingID, workerID string) (*models.BookingRecord, error) {
	l := s.lockFor(bookingID)
	l.Lock()

	b, err := s.load(bookingID)
	if err != nil {
		l.Unlock()
		return nil, err
	}
	switch b.Status {
	case models.StatusSearching:
	case models.StatusConfirmed, models.StatusInProgress, models.StatusCompleted:
		l.Unlock()
		return nil, ErrAlreadyAssigned
	default:
		l.Unlock()
		return nil, ErrBookingUnavailable
	}
	if !contains(b.NotifiedWorkers, workerID) {
		l.Unlock()
		return nil, fmt.Errorf("%w: worker %s was not offered booking %s", ErrIllegalTransition, workerID, bookingID)
	}
	if !s.res.Reserve(workerID) {
		l.Unlock()
		return nil, ErrAlreadyAssigned
	}

	losers := excluding(b.NotifiedWorkers, workerID)
	b.AssignedWorker = workerID
	b.NotifiedWorkers = nil
	appendTimeline(b, models.StatusConfirmed, "accepted by "+workerID)
	if err := s.persist(b); err != nil {
		// guards passed but the write failed; the reservation must not
		// outlive the failed transition
		s.res.Release(workerID)
		l.Unlock()
		return nil, err
	}
	out := b.Clone()
	l.Unlock()

	s.bus.Publish(events.TypeBookingAccepted, events.BookingAccepted{BookingID: bookingID, WorkerID: workerID})
	for _, w := range losers {
		s.bus.Publish(events.TypeOfferCancelled, events.OfferCancelled{BookingID: bookingID, WorkerID: w, Reason: "another worker accepted"})
	}
	return out, nil
}

// Start moves confirmed → in_progress for the assigned worker.
func (s *Service) Start(bookingID, workerID string) (*models.BookingRecord, error) {
	l := s.lockFor(bookingID)
	l.Lock()

	b, err := s.load(bookingID)
	if err != nil {
		l.Unlock()
		return nil, err
	}
	if b.Status != models.StatusConfirmed || b.AssignedWorker != workerID {
		l.Unlock()
		return nil, fmt.Errorf("%w: start requires confirmed status and the assigned worker", ErrIllegalTransition)
	}
	appendTimeline(b, models.StatusInProgress, "trip started")
	if err := s.persist(b); err != nil {
		l.Unlock()
		return nil, err
	}
	out := b.Clone()
	l.Unlock()

	s.bus.Publish(events.TypeTripStarted, events.TripStarted{BookingID: bookingID, WorkerID: workerID})
	return out, nil
}

// Complete terminates the trip, releases the worker and announces
// completion; the ledger credits the worker via its bus subscription.
func (s *Service) Complete(bookingID, workerID string) (*models.BookingRecord, error) {
	l := s.lockFor(bookingID)
	l.Lock()

	b, err := s.load(bookingID)
	if err != nil {
		l.Unlock()
		return nil, err
	}
	if b.Status != models.StatusInProgress || b.AssignedWorker != workerID {
		l.Unlock()
		return nil, fmt.Errorf("%w: complete requires in_progress status and the assigned worker", ErrIllegalTransition)
	}
	appendTimeline(b, models.StatusCompleted, "trip completed")
	if err := s.persist(b); err != nil {
		l.Unlock()
		return nil, err
	}
	out := b.Clone()
	l.Unlock()
	s.dropLock(bookingID)

	s.res.Release(workerID)
	s.bus.Publish(events.TypeTripCompleted, events.TripCompleted{
		BookingID:   bookingID,
		WorkerID:    workerID,
		RequesterID: out.RequesterID,
		Fare:        out.Fare,
	})
	return out, nil
}

// Cancel is legal from pending, searching and confirmed. A reserved worker
// is released; refund handling is the ledger's business, reached over the
// bus.
func (s *Service) Cancel(bookingID, actor, reason string) (*models.BookingRecord, error) {
	l := s.lockFor(bookingID)
	l.Lock()

	b, err := s.load(bookingID)
	if err != nil {
		l.Unlock()
		return nil, err
	}
	switch b.Status {
	case models.StatusPending, models.StatusSearching, models.StatusConfirmed:
	default:
		l.Unlock()
		return nil, fmt.Errorf("%w: cannot cancel from %s", ErrIllegalTransition, b.Status)
	}
	released := b.AssignedWorker
	losers := append([]string(nil), b.NotifiedWorkers...)
	b.NotifiedWorkers = nil
	b.Cancellation = &models.Cancellation{Actor: actor, Reason: reason, At: time.Now()}
	appendTimeline(b, models.StatusCancelled, "cancelled by "+actor)
	if err := s.persist(b); err != nil {
		l.Unlock()
		return nil, err
	}
	out := b.Clone()
	l.Unlock()
	s.dropLock(bookingID)

	if released != "" {
		s.res.Release(released)
	}
	for _, w := range losers {
		s.bus.Publish(events.TypeOfferCancelled, events.OfferCancelled{BookingID: bookingID, WorkerID: w, Reason: "booking cancelled"})
	}
	s.bus.Publish(events.TypeBookingCancelled, events.BookingCancelled{
		BookingID:      bookingID,
		RequesterID:    out.RequesterID,
		AssignedWorker: released,
		Actor:          actor,
		Reason:         reason,
	})
	return out, nil
}

// Expire terminates a searching booking whose offers went unanswered.
// Callable by an external timer as well as the internal one.
func (s *Service) Expire(bookingID string) error {
	l := s.lockFor(bookingID)
	l.Lock()

	b, err := s.load(bookingID)
	if err != nil {
		l.Unlock()
		return err
	}
	if b.Status != models.StatusSearching {
		l.Unlock()
		return fmt.Errorf("%w: expire requires searching, have %s", ErrIllegalTransition, b.Status)
	}
	losers := append([]string(nil), b.NotifiedWorkers...)
	b.NotifiedWorkers = nil
	appendTimeline(b, models.StatusExpired, "offers expired unanswered")
	if err := s.persist(b); err != nil {
		l.Unlock()
		return err
	}
	requester := b.RequesterID
	l.Unlock()
	s.dropLock(bookingID)

	for _, w := range losers {
		s.bus.Publish(events.TypeOfferCancelled, events.OfferCancelled{BookingID: bookingID, WorkerID: w, Reason: "offer expired"})
	}
	s.bus.Publish(events.TypeBookingExpired, events.BookingExpired{BookingID: bookingID, RequesterID: requester})
	return nil
}

// Archive soft-archives a terminal booking. Records referenced by ledger
// entries are never physically deleted.
func (s *Service) Archive(bookingID string) error {
	l := s.lockFor(bookingID)
	l.Lock()
	defer s.dropLock(bookingID)
	defer l.Unlock()

	b, err := s.load(bookingID)
	if err != nil {
		return err
	}
	if !b.Status.Terminal() {
		return fmt.Errorf("%w: archive requires a terminal status, have %s", ErrIllegalTransition, b.Status)
	}
	if b.Archived {
		return nil
	}
	b.Archived = true
	b.UpdatedAt = time.Now()
	return s.persist(b)
}

func (s *Service) load(bookingID string) (*models.BookingRecord, error) {
	b, err := s.store.GetBooking(bookingID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return b, nil
}

func (s *Service) persist(b *models.BookingRecord) error {
	if err := s.store.UpdateBooking(b); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func excluding(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
