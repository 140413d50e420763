package payments

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/fleet-dispatch/internal/events"
)

// CaptureFlow drives the gateway from booking lifecycle events: hold the
// fare when a worker accepts, capture it when the trip completes, release
// it on cancellation. It keeps the PaymentIntent id per booking; all
// gateway I/O happens on bus subscriber goroutines.
type CaptureFlow struct {
	client *StripeClient
	logger *slog.Logger

	mu      sync.Mutex
	intents map[string]string // bookingID -> payment intent id
	fares   map[string]fare
}

type fare struct {
	amount   int64
	currency string
	customer string
}

func NewCaptureFlow(client *StripeClient, logger *slog.Logger) *CaptureFlow {
	return &CaptureFlow{
		client:  client,
		logger:  logger,
		intents: make(map[string]string),
		fares:   make(map[string]fare),
	}
}

// Attach wires the flow to the bus.
func (f *CaptureFlow) Attach(bus *events.Bus) {
	bus.Subscribe(events.TypeBookingRequested, f.onRequested)
	bus.Subscribe(events.TypeBookingAccepted, f.onAccepted)
	bus.Subscribe(events.TypeTripCompleted, f.onCompleted)
	bus.Subscribe(events.TypeBookingCancelled, f.onCancelled)
}

func (f *CaptureFlow) onRequested(ev events.Event) {
	p, ok := ev.Payload.(events.BookingRequested)
	if !ok {
		return
	}
	f.mu.Lock()
	f.fares[p.BookingID] = fare{customer: p.RequesterID}
	f.mu.Unlock()
}

func (f *CaptureFlow) onAccepted(ev events.Event) {
	p, ok := ev.Payload.(events.BookingAccepted)
	if !ok {
		return
	}
	f.mu.Lock()
	fr := f.fares[p.BookingID]
	f.mu.Unlock()
	if fr.amount <= 0 {
		return // cash booking, nothing to hold
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := f.client.Hold(ctx, fr.amount, fr.currency, fr.customer)
	if err != nil {
		f.logger.Error("payment hold failed", "booking_id", p.BookingID, "error", err)
		return
	}
	f.mu.Lock()
	f.intents[p.BookingID] = id
	f.mu.Unlock()
}

func (f *CaptureFlow) onCompleted(ev events.Event) {
	p, ok := ev.Payload.(events.TripCompleted)
	if !ok {
		return
	}
	if id := f.take(p.BookingID); id != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.client.Capture(ctx, id); err != nil {
			f.logger.Error("payment capture failed", "booking_id", p.BookingID, "error", err)
		}
	}
}

func (f *CaptureFlow) onCancelled(ev events.Event) {
	p, ok := ev.Payload.(events.BookingCancelled)
	if !ok {
		return
	}
	if id := f.take(p.BookingID); id != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.client.Cancel(ctx, id); err != nil {
			f.logger.Error("payment release failed", "booking_id", p.BookingID, "error", err)
		}
	}
}

// SetPrepaidFare marks a booking as card-paid so acceptance places a hold.
func (f *CaptureFlow) SetPrepaidFare(bookingID string, amount int64, currency string) {
	f.mu.Lock()
	fr := f.fares[bookingID]
	fr.amount = amount
	fr.currency = currency
	f.fares[bookingID] = fr
	f.mu.Unlock()
}

func (f *CaptureFlow) take(bookingID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.intents[bookingID]
	delete(f.intents, bookingID)
	delete(f.fares, bookingID)
	return id
}
