package events

import (
	"time"

	"github.com/example/fleet-dispatch/internal/models"
)

// Type names a domain event kind. The set is closed: subscribers switch on
// these constants and payload structs below.
type Type string

const (
	TypeBookingRequested  Type = "booking.requested"
	TypeOfferIssued       Type = "offer.issued"
	TypeOfferCancelled    Type = "offer.cancelled"
	TypeNoMatch           Type = "booking.no_match"
	TypeBookingAccepted   Type = "booking.accepted"
	TypeTripStarted       Type = "trip.started"
	TypeTripCompleted     Type = "trip.completed"
	TypeBookingCancelled  Type = "booking.cancelled"
	TypeBookingExpired    Type = "booking.expired"
	TypeWalletCredited    Type = "wallet.credited"
	TypeWithdrawalCreated Type = "wallet.withdrawal_created"
	TypeWithdrawalSettled Type = "wallet.withdrawal_settled"
	TypeKYCUpdated        Type = "worker.kyc_updated"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type    Type      `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type BookingRequested struct {
	BookingID    string              `json:"booking_id"`
	RequesterID  string              `json:"requester_id"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	Pickup       models.Coord        `json:"pickup"`
	Drop         models.Coord        `json:"drop"`
}

type OfferIssued struct {
	Offer models.Offer `json:"offer"`
}

// OfferCancelled tells a notified worker the booking is no longer open to
// them, either because another worker won or the booking left searching.
type OfferCancelled struct {
	BookingID string `json:"booking_id"`
	WorkerID  string `json:"worker_id"`
	Reason    string `json:"reason"`
}

type NoMatch struct {
	BookingID   string `json:"booking_id"`
	RequesterID string `json:"requester_id"`
}

type BookingAccepted struct {
	BookingID string `json:"booking_id"`
	WorkerID  string `json:"worker_id"`
}

type TripStarted struct {
	BookingID string `json:"booking_id"`
	WorkerID  string `json:"worker_id"`
}

type TripCompleted struct {
	BookingID   string      `json:"booking_id"`
	WorkerID    string      `json:"worker_id"`
	RequesterID string      `json:"requester_id"`
	Fare        models.Fare `json:"fare"`
}

type BookingCancelled struct {
	BookingID      string `json:"booking_id"`
	RequesterID    string `json:"requester_id"`
	AssignedWorker string `json:"assigned_worker,omitempty"`
	Actor          string `json:"actor"`
	Reason         string `json:"reason"`
}

type BookingExpired struct {
	BookingID   string `json:"booking_id"`
	RequesterID string `json:"requester_id"`
}

type WalletCredited struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Category  string `json:"category"`
	Reference string `json:"reference"`
}

type WithdrawalCreated struct {
	AccountID    string `json:"account_id"`
	WithdrawalID string `json:"withdrawal_id"`
	Amount       int64  `json:"amount"`
}

type WithdrawalSettled struct {
	AccountID    string `json:"account_id"`
	WithdrawalID string `json:"withdrawal_id"`
	Outcome      string `json:"outcome"`
}

type KYCUpdated struct {
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
}
