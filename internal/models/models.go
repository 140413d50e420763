package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// VehicleClass identifies the kind of vehicle a worker operates and a
// booking requires. Matching is exact: a mini-truck booking is never
// offered to a pickup-truck worker.
type VehicleClass string

const (
	VehicleTwoWheeler  VehicleClass = "two-wheeler"
	VehicleMiniTruck   VehicleClass = "mini-truck"
	VehiclePickupTruck VehicleClass = "pickup-truck"
	VehicleLargeTruck  VehicleClass = "large-truck"
)

func (v VehicleClass) Valid() bool {
	switch v {
	case VehicleTwoWheeler, VehicleMiniTruck, VehiclePickupTruck, VehicleLargeTruck:
		return true
	}
	return false
}

type BookingStatus string

const (
	StatusPending            BookingStatus = "pending"
	StatusSearching          BookingStatus = "searching"
	StatusConfirmed          BookingStatus = "confirmed"
	StatusInProgress         BookingStatus = "in_progress"
	StatusCompleted          BookingStatus = "completed"
	StatusCancelled          BookingStatus = "cancelled"
	StatusExpired            BookingStatus = "expired"
	StatusNoDriversAvailable BookingStatus = "no_drivers_available"
)

func (s BookingStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired, StatusNoDriversAvailable:
		return true
	}
	return false
}

// TimelineEntry is one immutable line of booking history. Entries are only
// ever appended, one per transition.
type TimelineEntry struct {
	Status BookingStatus `json:"status"`
	At     time.Time     `json:"at"`
	Note   string        `json:"note,omitempty"`
}

// Fare amounts are integer minor units (paise, cents).
type Fare struct {
	Base           int64  `json:"base"`
	DistanceCharge int64  `json:"distance_charge"`
	Total          int64  `json:"total"`
	Currency       string `json:"currency"`
}

type Cancellation struct {
	Actor  string    `json:"actor"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type BookingRecord struct {
	ID              string          `json:"id"`
	RequesterID     string          `json:"requester_id"`
	AssignedWorker  string          `json:"assigned_worker,omitempty"`
	Status          BookingStatus   `json:"status"`
	VehicleClass    VehicleClass    `json:"vehicle_class"`
	Pickup          Coord           `json:"pickup"`
	Drop            Coord           `json:"drop"`
	Requirements    string          `json:"requirements,omitempty"`
	Fare            Fare            `json:"fare"`
	Timeline        []TimelineEntry `json:"timeline"`
	NotifiedWorkers []string        `json:"notified_workers,omitempty"`
	Cancellation    *Cancellation   `json:"cancellation,omitempty"`
	Archived        bool            `json:"archived"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to callers while the original
// stays under the owning service's lock.
func (b *BookingRecord) Clone() *BookingRecord {
	cp := *b
	cp.Timeline = append([]TimelineEntry(nil), b.Timeline...)
	cp.NotifiedWorkers = append([]string(nil), b.NotifiedWorkers...)
	if b.Cancellation != nil {
		c := *b.Cancellation
		cp.Cancellation = &c
	}
	return &cp
}

type WorkerLocation struct {
	WorkerID     string       `json:"worker_id"`
	Loc          Coord        `json:"loc"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Offer is the summary pushed to a candidate worker.
type Offer struct {
	BookingID      string       `json:"booking_id"`
	WorkerID       string       `json:"worker_id"`
	VehicleClass   VehicleClass `json:"vehicle_class"`
	Pickup         Coord        `json:"pickup"`
	Drop           Coord        `json:"drop"`
	DistanceMeters float64      `json:"distance_meters"`
	FareTotal      int64        `json:"fare_total"`
	Incentive      int64        `json:"incentive"`
}
