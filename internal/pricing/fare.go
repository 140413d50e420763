package pricing

import (
	"math"

	"github.com/example/fleet-dispatch/internal/models"
)

// Rate is the tariff for one vehicle class. Amounts are minor units.
type Rate struct {
	BaseFare int64 // covers the first MinKm
	PerKm    int64
	MinKm    float64
}

// Default tariff table. Overridable per deployment via Calculator.Rates.
var defaultRates = map[models.VehicleClass]Rate{
	models.VehicleTwoWheeler:  {BaseFare: 3000, PerKm: 1000, MinKm: 2},
	models.VehicleMiniTruck:   {BaseFare: 15000, PerKm: 3500, MinKm: 3},
	models.VehiclePickupTruck: {BaseFare: 25000, PerKm: 5000, MinKm: 3},
	models.VehicleLargeTruck:  {BaseFare: 50000, PerKm: 9000, MinKm: 4},
}

// Calculator prices bookings and splits completed fares between the
// platform and the worker.
type Calculator struct {
	Rates           map[models.VehicleClass]Rate
	Currency        string
	WorkerSharePct  int64 // worker's share of the fare total, default 80
	IncentivePerKm  int64 // per-km pickup incentive offered to candidates
	IncentiveFloor  int64
}

func NewCalculator(workerSharePct int64) *Calculator {
	if workerSharePct <= 0 || workerSharePct > 100 {
		workerSharePct = 80
	}
	return &Calculator{
		Rates:          defaultRates,
		Currency:       "INR",
		WorkerSharePct: workerSharePct,
		IncentivePerKm: 500,
		IncentiveFloor: 1000,
	}
}

// Quote builds the fare breakdown for a trip distance.
func (c *Calculator) Quote(class models.VehicleClass, distanceMeters float64) models.Fare {
	rate, ok := c.Rates[class]
	if !ok {
		rate = defaultRates[models.VehicleMiniTruck]
	}
	km := distanceMeters / 1000
	billable := km - rate.MinKm
	if billable < 0 {
		billable = 0
	}
	distanceCharge := int64(math.Round(billable * float64(rate.PerKm)))
	return models.Fare{
		Base:           rate.BaseFare,
		DistanceCharge: distanceCharge,
		Total:          rate.BaseFare + distanceCharge,
		Currency:       c.Currency,
	}
}

// Split divides a completed fare total. The worker share is rounded down;
// the platform keeps the remainder so the two always sum to the total.
func (c *Calculator) Split(total int64) (workerShare, platformShare int64) {
	workerShare = total * c.WorkerSharePct / 100
	return workerShare, total - workerShare
}

// Incentive is the extra amount shown on an offer for driving to a pickup
// pickupDistanceMeters away.
func (c *Calculator) Incentive(pickupDistanceMeters float64) int64 {
	v := int64(math.Round(pickupDistanceMeters / 1000 * float64(c.IncentivePerKm)))
	if v < c.IncentiveFloor {
		return c.IncentiveFloor
	}
	return v
}
