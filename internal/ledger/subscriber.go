package ledger

import (
	"fmt"
	"log/slog"

	"github.com/example/fleet-dispatch/internal/events"
	"github.com/example/fleet-dispatch/internal/pricing"
)

// NewTripCreditHandler returns the bus handler that credits a worker's share
// of the fare when a trip completes. It runs on the bus's subscriber
// goroutine, never inside the booking transition.
func NewTripCreditHandler(svc *Service, calc *pricing.Calculator, bus *events.Bus, logger *slog.Logger) events.Handler {
	return func(ev events.Event) {
		done, ok := ev.Payload.(events.TripCompleted)
		if !ok {
			return
		}
		workerShare, _ := calc.Split(done.Fare.Total)
		if workerShare <= 0 {
			return
		}
		ref := fmt.Sprintf("booking:%s", done.BookingID)
		tx, err := svc.Credit(done.WorkerID, AccountWorker, workerShare, "trip_earnings", ref)
		if err != nil {
			logger.Error("trip credit failed", "booking_id", done.BookingID, "worker_id", done.WorkerID, "error", err)
			return
		}
		if bus != nil {
			bus.Publish(events.TypeWalletCredited, events.WalletCredited{
				AccountID: done.WorkerID,
				Amount:    tx.Amount,
				Category:  tx.Category,
				Reference: tx.Reference,
			})
		}
	}
}

// NewCancellationRefundHandler refunds the requester's prepaid fare, if any,
// when a booking is cancelled. Refund amounts are looked up by reference in
// the requester's log, so cancelling an unpaid booking is a no-op.
func NewCancellationRefundHandler(svc *Service, logger *slog.Logger) events.Handler {
	return func(ev events.Event) {
		c, ok := ev.Payload.(events.BookingCancelled)
		if !ok {
			return
		}
		ref := fmt.Sprintf("booking:%s", c.BookingID)
		hist, err := svc.GetHistory(c.RequesterID, 1, 100)
		if err != nil {
			return // account never charged
		}
		var paid int64
		for _, tx := range hist {
			if tx.Reference != ref {
				continue
			}
			switch {
			case tx.Type == TxDebit && tx.Category == "booking_payment":
				paid += tx.Amount
			case tx.Type == TxCredit && tx.Category == "booking_refund":
				paid -= tx.Amount
			}
		}
		if paid <= 0 {
			return
		}
		if _, err := svc.Credit(c.RequesterID, AccountCustomer, paid, "booking_refund", ref); err != nil {
			logger.Error("cancellation refund failed", "booking_id", c.BookingID, "error", err)
		}
	}
}
