package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/fleet-dispatch/internal/booking"
	"github.com/example/fleet-dispatch/internal/events"
	"github.com/example/fleet-dispatch/internal/geo"
	"github.com/example/fleet-dispatch/internal/ledger"
	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/observability"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps core errors onto HTTP statuses: validation 400, unknown
// 404, race losses and guard violations 409, ledger preconditions 422,
// failed persistence 503 (retryable).
func statusFor(err error) int {
	switch {
	case errors.Is(err, geo.ErrInvalidCoordinate),
		errors.Is(err, booking.ErrInvalidVehicleClass),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, booking.ErrNotFound),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrWithdrawalNotFound):
		return http.StatusNotFound
	case errors.Is(err, booking.ErrAlreadyAssigned),
		errors.Is(err, booking.ErrBookingUnavailable),
		errors.Is(err, booking.ErrIllegalTransition),
		errors.Is(err, ledger.ErrWithdrawalInProgress),
		errors.Is(err, ledger.ErrWithdrawalFinal):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrBelowMinimum),
		errors.Is(err, ledger.ErrAboveMaximum):
		return http.StatusUnprocessableEntity
	case errors.Is(err, booking.ErrPersistenceFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

type createBookingRequest struct {
	RequesterID  string              `json:"requester_id"`
	Pickup       models.Coord        `json:"pickup"`
	Drop         models.Coord        `json:"drop"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	Requirements string              `json:"requirements,omitempty"`
	// "card" places a gateway hold on acceptance; anything else is cash
	PaymentMethod string `json:"payment_method,omitempty"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	route, err := s.Oracle.Estimate(req.Pickup, req.Drop)
	if err != nil {
		s.writeError(w, err)
		return
	}
	fare := s.Pricing.Quote(req.VehicleClass, route.DistanceMeters)

	b, err := s.Bookings.Create(req.RequesterID, req.Pickup, req.Drop, req.VehicleClass, req.Requirements, fare)
	if err != nil {
		s.writeError(w, err)
		return
	}
	observability.BookingsCreated.Inc()

	if req.PaymentMethod == "card" && s.Payments != nil {
		s.Payments.SetPrepaidFare(b.ID, fare.Total, fare.Currency)
	}

	if _, err := s.Matcher.Match(b.ID); err != nil {
		s.logger.Error("match failed", "booking_id", b.ID, "error", err)
	}
	// re-read: the matcher moved the booking to searching or
	// no_drivers_available
	if cur, err := s.Bookings.Get(b.ID); err == nil {
		b = cur
	}
	if b.Status.Terminal() {
		observability.BookingsByOutcome.WithLabelValues(string(b.Status)).Inc()
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type workerActionRequest struct {
	WorkerID string `json:"worker_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req workerActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	b, err := s.Bookings.Accept(mux.Vars(r)["id"], req.WorkerID)
	if err != nil {
		if errors.Is(err, booking.ErrAlreadyAssigned) {
			observability.AcceptRaceLost.Inc()
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req workerActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	b, err := s.Bookings.Start(mux.Vars(r)["id"], req.WorkerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req workerActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	b, err := s.Bookings.Complete(mux.Vars(r)["id"], req.WorkerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	observability.BookingsByOutcome.WithLabelValues(string(b.Status)).Inc()
	writeJSON(w, http.StatusOK, b)
}

type cancelRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	b, err := s.Bookings.Cancel(mux.Vars(r)["id"], req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	observability.BookingsByOutcome.WithLabelValues(string(b.Status)).Inc()
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if err := s.Bookings.Archive(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type locationRequest struct {
	WorkerID     string              `json:"worker_id"`
	Lat          float64             `json:"lat"`
	Lng          float64             `json:"lng"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
}

func (s *Server) handleWorkerLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.Geo.Upsert(req.WorkerID, req.VehicleClass, req.Lat, req.Lng); err != nil {
		s.writeError(w, err)
		return
	}
	if s.Kafka != nil {
		loc := models.WorkerLocation{
			WorkerID:     req.WorkerID,
			Loc:          models.Coord{Lat: req.Lat, Lng: req.Lng},
			VehicleClass: req.VehicleClass,
		}
		if err := s.Kafka.PublishLocation(loc); err != nil {
			s.logger.Warn("location publish failed", "worker_id", req.WorkerID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type availabilityRequest struct {
	Available bool `json:"available"`
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	workerID := mux.Vars(r)["id"]
	changed := s.Avail.SetAvailable(workerID, req.Available)
	if changed {
		if req.Available {
			observability.WorkersOnline.Inc()
		} else {
			observability.WorkersOnline.Dec()
		}
	}
	if !req.Available {
		s.Geo.Remove(workerID)
	}
	w.WriteHeader(http.StatusNoContent)
}

type kycRequest struct {
	Status string `json:"status"`
}

// handleKYCUpdate is called by the verification collaborator. Suspension of
// non-approved workers happens through the bus subscription.
func (s *Server) handleKYCUpdate(w http.ResponseWriter, r *http.Request) {
	var req kycRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.Bus.Publish(events.TypeKYCUpdated, events.KYCUpdated{
		WorkerID: mux.Vars(r)["id"],
		Status:   req.Status,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.Ledger.GetBalance(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	hist, err := s.Ledger.GetHistory(mux.Vars(r)["id"], page, pageSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

type withdrawalRequestBody struct {
	Amount        int64  `json:"amount"`
	PayoutDetails string `json:"payout_details"`
}

func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	wd, err := s.Ledger.RequestWithdrawal(mux.Vars(r)["id"], req.Amount, req.PayoutDetails)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrBelowMinimum):
			observability.WithdrawalsRejected.WithLabelValues("below_minimum").Inc()
		case errors.Is(err, ledger.ErrAboveMaximum):
			observability.WithdrawalsRejected.WithLabelValues("above_maximum").Inc()
		case errors.Is(err, ledger.ErrInsufficientBalance):
			observability.WithdrawalsRejected.WithLabelValues("insufficient_balance").Inc()
		case errors.Is(err, ledger.ErrWithdrawalInProgress):
			observability.WithdrawalsRejected.WithLabelValues("in_progress").Inc()
		}
		s.writeError(w, err)
		return
	}
	s.Bus.Publish(events.TypeWithdrawalCreated, events.WithdrawalCreated{
		AccountID:    wd.AccountID,
		WithdrawalID: wd.ID,
		Amount:       wd.Amount,
	})
	writeJSON(w, http.StatusCreated, wd)
}

func (s *Server) handleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	wds, err := s.Ledger.Withdrawals(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wds)
}

type settleRequest struct {
	Outcome string `json:"outcome"`
}

// handleSettleWithdrawal is the settlement collaborator's callback.
func (s *Server) handleSettleWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	vars := mux.Vars(r)
	wd, err := s.Ledger.SettleWithdrawal(vars["id"], vars["wid"], ledger.WithdrawalStatus(req.Outcome))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.Bus.Publish(events.TypeWithdrawalSettled, events.WithdrawalSettled{
		AccountID:    wd.AccountID,
		WithdrawalID: wd.ID,
		Outcome:      string(wd.Status),
	})
	writeJSON(w, http.StatusOK, wd)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["worker_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(workerID, conn)
}
