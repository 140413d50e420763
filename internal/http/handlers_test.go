package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/fleet-dispatch/internal/config"
	"github.com/example/fleet-dispatch/internal/ledger"
	"github.com/example/fleet-dispatch/internal/logging"
	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/observability"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.ServerConfig{
		MatchRadiusKm:    10,
		MatcherTopN:      5,
		GeoIdleTTL:       time.Hour,
		WorkerSharePct:   80,
		MinWithdrawal:    100,
		MaxWithdrawal:    50000,
		LedgerHistoryCap: 500,
	}
	srv := NewServer(cfg, logging.NewLogger("error"))
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Bus.Close()
	})
	return srv, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func putWorkerOnline(t *testing.T, base, workerID string, class models.VehicleClass, lat, lng float64) {
	t.Helper()
	resp := postJSON(t, base+"/api/v1/workers/"+workerID+"/availability", map[string]bool{"available": true})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("availability status = %d", resp.StatusCode)
	}
	resp = postJSON(t, base+"/internal/worker/locations", map[string]any{
		"worker_id": workerID, "lat": lat, "lng": lng, "vehicle_class": class,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("location status = %d", resp.StatusCode)
	}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBookingLifecycle_CreditsWorkerWallet(t *testing.T) {
	srv, ts := newTestServer(t)
	putWorkerOnline(t, ts.URL, "w1", models.VehicleMiniTruck, 19.071, 72.871)

	resp := postJSON(t, ts.URL+"/api/v1/bookings", map[string]any{
		"requester_id":  "cust-1",
		"pickup":        models.Coord{Lat: 19.07, Lng: 72.87},
		"drop":          models.Coord{Lat: 19.17, Lng: 72.87},
		"vehicle_class": models.VehicleMiniTruck,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var b models.BookingRecord
	decodeInto(t, resp, &b)
	if b.Status != models.StatusSearching {
		t.Fatalf("status after create = %s, want searching", b.Status)
	}
	if len(b.NotifiedWorkers) != 1 || b.NotifiedWorkers[0] != "w1" {
		t.Fatalf("notified = %v, want [w1]", b.NotifiedWorkers)
	}
	if b.Fare.Total <= 0 {
		t.Fatalf("fare total = %d, want > 0", b.Fare.Total)
	}

	for _, action := range []string{"accept", "start", "complete"} {
		resp = postJSON(t, ts.URL+"/api/v1/bookings/"+b.ID+"/"+action, map[string]string{"worker_id": "w1"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", action, resp.StatusCode)
		}
		decodeInto(t, resp, &b)
	}
	if b.Status != models.StatusCompleted {
		t.Fatalf("final status = %s", b.Status)
	}

	// the credit rides the event bus, so it lands shortly after complete
	wantShare := b.Fare.Total * 80 / 100
	waitFor(t, 2*time.Second, "trip credit", func() bool {
		bal, err := srv.Ledger.GetBalance("w1")
		return err == nil && bal.Balance == wantShare
	})

	var wd ledger.WithdrawalRequest
	resp = postJSON(t, ts.URL+"/api/v1/wallets/w1/withdrawals", map[string]any{
		"amount": wantShare, "payout_details": "upi:w1@bank",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("withdrawal status = %d", resp.StatusCode)
	}
	decodeInto(t, resp, &wd)

	var bal ledger.Balance
	r, err := http.Get(ts.URL + "/api/v1/wallets/w1/balance")
	if err != nil {
		t.Fatal(err)
	}
	decodeInto(t, r, &bal)
	if bal.Balance != 0 || bal.PendingBalance != wantShare {
		t.Fatalf("after hold: balance=%d pending=%d", bal.Balance, bal.PendingBalance)
	}

	resp = postJSON(t, fmt.Sprintf("%s/internal/wallets/w1/withdrawals/%s/settle", ts.URL, wd.ID),
		map[string]string{"outcome": "completed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("settle status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	r, err = http.Get(ts.URL + "/api/v1/wallets/w1/balance")
	if err != nil {
		t.Fatal(err)
	}
	decodeInto(t, r, &bal)
	if bal.Balance != 0 || bal.PendingBalance != 0 {
		t.Fatalf("after settle: balance=%d pending=%d", bal.Balance, bal.PendingBalance)
	}
}

func TestCreateBooking_NoWorkersNearby(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/bookings", map[string]any{
		"requester_id":  "cust-1",
		"pickup":        models.Coord{Lat: 19.07, Lng: 72.87},
		"drop":          models.Coord{Lat: 19.17, Lng: 72.87},
		"vehicle_class": models.VehicleMiniTruck,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var b models.BookingRecord
	decodeInto(t, resp, &b)
	if b.Status != models.StatusNoDriversAvailable {
		t.Fatalf("status = %s, want no_drivers_available", b.Status)
	}
}

func TestCreateBooking_Validation(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/bookings", map[string]any{
		"requester_id":  "cust-1",
		"pickup":        models.Coord{Lat: 91, Lng: 72.87},
		"drop":          models.Coord{Lat: 19.17, Lng: 72.87},
		"vehicle_class": models.VehicleMiniTruck,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad latitude status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/v1/bookings", map[string]any{
		"requester_id":  "cust-1",
		"pickup":        models.Coord{Lat: 19.07, Lng: 72.87},
		"drop":          models.Coord{Lat: 19.17, Lng: 72.87},
		"vehicle_class": "sedan",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad class status = %d, want 400", resp.StatusCode)
	}
}

func TestAccept_SecondWorkerConflicts(t *testing.T) {
	_, ts := newTestServer(t)
	putWorkerOnline(t, ts.URL, "w1", models.VehicleMiniTruck, 19.071, 72.871)
	putWorkerOnline(t, ts.URL, "w2", models.VehicleMiniTruck, 19.072, 72.872)

	resp := postJSON(t, ts.URL+"/api/v1/bookings", map[string]any{
		"requester_id":  "cust-1",
		"pickup":        models.Coord{Lat: 19.07, Lng: 72.87},
		"drop":          models.Coord{Lat: 19.17, Lng: 72.87},
		"vehicle_class": models.VehicleMiniTruck,
	})
	var b models.BookingRecord
	decodeInto(t, resp, &b)
	if len(b.NotifiedWorkers) != 2 {
		t.Fatalf("notified = %v, want both workers", b.NotifiedWorkers)
	}

	resp = postJSON(t, ts.URL+"/api/v1/bookings/"+b.ID+"/accept", map[string]string{"worker_id": "w1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first accept status = %d", resp.StatusCode)
	}
	resp = postJSON(t, ts.URL+"/api/v1/bookings/"+b.ID+"/accept", map[string]string{"worker_id": "w2"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second accept status = %d, want 409", resp.StatusCode)
	}
}

func TestAvailabilityGaugeIgnoresRepeatedPosts(t *testing.T) {
	_, ts := newTestServer(t)
	before := testutil.ToFloat64(observability.WorkersOnline)

	for i := 0; i < 3; i++ {
		resp := postJSON(t, ts.URL+"/api/v1/workers/gw/availability", map[string]bool{"available": true})
		resp.Body.Close()
	}
	if got := testutil.ToFloat64(observability.WorkersOnline); got != before+1 {
		t.Fatalf("gauge after repeated online posts = %v, want %v", got, before+1)
	}

	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.URL+"/api/v1/workers/gw/availability", map[string]bool{"available": false})
		resp.Body.Close()
	}
	if got := testutil.ToFloat64(observability.WorkersOnline); got != before {
		t.Fatalf("gauge after repeated offline posts = %v, want %v", got, before)
	}
}

func TestGetBooking_NotFound(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/bookings/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWithdrawal_BandViolations(t *testing.T) {
	srv, ts := newTestServer(t)
	if _, err := srv.Ledger.Credit("w9", ledger.AccountWorker, 60000, "trip_earnings", "booking:x"); err != nil {
		t.Fatal(err)
	}

	resp := postJSON(t, ts.URL+"/api/v1/wallets/w9/withdrawals", map[string]any{"amount": 50})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("below minimum status = %d, want 422", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/v1/wallets/w9/withdrawals", map[string]any{"amount": 60000})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("above maximum status = %d, want 422", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/v1/wallets/missing/withdrawals", map[string]any{"amount": 500})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown account status = %d, want 404", resp.StatusCode)
	}
}
