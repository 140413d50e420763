package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/fleet-dispatch/internal/availability"
	"github.com/example/fleet-dispatch/internal/booking"
	"github.com/example/fleet-dispatch/internal/config"
	"github.com/example/fleet-dispatch/internal/dispatch"
	"github.com/example/fleet-dispatch/internal/eta"
	"github.com/example/fleet-dispatch/internal/events"
	"github.com/example/fleet-dispatch/internal/geo"
	"github.com/example/fleet-dispatch/internal/ingest"
	"github.com/example/fleet-dispatch/internal/ledger"
	"github.com/example/fleet-dispatch/internal/matcher"
	"github.com/example/fleet-dispatch/internal/payments"
	"github.com/example/fleet-dispatch/internal/pricing"
	"github.com/example/fleet-dispatch/internal/storage"
)

// Server bundles the dispatch core behind its HTTP surface.
type Server struct {
	Geo      geo.Index
	Avail    *availability.Registry
	Bookings *booking.Service
	Matcher  *matcher.Service
	Ledger   *ledger.Service
	Pricing  *pricing.Calculator
	Oracle   eta.Client
	Bus      *events.Bus
	Kafka    *ingest.KafkaProducer
	WSReg    *dispatch.WSRegistry
	Payments *payments.CaptureFlow

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the core from config. Redis, Kafka and Postgres are
// optional: absent their config the in-memory fallbacks serve, which is how
// the tests and local runs work.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	var gidx geo.Index
	if cfg.RedisAddr != "" {
		gidx = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.GeoIdleTTL)
	} else {
		mi := geo.NewMemoryIndex()
		if cfg.GeoSweepInterval > 0 && cfg.GeoIdleTTL > 0 {
			mi.StartSweeper(context.Background(), cfg.GeoSweepInterval, cfg.GeoIdleTTL)
		}
		gidx = mi
	}

	var store storage.BookingStore
	var audit ledger.AuditSink
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
			audit = ps
		} else {
			logger.Error("postgres unavailable, using memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.LocationTopic)
	}

	bus := events.NewBus(logger)
	reg := availability.NewRegistry()
	calc := pricing.NewCalculator(cfg.WorkerSharePct)

	var oracle eta.Client
	caching := &eta.CachingClient{Cache: eta.NewCache(cfg.GeoIdleTTL)}
	if cfg.OSRMEndpoint != "" {
		caching.Primary = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	oracle = caching

	bookings := booking.NewService(store, reg, bus, logger)
	bookings.OfferExpiry = cfg.OfferExpiry

	wallet := ledger.NewService(ledger.Config{
		HistoryCap:    cfg.LedgerHistoryCap,
		MinWithdrawal: cfg.MinWithdrawal,
		MaxWithdrawal: cfg.MaxWithdrawal,
	}, audit)

	m := &matcher.Service{
		Geo:      gidx,
		Avail:    reg,
		Bookings: bookings,
		Bus:      bus,
		Pricing:  calc,
		Logger:   logger,
		RadiusKm: cfg.MatchRadiusKm,
		TopN:     cfg.MatcherTopN,
	}

	wsreg := dispatch.NewWSRegistry()

	// subscriber wiring: ledger credit on completion, refund on
	// cancellation, offer delivery to worker apps
	bus.Subscribe(events.TypeTripCompleted, ledger.NewTripCreditHandler(wallet, calc, bus, logger))
	bus.Subscribe(events.TypeBookingCancelled, ledger.NewCancellationRefundHandler(wallet, logger))
	if cfg.PushEndpoint != "" {
		push := dispatch.NewPushClient(cfg.PushEndpoint, cfg.PushKey)
		bus.Subscribe(events.TypeOfferIssued, dispatch.NewPushFallbackHandler(wsreg, push, logger))
	} else {
		bus.Subscribe(events.TypeOfferIssued, dispatch.NewOfferHandler(wsreg, logger))
	}
	bus.Subscribe(events.TypeOfferCancelled, dispatch.NewOfferCancelHandler(wsreg, logger))

	// a worker losing approval goes offline and unmatchable immediately
	bus.Subscribe(events.TypeKYCUpdated, func(ev events.Event) {
		k, ok := ev.Payload.(events.KYCUpdated)
		if !ok {
			return
		}
		if k.Status != "approved" {
			reg.SetAvailable(k.WorkerID, false)
			gidx.Remove(k.WorkerID)
			logger.Info("worker suspended", "worker_id", k.WorkerID, "kyc_status", k.Status)
		}
	})

	var flow *payments.CaptureFlow
	if cfg.StripeKey != "" {
		flow = payments.NewCaptureFlow(payments.NewStripeClient(), logger)
		flow.Attach(bus)
	}

	if len(cfg.KafkaBrokers) > 0 {
		bridge := ingest.NewEventBridge(cfg.KafkaBrokers, cfg.EventTopic, logger)
		bridge.Attach(bus,
			events.TypeBookingRequested, events.TypeOfferIssued, events.TypeBookingAccepted,
			events.TypeTripStarted, events.TypeTripCompleted, events.TypeBookingCancelled,
			events.TypeBookingExpired, events.TypeNoMatch, events.TypeWalletCredited,
		)
	}

	s := &Server{
		Geo:      gidx,
		Avail:    reg,
		Bookings: bookings,
		Matcher:  m,
		Ledger:   wallet,
		Pricing:  calc,
		Oracle:   oracle,
		Bus:      bus,
		Kafka:    kp,
		WSReg:    wsreg,
		Payments: flow,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/bookings", s.handleCreateBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}", s.handleGetBooking).Methods("GET")
	s.mux.HandleFunc("/api/v1/bookings/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/start", s.handleStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/archive", s.handleArchive).Methods("POST")

	s.mux.HandleFunc("/internal/worker/locations", s.handleWorkerLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/workers/{id}/availability", s.handleSetAvailability).Methods("POST")
	s.mux.HandleFunc("/internal/workers/{id}/kyc", s.handleKYCUpdate).Methods("POST")

	s.mux.HandleFunc("/api/v1/wallets/{id}/balance", s.handleGetBalance).Methods("GET")
	s.mux.HandleFunc("/api/v1/wallets/{id}/transactions", s.handleGetHistory).Methods("GET")
	s.mux.HandleFunc("/api/v1/wallets/{id}/withdrawals", s.handleRequestWithdrawal).Methods("POST")
	s.mux.HandleFunc("/api/v1/wallets/{id}/withdrawals", s.handleListWithdrawals).Methods("GET")
	s.mux.HandleFunc("/internal/wallets/{id}/withdrawals/{wid}/settle", s.handleSettleWithdrawal).Methods("POST")

	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{worker_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

var upgrader = websocket.Upgrader{}
