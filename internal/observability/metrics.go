package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "bookings_created_total", Help: "Bookings created"})
	BookingsByOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "bookings_terminal_total", Help: "Bookings reaching a terminal status"},
		[]string{"status"},
	)
	MatchesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "matches_total", Help: "Bookings with at least one offer issued"})
	MatchesFailed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "matches_failed_total", Help: "Bookings with no eligible workers"})
	OffersIssued  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "offers_issued_total", Help: "Offers pushed to workers"})
	AcceptRaceLost = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "accept_race_lost_total", Help: "Accept calls that lost the reservation race"})

	WorkersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "workers_online", Help: "Workers currently online"})

	WalletTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "wallet_transactions_total", Help: "Ledger transactions applied"},
		[]string{"type", "category"},
	)
	WithdrawalsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "withdrawals_rejected_total", Help: "Withdrawal requests rejected by precondition"},
		[]string{"reason"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
