// The consumer drains the worker-location Kafka stream into the Redis geo
// index, keeping the matcher's view current when location updates arrive
// through the streaming path instead of the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/fleet-dispatch/internal/geo"
	"github.com/example/fleet-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total worker location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokers := []string{"localhost:9092"}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(v, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}
	topic := getenv("KAFKA_LOCATION_TOPIC", "worker-locations")
	group := getenv("KAFKA_GROUP", "dispatch-geo-consumer")
	geoKey := getenv("REDIS_GEO_KEY", "workers_geo")
	redisAddr := getenv("REDIS_ADDR", "localhost:6379")

	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	updater := &redisUpdater{c: rc, geoKey: geoKey}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		loc, err := parseLocation(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		if err := updateRedisWithRetry(ctx, updater, loc, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			log.Printf("redis update failed for worker=%s: %v", loc.WorkerID, err)
			continue
		}
		redisUpdates.Inc()
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// parseLocation decodes a stream message and applies the same coordinate
// validation as the HTTP ingest path: any producer on the topic can feed this
// consumer, so out-of-range points must never reach the shared index.
func parseLocation(b []byte) (models.WorkerLocation, error) {
	var loc models.WorkerLocation
	if err := json.Unmarshal(b, &loc); err != nil {
		return models.WorkerLocation{}, err
	}
	if err := geo.ValidateCoord(loc.Loc.Lat, loc.Loc.Lng); err != nil {
		return models.WorkerLocation{}, err
	}
	return loc, nil
}

// GeoUpdater is the subset of redis operations the consumer needs; tests
// swap in a fake.
type GeoUpdater interface {
	GeoAdd(ctx context.Context, loc models.WorkerLocation) error
	SetMeta(ctx context.Context, loc models.WorkerLocation) error
}

type redisUpdater struct {
	c      *redis.Client
	geoKey string
}

func (r *redisUpdater) GeoAdd(ctx context.Context, loc models.WorkerLocation) error {
	return r.c.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
		Longitude: loc.Loc.Lng,
		Latitude:  loc.Loc.Lat,
		Name:      loc.WorkerID,
	}).Err()
}

func (r *redisUpdater) SetMeta(ctx context.Context, loc models.WorkerLocation) error {
	return r.c.HSet(ctx, "worker:meta:"+loc.WorkerID, map[string]interface{}{
		"vehicle_class": string(loc.VehicleClass),
		"updated":       time.Now().Format(time.RFC3339),
	}).Err()
}

// updateRedisWithRetry applies the location with retry/backoff.
func updateRedisWithRetry(ctx context.Context, u GeoUpdater, loc models.WorkerLocation, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		if err := u.GeoAdd(ctx, loc); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if err := u.SetMeta(ctx, loc); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}
