package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/fleet-dispatch/internal/ledger"
	"github.com/example/fleet-dispatch/internal/models"
)

// PostgresStore archives bookings and ledger transactions. Bookings are
// soft-archived, never deleted, while ledger entries reference them; the
// transactions table is the full audit trail behind the ledger's capped
// in-memory window.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// encodeMutable serializes the fields that change across transitions. The
// notified set and cancellation record ride along with the timeline: the
// accept guard reloads them on every call, so dropping either here would
// break the state machine behind a live store.
func encodeMutable(b *models.BookingRecord) (timeline, notified, cancellation []byte, err error) {
	timeline, err = json.Marshal(b.Timeline)
	if err != nil {
		return nil, nil, nil, err
	}
	notified, err = json.Marshal(b.NotifiedWorkers)
	if err != nil {
		return nil, nil, nil, err
	}
	if b.Cancellation != nil {
		cancellation, err = json.Marshal(b.Cancellation)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return timeline, notified, cancellation, nil
}

func decodeMutable(b *models.BookingRecord, timeline, notified, cancellation []byte) error {
	if err := json.Unmarshal(timeline, &b.Timeline); err != nil {
		return err
	}
	if len(notified) > 0 {
		if err := json.Unmarshal(notified, &b.NotifiedWorkers); err != nil {
			return err
		}
	}
	if len(cancellation) > 0 {
		var c models.Cancellation
		if err := json.Unmarshal(cancellation, &c); err != nil {
			return err
		}
		b.Cancellation = &c
	}
	return nil
}

func (p *PostgresStore) SaveBooking(b *models.BookingRecord) error {
	timeline, notified, cancellation, err := encodeMutable(b)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`
		INSERT INTO bookings(id, requester_id, assigned_worker, status, vehicle_class,
			pickup_lat, pickup_lng, drop_lat, drop_lng,
			fare_base, fare_distance, fare_total, fare_currency,
			requirements, timeline, notified_workers, cancellation,
			archived, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		b.ID, b.RequesterID, b.AssignedWorker, string(b.Status), string(b.VehicleClass),
		b.Pickup.Lat, b.Pickup.Lng, b.Drop.Lat, b.Drop.Lng,
		b.Fare.Base, b.Fare.DistanceCharge, b.Fare.Total, b.Fare.Currency,
		b.Requirements, timeline, notified, cancellation,
		b.Archived, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateBooking(b *models.BookingRecord) error {
	timeline, notified, cancellation, err := encodeMutable(b)
	if err != nil {
		return err
	}
	res, err := p.db.Exec(`
		UPDATE bookings SET assigned_worker=$1, status=$2, timeline=$3,
			notified_workers=$4, cancellation=$5, archived=$6, updated_at=$7
		WHERE id=$8`,
		b.AssignedWorker, string(b.Status), timeline, notified, cancellation,
		b.Archived, time.Now(), b.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetBooking(id string) (*models.BookingRecord, error) {
	var b models.BookingRecord
	var status, class string
	var timeline, notified, cancellation []byte
	err := p.db.QueryRow(`
		SELECT id, requester_id, assigned_worker, status, vehicle_class,
			pickup_lat, pickup_lng, drop_lat, drop_lng,
			fare_base, fare_distance, fare_total, fare_currency,
			requirements, timeline, notified_workers, cancellation,
			archived, created_at, updated_at
		FROM bookings WHERE id=$1`, id).Scan(
		&b.ID, &b.RequesterID, &b.AssignedWorker, &status, &class,
		&b.Pickup.Lat, &b.Pickup.Lng, &b.Drop.Lat, &b.Drop.Lng,
		&b.Fare.Base, &b.Fare.DistanceCharge, &b.Fare.Total, &b.Fare.Currency,
		&b.Requirements, &timeline, &notified, &cancellation,
		&b.Archived, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Status = models.BookingStatus(status)
	b.VehicleClass = models.VehicleClass(class)
	if err := decodeMutable(&b, timeline, notified, cancellation); err != nil {
		return nil, err
	}
	return &b, nil
}

// SaveTransaction implements ledger.AuditSink.
func (p *PostgresStore) SaveTransaction(accountID string, tx ledger.Transaction) error {
	_, err := p.db.Exec(`
		INSERT INTO wallet_transactions(account_id, type, category, amount, balance_after, reference, at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		accountID, string(tx.Type), tx.Category, tx.Amount, tx.BalanceAfter, tx.Reference, tx.At)
	return err
}
