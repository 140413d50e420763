package storage

import (
	"errors"
	"sync"

	"github.com/example/fleet-dispatch/internal/models"
)

var ErrNotFound = errors.New("booking not found")

// BookingStore defines persistence operations for bookings. The core
// dictates the record shape; the backing store is a collaborator.
type BookingStore interface {
	SaveBooking(b *models.BookingRecord) error
	UpdateBooking(b *models.BookingRecord) error
	GetBooking(id string) (*models.BookingRecord, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*models.BookingRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]*models.BookingRecord)}
}

func (m *MemoryStore) SaveBooking(b *models.BookingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = b.Clone()
	return nil
}

func (m *MemoryStore) UpdateBooking(b *models.BookingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; !ok {
		return ErrNotFound
	}
	m.bookings[b.ID] = b.Clone()
	return nil
}

// GetBooking returns a copy; callers mutate freely and write back through
// UpdateBooking.
func (m *MemoryStore) GetBooking(id string) (*models.BookingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}
