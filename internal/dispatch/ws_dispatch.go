package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/fleet-dispatch/internal/events"
)

var ErrNoSession = errors.New("no websocket session for worker")

// WSSession is one connected worker app. Writes are serialized per
// connection; gorilla permits only one concurrent writer.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry tracks live worker sessions keyed by worker id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(workerID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[workerID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, workerID)
}

func (r *WSRegistry) Send(workerID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[workerID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(v)
}

// wsFrame is the wire envelope pushed to worker apps.
type wsFrame struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// NewOfferHandler pushes issued offers to the target worker's session. A
// worker without a live session just misses the push; the offer stays valid
// and reachable through polling.
func NewOfferHandler(reg *WSRegistry, logger *slog.Logger) events.Handler {
	return func(ev events.Event) {
		o, ok := ev.Payload.(events.OfferIssued)
		if !ok {
			return
		}
		if err := reg.Send(o.Offer.WorkerID, wsFrame{Kind: "offer", Payload: o.Offer}); err != nil && !errors.Is(err, ErrNoSession) {
			logger.Warn("offer push failed", "worker_id", o.Offer.WorkerID, "error", err)
		}
	}
}

// NewOfferCancelHandler tells losing workers their offer is gone.
func NewOfferCancelHandler(reg *WSRegistry, logger *slog.Logger) events.Handler {
	return func(ev events.Event) {
		c, ok := ev.Payload.(events.OfferCancelled)
		if !ok {
			return
		}
		if err := reg.Send(c.WorkerID, wsFrame{Kind: "offer-cancelled", Payload: c}); err != nil && !errors.Is(err, ErrNoSession) {
			logger.Warn("offer-cancel push failed", "worker_id", c.WorkerID, "error", err)
		}
	}
}
