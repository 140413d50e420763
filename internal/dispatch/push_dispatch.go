package dispatch

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/fleet-dispatch/internal/events"
)

// PushClient posts JSON notifications to an FCM-style HTTP endpoint. It is
// the out-of-app fallback for workers without a live websocket.
type PushClient struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushClient(endpoint, key string) *PushClient {
	return &PushClient{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushClient) Notify(workerID, kind string, payload any) error {
	body := map[string]any{
		"message": map[string]any{
			"token": workerID,
			"data":  map[string]any{"kind": kind, "payload": payload},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// NewPushFallbackHandler notifies a worker over push when no websocket
// session exists for an issued offer.
func NewPushFallbackHandler(reg *WSRegistry, push *PushClient, logger *slog.Logger) events.Handler {
	return func(ev events.Event) {
		o, ok := ev.Payload.(events.OfferIssued)
		if !ok {
			return
		}
		if err := reg.Send(o.Offer.WorkerID, wsFrame{Kind: "offer", Payload: o.Offer}); err == nil {
			return // websocket delivery already handled it
		}
		if err := push.Notify(o.Offer.WorkerID, "offer", o.Offer); err != nil {
			logger.Warn("push notify failed", "worker_id", o.Offer.WorkerID, "error", err)
		}
	}
}
