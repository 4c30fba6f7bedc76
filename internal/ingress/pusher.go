package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/c360studio/busd/internal/bus"
)

// Pusher converts internal events to the external payload shape and pushes
// them to the configured external endpoint, behind a circuit breaker so a
// flapping external system cannot stall the subscriber loop.
type Pusher struct {
	endpoint string
	client   *http.Client
	cb       *gobreaker.CircuitBreaker
	log      *slog.Logger
}

// NewPusher constructs a Pusher. If endpoint is empty, Push logs the event
// and no-ops so the subscriber still acks.
func NewPusher(endpoint string, log *slog.Logger) *Pusher {
	if log == nil {
		log = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ingress-pusher",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("ingress pusher circuit state change", "breaker", name, "from", from, "to", to)
		},
	})
	return &Pusher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		cb:       cb,
		log:      log,
	}
}

// Push converts e to the external payload shape and POSTs it to the
// configured endpoint through the circuit breaker.
func (p *Pusher) Push(ctx context.Context, e *bus.Event, externalTaskID, t1TaskID string) error {
	if p.endpoint == "" {
		p.log.Info("ingress push skipped: no endpoint configured", "event_type", e.Type, "task_id", t1TaskID)
		return nil
	}

	payload := ToExternalPayload(e, externalTaskID, t1TaskID)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal external payload: %w", err)
	}

	_, err = p.cb.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build push request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("push to external endpoint: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("external endpoint returned status %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("push event %s: %w", e.EventID, err)
	}
	return nil
}
