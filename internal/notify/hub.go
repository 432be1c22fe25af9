// Package notify fans out snapshot, order, state and error changes to subscribers.
package notify

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/folio/errs"
	"github.com/coachpo/folio/internal/schema"
	"github.com/coachpo/folio/internal/telemetry"
)

// Kind classifies a change notification.
type Kind string

const (
	// KindSnapshot signals a newly published account snapshot.
	KindSnapshot Kind = "snapshot"
	// KindOrders signals a change of the visible order list without a new snapshot.
	KindOrders Kind = "orders"
	// KindError signals a refresh or mutation failure the consumer should see.
	KindError Kind = "error"
	// KindState signals a scheduler state transition.
	KindState Kind = "state"
)

// Change is one notification. Snapshot is shared and must be treated as read-only.
type Change struct {
	Kind        Kind                    `json:"kind"`
	State       string                  `json:"state,omitempty"`
	Snapshot    *schema.AccountSnapshot `json:"snapshot,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Code        errs.Code               `json:"code,omitempty"`
	Remediation string                  `json:"remediation,omitempty"`
	At          time.Time               `json:"at"`
}

// ErrorChange builds a KindError change from err.
func ErrorChange(err error, at time.Time) Change {
	return Change{
		Kind:        KindError,
		Error:       err.Error(),
		Code:        errs.CodeOf(err),
		Remediation: errs.Remediation(err),
		At:          at,
	}
}

// Hub is an in-memory broadcaster. Publishing never blocks: a subscriber whose buffer is full
// misses the change.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc
	buffer int

	mu       sync.RWMutex
	subs     []*subscriber
	shutdown sync.Once

	dropped metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan Change
	closed bool
}

// NewHub constructs a Hub whose subscribers get buffer-sized channels.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	hub := new(Hub)
	hub.ctx = ctx
	hub.cancel = cancel
	hub.buffer = buffer
	hub.subs = make([]*subscriber, 0)
	hub.dropped, _ = otel.Meter("notify").Int64Counter("folio.notify.dropped",
		metric.WithDescription("Changes not delivered because a subscriber buffer was full"),
		metric.WithUnit("{change}"))
	return hub
}

// Publish delivers change to every subscriber without blocking and returns how many
// subscribers received it.
func (h *Hub) Publish(change Change) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.ctx.Err() != nil {
		return 0
	}
	delivered := 0
	for _, sub := range h.subs {
		if sub.closed || sub.ctx.Err() != nil {
			continue
		}
		select {
		case sub.ch <- change:
			delivered++
		default:
			if h.dropped != nil {
				h.dropped.Add(context.Background(), 1,
					metric.WithAttributes(telemetry.Base(telemetry.AttrSource.String(string(change.Kind)))...))
			}
		}
	}
	return delivered
}

// Subscribe registers a subscriber that lives until ctx ends or the Hub closes. The returned
// channel is closed at that point.
func (h *Hub) Subscribe(ctx context.Context) (<-chan Change, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if h.ctx.Err() != nil {
		return nil, errs.New("notify/subscribe", errs.CodeUnavailable, errs.WithMessage("hub closed"))
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{ctx: ctx, cancel: cancel, ch: make(chan Change, h.buffer)}
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()

	go h.observe(sub)
	return sub.ch, nil
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close shuts down the hub and closes every subscriber channel.
func (h *Hub) Close() {
	h.shutdown.Do(func() {
		h.cancel()
		h.mu.Lock()
		for _, sub := range h.subs {
			h.closeLocked(sub)
		}
		h.subs = nil
		h.mu.Unlock()
	})
}

func (h *Hub) observe(sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-h.ctx.Done():
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, candidate := range h.subs {
		if candidate == sub {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			break
		}
	}
	h.closeLocked(sub)
}

// closeLocked closes a subscriber channel once. Caller holds mu for writing.
func (h *Hub) closeLocked(sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.cancel()
	close(sub.ch)
}
