package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"rewardsledger/core/events"
	"rewardsledger/core/types"
	"rewardsledger/observability"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 64
)

type subscriber struct {
	ch     chan *types.Event
	filter map[string]struct{}
}

func (s *subscriber) wants(evt *types.Event) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[evt.Type]
	return ok
}

// Hub fans committed ledger events out to websocket subscribers. Slow
// subscribers lose events rather than block the ledger.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	rendered := events.Render(evt)
	if rendered == nil {
		return
	}
	observability.Events().RecordEvent(rendered.Type)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(rendered) {
			continue
		}
		select {
		case sub.ch <- rendered.Clone():
		default:
			observability.Events().RecordDropped()
		}
	}
}

func (h *Hub) subscribe(filter []string) (*subscriber, func()) {
	sub := &subscriber{ch: make(chan *types.Event, subscriberBuffer)}
	if len(filter) > 0 {
		sub.filter = make(map[string]struct{}, len(filter))
		for _, f := range filter {
			sub.filter[f] = struct{}{}
		}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	observability.Events().SetSubscribers(n)
	return sub, func() {
		h.mu.Lock()
		delete(h.subs, sub)
		n := len(h.subs)
		h.mu.Unlock()
		observability.Events().SetSubscribers(n)
	}
}

// Subscribers reports the number of connected streams.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	var filter []string
	if raw := strings.TrimSpace(r.URL.Query().Get("types")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				filter = append(filter, trimmed)
			}
		}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	sub, unsubscribe := s.hub.subscribe(filter)
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	if err := streamEvents(ctx, conn, sub); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamEvents(ctx context.Context, conn *websocket.Conn, sub *subscriber) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-sub.ch:
			data, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

var _ events.Emitter = (*Hub)(nil)
