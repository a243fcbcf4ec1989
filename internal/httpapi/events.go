package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const sseHeartbeat = 15 * time.Second

// Event names sent on GET /api/events.
const (
	eventSession = "session"
	eventHistory = "history"
)

// eventHub wakes SSE subscribers when the session or the history changes.
// Subscribers re-read the current state on wake, so a slow client skips
// intermediate states but never misses the latest one.
type eventHub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	wake chan struct{}

	mu      sync.Mutex
	session bool
	history bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[*subscriber]struct{})}
}

func (h *eventHub) subscribe() *subscriber {
	sub := &subscriber{wake: make(chan struct{}, 1)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *eventHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// publish marks event as pending for every subscriber. It never blocks.
func (h *eventHub) publish(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		sub.mark(event)
	}
}

func (s *subscriber) mark(event string) {
	s.mu.Lock()
	switch event {
	case eventSession:
		s.session = true
	case eventHistory:
		s.history = true
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// take returns and clears the pending events.
func (s *subscriber) take() (session, history bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, history = s.session, s.history
	s.session, s.history = false, false
	return session, history
}

// handleEvents streams session and history changes as Server-Sent Events.
// GET /api/events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.events.subscribe()
	defer s.events.unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	snap := s.mgr.Snapshot()
	lastSeq := snap.Seq
	if err := sendSSEEvent(w, flusher, eventSession, snap); err != nil {
		return
	}
	if err := sendSSEEvent(w, flusher, eventHistory, s.historyPayload()); err != nil {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-sub.wake:
			session, history := sub.take()
			if session {
				// A wake can carry a transition already sent with the
				// initial state.
				if snap := s.mgr.Snapshot(); snap.Seq > lastSeq {
					lastSeq = snap.Seq
					if err := sendSSEEvent(w, flusher, eventSession, snap); err != nil {
						s.logger.Debug("sse client disconnected", zap.Error(err))
						return
					}
				}
			}
			if history {
				if err := sendSSEEvent(w, flusher, eventHistory, s.historyPayload()); err != nil {
					s.logger.Debug("sse client disconnected", zap.Error(err))
					return
				}
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
