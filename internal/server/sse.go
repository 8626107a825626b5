package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/syncd/internal/events"
)

const keepAliveInterval = 30 * time.Second

type initPayload struct {
	Type string `json:"type"`
	events.Snapshot
}

type pingPayload struct {
	Type    string         `json:"type"`
	Metrics events.Metrics `json:"metrics"`
}

// streamEvents is the SSE endpoint. Each connection gets the current
// snapshot first, then live events in publish order, with a periodic
// keep-alive ping carrying fresh metrics. Dropping the connection
// only tears down this subscriber.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, snap, ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)
	s.log.Debug("subscriber connected", zap.String("subscriber", id))

	if err := writeSSE(w, initPayload{Type: "init", Snapshot: snap}); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.log.Debug("subscriber disconnected", zap.String("subscriber", id))
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			ping := pingPayload{Type: "ping", Metrics: s.bus.MetricsSnapshot()}
			if err := writeSSE(w, ping); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", raw)
	return err
}
