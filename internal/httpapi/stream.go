package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/you/gnasty-emotes/internal/core"
)

const streamBuffer = 256

type streamClient struct {
	ch      chan core.ChatMessage
	filters Filters
}

// handleStream pushes annotated messages as Server-Sent Events. The usual
// message filters apply.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	client := &streamClient{ch: make(chan core.ChatMessage, streamBuffer), filters: filters.CloneForStream()}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.opts.Metrics.IncStreamClients(1)

	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		s.opts.Metrics.IncStreamClients(-1)
	}()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case msg, ok := <-client.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(toMessageJSON(msg))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// Broadcast hands msg to every stream whose filters match. Slow clients
// lose messages rather than block the caller.
func (s *Server) Broadcast(msg core.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		if !c.filters.Matches(msg) {
			continue
		}
		select {
		case c.ch <- msg:
		default:
			s.opts.Metrics.IncBroadcastDrops("sse")
		}
	}
}
