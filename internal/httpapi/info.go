package httpapi

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strings"
	"time"
)

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type infoResponse struct {
	Version       string         `json:"version"`
	Revision      string         `json:"rev"`
	BuiltAt       string         `json:"built_at,omitempty"`
	Go            string         `json:"go"`
	Channel       string         `json:"channel,omitempty"`
	Emotes        map[string]int `json:"emotes"`
	Frames        int            `json:"frame_subscribers"`
	StreamClients int            `json:"stream_clients"`
}

// handleInfo reports build data and catalog sizes per provider. The sizes
// cover global tables plus the tables of ?channel= when given.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	channel := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(r.URL.Query().Get("channel")), "#"))
	resp := infoResponse{
		Version:  s.opts.Build.Version,
		Revision: s.opts.Build.Revision,
		Go:       runtime.Version(),
		Channel:  channel,
		Emotes:   make(map[string]int),
		Frames:   s.svc.Frames().Len(),
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}
	for _, e := range s.svc.LookupEmotes(channel) {
		resp.Emotes[e.Scope.Provider().String()]++
	}

	s.mu.Lock()
	resp.StreamClients = len(s.clients)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(resp)
}
