// Package httpapi exposes catalogs, annotation and stored messages over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/you/gnasty-emotes/internal/core"
	"github.com/you/gnasty-emotes/internal/decodecache"
	"github.com/you/gnasty-emotes/internal/metrics"
)

const maxAnnotateBody = 64 << 10

// Annotator is the query surface the API serves.
type Annotator interface {
	LookupEmotes(channel string) []core.Emote
	LookupChannelBadge(channel, set, version string) (string, bool)
	LookupGlobalBadge(set, version string) (string, bool)
	LookupModeratorBadge(channel string) (string, bool)
	AnnotateMessage(msg core.ChatMessage) core.ChatMessage
	ClearBackfill(ctx context.Context, channel string) error
	Frames() *decodecache.Registry
}

// Store lists persisted messages. It may be nil.
type Store interface {
	CountMessages(ctx context.Context, filters Filters) (int64, error)
	ListMessages(ctx context.Context, filters Filters) ([]core.ChatMessage, error)
}

// Publisher tells other instances that a channel's backfill gate was
// cleared. It may be nil.
type Publisher interface {
	Publish(ctx context.Context, channel string) error
}

// Channels joins and leaves chat channels at runtime. It may be nil.
type Channels interface {
	Join(ctx context.Context, channel string) error
	Leave(ctx context.Context, channel string) error
	List() []string
}

type Options struct {
	Addr           string
	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string
	EnableMetrics  bool
	Metrics        *metrics.Metrics
	Build          BuildInfo
	// AdminToken guards /admin routes. Empty disables them.
	AdminToken string
	Publisher  Publisher
	Channels   Channels
}

type Server struct {
	httpServer *http.Server
	svc        Annotator
	store      Store
	opts       Options
	limiter    *ipRateLimiter
	cors       *corsPolicy

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

func New(svc Annotator, store Store, opts Options) *Server {
	srv := &Server{
		svc:     svc,
		store:   store,
		opts:    opts,
		limiter: newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
		clients: make(map[*streamClient]struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", srv.wrap("/healthz", srv.handleHealthz))
	mux.Handle("/info", srv.wrap("/info", srv.handleInfo))
	mux.Handle("/emotes", srv.wrap("/emotes", srv.handleEmotes))
	mux.Handle("/badges", srv.wrap("/badges", srv.handleBadge))
	mux.Handle("/badges/moderator", srv.wrap("/badges/moderator", srv.handleModeratorBadge))
	mux.Handle("/annotate", srv.wrap("/annotate", srv.handleAnnotate))
	mux.Handle("/count", srv.wrap("/count", srv.handleCount))
	mux.Handle("/messages", srv.wrap("/messages", srv.handleMessages))
	mux.Handle("/stream", srv.wrap("/stream", srv.handleStream))
	mux.Handle("/frames", srv.wrap("/frames", srv.handleFrames))
	if opts.AdminToken != "" {
		mux.Handle("/admin/backfill/clear", srv.wrap("/admin/backfill/clear", srv.requireAdmin(srv.handleClearBackfill)))
		if opts.Channels != nil {
			mux.Handle("/admin/channels", srv.wrap("/admin/channels", srv.requireAdmin(srv.handleListChannels)))
			mux.Handle("/admin/channels/join", srv.wrap("/admin/channels/join", srv.requireAdmin(srv.handleChannel(opts.Channels.Join))))
			mux.Handle("/admin/channels/leave", srv.wrap("/admin/channels/leave", srv.requireAdmin(srv.handleChannel(opts.Channels.Leave))))
		}
	}
	if opts.EnableMetrics && opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics.Handler())
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type emoteJSON struct {
	core.Emote
	Scope string `json:"scope"`
}

type emoteGroupJSON struct {
	Title  string      `json:"title"`
	Emotes []emoteJSON `json:"emotes"`
}

func toEmoteJSON(list []core.Emote) []emoteJSON {
	out := make([]emoteJSON, 0, len(list))
	for _, e := range list {
		out = append(out, emoteJSON{Emote: e, Scope: e.Scope.Title()})
	}
	return out
}

// handleEmotes lists the emotes usable in ?channel=, optionally grouped by
// scope with ?group=1.
func (s *Server) handleEmotes(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	list := s.svc.LookupEmotes(r.URL.Query().Get("channel"))
	if r.URL.Query().Get("group") == "" {
		writeJSON(w, http.StatusOK, toEmoteJSON(list))
		return
	}
	groups := core.GroupByScope(list)
	out := make([]emoteGroupJSON, 0, len(groups))
	for _, g := range groups {
		out = append(out, emoteGroupJSON{Title: g.Title, Emotes: toEmoteJSON(g.Emotes)})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleBadge resolves ?set=&version=, channel first when ?channel= is set.
func (s *Server) handleBadge(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	set, version := q.Get("set"), q.Get("version")
	if set == "" || version == "" {
		http.Error(w, "set and version are required", http.StatusBadRequest)
		return
	}
	channel := q.Get("channel")
	scope := "channel"
	url, ok := s.svc.LookupChannelBadge(channel, set, version)
	if !ok {
		scope = "global"
		url, ok = s.svc.LookupGlobalBadge(set, version)
	}
	if !ok {
		http.Error(w, "badge not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url, "scope": scope})
}

func (s *Server) handleModeratorBadge(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	url, ok := s.svc.LookupModeratorBadge(r.URL.Query().Get("channel"))
	if !ok {
		http.Error(w, "badge not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

type annotateRequest struct {
	Channel  string           `json:"channel"`
	Text     string           `json:"text"`
	EmoteTag string           `json:"emote_tag"`
	Removed  []int            `json:"removed"`
	Badges   []core.ChatBadge `json:"badges"`
}

func (s *Server) handleAnnotate(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req annotateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAnnotateBody)).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	msg := s.svc.AnnotateMessage(core.ChatMessage{
		Channel:  strings.ToLower(strings.TrimSpace(req.Channel)),
		Text:     req.Text,
		EmoteTag: req.EmoteTag,
		Removed:  req.Removed,
		Badges:   req.Badges,
	})
	writeJSON(w, http.StatusOK, toMessageJSON(msg))
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage disabled", http.StatusNotFound)
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, err := s.store.CountMessages(r.Context(), filters)
	if err != nil {
		slog.Error("httpapi: count failed", "err", err)
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage disabled", http.StatusNotFound)
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.store.ListMessages(r.Context(), filters)
	if err != nil {
		slog.Error("httpapi: list failed", "err", err)
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	out := make([]messageJSON, 0, len(rows))
	for _, msg := range rows {
		out = append(out, toMessageJSON(msg))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClearBackfill(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	channel := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("channel")))
	if channel == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}
	if err := s.svc.ClearBackfill(r.Context(), channel); err != nil {
		http.Error(w, "clear failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	published := false
	if s.opts.Publisher != nil {
		if err := s.opts.Publisher.Publish(r.Context(), channel); err != nil {
			slog.Warn("httpapi: publish backfill clear failed", "channel", channel, "err", err)
		} else {
			published = true
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "channel": channel, "published": published})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": s.opts.Channels.List()})
}

func (s *Server) handleChannel(apply func(ctx context.Context, channel string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodPost) {
			return
		}
		channel := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(r.URL.Query().Get("channel")), "#"))
		if channel == "" {
			http.Error(w, "channel is required", http.StatusBadRequest)
			return
		}
		if err := apply(r.Context(), channel); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "channel": channel, "channels": s.opts.Channels.List()})
	}
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type messageJSON struct {
	ID       string            `json:"id"`
	Ts       string            `json:"ts,omitempty"`
	Channel  string            `json:"channel"`
	Username string            `json:"username,omitempty"`
	Text     string            `json:"text"`
	Colour   string            `json:"colour,omitempty"`
	Backfill bool              `json:"backfill,omitempty"`
	Badges   []core.ChatBadge  `json:"badges"`
	Emotes   []core.Occurrence `json:"emotes"`
}

func toMessageJSON(msg core.ChatMessage) messageJSON {
	out := messageJSON{
		ID:       msg.ID,
		Channel:  msg.Channel,
		Username: msg.Username,
		Text:     msg.Text,
		Colour:   msg.Colour,
		Backfill: msg.Backfill,
		Badges:   msg.Badges,
		Emotes:   msg.Emotes,
	}
	if !msg.Ts.IsZero() {
		out.Ts = msg.Ts.UTC().Format(time.RFC3339Nano)
	}
	if out.Badges == nil {
		out.Badges = []core.ChatBadge{}
	}
	if out.Emotes == nil {
		out.Emotes = []core.Occurrence{}
	}
	return out
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) Start() error {
	slog.Info("httpapi: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.clients {
		close(c.ch)
	}
	s.clients = map[*streamClient]struct{}{}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
