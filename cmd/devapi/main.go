// Command devapi serves the HTTP API over catalogs loaded from a fixture
// directory, without connecting to Twitch. POST /emit injects chat messages.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gempir/go-twitch-irc/v4"

	"github.com/you/gnasty-emotes/internal/annotator"
	"github.com/you/gnasty-emotes/internal/core"
	"github.com/you/gnasty-emotes/internal/httpapi"
	"github.com/you/gnasty-emotes/internal/ingest"
	"github.com/you/gnasty-emotes/internal/logging"
	"github.com/you/gnasty-emotes/internal/metrics"
	"github.com/you/gnasty-emotes/internal/payload"
	"github.com/you/gnasty-emotes/internal/sink"
)

type emitReq struct {
	// Line is a raw IRC PRIVMSG. When set the other fields are ignored.
	Line     string    `json:"line,omitempty"`
	ID       string    `json:"id,omitempty"`
	Channel  string    `json:"channel"`
	Username string    `json:"username"`
	Text     string    `json:"text"`
	EmoteTag string    `json:"emote_tag,omitempty"`
	Badges   string    `json:"badges,omitempty"`
	Ts       time.Time `json:"ts,omitempty"`
}

func main() {
	var (
		addr     string
		dbPath   string
		payloads string
	)
	flag.StringVar(&addr, "addr", ":8765", "HTTP listen address")
	flag.StringVar(&dbPath, "db", "devapi.db", "SQLite database path")
	flag.StringVar(&payloads, "payloads", "", "Directory of {kind}[.{channel}].json catalog fixtures")
	flag.Parse()

	logging.Init("debug", "text")

	s, err := sink.OpenSQLite(dbPath, sink.SQLiteOptions{})
	if err != nil {
		slog.Error("devapi: open sqlite", "err", err)
		os.Exit(1)
	}
	defer s.Close()

	m := metrics.New()
	svc := annotator.New(annotator.Options{Metrics: m})

	ctx := context.Background()
	if payloads != "" {
		w := payload.NewWatcher(payloads, svc)
		ready := make(chan struct{})
		go func() {
			if err := w.Run(ctx, ready); err != nil {
				slog.Error("devapi: payload watcher", "err", err)
			}
		}()
		<-ready
	}

	api := httpapi.New(svc, s, httpapi.Options{
		Addr:          addr,
		EnableMetrics: true,
		Metrics:       m,
		CORSOrigins:   []string{"*"},
	})
	out := sink.WithAPI(s, api, m)

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	mux.HandleFunc("POST /emit", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req emitReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		msg, ok := req.message()
		if !ok {
			http.Error(w, "line or channel, username, text required", http.StatusBadRequest)
			return
		}
		msg = svc.AnnotateMessage(msg)
		if err := out.Write(msg); err != nil {
			http.Error(w, "insert failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "id": msg.ID, "emotes": msg.Emotes})
	})

	slog.Info("devapi: listening", "addr", addr, "db", dbPath, "payloads", payloads)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("devapi: serve", "err", err)
		os.Exit(1)
	}
}

func (req emitReq) message() (core.ChatMessage, bool) {
	if req.Line != "" {
		pm, ok := twitch.ParseMessage(req.Line).(*twitch.PrivateMessage)
		if !ok {
			return core.ChatMessage{}, false
		}
		return ingest.FromPrivateMessage(*pm), true
	}
	if req.Channel == "" || req.Username == "" || req.Text == "" {
		return core.ChatMessage{}, false
	}

	tags := map[string]string{"emotes": req.EmoteTag, "badges": req.Badges, "id": req.ID}
	pm := twitch.PrivateMessage{
		User:    twitch.User{Name: req.Username, DisplayName: req.Username},
		Channel: req.Channel,
		Message: req.Text,
		ID:      req.ID,
		Time:    req.Ts,
		Tags:    tags,
	}
	return ingest.FromPrivateMessage(pm), true
}
