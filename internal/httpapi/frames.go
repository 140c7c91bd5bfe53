package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/gnasty-emotes/internal/decodecache"
)

const (
	frameBuffer       = 64
	frameWriteTimeout = 5 * time.Second
)

type frameEvent struct {
	ID     string `json:"id"`
	Signal string `json:"signal"`
}

// handleFrames upgrades to a WebSocket and registers one view per ?id= with
// the frame registry. Every advance or invalidate signal for those ids is
// sent as a JSON event. Views are unregistered when the socket closes.
func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	ids := splitIDs(r.URL.Query()["id"])
	if len(ids) == 0 {
		http.Error(w, "at least one id is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(baseWriter(w), r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		slog.Warn("httpapi: frames upgrade failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	s.opts.Metrics.IncFrameClients(1)
	defer s.opts.Metrics.IncFrameClients(-1)

	events := make(chan frameEvent, frameBuffer)
	frames := s.svc.Frames()
	handles := make([]decodecache.Handle, 0, len(ids))
	for _, id := range ids {
		handles = append(handles, frames.Register(id, func(id string, sig decodecache.Signal) {
			select {
			case events <- frameEvent{ID: id, Signal: sig.String()}:
			default:
				s.opts.Metrics.IncBroadcastDrops("frames")
			}
		}))
	}
	defer func() {
		for _, h := range handles {
			frames.Unregister(h)
		}
	}()

	// The client never sends; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-events:
			if err := writeFrame(ctx, conn, ev); err != nil {
				slog.Debug("httpapi: frames write failed", "err", err)
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, ev frameEvent) error {
	ctx, cancel := context.WithTimeout(ctx, frameWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func (s *Server) originPatterns() []string {
	if s.cors == nil {
		return nil
	}
	if s.cors.allowAll {
		return []string{"*"}
	}
	out := make([]string, 0, len(s.cors.origins))
	for origin := range s.cors.origins {
		if i := strings.Index(origin, "://"); i >= 0 {
			origin = origin[i+3:]
		}
		out = append(out, origin)
	}
	return out
}

func splitIDs(raw []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, value := range raw {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := seen[part]; !ok {
				seen[part] = struct{}{}
				out = append(out, part)
			}
		}
	}
	return out
}
