package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gempir/go-twitch-irc/v4"

	"github.com/you/gnasty-emotes/internal/core"
	"github.com/you/gnasty-emotes/internal/ingest"
)

// Fetcher returns raw IRC lines of a channel's recent history.
type Fetcher interface {
	RecentMessages(ctx context.Context, channel string) ([]string, error)
}

// Annotator is the part of the annotation service the loader needs.
type Annotator interface {
	ShouldFetchBackfill(ctx context.Context, channel string) bool
	ClearBackfill(ctx context.Context, channel string) error
	AnnotateMessage(msg core.ChatMessage) core.ChatMessage
}

// Writer receives replayed messages.
type Writer interface {
	Write(core.ChatMessage) error
}

// Loader replays recent history once per channel.
type Loader struct {
	fetch Fetcher
	svc   Annotator
	out   Writer
	drops *ingest.DropLog
}

func NewLoader(fetch Fetcher, svc Annotator, out Writer) *Loader {
	return &Loader{fetch: fetch, svc: svc, out: out, drops: ingest.NewDropLog(time.Now(), false, 0)}
}

// Load fetches, annotates and writes the recent messages of channel unless
// another caller already did. A failed fetch reopens the gate. It returns the
// number of messages written.
func (l *Loader) Load(ctx context.Context, channel string) (int, error) {
	if !l.svc.ShouldFetchBackfill(ctx, channel) {
		return 0, nil
	}

	start := time.Now()
	lines, err := l.fetch.RecentMessages(ctx, channel)
	if err != nil {
		if clearErr := l.svc.ClearBackfill(ctx, channel); clearErr != nil {
			slog.Warn("backfill: reopen gate failed", "channel", channel, "error", clearErr)
		}
		slog.Info("backfill: failed to load recent messages", "channel", channel, "duration_ms", time.Since(start).Milliseconds())
		return 0, fmt.Errorf("fetch recent messages for %s: %w", channel, err)
	}

	written := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		pm, ok := twitch.ParseMessage(line).(*twitch.PrivateMessage)
		if !ok {
			l.drops.Note(time.Now(), "not_privmsg", line)
			continue
		}
		msg := ingest.FromPrivateMessage(*pm)
		msg.Backfill = true
		msg = l.svc.AnnotateMessage(msg)
		if l.out != nil {
			if err := l.out.Write(msg); err != nil {
				return written, fmt.Errorf("write backfill message: %w", err)
			}
		}
		written++
	}

	l.drops.Flush(time.Now())
	slog.Info("backfill: loaded recent messages", "channel", channel, "messages", written, "duration_ms", time.Since(start).Milliseconds())
	return written, nil
}
