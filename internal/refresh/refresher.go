// Package refresh periodically re-fetches catalogs and hands them to the
// annotator. A failed fetch leaves the previous snapshot in place.
package refresh

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/you/gnasty-emotes/internal/catalog"
	"github.com/you/gnasty-emotes/internal/core"
	"github.com/you/gnasty-emotes/internal/metrics"
	"github.com/you/gnasty-emotes/internal/payload"
)

const (
	DefaultInterval = 30 * time.Minute
	maxConcurrent   = 4
)

type EmoteSource interface {
	FFZRoom(ctx context.Context, channel, roomID string) (payload.Payload, error)
	FFZGlobal(ctx context.Context) (payload.Payload, error)
	BTTVChannel(ctx context.Context, channel, roomID string) (payload.Payload, error)
	BTTVGlobal(ctx context.Context) (payload.Payload, error)
}

type BadgeSource interface {
	GlobalBadges(ctx context.Context) (core.BadgeTable, error)
	ChannelBadges(ctx context.Context, channel string) (core.BadgeTable, error)
}

type IDResolver interface {
	UserID(ctx context.Context, login string) (string, error)
}

// TwitchFunc returns the first-party emote sets of the connected user.
type TwitchFunc func(ctx context.Context) ([]catalog.TwitchSet, error)

type Options struct {
	Target   payload.Target
	Emotes   EmoteSource
	Badges   BadgeSource
	IDs      IDResolver
	Twitch   TwitchFunc
	Clock    clockwork.Clock
	Interval time.Duration
	Metrics  *metrics.Metrics
}

type Refresher struct {
	opts Options

	mu       sync.Mutex
	channels map[string]struct{}
}

func New(opts Options) *Refresher {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Refresher{opts: opts, channels: map[string]struct{}{}}
}

// Add schedules channel for periodic refresh.
func (r *Refresher) Add(channel string) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return
	}
	r.mu.Lock()
	r.channels[channel] = struct{}{}
	r.mu.Unlock()
}

func (r *Refresher) Remove(channel string) {
	r.mu.Lock()
	delete(r.channels, strings.ToLower(strings.TrimSpace(channel)))
	r.mu.Unlock()
}

func (r *Refresher) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Run refreshes everything immediately and then on every tick until ctx is
// done.
func (r *Refresher) Run(ctx context.Context) error {
	_ = r.RefreshAll(ctx)

	ticker := r.opts.Clock.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			_ = r.RefreshAll(ctx)
		}
	}
}

// RefreshAll refreshes the global catalogs and every scheduled channel. It
// returns the first error; other jobs still run.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	start := r.opts.Clock.Now()
	var g errgroup.Group
	g.Go(func() error { return r.RefreshGlobal(ctx) })
	for _, ch := range r.Channels() {
		ch := ch
		g.Go(func() error { return r.RefreshChannel(ctx, ch) })
	}
	err := g.Wait()
	slog.Debug("refresh: cycle done", "channels", len(r.Channels()), "took", r.opts.Clock.Since(start), "err", err)
	return err
}

// RefreshGlobal refreshes the global FFZ, BTTV and badge catalogs and the
// user-wide Twitch catalog.
func (r *Refresher) RefreshGlobal(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(maxConcurrent)
	if r.opts.Emotes != nil {
		g.Go(func() error { return r.payloadJob(ctx, "ffz_global", r.opts.Emotes.FFZGlobal) })
		g.Go(func() error { return r.payloadJob(ctx, "bttv_global", r.opts.Emotes.BTTVGlobal) })
	}
	if r.opts.Badges != nil {
		g.Go(func() error {
			return r.job("badges_global", func() error {
				table, err := r.opts.Badges.GlobalBadges(ctx)
				if err == nil {
					r.opts.Target.ApplyBadges("", table)
				}
				return err
			})
		})
	}
	if r.opts.Twitch != nil {
		g.Go(func() error {
			return r.job("twitch", func() error {
				sets, err := r.opts.Twitch(ctx)
				if err == nil {
					r.opts.Target.ApplyTwitch(ctx, sets)
				}
				return err
			})
		})
	}
	return g.Wait()
}

// RefreshChannel refreshes the FFZ, BTTV and badge catalogs of channel.
func (r *Refresher) RefreshChannel(ctx context.Context, channel string) error {
	channel = strings.ToLower(strings.TrimSpace(channel))
	roomID := r.roomID(ctx, channel)

	var g errgroup.Group
	g.SetLimit(maxConcurrent)
	if r.opts.Emotes != nil {
		g.Go(func() error {
			return r.payloadJob(ctx, "ffz", func(ctx context.Context) (payload.Payload, error) {
				return r.opts.Emotes.FFZRoom(ctx, channel, roomID)
			})
		})
		if roomID != "" {
			g.Go(func() error {
				return r.payloadJob(ctx, "bttv", func(ctx context.Context) (payload.Payload, error) {
					return r.opts.Emotes.BTTVChannel(ctx, channel, roomID)
				})
			})
		}
	}
	if r.opts.Badges != nil {
		g.Go(func() error {
			return r.job("badges", func() error {
				table, err := r.opts.Badges.ChannelBadges(ctx, channel)
				if err == nil {
					r.opts.Target.ApplyBadges(channel, table)
				}
				return err
			})
		})
	}
	return g.Wait()
}

func (r *Refresher) roomID(ctx context.Context, channel string) string {
	if r.opts.IDs == nil {
		return ""
	}
	id, err := r.opts.IDs.UserID(ctx, channel)
	if err != nil {
		slog.Debug("refresh: room id unavailable", "channel", channel, "err", err)
		return ""
	}
	return id
}

func (r *Refresher) payloadJob(ctx context.Context, name string, fetch func(context.Context) (payload.Payload, error)) error {
	return r.job(name, func() error {
		p, err := fetch(ctx)
		if err == nil {
			p.Apply(ctx, r.opts.Target)
		}
		return err
	})
}

func (r *Refresher) job(name string, fn func() error) error {
	start := r.opts.Clock.Now()
	err := fn()
	took := r.opts.Clock.Since(start)
	r.opts.Metrics.ObserveRefresh(name, took, err)
	if err != nil {
		slog.Warn("refresh: job failed", "job", name, "took", took, "err", err)
		return err
	}
	slog.Debug("refresh: job done", "job", name, "took", took)
	return nil
}
