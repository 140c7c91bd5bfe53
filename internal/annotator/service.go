// Package annotator owns the emote and badge catalogs of one process and
// annotates chat messages against them.
package annotator

import (
	"context"
	"log/slog"

	"github.com/you/gnasty-emotes/internal/backfill"
	"github.com/you/gnasty-emotes/internal/catalog"
	"github.com/you/gnasty-emotes/internal/core"
	"github.com/you/gnasty-emotes/internal/decodecache"
	"github.com/you/gnasty-emotes/internal/emotes"
	"github.com/you/gnasty-emotes/internal/metrics"
)

const moderatorBadgeSet = "moderator"

type Options struct {
	// SetOwners names the channel behind first-party emote sets.
	SetOwners catalog.SetOwnerResolver
	// Guard defaults to a process-local gate.
	Guard backfill.Guard
	// CacheCapacity defaults to decodecache.DefaultCapacity.
	CacheCapacity int
	// Release is called for every decoded value leaving the cache, after
	// registered views were told to drop it.
	Release decodecache.ReleaseFunc[any]
	Metrics *metrics.Metrics
}

// Service is the query surface of the engine. Instances are independent.
type Service struct {
	store   *catalog.Store
	twitch  *catalog.TwitchBuilder
	guard   backfill.Guard
	frames  *decodecache.Registry
	cache   *decodecache.Cache[any]
	metrics *metrics.Metrics
}

func New(opts Options) *Service {
	guard := opts.Guard
	if guard == nil {
		guard = backfill.NewMemoryGuard()
	}
	frames := decodecache.NewRegistry()
	cache := decodecache.New(opts.CacheCapacity, decodecache.Invalidating(frames, opts.Release))
	opts.Metrics.RegisterDecodeCache(cache.Stats, cache.Len)

	return &Service{
		store:   catalog.NewStore(),
		twitch:  catalog.NewTwitchBuilder(opts.SetOwners),
		guard:   guard,
		frames:  frames,
		cache:   cache,
		metrics: opts.Metrics,
	}
}

// LookupEmotes returns every emote usable in channel sorted by code.
func (s *Service) LookupEmotes(channel string) []core.Emote {
	return s.store.LookupEmotes(channel)
}

func (s *Service) LookupChannelBadge(channel, set, version string) (string, bool) {
	return s.store.LookupChannelBadge(channel, set, version)
}

func (s *Service) LookupGlobalBadge(set, version string) (string, bool) {
	return s.store.LookupGlobalBadge(set, version)
}

func (s *Service) LookupModeratorBadge(channel string) (string, bool) {
	return s.store.LookupModeratorBadge(channel)
}

// Annotate maps a first-party emotes tag onto text.
func (s *Service) Annotate(tag, text string, removed []int) []core.Occurrence {
	return emotes.ParseTwitchTag(tag, text, removed)
}

// ScanThirdParty matches text against the FFZ and BTTV catalogs of channel.
func (s *Service) ScanThirdParty(text, channel string) []core.Occurrence {
	return emotes.ScanThirdParty(text, s.store.ThirdPartyCatalogs(channel)...)
}

// AnnotateMessage fills in the emotes and badge images of msg. First-party
// occurrences come first.
func (s *Service) AnnotateMessage(msg core.ChatMessage) core.ChatMessage {
	first := s.Annotate(msg.EmoteTag, msg.Text, msg.Removed)
	third := s.ScanThirdParty(msg.Text, msg.Channel)

	occurrences := make([]core.Occurrence, 0, len(first)+len(third))
	occurrences = append(occurrences, first...)
	occurrences = append(occurrences, third...)
	msg.Emotes = occurrences

	if len(msg.Badges) > 0 {
		badges := make([]core.ChatBadge, len(msg.Badges))
		for i, b := range msg.Badges {
			b.URL = s.badgeURL(msg.Channel, b)
			badges[i] = b
		}
		msg.Badges = badges
	}

	s.metrics.ObserveAnnotation(len(first), len(third))
	return msg
}

func (s *Service) badgeURL(channel string, b core.ChatBadge) string {
	if b.Set == moderatorBadgeSet {
		if url, ok := s.store.LookupModeratorBadge(channel); ok {
			return url
		}
	}
	url, _ := s.store.LookupBadge(channel, b.Set, b.Version)
	return url
}

// ShouldFetchBackfill reports whether the caller won the right to replay
// channel's history. A guard error counts as "no".
func (s *Service) ShouldFetchBackfill(ctx context.Context, channel string) bool {
	ok, err := s.guard.ShouldFetch(ctx, channel)
	switch {
	case err != nil:
		slog.Warn("annotator: backfill guard failed", "channel", channel, "error", err)
		s.metrics.ObserveGuard("error")
		return false
	case ok:
		s.metrics.ObserveGuard("fetch")
	default:
		s.metrics.ObserveGuard("skip")
	}
	return ok
}

// ClearBackfill allows channel's history to be replayed again.
func (s *Service) ClearBackfill(ctx context.Context, channel string) error {
	return s.guard.Clear(ctx, channel)
}

// ApplyTwitch replaces the user-wide first-party catalog.
func (s *Service) ApplyTwitch(ctx context.Context, sets []catalog.TwitchSet) {
	list := s.twitch.Build(ctx, sets)
	s.store.Replace(core.ProviderTwitch, "", list)
	s.metrics.SetCatalogSize(core.ProviderTwitch.String(), "", s.store.Len(core.ProviderTwitch, ""))
}

// ApplyFFZ replaces the FFZ catalog of channel ("" for global). A non-empty
// moderatorBadge replaces the channel's custom moderator badge.
func (s *Service) ApplyFFZ(channel string, list []catalog.FFZEmote, moderatorBadge string) {
	scope := core.GlobalScope(core.ProviderFFZ)
	if channel != "" {
		scope = core.EmoteScope{Kind: core.ScopeChannelFFZ}
	}
	s.store.Replace(core.ProviderFFZ, channel, catalog.BuildFFZ(list, scope))
	if channel != "" && moderatorBadge != "" {
		s.store.ReplaceModeratorBadge(channel, catalog.WithScheme(moderatorBadge))
	}
	s.metrics.SetCatalogSize(core.ProviderFFZ.String(), channel, s.store.Len(core.ProviderFFZ, channel))
}

// ApplyBTTV replaces the BTTV catalog of channel ("" for global).
func (s *Service) ApplyBTTV(channel string, list []catalog.BTTVEmote) {
	scope := core.GlobalScope(core.ProviderBTTV)
	if channel != "" {
		scope = core.EmoteScope{Kind: core.ScopeChannelBTTV}
	}
	s.store.Replace(core.ProviderBTTV, channel, catalog.BuildBTTV(list, scope))
	s.metrics.SetCatalogSize(core.ProviderBTTV.String(), channel, s.store.Len(core.ProviderBTTV, channel))
}

// ApplyBadges replaces the badge table of channel ("" for global).
func (s *Service) ApplyBadges(channel string, table core.BadgeTable) {
	s.store.ReplaceBadges(channel, table)
}

// LeaveChannel forgets everything scoped to channel and reopens its
// backfill gate.
func (s *Service) LeaveChannel(ctx context.Context, channel string) {
	s.store.Forget(channel)
	if err := s.guard.Clear(ctx, channel); err != nil {
		slog.Warn("annotator: clear backfill failed", "channel", channel, "error", err)
	}
	s.metrics.DeleteChannel(channel)
}

// Frames is the registry views use to receive frame signals.
func (s *Service) Frames() *decodecache.Registry {
	return s.frames
}

// DecodeCache holds decoded animated emotes keyed by emote id.
func (s *Service) DecodeCache() *decodecache.Cache[any] {
	return s.cache
}
