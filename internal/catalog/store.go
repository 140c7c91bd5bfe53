package catalog

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/you/gnasty-emotes/internal/core"
	"github.com/you/gnasty-emotes/internal/emotes"
)

type key struct {
	provider core.Provider
	channel  string
}

// slot holds the published snapshot for one key. Writers serialize on mu;
// readers only load the pointer.
type slot[T any] struct {
	mu      sync.Mutex
	current atomic.Pointer[T]
}

// Store keeps one immutable emote snapshot per (provider, channel) and one
// badge table per channel. Channel "" is the global scope. Every replacement
// builds its snapshot off to the side and publishes it with a single pointer
// store, so readers see either the old table or the new one.
type Store struct {
	emotes    sync.Map // key -> *slot[map[string]core.Emote]
	badges    sync.Map // channel -> *slot[core.BadgeTable]
	moderator sync.Map // channel -> *slot[string]
}

func NewStore() *Store {
	return &Store{}
}

func loadSlot[T any](m *sync.Map, k any) *slot[T] {
	if v, ok := m.Load(k); ok {
		return v.(*slot[T])
	}
	v, _ := m.LoadOrStore(k, &slot[T]{})
	return v.(*slot[T])
}

func peek[T any](m *sync.Map, k any) *T {
	v, ok := m.Load(k)
	if !ok {
		return nil
	}
	return v.(*slot[T]).current.Load()
}

func normalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}

// Replace publishes a new table for provider and channel. First-party emotes
// are user-wide and always land under the global key. Within the table the
// last emote for a code wins.
func (s *Store) Replace(provider core.Provider, channel string, list []core.Emote) {
	channel = normalizeChannel(channel)
	if provider == core.ProviderTwitch {
		channel = ""
	}

	table := make(map[string]core.Emote, len(list))
	for _, e := range list {
		if e.Code == "" {
			continue
		}
		table[e.Code] = e
	}

	sl := loadSlot[map[string]core.Emote](&s.emotes, key{provider: provider, channel: channel})
	sl.mu.Lock()
	sl.current.Store(&table)
	sl.mu.Unlock()

	slog.Debug("catalog: replaced snapshot", "provider", provider.String(), "channel", channel, "emotes", len(table))
}

// ReplaceBadges publishes the badge table of channel ("" for global). The
// table is copied; later changes to the argument are not observed.
func (s *Store) ReplaceBadges(channel string, table core.BadgeTable) {
	channel = normalizeChannel(channel)

	snapshot := make(core.BadgeTable, len(table))
	for set, versions := range table {
		if set == "" || len(versions) == 0 {
			continue
		}
		copied := make(map[string]core.BadgeVersion, len(versions))
		for id, v := range versions {
			copied[id] = v
		}
		snapshot[set] = copied
	}

	sl := loadSlot[core.BadgeTable](&s.badges, channel)
	sl.mu.Lock()
	sl.current.Store(&snapshot)
	sl.mu.Unlock()

	slog.Debug("catalog: replaced badges", "channel", channel, "sets", len(snapshot))
}

// ReplaceModeratorBadge stores the custom moderator badge of channel. An
// empty url removes it.
func (s *Store) ReplaceModeratorBadge(channel, url string) {
	channel = normalizeChannel(channel)
	sl := loadSlot[string](&s.moderator, channel)
	sl.mu.Lock()
	if url == "" {
		sl.current.Store(nil)
	} else {
		sl.current.Store(&url)
	}
	sl.mu.Unlock()
}

func (s *Store) table(provider core.Provider, channel string) map[string]core.Emote {
	p := peek[map[string]core.Emote](&s.emotes, key{provider: provider, channel: channel})
	if p == nil {
		return nil
	}
	return *p
}

// LookupEmotes returns every emote usable in channel: first-party, then FFZ
// global and channel, then BTTV global and channel, stably sorted by code.
func (s *Store) LookupEmotes(channel string) []core.Emote {
	channel = normalizeChannel(channel)

	tables := []map[string]core.Emote{s.table(core.ProviderTwitch, "")}
	for _, p := range []core.Provider{core.ProviderFFZ, core.ProviderBTTV} {
		tables = append(tables, s.table(p, ""))
		if channel != "" {
			tables = append(tables, s.table(p, channel))
		}
	}

	var out []core.Emote
	for _, t := range tables {
		start := len(out)
		for _, e := range t {
			out = append(out, e)
		}
		// map order is random; codes are unique within one table
		slices.SortFunc(out[start:], func(a, b core.Emote) int { return strings.Compare(a.Code, b.Code) })
	}
	slices.SortStableFunc(out, func(a, b core.Emote) int { return strings.Compare(a.Code, b.Code) })
	return out
}

// ThirdPartyCatalogs returns the scan tables for channel in match precedence:
// channel FFZ, channel BTTV, global BTTV, global FFZ. Missing tables are
// omitted. The returned maps are shared snapshots and must not be modified.
func (s *Store) ThirdPartyCatalogs(channel string) []emotes.Catalog {
	channel = normalizeChannel(channel)
	order := []key{
		{core.ProviderFFZ, channel},
		{core.ProviderBTTV, channel},
		{core.ProviderBTTV, ""},
		{core.ProviderFFZ, ""},
	}
	if channel == "" {
		order = order[2:]
	}
	out := make([]emotes.Catalog, 0, len(order))
	for _, k := range order {
		if t := s.table(k.provider, k.channel); len(t) > 0 {
			out = append(out, emotes.Catalog(t))
		}
	}
	return out
}

// Len reports the size of one emote table.
func (s *Store) Len(provider core.Provider, channel string) int {
	channel = normalizeChannel(channel)
	if provider == core.ProviderTwitch {
		channel = ""
	}
	return len(s.table(provider, channel))
}

func (s *Store) badge(channel, set, version string) (string, bool) {
	p := peek[core.BadgeTable](&s.badges, channel)
	if p == nil {
		return "", false
	}
	v, ok := (*p)[set][version]
	if !ok {
		return "", false
	}
	url := v.HighRes()
	return url, url != ""
}

// LookupChannelBadge resolves a badge from the channel table only.
func (s *Store) LookupChannelBadge(channel, set, version string) (string, bool) {
	channel = normalizeChannel(channel)
	if channel == "" {
		return "", false
	}
	return s.badge(channel, set, version)
}

// LookupGlobalBadge resolves a badge from the global table.
func (s *Store) LookupGlobalBadge(set, version string) (string, bool) {
	return s.badge("", set, version)
}

// LookupBadge prefers the channel table and falls back to the global one.
func (s *Store) LookupBadge(channel, set, version string) (string, bool) {
	if url, ok := s.LookupChannelBadge(channel, set, version); ok {
		return url, true
	}
	return s.LookupGlobalBadge(set, version)
}

func (s *Store) LookupModeratorBadge(channel string) (string, bool) {
	p := peek[string](&s.moderator, normalizeChannel(channel))
	if p == nil {
		return "", false
	}
	return *p, true
}

// Forget drops every channel-scoped table of channel. Global tables are kept.
func (s *Store) Forget(channel string) {
	channel = normalizeChannel(channel)
	if channel == "" {
		return
	}
	for _, p := range []core.Provider{core.ProviderFFZ, core.ProviderBTTV} {
		drop[map[string]core.Emote](&s.emotes, key{provider: p, channel: channel})
	}
	drop[core.BadgeTable](&s.badges, channel)
	drop[string](&s.moderator, channel)
	slog.Debug("catalog: forgot channel", "channel", channel)
}

func drop[T any](m *sync.Map, k any) {
	v, ok := m.LoadAndDelete(k)
	if !ok {
		return
	}
	sl := v.(*slot[T])
	sl.mu.Lock()
	sl.current.Store(nil)
	sl.mu.Unlock()
}
