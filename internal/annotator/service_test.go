package annotator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/gnasty-emotes/internal/catalog"
	"github.com/you/gnasty-emotes/internal/core"
	"github.com/you/gnasty-emotes/internal/decodecache"
	"github.com/you/gnasty-emotes/internal/metrics"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := New(Options{
		SetOwners: catalog.SetOwnerFunc(func(context.Context, string) (string, error) { return "forsen", nil }),
		Metrics:   metrics.New(),
	})
	s.ApplyTwitch(context.Background(), []catalog.TwitchSet{
		{ID: "0", Emotes: []catalog.TwitchEmote{{ID: "25", Code: "Kappa"}, {ID: "1902", Code: "Keepo"}}},
		{ID: "123", Emotes: []catalog.TwitchEmote{{ID: "77", Code: "forsenE"}}},
	})
	s.ApplyFFZ("", []catalog.FFZEmote{{ID: "9", Name: "ZreknarF", URLs: map[string]string{"1": "//cdn.ffz/9/1"}}}, "")
	s.ApplyFFZ("forsen", []catalog.FFZEmote{{ID: "10", Name: "LULW", URLs: map[string]string{"4": "//cdn.ffz/10/4"}}}, "//cdn.ffz/mod.png")
	s.ApplyBTTV("", []catalog.BTTVEmote{{ID: "b1", Code: "catJAM", ImageType: "gif"}})
	s.ApplyBTTV("forsen", []catalog.BTTVEmote{{ID: "b2", Code: "LULW", ImageType: "png"}})
	s.ApplyBadges("", core.BadgeTable{
		"subscriber": {"0": {ImageURL1x: "https://badges/sub-global"}},
		"moderator":  {"1": {ImageURL1x: "https://badges/mod"}},
	})
	s.ApplyBadges("forsen", core.BadgeTable{
		"subscriber": {"12": {ImageURL4x: "https://badges/sub-12"}},
	})
	return s
}

func TestServiceLookupEmotes(t *testing.T) {
	s := newTestService(t)

	got := s.LookupEmotes("forsen")
	var codes []string
	for _, e := range got {
		codes = append(codes, e.Code)
	}
	assert.Equal(t, []string{"Kappa", "Keepo", "LULW", "LULW", "ZreknarF", "catJAM", "forsenE"}, codes)

	groups := core.GroupByScope(got)
	var titles []string
	for _, g := range groups {
		titles = append(titles, g.Title)
	}
	assert.Contains(t, titles, "forsen")
	assert.Contains(t, titles, "Twitch")
}

func TestServiceAnnotateMessage(t *testing.T) {
	s := newTestService(t)

	msg := s.AnnotateMessage(core.ChatMessage{
		Channel:  "forsen",
		Text:     "Kappa LULW catJAM LULW",
		EmoteTag: "25:0-4",
		Badges: []core.ChatBadge{
			{Set: "moderator", Version: "1"},
			{Set: "subscriber", Version: "12"},
			{Set: "subscriber", Version: "0"},
			{Set: "unknown", Version: "1"},
		},
	})

	require.Len(t, msg.Emotes, 4)
	assert.True(t, msg.Emotes[0].FirstParty)
	assert.Equal(t, "Kappa", msg.Emotes[0].Code)

	// channel FFZ, channel BTTV, then global BTTV
	assert.Equal(t, "10", msg.Emotes[1].ID)
	assert.Equal(t, []core.Range{{Start: 6, End: 10}, {Start: 18, End: 22}}, msg.Emotes[1].Ranges)
	assert.Equal(t, "b2", msg.Emotes[2].ID)
	assert.Equal(t, "b1", msg.Emotes[3].ID)
	assert.True(t, msg.Emotes[3].Animated)

	assert.Equal(t, "https://cdn.ffz/mod.png", msg.Badges[0].URL, "FFZ moderator badge wins")
	assert.Equal(t, "https://badges/sub-12", msg.Badges[1].URL)
	assert.Equal(t, "https://badges/sub-global", msg.Badges[2].URL)
	assert.Empty(t, msg.Badges[3].URL)
}

func TestServiceAnnotateMessageDoesNotMutateInput(t *testing.T) {
	s := newTestService(t)
	badges := []core.ChatBadge{{Set: "subscriber", Version: "0"}}
	_ = s.AnnotateMessage(core.ChatMessage{Channel: "forsen", Text: "hi", Badges: badges})
	assert.Empty(t, badges[0].URL)
}

func TestServiceBadgeLookups(t *testing.T) {
	s := newTestService(t)

	url, ok := s.LookupChannelBadge("forsen", "subscriber", "12")
	assert.True(t, ok)
	assert.Equal(t, "https://badges/sub-12", url)

	_, ok = s.LookupChannelBadge("forsen", "subscriber", "0")
	assert.False(t, ok)

	url, ok = s.LookupGlobalBadge("subscriber", "0")
	assert.True(t, ok)
	assert.Equal(t, "https://badges/sub-global", url)

	url, ok = s.LookupModeratorBadge("forsen")
	assert.True(t, ok)
	assert.Equal(t, "https://cdn.ffz/mod.png", url)
}

func TestServiceLeaveChannel(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	require.True(t, s.ShouldFetchBackfill(ctx, "forsen"))
	require.False(t, s.ShouldFetchBackfill(ctx, "forsen"))

	s.LeaveChannel(ctx, "forsen")

	assert.True(t, s.ShouldFetchBackfill(ctx, "forsen"))
	assert.Empty(t, s.ScanThirdParty("LULW", "forsen"))
	_, ok := s.LookupModeratorBadge("forsen")
	assert.False(t, ok)
	// user-wide and global tables survive
	assert.Len(t, s.Annotate("25:0-4", "Kappa", nil), 1)
	assert.Len(t, s.ScanThirdParty("catJAM", "forsen"), 1)
}

type failingGuard struct{}

func (failingGuard) ShouldFetch(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}
func (failingGuard) Clear(context.Context, string) error { return nil }

func TestServiceGuardErrorFailsClosed(t *testing.T) {
	s := New(Options{Guard: failingGuard{}})
	assert.False(t, s.ShouldFetchBackfill(context.Background(), "forsen"))
}

func TestServiceInstancesAreIndependent(t *testing.T) {
	a := newTestService(t)
	b := New(Options{})
	assert.NotEmpty(t, a.LookupEmotes("forsen"))
	assert.Empty(t, b.LookupEmotes("forsen"))
	assert.True(t, b.ShouldFetchBackfill(context.Background(), "forsen"))
}

func TestServiceDecodeCacheInvalidatesViews(t *testing.T) {
	var released []string
	s := New(Options{CacheCapacity: 1, Release: func(id string, _ any) { released = append(released, id) }})

	var signals []decodecache.Signal
	h := s.Frames().Register("b1", func(_ string, sig decodecache.Signal) { signals = append(signals, sig) })
	defer s.Frames().Unregister(h)

	s.DecodeCache().Add("b1", "frames-of-b1")
	s.DecodeCache().Add("b2", "frames-of-b2")

	assert.Equal(t, []string{"b1"}, released)
	assert.Equal(t, []decodecache.Signal{decodecache.SignalInvalidate}, signals)
}
