package refresh

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/gnasty-emotes/internal/annotator"
	"github.com/you/gnasty-emotes/internal/catalog"
	"github.com/you/gnasty-emotes/internal/core"
	"github.com/you/gnasty-emotes/internal/metrics"
	"github.com/you/gnasty-emotes/internal/payload"
)

type fakeSource struct {
	mu       sync.Mutex
	calls    map[string]int
	failBTTV bool
}

func (f *fakeSource) hit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
}

func (f *fakeSource) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeSource) FFZRoom(_ context.Context, channel, roomID string) (payload.Payload, error) {
	f.hit("ffz:" + channel + ":" + roomID)
	return payload.Payload{Kind: payload.KindFFZRoom, Channel: channel, FFZ: []catalog.FFZEmote{
		{ID: "1", Name: "LULW", URLs: map[string]string{"1": "//cdn/1"}},
	}}, nil
}

func (f *fakeSource) FFZGlobal(context.Context) (payload.Payload, error) {
	f.hit("ffz_global")
	return payload.Payload{Kind: payload.KindFFZGlobal, FFZ: []catalog.FFZEmote{
		{ID: "3", Name: "ZreknarF", URLs: map[string]string{"1": "//cdn/3"}},
	}}, nil
}

func (f *fakeSource) BTTVChannel(_ context.Context, channel, _ string) (payload.Payload, error) {
	f.hit("bttv:" + channel)
	if f.failBTTV {
		return payload.Payload{}, errors.New("bttv down")
	}
	return payload.Payload{Kind: payload.KindBTTVChannel, Channel: channel, BTTV: []catalog.BTTVEmote{{ID: "a", Code: "forsenPls"}}}, nil
}

func (f *fakeSource) BTTVGlobal(context.Context) (payload.Payload, error) {
	f.hit("bttv_global")
	return payload.Payload{Kind: payload.KindBTTVGlobal, BTTV: []catalog.BTTVEmote{{ID: "c", Code: "catJAM", ImageType: "gif"}}}, nil
}

func (f *fakeSource) GlobalBadges(context.Context) (core.BadgeTable, error) {
	f.hit("badges_global")
	return core.BadgeTable{"moderator": {"1": {ImageURL1x: "https://mod"}}}, nil
}

func (f *fakeSource) ChannelBadges(_ context.Context, channel string) (core.BadgeTable, error) {
	f.hit("badges:" + channel)
	return core.BadgeTable{"subscriber": {"0": {ImageURL1x: "https://sub"}}}, nil
}

func (f *fakeSource) UserID(_ context.Context, login string) (string, error) {
	if login == "forsen" {
		return "22484632", nil
	}
	return "", errors.New("unknown")
}

func TestRefreshAllAppliesEverything(t *testing.T) {
	src := &fakeSource{}
	svc := annotator.New(annotator.Options{})
	r := New(Options{Target: svc, Emotes: src, Badges: src, IDs: src,
		Twitch: func(context.Context) ([]catalog.TwitchSet, error) {
			return []catalog.TwitchSet{{ID: "0", Emotes: []catalog.TwitchEmote{{ID: "25", Code: "Kappa"}}}}, nil
		},
	})
	r.Add(" Forsen ")

	require.NoError(t, r.RefreshAll(context.Background()))

	var codes []string
	for _, e := range svc.LookupEmotes("forsen") {
		codes = append(codes, e.Code)
	}
	assert.Equal(t, []string{"Kappa", "LULW", "ZreknarF", "catJAM", "forsenPls"}, codes)
	assert.Equal(t, 1, src.count("ffz:forsen:22484632"))

	url, ok := svc.LookupChannelBadge("forsen", "subscriber", "0")
	assert.True(t, ok)
	assert.Equal(t, "https://sub", url)
}

func TestFailedJobKeepsPreviousSnapshot(t *testing.T) {
	src := &fakeSource{}
	m := metrics.New()
	svc := annotator.New(annotator.Options{})
	r := New(Options{Target: svc, Emotes: src, IDs: src, Metrics: m})

	require.NoError(t, r.RefreshChannel(context.Background(), "forsen"))
	require.Len(t, svc.ScanThirdParty("forsenPls", "forsen"), 1)

	src.failBTTV = true
	err := r.RefreshChannel(context.Background(), "forsen")
	assert.Error(t, err)
	assert.Len(t, svc.ScanThirdParty("forsenPls", "forsen"), 1, "old BTTV snapshot survives")

	expected := `
# HELP gnasty_catalog_refresh_total Catalog refresh attempts by provider and result
# TYPE gnasty_catalog_refresh_total counter
gnasty_catalog_refresh_total{provider="bttv",result="error"} 1
gnasty_catalog_refresh_total{provider="bttv",result="ok"} 1
gnasty_catalog_refresh_total{provider="ffz",result="ok"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "gnasty_catalog_refresh_total"))
}

func TestUnknownRoomSkipsBTTV(t *testing.T) {
	src := &fakeSource{}
	r := New(Options{Target: annotator.New(annotator.Options{}), Emotes: src, IDs: src})

	require.NoError(t, r.RefreshChannel(context.Background(), "nobody"))
	assert.Equal(t, 1, src.count("ffz:nobody:"))
	assert.Zero(t, src.count("bttv:nobody"))
}

func TestRunTicks(t *testing.T) {
	src := &fakeSource{}
	clock := clockwork.NewFakeClock()
	r := New(Options{Target: annotator.New(annotator.Options{}), Emotes: src, Clock: clock, Interval: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	clock.BlockUntil(1)
	assert.Equal(t, 1, src.count("ffz_global"))

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return src.count("ffz_global") == 2 }, time.Second, 5*time.Millisecond)

	r.Add("forsen")
	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return src.count("ffz:forsen:") == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, []string{"forsen"}, r.Channels())
	r.Remove("FORSEN")
	assert.Empty(t, r.Channels())
}
