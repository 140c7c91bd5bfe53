package catalog

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/gnasty-emotes/internal/core"
)

func TestBuildFFZ(t *testing.T) {
	scope := core.EmoteScope{Kind: core.ScopeChannelFFZ}
	got := BuildFFZ([]FFZEmote{
		{ID: "1", Name: "all", URLs: map[string]string{"1": "//cdn/1/1", "2": "//cdn/1/2", "4": "//cdn/1/4"}},
		{ID: "2", Name: "two", URLs: map[string]string{"1": "//cdn/2/1", "2": "//cdn/2/2"}},
		{ID: "3", Name: "one", URLs: map[string]string{"1": "//cdn/3/1"}},
		{ID: "4", Name: "", URLs: map[string]string{"1": "//cdn/4/1"}},
		{ID: "5", Name: "none", URLs: map[string]string{}},
	}, scope)

	require.Len(t, got, 3)
	assert.Equal(t, core.Emote{Code: "all", URL: "https://cdn/1/4", LowResURL: "https://cdn/1/2", ID: "1", Scale: 1, Scope: scope}, got[0])
	assert.Equal(t, core.Emote{Code: "two", URL: "https://cdn/2/2", LowResURL: "https://cdn/2/2", ID: "2", Scale: 2, Scope: scope}, got[1])
	assert.Equal(t, core.Emote{Code: "one", URL: "https://cdn/3/1", LowResURL: "https://cdn/3/1", ID: "3", Scale: 4, Scope: scope}, got[2])
	for _, e := range got {
		assert.False(t, e.Animated)
	}
}

func TestWithScheme(t *testing.T) {
	assert.Equal(t, "https://cdn/x", WithScheme("//cdn/x"))
	assert.Equal(t, "https://cdn/x", WithScheme("https://cdn/x"))
	assert.Equal(t, "", WithScheme(""))
}

func TestBuildBTTV(t *testing.T) {
	scope := core.GlobalScope(core.ProviderBTTV)
	got := BuildBTTV([]BTTVEmote{
		{ID: "abc", Code: "FeelsGoodMan", ImageType: "png"},
		{ID: "def", Code: "catJAM", ImageType: "gif"},
		{ID: "", Code: "broken"},
	}, scope)

	require.Len(t, got, 2)
	assert.Equal(t, "https://cdn.betterttv.net/emote/abc/3x", got[0].URL)
	assert.Equal(t, "https://cdn.betterttv.net/emote/abc/2x", got[0].LowResURL)
	assert.False(t, got[0].Animated)
	assert.True(t, got[1].Animated)
	assert.Equal(t, 1, got[1].Scale)
	assert.Equal(t, scope, got[1].Scope)
}

func TestTwitchBuilderScopes(t *testing.T) {
	resolver := SetOwnerFunc(func(_ context.Context, setID string) (string, error) {
		switch setID {
		case "100":
			return "forsen", nil
		case "200":
			return "", errors.New("boom")
		}
		return "  ", nil
	})

	got := NewTwitchBuilder(resolver).Build(context.Background(), []TwitchSet{
		{ID: "0", Emotes: []TwitchEmote{{ID: "1", Code: `\:-?\)`}, {ID: "25", Code: "Kappa"}}},
		{ID: "42", Emotes: []TwitchEmote{{ID: "555", Code: ":-)"}}},
		{ID: "100", Emotes: []TwitchEmote{{ID: "9", Code: "forsenE"}}},
		{ID: "200", Emotes: []TwitchEmote{{ID: "10", Code: ":-)"}}},
		{ID: "300", Emotes: []TwitchEmote{{ID: "11", Code: "blank"}, {ID: "", Code: "skipped"}}},
	})

	require.Len(t, got, 6)

	assert.Equal(t, ":)", got[0].Code)
	assert.Equal(t, core.EmoteScope{Kind: core.ScopeGlobalTwitch}, got[0].Scope)
	assert.Equal(t, "https://static-cdn.jtvnw.net/emoticons/v1/1/3.0", got[0].URL)
	assert.Equal(t, "https://static-cdn.jtvnw.net/emoticons/v1/1/2.0", got[0].LowResURL)
	assert.Equal(t, "Kappa", got[1].Code)
	assert.Equal(t, ":)", got[2].Code, "monkey set is global and normalized")

	assert.Equal(t, core.EmoteScope{Kind: core.ScopeChannelTwitch, Channel: "forsen"}, got[3].Scope)
	// channel codes are not normalized
	assert.Equal(t, ":-)", got[4].Code)
	assert.Equal(t, "Twitch", got[4].Scope.Channel)
	assert.Equal(t, "Twitch", got[5].Scope.Channel)

	for _, e := range got {
		assert.Equal(t, 1, e.Scale)
		assert.False(t, e.Animated)
	}
}

func TestTwitchBuilderWithoutResolver(t *testing.T) {
	got := NewTwitchBuilder(nil).Build(context.Background(), []TwitchSet{
		{ID: "7", Emotes: []TwitchEmote{{ID: "1", Code: "x"}}},
	})
	require.Len(t, got, 1)
	assert.Equal(t, core.EmoteScope{Kind: core.ScopeChannelTwitch, Channel: "Twitch"}, got[0].Scope)
}

func TestTwitchBuilderCollapsesConcurrentLookups(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	resolver := SetOwnerFunc(func(_ context.Context, setID string) (string, error) {
		calls.Add(1)
		<-release
		return "owner-" + setID, nil
	})
	b := NewTwitchBuilder(resolver)
	sets := []TwitchSet{{ID: "100", Emotes: []TwitchEmote{{ID: "1", Code: "a"}}}}

	var wg sync.WaitGroup
	results := make([][]core.Emote, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = b.Build(context.Background(), sets)
		}(i)
	}
	// give every build a chance to join the in-flight lookup
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for _, r := range results {
		require.Len(t, r, 1)
		assert.Equal(t, "owner-100", r[0].Scope.Channel)
	}
}

func TestTwitchBuilderResolvesSetsConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int64
	resolver := SetOwnerFunc(func(_ context.Context, setID string) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return setID, nil
	})

	var sets []TwitchSet
	for _, id := range []string{"1", "2", "3", "4"} {
		sets = append(sets, TwitchSet{ID: id, Emotes: []TwitchEmote{{ID: id, Code: "c" + id}}})
	}
	got := NewTwitchBuilder(resolver).Build(context.Background(), sets)

	require.Len(t, got, 4)
	for i, e := range got {
		assert.Equal(t, sets[i].ID, e.Scope.Channel)
	}
	assert.Greater(t, peak.Load(), int64(1))
}

func TestTwitchBuilderDuplicateSetKeepsResolvedOwner(t *testing.T) {
	resolver := SetOwnerFunc(func(_ context.Context, setID string) (string, error) {
		if setID != "7" {
			time.Sleep(10 * time.Millisecond)
		}
		return "owner-" + setID, nil
	})

	sets := []TwitchSet{{ID: "7", Emotes: []TwitchEmote{{ID: "70", Code: "first"}}}}
	for i := 100; i <= 108; i++ {
		id := strconv.Itoa(i)
		sets = append(sets, TwitchSet{ID: id, Emotes: []TwitchEmote{{ID: id, Code: "c" + id}}})
	}
	sets = append(sets, TwitchSet{ID: "7", Emotes: []TwitchEmote{{ID: "71", Code: "second"}}})

	got := NewTwitchBuilder(resolver).Build(context.Background(), sets)

	require.Len(t, got, 11)
	for _, e := range got {
		if e.ID == "70" || e.ID == "71" {
			assert.Equal(t, "owner-7", e.Scope.Channel, "emote %s", e.Code)
		}
	}
}
