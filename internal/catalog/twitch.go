package catalog

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/you/gnasty-emotes/internal/core"
	"github.com/you/gnasty-emotes/internal/emotes"
)

const (
	defaultSetID = "0"
	monkeySetID  = "42"

	// fallbackOwner is used when a set owner cannot be resolved.
	fallbackOwner = "Twitch"

	maxOwnerLookups = 8
)

// TwitchEmote is one entry of a first-party emote set.
type TwitchEmote struct {
	ID   string
	Code string
}

// TwitchSet is one first-party emote set the user has access to.
type TwitchSet struct {
	ID     string
	Emotes []TwitchEmote
}

// SetOwnerResolver returns the display name of the channel owning an emote set.
type SetOwnerResolver interface {
	SetOwner(ctx context.Context, setID string) (string, error)
}

// SetOwnerFunc adapts a function to SetOwnerResolver.
type SetOwnerFunc func(ctx context.Context, setID string) (string, error)

func (f SetOwnerFunc) SetOwner(ctx context.Context, setID string) (string, error) {
	return f(ctx, setID)
}

// TwitchBuilder turns first-party emote sets into catalog entries. Owner
// lookups for distinct sets run concurrently; concurrent lookups of the same
// set share one call.
type TwitchBuilder struct {
	resolver SetOwnerResolver
	group    singleflight.Group
}

func NewTwitchBuilder(resolver SetOwnerResolver) *TwitchBuilder {
	return &TwitchBuilder{resolver: resolver}
}

// Build returns the catalog entries of sets in input order. It never fails:
// an owner that cannot be resolved becomes "Twitch".
func (b *TwitchBuilder) Build(ctx context.Context, sets []TwitchSet) []core.Emote {
	owners := b.resolveOwners(ctx, sets)

	var out []core.Emote
	for _, set := range sets {
		scope := core.EmoteScope{Kind: core.ScopeGlobalTwitch}
		if !isGlobalSet(set.ID) {
			scope = core.EmoteScope{Kind: core.ScopeChannelTwitch, Channel: owners[set.ID]}
		}
		for _, e := range set.Emotes {
			if e.ID == "" || e.Code == "" {
				continue
			}
			code := e.Code
			if scope.Kind == core.ScopeGlobalTwitch {
				code = emotes.NormalizeCode(code)
			}
			out = append(out, core.Emote{
				Code:      code,
				URL:       emotes.TwitchEmoteURL(e.ID),
				LowResURL: emotes.TwitchEmoteLowResURL(e.ID),
				ID:        e.ID,
				Scale:     1,
				Scope:     scope,
			})
		}
	}
	return out
}

func (b *TwitchBuilder) resolveOwners(ctx context.Context, sets []TwitchSet) map[string]string {
	var (
		mu     sync.Mutex
		owners = map[string]string{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxOwnerLookups)
	for _, set := range sets {
		if isGlobalSet(set.ID) {
			continue
		}
		mu.Lock()
		_, queued := owners[set.ID]
		if !queued {
			owners[set.ID] = fallbackOwner
		}
		mu.Unlock()
		// a repeated set id reuses the first lookup
		if queued {
			continue
		}

		setID := set.ID
		g.Go(func() error {
			name := b.owner(gctx, setID)
			mu.Lock()
			owners[setID] = name
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return owners
}

func (b *TwitchBuilder) owner(ctx context.Context, setID string) string {
	if b.resolver == nil {
		return fallbackOwner
	}
	v, err, _ := b.group.Do(setID, func() (any, error) {
		return b.resolver.SetOwner(ctx, setID)
	})
	if err != nil {
		slog.Debug("catalog: set owner lookup failed", "set", setID, "error", err)
		return fallbackOwner
	}
	name := strings.TrimSpace(v.(string))
	if name == "" {
		return fallbackOwner
	}
	return name
}

func isGlobalSet(id string) bool {
	return id == defaultSetID || id == monkeySetID
}
