// Package payload decodes provider responses into catalog inputs, either
// straight from HTTP bodies or from files dropped into a watched directory.
package payload

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/you/gnasty-emotes/internal/catalog"
	"github.com/you/gnasty-emotes/internal/core"
)

// Kind names one provider response format.
type Kind string

const (
	KindTwitch      Kind = "twitch"
	KindFFZRoom     Kind = "ffz"
	KindFFZGlobal   Kind = "ffz_global"
	KindBTTVChannel Kind = "bttv"
	KindBTTVGlobal  Kind = "bttv_global"
	KindBadges      Kind = "badges"
)

var ErrUnknownKind = errors.New("payload: unknown kind")

// ErrChannelRequired is returned for channel-scoped kinds without a channel.
var ErrChannelRequired = errors.New("payload: channel required")

// Payload is one decoded catalog update.
type Payload struct {
	Kind    Kind
	Channel string

	Twitch         []catalog.TwitchSet
	FFZ            []catalog.FFZEmote
	ModeratorBadge string
	BTTV           []catalog.BTTVEmote
	Badges         core.BadgeTable
}

// Target receives decoded payloads.
type Target interface {
	ApplyTwitch(ctx context.Context, sets []catalog.TwitchSet)
	ApplyFFZ(channel string, list []catalog.FFZEmote, moderatorBadge string)
	ApplyBTTV(channel string, list []catalog.BTTVEmote)
	ApplyBadges(channel string, table core.BadgeTable)
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindTwitch, KindFFZRoom, KindFFZGlobal, KindBTTVChannel, KindBTTVGlobal, KindBadges:
		return k, nil
	}
	return "", errors.Wrapf(ErrUnknownKind, "%q", s)
}

// Decode reads one response of kind from r. Channel is ignored for global
// kinds and required for ffz and bttv. Badges without a channel are global.
func Decode(kind Kind, channel string, r io.Reader) (Payload, error) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	p := Payload{Kind: kind, Channel: channel}
	dec := json.NewDecoder(r)
	dec.UseNumber()

	switch kind {
	case KindTwitch:
		var body TwitchUserEmotes
		if err := dec.Decode(&body); err != nil {
			return Payload{}, errors.Wrap(err, "decode twitch emotes")
		}
		p.Channel = ""
		p.Twitch = body.EmoteSets()
	case KindFFZRoom:
		if channel == "" {
			return Payload{}, errors.Wrap(ErrChannelRequired, string(kind))
		}
		var body FFZRoom
		if err := dec.Decode(&body); err != nil {
			return Payload{}, errors.Wrap(err, "decode ffz room")
		}
		p.FFZ = body.Emotes()
		p.ModeratorBadge = body.Room.ModeratorBadge
	case KindFFZGlobal:
		var body FFZGlobal
		if err := dec.Decode(&body); err != nil {
			return Payload{}, errors.Wrap(err, "decode ffz global")
		}
		p.Channel = ""
		p.FFZ = body.Emotes()
	case KindBTTVChannel:
		if channel == "" {
			return Payload{}, errors.Wrap(ErrChannelRequired, string(kind))
		}
		var body BTTVChannel
		if err := dec.Decode(&body); err != nil {
			return Payload{}, errors.Wrap(err, "decode bttv channel")
		}
		p.BTTV = body.Emotes()
	case KindBTTVGlobal:
		var body entries[BTTVEmote]
		if err := dec.Decode(&body); err != nil {
			return Payload{}, errors.Wrap(err, "decode bttv global")
		}
		p.Channel = ""
		p.BTTV = bttvEmotes(body)
	case KindBadges:
		var body HelixBadges
		if err := dec.Decode(&body); err != nil {
			return Payload{}, errors.Wrap(err, "decode badges")
		}
		p.Badges = body.Table()
	default:
		return Payload{}, errors.Wrapf(ErrUnknownKind, "%q", string(kind))
	}
	return p, nil
}

// Apply hands p to the matching entry point of t.
func (p Payload) Apply(ctx context.Context, t Target) {
	switch p.Kind {
	case KindTwitch:
		t.ApplyTwitch(ctx, p.Twitch)
	case KindFFZRoom, KindFFZGlobal:
		t.ApplyFFZ(p.Channel, p.FFZ, p.ModeratorBadge)
	case KindBTTVChannel, KindBTTVGlobal:
		t.ApplyBTTV(p.Channel, p.BTTV)
	case KindBadges:
		t.ApplyBadges(p.Channel, p.Badges)
	}
}
