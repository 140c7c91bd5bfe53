package core

import "time"

// Provider identifies the source of an emote or badge catalog.
type Provider int

const (
	ProviderTwitch Provider = iota
	ProviderFFZ
	ProviderBTTV
)

func (p Provider) String() string {
	switch p {
	case ProviderTwitch:
		return "twitch"
	case ProviderFFZ:
		return "ffz"
	case ProviderBTTV:
		return "bttv"
	}
	return "unknown"
}

// ScopeKind is the tag of an EmoteScope.
type ScopeKind int

const (
	ScopeGlobalTwitch ScopeKind = iota
	ScopeChannelTwitch
	ScopeGlobalFFZ
	ScopeChannelFFZ
	ScopeGlobalBTTV
	ScopeChannelBTTV
)

// EmoteScope says where an emote applies. Channel is only set for
// ScopeChannelTwitch and holds the display name of the set owner.
type EmoteScope struct {
	Kind    ScopeKind
	Channel string
}

func GlobalScope(p Provider) EmoteScope {
	switch p {
	case ProviderFFZ:
		return EmoteScope{Kind: ScopeGlobalFFZ}
	case ProviderBTTV:
		return EmoteScope{Kind: ScopeGlobalBTTV}
	}
	return EmoteScope{Kind: ScopeGlobalTwitch}
}

func (s EmoteScope) Provider() Provider {
	switch s.Kind {
	case ScopeGlobalFFZ, ScopeChannelFFZ:
		return ProviderFFZ
	case ScopeGlobalBTTV, ScopeChannelBTTV:
		return ProviderBTTV
	}
	return ProviderTwitch
}

func (s EmoteScope) Global() bool {
	switch s.Kind {
	case ScopeGlobalTwitch, ScopeGlobalFFZ, ScopeGlobalBTTV:
		return true
	}
	return false
}

// Title is the heading used when emotes are grouped for display.
func (s EmoteScope) Title() string {
	switch s.Kind {
	case ScopeGlobalTwitch:
		return "Twitch"
	case ScopeChannelTwitch:
		return s.Channel
	case ScopeGlobalFFZ:
		return "FrankerFaceZ"
	case ScopeChannelFFZ:
		return "FrankerFaceZ (channel)"
	case ScopeGlobalBTTV:
		return "BetterTTV"
	case ScopeChannelBTTV:
		return "BetterTTV (channel)"
	}
	return ""
}

// Emote is one catalog entry.
type Emote struct {
	Code      string     `json:"code"`
	URL       string     `json:"url"`
	LowResURL string     `json:"low_res_url"`
	Animated  bool       `json:"animated"`
	ID        string     `json:"id"`
	Scale     int        `json:"scale"`
	Scope     EmoteScope `json:"-"`
}

// Range is a half-open [Start, End) span of UTF-16 code units.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Occurrence is one emote resolved inside one message.
type Occurrence struct {
	Code       string  `json:"code"`
	ID         string  `json:"id"`
	URL        string  `json:"url"`
	Scale      int     `json:"scale"`
	Animated   bool    `json:"animated"`
	FirstParty bool    `json:"first_party"`
	Ranges     []Range `json:"ranges"`
}

// BadgeVersion holds the image URLs of one badge version.
type BadgeVersion struct {
	ImageURL1x string `json:"image_url_1x,omitempty"`
	ImageURL2x string `json:"image_url_2x,omitempty"`
	ImageURL4x string `json:"image_url_4x,omitempty"`
}

// HighRes returns the largest available image.
func (v BadgeVersion) HighRes() string {
	switch {
	case v.ImageURL4x != "":
		return v.ImageURL4x
	case v.ImageURL2x != "":
		return v.ImageURL2x
	}
	return v.ImageURL1x
}

// BadgeTable maps set id -> version id -> images.
type BadgeTable map[string]map[string]BadgeVersion

// ChatBadge is a badge reference carried by a message, optionally resolved to an image.
type ChatBadge struct {
	Set     string `json:"set"`
	Version string `json:"version"`
	URL     string `json:"url,omitempty"`
}

// ChatMessage is the unified structure written to SQLite (and usable for NDJSON).
type ChatMessage struct {
	ID       string    // platform-native message ID (or composed)
	Ts       time.Time // message timestamp
	Channel  string
	Username string
	Text     string
	EmoteTag string // raw first-party emotes tag
	Removed  []int  // positions stripped from Text before annotation
	Badges   []ChatBadge
	Emotes   []Occurrence
	Colour   string // optional
	Backfill bool   // replayed from history rather than received live
	RawLine  string // optional: raw source line for debugging/exports
}
