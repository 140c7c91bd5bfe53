package catalog

import "github.com/you/gnasty-emotes/internal/core"

const bttvCDNBaseURL = "https://cdn.betterttv.net/emote/"

// BTTVEmote is a BetterTTV emote as served by its API.
type BTTVEmote struct {
	ID        string
	Code      string
	ImageType string
}

// BuildBTTV converts BetterTTV emotes into catalog entries of scope. Channel
// tables are built from the channel and shared emotes concatenated.
func BuildBTTV(list []BTTVEmote, scope core.EmoteScope) []core.Emote {
	out := make([]core.Emote, 0, len(list))
	for _, e := range list {
		if e.ID == "" || e.Code == "" {
			continue
		}
		out = append(out, core.Emote{
			Code:      e.Code,
			URL:       bttvCDNBaseURL + e.ID + "/3x",
			LowResURL: bttvCDNBaseURL + e.ID + "/2x",
			Animated:  e.ImageType == "gif",
			ID:        e.ID,
			Scale:     1,
			Scope:     scope,
		})
	}
	return out
}
