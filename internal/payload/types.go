package payload

import (
	"sort"
	"strconv"

	"github.com/you/gnasty-emotes/internal/catalog"
	"github.com/you/gnasty-emotes/internal/core"
)

// TwitchUserEmotes is the user emotes response: set id -> emotes.
type TwitchUserEmotes struct {
	Sets map[string]entries[TwitchEmote] `json:"emoticon_sets"`
}

type TwitchEmote struct {
	ID   ID     `json:"id"`
	Code string `json:"code"`
}

// EmoteSets returns the sets ordered by numeric id, falling back to string
// order for non-numeric ids.
func (r TwitchUserEmotes) EmoteSets() []catalog.TwitchSet {
	ids := make([]string, 0, len(r.Sets))
	for id := range r.Sets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})

	out := make([]catalog.TwitchSet, 0, len(ids))
	for _, id := range ids {
		set := catalog.TwitchSet{ID: id}
		for _, e := range r.Sets[id] {
			set.Emotes = append(set.Emotes, catalog.TwitchEmote{ID: string(e.ID), Code: e.Code})
		}
		out = append(out, set)
	}
	return out
}

// FFZRoom is the FrankerFaceZ room response.
type FFZRoom struct {
	Room struct {
		ModeratorBadge string `json:"moderator_badge"`
		Set            int    `json:"set"`
	} `json:"room"`
	Sets map[string]FFZSet `json:"sets"`
}

// FFZGlobal is the FrankerFaceZ global set response.
type FFZGlobal struct {
	DefaultSets []int             `json:"default_sets"`
	Sets        map[string]FFZSet `json:"sets"`
}

type FFZSet struct {
	Emoticons entries[FFZEmoticon] `json:"emoticons"`
}

type FFZEmoticon struct {
	ID   ID                `json:"id"`
	Name string            `json:"name"`
	URLs map[string]string `json:"urls"`
}

func (r FFZRoom) Emotes() []catalog.FFZEmote {
	return ffzEmotes(r.Sets)
}

// Emotes returns the emoticons of the default sets only. The global response
// also lists sets that are not enabled for everyone, and those are left out
// even though they are present in the payload. Without default_sets every
// set is used.
func (r FFZGlobal) Emotes() []catalog.FFZEmote {
	if len(r.DefaultSets) == 0 {
		return ffzEmotes(r.Sets)
	}
	defaults := make(map[string]FFZSet, len(r.DefaultSets))
	for _, id := range r.DefaultSets {
		key := strconv.Itoa(id)
		if set, ok := r.Sets[key]; ok {
			defaults[key] = set
		}
	}
	return ffzEmotes(defaults)
}

func ffzEmotes(sets map[string]FFZSet) []catalog.FFZEmote {
	keys := make([]string, 0, len(sets))
	for k := range sets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []catalog.FFZEmote
	for _, k := range keys {
		for _, e := range sets[k].Emoticons {
			out = append(out, catalog.FFZEmote{ID: string(e.ID), Name: e.Name, URLs: e.URLs})
		}
	}
	return out
}

// BTTVChannel is the BetterTTV channel response.
type BTTVChannel struct {
	ChannelEmotes entries[BTTVEmote] `json:"channelEmotes"`
	SharedEmotes  entries[BTTVEmote] `json:"sharedEmotes"`
}

type BTTVEmote struct {
	ID        ID     `json:"id"`
	Code      string `json:"code"`
	ImageType string `json:"imageType"`
}

// Emotes returns channel emotes followed by shared emotes.
func (r BTTVChannel) Emotes() []catalog.BTTVEmote {
	out := make([]catalog.BTTVEmote, 0, len(r.ChannelEmotes)+len(r.SharedEmotes))
	out = append(out, bttvEmotes(r.ChannelEmotes)...)
	return append(out, bttvEmotes(r.SharedEmotes)...)
}

func bttvEmotes(list []BTTVEmote) []catalog.BTTVEmote {
	out := make([]catalog.BTTVEmote, 0, len(list))
	for _, e := range list {
		out = append(out, catalog.BTTVEmote{ID: string(e.ID), Code: e.Code, ImageType: e.ImageType})
	}
	return out
}

// HelixBadges is the Helix chat badges response.
type HelixBadges struct {
	Data entries[HelixBadgeSet] `json:"data"`
}

type HelixBadgeSet struct {
	SetID    string                  `json:"set_id"`
	Versions entries[HelixBadgeItem] `json:"versions"`
}

type HelixBadgeItem struct {
	ID         string `json:"id"`
	ImageURL1x string `json:"image_url_1x"`
	ImageURL2x string `json:"image_url_2x"`
	ImageURL4x string `json:"image_url_4x"`
}

// Table converts the response, skipping sets and versions without an id.
func (r HelixBadges) Table() core.BadgeTable {
	out := make(core.BadgeTable, len(r.Data))
	for _, set := range r.Data {
		if set.SetID == "" {
			continue
		}
		versions := map[string]core.BadgeVersion{}
		for _, v := range set.Versions {
			if v.ID == "" {
				continue
			}
			versions[v.ID] = core.BadgeVersion{ImageURL1x: v.ImageURL1x, ImageURL2x: v.ImageURL2x, ImageURL4x: v.ImageURL4x}
		}
		if len(versions) > 0 {
			out[set.SetID] = versions
		}
	}
	return out
}
