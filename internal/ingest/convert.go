package ingest

import (
	"strings"
	"time"

	"github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/you/gnasty-emotes/internal/core"
)

// FromPrivateMessage converts a parsed PRIVMSG into the unannotated message
// model. The raw emotes tag is kept so the annotator can map it onto Text.
func FromPrivateMessage(pm twitch.PrivateMessage) core.ChatMessage {
	id := pm.ID
	if id == "" {
		id = uuid.NewString()
	}

	ts := pm.Time.UTC()
	if pm.Time.IsZero() {
		ts = time.Now().UTC()
	}

	user := pm.User.DisplayName
	if user == "" {
		user = pm.User.Name
	}

	return core.ChatMessage{
		ID:       id,
		Ts:       ts,
		Channel:  strings.ToLower(pm.Channel),
		Username: user,
		Text:     pm.Message,
		EmoteTag: pm.Tags["emotes"],
		Badges:   parseBadges(pm.Tags["badges"]),
		Colour:   pm.User.Color,
		RawLine:  pm.Raw,
	}
}

// parseBadges splits a badges tag ("moderator/1,subscriber/12") keeping
// order. Entries without a set are dropped.
func parseBadges(tag string) []core.ChatBadge {
	var out []core.ChatBadge
	for _, item := range splitList(tag, ",") {
		set, version, _ := strings.Cut(item, "/")
		if set == "" {
			continue
		}
		out = append(out, core.ChatBadge{Set: set, Version: version})
	}
	return out
}

func splitList(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
