package catalog

import (
	"strings"

	"github.com/you/gnasty-emotes/internal/core"
)

// FFZEmote is a FrankerFaceZ emoticon as served by its API: a name and a map
// of density ("1", "2", "4") to protocol-relative URL.
type FFZEmote struct {
	ID   string
	Name string
	URLs map[string]string
}

// BuildFFZ converts FrankerFaceZ emoticons into catalog entries of scope. The
// highest density image is used; Scale is the factor the image has to be
// divided by to render at 1x size. Entries without a name or an image are
// skipped.
func BuildFFZ(list []FFZEmote, scope core.EmoteScope) []core.Emote {
	out := make([]core.Emote, 0, len(list))
	for _, e := range list {
		if e.Name == "" {
			continue
		}
		url, scale, ok := ffzBest(e.URLs)
		if !ok {
			continue
		}
		low := e.URLs["2"]
		if low == "" {
			low = e.URLs["1"]
		}
		if low == "" {
			low = url
		}
		out = append(out, core.Emote{
			Code:      e.Name,
			URL:       WithScheme(url),
			LowResURL: WithScheme(low),
			ID:        e.ID,
			Scale:     scale,
			Scope:     scope,
		})
	}
	return out
}

func ffzBest(urls map[string]string) (string, int, bool) {
	switch {
	case urls["4"] != "":
		return urls["4"], 1, true
	case urls["2"] != "":
		return urls["2"], 2, true
	case urls["1"] != "":
		return urls["1"], 4, true
	}
	return "", 0, false
}

// WithScheme turns a protocol-relative URL ("//cdn...") into an https one.
// Absolute URLs and the empty string are returned unchanged.
func WithScheme(url string) string {
	if strings.HasPrefix(url, "//") {
		return "https:" + url
	}
	return url
}
