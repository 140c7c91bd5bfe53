package emotes

import (
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/you/gnasty-emotes/internal/core"
)

const (
	twitchBaseURL    = "https://static-cdn.jtvnw.net/emoticons/v1/"
	twitchEmoteSize  = "3.0"
	twitchLowResSize = "2.0"
)

// TwitchEmoteURL returns the high resolution CDN URL of a first-party emote.
func TwitchEmoteURL(id string) string {
	return twitchBaseURL + id + "/" + twitchEmoteSize
}

// TwitchEmoteLowResURL returns the low resolution CDN URL of a first-party emote.
func TwitchEmoteLowResURL(id string) string {
	return twitchBaseURL + id + "/" + twitchLowResSize
}

// ParseTwitchTag converts a first-party emotes tag ("25:0-4,6-10/1902:12-16")
// into occurrences over text. Tag positions are inclusive code point indices;
// the returned ranges are half-open UTF-16 offsets, shifted past every index
// in removed that precedes them. Malformed entries and pairs are skipped.
func ParseTwitchTag(tag, text string, removed []int) []core.Occurrence {
	if tag == "" {
		return nil
	}

	units := utf16.Encode([]rune(text))
	supplementary := supplementaryPositions(text)

	var out []core.Occurrence
	for _, entry := range strings.Split(tag, "/") {
		parts := strings.Split(entry, ":")
		if len(parts) != 2 {
			continue
		}
		id, positions := parts[0], parts[1]

		var parsed []core.Range
		for _, pos := range strings.Split(positions, ",") {
			r, ok := parsePair(pos)
			if !ok {
				continue
			}
			parsed = append(parsed, r)
		}
		if len(parsed) == 0 {
			continue
		}

		fixed := make([]core.Range, 0, len(parsed))
		for _, r := range parsed {
			extra := countBelow(supplementary, r.Start)
			spaceExtra := countBelow(removed, r.Start+extra)
			shift := extra + spaceExtra
			fixed = append(fixed, core.Range{Start: r.Start + shift, End: r.End + shift})
		}

		out = append(out, core.Occurrence{
			Code:       substringUnits(units, parsed[0]),
			ID:         id,
			URL:        TwitchEmoteURL(id),
			Scale:      1,
			FirstParty: true,
			Ranges:     fixed,
		})
	}
	return out
}

// parsePair parses "start-end" (inclusive) into a half-open range.
func parsePair(pos string) (core.Range, bool) {
	bounds := strings.Split(pos, "-")
	if len(bounds) != 2 {
		return core.Range{}, false
	}
	start, err := strconv.Atoi(bounds[0])
	if err != nil || start < 0 {
		return core.Range{}, false
	}
	end, err := strconv.Atoi(bounds[1])
	if err != nil || end < start {
		return core.Range{}, false
	}
	return core.Range{Start: start, End: end + 1}, true
}

// supplementaryPositions returns the code point indices of every code point
// that needs two UTF-16 units.
func supplementaryPositions(text string) []int {
	var out []int
	i := 0
	for _, r := range text {
		if utf16.RuneLen(r) == 2 {
			out = append(out, i)
		}
		i++
	}
	return out
}

func countBelow(positions []int, limit int) int {
	n := 0
	for _, p := range positions {
		if p < limit {
			n++
		}
	}
	return n
}

func substringUnits(units []uint16, r core.Range) string {
	if r.Start < 0 || r.End > len(units) || r.Start >= r.End {
		return ""
	}
	return string(utf16.Decode(units[r.Start:r.End]))
}

// UTF16Len returns the length of s in UTF-16 code units.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += runeUnits(r)
	}
	return n
}

func runeUnits(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	// invalid UTF-8 decodes to U+FFFD, one unit
	return 1
}
