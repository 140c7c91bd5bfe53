package emotes

import (
	"strings"
	"unicode"

	"github.com/you/gnasty-emotes/internal/core"
)

// Catalog is a read-only code -> emote table.
type Catalog map[string]core.Emote

type token struct {
	text  string
	start int // UTF-16 offset
}

// tokenize splits text on every whitespace code point. Consecutive separators
// yield empty tokens so offsets stay aligned with the original text.
func tokenize(text string) []token {
	var (
		tokens []token
		b      strings.Builder
		offset int
		start  int
	)
	for _, r := range text {
		if unicode.IsSpace(r) {
			tokens = append(tokens, token{text: b.String(), start: start})
			b.Reset()
			offset += runeUnits(r)
			start = offset
			continue
		}
		b.WriteRune(r)
		offset += runeUnits(r)
	}
	return append(tokens, token{text: b.String(), start: start})
}

// ScanThirdParty finds every token of text that equals a code in one of the
// catalogs. Catalogs are scanned in the order given and every (catalog, code)
// pair that matched yields exactly one occurrence carrying all of its ranges.
// The same code in two catalogs yields two occurrences.
func ScanThirdParty(text string, catalogs ...Catalog) []core.Occurrence {
	if text == "" || len(catalogs) == 0 {
		return nil
	}
	tokens := tokenize(text)

	var out []core.Occurrence
	for _, catalog := range catalogs {
		if len(catalog) == 0 {
			continue
		}
		found := map[string]int{}
		for _, tok := range tokens {
			code := strings.TrimSpace(tok.text)
			if code == "" {
				continue
			}
			emote, ok := catalog[code]
			if !ok {
				continue
			}
			r := core.Range{Start: tok.start, End: tok.start + UTF16Len(tok.text)}
			if i, seen := found[code]; seen {
				out[i].Ranges = append(out[i].Ranges, r)
				continue
			}
			found[code] = len(out)
			out = append(out, core.Occurrence{
				Code:     emote.Code,
				ID:       emote.ID,
				URL:      emote.URL,
				Scale:    emote.Scale,
				Animated: emote.Animated,
				Ranges:   []core.Range{r},
			})
		}
	}
	return out
}
