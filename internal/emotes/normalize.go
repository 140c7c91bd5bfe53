package emotes

// The first-party API names its global smilies by the regular expression the
// chat client used to match them (for example `\:-?\)`). Those names are
// mapped to the code users actually type.
var regexNames = map[string]string{
	`[oO](_|\.)[oO]`: "O_o",
	`\&lt\;3`:        "<3",
	`\:-?(p|P)`:      ":P",
	`\:-?[z|Z|\|]`:   ":Z",
	`\:-?\)`:         ":)",
	`\;-?(p|P)`:      ";P",
	`R-?\)`:          "R)",
	`\&gt\;\(`:       ">(",
	`\:-?(o|O)`:      ":O",
	`\:-?[\\/]`:      ":/",
	`\:-?\(`:         ":(",
	`\:-?D`:          ":D",
	`\;-?\)`:         ";)",
	`B-?\)`:          "B)",
	`#-?[\/]`:        "#/",
	`:-?(?:7|L)`:     ":7",
	`\&lt\;\]`:       "<]",
	`\:-?(S|s)`:      ":s",
	`\:\&gt\;`:       ":>",
}

// class matches one code point out of set; optional classes may be skipped.
type class struct {
	set      string
	optional bool
}

type shorthand struct {
	parts []class
	code  string
}

func lit(s string) []class {
	out := make([]class, 0, len(s))
	for _, r := range s {
		out = append(out, class{set: string(r)})
	}
	return out
}

func seq(parts ...[]class) []class {
	var out []class
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func one(set string) []class { return []class{{set: set}} }

var hyphen = []class{{set: "-", optional: true}}

// Ordered; the first full match wins.
var shorthands = []shorthand{
	{seq(one("oO"), one("_."), one("oO")), "O_o"},
	{lit("&lt;3"), "<3"},
	{seq(one(":"), hyphen, one("pP")), ":P"},
	{seq(one(":"), hyphen, one("zZ|")), ":Z"},
	{seq(one(":"), hyphen, one(")")), ":)"},
	{seq(one(";"), hyphen, one("pP")), ";P"},
	{seq(one("R"), hyphen, one(")")), "R)"},
	{lit("&gt;("), ">("},
	{seq(one(":"), hyphen, one("oO")), ":O"},
	{seq(one(":"), hyphen, one(`\/`)), ":/"},
	{seq(one(":"), hyphen, one("(")), ":("},
	{seq(one(":"), hyphen, one("D")), ":D"},
	{seq(one(";"), hyphen, one(")")), ";)"},
	{seq(one("B"), hyphen, one(")")), "B)"},
	{seq(one("#"), hyphen, one("/")), "#/"},
	{seq(one(":"), hyphen, one("7L")), ":7"},
	{lit("&lt;]"), "<]"},
	{seq(one(":"), hyphen, one("Ss")), ":s"},
	{lit(":&gt;"), ":>"},
}

// NormalizeCode maps shorthand emoticon names to their canonical code and
// returns any other input unchanged. NormalizeCode(NormalizeCode(c)) ==
// NormalizeCode(c) for every c.
func NormalizeCode(code string) string {
	if canonical, ok := regexNames[code]; ok {
		return canonical
	}
	runes := []rune(code)
	for _, s := range shorthands {
		if matchClasses(runes, s.parts) {
			return s.code
		}
	}
	return code
}

func matchClasses(runes []rune, parts []class) bool {
	if len(parts) == 0 {
		return len(runes) == 0
	}
	head := parts[0]
	if head.optional && matchClasses(runes, parts[1:]) {
		return true
	}
	if len(runes) == 0 || !containsRune(head.set, runes[0]) {
		return false
	}
	return matchClasses(runes[1:], parts[1:])
}

func containsRune(set string, r rune) bool {
	for _, c := range set {
		if c == r {
			return true
		}
	}
	return false
}
