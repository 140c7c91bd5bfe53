package core

// EmoteGroup is a titled run of emotes sharing one scope title.
type EmoteGroup struct {
	Title  string
	Emotes []Emote
}

// GroupByScope groups emotes by scope title, keeping groups in order of first
// appearance and emotes in input order.
func GroupByScope(emotes []Emote) []EmoteGroup {
	var groups []EmoteGroup
	index := map[string]int{}
	for _, e := range emotes {
		title := e.Scope.Title()
		i, ok := index[title]
		if !ok {
			i = len(groups)
			index[title] = i
			groups = append(groups, EmoteGroup{Title: title})
		}
		groups[i].Emotes = append(groups[i].Emotes, e)
	}
	return groups
}
