package patient

import "strings"

// NamePair is one way of reading a free-text name as first + last.
type NamePair struct {
	First string
	Last  string
}

// NameCandidates splits raw on whitespace and returns every split point
// from 1 to n-1, in order, so multi-word first and last names both match.
// "Andre van Heerden" yields {Andre, van Heerden} then {Andre van, Heerden}.
// A single token yields nothing.
func NameCandidates(raw string) []NamePair {
	tokens := strings.Fields(raw)
	seen := make(map[NamePair]bool, len(tokens))
	var out []NamePair
	for i := 1; i < len(tokens); i++ {
		p := NamePair{
			First: strings.Join(tokens[:i], " "),
			Last:  strings.Join(tokens[i:], " "),
		}
		if p.First == "" || p.Last == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
