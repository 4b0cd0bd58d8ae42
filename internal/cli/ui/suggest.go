package ui

import (
	"sort"
	"strings"
)

// MaxSuggestions bounds the names returned by FindSimilar
const MaxSuggestions = 3

// FindSimilar returns up to MaxSuggestions candidates within maxDistance
// case-insensitive edits of target, closest first. A zero maxDistance
// means 3.
func FindSimilar(target string, candidates []string, maxDistance int) []string {
	if maxDistance <= 0 {
		maxDistance = 3
	}
	type match struct {
		value    string
		distance int
	}

	var matches []match
	lower := strings.ToLower(target)
	for _, candidate := range candidates {
		if d := editDistance(lower, strings.ToLower(candidate)); d <= maxDistance {
			matches = append(matches, match{candidate, d})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].distance < matches[j].distance
	})

	out := make([]string, 0, MaxSuggestions)
	for i := 0; i < len(matches) && i < MaxSuggestions; i++ {
		out = append(out, matches[i].value)
	}
	return out
}

// editDistance is the Levenshtein distance over runes
func editDistance(a, b string) int {
	s, t := []rune(a), []rune(b)
	prev := make([]int, len(t)+1)
	curr := make([]int, len(t)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(s); i++ {
		curr[0] = i
		for j := 1; j <= len(t); j++ {
			cost := 1
			if s[i-1] == t[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(t)]
}
