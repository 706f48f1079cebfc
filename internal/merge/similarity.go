package merge

import "strings"

// similarityRuneLimit is the largest content size compared rune by rune.
// Bigger files fall back to line-level distance to keep the DP bounded.
const similarityRuneLimit = 2000

// similarity returns a normalized similarity score in [0,1] where 1 means
// identical content. Small inputs are compared rune-wise, large ones
// line-wise.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	if len(a) <= similarityRuneLimit && len(b) <= similarityRuneLimit {
		ra := []rune(a)
		rb := []rune(b)
		longest := len(ra)
		if len(rb) > longest {
			longest = len(rb)
		}
		return 1 - float64(levenshteinRunes(ra, rb))/float64(longest)
	}

	la := strings.Split(a, "\n")
	lb := strings.Split(b, "\n")
	longest := len(la)
	if len(lb) > longest {
		longest = len(lb)
	}
	return 1 - float64(levenshteinLines(la, lb))/float64(longest)
}

func levenshteinRunes(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = minInt(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func levenshteinLines(a, b []string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = minInt(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// structuralDeltaRatio is the line-count difference, relative to the longer
// version, past which the two versions are treated as disjoint edit regions.
const structuralDeltaRatio = 0.3

// canStructuralMerge reports whether the two versions differ mostly in line
// count, which suggests each worker added its own region and a union of both
// is safe.
func canStructuralMerge(ours, theirs string) bool {
	oursLines := lineCount(ours)
	theirsLines := lineCount(theirs)
	longest := oursLines
	delta := oursLines - theirsLines
	if theirsLines > oursLines {
		longest = theirsLines
		delta = -delta
	}
	if longest == 0 || delta == 0 {
		return false
	}
	return float64(delta)/float64(longest) >= structuralDeltaRatio
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
