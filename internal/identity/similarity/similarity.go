// Package similarity scores soft-attribute closeness between candidate
// profiles using edit-distance-based string similarity.
package similarity

import "strings"

// Score returns a bounded [0,1] similarity between two strings computed as
// 1 - editDistance/max(len). Two empty strings score 1.0. The function is
// symmetric and case-insensitive on whitespace-trimmed input.
func Score(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))

	if a == b {
		return 1.0
	}

	ra, rb := []rune(a), []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(editDistance(ra, rb))/float64(maxLen)
}

// editDistance is the classic dynamic-programming Levenshtein distance with
// unit insert/delete/substitute costs, using a rolling single-row table.
func editDistance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		cur := prev[0]
		prev[0] = i
		for j := 1; j <= len(b); j++ {
			sub := cur
			if a[i-1] != b[j-1] {
				sub++
			}
			cur = prev[j]
			prev[j] = min3(prev[j]+1, prev[j-1]+1, sub)
		}
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
