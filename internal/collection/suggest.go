package collection

// levenshtein and suggestKey are a small, self-contained algorithm with no
// natural third-party home in the reference corpus (no edit-distance
// dependency appears anywhere in it), so this stays on the standard
// library per DESIGN.md's stdlib-justification rule.

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// suggestKey returns the candidate within distance <= 3 of key with the
// smallest edit distance, or "" if none qualifies (§6: "edit-distance
// suggestions (distance <= 3)").
func suggestKey(key string, candidates []string) string {
	best, bestDist := "", 4
	for _, c := range candidates {
		if d := levenshtein(key, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	if bestDist > 3 {
		return ""
	}
	return best
}
