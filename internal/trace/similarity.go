package trace

// DiffRange is a rune-index half-open range [Start, End) within a string,
// marking the span that differs from the string it was compared against.
type DiffRange struct {
	Start int
	End   int
}

// ClosestMatch describes the nearest known prompt to a missed lookup, with
// the differing span highlighted on both sides (§4.5: "top suggestion
// carries diff ranges", e.g. the capital/capitol span in scenario S1).
type ClosestMatch struct {
	Prompt     string
	Similarity float64
	NeedleDiff DiffRange // span within the missed prompt that differs
	MatchDiff  DiffRange // span within Prompt that differs
}

// LevenshteinDistance computes the edit distance between a and b over runes.
func LevenshteinDistance(a, b string) int {
	ar := []rune(a)
	br := []rune(b)
	if len(ar) == 0 {
		return len(br)
	}
	if len(br) == 0 {
		return len(ar)
	}

	prev := make([]int, len(br)+1)
	curr := make([]int, len(br)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ar); i++ {
		curr[0] = i
		for j := 1; j <= len(br); j++ {
			cost := 1
			if ar[i-1] == br[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(br)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// SimilarityScore returns a normalized 0.0-1.0 similarity, 1.0 for identical
// strings and 0.0 when either string is empty.
func SimilarityScore(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}
	distance := LevenshteinDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return 1.0 - float64(distance)/float64(maxLen)
}

// FindClosestMatch returns the best-scoring candidate at or above
// minThreshold, or nil if candidates is empty or none clears the threshold.
func FindClosestMatch(needle string, candidates []string, minThreshold float64) *ClosestMatch {
	var best *ClosestMatch
	for _, c := range candidates {
		score := SimilarityScore(needle, c)
		if score < minThreshold {
			continue
		}
		if best == nil || score > best.Similarity {
			needleDiff, matchDiff := diffRanges(needle, c)
			best = &ClosestMatch{Prompt: c, Similarity: score, NeedleDiff: needleDiff, MatchDiff: matchDiff}
		}
	}
	return best
}

// diffRanges trims the common prefix and common suffix shared by a and b and
// returns the remaining differing rune range within each string. It is a
// prefix/suffix trim, not a full Levenshtein traceback, which is enough to
// highlight the kind of single-word typo scenario S1 describes
// ("capital" vs "capitol") without the cost of reconstructing edit ops.
func diffRanges(a, b string) (DiffRange, DiffRange) {
	ar := []rune(a)
	br := []rune(b)

	prefix := 0
	for prefix < len(ar) && prefix < len(br) && ar[prefix] == br[prefix] {
		prefix++
	}

	aSuffix, bSuffix := len(ar), len(br)
	for aSuffix > prefix && bSuffix > prefix && ar[aSuffix-1] == br[bSuffix-1] {
		aSuffix--
		bSuffix--
	}

	return DiffRange{Start: prefix, End: aSuffix}, DiffRange{Start: prefix, End: bSuffix}
}
