package trace

import "testing"

func TestLevenshteinDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"hello", "hello", 0},
		{"hello", "hallo", 1},
		{"hello", "helllo", 1},
		{"hello", "helo", 1},
		{"", "hello", 5},
		{"hello", "", 5},
		{"", "", 0},
	}
	for _, c := range cases {
		if got := LevenshteinDistance(c.a, c.b); got != c.want {
			t.Errorf("LevenshteinDistance(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestSimilarityScore(t *testing.T) {
	if got := SimilarityScore("hello", "hello"); got != 1.0 {
		t.Errorf("identical similarity = %f, want 1.0", got)
	}
	if got := SimilarityScore("hello", "world"); got >= 0.5 {
		t.Errorf("dissimilar similarity = %f, want < 0.5", got)
	}
	got := SimilarityScore("What is the capital of France?", "What is the capitol of France?")
	if got <= 0.9 || got >= 1.0 {
		t.Errorf("near-identical similarity = %f, want in (0.9, 1.0)", got)
	}
}

func TestFindClosestMatch(t *testing.T) {
	candidates := []string{
		"What is the capitol of France?",
		"What is the capital of Germany?",
		"Hello world",
	}
	m := FindClosestMatch("What is the capital of France?", candidates, 0.5)
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.Similarity <= 0.9 {
		t.Errorf("similarity = %f, want > 0.9", m.Similarity)
	}
}

func TestFindClosestMatch_NoneAboveThreshold(t *testing.T) {
	m := FindClosestMatch("hello world", []string{"completely different"}, 0.9)
	if m != nil {
		t.Fatalf("expected no match, got %+v", m)
	}
}

func TestFindClosestMatch_DiffRangesHighlightCapitalCapitol(t *testing.T) {
	needle := "What is the capital of France?"
	m := FindClosestMatch(needle, []string{"What is the capitol of France?"}, 0.5)
	if m == nil {
		t.Fatal("expected a match")
	}
	needleRunes := []rune(needle)
	matchRunes := []rune(m.Prompt)
	gotNeedle := string(needleRunes[m.NeedleDiff.Start:m.NeedleDiff.End])
	gotMatch := string(matchRunes[m.MatchDiff.Start:m.MatchDiff.End])
	if gotNeedle != "a" || gotMatch != "o" {
		t.Fatalf("diff span = %q vs %q, want %q vs %q", gotNeedle, gotMatch, "a", "o")
	}
}
