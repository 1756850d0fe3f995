package chat

import "strings"

// Thresholds for the garbage-output heuristics. A response tripping any one
// of them is treated as unusable and regenerated.
const (
	// repeatWindow is the phrase length checked for pathological repetition.
	repeatWindow = 3
	// repeatLimit is how often a phrase may recur before the output counts
	// as degenerate.
	repeatLimit = 20

	// singleCharLimit and singleCharDistinct flag streams of single-letter
	// tokens with almost no variety.
	singleCharLimit    = 100
	singleCharDistinct = 10

	// lowEntropyLength and lowEntropyRatio flag long outputs built from a
	// tiny vocabulary.
	lowEntropyLength = 5000
	lowEntropyRatio  = 0.10
)

// IsGarbage reports whether an LLM response fails the output sanity checks.
// Pure function over the text; the caller decides how to recover.
func IsGarbage(text string) bool {
	return repeatedPhrase(text) || singleCharFlood(text) || lowEntropy(text)
}

// repeatedPhrase detects any 3-word phrase occurring more than repeatLimit
// times.
func repeatedPhrase(text string) bool {
	words := strings.Fields(text)
	if len(words) < repeatWindow {
		return false
	}
	counts := make(map[string]int)
	for i := 0; i+repeatWindow <= len(words); i++ {
		key := strings.ToLower(strings.Join(words[i:i+repeatWindow], " "))
		counts[key]++
		if counts[key] > repeatLimit {
			return true
		}
	}
	return false
}

// singleCharFlood detects long runs of single-character tokens drawn from a
// tiny alphabet, a common token-loop failure mode.
func singleCharFlood(text string) bool {
	var total int
	distinct := make(map[string]bool)
	for _, w := range strings.Fields(text) {
		if len([]rune(w)) == 1 {
			total++
			distinct[strings.ToLower(w)] = true
		}
	}
	return total > singleCharLimit && len(distinct) < singleCharDistinct
}

// lowEntropy detects long outputs whose vocabulary is a sliver of their
// length.
func lowEntropy(text string) bool {
	if len(text) < lowEntropyLength {
		return false
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return false
	}
	unique := make(map[string]bool, len(words))
	for _, w := range words {
		unique[strings.ToLower(w)] = true
	}
	return float64(len(unique))/float64(len(words)) < lowEntropyRatio
}
