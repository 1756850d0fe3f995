package intent

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// fuzzyTriggerThreshold is the Jaro-Winkler score a token must reach against
// a trigger word. High enough to tolerate STT misspellings without matching
// unrelated vocabulary.
const fuzzyTriggerThreshold = 0.92

// maxGreetingWords bounds how long an utterance can be and still count as a
// greeting.
const maxGreetingWords = 4

var greetingTriggers = []string{
	"hello", "hi", "hey", "morning", "evening", "greetings",
	"hallo", "moin", "servus", "tag",
}

var courseTriggers = []string{
	"course", "module", "week", "topic", "lesson", "curriculum", "quiz",
	"syllabus", "chapter",
	"kurs", "modul", "woche", "thema", "lektion", "lehrplan",
}

// classifyHeuristic is the rule-based fallback: fuzzy keyword matching plus
// a length cue for greetings. Returns ok=false when inconclusive.
func classifyHeuristic(text string) (Label, float64, bool) {
	tokens := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(tokens) == 0 {
		return "", 0, false
	}

	if best := bestTriggerScore(tokens, courseTriggers); best >= fuzzyTriggerThreshold {
		return LabelCourseQuery, best, true
	}
	if len(tokens) <= maxGreetingWords {
		if best := bestTriggerScore(tokens, greetingTriggers); best >= fuzzyTriggerThreshold {
			return LabelGreeting, best, true
		}
	}
	return "", 0, false
}

func bestTriggerScore(tokens, triggers []string) float64 {
	var best float64
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".,!?;:\"'")
		if tok == "" {
			continue
		}
		for _, trig := range triggers {
			if s := matchr.JaroWinkler(tok, trig, false); s > best {
				best = s
			}
		}
	}
	return best
}
