package teach

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Command is a recognised navigation command.
type Command string

const (
	CommandNone     Command = ""
	CommandPause    Command = "pause"
	CommandResume   Command = "resume"
	CommandRepeat   Command = "repeat"
	CommandNext     Command = "next"
	CommandPrevious Command = "previous"
	CommandEnd      Command = "end"
)

const (
	// commandThreshold is the minimum Jaro-Winkler similarity between the
	// normalised utterance and a command phrase. Transcripts arrive noisy
	// ("stob" for "stop"), so exact matching is not enough.
	commandThreshold = 0.90

	// maxCommandWords keeps command detection away from real sentences:
	// "can we stop here after this example" is a request, not a command.
	maxCommandWords = 4
)

// commandOrder fixes the evaluation order so equal-score ambiguities resolve
// deterministically, with session-ending last.
var commandOrder = []Command{
	CommandPause,
	CommandResume,
	CommandRepeat,
	CommandNext,
	CommandPrevious,
	CommandEnd,
}

var commandPhrases = map[Command][]string{
	CommandPause: {
		"pause", "stop", "wait", "hold on",
		"warte", "stopp", "pause bitte",
	},
	CommandResume: {
		"resume", "continue", "go on", "keep going", "start", "begin", "okay",
		"weiter", "mach weiter", "fortfahren", "los", "fang an",
	},
	CommandRepeat: {
		"repeat", "again", "say that again", "one more time",
		"wiederhole", "nochmal", "noch einmal",
	},
	CommandNext: {
		"next", "skip", "next topic", "next part", "skip this",
		"nächstes", "nächstes thema", "überspringen",
	},
	CommandPrevious: {
		"previous", "go back", "back", "previous topic",
		"zurück", "vorheriges", "vorheriges thema",
	},
	CommandEnd: {
		"end", "quit", "exit", "end session", "goodbye", "bye",
		"beenden", "beende", "ende", "tschüss",
	},
}

// parseCommand returns the navigation command the utterance expresses, or
// CommandNone. Only short utterances qualify; the comparison is whole-phrase
// fuzzy so common STT corruptions still land.
func parseCommand(text string) Command {
	norm := normalizeUtterance(text)
	if norm == "" || len(strings.Fields(norm)) > maxCommandWords {
		return CommandNone
	}

	best := CommandNone
	bestScore := 0.0
	for _, cmd := range commandOrder {
		for _, phrase := range commandPhrases[cmd] {
			score := matchr.JaroWinkler(norm, phrase, false)
			if score >= commandThreshold && score > bestScore {
				best = cmd
				bestScore = score
			}
		}
	}
	return best
}

// normalizeUtterance lowercases and strips everything but letters, digits,
// and single spaces.
func normalizeUtterance(text string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(strings.TrimSpace(text)) {
		switch {
		case r == ' ' || r == '\t' || r == '\n':
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		case isWordRune(r):
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 127
}
