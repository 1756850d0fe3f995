package teach

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/lumora-ai/lumora/internal/fault"
	"github.com/lumora-ai/lumora/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// Teaching agent
// ─────────────────────────────────────────────────────────────────────────────

const teachingSystemPrompt = `You are Lumora, a friendly voice tutor delivering a lesson out loud.
Present the course material below conversationally, as natural spoken language.
Do not use markdown, bullet points, or headings. Keep it under 150 words and
end at a natural pause point. Respond in the language tagged %q.`

func teachingRequest(st *State, topicTitle, segment string) (string, []types.Message) {
	sys := fmt.Sprintf(teachingSystemPrompt, st.languageOr("en"))
	user := fmt.Sprintf("Topic: %s\n\nMaterial for this part of the lesson:\n\n%s", topicTitle, segment)
	msgs := append(append([]types.Message(nil), st.Messages...), types.Message{
		Role: types.RoleUser, Content: user,
	})
	return sys, msgs
}

// ─────────────────────────────────────────────────────────────────────────────
// QA agent
// ─────────────────────────────────────────────────────────────────────────────

const qaGroundedSystemPrompt = `You are Lumora, a voice tutor in the middle of a lesson.
Answer the student's question briefly in natural spoken language, without
markdown. Ground the answer in the course excerpts below when they are
relevant; otherwise answer from general knowledge and say so. Respond in the
language tagged %q.

Course excerpts:
%s`

const qaGeneralSystemPrompt = `You are Lumora, a voice tutor in the middle of a lesson.
Answer the student's question briefly in natural spoken language, without
markdown. Respond in the language tagged %q.`

func qaRequest(st *State, question string, chunks []types.ScoredChunk) (string, []types.Message) {
	lang := st.languageOr("en")
	var sys string
	if len(chunks) > 0 {
		var b strings.Builder
		for i, sc := range chunks {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, sc.Chunk.Text)
		}
		sys = fmt.Sprintf(qaGroundedSystemPrompt, lang, b.String())
	} else {
		sys = fmt.Sprintf(qaGeneralSystemPrompt, lang)
	}
	msgs := append(append([]types.Message(nil), st.Messages...), types.Message{
		Role: types.RoleUser, Content: question,
	})
	return sys, msgs
}

// ─────────────────────────────────────────────────────────────────────────────
// Assessment agent
// ─────────────────────────────────────────────────────────────────────────────

const assessmentSystemPrompt = `You write one multiple-choice question testing the course material below.
Output a single JSON object, no code fences, no prose:
{"question": "...", "options": ["...", "...", "...", "..."], "correct_answer": "A"}
Rules: 3 or 4 options; correct_answer is the single letter of the correct
option; question and options are in the language tagged %q.`

type assessmentDoc struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
}

// parseAssessment validates the LLM's quiz item.
func parseAssessment(raw string) (*types.QuizQuestion, error) {
	raw = stripCodeFence(raw)
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var doc assessmentDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, fault.Errorf(fault.GarbageOutput, "teach: assessment is not valid JSON: %v", err)
	}
	if doc.Question == "" {
		return nil, fault.Errorf(fault.GarbageOutput, "teach: assessment has no question text")
	}
	if len(doc.Options) < 2 || len(doc.Options) > 6 {
		return nil, fault.Errorf(fault.GarbageOutput, "teach: assessment has %d options", len(doc.Options))
	}
	key := strings.ToUpper(strings.TrimSpace(doc.CorrectAnswer))
	if len(key) != 1 || key[0] < 'A' || key[0] >= byte('A'+len(doc.Options)) {
		return nil, fault.Errorf(fault.GarbageOutput, "teach: assessment answer key %q is out of range", doc.CorrectAnswer)
	}
	return &types.QuizQuestion{
		Number:        1,
		Text:          doc.Question,
		Options:       doc.Options,
		CorrectAnswer: key,
	}, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// assessmentTriggerThreshold is the fuzzy bar for "quiz me" style requests.
const assessmentTriggerThreshold = 0.88

var assessmentTriggers = []string{
	"quiz me", "test me", "quiz", "give me a quiz", "ask me a question",
	"frag mich ab", "teste mich", "abfragen", "quiz bitte",
}

// wantsAssessment reports whether the utterance asks to be tested.
func wantsAssessment(text string) bool {
	norm := normalizeUtterance(text)
	if norm == "" || len(strings.Fields(norm)) > 6 {
		return false
	}
	for _, trig := range assessmentTriggers {
		if matchr.JaroWinkler(norm, trig, false) >= assessmentTriggerThreshold {
			return true
		}
	}
	for _, tok := range strings.Fields(norm) {
		if matchr.JaroWinkler(tok, "quiz", false) >= assessmentTriggerThreshold {
			return true
		}
	}
	return false
}

// detectAnswerKey extracts the chosen option from a spoken answer: a bare
// letter token ("b", "option b", "the answer is b") or a fuzzy match against
// the option text itself. Returns "" when inconclusive.
func detectAnswerKey(text string, options []string) string {
	norm := normalizeUtterance(text)
	if norm == "" {
		return ""
	}
	for _, tok := range strings.Fields(norm) {
		if len(tok) == 1 && tok[0] >= 'a' && tok[0] < byte('a'+len(options)) {
			return strings.ToUpper(tok)
		}
	}
	for i, opt := range options {
		if matchr.JaroWinkler(norm, normalizeUtterance(opt), false) >= 0.85 {
			return types.OptionKey(i)
		}
	}
	return ""
}

// speakQuestion renders a quiz item as spoken text.
func speakQuestion(q *types.QuizQuestion, lang string) string {
	var b strings.Builder
	b.WriteString(localizedLine(quizIntros, lang))
	b.WriteString(" ")
	b.WriteString(q.Text)
	for i, opt := range q.Options {
		fmt.Fprintf(&b, " %s: %s.", types.OptionKey(i), opt)
	}
	return b.String()
}

// ─────────────────────────────────────────────────────────────────────────────
// Canned voice lines
// ─────────────────────────────────────────────────────────────────────────────

var (
	greetings = map[string]string{
		"en": "Hi, I'm Lumora, your tutor. Say start when you're ready, or ask me anything.",
		"de": "Hallo, ich bin Lumora, dein Lernassistent. Sag los, wenn du bereit bist, oder stell mir eine Frage.",
	}
	welcomeBacks = map[string]string{
		"en": "Welcome back. Say continue to pick up where we left off.",
		"de": "Willkommen zurück. Sag weiter, um dort fortzufahren, wo wir aufgehört haben.",
	}
	pausedLines = map[string]string{
		"en": "Okay, I'll pause here. Say continue when you're ready.",
		"de": "Okay, ich mache eine Pause. Sag weiter, wenn du bereit bist.",
	}
	goodbyes = map[string]string{
		"en": "Alright, that's it for today. Well done, see you next time!",
		"de": "Gut, das war's für heute. Gut gemacht, bis zum nächsten Mal!",
	}
	apologies = map[string]string{
		"en": "Sorry, something went wrong on my end. Let's try that again in a moment.",
		"de": "Entschuldigung, bei mir ist etwas schiefgelaufen. Versuchen wir es gleich noch einmal.",
	}
	sttTrouble = map[string]string{
		"en": "I'm having trouble hearing you right now. I'll keep listening.",
		"de": "Ich habe gerade Schwierigkeiten, dich zu hören. Ich höre weiter zu.",
	}
	noCourseLines = map[string]string{
		"en": "There's no course selected for this session, but you can still ask me questions.",
		"de": "Für diese Sitzung ist kein Kurs ausgewählt, aber du kannst mir trotzdem Fragen stellen.",
	}
	courseDoneLines = map[string]string{
		"en": "And that was the last topic of the course. Congratulations, you made it through!",
		"de": "Und das war das letzte Thema des Kurses. Glückwunsch, du hast es geschafft!",
	}
	segmentDoneLines = map[string]string{
		"en": "Say continue when you're ready for the next part, or ask a question.",
		"de": "Sag weiter, wenn du bereit für den nächsten Teil bist, oder stell eine Frage.",
	}
	quizIntros = map[string]string{
		"en": "Quick check.",
		"de": "Kurze Frage.",
	}
	quizCorrect = map[string]string{
		"en": "That's right, well done!",
		"de": "Richtig, gut gemacht!",
	}
	quizWrong = map[string]string{
		"en": "Not quite. The correct answer was %s: %s.",
		"de": "Nicht ganz. Die richtige Antwort war %s: %s.",
	}
	quizUnclear = map[string]string{
		"en": "I didn't catch which option you meant. Just say the letter, like A or B.",
		"de": "Ich habe nicht verstanden, welche Option du meinst. Sag einfach den Buchstaben, zum Beispiel A oder B.",
	}
)

// localizedLine resolves a canned line by primary language subtag, falling
// back to English.
func localizedLine(lines map[string]string, lang string) string {
	tag := strings.ToLower(lang)
	if i := strings.IndexByte(tag, '-'); i > 0 {
		tag = tag[:i]
	}
	if line, ok := lines[tag]; ok {
		return line
	}
	return lines["en"]
}
