package chat

import (
	"fmt"
	"strings"

	"github.com/lumora-ai/lumora/pkg/types"
)

const generalSystemPrompt = `You are Lumora, a friendly study assistant. Answer concisely and helpfully. If you do not know something, say so. Respond in the language tagged %q.`

const groundedSystemPrompt = `You are Lumora, a study assistant answering questions about the user's course material. Ground your answer in the excerpts below and cite them as [1], [2], ... where used. If the excerpts do not contain the answer, say so instead of inventing one. Respond in the language tagged %q.

Course material excerpts:
%s`

// fallbackAnswer is returned when generation fails sanity checks twice.
var fallbackAnswers = map[string]string{
	"en": "I'm sorry, I wasn't able to produce a good answer just now. Could you rephrase your question?",
	"de": "Entschuldigung, ich konnte gerade keine gute Antwort erzeugen. Kannst du deine Frage anders formulieren?",
}

// cannedGreetings answers the greeting route without an LLM call.
var cannedGreetings = map[string]string{
	"en": "Hi! I'm Lumora, your study assistant. Ask me anything about your courses, or just chat.",
	"de": "Hallo! Ich bin Lumora, dein Lernassistent. Frag mich alles zu deinen Kursen, oder plaudere einfach.",
}

// localized picks the language's entry, falling back to English.
func localized(m map[string]string, language string) string {
	if v, ok := m[primaryTag(language)]; ok {
		return v
	}
	return m["en"]
}

// primaryTag reduces a BCP 47 tag to its primary subtag: "de-AT" -> "de".
func primaryTag(language string) string {
	tag, _, _ := strings.Cut(strings.ToLower(language), "-")
	return tag
}

// groundedPrompt renders retrieved chunks into the system prompt, numbered
// to match the citation markers the model is asked to emit.
func groundedPrompt(language string, chunks []types.ScoredChunk) string {
	var b strings.Builder
	for i, sc := range chunks {
		fmt.Fprintf(&b, "[%d] (%s", i+1, sc.Chunk.SourceID)
		if sc.Chunk.Page > 0 {
			fmt.Fprintf(&b, ", p.%d", sc.Chunk.Page)
		}
		b.WriteString(")\n")
		b.WriteString(sc.Chunk.Text)
		b.WriteString("\n\n")
	}
	return fmt.Sprintf(groundedSystemPrompt, language, strings.TrimRight(b.String(), "\n"))
}

// transcript converts stored history plus the new user message into the LLM
// message list.
func transcript(history []types.StoredMessage, userMessage string) []types.Message {
	out := make([]types.Message, 0, len(history)+1)
	for _, m := range history {
		out = append(out, types.Message{Role: m.Role, Content: m.Content})
	}
	return append(out, types.Message{Role: types.RoleUser, Content: userMessage})
}
