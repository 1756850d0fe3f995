package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lumora-ai/lumora/internal/fault"
	"github.com/lumora-ai/lumora/pkg/provider/llm"
	"github.com/lumora-ai/lumora/pkg/types"
)

// curriculumRetries is how many times a schema-violating LLM response is
// re-prompted before the stage fails.
const curriculumRetries = 2

// curriculumPromptBudget caps the source material excerpt included in the
// synthesis prompt, leaving room for instructions and the response.
const curriculumPromptBudget = 24000

const curriculumSystemPrompt = `You are a curriculum designer. Given source material for a course, produce a weekly curriculum as JSON.

Respond with ONLY a JSON object, no prose, matching exactly:
{
  "title": "course title",
  "description": "2-3 sentence course description",
  "modules": [
    {
      "week": 1,
      "title": "module title",
      "description": "1-2 sentence module description",
      "objectives": ["objective", ...],
      "topics": [
        {"title": "topic title", "content": "2-5 sentence topic summary", "estimated_minutes": 30}
      ]
    }
  ]
}

Rules:
- "week" values must form the gapless sequence 1..N in order.
- Every module needs at least one objective and one topic.
- Base everything on the source material only.`

// curriculumDoc is the JSON shape the model must return.
type curriculumDoc struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Modules     []curriculumModule `json:"modules"`
}

type curriculumModule struct {
	Week        int               `json:"week"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Objectives  []string          `json:"objectives"`
	Topics      []curriculumTopic `json:"topics"`
}

type curriculumTopic struct {
	Title            string `json:"title"`
	Content          string `json:"content"`
	EstimatedMinutes int    `json:"estimated_minutes"`
}

// SynthesizeCurriculum asks the LLM to structure the extracted material into
// a course outline. Responses that fail the schema are re-prompted with the
// violation up to [curriculumRetries] times; persistent violations fail with
// a garbage-output fault.
func SynthesizeCurriculum(ctx context.Context, provider llm.Provider, counter TokenCodec, title, language string, material string) (*types.Course, error) {
	excerpt := truncateToTokens(counter, material, curriculumPromptBudget)

	user := fmt.Sprintf("Course title hint: %s\nLanguage: %s\n\nSource material:\n%s", title, language, excerpt)
	messages := []types.Message{{Role: types.RoleUser, Content: user}}

	var lastErr error
	for attempt := 0; attempt <= curriculumRetries; attempt++ {
		resp, err := provider.Complete(ctx, llm.Request{
			Messages:     messages,
			SystemPrompt: curriculumSystemPrompt,
			Temperature:  0.2,
		})
		if err != nil {
			return nil, fmt.Errorf("ingest: curriculum synthesis: %w", err)
		}

		course, err := parseCurriculum(resp.Content)
		if err == nil {
			course.Title = nonEmpty(course.Title, title)
			course.Language = language
			return course, nil
		}
		lastErr = err

		// Feed the violation back so the model can correct itself.
		messages = append(messages,
			types.Message{Role: types.RoleAssistant, Content: resp.Content},
			types.Message{Role: types.RoleUser, Content: "That response was rejected: " + err.Error() + "\nRespond again with only the corrected JSON object."},
		)
	}
	return nil, fault.E(fault.GarbageOutput, "curriculum synthesis failed schema validation", lastErr)
}

// parseCurriculum decodes and validates the model output against the schema.
func parseCurriculum(raw string) (*types.Course, error) {
	raw = stripCodeFence(raw)

	var doc curriculumDoc
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if strings.TrimSpace(doc.Title) == "" {
		return nil, errors.New("title is empty")
	}
	if len(doc.Modules) == 0 {
		return nil, errors.New("no modules")
	}

	course := &types.Course{
		Title:       doc.Title,
		Description: doc.Description,
	}
	for i, m := range doc.Modules {
		if m.Week != i+1 {
			return nil, fmt.Errorf("module %d has week %d; weeks must be the gapless sequence 1..N", i, m.Week)
		}
		if strings.TrimSpace(m.Title) == "" {
			return nil, fmt.Errorf("module week %d has an empty title", m.Week)
		}
		if len(m.Objectives) == 0 {
			return nil, fmt.Errorf("module week %d has no objectives", m.Week)
		}
		if len(m.Topics) == 0 {
			return nil, fmt.Errorf("module week %d has no topics", m.Week)
		}

		mod := types.Module{
			Week:        m.Week,
			Title:       m.Title,
			Description: m.Description,
			Objectives:  m.Objectives,
		}
		for j, tp := range m.Topics {
			if strings.TrimSpace(tp.Title) == "" {
				return nil, fmt.Errorf("module week %d topic %d has an empty title", m.Week, j+1)
			}
			mod.Topics = append(mod.Topics, types.Topic{
				Title:            tp.Title,
				Content:          tp.Content,
				OrderIndex:       j + 1,
				EstimatedMinutes: tp.EstimatedMinutes,
			})
		}
		course.Modules = append(course.Modules, mod)
	}
	return course, nil
}

// stripCodeFence removes a Markdown code fence the model may wrap the JSON
// in despite instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// truncateToTokens deterministically cuts text to at most budget tokens.
func truncateToTokens(counter TokenCodec, text string, budget int) string {
	ids := counter.Encode(text)
	if len(ids) <= budget {
		return text
	}
	return counter.Decode(ids[:budget])
}

func nonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}
