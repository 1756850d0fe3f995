// Package quiz generates multiple-choice quizzes from course material and
// grades submissions.
//
// Generation follows the same contract as curriculum synthesis: the LLM must
// return schema-valid JSON, violations are re-prompted with the rejection
// reason, and persistent violations fail with a garbage-output fault instead
// of persisting a malformed quiz.
package quiz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumora-ai/lumora/internal/fault"
	"github.com/lumora-ai/lumora/pkg/provider/llm"
	"github.com/lumora-ai/lumora/pkg/store"
	"github.com/lumora-ai/lumora/pkg/types"
)

// generateRetries is how many schema-violating responses are re-prompted.
const generateRetries = 2

// defaultQuestionCount is requested when the caller does not specify one.
const defaultQuestionCount = 5

const generateSystemPrompt = `You are an assessment designer. Given course material, produce a multiple-choice quiz as JSON.

Respond with ONLY a JSON object, no prose, matching exactly:
{
  "title": "quiz title",
  "questions": [
    {
      "number": 1,
      "text": "question text",
      "options": ["first option", "second option", "third option", "fourth option"],
      "correct_answer": "A",
      "explanation": "why the answer is correct",
      "difficulty": "easy"
    }
  ]
}

Rules:
- "number" values must form the gapless sequence 1..K in order.
- Every question has 2 to 6 options.
- "correct_answer" is the single letter A, B, C, ... naming one of the options.
- Base every question on the provided material only.`

type quizDoc struct {
	Title     string        `json:"title"`
	Questions []questionDoc `json:"questions"`
}

type questionDoc struct {
	Number        int      `json:"number"`
	Text          string   `json:"text"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
	Explanation   string   `json:"explanation"`
	Difficulty    string   `json:"difficulty"`
}

// Service generates, stores, and grades quizzes.
type Service struct {
	llm     llm.Provider
	courses store.CourseStore
	quizzes store.QuizStore
	log     *slog.Logger
}

// New creates a Service.
func New(llmProvider llm.Provider, courses store.CourseStore, quizzes store.QuizStore) *Service {
	return &Service{
		llm:     llmProvider,
		courses: courses,
		quizzes: quizzes,
		log:     slog.Default().With("component", "quiz"),
	}
}

// GenerateParams selects the material a quiz is generated from.
type GenerateParams struct {
	CourseID string

	// ModuleWeek restricts the quiz to one module; zero generates a
	// whole-course quiz.
	ModuleWeek int

	// QuestionCount is the requested number of questions; zero uses the
	// default.
	QuestionCount int

	// PassingScore is the minimum correct answers to pass; zero derives a
	// 60% threshold.
	PassingScore int
}

// Generate builds a quiz from the course's stored curriculum and persists it.
func (s *Service) Generate(ctx context.Context, p GenerateParams) (*types.Quiz, error) {
	course, err := s.courses.GetCourse(ctx, p.CourseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.E(fault.NotFound, "course not found", err)
		}
		return nil, fmt.Errorf("quiz: load course: %w", err)
	}

	material, title, err := materialFor(course, p.ModuleWeek)
	if err != nil {
		return nil, err
	}
	count := p.QuestionCount
	if count <= 0 {
		count = defaultQuestionCount
	}

	user := fmt.Sprintf("Write %d questions in language %q about:\n\n%s", count, course.Language, material)
	messages := []types.Message{{Role: types.RoleUser, Content: user}}

	var lastErr error
	for attempt := 0; attempt <= generateRetries; attempt++ {
		resp, err := s.llm.Complete(ctx, llm.Request{
			Messages:     messages,
			SystemPrompt: generateSystemPrompt,
			Temperature:  0.3,
		})
		if err != nil {
			return nil, fmt.Errorf("quiz: generation: %w", err)
		}

		questions, parsedTitle, err := parseQuiz(resp.Content)
		if err == nil {
			quiz := &types.Quiz{
				ID:           uuid.NewString(),
				CourseID:     course.ID,
				ModuleWeek:   p.ModuleWeek,
				Title:        firstNonEmpty(parsedTitle, title),
				Type:         quizType(p.ModuleWeek),
				PassingScore: passingScore(p.PassingScore, len(questions)),
				Questions:    questions,
				CreatedAt:    time.Now(),
			}
			if err := s.quizzes.CreateQuiz(ctx, quiz); err != nil {
				return nil, fmt.Errorf("quiz: persist: %w", err)
			}
			s.log.Info("quiz generated",
				"quiz_id", quiz.ID, "course_id", course.ID, "questions", len(questions))
			return quiz, nil
		}
		lastErr = err

		messages = append(messages,
			types.Message{Role: types.RoleAssistant, Content: resp.Content},
			types.Message{Role: types.RoleUser, Content: "That response was rejected: " + err.Error() + "\nRespond again with only the corrected JSON object."},
		)
	}
	return nil, fault.E(fault.GarbageOutput, "quiz generation failed schema validation", lastErr)
}

// Grade scores a submission against the stored quiz and persists the result.
// Resubmission overwrites the previous attempt.
func (s *Service) Grade(ctx context.Context, quizID, userID string, answers map[int]string, timeTaken time.Duration) (*types.QuizResponse, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.E(fault.NotFound, "quiz not found", err)
		}
		return nil, fmt.Errorf("quiz: load: %w", err)
	}

	byNumber := make(map[int]types.QuizQuestion, len(quiz.Questions))
	for _, q := range quiz.Questions {
		byNumber[q.Number] = q
	}

	score := 0
	for number, answer := range answers {
		q, ok := byNumber[number]
		if !ok {
			return nil, fault.Errorf(fault.InvalidInput, "answer references unknown question %d", number)
		}
		answer = strings.ToUpper(strings.TrimSpace(answer))
		// Multi-select and free-text answers are not part of the grading
		// contract; anything but one option letter is rejected.
		if len(answer) != 1 || !validOptionKey(answer, len(q.Options)) {
			return nil, fault.Errorf(fault.InvalidInput, "question %d: answer %q is not an option letter", number, answer)
		}
		if answer == q.CorrectAnswer {
			score++
		}
	}

	result := &types.QuizResponse{
		QuizID:         quizID,
		UserID:         userID,
		Answers:        answers,
		Score:          score,
		TotalQuestions: len(quiz.Questions),
		TimeTaken:      timeTaken,
		SubmittedAt:    time.Now(),
	}
	if err := s.quizzes.SaveResponse(ctx, result); err != nil {
		return nil, fmt.Errorf("quiz: save response: %w", err)
	}
	return result, nil
}

// QuestionResult is the per-question outcome of a graded submission.
type QuestionResult struct {
	Number        int    `json:"number"`
	Correct       bool   `json:"correct"`
	CorrectAnswer string `json:"correct_answer"`
	Explanation   string `json:"explanation,omitempty"`
}

// Results expands a graded submission into per-question outcomes and reports
// whether the submission passed. Questions the user left unanswered count as
// incorrect.
func (s *Service) Results(ctx context.Context, resp *types.QuizResponse) (results []QuestionResult, passed bool, err error) {
	quiz, err := s.quizzes.GetQuiz(ctx, resp.QuizID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, fault.E(fault.NotFound, "quiz not found", err)
		}
		return nil, false, fmt.Errorf("quiz: load: %w", err)
	}

	results = make([]QuestionResult, 0, len(quiz.Questions))
	for _, q := range quiz.Questions {
		answer := strings.ToUpper(strings.TrimSpace(resp.Answers[q.Number]))
		results = append(results, QuestionResult{
			Number:        q.Number,
			Correct:       answer == q.CorrectAnswer,
			CorrectAnswer: q.CorrectAnswer,
			Explanation:   q.Explanation,
		})
	}
	return results, resp.Score >= quiz.PassingScore, nil
}

// parseQuiz decodes and validates the model output.
func parseQuiz(raw string) ([]types.QuizQuestion, string, error) {
	raw = stripCodeFence(raw)

	var doc quizDoc
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, "", fmt.Errorf("invalid JSON: %w", err)
	}
	if len(doc.Questions) == 0 {
		return nil, "", errors.New("no questions")
	}

	questions := make([]types.QuizQuestion, 0, len(doc.Questions))
	for i, q := range doc.Questions {
		if q.Number != i+1 {
			return nil, "", fmt.Errorf("question %d has number %d; numbers must be the gapless sequence 1..K", i, q.Number)
		}
		if strings.TrimSpace(q.Text) == "" {
			return nil, "", fmt.Errorf("question %d has empty text", q.Number)
		}
		if len(q.Options) < 2 || len(q.Options) > 6 {
			return nil, "", fmt.Errorf("question %d has %d options, want 2-6", q.Number, len(q.Options))
		}
		key := strings.ToUpper(strings.TrimSpace(q.CorrectAnswer))
		if len(key) != 1 || !validOptionKey(key, len(q.Options)) {
			return nil, "", fmt.Errorf("question %d: correct_answer %q does not name an option", q.Number, q.CorrectAnswer)
		}
		questions = append(questions, types.QuizQuestion{
			Number:        q.Number,
			Text:          q.Text,
			Options:       q.Options,
			CorrectAnswer: key,
			Explanation:   q.Explanation,
			Difficulty:    q.Difficulty,
		})
	}
	return questions, doc.Title, nil
}

// materialFor extracts the curriculum text the quiz draws from.
func materialFor(course *types.Course, moduleWeek int) (material, title string, err error) {
	var b strings.Builder
	write := func(m types.Module) {
		fmt.Fprintf(&b, "Week %d: %s\n%s\n", m.Week, m.Title, m.Description)
		for _, t := range m.Topics {
			fmt.Fprintf(&b, "- %s: %s\n", t.Title, t.Content)
		}
		b.WriteString("\n")
	}

	if moduleWeek > 0 {
		for _, m := range course.Modules {
			if m.Week == moduleWeek {
				write(m)
				return b.String(), fmt.Sprintf("%s — Week %d Quiz", course.Title, moduleWeek), nil
			}
		}
		return "", "", fault.Errorf(fault.NotFound, "course has no module for week %d", moduleWeek)
	}

	if len(course.Modules) == 0 {
		return "", "", fault.E(fault.InvalidInput, "course has no curriculum to quiz on", nil)
	}
	for _, m := range course.Modules {
		write(m)
	}
	return b.String(), course.Title + " — Course Quiz", nil
}

func validOptionKey(key string, optionCount int) bool {
	if len(key) != 1 {
		return false
	}
	c := key[0]
	return c >= 'A' && c < byte('A')+byte(optionCount)
}

func quizType(moduleWeek int) types.QuizType {
	if moduleWeek > 0 {
		return types.QuizModule
	}
	return types.QuizCourse
}

func passingScore(requested, questionCount int) int {
	if requested > 0 && requested <= questionCount {
		return requested
	}
	score := (questionCount*6 + 9) / 10
	if score < 1 {
		score = 1
	}
	return score
}

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

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}
