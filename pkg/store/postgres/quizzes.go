package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumora-ai/lumora/pkg/store"
	"github.com/lumora-ai/lumora/pkg/types"
)

// QuizStoreImpl persists quizzes and graded submissions.
//
// Questions are stored as a JSONB document on the quiz row: they are always
// read and written as a unit and never queried individually.
//
// Obtain one via [Store.Quizzes] rather than constructing directly.
// All methods are safe for concurrent use.
type QuizStoreImpl struct {
	pool *pgxpool.Pool
}

// CreateQuiz implements [store.QuizStore].
func (s *QuizStoreImpl) CreateQuiz(ctx context.Context, quiz *types.Quiz) error {
	questions, err := json.Marshal(quiz.Questions)
	if err != nil {
		return fmt.Errorf("quiz store: encode questions: %w", err)
	}

	const q = `
		INSERT INTO quizzes
		    (id, course_id, module_week, title, type, passing_score, time_limit_ns, questions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.pool.Exec(ctx, q,
		quiz.ID,
		quiz.CourseID,
		quiz.ModuleWeek,
		quiz.Title,
		string(quiz.Type),
		quiz.PassingScore,
		quiz.TimeLimit.Nanoseconds(),
		questions,
	)
	if err != nil {
		return fmt.Errorf("quiz store: insert: %w", err)
	}
	return nil
}

// GetQuiz implements [store.QuizStore].
func (s *QuizStoreImpl) GetQuiz(ctx context.Context, quizID string) (*types.Quiz, error) {
	const q = `
		SELECT id, course_id, module_week, title, type, passing_score, time_limit_ns, questions, created_at
		FROM   quizzes
		WHERE  id = $1`

	quiz, err := scanQuiz(s.pool.QueryRow(ctx, q, quizID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("quiz store: get: %w", err)
	}
	return quiz, nil
}

// ListQuizzes implements [store.QuizStore].
func (s *QuizStoreImpl) ListQuizzes(ctx context.Context, courseID string) ([]types.Quiz, error) {
	const q = `
		SELECT id, course_id, module_week, title, type, passing_score, time_limit_ns, questions, created_at
		FROM   quizzes
		WHERE  course_id = $1
		ORDER  BY module_week, created_at`

	rows, err := s.pool.Query(ctx, q, courseID)
	if err != nil {
		return nil, fmt.Errorf("quiz store: list: %w", err)
	}
	quizzes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Quiz, error) {
		quiz, err := scanQuiz(row)
		if err != nil {
			return types.Quiz{}, err
		}
		return *quiz, nil
	})
	if err != nil {
		return nil, fmt.Errorf("quiz store: scan rows: %w", err)
	}
	if quizzes == nil {
		quizzes = []types.Quiz{}
	}
	return quizzes, nil
}

// scanQuiz scans one quiz row.
func scanQuiz(row pgx.Row) (*types.Quiz, error) {
	var (
		quiz        types.Quiz
		quizType    string
		timeLimitNS int64
		questions   []byte
	)
	if err := row.Scan(
		&quiz.ID, &quiz.CourseID, &quiz.ModuleWeek, &quiz.Title, &quizType,
		&quiz.PassingScore, &timeLimitNS, &questions, &quiz.CreatedAt,
	); err != nil {
		return nil, err
	}
	quiz.Type = types.QuizType(quizType)
	quiz.TimeLimit = time.Duration(timeLimitNS)
	if err := json.Unmarshal(questions, &quiz.Questions); err != nil {
		return nil, err
	}
	return &quiz, nil
}

// SaveResponse implements [store.QuizStore]. Answers key on question number;
// JSON object keys must be strings, so the numbers are stringified on write
// and parsed back on read.
func (s *QuizStoreImpl) SaveResponse(ctx context.Context, resp *types.QuizResponse) error {
	answers := make(map[string]string, len(resp.Answers))
	for num, ans := range resp.Answers {
		answers[strconv.Itoa(num)] = ans
	}
	raw, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("quiz store: encode answers: %w", err)
	}

	const q = `
		INSERT INTO quiz_responses
		    (quiz_id, user_id, answers, score, total_questions, time_taken_ns, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (quiz_id, user_id) DO UPDATE SET
		    answers         = EXCLUDED.answers,
		    score           = EXCLUDED.score,
		    total_questions = EXCLUDED.total_questions,
		    time_taken_ns   = EXCLUDED.time_taken_ns,
		    submitted_at    = EXCLUDED.submitted_at`
	_, err = s.pool.Exec(ctx, q,
		resp.QuizID,
		resp.UserID,
		raw,
		resp.Score,
		resp.TotalQuestions,
		resp.TimeTaken.Nanoseconds(),
		resp.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("quiz store: save response: %w", err)
	}
	return nil
}

// GetResponse implements [store.QuizStore].
func (s *QuizStoreImpl) GetResponse(ctx context.Context, quizID, userID string) (*types.QuizResponse, error) {
	const q = `
		SELECT quiz_id, user_id, answers, score, total_questions, time_taken_ns, submitted_at
		FROM   quiz_responses
		WHERE  quiz_id = $1 AND user_id = $2`

	var (
		resp        types.QuizResponse
		raw         []byte
		timeTakenNS int64
	)
	err := s.pool.QueryRow(ctx, q, quizID, userID).Scan(
		&resp.QuizID, &resp.UserID, &raw, &resp.Score,
		&resp.TotalQuestions, &timeTakenNS, &resp.SubmittedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("quiz store: get response: %w", err)
	}

	var answers map[string]string
	if err := json.Unmarshal(raw, &answers); err != nil {
		return nil, fmt.Errorf("quiz store: decode answers: %w", err)
	}
	resp.Answers = make(map[int]string, len(answers))
	for k, v := range answers {
		num, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("quiz store: bad answer key %q: %w", k, err)
		}
		resp.Answers[num] = v
	}
	resp.TimeTaken = time.Duration(timeTakenNS)
	return &resp, nil
}
