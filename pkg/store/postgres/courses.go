package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumora-ai/lumora/pkg/store"
	"github.com/lumora-ai/lumora/pkg/types"
)

// CourseStoreImpl is the course catalogue backed by the courses, modules, and
// topics tables.
//
// Obtain one via [Store.Courses] rather than constructing directly.
// All methods are safe for concurrent use.
type CourseStoreImpl struct {
	pool *pgxpool.Pool
}

// CreateCourse implements [store.CourseStore]. The course, its modules, and
// their topics are inserted in one transaction; the course number comes from
// the course_number_seq sequence and is never reused.
func (s *CourseStoreImpl) CreateCourse(ctx context.Context, course *types.Course) (*types.Course, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("course store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertCourse = `
		INSERT INTO courses (id, number, title, description, language, country, owner_id)
		VALUES ($1, nextval('course_number_seq'), $2, $3, $4, $5, $6)
		RETURNING number, created_at, updated_at`

	out := *course
	err = tx.QueryRow(ctx, insertCourse,
		course.ID,
		course.Title,
		course.Description,
		course.Language,
		course.Country,
		course.OwnerID,
	).Scan(&out.Number, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("course store: insert course: %w", err)
	}

	const insertModule = `
		INSERT INTO modules (course_id, week, title, description, objectives)
		VALUES ($1, $2, $3, $4, $5)`
	const insertTopic = `
		INSERT INTO topics (course_id, module_week, title, content, order_index, estimated_minutes)
		VALUES ($1, $2, $3, $4, $5, $6)`

	for _, mod := range course.Modules {
		objectives, err := json.Marshal(orEmpty(mod.Objectives))
		if err != nil {
			return nil, fmt.Errorf("course store: encode objectives: %w", err)
		}
		if _, err := tx.Exec(ctx, insertModule,
			course.ID, mod.Week, mod.Title, mod.Description, objectives,
		); err != nil {
			return nil, fmt.Errorf("course store: insert module week %d: %w", mod.Week, err)
		}
		for _, topic := range mod.Topics {
			if _, err := tx.Exec(ctx, insertTopic,
				course.ID, mod.Week, topic.Title, topic.Content, topic.OrderIndex, topic.EstimatedMinutes,
			); err != nil {
				return nil, fmt.Errorf("course store: insert topic %q: %w", topic.Title, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("course store: commit: %w", err)
	}
	return &out, nil
}

// GetCourse implements [store.CourseStore]. Modules and topics are populated
// in week and order_index order.
func (s *CourseStoreImpl) GetCourse(ctx context.Context, courseID string) (*types.Course, error) {
	const q = `
		SELECT id, number, title, description, language, country, owner_id, created_at, updated_at
		FROM   courses
		WHERE  id = $1`

	var c types.Course
	err := s.pool.QueryRow(ctx, q, courseID).Scan(
		&c.ID, &c.Number, &c.Title, &c.Description,
		&c.Language, &c.Country, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("course store: get course: %w", err)
	}

	modules, err := s.loadModules(ctx, courseID)
	if err != nil {
		return nil, err
	}
	c.Modules = modules
	return &c, nil
}

// loadModules reads the modules and topics of a course.
func (s *CourseStoreImpl) loadModules(ctx context.Context, courseID string) ([]types.Module, error) {
	const qModules = `
		SELECT week, title, description, objectives
		FROM   modules
		WHERE  course_id = $1
		ORDER  BY week`

	rows, err := s.pool.Query(ctx, qModules, courseID)
	if err != nil {
		return nil, fmt.Errorf("course store: load modules: %w", err)
	}
	modules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Module, error) {
		var (
			m   types.Module
			raw []byte
		)
		if err := row.Scan(&m.Week, &m.Title, &m.Description, &raw); err != nil {
			return types.Module{}, err
		}
		if err := json.Unmarshal(raw, &m.Objectives); err != nil {
			return types.Module{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("course store: scan modules: %w", err)
	}

	const qTopics = `
		SELECT id, module_week, title, content, order_index, estimated_minutes
		FROM   topics
		WHERE  course_id = $1
		ORDER  BY module_week, order_index`

	topicRows, err := s.pool.Query(ctx, qTopics, courseID)
	if err != nil {
		return nil, fmt.Errorf("course store: load topics: %w", err)
	}
	type weekTopic struct {
		week  int
		topic types.Topic
	}
	topics, err := pgx.CollectRows(topicRows, func(row pgx.CollectableRow) (weekTopic, error) {
		var wt weekTopic
		if err := row.Scan(
			&wt.topic.ID, &wt.week, &wt.topic.Title, &wt.topic.Content,
			&wt.topic.OrderIndex, &wt.topic.EstimatedMinutes,
		); err != nil {
			return weekTopic{}, err
		}
		return wt, nil
	})
	if err != nil {
		return nil, fmt.Errorf("course store: scan topics: %w", err)
	}

	byWeek := make(map[int]int, len(modules))
	for i, m := range modules {
		byWeek[m.Week] = i
	}
	for _, wt := range topics {
		if i, ok := byWeek[wt.week]; ok {
			modules[i].Topics = append(modules[i].Topics, wt.topic)
		}
	}
	return modules, nil
}

// ListCourses implements [store.CourseStore].
func (s *CourseStoreImpl) ListCourses(ctx context.Context, filter store.CourseFilter) ([]types.Course, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.Language != "" {
		conditions = append(conditions, "language = "+next(filter.Language))
	}
	if filter.Country != "" {
		conditions = append(conditions, "country = "+next(filter.Country))
	}
	if filter.OwnerID != "" {
		conditions = append(conditions, "owner_id = "+next(filter.OwnerID))
	}

	q := "SELECT id, number, title, description, language, country, owner_id, created_at, updated_at\n" +
		"FROM   courses\n"
	if len(conditions) > 0 {
		q += "WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n"
	}
	q += "ORDER  BY number"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("course store: list courses: %w", err)
	}
	courses, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Course, error) {
		var c types.Course
		err := row.Scan(
			&c.ID, &c.Number, &c.Title, &c.Description,
			&c.Language, &c.Country, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt,
		)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("course store: scan courses: %w", err)
	}
	if courses == nil {
		courses = []types.Course{}
	}
	return courses, nil
}

// UpdateCourse implements [store.CourseUpdater]. Only non-nil fields change;
// updated_at always advances on a successful update.
func (s *CourseStoreImpl) UpdateCourse(ctx context.Context, courseID, ownerID string, upd store.CourseUpdate) (*types.Course, error) {
	const update = `
		UPDATE courses
		SET title       = COALESCE($3, title),
		    description = COALESCE($4, description),
		    language    = COALESCE($5, language),
		    country     = COALESCE($6, country),
		    updated_at  = now()
		WHERE id = $1 AND owner_id = $2`

	tag, err := s.pool.Exec(ctx, update, courseID, ownerID,
		upd.Title, upd.Description, upd.Language, upd.Country)
	if err != nil {
		return nil, fmt.Errorf("course store: update course: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing course from an ownership mismatch.
		var owner string
		err := s.pool.QueryRow(ctx, `SELECT owner_id FROM courses WHERE id = $1`, courseID).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("course store: update course: %w", err)
		}
		return nil, store.ErrConflict
	}
	return s.GetCourse(ctx, courseID)
}

// DeleteCourse implements [store.CourseStore]. Modules, topics, quizzes, and
// quiz responses cascade through foreign keys; chunks are deleted explicitly
// since the index table carries no FK.
func (s *CourseStoreImpl) DeleteCourse(ctx context.Context, courseID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("course store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM courses WHERE id = $1`, courseID)
	if err != nil {
		return fmt.Errorf("course store: delete course: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE course_id = $1`, courseID); err != nil {
		return fmt.Errorf("course store: delete chunks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("course store: commit: %w", err)
	}
	return nil
}

// orEmpty keeps JSON encoding of a nil slice as [] instead of null.
func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
