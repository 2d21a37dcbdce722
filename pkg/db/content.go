package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const courseColumns = `id, user_id, target_language, title, description, source_link, tags, created_at`

const lessonColumns = `id, user_id, course_id, parent_lesson_id, title, description, text, source_link, tags, created_at`

// CreateCourse inserts a course and returns its id. A course with the same
// (target_language, title) yields an error matching ErrDuplicate.
func (st *Store) CreateCourse(ctx context.Context, c Course) (int64, error) {
	c.TargetLanguage = normalizeCode(c.TargetLanguage)
	c.Title = strings.TrimSpace(c.Title)
	if err := validateInput("create course", c); err != nil {
		return 0, err
	}
	tags, err := encodeTags(c.Tags)
	if err != nil {
		return 0, fmt.Errorf("create course: %w", err)
	}
	var id int64
	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO courses (user_id, target_language, title, description, source_link, tags, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			c.UserID, c.TargetLanguage, c.Title, nullableString(c.Description), nullableString(c.SourceLink), tags, st.timestamp(),
		).Scan(&id)
	})
	if err != nil {
		return 0, wrapErr("create course", err)
	}
	st.log.Debug("course created", "id", id, "title", c.Title)
	return id, nil
}

// GetCourse returns course id, or nil.
func (st *Store) GetCourse(ctx context.Context, id int64) (*Course, error) {
	row := st.db.QueryRowContext(ctx, `SELECT `+courseColumns+` FROM courses WHERE id = ?`, id)
	c, err := scanCourse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get course %d: %w", id, err)
	}
	return c, nil
}

// ListCourses returns the courses authored by userID ordered by id.
func (st *Store) ListCourses(ctx context.Context, userID int64) ([]Course, error) {
	rows, err := st.db.QueryContext(ctx, `SELECT `+courseColumns+` FROM courses WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	defer rows.Close()
	var out []Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan course: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteCourse deletes a course together with its lessons.
func (st *Store) DeleteCourse(ctx context.Context, id int64) error {
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM courses WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireAffected(res, "course", id)
	})
	return wrapErr("delete course", err)
}

// CreateLesson inserts a lesson and returns its id. A parent lesson must
// belong to the same course. A lesson title already used in the course
// yields an error matching ErrDuplicate.
func (st *Store) CreateLesson(ctx context.Context, l Lesson) (int64, error) {
	l.Title = strings.TrimSpace(l.Title)
	if err := validateInput("create lesson", l); err != nil {
		return 0, err
	}
	tags, err := encodeTags(l.Tags)
	if err != nil {
		return 0, fmt.Errorf("create lesson: %w", err)
	}
	var id int64
	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		if l.ParentLessonID != nil {
			if err := checkParentLesson(ctx, tx, *l.ParentLessonID, l.CourseID); err != nil {
				return err
			}
		}
		return tx.QueryRowContext(ctx, `
			INSERT INTO lessons (user_id, course_id, parent_lesson_id, title, description, text, source_link, tags, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			l.UserID, l.CourseID, nullableInt64(l.ParentLessonID), l.Title,
			nullableString(l.Description), nullableString(l.Text), nullableString(l.SourceLink), tags, st.timestamp(),
		).Scan(&id)
	})
	if err != nil {
		return 0, wrapErr("create lesson", err)
	}
	st.log.Debug("lesson created", "id", id, "course_id", l.CourseID)
	return id, nil
}

func checkParentLesson(ctx context.Context, ex DBExecutor, parentID, courseID int64) error {
	var parentCourse int64
	err := ex.QueryRowContext(ctx, `SELECT course_id FROM lessons WHERE id = ?`, parentID).Scan(&parentCourse)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: parent lesson %d does not exist", ErrInvalidInput, parentID)
	}
	if err != nil {
		return err
	}
	if parentCourse != courseID {
		return fmt.Errorf("%w: parent lesson %d belongs to course %d, not %d", ErrInvalidInput, parentID, parentCourse, courseID)
	}
	return nil
}

// GetLesson returns lesson id, or nil.
func (st *Store) GetLesson(ctx context.Context, id int64) (*Lesson, error) {
	row := st.db.QueryRowContext(ctx, `SELECT `+lessonColumns+` FROM lessons WHERE id = ?`, id)
	l, err := scanLesson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lesson %d: %w", id, err)
	}
	return l, nil
}

// ListLessons returns every lesson of a course, nested ones included, as a
// flat list ordered by id. ParentLessonID carries the structure; see
// BuildLessonTree.
func (st *Store) ListLessons(ctx context.Context, courseID int64) ([]Lesson, error) {
	rows, err := st.db.QueryContext(ctx, `SELECT `+lessonColumns+` FROM lessons WHERE course_id = ? ORDER BY id`, courseID)
	if err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	defer rows.Close()
	var out []Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lesson: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// DeleteLesson deletes a lesson. Its children become root lessons.
func (st *Store) DeleteLesson(ctx context.Context, id int64) error {
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM lessons WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireAffected(res, "lesson", id)
	})
	return wrapErr("delete lesson", err)
}

// BuildLessonTree nests a flat lesson list by ParentLessonID. Lessons whose
// parent is absent from the list are returned as roots. Input order is kept
// among siblings.
func BuildLessonTree(lessons []Lesson) []*LessonNode {
	nodes := make(map[int64]*LessonNode, len(lessons))
	for _, l := range lessons {
		nodes[l.ID] = &LessonNode{Lesson: l}
	}
	var roots []*LessonNode
	for _, l := range lessons {
		n := nodes[l.ID]
		if l.ParentLessonID != nil {
			if parent, ok := nodes[*l.ParentLessonID]; ok && parent != n {
				parent.Children = append(parent.Children, n)
				continue
			}
		}
		roots = append(roots, n)
	}
	return roots
}

func scanCourse(r rowScanner) (*Course, error) {
	var c Course
	var desc, link, tags sql.NullString
	if err := r.Scan(&c.ID, &c.UserID, &c.TargetLanguage, &c.Title, &desc, &link, &tags, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Description = desc.String
	c.SourceLink = link.String
	t, err := decodeTags(tags)
	if err != nil {
		return nil, err
	}
	c.Tags = t
	return &c, nil
}

func scanLesson(r rowScanner) (*Lesson, error) {
	var l Lesson
	var parent sql.NullInt64
	var desc, text, link, tags sql.NullString
	if err := r.Scan(&l.ID, &l.UserID, &l.CourseID, &parent, &l.Title, &desc, &text, &link, &tags, &l.CreatedAt); err != nil {
		return nil, err
	}
	if parent.Valid {
		p := parent.Int64
		l.ParentLessonID = &p
	}
	l.Description = desc.String
	l.Text = text.String
	l.SourceLink = link.String
	t, err := decodeTags(tags)
	if err != nil {
		return nil, err
	}
	l.Tags = t
	return &l, nil
}

// encodeTags stores tags as a JSON array; no tags is NULL.
func encodeTags(tags []string) (interface{}, error) {
	var clean []string
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	if len(clean) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	return string(b), nil
}

func decodeTags(ns sql.NullString) ([]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(ns.String), &tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return tags, nil
}
