package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCourse(t *testing.T, st *Store, title string) (userID, courseID int64) {
	t.Helper()
	ctx := context.Background()
	u, err := st.GetUserByName(ctx, "author")
	require.NoError(t, err)
	if u == nil {
		userID, err = st.CreateUser(ctx, UserCreate{DisplayName: "author"})
		require.NoError(t, err)
	} else {
		userID = u.ID
	}
	courseID, err = st.CreateCourse(ctx, Course{UserID: userID, TargetLanguage: "ja", Title: title})
	require.NoError(t, err)
	return userID, courseID
}

func TestCreateCourse(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	uid, cid := setupCourse(t, st, "Kana")

	c, err := st.GetCourse(ctx, cid)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uid, c.UserID)
	assert.Equal(t, "ja", c.TargetLanguage)
	assert.Nil(t, c.Tags)

	_, err = st.CreateCourse(ctx, Course{UserID: uid, TargetLanguage: "JA", Title: "Kana"})
	assert.ErrorIs(t, err, ErrDuplicate)

	// Same title in another target language is allowed.
	_, err = st.CreateCourse(ctx, Course{UserID: uid, TargetLanguage: "it", Title: "Kana", Tags: []string{"script", " "}})
	require.NoError(t, err)

	courses, err := st.ListCourses(ctx, uid)
	require.NoError(t, err)
	require.Len(t, courses, 2)
	assert.Equal(t, []string{"script"}, courses[1].Tags)

	_, err = st.CreateCourse(ctx, Course{UserID: uid + 9, TargetLanguage: "ja", Title: "Orphan"})
	assert.ErrorIs(t, err, ErrForeignKey)

	missing, err := st.GetCourse(ctx, cid+100)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLessonTitleUniquePerCourse(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	uid, c1 := setupCourse(t, st, "One")
	_, c2 := setupCourse(t, st, "Two")

	_, err := st.CreateLesson(ctx, Lesson{UserID: uid, CourseID: c1, Title: "Intro"})
	require.NoError(t, err)

	_, err = st.CreateLesson(ctx, Lesson{UserID: uid, CourseID: c1, Title: "Intro"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = st.CreateLesson(ctx, Lesson{UserID: uid, CourseID: c2, Title: "Intro"})
	require.NoError(t, err)

	_, err = st.CreateLesson(ctx, Lesson{UserID: uid, CourseID: c2 + 100, Title: "Nowhere"})
	assert.ErrorIs(t, err, ErrForeignKey)
}

func TestLessonParentMustShareCourse(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	uid, c1 := setupCourse(t, st, "One")
	_, c2 := setupCourse(t, st, "Two")

	parent, err := st.CreateLesson(ctx, Lesson{UserID: uid, CourseID: c1, Title: "Chapter 1"})
	require.NoError(t, err)

	child, err := st.CreateLesson(ctx, Lesson{UserID: uid, CourseID: c1, Title: "Section 1.1", ParentLessonID: &parent})
	require.NoError(t, err)

	l, err := st.GetLesson(ctx, child)
	require.NoError(t, err)
	require.NotNil(t, l.ParentLessonID)
	assert.Equal(t, parent, *l.ParentLessonID)

	_, err = st.CreateLesson(ctx, Lesson{UserID: uid, CourseID: c2, Title: "Stray", ParentLessonID: &parent})
	assert.ErrorIs(t, err, ErrInvalidInput)

	ghost := parent + 1000
	_, err = st.CreateLesson(ctx, Lesson{UserID: uid, CourseID: c1, Title: "Lost", ParentLessonID: &ghost})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeleteLessonDetachesChildren(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	uid, cid := setupCourse(t, st, "Tree")

	parent, err := st.CreateLesson(ctx, Lesson{UserID: uid, CourseID: cid, Title: "Parent"})
	require.NoError(t, err)
	child, err := st.CreateLesson(ctx, Lesson{UserID: uid, CourseID: cid, Title: "Child", ParentLessonID: &parent})
	require.NoError(t, err)

	require.NoError(t, st.DeleteLesson(ctx, parent))
	assert.ErrorIs(t, st.DeleteLesson(ctx, parent), ErrNotFound)

	l, err := st.GetLesson(ctx, child)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Nil(t, l.ParentLessonID)
}

func TestListLessonsAndTree(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	uid, cid := setupCourse(t, st, "Grammar")

	a, err := st.CreateLesson(ctx, Lesson{UserID: uid, CourseID: cid, Title: "A", Tags: []string{"n5"}})
	require.NoError(t, err)
	b, err := st.CreateLesson(ctx, Lesson{UserID: uid, CourseID: cid, Title: "B"})
	require.NoError(t, err)
	a1, err := st.CreateLesson(ctx, Lesson{UserID: uid, CourseID: cid, Title: "A.1", ParentLessonID: &a})
	require.NoError(t, err)
	a1x, err := st.CreateLesson(ctx, Lesson{UserID: uid, CourseID: cid, Title: "A.1.x", ParentLessonID: &a1})
	require.NoError(t, err)

	lessons, err := st.ListLessons(ctx, cid)
	require.NoError(t, err)
	require.Len(t, lessons, 4)
	assert.Equal(t, []string{"n5"}, lessons[0].Tags)

	roots := BuildLessonTree(lessons)
	require.Len(t, roots, 2)
	assert.Equal(t, a, roots[0].ID)
	assert.Equal(t, b, roots[1].ID)
	require.Len(t, roots[0].Children, 1)
	assert.Equal(t, a1, roots[0].Children[0].ID)
	require.Len(t, roots[0].Children[0].Children, 1)
	assert.Equal(t, a1x, roots[0].Children[0].Children[0].ID)
}

func TestBuildLessonTreeMissingParent(t *testing.T) {
	gone := int64(99)
	roots := BuildLessonTree([]Lesson{
		{ID: 1, Title: "orphan", ParentLessonID: &gone},
		{ID: 2, Title: "root"},
	})
	require.Len(t, roots, 2)
	assert.Equal(t, int64(1), roots[0].ID)
	assert.Empty(t, BuildLessonTree(nil))
}

func TestDeleteCourseRemovesLessons(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	uid, cid := setupCourse(t, st, "Temp")
	_, keep := setupCourse(t, st, "Keep")

	_, err := st.CreateLesson(ctx, Lesson{UserID: uid, CourseID: cid, Title: "x"})
	require.NoError(t, err)
	_, err = st.CreateLesson(ctx, Lesson{UserID: uid, CourseID: keep, Title: "y"})
	require.NoError(t, err)

	require.NoError(t, st.DeleteCourse(ctx, cid))
	assert.ErrorIs(t, st.DeleteCourse(ctx, cid), ErrNotFound)
	assert.Equal(t, 1, countRows(t, st, "lessons"))
}
