package article

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/japaniel/impara/pkg/db"
)

// LessonCreator is the part of *db.Store ImportLesson needs.
type LessonCreator interface {
	CreateLesson(ctx context.Context, l db.Lesson) (int64, error)
}

// LessonImport describes where an imported lesson goes. Title overrides the
// article title when set.
type LessonImport struct {
	URL            string
	UserID         int64
	CourseID       int64
	ParentLessonID *int64
	Title          string
	Tags           []string
}

// ImportLesson fetches in.URL, extracts its readable text and stores it as a
// lesson. It returns the new lesson id and the extracted article.
func ImportLesson(ctx context.Context, st LessonCreator, f Fetcher, in LessonImport) (int64, *Article, error) {
	if strings.TrimSpace(in.URL) == "" {
		return 0, nil, fmt.Errorf("import lesson: %w: empty url", db.ErrInvalidInput)
	}
	html, err := f.Fetch(ctx, in.URL)
	if err != nil {
		return 0, nil, fmt.Errorf("import lesson: %w", err)
	}
	a, err := Extract(html, in.URL)
	if err != nil {
		return 0, nil, fmt.Errorf("import lesson: %w", err)
	}
	if a.Text == "" {
		return 0, a, errors.New("import lesson: no readable text found")
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = clip(a.Title, MaxTitleRunes)
	}
	if title == "" {
		title = clip(in.URL, MaxTitleRunes)
	}
	var desc []string
	for _, s := range []string{a.Byline, a.SiteName} {
		if s != "" {
			desc = append(desc, s)
		}
	}

	id, err := st.CreateLesson(ctx, db.Lesson{
		UserID:         in.UserID,
		CourseID:       in.CourseID,
		ParentLessonID: in.ParentLessonID,
		Title:          title,
		Description:    strings.Join(desc, " / "),
		Text:           a.Text,
		SourceLink:     in.URL,
		Tags:           in.Tags,
	})
	if err != nil {
		return 0, a, err
	}
	return id, a, nil
}

// MaxTitleRunes caps a title taken from the page or its URL. An explicit
// LessonImport.Title is passed through as given.
const MaxTitleRunes = 200

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
