package db

import "time"

// User is an application user. Email, Bio and AvatarPath are optional and
// empty when unset.
type User struct {
	ID           int64
	DisplayName  string
	Email        string
	Bio          string
	AvatarPath   string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// UserCreate holds the caller-supplied fields of a new user. Timestamps are
// assigned by the store.
type UserCreate struct {
	DisplayName string `validate:"required,max=100"`
	Email       string `validate:"omitempty,max=254"`
	Bio         string `validate:"max=2000"`
	AvatarPath  string `validate:"max=1024"`
}

// UserUpdate replaces the mutable fields of an existing user.
type UserUpdate UserCreate

// LanguagePair is a (source, target) language a user is enrolled in.
type LanguagePair struct {
	ID             int64
	UserID         int64
	SourceLanguage string
	TargetLanguage string
	CreatedAt      time.Time
}

// LanguageCreate enrolls a user in a language pair.
type LanguageCreate struct {
	UserID         int64  `validate:"required,gt=0"`
	SourceLanguage string `validate:"required,max=16"`
	TargetLanguage string `validate:"required,max=16"`
}

// LanguageRef is a row of the static language reference table.
type LanguageRef struct {
	Code string
	Name string
}

// Course is a user-authored course in a target language.
type Course struct {
	ID             int64
	UserID         int64  `validate:"required,gt=0"`
	TargetLanguage string `validate:"required,max=16"`
	Title          string `validate:"required,max=200"`
	Description    string
	SourceLink     string `validate:"max=2048"`
	Tags           []string
	CreatedAt      time.Time
}

// Lesson belongs to a course and optionally nests under another lesson of
// the same course.
type Lesson struct {
	ID             int64
	UserID         int64 `validate:"required,gt=0"`
	CourseID       int64 `validate:"required,gt=0"`
	ParentLessonID *int64
	Title          string `validate:"required,max=200"`
	Description    string
	Text           string
	SourceLink     string `validate:"max=2048"`
	Tags           []string
	CreatedAt      time.Time
}

// LessonNode is a lesson with its nested children.
type LessonNode struct {
	Lesson
	Children []*LessonNode
}

// DictEntry is a lemma in one language.
type DictEntry struct {
	ID         int64
	Language   string
	Lemma      string
	Normalized string
	IPA        string
	CreatedAt  time.Time
}

// EntryInput describes an entry to upsert. When Normalized is empty the
// store derives it from Lemma.
type EntryInput struct {
	Language   string `validate:"required,max=16"`
	Lemma      string `validate:"required,max=512"`
	Normalized string
	IPA        string
}

// DictSense is one meaning of an entry.
type DictSense struct {
	ID      int64
	EntryID int64
	POS     string
	Gloss   string
	Note    string
	Order   int
}

// SenseInput describes a sense. Order <= 0 appends after the last sense.
type SenseInput struct {
	POS   string
	Gloss string
	Note  string
	Order int
}

// DictTranslation renders a sense in a target language.
type DictTranslation struct {
	ID             int64
	SenseID        int64
	TargetLanguage string
	Translation    string
	Note           string
}

// TranslationInput describes a translation of a sense.
type TranslationInput struct {
	TargetLanguage string `validate:"required,max=16"`
	Translation    string `validate:"required"`
	Note           string
}

// DictExample is an example sentence for a sense.
type DictExample struct {
	ID          int64
	SenseID     int64
	Example     string
	Translation string
	Source      string
}

// ExampleInput describes an example sentence.
type ExampleInput struct {
	Example     string `validate:"required"`
	Translation string
	Source      string
}

// SenseDetail is a sense with its translations and examples.
type SenseDetail struct {
	DictSense
	Translations []DictTranslation
	Examples     []DictExample
}

// EntryDetail is an entry with its full sense hierarchy.
type EntryDetail struct {
	DictEntry
	Senses []SenseDetail
}

// UserSenseState is the review state of one sense for one user. SRSLevel and
// NextDueAt are stored but not advanced by the store.
type UserSenseState struct {
	UserID     int64
	SenseID    int64
	SRSLevel   int
	LastSeenAt *time.Time
	NextDueAt  *time.Time
}

// QueryResult is the tabular result of RawSelect.
type QueryResult struct {
	SQL     string                   `json:"sql"`
	Columns []string                 `json:"columns"`
	Rows    []map[string]interface{} `json:"data"`
}
