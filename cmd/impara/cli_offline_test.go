package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/japaniel/impara/pkg/db"
	"github.com/japaniel/impara/pkg/dictionary"
	"github.com/japaniel/impara/pkg/ingest"
	"github.com/japaniel/impara/pkg/settings"
)

const cliDict = `{"words":[
  {"id":"1","kanji":[{"text":"犬","common":true}],"kana":[{"text":"いぬ","common":true}],
   "sense":[{"gloss":[{"text":"dog"}],"partOfSpeech":["n"]}]},
  {"id":"2","kanji":[{"text":"走る","common":true}],"kana":[{"text":"はしる","common":true}],
   "sense":[{"gloss":[{"text":"to run"},{"text":"laufen","lang":"ger"}],"partOfSpeech":["v5r"]},
            {"gloss":[{"text":"to travel"}],"partOfSpeech":["v5r"]}]}
]}`

const cliPage = `<html><head><title>走る犬</title></head><body>
<article>
<h1>走る犬</h1>
<p>朝、<ruby>犬<rt>いぬ</rt></ruby>が公園を走っていた。とても楽しそうだった。飼い主は後ろからゆっくり歩いていた。</p>
<p>犬は何度も振り返って、飼い主を待った。公園の木々は秋の色に変わり始めていた。風は少し冷たかったが、空は青く晴れていた。</p>
<p>しばらくすると、犬は池のそばで立ち止まった。水の中には小さな魚が泳いでいた。犬はじっと魚を見つめていた。</p>
</article></body></html>`

type cliEnv struct {
	dir    string
	dbPath string
	sets   string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	return &cliEnv{
		dir:    dir,
		dbPath: filepath.Join(dir, "data", "impara.db"),
		sets:   filepath.Join(dir, "settings.json"),
	}
}

// run executes the CLI in-process and returns what it printed on stdout.
func (e *cliEnv) run(t *testing.T, h hooks, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	base := []string{"--db.path", e.dbPath, "--settings.path", e.sets, "--log.mode", "prod"}
	var stdout bytes.Buffer
	err := runWith(ctx, append(base, args...), &stdout, io.Discard, h)
	return stdout.String(), err
}

func (e *cliEnv) mustRun(t *testing.T, h hooks, args ...string) string {
	t.Helper()
	out, err := e.run(t, h, args...)
	require.NoError(t, err, "output:\n%s", out)
	return out
}

func TestCLISummary(t *testing.T) {
	e := newCLIEnv(t)
	var got summary
	require.NoError(t, json.Unmarshal([]byte(e.mustRun(t, hooks{})), &got))

	assert.Equal(t, e.dbPath, got.Database)
	assert.Equal(t, db.SchemaVersion, got.SchemaVersion)
	assert.Equal(t, 0, got.Users)
	assert.Equal(t, 45, got.Languages)

	_, err := os.Stat(e.sets)
	assert.NoError(t, err, "settings file is created on first run")
}

func TestCLIShowSettingsRedactsKey(t *testing.T) {
	e := newCLIEnv(t)
	require.NoError(t, os.WriteFile(e.sets, []byte(`{"openAiKey":"sk-secret","port":8080}`), 0o644))

	out := e.mustRun(t, hooks{}, "--show-settings")
	assert.NotContains(t, out, "sk-secret")

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "[REDACTED]", doc[settings.KeyOpenAIKey])
	assert.Equal(t, "gpt-3.5-turbo", doc[settings.KeyOpenAIModel])
	assert.Equal(t, float64(8080), doc[settings.KeyPort])
}

func TestCLIImportDictionaryAndSearch(t *testing.T) {
	e := newCLIEnv(t)
	dictPath := filepath.Join(e.dir, "dict.json")
	require.NoError(t, os.WriteFile(dictPath, []byte(cliDict), 0o644))

	var stats ingest.Stats
	require.NoError(t, json.Unmarshal([]byte(e.mustRun(t, hooks{}, "--import-dict", dictPath)), &stats))
	assert.Equal(t, ingest.Stats{Entries: 2, Senses: 3, Translations: 4}, stats)

	// Without a value the configured dictionary path is used; re-import is a no-op.
	out := e.mustRun(t, hooks{}, "--dict.path", dictPath, "--import-dict")
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 2, stats.Entries)

	var entries []db.DictEntry
	require.NoError(t, json.Unmarshal([]byte(e.mustRun(t, hooks{}, "--search", "ja:走")), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "走る", entries[0].Lemma)
	assert.Equal(t, "はしる", entries[0].Normalized)

	require.NoError(t, json.Unmarshal([]byte(e.mustRun(t, hooks{}, "--search", "ja:zzz")), &entries))
	assert.Empty(t, entries)

	_, err := e.run(t, hooks{}, "--search", "nolang")
	assert.Error(t, err)
}

func TestCLIDownloadDictionary(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(cliDict))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/repos/scriptin/jmdict-simplified/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"assets":[{"name":"jmdict-eng-common-3.6.1.json.gz","browser_download_url":"%s/assets/jmdict-eng-common-3.6.1.json.gz"}]}`, srv.URL)
	})
	mux.HandleFunc("/assets/", func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	e := newCLIEnv(t)
	dictPath := filepath.Join(e.dir, "data", dictionary.DefaultFileName)
	h := hooks{downloader: &dictionary.Downloader{APIBase: srv.URL, Client: srv.Client()}}

	var stats ingest.Stats
	require.NoError(t, json.Unmarshal([]byte(e.mustRun(t, h, "--dict.path", dictPath, "--download-dict")), &stats))
	assert.Equal(t, 2, stats.Entries)
	_, err = os.Stat(dictPath)
	assert.NoError(t, err)
}

func TestCLIRawQueryRequiresAdmin(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run(t, hooks{}, "--query", "SELECT COUNT(*) AS n FROM languages")
	assert.ErrorIs(t, err, errRawQueryDisabled)

	out := e.mustRun(t, hooks{}, "--admin.raw_query", "--query", "SELECT COUNT(*) AS n FROM languages")
	var res db.QueryResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, []string{"n"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, float64(45), res.Rows[0]["n"])

	_, err = e.run(t, hooks{}, "--admin.raw_query", "--query", "DELETE FROM languages")
	assert.ErrorIs(t, err, db.ErrReadOnlyQuery)
}

func TestCLIImportLessonOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(cliPage))
	}))
	defer srv.Close()

	e := newCLIEnv(t)
	ctx := context.Background()
	st, err := db.Open(ctx, e.dbPath)
	require.NoError(t, err)
	userID, err := st.CreateUser(ctx, db.UserCreate{DisplayName: "reader"})
	require.NoError(t, err)
	courseID, err := st.CreateCourse(ctx, db.Course{UserID: userID, TargetLanguage: "ja", Title: "読み物"})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = e.run(t, hooks{}, "--import-lesson", srv.URL)
	assert.Error(t, err, "user and course are required")

	out := e.mustRun(t, hooks{}, "--import-lesson", srv.URL,
		"--user", fmt.Sprint(userID), "--course", fmt.Sprint(courseID))
	var res lessonResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Positive(t, res.LessonID)
	assert.Contains(t, res.Title, "走る犬")
	assert.Positive(t, res.Chars)

	st, err = db.Open(ctx, e.dbPath)
	require.NoError(t, err)
	defer st.Close()
	lessons, err := st.ListLessons(ctx, courseID)
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.Equal(t, srv.URL, lessons[0].SourceLink)
	assert.NotContains(t, lessons[0].Text, "いぬ")

	u, err := st.GetUser(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.False(t, u.LastActiveAt.Before(u.CreatedAt))
}
