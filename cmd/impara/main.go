package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/japaniel/impara/pkg/article"
	"github.com/japaniel/impara/pkg/config"
	"github.com/japaniel/impara/pkg/db"
	"github.com/japaniel/impara/pkg/dictionary"
	"github.com/japaniel/impara/pkg/ingest"
	"github.com/japaniel/impara/pkg/logger"
	"github.com/japaniel/impara/pkg/normalize"
	"github.com/japaniel/impara/pkg/settings"
)

// configuredDict is the --import-dict value when the flag is given without a path.
const configuredDict = "@dict.path"

var errRawQueryDisabled = errors.New("raw queries are disabled; set admin.raw_query to enable them")

func main() {
	// Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds what a single CLI invocation works with.
type app struct {
	cfg        *config.Config
	log        *logger.Logger
	store      *db.Store
	settings   *settings.Store
	fetcher    article.Fetcher
	downloader *dictionary.Downloader
	out        io.Writer
}

// hooks lets tests swap the network-facing collaborators.
type hooks struct {
	fetcher    article.Fetcher
	downloader *dictionary.Downloader
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	return runWith(ctx, args, stdout, stderr, hooks{})
}

func runWith(ctx context.Context, args []string, stdout, stderr io.Writer, h hooks) error {
	fs := pflag.NewFlagSet("impara", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.RegisterFlags(fs)
	importDict := fs.String("import-dict", "", "import a JMdict-simplified JSON file (defaults to dict.path)")
	fs.Lookup("import-dict").NoOptDefVal = configuredDict
	downloadDict := fs.Bool("download-dict", false, "download the dictionary first if it is missing")
	lessonURL := fs.String("import-lesson", "", "fetch a web page and store it as a lesson")
	userID := fs.Int64("user", 0, "owner user id for --import-lesson")
	courseID := fs.Int64("course", 0, "course id for --import-lesson")
	parentID := fs.Int64("parent", 0, "parent lesson id for --import-lesson")
	title := fs.String("title", "", "lesson title override for --import-lesson")
	query := fs.String("query", "", "run a read-only SQL statement (requires admin.raw_query)")
	search := fs.String("search", "", "search the dictionary, as lang:prefix")
	limit := fs.Int("limit", db.DefaultSearchLimit, "maximum search results")
	showSettings := fs.Bool("show-settings", false, "print the settings document")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()
	log.Info("starting impara", "config", cfg.Fields())

	sets := settings.New(cfg.Settings.Path, log)
	if _, err := sets.Load(); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	stopReload := reloadOnHangup(ctx, sets, log)
	defer stopReload()

	st, err := db.Open(ctx, cfg.DB.Path, db.WithLogger(log), db.WithNormalizer(normalize.NewJapanese()))
	if err != nil {
		return err
	}
	defer st.Close()

	a := &app{
		cfg:        cfg,
		log:        log,
		store:      st,
		settings:   sets,
		fetcher:    h.fetcher,
		downloader: h.downloader,
		out:        stdout,
	}
	if a.fetcher == nil {
		a.fetcher = article.NewHTTPFetcher()
	}
	if a.downloader == nil {
		a.downloader = dictionary.NewDownloader(log)
	}

	switch {
	case *importDict != "" || *downloadDict:
		path := *importDict
		if path == "" || path == configuredDict {
			path = cfg.Dict.Path
		}
		return a.importDictionary(ctx, path, *downloadDict)
	case *lessonURL != "":
		in := article.LessonImport{URL: *lessonURL, UserID: *userID, CourseID: *courseID, Title: *title}
		if *parentID > 0 {
			in.ParentLessonID = parentID
		}
		return a.importLesson(ctx, in)
	case *query != "":
		return a.rawQuery(ctx, *query)
	case *search != "":
		return a.search(ctx, *search, *limit)
	case *showSettings:
		return a.printJSON(logger.Redact(sets.Snapshot()))
	default:
		return a.summary(ctx)
	}
}

// reloadOnHangup reloads the settings document on SIGHUP until ctx ends or
// the returned stop function is called.
func reloadOnHangup(ctx context.Context, sets *settings.Store, log *logger.Logger) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				if _, err := sets.Load(); err != nil {
					log.Error("settings reload failed", "error", err)
					continue
				}
				log.Info("settings reloaded", "path", sets.Path())
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func (a *app) importDictionary(ctx context.Context, path string, download bool) error {
	if download {
		if err := a.downloader.Ensure(ctx, path); err != nil {
			return fmt.Errorf("download dictionary: %w", err)
		}
	}

	start := time.Now()
	entries, err := dictionary.LoadJMdictSimplified(path)
	if err != nil {
		return fmt.Errorf("load dictionary: %w", err)
	}
	records := dictionary.ToRecords(entries)
	a.log.Info("dictionary loaded", "path", path, "entries", len(entries), "records", len(records), "elapsed", time.Since(start))

	im := ingest.NewImporter(a.store, nil)
	im.Workers = a.cfg.Import.Workers
	im.BatchSize = a.cfg.Import.BatchSize
	im.Logger = a.log
	im.OnProgress = func(current, total int) {
		a.log.Debug("import progress", "current", current, "total", total)
	}
	stats, err := im.Import(ctx, records)
	if err != nil {
		return fmt.Errorf("import dictionary: %w", err)
	}
	return a.printJSON(stats)
}

type lessonResult struct {
	LessonID int64  `json:"lesson_id"`
	Title    string `json:"title"`
	Byline   string `json:"byline,omitempty"`
	SiteName string `json:"site_name,omitempty"`
	Chars    int    `json:"chars"`
}

func (a *app) importLesson(ctx context.Context, in article.LessonImport) error {
	if in.UserID <= 0 || in.CourseID <= 0 {
		return fmt.Errorf("--import-lesson needs --user and --course")
	}
	id, art, err := article.ImportLesson(ctx, a.store, a.fetcher, in)
	if err != nil {
		return err
	}
	l, err := a.store.GetLesson(ctx, id)
	if err != nil {
		return err
	}
	if err := a.store.TouchUser(ctx, in.UserID, time.Now()); err != nil {
		a.log.Warn("touch user failed", "user", in.UserID, "error", err)
	}
	a.log.Info("lesson imported", "lesson", id, "url", in.URL)
	return a.printJSON(lessonResult{
		LessonID: id,
		Title:    l.Title,
		Byline:   art.Byline,
		SiteName: art.SiteName,
		Chars:    len([]rune(l.Text)),
	})
}

func (a *app) rawQuery(ctx context.Context, q string) error {
	if !a.cfg.Admin.RawQuery {
		return errRawQueryDisabled
	}
	res, err := a.store.RawSelect(ctx, q)
	if err != nil {
		return err
	}
	return a.printJSON(res)
}

func (a *app) search(ctx context.Context, arg string, limit int) error {
	lang, prefix, ok := strings.Cut(arg, ":")
	if !ok || strings.TrimSpace(lang) == "" {
		return fmt.Errorf("--search wants lang:prefix, got %q", arg)
	}
	entries, err := a.store.Search(ctx, lang, prefix, limit)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []db.DictEntry{}
	}
	return a.printJSON(entries)
}

type summary struct {
	Database      string `json:"database"`
	SchemaVersion int    `json:"schema_version"`
	Settings      string `json:"settings"`
	Users         int    `json:"users"`
	Languages     int    `json:"languages"`
}

func (a *app) summary(ctx context.Context) error {
	users, err := a.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	langs, err := a.store.ListLanguageRefs(ctx)
	if err != nil {
		return err
	}
	version, err := a.store.SchemaVersionOf(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(summary{
		Database:      a.store.Path(),
		SchemaVersion: version,
		Settings:      a.settings.Path(),
		Users:         users,
		Languages:     len(langs),
	})
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
