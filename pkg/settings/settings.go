// Package settings persists the application settings document, a flat JSON
// object on disk that always carries the recognized keys.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/japaniel/impara/pkg/logger"
)

// Recognized keys.
const (
	KeyOpenAIKey           = "openAiKey"
	KeyOpenAIModel         = "openAiModel"
	KeyOpenAITemperature   = "openAiTemperature"
	KeyOpenAISystemContent = "openAiSystemContent"
	KeyOpenAIUserContent   = "openAiUserContent"
	KeyCreated             = "created"
	KeyPort                = "port"
)

type defaultEntry struct {
	key   string
	value interface{}
}

// defaults are applied in order; only keys missing from a document are added.
var defaults = []defaultEntry{
	{KeyOpenAIKey, nil},
	{KeyOpenAIModel, "gpt-3.5-turbo"},
	{KeyOpenAITemperature, 0.7},
	{KeyOpenAISystemContent, ""},
	{KeyOpenAIUserContent, ""},
}

// Settings is the flat key/value settings document.
type Settings map[string]interface{}

// Clone returns a shallow copy.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// OpenAIConfig is the typed view of the openAi* keys.
type OpenAIConfig struct {
	Key           string
	Model         string
	Temperature   float64
	SystemContent string
	UserContent   string
}

// OpenAI returns the typed OpenAI configuration. Values of the wrong type fall
// back to the defaults.
func (s Settings) OpenAI() OpenAIConfig {
	cfg := OpenAIConfig{Model: "gpt-3.5-turbo", Temperature: 0.7}
	if v, ok := s[KeyOpenAIKey].(string); ok {
		cfg.Key = v
	}
	if v, ok := s[KeyOpenAIModel].(string); ok && v != "" {
		cfg.Model = v
	}
	switch v := s[KeyOpenAITemperature].(type) {
	case float64:
		cfg.Temperature = v
	case int64:
		cfg.Temperature = float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			cfg.Temperature = f
		}
	}
	if v, ok := s[KeyOpenAISystemContent].(string); ok {
		cfg.SystemContent = v
	}
	if v, ok := s[KeyOpenAIUserContent].(string); ok {
		cfg.UserContent = v
	}
	return cfg
}

// Port returns the "port" key as an int, or def when absent or not a number.
func (s Settings) Port(def int) int {
	switch v := s[KeyPort].(type) {
	case float64:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// Canonical returns doc with every value in the form a JSON round trip
// produces: integral numbers become int64, other numbers float64, nested
// objects map[string]interface{}. A document saved and loaded again compares
// equal to its canonical form.
func Canonical(doc Settings) (Settings, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	return decode(data)
}

func decode(data []byte) (Settings, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Settings
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after settings object")
	}
	for k, v := range doc {
		doc[k] = fromNumbers(v)
	}
	return doc, nil
}

func fromNumbers(v interface{}) interface{} {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		f, _ := v.Float64()
		return f
	case map[string]interface{}:
		for k, e := range v {
			v[k] = fromNumbers(e)
		}
		return v
	case []interface{}:
		for i, e := range v {
			v[i] = fromNumbers(e)
		}
		return v
	}
	return v
}

// Reconcile inserts every recognized key missing from doc with its default
// value. Existing keys are never overwritten. doc is modified in place and
// returned; a nil doc yields a new document.
func Reconcile(doc Settings) Settings {
	if doc == nil {
		doc = Settings{}
	}
	for _, d := range defaults {
		if _, ok := doc[d.key]; !ok {
			doc[d.key] = d.value
		}
	}
	return doc
}

// Store owns the settings file at a fixed path together with the most
// recently loaded document.
type Store struct {
	path string
	log  *logger.Logger
	now  func() time.Time

	fileMu sync.Mutex
	mu     sync.RWMutex
	cur    Settings
}

// New returns a Store for path. Nothing is read until Load is called.
func New(path string, log *logger.Logger) *Store {
	return &Store{
		path: path,
		log:  logger.OrNop(log).With("component", "settings"),
		now:  time.Now,
	}
}

// Path returns the backing file path.
func (st *Store) Path() string { return st.path }

// Load reads the settings file and reconciles it with the defaults. When the
// file does not exist a new document {created: now} is written first.
func (st *Store) Load() (Settings, error) {
	st.fileMu.Lock()
	defer st.fileMu.Unlock()

	doc, err := st.read()
	if errors.Is(err, fs.ErrNotExist) {
		doc = Reconcile(Settings{KeyCreated: st.now().Format(time.RFC3339)})
		if err := st.write(doc); err != nil {
			return nil, err
		}
		st.log.Info("created settings file", "path", st.path)
	} else if err != nil {
		return nil, err
	} else {
		doc = Reconcile(doc)
	}

	st.remember(doc)
	return doc.Clone(), nil
}

// Save reconciles doc and replaces the whole file with it. The remembered
// copy is the canonical form of doc, so Snapshot and a later Load agree.
func (st *Store) Save(doc Settings) error {
	doc, err := Canonical(Reconcile(doc.Clone()))
	if err != nil {
		return err
	}

	st.fileMu.Lock()
	defer st.fileMu.Unlock()
	if err := st.write(doc); err != nil {
		return err
	}
	st.remember(doc)
	st.log.Debug("saved settings", "path", st.path, "keys", len(doc))
	return nil
}

// Get reloads the document from disk and returns the value for key. ok is
// false when the key is missing or the load fails.
func (st *Store) Get(key string) (value interface{}, ok bool) {
	doc, err := st.Load()
	if err != nil {
		st.log.Warn("settings lookup failed", "key", key, "error", err)
		return nil, false
	}
	value, ok = doc[key]
	return value, ok
}

// Snapshot returns a copy of the last loaded or saved document without
// touching the file. It is empty before the first Load.
func (st *Store) Snapshot() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.cur == nil {
		return Settings{}
	}
	return st.cur.Clone()
}

func (st *Store) remember(doc Settings) {
	st.mu.Lock()
	st.cur = doc.Clone()
	st.mu.Unlock()
}

func (st *Store) read() (Settings, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		return nil, err
	}
	doc, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", st.path, err)
	}
	return doc, nil
}

// write replaces the file through a temp file in the same directory so a
// failed write leaves the previous document intact.
func (st *Store) write(doc Settings) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	data = append(bytes.TrimSpace(data), '\n')

	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp settings: %w", err)
	}
	if err := os.Rename(tmpName, st.path); err != nil {
		return fmt.Errorf("replace settings %s: %w", st.path, err)
	}
	return nil
}
