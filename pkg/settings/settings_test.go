package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	return New(path, nil), path
}

func readRaw(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestLoadCreatesFileWithDefaults(t *testing.T) {
	st, path := newTestStore(t)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return fixed }

	doc, err := st.Load()
	require.NoError(t, err)

	assert.Equal(t, fixed.Format(time.RFC3339), doc[KeyCreated])
	for _, d := range defaults {
		v, ok := doc[d.key]
		require.True(t, ok, "missing %s", d.key)
		assert.Equal(t, d.value, v)
	}

	onDisk := readRaw(t, path)
	assert.Len(t, onDisk, len(defaults)+1)
	assert.Contains(t, onDisk, KeyOpenAIKey)
	assert.Nil(t, onDisk[KeyOpenAIKey])
}

func TestLoadBackfillsWithoutOverwriting(t *testing.T) {
	st, path := newTestStore(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"port": 9999, "openAiModel": "gpt-4"}`), 0o644))

	doc, err := st.Load()
	require.NoError(t, err)

	assert.Equal(t, int64(9999), doc[KeyPort])
	assert.Equal(t, "gpt-4", doc[KeyOpenAIModel])
	assert.Equal(t, 0.7, doc[KeyOpenAITemperature])
	assert.Equal(t, "", doc[KeyOpenAISystemContent])
	assert.Equal(t, "", doc[KeyOpenAIUserContent])
	assert.Contains(t, doc, KeyOpenAIKey)
	assert.Equal(t, 9999, doc.Port(7000))
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	st, path := newTestStore(t)
	in := Settings{"port": float64(7000), "openAiKey": "sk-test", "custom": "x"}

	require.NoError(t, st.Save(in))
	out, err := st.Load()
	require.NoError(t, err)

	want, err := Canonical(Reconcile(in.Clone()))
	require.NoError(t, err)
	assert.Equal(t, want, out)
	assert.Equal(t, int64(7000), out[KeyPort])
	assert.Equal(t, "sk-test", readRaw(t, path)[KeyOpenAIKey])
	// Save must not mutate the caller's document.
	assert.Len(t, in, 3)
}

func TestSaveThenLoadKeepsNumberTypes(t *testing.T) {
	st, _ := newTestStore(t)
	in := Settings{
		"port":   9999,
		"big":    int64(9007199254740993),
		"ratio":  0.25,
		"whole":  2.0,
		"nested": map[string]interface{}{"n": 3, "list": []interface{}{1, 1.5}},
	}

	require.NoError(t, st.Save(in))
	snap := st.Snapshot()
	loaded, err := st.Load()
	require.NoError(t, err)

	assert.Equal(t, snap, loaded)
	assert.Equal(t, int64(9999), loaded[KeyPort])
	assert.Equal(t, int64(9007199254740993), loaded["big"])
	assert.Equal(t, 0.25, loaded["ratio"])
	assert.Equal(t, int64(2), loaded["whole"])
	assert.Equal(t, map[string]interface{}{"n": int64(3), "list": []interface{}{int64(1), 1.5}}, loaded["nested"])
	assert.Equal(t, 9999, loaded.Port(0))

	// A second round trip changes nothing.
	require.NoError(t, st.Save(loaded))
	again, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, loaded, again)
}

func TestCanonical(t *testing.T) {
	doc, err := Canonical(Settings{"port": 8080, "t": float32(0.5), "s": "x", "none": nil})
	require.NoError(t, err)
	assert.Equal(t, Settings{"port": int64(8080), "t": 0.5, "s": "x", "none": nil}, doc)

	cfg := Settings{KeyOpenAITemperature: int64(1), KeyPort: json.Number("7000")}
	assert.Equal(t, 1.0, cfg.OpenAI().Temperature)
	assert.Equal(t, 7000, cfg.Port(0))
}

func TestReconcileIdempotent(t *testing.T) {
	once := Reconcile(Settings{"port": float64(1)})
	twice := Reconcile(once.Clone())
	assert.Equal(t, once, twice)
	assert.Len(t, Reconcile(nil), len(defaults))
}

func TestGetReturnsAbsent(t *testing.T) {
	st, path := newTestStore(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"port": 8080}`), 0o644))

	v, ok := st.Get(KeyPort)
	assert.True(t, ok)
	assert.Equal(t, int64(8080), v)

	_, ok = st.Get("doesNotExist")
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
	_, ok = st.Get(KeyPort)
	assert.False(t, ok)
}

func TestCorruptFileIsNotOverwrittenByLoad(t *testing.T) {
	st, path := newTestStore(t)
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o644))

	_, err := st.Load()
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{broken`, string(data))
}

func TestSnapshotTracksLastLoad(t *testing.T) {
	st, _ := newTestStore(t)
	assert.Empty(t, st.Snapshot())

	require.NoError(t, st.Save(Settings{"port": float64(1234)}))
	snap := st.Snapshot()
	assert.Equal(t, 1234, snap.Port(0))

	snap["port"] = float64(1)
	assert.Equal(t, 1234, st.Snapshot().Port(0))
}

func TestOpenAIConfig(t *testing.T) {
	cfg := Reconcile(Settings{KeyOpenAIKey: "sk", KeyOpenAITemperature: 0.2}).OpenAI()
	assert.Equal(t, "sk", cfg.Key)
	assert.Equal(t, "gpt-3.5-turbo", cfg.Model)
	assert.Equal(t, 0.2, cfg.Temperature)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	st, path := newTestStore(t)
	require.NoError(t, st.Save(Settings{}))
	require.NoError(t, st.Save(Settings{"a": "b"}))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "settings.json", entries[0].Name())
}
