package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	fs.Bool("verbose", false, "unrelated command flag")
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(parse(t))
	require.NoError(t, err)

	assert.Equal(t, "data/impara.db", cfg.DB.Path)
	assert.Equal(t, "settings.json", cfg.Settings.Path)
	assert.Equal(t, "dev", cfg.Log.Mode)
	assert.Equal(t, "data/jmdict-eng-common.json", cfg.Dict.Path)
	assert.False(t, cfg.Admin.RawQuery)
	assert.Equal(t, 4, cfg.Import.Workers)
	assert.Equal(t, 200, cfg.Import.BatchSize)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "impara.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db:
  path: /from/file.db
log:
  mode: prod
import:
  workers: 2
  batch_size: 50
`), 0o644))

	t.Setenv("IMPARA_IMPORT_BATCH_SIZE", "75")
	t.Setenv("IMPARA_ADMIN_RAW_QUERY", "true")
	t.Setenv("IMPARA_LOG_MODE", "dev")

	cfg, err := Load(parse(t, "--config", path, "--log.mode", "PROD", "--verbose"))
	require.NoError(t, err)

	assert.Equal(t, "/from/file.db", cfg.DB.Path, "file beats defaults")
	assert.Equal(t, 2, cfg.Import.Workers, "file value kept when nothing overrides it")
	assert.Equal(t, 75, cfg.Import.BatchSize, "env beats file")
	assert.True(t, cfg.Admin.RawQuery)
	assert.Equal(t, "prod", cfg.Log.Mode, "flag beats env")
	assert.Equal(t, "settings.json", cfg.Settings.Path)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(parse(t, "--log.mode", "verbose"))
	assert.Error(t, err)

	_, err = Load(parse(t, "--import.workers", "0"))
	assert.Error(t, err)

	_, err = Load(parse(t, "--db.path", ""))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(parse(t, "--config", filepath.Join(t.TempDir(), "nope.yaml")))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEnvKey(t *testing.T) {
	cases := map[string]string{
		"IMPARA_DB_PATH":           "db.path",
		"IMPARA_IMPORT_BATCH_SIZE": "import.batch_size",
		"IMPARA_ADMIN_RAW_QUERY":   "admin.raw_query",
		"IMPARA_DEBUG":             "",
		"IMPARA__X":                "",
	}
	for in, want := range cases {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestFields(t *testing.T) {
	cfg, err := Load(parse(t, "--admin.raw_query"))
	require.NoError(t, err)
	f := cfg.Fields()
	assert.Equal(t, true, f["admin.raw_query"])
	assert.Equal(t, "data/impara.db", f["db.path"])
}
