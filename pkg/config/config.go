// Package config loads process configuration from defaults, an optional YAML
// file, IMPARA_* environment variables and command-line flags, in that order
// of precedence (flags win).
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix marks environment variables read as config. IMPARA_DB_PATH sets db.path.
const EnvPrefix = "IMPARA_"

// FileFlag names the flag holding the YAML config path.
const FileFlag = "config"

type Config struct {
	DB       DBConfig       `koanf:"db"`
	Settings SettingsConfig `koanf:"settings"`
	Log      LogConfig      `koanf:"log"`
	Dict     DictConfig     `koanf:"dict"`
	Admin    AdminConfig    `koanf:"admin"`
	Import   ImportConfig   `koanf:"import"`
}

type DBConfig struct {
	Path string `koanf:"path" validate:"required"`
}

type SettingsConfig struct {
	Path string `koanf:"path" validate:"required"`
}

type LogConfig struct {
	Mode string `koanf:"mode" validate:"oneof=dev prod"`
}

type DictConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// AdminConfig gates operator-only features.
type AdminConfig struct {
	RawQuery bool `koanf:"raw_query"`
}

type ImportConfig struct {
	Workers   int `koanf:"workers" validate:"min=1,max=64"`
	BatchSize int `koanf:"batch_size" validate:"min=1,max=10000"`
}

// RegisterFlags adds the config flags to fs. Flag names are the config keys,
// so --db.path overrides db.path.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(FileFlag, "", "path to a YAML config file")
	fs.String("db.path", "data/impara.db", "SQLite database file")
	fs.String("settings.path", "settings.json", "application settings document")
	fs.String("log.mode", "dev", "log mode: dev or prod")
	fs.String("dict.path", "data/jmdict-eng-common.json", "JMdict-simplified JSON file")
	fs.Bool("admin.raw_query", false, "allow ad-hoc read-only SQL")
	fs.Int("import.workers", 4, "dictionary import workers")
	fs.Int("import.batch_size", 200, "dictionary import rows per transaction")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load resolves the configuration from a parsed flag set that went through
// RegisterFlags.
func Load(fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path, _ := fs.GetString(FileFlag); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// Unchanged flags only fill keys no earlier layer set.
	flags := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
		if f.Name == FileFlag || !strings.Contains(f.Name, ".") {
			return "", nil
		}
		return f.Name, posflag.FlagVal(fs, f)
	})
	if err := k.Load(flags, nil); err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Log.Mode = strings.ToLower(strings.TrimSpace(cfg.Log.Mode))
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// envKey maps IMPARA_IMPORT_BATCH_SIZE to import.batch_size. Only the first
// underscore separates section from key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok || section == "" || key == "" {
		return ""
	}
	return section + "." + key
}

// Fields returns the config as a flat map for logging.
func (c *Config) Fields() map[string]interface{} {
	return map[string]interface{}{
		"db.path":           c.DB.Path,
		"settings.path":     c.Settings.Path,
		"log.mode":          c.Log.Mode,
		"dict.path":         c.Dict.Path,
		"admin.raw_query":   c.Admin.RawQuery,
		"import.workers":    c.Import.Workers,
		"import.batch_size": c.Import.BatchSize,
	}
}
