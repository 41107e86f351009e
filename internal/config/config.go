package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	EnvPrefix              = "KEG_PREFIX"
	EnvCellar              = "KEG_CELLAR"
	EnvCache               = "KEG_CACHE"
	EnvConfig              = "KEG_CONFIG"
	EnvFormulaPath         = "KEG_FORMULA_PATH"
	EnvForbiddenFormulae   = "KEG_FORBIDDEN_FORMULAE"
	EnvDownloadConcurrency = "KEG_DOWNLOAD_CONCURRENCY"
	EnvBottleTag           = "KEG_BOTTLE_TAG"
	EnvKeepTmp             = "KEG_KEEP_TMP"
	EnvMetricsFile         = "KEG_METRICS_FILE"
)

// DefaultDownloadConcurrency is used when nothing configures acquisition
// concurrency.
const DefaultDownloadConcurrency = 4

// Config is the resolved configuration of one invocation. It is passed by
// value and never modified after Load returns.
type Config struct {
	// Prefix is the shared prefix store entries are linked into.
	Prefix string
	// Cellar is the store root holding <name>/<version-id> entries.
	Cellar string
	// Cache is the download cache root.
	Cache string
	// FormulaPaths are files or directories holding *.hcl formula files.
	FormulaPaths []string
	// ForbiddenFormulae is the denylist checked before any work starts.
	ForbiddenFormulae []string
	// ForbiddenSource names where the denylist came from, for diagnostics.
	ForbiddenSource string
	// DownloadConcurrency bounds parallel artifact acquisition; 1 is
	// strictly sequential.
	DownloadConcurrency int
	// BottleTag overrides the platform tag used to select bottles.
	BottleTag string
	// KeepTmp keeps build working directories after the build.
	KeepTmp bool
	// MetricsFile, when set, receives a Prometheus text dump after the run.
	MetricsFile string
	// File is the TOML file that was applied, if any.
	File string
}

// fileConfig mirrors the keys accepted in the TOML file.
type fileConfig struct {
	Prefix              string   `toml:"prefix"`
	Cellar              string   `toml:"cellar"`
	Cache               string   `toml:"cache"`
	FormulaPaths        []string `toml:"formula_paths"`
	ForbiddenFormulae   []string `toml:"forbidden_formulae"`
	DownloadConcurrency int      `toml:"download_concurrency"`
	BottleTag           string   `toml:"bottle_tag"`
	KeepTmp             bool     `toml:"keep_tmp"`
	MetricsFile         string   `toml:"metrics_file"`
}

// Getenv looks up an environment variable; os.Getenv satisfies it.
type Getenv func(string) string

// FromMap adapts a map to Getenv, for tests.
func FromMap(env map[string]string) Getenv {
	return func(k string) string { return env[k] }
}

// Load resolves the configuration from defaults, the optional TOML file and
// the environment.
func Load(getenv Getenv) (Config, error) {
	cfg := defaults(getenv)

	path := strings.TrimSpace(getenv(EnvConfig))
	explicit := path != ""
	if !explicit {
		path = filepath.Join(prefixFrom(getenv), "etc", "keg.toml")
	}
	if err := applyFile(&cfg, path, explicit); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func prefixFrom(getenv Getenv) string {
	if p := strings.TrimSpace(getenv(EnvPrefix)); p != "" {
		return p
	}
	if home := getenv("HOME"); home != "" {
		return filepath.Join(home, ".keg")
	}
	return filepath.Join(os.TempDir(), "keg")
}

func defaults(getenv Getenv) Config {
	prefix := prefixFrom(getenv)
	cache := filepath.Join(prefix, "cache")
	if xdg := getenv("XDG_CACHE_HOME"); xdg != "" {
		cache = filepath.Join(xdg, "keg")
	}
	return Config{
		Prefix:              prefix,
		Cellar:              filepath.Join(prefix, "Cellar"),
		Cache:               cache,
		FormulaPaths:        []string{filepath.Join(prefix, "Formula")},
		DownloadConcurrency: DefaultDownloadConcurrency,
	}
}

func applyFile(cfg *Config, path string, explicit bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("load config %s: %w", path, err)
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown keys %v", path, undecoded)
	}
	cfg.File = path

	// A relocated prefix moves the derived defaults along with it.
	if meta.IsDefined("prefix") {
		prefix := strings.TrimSpace(raw.Prefix)
		cfg.Prefix = prefix
		cfg.Cellar = filepath.Join(prefix, "Cellar")
		cfg.FormulaPaths = []string{filepath.Join(prefix, "Formula")}
	}
	if meta.IsDefined("cellar") {
		cfg.Cellar = strings.TrimSpace(raw.Cellar)
	}
	if meta.IsDefined("cache") {
		cfg.Cache = strings.TrimSpace(raw.Cache)
	}
	if meta.IsDefined("formula_paths") {
		cfg.FormulaPaths = normalizeList(raw.FormulaPaths)
	}
	if meta.IsDefined("forbidden_formulae") {
		cfg.ForbiddenFormulae = normalizeList(raw.ForbiddenFormulae)
		cfg.ForbiddenSource = path
	}
	if meta.IsDefined("download_concurrency") {
		cfg.DownloadConcurrency = raw.DownloadConcurrency
	}
	if meta.IsDefined("bottle_tag") {
		cfg.BottleTag = strings.TrimSpace(raw.BottleTag)
	}
	if meta.IsDefined("keep_tmp") {
		cfg.KeepTmp = raw.KeepTmp
	}
	if meta.IsDefined("metrics_file") {
		cfg.MetricsFile = strings.TrimSpace(raw.MetricsFile)
	}
	return nil
}

func applyEnv(cfg *Config, getenv Getenv) error {
	if v := strings.TrimSpace(getenv(EnvCellar)); v != "" {
		cfg.Cellar = v
	}
	if v := strings.TrimSpace(getenv(EnvCache)); v != "" {
		cfg.Cache = v
	}
	if v := getenv(EnvFormulaPath); strings.TrimSpace(v) != "" {
		cfg.FormulaPaths = normalizeList(filepath.SplitList(v))
	}
	if v := getenv(EnvForbiddenFormulae); strings.TrimSpace(v) != "" {
		cfg.ForbiddenFormulae = splitFields(v)
		cfg.ForbiddenSource = EnvForbiddenFormulae
	}
	if v := strings.TrimSpace(getenv(EnvDownloadConcurrency)); v != "" {
		n, err := parseConcurrency(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDownloadConcurrency, err)
		}
		cfg.DownloadConcurrency = n
	}
	if v := strings.TrimSpace(getenv(EnvBottleTag)); v != "" {
		cfg.BottleTag = v
	}
	if v, ok := parseBool(getenv(EnvKeepTmp)); ok {
		cfg.KeepTmp = v
	}
	if v := strings.TrimSpace(getenv(EnvMetricsFile)); v != "" {
		cfg.MetricsFile = v
	}
	return nil
}

// parseConcurrency accepts a positive integer or "auto" (the default).
func parseConcurrency(raw string) (int, error) {
	if strings.EqualFold(raw, "auto") {
		return DefaultDownloadConcurrency, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid concurrency %q: %w", raw, err)
	}
	return n, nil
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// splitFields splits a denylist on whitespace and commas.
func splitFields(raw string) []string {
	return normalizeList(strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	}))
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports configuration values no component can work with.
func (c Config) Validate() error {
	if c.DownloadConcurrency < 1 {
		return fmt.Errorf("download concurrency must be at least 1, got %d", c.DownloadConcurrency)
	}
	for name, dir := range map[string]string{"prefix": c.Prefix, "cellar": c.Cellar, "cache": c.Cache} {
		if dir == "" {
			return fmt.Errorf("%s directory is not set", name)
		}
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("%s directory %q must be absolute", name, dir)
		}
	}
	return nil
}
