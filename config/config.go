// Package config handles classrewriter.toml configuration.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "classrewriter.toml"

// DisableEnv disables instrumentation when set to any non-empty value.
const DisableEnv = "NEWRELIC_INSTRUMENTATION_DISABLED"

// Write modes.
const (
	WriteModified = "modified"
	WriteAlways   = "always"
)

// Config represents a classrewriter.toml file.
type Config struct {
	Rules           Rules           `toml:"rules"`
	Instrumentation Instrumentation `toml:"instrumentation"`
	Output          Output          `toml:"output"`
	Cache           Cache           `toml:"cache"`
	Log             Log             `toml:"log"`

	// Dir is the directory containing the file, or "" for defaults.
	Dir string `toml:"-"`
}

// Rules selects the rule table.
type Rules struct {
	// Path to a rule file; empty uses the built-in table.
	Path               string `toml:"path"`
	LogInstrumentation bool   `toml:"log-instrumentation"`
}

// Instrumentation controls what gets rewritten.
type Instrumentation struct {
	Disabled            bool     `toml:"disabled"`
	DefaultInteractions bool     `toml:"default-interactions"`
	Variant             string   `toml:"variant"`
	VariantBuildIDs     bool     `toml:"variant-build-ids"`
	Include             []string `toml:"include"`
	Exclude             []string `toml:"exclude"`
	AgentVersion        string   `toml:"agent-version"`
	ComposeNavigation   bool     `toml:"compose-navigation"`
}

// Output configures the transformer.
type Output struct {
	WriteMode       string `toml:"write-mode"`
	TransformedBy   string `toml:"transformed-by"`
	Workers         int    `toml:"workers"`
	ExplodeArchives bool   `toml:"explode-archives"`
}

// Cache configures the incremental transform cache.
type Cache struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// ExcludedPackages are never instrumented unless also included.
var ExcludedPackages = []string{
	"com/newrelic/agent/android",
	"com/newrelic/mobile",
	"com/newrelic/com",
	"com/google/firebase/perf/network",
	"com/here/sdk/hacwrapper",
}

// IncludedPackages override ExcludedPackages and the SDK classification.
var IncludedPackages = []string{
	"androidx/appcompat/app/AppCompatActivity",
	"androidx/core/app/ActivityCompat",
	"androidx/fragment/app/",
	"androidx/fragment/app/Fragment",
	"androidx/fragment/app/FragmentActivity",
	"androidx/leanback/app/Fragment",
	"androidx/legacy/app/ActivityCompat",
	"androidx/legacy/app/FragmentCompat",
	"androidx/preference/Fragment",
	"androidx/sqlite/",
	"com/google/gson/",
	"org/json/",
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.applyDefaults(nil)
	c.applyEnv()
	return c
}

// Load parses classrewriter.toml from the given directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses a configuration file at an explicit path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	c.applyDefaults(&md)
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.applyEnv()
	return &c, nil
}

// FindAndLoad walks up from startDir to find a classrewriter.toml file,
// then loads and returns it. Returns the defaults if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// applyDefaults fills unset values. Booleans whose default is true are
// only set when the key is absent from the file.
func (c *Config) applyDefaults(md *toml.MetaData) {
	defined := func(key ...string) bool { return md != nil && md.IsDefined(key...) }

	if !defined("rules", "log-instrumentation") {
		c.Rules.LogInstrumentation = true
	}
	if !defined("instrumentation", "default-interactions") {
		c.Instrumentation.DefaultInteractions = true
	}
	if !defined("instrumentation", "variant-build-ids") {
		c.Instrumentation.VariantBuildIDs = true
	}
	if c.Instrumentation.Variant == "" {
		c.Instrumentation.Variant = "release"
	}
	c.Instrumentation.Variant = strings.ToLower(c.Instrumentation.Variant)
	if !defined("instrumentation", "exclude") {
		c.Instrumentation.Exclude = append([]string(nil), ExcludedPackages...)
	}
	if !defined("instrumentation", "include") {
		c.Instrumentation.Include = append([]string(nil), IncludedPackages...)
	}
	if c.Output.WriteMode == "" {
		c.Output.WriteMode = WriteModified
	}
	if c.Output.TransformedBy == "" {
		c.Output.TransformedBy = "New Relic Android Agent"
	}
	if c.Output.Workers <= 0 {
		c.Output.Workers = 1
	}
	if c.Cache.Path == "" {
		c.Cache.Path = filepath.Join(".classrewriter", "cache.db")
	}
}

func (c *Config) validate() error {
	switch c.Output.WriteMode {
	case WriteModified, WriteAlways:
	default:
		return fmt.Errorf("output.write-mode %q: want %q or %q", c.Output.WriteMode, WriteModified, WriteAlways)
	}
	return nil
}

func (c *Config) applyEnv() {
	if os.Getenv(DisableEnv) != "" {
		c.Instrumentation.Disabled = true
	}
}

// RulesPath returns the rule file path resolved against the config
// directory, or "" for the built-in table.
func (c *Config) RulesPath() string {
	return c.resolve(c.Rules.Path)
}

// CachePath returns the cache database path resolved against the config
// directory.
func (c *Config) CachePath() string {
	return c.resolve(c.Cache.Path)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Fingerprint identifies the settings that change rewrite output. Cached
// results are only valid for an equal fingerprint.
func (c *Config) Fingerprint() string {
	h := sha256.New()
	in := c.Instrumentation
	fmt.Fprintf(h, "log=%t\n", c.Rules.LogInstrumentation)
	fmt.Fprintf(h, "interactions=%t\ncompose=%t\n", in.DefaultInteractions, in.ComposeNavigation)
	fmt.Fprintf(h, "include=%s\nexclude=%s\n", strings.Join(in.Include, ","), strings.Join(in.Exclude, ","))
	fmt.Fprintf(h, "agent=%s\n", in.AgentVersion)
	return hex.EncodeToString(h.Sum(nil))
}
