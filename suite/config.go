package suite

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/storeprobe/scenario"
)

// Config is the top-level storeprobe configuration.
type Config struct {
	BaseURL       string                   `yaml:"base_url"`
	Driver        DriverConfig             `yaml:"driver"`
	Timeouts      scenario.Timeouts        `yaml:"timeouts"`
	Parallel      int                      `yaml:"parallel"`
	History       HistoryConfig            `yaml:"history"`
	Diagnostics   DiagnosticsConfig        `yaml:"diagnostics"`
	Personas      map[string]Persona       `yaml:"personas"`
	Flows         map[string][]StepConfig  `yaml:"flows"`
	Scenarios     []ScenarioConfig         `yaml:"scenarios"`
	ScenarioFiles []string                 `yaml:"scenario_files"`

	dir string // directory of the config file, for relative scenario_files
}

// DriverConfig selects and tunes the browser driver.
type DriverConfig struct {
	Kind             string         `yaml:"kind"`   // rod | http
	Remote           string         `yaml:"remote"` // ws:// of an external Chrome
	Headless         *bool          `yaml:"headless"`
	Stealth          bool           `yaml:"stealth"`
	Viewport         ViewportConfig `yaml:"viewport"`
	Args             []string       `yaml:"args"`
	ResourceBlocking []string       `yaml:"resource_blocking"`
	IgnoreCertErrors bool           `yaml:"ignore_cert_errors"`
	UserAgent        string         `yaml:"user_agent"`
}

type ViewportConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// HistoryConfig controls the SQLite run history. An empty DBPath disables it.
type HistoryConfig struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// DiagnosticsConfig controls failure snapshots.
type DiagnosticsConfig struct {
	Enabled  *bool `yaml:"enabled"`
	MaxChars int   `yaml:"max_chars"`
}

// On reports whether diagnostics are enabled (default true).
func (d DiagnosticsConfig) On() bool { return d.Enabled == nil || *d.Enabled }

// Persona is a named set of credentials.
type Persona struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
}

// StepConfig is the file form of a step. Exactly one of Navigate, Click,
// Fill, Wait, WaitLoad or Flow is set.
type StepConfig struct {
	Label string `yaml:"label"`

	Navigate  string `yaml:"navigate"`
	WaitUntil string `yaml:"wait_until"`
	NewPage   bool   `yaml:"new_page"`

	Click string `yaml:"click"`
	Fill  string `yaml:"fill"`
	Value string `yaml:"value"`
	Nth   *int   `yaml:"nth"`

	Wait     time.Duration `yaml:"wait"`
	WaitLoad string        `yaml:"wait_load"`

	// Flow inlines a named flow, with Persona bound to ${persona.*}.
	Flow    string `yaml:"flow"`
	Persona string `yaml:"persona"`

	Timeout time.Duration `yaml:"timeout"`
}

// AssertionConfig is the file form of an assertion.
type AssertionConfig struct {
	Expect   string        `yaml:"expect"`
	Nth      *int          `yaml:"nth"`
	Polarity string        `yaml:"polarity"` // present | absent
	Timeout  time.Duration `yaml:"timeout"`
	Message  string        `yaml:"message"`
}

// ScenarioConfig is the file form of a scenario.
type ScenarioConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Tags        []string          `yaml:"tags"`
	Persona     string            `yaml:"persona"`
	StartURL    string            `yaml:"start_url"`
	Steps       []StepConfig      `yaml:"steps"`
	Assertions  []AssertionConfig `yaml:"assertions"`
}

// catalog is the shape of a scenario_files entry.
type catalog struct {
	Personas  map[string]Persona      `yaml:"personas"`
	Flows     map[string][]StepConfig `yaml:"flows"`
	Scenarios []ScenarioConfig        `yaml:"scenarios"`
}

// LoadConfigFile reads a YAML configuration file and the scenario catalogs
// it references.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("suite: %s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	if err := cfg.loadScenarioFiles(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig decodes a configuration document without following
// scenario_files.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) loadScenarioFiles() error {
	for _, pattern := range c.ScenarioFiles {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(c.dir, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("suite: scenario_files %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return fmt.Errorf("suite: scenario_files %q matched nothing", pattern)
		}
		slices.Sort(matches)
		for _, m := range matches {
			if err := c.AddCatalog(m); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddCatalog merges the personas, flows and scenarios of a catalog file.
func (c *Config) AddCatalog(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.AddCatalogData(path, data)
}

// AddCatalogData merges a catalog document. name is used in errors.
// Personas defined by the config win over the catalog's.
func (c *Config) AddCatalogData(name string, data []byte) error {
	var cat catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return fmt.Errorf("suite: %s: %w", name, err)
	}
	for pn, p := range cat.Personas {
		if _, ok := c.Personas[pn]; !ok {
			c.Personas[pn] = p
		}
	}
	for fn, steps := range cat.Flows {
		if _, dup := c.Flows[fn]; dup {
			return fmt.Errorf("suite: %s: flow %q already defined", name, fn)
		}
		c.Flows[fn] = steps
	}
	c.Scenarios = append(c.Scenarios, cat.Scenarios...)
	return nil
}

func (c *Config) applyDefaults() {
	if c.Driver.Kind == "" {
		c.Driver.Kind = "rod"
	}
	if c.Driver.Headless == nil {
		t := true
		c.Driver.Headless = &t
	}
	if c.Driver.Viewport.Width <= 0 {
		c.Driver.Viewport.Width = 1280
	}
	if c.Driver.Viewport.Height <= 0 {
		c.Driver.Viewport.Height = 720
	}
	c.Timeouts.Defaults()
	if c.Parallel <= 0 {
		c.Parallel = 1
	}
	if c.History.RetentionDays <= 0 {
		c.History.RetentionDays = 30
	}
	if c.Diagnostics.MaxChars <= 0 {
		c.Diagnostics.MaxChars = 4000
	}
	if c.Personas == nil {
		c.Personas = make(map[string]Persona)
	}
	if c.Flows == nil {
		c.Flows = make(map[string][]StepConfig)
	}
}
