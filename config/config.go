// Package config loads campaign files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/deepnoodle-ai/campaign"
	"github.com/deepnoodle-ai/campaign/drivers"
	"github.com/deepnoodle-ai/campaign/matrix/sqlstore"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "30s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Test struct {
	ID         string            `yaml:"id"`
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args,omitempty"`
	WorkingDir string            `yaml:"working_dir,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
}

type Tool struct {
	Meta              []string `yaml:"meta,omitempty"`
	Separated         []string `yaml:"separated,omitempty"`
	InstrumentCommand string   `yaml:"instrument_command"`
	InstrumentArgs    []string `yaml:"instrument_args,omitempty"`
	Manifest          string   `yaml:"manifest,omitempty"`
	CollectCommand    string   `yaml:"collect_command,omitempty"`
	CollectArgs       []string `yaml:"collect_args,omitempty"`
	WorkingDir        string   `yaml:"working_dir,omitempty"`
	Timeout           Duration `yaml:"timeout,omitempty"`
}

type Archive struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Config describes one campaign.
type Config struct {
	WorkDir         string              `yaml:"work_dir"`
	Checkpoint      string              `yaml:"checkpoint,omitempty"`
	MatrixDir       string              `yaml:"matrix_dir,omitempty"`
	LogDir          string              `yaml:"log_dir,omitempty"`
	Criteria        []string            `yaml:"criteria"`
	Reinstrument    bool                `yaml:"reinstrument"`
	StopAtFirstKill bool                `yaml:"stop_at_first_kill"`
	SerializePeriod int                 `yaml:"serialize_period,omitempty"`
	Workers         int                 `yaml:"workers,omitempty"`
	Tests           []Test              `yaml:"tests"`
	TestTimeout     Duration            `yaml:"test_timeout,omitempty"`
	TimeoutVerdict  string              `yaml:"timeout_verdict,omitempty"`
	Oracle          string              `yaml:"oracle,omitempty"`
	Elements        map[string][]string `yaml:"elements,omitempty"`
	Tool            Tool                `yaml:"tool"`
	Archive         *Archive            `yaml:"archive,omitempty"`
}

// LoadFile reads a campaign file. Relative paths are resolved against the
// directory of the file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign file: %w", err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.resolve(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes and validates a campaign. Unknown fields are rejected.
func Parse(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("campaign file is empty")
		}
		return nil, fmt.Errorf("failed to unmarshal campaign file: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = "."
	}
	if c.Checkpoint == "" {
		c.Checkpoint = filepath.Join(c.WorkDir, "checkpoint.json")
	}
	if c.MatrixDir == "" {
		c.MatrixDir = filepath.Join(c.WorkDir, "matrices")
	}
	if c.SerializePeriod == 0 {
		c.SerializePeriod = campaign.DefaultSerializePeriod
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.TimeoutVerdict == "" {
		c.TimeoutVerdict = string(campaign.Uncertain)
	}
}

func (c *Config) resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.WorkDir = abs(c.WorkDir)
	c.Checkpoint = abs(c.Checkpoint)
	c.MatrixDir = abs(c.MatrixDir)
	c.LogDir = abs(c.LogDir)
	for i := range c.Tests {
		if c.Tests[i].WorkingDir == "" {
			c.Tests[i].WorkingDir = base
		}
		c.Tests[i].WorkingDir = abs(c.Tests[i].WorkingDir)
	}
	if c.Tool.WorkingDir == "" {
		c.Tool.WorkingDir = base
	}
	c.Tool.WorkingDir = abs(c.Tool.WorkingDir)
	if c.Archive != nil && c.Archive.Driver == sqlstore.DriverSQLite {
		c.Archive.DSN = abs(c.Archive.DSN)
	}
}

// Validate checks the campaign for configuration errors.
func (c *Config) Validate() error {
	if len(c.Criteria) == 0 {
		return fmt.Errorf("no criteria requested")
	}
	requested := map[string]bool{}
	for _, name := range c.Criteria {
		if _, err := campaign.ParseCriterion(name); err != nil {
			return err
		}
		if requested[name] {
			return fmt.Errorf("criterion %q requested twice", name)
		}
		requested[name] = true
	}

	declared := map[string]string{}
	for _, group := range []struct {
		strategy string
		criteria []string
	}{{"meta", c.Tool.Meta}, {"separated", c.Tool.Separated}} {
		for _, name := range group.criteria {
			if _, err := campaign.ParseCriterion(name); err != nil {
				return fmt.Errorf("tool: %w", err)
			}
			if prev, ok := declared[name]; ok {
				return fmt.Errorf("tool: criterion %q declared as %s and %s", name, prev, group.strategy)
			}
			declared[name] = group.strategy
		}
	}
	for _, name := range c.Criteria {
		if _, ok := declared[name]; !ok {
			return fmt.Errorf("criterion %q is not supported by the tool", name)
		}
	}
	if c.Reinstrument && c.Tool.InstrumentCommand == "" {
		return fmt.Errorf("reinstrument requires tool.instrument_command")
	}

	if len(c.Tests) == 0 {
		return fmt.Errorf("no tests given")
	}
	ids := make(map[string]bool, len(c.Tests))
	for i, t := range c.Tests {
		if t.ID == "" {
			return fmt.Errorf("test %d has no id", i)
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate test id %q", t.ID)
		}
		ids[t.ID] = true
		if t.Command == "" {
			return fmt.Errorf("test %q has no command", t.ID)
		}
	}

	for name := range c.Elements {
		if !requested[name] {
			return fmt.Errorf("elements given for criterion %q which is not requested", name)
		}
	}
	if c.SerializePeriod < 0 {
		return fmt.Errorf("serialize_period must be positive, got %d", c.SerializePeriod)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.TestTimeout < 0 || c.Tool.Timeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	switch campaign.Verdict(c.TimeoutVerdict) {
	case campaign.Uncertain, campaign.Fail:
	default:
		return fmt.Errorf("timeout_verdict must be %q or %q, got %q", campaign.Uncertain, campaign.Fail, c.TimeoutVerdict)
	}
	if c.Archive != nil {
		switch c.Archive.Driver {
		case sqlstore.DriverSQLite, sqlstore.DriverPostgres:
		default:
			return fmt.Errorf("unknown archive driver %q", c.Archive.Driver)
		}
		if c.Archive.DSN == "" {
			return fmt.Errorf("archive dsn is required")
		}
	}
	return nil
}

// RequestedCriteria returns the requested criteria in file order.
func (c *Config) RequestedCriteria() []campaign.Criterion {
	criteria := make([]campaign.Criterion, len(c.Criteria))
	for i, name := range c.Criteria {
		criteria[i] = campaign.Criterion(name)
	}
	return criteria
}

// TestIDs returns the test ids in file order.
func (c *Config) TestIDs() []string {
	ids := make([]string, len(c.Tests))
	for i, t := range c.Tests {
		ids[i] = t.ID
	}
	return ids
}

// MatrixPath is the file receiving the matrix of criterion.
func (c *Config) MatrixPath(criterion campaign.Criterion) string {
	return filepath.Join(c.MatrixDir, string(criterion)+".csv")
}

// ElementsOf returns the fixed element lists of the requested criteria.
func (c *Config) ElementsOf() map[campaign.Criterion][]string {
	if len(c.Elements) == 0 {
		return nil
	}
	elements := make(map[campaign.Criterion][]string, len(c.Elements))
	for name, list := range c.Elements {
		elements[campaign.Criterion(name)] = list
	}
	return elements
}

func (c *Config) ExecutorOptions() drivers.CommandExecutorOptions {
	tests := make([]drivers.TestCommand, len(c.Tests))
	for i, t := range c.Tests {
		tests[i] = drivers.TestCommand{
			ID:         t.ID,
			Command:    t.Command,
			Args:       t.Args,
			WorkingDir: t.WorkingDir,
			Env:        t.Env,
		}
	}
	return drivers.CommandExecutorOptions{
		Tests:          tests,
		Timeout:        time.Duration(c.TestTimeout),
		TimeoutVerdict: campaign.Verdict(c.TimeoutVerdict),
		Oracle:         c.Oracle,
	}
}

func (c *Config) ToolOptions() drivers.ManifestToolOptions {
	toCriteria := func(names []string) []campaign.Criterion {
		criteria := make([]campaign.Criterion, len(names))
		for i, name := range names {
			criteria[i] = campaign.Criterion(name)
		}
		return criteria
	}
	return drivers.ManifestToolOptions{
		Meta:              toCriteria(c.Tool.Meta),
		Separated:         toCriteria(c.Tool.Separated),
		InstrumentCommand: c.Tool.InstrumentCommand,
		InstrumentArgs:    c.Tool.InstrumentArgs,
		Manifest:          c.Tool.Manifest,
		CollectCommand:    c.Tool.CollectCommand,
		CollectArgs:       c.Tool.CollectArgs,
		WorkingDir:        c.Tool.WorkingDir,
		Timeout:           time.Duration(c.Tool.Timeout),
	}
}
