package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/campaign"
)

// CoverageFile is the file a collect command leaves in the scratch
// directory: {"criterion": {"element": count}}.
const CoverageFile = "coverage.json"

// Manifest describes the artifacts an instrumentation tool built. Relative
// executable paths are resolved against the output directory. Environment
// values may reference {output_dir} and {scratch_dir}.
type Manifest struct {
	Meta      map[campaign.Criterion]MetaArtifact      `json:"meta"`
	Separated map[campaign.Criterion]SeparatedArtifact `json:"separated"`

	// element positions by criterion and id, built by ReadManifest
	index map[campaign.Criterion]map[string]int
}

// Element returns the artifact of one SEPARATED element.
func (m *Manifest) Element(c campaign.Criterion, id string) (ElementArtifact, bool) {
	i, ok := m.index[c][id]
	if !ok {
		return ElementArtifact{}, false
	}
	return m.Separated[c].Elements[i], true
}

type MetaArtifact struct {
	Executables map[string]string `json:"executables"`
	Environment map[string]string `json:"environment"`
}

type SeparatedArtifact struct {
	Elements []ElementArtifact `json:"elements"`
}

type ElementArtifact struct {
	ID          string            `json:"id"`
	Executables map[string]string `json:"executables"`
	Environment map[string]string `json:"environment"`
}

// ManifestToolOptions configures a ManifestTool.
type ManifestToolOptions struct {
	// Meta and Separated declare the criteria the tool supports.
	Meta      []campaign.Criterion
	Separated []campaign.Criterion

	InstrumentCommand string
	InstrumentArgs    []string

	// Manifest is the manifest path, relative to the output directory
	// unless absolute. Defaults to manifest.json.
	Manifest string

	// CollectCommand runs after each META test and must write CoverageFile
	// into the scratch directory. When empty the test itself is expected to
	// write it.
	CollectCommand string
	CollectArgs    []string

	WorkingDir string
	Timeout    time.Duration
	Logger     *slog.Logger
}

// ManifestTool adapts an external instrumentation tool. It implements
// campaign.Instrumenter together with both capability interfaces.
type ManifestTool struct {
	opts   ManifestToolOptions
	logger *slog.Logger

	mutex     sync.Mutex
	manifests map[string]*Manifest
}

var (
	_ campaign.Instrumenter             = (*ManifestTool)(nil)
	_ campaign.MetaInstrumentation      = (*ManifestTool)(nil)
	_ campaign.SeparatedInstrumentation = (*ManifestTool)(nil)
)

func NewManifestTool(opts ManifestToolOptions) (*ManifestTool, error) {
	if len(opts.Meta) == 0 && len(opts.Separated) == 0 {
		return nil, fmt.Errorf("tool declares no criteria")
	}
	if opts.Manifest == "" {
		opts.Manifest = "manifest.json"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &ManifestTool{
		opts:      opts,
		logger:    opts.Logger,
		manifests: map[string]*Manifest{},
	}, nil
}

func (t *ManifestTool) MetaCriteria() []campaign.Criterion {
	return t.opts.Meta
}

func (t *ManifestTool) SeparatedCriteria() []campaign.Criterion {
	return t.opts.Separated
}

func (t *ManifestTool) Instrument(ctx context.Context, criteria []campaign.Criterion, outputDir string) (map[campaign.Criterion]campaign.Executables, error) {
	if t.opts.InstrumentCommand == "" {
		return nil, fmt.Errorf("no instrument command configured")
	}
	if outputDir == "" {
		return nil, fmt.Errorf("no output directory given")
	}
	// artifacts of a previous instrumentation must not survive a failed or
	// partial one
	manifestPath := t.manifestPath(outputDir)
	if err := os.RemoveAll(outputDir); err != nil {
		return nil, fmt.Errorf("failed to clear output directory: %w", err)
	}
	if err := os.Remove(manifestPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove previous manifest: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	t.mutex.Lock()
	delete(t.manifests, manifestPath)
	t.mutex.Unlock()

	result, err := command{
		Name:       t.opts.InstrumentCommand,
		Args:       t.opts.InstrumentArgs,
		WorkingDir: t.opts.WorkingDir,
		Env: map[string]string{
			EnvOutputDir: outputDir,
			EnvCriteria:  joinCriteria(criteria),
		},
		Timeout: t.opts.Timeout,
	}.run(ctx)
	if err != nil {
		return nil, err
	}
	if result.TimedOut {
		return nil, fmt.Errorf("instrument command timed out after %s", t.opts.Timeout)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("instrument command exited with status %d: %s", result.ExitCode, result.Stderr)
	}
	t.logger.Info("instrumentation finished", "criteria", criteria, "duration", result.Duration)

	var meta []campaign.Criterion
	for _, c := range criteria {
		if t.isMeta(c) {
			meta = append(meta, c)
		}
	}
	return t.Executables(meta, outputDir)
}

func (t *ManifestTool) Executables(criteria []campaign.Criterion, outputDir string) (map[campaign.Criterion]campaign.Executables, error) {
	manifest, err := t.load(outputDir)
	if err != nil {
		return nil, err
	}
	exes := make(map[campaign.Criterion]campaign.Executables, len(criteria))
	for _, c := range criteria {
		artifact, ok := manifest.Meta[c]
		if !ok {
			return nil, fmt.Errorf("manifest has no artifact for %s", c)
		}
		exes[c] = resolve(artifact.Executables, outputDir)
	}
	return exes, nil
}

func (t *ManifestTool) MetaEnvironment(c campaign.Criterion, outputDir, scratchDir string) (campaign.Environment, error) {
	manifest, err := t.load(outputDir)
	if err != nil {
		return nil, err
	}
	artifact, ok := manifest.Meta[c]
	if !ok {
		return nil, fmt.Errorf("manifest has no artifact for %s", c)
	}
	env := expand(artifact.Environment, outputDir, scratchDir)
	env[EnvScratchDir] = scratchDir
	return env, nil
}

func (t *ManifestTool) CollectCounts(ctx context.Context, test string, criteria []campaign.Criterion, scratchDir string) (map[campaign.Criterion]map[string]int, error) {
	if t.opts.CollectCommand != "" {
		result, err := command{
			Name:       t.opts.CollectCommand,
			Args:       t.opts.CollectArgs,
			WorkingDir: t.opts.WorkingDir,
			Env: map[string]string{
				EnvTest:       test,
				EnvScratchDir: scratchDir,
				EnvCriteria:   joinCriteria(criteria),
			},
			Timeout: t.opts.Timeout,
		}.run(ctx)
		if err != nil {
			return nil, err
		}
		if result.TimedOut || result.ExitCode != 0 {
			return nil, fmt.Errorf("collect command failed for test %q (exit %d): %s", test, result.ExitCode, result.Stderr)
		}
	}

	data, err := os.ReadFile(filepath.Join(scratchDir, CoverageFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read measurements: %w", err)
	}
	var raw map[campaign.Criterion]map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", CoverageFile, err)
	}
	counts := make(map[campaign.Criterion]map[string]int, len(criteria))
	for _, c := range criteria {
		if raw[c] == nil {
			counts[c] = map[string]int{}
			continue
		}
		counts[c] = raw[c]
	}
	return counts, nil
}

func (t *ManifestTool) Elements(c campaign.Criterion, outputDir string) ([]string, error) {
	artifact, err := t.separatedArtifact(c, outputDir)
	if err != nil {
		return nil, err
	}
	elements := make([]string, 0, len(artifact.Elements))
	for _, element := range artifact.Elements {
		elements = append(elements, element.ID)
	}
	return elements, nil
}

func (t *ManifestTool) ElementExecutables(c campaign.Criterion, element, outputDir string) (campaign.Executables, campaign.Environment, error) {
	manifest, err := t.load(outputDir)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := manifest.Separated[c]; !ok {
		return nil, nil, fmt.Errorf("manifest has no artifact for %s", c)
	}
	e, ok := manifest.Element(c, element)
	if !ok {
		return nil, nil, fmt.Errorf("manifest has no element %q for %s", element, c)
	}
	return resolve(e.Executables, outputDir), expand(e.Environment, outputDir, ""), nil
}

func (t *ManifestTool) separatedArtifact(c campaign.Criterion, outputDir string) (SeparatedArtifact, error) {
	manifest, err := t.load(outputDir)
	if err != nil {
		return SeparatedArtifact{}, err
	}
	artifact, ok := manifest.Separated[c]
	if !ok {
		return SeparatedArtifact{}, fmt.Errorf("manifest has no artifact for %s", c)
	}
	return artifact, nil
}

func (t *ManifestTool) manifestPath(outputDir string) string {
	if filepath.IsAbs(t.opts.Manifest) {
		return t.opts.Manifest
	}
	return filepath.Join(outputDir, t.opts.Manifest)
}

func (t *ManifestTool) load(outputDir string) (*Manifest, error) {
	path := t.manifestPath(outputDir)
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if m, ok := t.manifests[path]; ok {
		return m, nil
	}
	m, err := ReadManifest(path)
	if err != nil {
		return nil, err
	}
	t.manifests[path] = m
	return m, nil
}

func (t *ManifestTool) isMeta(c campaign.Criterion) bool {
	return slices.Contains(t.opts.Meta, c)
}

// ReadManifest loads and validates a manifest file.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("manifest %s not found, was the code instrumented?", path)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	m.index = make(map[campaign.Criterion]map[string]int, len(m.Separated))
	for c, artifact := range m.Separated {
		seen := make(map[string]int, len(artifact.Elements))
		for i, e := range artifact.Elements {
			if e.ID == "" {
				return nil, fmt.Errorf("manifest %s: %s element without id", path, c)
			}
			if _, ok := seen[e.ID]; ok {
				return nil, fmt.Errorf("manifest %s: duplicate %s element %q", path, c, e.ID)
			}
			seen[e.ID] = i
		}
		m.index[c] = seen
	}
	return &m, nil
}

func resolve(exes map[string]string, outputDir string) campaign.Executables {
	resolved := make(campaign.Executables, len(exes))
	for name, path := range exes {
		if !filepath.IsAbs(path) {
			path = filepath.Join(outputDir, path)
		}
		resolved[name] = path
	}
	return resolved
}

func expand(env map[string]string, outputDir, scratchDir string) campaign.Environment {
	r := strings.NewReplacer("{output_dir}", outputDir, "{scratch_dir}", scratchDir)
	expanded := make(campaign.Environment, len(env))
	for key, value := range env {
		expanded[key] = r.Replace(value)
	}
	return expanded
}

func joinCriteria(criteria []campaign.Criterion) string {
	names := make([]string, len(criteria))
	for i, c := range criteria {
		names[i] = string(c)
	}
	return strings.Join(names, ",")
}
