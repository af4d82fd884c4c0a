// Package config handles loading and parsing apack.toml project files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/assetpack/internal/bundle"
	"github.com/steveyegge/assetpack/internal/fsys"
)

// FileName is the canonical project file.
const FileName = "apack.toml"

// FileNames lists the accepted project files in lookup order.
var FileNames = []string{FileName, "apack.yaml", "apack.yml"}

// StateDir holds per-project build state (event log, cache, journal).
const StateDir = ".apack"

// Project is the top-level configuration of an assetpack project.
type Project struct {
	// Include lists fragment files merged into this project. Relative
	// paths resolve against the including file; "//" prefixes resolve
	// against the project root.
	Include   []string     `toml:"include,omitempty" yaml:"include,omitempty" json:"include,omitempty"`
	Project   Meta         `toml:"project" yaml:"project" json:"project"`
	Build     Build        `toml:"build" yaml:"build" json:"build"`
	Bundles   []BundleSpec `toml:"bundle,omitempty" yaml:"bundle,omitempty" json:"bundle,omitempty"`
	Hooks     Hooks        `toml:"hooks,omitempty" yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Worker    Worker       `toml:"worker,omitempty" yaml:"worker,omitempty" json:"worker,omitempty"`
	Telemetry Telemetry    `toml:"telemetry,omitempty" yaml:"telemetry,omitempty" json:"telemetry,omitempty"`
}

// Meta holds project identity and source locations.
type Meta struct {
	Name string `toml:"name" yaml:"name" json:"name" jsonschema:"required"`
	// Library is the asset library directory holding assets.jsonc.
	// Defaults to "library".
	Library string `toml:"library,omitempty" yaml:"library,omitempty" json:"library,omitempty"`
	// Cache is the serialization cache directory. Defaults to
	// ".apack/cache".
	Cache string `toml:"cache,omitempty" yaml:"cache,omitempty" json:"cache,omitempty"`
}

// Build holds the build switches.
type Build struct {
	Platform string `toml:"platform,omitempty" yaml:"platform,omitempty" json:"platform,omitempty"`
	// Output is the build output directory. Defaults to "build/<platform>".
	Output       string `toml:"output,omitempty" yaml:"output,omitempty" json:"output,omitempty"`
	Debug        bool   `toml:"debug,omitempty" yaml:"debug,omitempty" json:"debug,omitempty"`
	MD5Cache     bool   `toml:"md5_cache,omitempty" yaml:"md5_cache,omitempty" json:"md5_cache,omitempty"`
	InlineImages bool   `toml:"inline_images,omitempty" yaml:"inline_images,omitempty" json:"inline_images,omitempty"`
	// NoCache disables the serialization cache.
	NoCache bool `toml:"no_cache,omitempty" yaml:"no_cache,omitempty" json:"no_cache,omitempty"`
	// Concurrency bounds how many bundles build at once. Zero selects
	// the number of CPUs.
	Concurrency int `toml:"concurrency,omitempty" yaml:"concurrency,omitempty" json:"concurrency,omitempty" jsonschema:"minimum=0"`
	// Template is copied over the output before bundles are written.
	Template string `toml:"template,omitempty" yaml:"template,omitempty" json:"template,omitempty"`
	// EngineDir holds one directory of engine sources per feature. When
	// set, the engine is assembled into the output.
	EngineDir string   `toml:"engine_dir,omitempty" yaml:"engine_dir,omitempty" json:"engine_dir,omitempty"`
	Features  []string `toml:"features,omitempty" yaml:"features,omitempty" json:"features,omitempty"`
}

// BundleSpec declares one output bundle.
type BundleSpec struct {
	Name string `toml:"name" yaml:"name" json:"name" jsonschema:"required"`
	// Root is the url prefix of the bundle's source directory, e.g.
	// "db://assets/level1". Only the main bundle may leave it empty.
	Root        string `toml:"root,omitempty" yaml:"root,omitempty" json:"root,omitempty"`
	Compression string `toml:"compression,omitempty" yaml:"compression,omitempty" json:"compression,omitempty" jsonschema:"enum=none,enum=merge_dep,enum=merge_all_json,enum=subpackage,enum=zip"`
	Remote      bool   `toml:"remote,omitempty" yaml:"remote,omitempty" json:"remote,omitempty"`
	// Priority decides which bundle owns an asset several bundles
	// reach. Higher wins.
	Priority int                 `toml:"priority,omitempty" yaml:"priority,omitempty" json:"priority,omitempty"`
	Filter   bundle.FilterConfig `toml:"filter,omitempty" yaml:"filter,omitempty" json:"filter,omitempty"`
}

// Hooks are shell commands run at fixed points of a build.
type Hooks struct {
	AfterInit               string `toml:"after_init,omitempty" yaml:"after_init,omitempty" json:"after_init,omitempty"`
	AfterBundleInit         string `toml:"after_bundle_init,omitempty" yaml:"after_bundle_init,omitempty" json:"after_bundle_init,omitempty"`
	BeforeCopyBuildTemplate string `toml:"before_copy_build_template,omitempty" yaml:"before_copy_build_template,omitempty" json:"before_copy_build_template,omitempty"`
	AfterBuild              string `toml:"after_build,omitempty" yaml:"after_build,omitempty" json:"after_build,omitempty"`
	// Timeout bounds each hook, as a Go duration. Defaults to "5m".
	Timeout string `toml:"timeout,omitempty" yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Worker configures the worker process pool.
type Worker struct {
	// Exe is the binary serving `worker <task>`. Defaults to the running
	// apack binary.
	Exe string `toml:"exe,omitempty" yaml:"exe,omitempty" json:"exe,omitempty"`
	// IdleTimeout reclaims idle workers, as a Go duration. "0" disables
	// reclaiming.
	IdleTimeout  string            `toml:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`
	KillOnCancel bool              `toml:"kill_on_cancel,omitempty" yaml:"kill_on_cancel,omitempty" json:"kill_on_cancel,omitempty"`
	Env          map[string]string `toml:"env,omitempty" yaml:"env,omitempty" json:"env,omitempty"`
}

// Telemetry selects OTLP collector endpoints. Empty disables export.
type Telemetry struct {
	MetricsURL string `toml:"metrics_url,omitempty" yaml:"metrics_url,omitempty" json:"metrics_url,omitempty"`
	LogsURL    string `toml:"logs_url,omitempty" yaml:"logs_url,omitempty" json:"logs_url,omitempty"`
}

// DefaultProject returns the project written by `apack init`: a main
// bundle plus a "resources" bundle rooted at db://assets/resources.
func DefaultProject(name string) Project {
	return Project{
		Project: Meta{Name: name},
		Build:   Build{Platform: "web-mobile"},
		Bundles: []BundleSpec{
			{Name: bundle.MainName, Priority: 7},
			{Name: "resources", Root: "db://assets/resources", Priority: 8},
		},
	}
}

// Marshal encodes a Project to TOML bytes.
func (p *Project) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return buf.Bytes(), nil
}

// Load reads and parses a project file at the given path using the
// provided filesystem. The format follows the extension.
func Load(fs fsys.FS, path string) (*Project, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %q: %w", path, err)
	}
	if isYAML(path) {
		return ParseYAML(data)
	}
	return Parse(data)
}

// Parse decodes TOML data into a Project.
func Parse(data []byte) (*Project, error) {
	var p Project
	if _, err := toml.Decode(string(data), &p); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &p, nil
}

// ParseYAML decodes YAML data into a Project.
func ParseYAML(data []byte) (*Project, error) {
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &p, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ErrNoProject is returned by FindProject when no ancestor holds a
// project file.
var ErrNoProject = errors.New("not in an assetpack project (no apack.toml found)")

// FindProject walks dir upward and returns the path of the first project
// file found.
func FindProject(fs fsys.FS, dir string) (string, error) {
	dir = filepath.Clean(dir)
	for {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			if _, err := fs.Stat(path); err == nil {
				return path, nil
			} else if !errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("checking %s: %w", path, err)
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoProject
		}
		dir = parent
	}
}
