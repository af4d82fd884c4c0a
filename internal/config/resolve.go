package config

import (
	"cmp"
	"fmt"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/steveyegge/assetpack/internal/bundle"
	"github.com/steveyegge/assetpack/internal/group"
)

// Defaults applied by Resolve.
const (
	DefaultPlatform     = "web-mobile"
	DefaultLibrary      = "library"
	DefaultHookTimeout  = 5 * time.Minute
	DefaultMainPriority = 7
)

// LookPathFunc is the signature for exec.LookPath (or a test fake).
type LookPathFunc func(string) (string, error)

// BuildTaskOption is a fully resolved build request: absolute paths,
// parsed durations and an explicit main bundle.
type BuildTaskOption struct {
	ProjectDir string
	Name       string
	Platform   string
	LibraryDir string
	CacheDir   string
	// StateDir holds the event log and the versioning journal.
	StateDir     string
	Dest         string
	Debug        bool
	MD5Cache     bool
	InlineImages bool
	UseCache     bool
	Concurrency  int
	TemplateDir  string
	EngineDir    string
	Features     []string
	// Bundles lists the main bundle first, then the others in declared
	// order.
	Bundles     []BundleOption
	Hooks       Hooks
	HookTimeout time.Duration
	Worker      WorkerOption
	Telemetry   Telemetry
}

// BundleOption is a resolved [[bundle]] entry.
type BundleOption struct {
	Name        string
	Root        string
	Compression group.Compression
	Remote      bool
	Priority    int
	Filter      bundle.FilterConfig
}

// WorkerOption is the resolved [worker] section.
type WorkerOption struct {
	Exe string
	// IdleTimeout is zero for the pool default and negative when
	// reclaiming is disabled.
	IdleTimeout  time.Duration
	KillOnCancel bool
	Env          map[string]string
}

// Bundle returns the named bundle option.
func (o *BuildTaskOption) Bundle(name string) (BundleOption, bool) {
	i := slices.IndexFunc(o.Bundles, func(b BundleOption) bool { return b.Name == name })
	if i < 0 {
		return BundleOption{}, false
	}
	return o.Bundles[i], true
}

// Resolve validates p and turns it into a BuildTaskOption. Relative
// paths resolve against projectDir.
func Resolve(p *Project, projectDir string) (*BuildTaskOption, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	projectDir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolving project dir: %w", err)
	}
	abs := func(path string) string {
		if path == "" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(projectDir, path)
	}

	o := &BuildTaskOption{
		ProjectDir:   projectDir,
		Name:         p.Project.Name,
		Platform:     cmp.Or(p.Build.Platform, DefaultPlatform),
		StateDir:     filepath.Join(projectDir, StateDir),
		Debug:        p.Build.Debug,
		MD5Cache:     p.Build.MD5Cache,
		InlineImages: p.Build.InlineImages,
		UseCache:     !p.Build.NoCache,
		Concurrency:  p.Build.Concurrency,
		TemplateDir:  abs(p.Build.Template),
		EngineDir:    abs(p.Build.EngineDir),
		Features:     slices.Clone(p.Build.Features),
		Hooks:        p.Hooks,
		HookTimeout:  DefaultHookTimeout,
		Telemetry:    p.Telemetry,
	}
	o.LibraryDir = abs(cmp.Or(p.Project.Library, DefaultLibrary))
	o.CacheDir = abs(cmp.Or(p.Project.Cache, filepath.Join(StateDir, "cache")))
	o.Dest = abs(cmp.Or(p.Build.Output, filepath.Join("build", o.Platform)))
	if o.Concurrency == 0 {
		o.Concurrency = runtime.NumCPU()
	}
	if p.Hooks.Timeout != "" {
		o.HookTimeout, _ = time.ParseDuration(p.Hooks.Timeout) // validated
	}

	o.Worker = WorkerOption{
		Exe:          p.Worker.Exe,
		KillOnCancel: p.Worker.KillOnCancel,
		Env:          p.Worker.Env,
	}
	if strings.ContainsRune(o.Worker.Exe, filepath.Separator) {
		o.Worker.Exe = abs(o.Worker.Exe)
	}
	if p.Worker.IdleTimeout != "" {
		d, _ := time.ParseDuration(p.Worker.IdleTimeout) // validated
		if d == 0 {
			d = -1
		}
		o.Worker.IdleTimeout = d
	}

	hasMain := false
	for _, b := range p.Bundles {
		c, _ := group.ParseCompression(b.Compression) // validated
		opt := BundleOption{
			Name:        b.Name,
			Root:        strings.TrimSuffix(b.Root, "/"),
			Compression: c,
			Remote:      b.Remote,
			Priority:    b.Priority,
			Filter:      b.Filter,
		}
		if b.Name == bundle.MainName {
			hasMain = true
			o.Bundles = append([]BundleOption{opt}, o.Bundles...)
			continue
		}
		o.Bundles = append(o.Bundles, opt)
	}
	if !hasMain {
		main := BundleOption{Name: bundle.MainName, Compression: group.MergeDep, Priority: DefaultMainPriority}
		o.Bundles = append([]BundleOption{main}, o.Bundles...)
	}
	return o, nil
}

// ResolveWorkerExe returns the binary that serves worker tasks: exe when
// it is a path, exe looked up in PATH when it is a bare name, or self
// when exe is empty.
func ResolveWorkerExe(exe, self string, lookPath LookPathFunc) (string, error) {
	switch {
	case exe == "":
		if self == "" {
			return "", fmt.Errorf("%w: no worker executable", ErrConfig)
		}
		return self, nil
	case strings.ContainsRune(exe, filepath.Separator):
		return exe, nil
	default:
		path, err := lookPath(exe)
		if err != nil {
			return "", fmt.Errorf("%w: worker %q not found in PATH", ErrConfig, exe)
		}
		return path, nil
	}
}
