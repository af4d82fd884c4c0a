// Package builder drives one build run: it distributes the library's
// assets over the configured bundles, resolves cross-bundle ownership,
// fires the platform hooks, copies the build template and builds every
// bundle concurrently.
//
// A bundle that fails never stops the others. The run's result is a
// [Report] with one entry per bundle; the returned error is non-nil when
// any bundle failed or a run-wide step could not complete.
package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/assetpack/internal/asset"
	"github.com/steveyegge/assetpack/internal/buildctx"
	"github.com/steveyegge/assetpack/internal/bundle"
	"github.com/steveyegge/assetpack/internal/config"
	"github.com/steveyegge/assetpack/internal/events"
	"github.com/steveyegge/assetpack/internal/fsys"
	"github.com/steveyegge/assetpack/internal/hooks"
	"github.com/steveyegge/assetpack/internal/library"
	"github.com/steveyegge/assetpack/internal/md5cache"
	"github.com/steveyegge/assetpack/internal/overlay"
	"github.com/steveyegge/assetpack/internal/scripts"
	"github.com/steveyegge/assetpack/internal/telemetry"
)

// Output layout inside the build destination.
const (
	AssetsDir    = "assets"
	EngineDir    = "cocos-js"
	SettingsFile = "settings.json"
	LockFile     = ".apack.lock"
)

var (
	// ErrLocked is returned when another build holds the destination.
	ErrLocked = errors.New("destination is locked by another build")
	// ErrBundlesFailed is returned when at least one bundle failed.
	ErrBundlesFailed = errors.New("bundles failed")
)

// Options are the collaborators of a run.
type Options struct {
	Task       *config.BuildTaskOption
	FS         fsys.FS
	Log        logrus.FieldLogger
	DB         asset.Database
	Serializer asset.Serializer
	Compiler   scripts.Compiler
	// Hooks defaults to [hooks.Nop].
	Hooks    hooks.Hooks
	Recorder events.Recorder
	// Journal backs versioning. Nil selects an in-memory journal.
	Journal md5cache.Journal
	// Stderr receives template copy warnings.
	Stderr io.Writer
}

func (o *Options) validate() error {
	var err error
	if o.Task == nil {
		err = multierror.Append(err, errors.New("builder: no build task"))
	} else if o.Task.Dest == "" || !filepath.IsAbs(o.Task.Dest) {
		err = multierror.Append(err, fmt.Errorf("builder: dest %q is not absolute", o.Task.Dest))
	}
	if o.FS == nil {
		err = multierror.Append(err, errors.New("builder: no filesystem"))
	}
	if o.Log == nil {
		err = multierror.Append(err, errors.New("builder: no logger"))
	}
	if o.DB == nil {
		err = multierror.Append(err, errors.New("builder: no asset database"))
	}
	if o.Serializer == nil {
		err = multierror.Append(err, errors.New("builder: no serializer"))
	}
	return err
}

// BundleReport is the outcome of one bundle.
type BundleReport struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Err      string `json:"error,omitempty"`
	Version  string `json:"version,omitempty"`
	Assets   int    `json:"assets"`
	Scripts  int    `json:"scripts"`
	Scenes   int    `json:"scenes"`
	Redirect int    `json:"redirects"`
	Dest     string `json:"dest"`
}

// Report is the outcome of a run.
type Report struct {
	Bundles  []BundleReport
	Cache    library.Stats
	Inlined  int
	Duration time.Duration
}

// Failed returns the names of the bundles that failed.
func (r *Report) Failed() []string {
	var out []string
	for _, b := range r.Bundles {
		if !b.OK {
			out = append(out, b.Name)
		}
	}
	return out
}

// Build runs one build. The report is returned even when err is non-nil,
// unless the run could not start.
func Build(ctx context.Context, opts Options) (*Report, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	task := opts.Task
	unlock, err := lockDest(task.Dest)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r := &run{opts: opts, task: task, log: opts.Log.WithField("platform", task.Platform)}
	if r.opts.Hooks == nil {
		r.opts.Hooks = hooks.Nop{}
	}
	if r.opts.Recorder == nil {
		r.opts.Recorder = events.Discard
	}
	return r.build(ctx)
}

// lockDest takes an exclusive lock on dest for the duration of a run.
func lockDest(dest string) (func(), error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dest, err)
	}
	fl := flock.New(filepath.Join(dest, LockFile))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", dest, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dest)
	}
	return func() {
		fl.Unlock() //nolint:errcheck // released on exit regardless
	}, nil
}

type run struct {
	opts    Options
	task    *config.BuildTaskOption
	log     logrus.FieldLogger
	bctx    *buildctx.Context
	bundles []*bundle.Bundle
	byName  map[string]*bundle.Bundle
	// failed holds bundles that failed before their build started.
	failed map[string]error
}

func (r *run) build(ctx context.Context) (rep *Report, err error) {
	start := time.Now()
	rep = &Report{}
	r.failed = make(map[string]error)
	r.record(events.Event{Type: events.BuildStarted, Subject: r.task.Platform, Message: r.task.Dest})
	defer func() {
		rep.Duration = time.Since(start)
		r.finish(ctx, rep, err)
	}()

	lib := library.New(r.opts.DB, r.opts.Serializer, r.opts.FS, r.log, library.Options{
		CacheDir: r.task.CacheDir,
		UseCache: r.task.UseCache,
	})
	r.bctx = &buildctx.Context{
		Options: buildctx.Options{
			Platform:     r.task.Platform,
			Debug:        r.task.Debug,
			MD5Cache:     r.task.MD5Cache,
			InlineImages: r.task.InlineImages,
		},
		FS:       r.opts.FS,
		Log:      r.log,
		Library:  lib,
		Compiler: r.opts.Compiler,
		Recorder: r.opts.Recorder,
		Journal:  r.opts.Journal,
	}
	if err := r.bctx.Validate(); err != nil {
		return rep, err
	}
	defer func() {
		rep.Cache = lib.Stats()
		if cerr := r.bctx.Close(); cerr != nil {
			r.log.Warnf("closing build context: %v", cerr)
		}
	}()

	if err := r.opts.Hooks.OnAfterInit(ctx, r.info(nil)); err != nil {
		return rep, err
	}
	if err := r.initBundles(); err != nil {
		return rep, err
	}
	if err := r.collect(); err != nil {
		return rep, err
	}
	r.resolveDeps()
	if err := r.opts.Hooks.OnAfterBundleInit(ctx, r.info(nil)); err != nil {
		return rep, err
	}
	rep.Inlined = r.plan()

	if err := r.opts.Hooks.OnBeforeCopyBuildTemplate(ctx, r.info(nil)); err != nil {
		return rep, err
	}
	if err := r.copyTemplate(ctx); err != nil {
		return rep, err
	}

	rep.Bundles = r.buildBundles(ctx)
	failed := rep.Failed()
	if err := r.writeSettings(rep.Bundles); err != nil {
		return rep, err
	}
	if err := r.opts.Hooks.OnAfterBuild(ctx, r.info(failed)); err != nil {
		return rep, err
	}
	if len(failed) > 0 {
		return rep, fmt.Errorf("%w: %s", ErrBundlesFailed, strings.Join(failed, ", "))
	}
	return rep, nil
}

func (r *run) finish(ctx context.Context, rep *Report, err error) {
	failed := len(rep.Failed())
	log := r.log.WithField("ms", rep.Duration.Milliseconds())
	msg := "ok"
	if err != nil {
		msg = err.Error()
		log.WithError(err).Error("build failed")
	} else {
		log.Infof("built %d bundles", len(rep.Bundles))
	}
	r.record(events.Event{Type: events.BuildFinished, Subject: r.task.Platform, Message: msg})
	telemetry.RecordBuild(ctx, r.task.Platform, len(rep.Bundles), failed, float64(rep.Duration.Milliseconds()), err)
}

func (r *run) record(e events.Event) {
	e.Actor = "apack"
	r.opts.Recorder.Record(e)
}

func (r *run) info(failed []string) hooks.Info {
	names := make([]string, len(r.task.Bundles))
	for i, b := range r.task.Bundles {
		names[i] = b.Name
	}
	return hooks.Info{
		Project:  r.task.Name,
		Platform: r.task.Platform,
		Dest:     r.task.Dest,
		Debug:    r.task.Debug,
		Bundles:  names,
		Failed:   failed,
	}
}

// initBundles creates one bundle per configured entry.
func (r *run) initBundles() error {
	r.byName = make(map[string]*bundle.Bundle, len(r.task.Bundles))
	for _, bo := range r.task.Bundles {
		b, err := bundle.New(r.bctx, bundle.InitOptions{
			Name:        bo.Name,
			Root:        bo.Root,
			Dest:        filepath.Join(r.task.Dest, AssetsDir, bo.Name),
			Compression: bo.Compression,
			Remote:      bo.Remote,
			Priority:    bo.Priority,
			Filter:      bo.Filter,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", config.ErrConfig, err)
		}
		if _, dup := r.byName[b.Name]; dup {
			return fmt.Errorf("%w: duplicate bundle %q", config.ErrConfig, b.Name)
		}
		r.bundles = append(r.bundles, b)
		r.byName[b.Name] = b
	}
	if _, ok := r.byName[bundle.MainName]; !ok {
		return fmt.Errorf("%w: no %s bundle", config.ErrConfig, bundle.MainName)
	}
	return nil
}

// collect adds every top-level asset as a root of the bundle whose root
// is its longest url prefix. Assets outside every root go to main.
func (r *run) collect() error {
	all, err := r.opts.DB.QueryAll()
	if err != nil {
		return fmt.Errorf("querying assets: %w", err)
	}
	slices.SortFunc(all, func(a, b *asset.Asset) int { return strings.Compare(a.UUID, b.UUID) })
	for _, a := range all {
		if a.IsSubAsset() {
			continue
		}
		r.owner(a.URL).AddRootAsset(a)
	}
	return nil
}

// owner returns the bundle whose root is the longest prefix of url.
func (r *run) owner(url string) *bundle.Bundle {
	best := r.byName[bundle.MainName]
	for _, b := range r.bundles {
		if b.Root == "" || len(b.Root) <= len(best.Root) {
			continue
		}
		if url == b.Root || strings.HasPrefix(url, b.Root+"/") {
			best = b
		}
	}
	return best
}

// resolveDeps pulls the transitive dependencies of each bundle's roots
// into the bundle. A dependency that is a root of another bundle with
// equal or higher priority becomes a redirect to that bundle; otherwise
// the bundle keeps its own copy.
func (r *run) resolveDeps() {
	home := make(map[string]*bundle.Bundle)
	for _, b := range r.bundles {
		for _, id := range b.RootAssets() {
			home[id] = b
		}
	}
	for _, b := range r.bundles {
		log := r.log.WithField("bundle", b.Name)
		for _, root := range b.RootAssets() {
			deps, err := r.bctx.Library.GetDependUUIDsDeep(root)
			if err != nil {
				log.WithField("uuid", root).Warnf("dependencies skipped: %v", err)
				continue
			}
			for _, dep := range deps {
				if b.ContainsAsset(dep, false) {
					continue
				}
				if h, ok := home[dep]; ok && h != b && h.Priority >= b.Priority {
					if err := b.AddRedirect(dep, h.Name); err != nil {
						log.WithField("uuid", dep).Warnf("redirect skipped: %v", err)
					}
					continue
				}
				a, err := r.bctx.Library.GetAsset(dep)
				if err != nil {
					log.WithFields(logrus.Fields{"uuid": dep, "from": root}).Warnf("missing dependency: %v", err)
					continue
				}
				if a.Category() != asset.Script && !a.HasFiles() {
					continue
				}
				b.AddAsset(a)
			}
		}
	}
}

// plan inlines images when enabled and groups every bundle. A bundle that
// cannot be grouped is marked failed.
func (r *run) plan() int {
	inlined := 0
	for _, b := range r.bundles {
		if r.task.InlineImages {
			inlined += b.InlineImages()
		}
		if err := b.PlanGroups(); err != nil {
			r.log.WithField("bundle", b.Name).Errorf("grouping failed: %v", err)
			r.failed[b.Name] = fmt.Errorf("grouping: %w", err)
		}
	}
	return inlined
}

// copyTemplate copies the platform template, minus dotfiles, into dest and
// assembles the engine when an engine directory is configured.
func (r *run) copyTemplate(ctx context.Context) error {
	if r.task.TemplateDir != "" {
		stderr := r.opts.Stderr
		if stderr == nil {
			stderr = io.Discard
		}
		if err := overlay.CopyDir(r.opts.FS, r.task.TemplateDir, r.task.Dest, overlay.SkipHidden, stderr); err != nil {
			return fmt.Errorf("copying build template: %w", err)
		}
	}
	if r.task.EngineDir == "" {
		return nil
	}
	if r.opts.Compiler == nil {
		return errors.New("assembling engine: no script compiler")
	}
	res, err := r.opts.Compiler.AssembleEngine(ctx, scripts.EngineRequest{
		EngineDir: r.task.EngineDir,
		Features:  r.task.Features,
		OutDir:    filepath.Join(r.task.Dest, EngineDir),
		Debug:     r.task.Debug,
	})
	if err != nil {
		return fmt.Errorf("assembling engine: %w", err)
	}
	r.log.Debugf("engine written: %s", strings.Join(res.Files, ", "))
	return nil
}

// buildBundles builds every bundle, at most Concurrency at a time. Reports
// keep configuration order.
func (r *run) buildBundles(ctx context.Context) []BundleReport {
	reports := make([]BundleReport, len(r.bundles))
	g := &errgroup.Group{}
	if r.task.Concurrency > 0 {
		g.SetLimit(r.task.Concurrency)
	}
	for i, b := range r.bundles {
		g.Go(func() error {
			reports[i] = r.buildBundle(ctx, b)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors
	return reports
}

func (r *run) buildBundle(ctx context.Context, b *bundle.Bundle) BundleReport {
	rep := BundleReport{
		Name:     b.Name,
		Assets:   len(b.Assets()),
		Scripts:  len(b.Scripts()),
		Scenes:   len(b.Scenes()),
		Redirect: len(b.Redirects()),
		Dest:     b.Dest,
	}
	err := r.failed[b.Name]
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = b.Build(ctx)
	}
	if err != nil {
		rep.Err = err.Error()
		r.record(events.Event{Type: events.BundleFailed, Subject: b.Name, Message: rep.Err})
		return rep
	}
	rep.OK = true
	rep.Version = b.Version()
	payload, _ := json.Marshal(map[string]any{"version": rep.Version, "assets": rep.Assets}) //nolint:errcheck // plain map
	r.record(events.Event{Type: events.BundleBuilt, Subject: b.Name, Payload: payload})
	return rep
}
