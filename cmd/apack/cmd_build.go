package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/steveyegge/assetpack/internal/assetdb"
	"github.com/steveyegge/assetpack/internal/builder"
	"github.com/steveyegge/assetpack/internal/config"
	"github.com/steveyegge/assetpack/internal/events"
	"github.com/steveyegge/assetpack/internal/fsys"
	"github.com/steveyegge/assetpack/internal/hooks"
	"github.com/steveyegge/assetpack/internal/md5cache"
	"github.com/steveyegge/assetpack/internal/scripts"
	"github.com/steveyegge/assetpack/internal/serialize"
	"github.com/steveyegge/assetpack/internal/telemetry"
	"github.com/steveyegge/assetpack/internal/workerpool"
)

// JournalFile is the versioning journal inside the state directory.
const JournalFile = "versions.db"

// watchDebounce collapses bursts of file events into one rebuild.
const watchDebounce = 300 * time.Millisecond

type buildFlags struct {
	watch   bool
	json    bool
	inProc  bool
	debug   bool
	noCache bool
}

func newBuildCmd(stdout, stderr io.Writer) *cobra.Command {
	var f buildFlags
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build every bundle of the project",
		Long: `Build every bundle of the project into the output directory.

Assets are assigned to the bundle with the longest matching root; assets
outside every root go to the main bundle. A bundle that fails is reported
and does not stop the others. With --watch, apack rebuilds whenever the
project file, an include, the library or the template changes.`,
		Example: `  apack build
  apack build --debug --no-cache
  apack build --watch`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if doBuild(f, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "rebuild when sources change")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the build report as JSON")
	cmd.Flags().BoolVar(&f.inProc, "in-process", false, "compile scripts in this process instead of worker processes")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "debug build (overrides build.debug)")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "bypass the serialization cache")
	return cmd
}

func doBuild(f buildFlags, stdout, stderr io.Writer) int {
	task, prov, err := loadTask()
	if err != nil {
		fmt.Fprintf(stderr, "apack build: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if f.debug {
		task.Debug = true
	}
	if f.noCache {
		task.UseCache = false
	}
	log, err := newLogger(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "apack build: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		MetricsURL: task.Telemetry.MetricsURL,
		LogsURL:    task.Telemetry.LogsURL,
		Version:    version,
	})
	if err != nil {
		log.WithError(err).Warn("telemetry disabled")
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		tp.Shutdown(sctx) //nolint:errcheck // best-effort flush
	}()

	s, err := newSession(task, f.inProc, log, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "apack build: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	defer s.close()

	code := s.buildOnce(ctx, f.json, stdout, stderr)
	if !f.watch {
		return code
	}
	if err := s.watch(ctx, prov, f.json, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "apack build: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	return 0
}

// session holds what survives between builds of one invocation: the
// worker pool, the event log and the versioning journal.
type session struct {
	task     *config.BuildTaskOption
	log      logrus.FieldLogger
	fs       fsys.FS
	pool     *workerpool.Pool
	compiler scripts.Compiler
	journal  md5cache.Journal
	closers  []func()
	opts     builder.Options
}

func newSession(task *config.BuildTaskOption, inProc bool, log logrus.FieldLogger, stderr io.Writer) (*session, error) {
	s := &session{task: task, log: log, fs: fsys.OSFS{}}
	rec, closeRec := openRecorder(task, stderr)
	s.closers = append(s.closers, closeRec)

	if inProc {
		s.compiler = &scripts.Local{FS: s.fs, Log: log}
	} else {
		self, _ := os.Executable()
		exe, err := config.ResolveWorkerExe(task.Worker.Exe, self, exec.LookPath)
		if err != nil {
			s.close()
			return nil, err
		}
		env := maps.Clone(task.Worker.Env)
		if env == nil {
			env = make(map[string]string)
		}
		maps.Copy(env, telemetry.OTELEnvMap())
		s.pool = workerpool.New(workerpool.Options{
			IdleTimeout:  task.Worker.IdleTimeout,
			KillOnCancel: task.Worker.KillOnCancel,
			Env:          env,
			Log:          log,
			Recorder:     rec,
		})
		s.closers = append(s.closers, func() { s.pool.Close() }) //nolint:errcheck // best-effort cleanup
		if err := scripts.Register(s.pool, exe, nil); err != nil {
			s.close()
			return nil, err
		}
		s.compiler = scripts.NewPoolCompiler(s.pool)
	}

	if task.MD5Cache {
		if err := os.MkdirAll(task.StateDir, 0o755); err != nil {
			s.close()
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
		j, err := md5cache.OpenBoltJournal(filepath.Join(task.StateDir, JournalFile))
		if err != nil {
			s.close()
			return nil, err
		}
		s.journal = j
		s.closers = append(s.closers, func() { j.Close() }) //nolint:errcheck // best-effort cleanup
	}

	s.opts = builder.Options{
		Task:       task,
		FS:         s.fs,
		Log:        log,
		Serializer: serialize.New(),
		Compiler:   s.compiler,
		Hooks:      shellHooks(task, log, rec),
		Recorder:   rec,
		Journal:    s.journal,
		Stderr:     stderr,
	}
	return s, nil
}

func shellHooks(task *config.BuildTaskOption, log logrus.FieldLogger, rec events.Recorder) hooks.Hooks {
	cmds := map[hooks.Point]string{
		hooks.AfterInit:               task.Hooks.AfterInit,
		hooks.AfterBundleInit:         task.Hooks.AfterBundleInit,
		hooks.BeforeCopyBuildTemplate: task.Hooks.BeforeCopyBuildTemplate,
		hooks.AfterBuild:              task.Hooks.AfterBuild,
	}
	return &hooks.Shell{
		Commands: cmds,
		Dir:      task.ProjectDir,
		Timeout:  task.HookTimeout,
		Log:      log,
		Recorder: rec,
	}
}

func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// buildOnce runs one build and prints its report. The asset database is
// reopened each time so edits to the library index are picked up.
func (s *session) buildOnce(ctx context.Context, asJSON bool, stdout, stderr io.Writer) int {
	db, err := assetdb.Open(s.fs, s.task.LibraryDir)
	if err != nil {
		fmt.Fprintf(stderr, "apack build: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	opts := s.opts
	opts.DB = db
	rep, err := builder.Build(ctx, opts)
	if rep != nil && len(rep.Bundles) > 0 {
		if asJSON {
			printReportJSON(rep, stdout, stderr)
		} else {
			printReport(rep, stdout)
		}
	}
	if err != nil {
		if errors.Is(err, builder.ErrLocked) {
			fmt.Fprintf(stderr, "apack build: %v (is another build running?)\n", err) //nolint:errcheck // best-effort stderr
			return 1
		}
		fmt.Fprintf(stderr, "apack build: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	return 0
}

// watch rebuilds whenever the revision of the watched sources changes,
// until ctx is canceled.
func (s *session) watch(ctx context.Context, prov *config.Provenance, asJSON bool, stdout, stderr io.Writer) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer w.Close() //nolint:errcheck // best-effort cleanup

	for _, dir := range config.WatchDirs(prov, s.task) {
		if err := addTree(w, dir); err != nil {
			s.log.WithError(err).WithField("dir", dir).Warn("not watching")
		}
	}
	rev := config.Revision(s.fs, prov, s.task)
	// Edits below these dirs always rebuild. Elsewhere only a changed
	// revision does, so editor swap files next to apack.toml are ignored.
	var content []string
	for _, dir := range []string{s.task.LibraryDir, s.task.TemplateDir, s.task.EngineDir} {
		if dir != "" {
			content = append(content, dir)
		}
	}
	dirty := false
	fmt.Fprintln(stdout, "Watching for changes. Press Ctrl-C to stop.") //nolint:errcheck // best-effort stdout

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if under(ev.Name, content) {
				dirty = true
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					addTree(w, ev.Name) //nolint:errcheck // best-effort
				}
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(err).Warn("watcher error")
		case <-fire:
			fire = nil
			next := config.Revision(s.fs, prov, s.task)
			if next == rev && !dirty {
				continue
			}
			rev, dirty = next, false
			fmt.Fprintln(stdout, "Change detected, rebuilding.") //nolint:errcheck // best-effort stdout
			s.buildOnce(ctx, asJSON, stdout, stderr)
		}
	}
}

// addTree watches dir and every directory below it. fsnotify watches are
// not recursive.
func addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == config.StateDir {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

func under(path string, dirs []string) bool {
	for _, dir := range dirs {
		if rel, err := filepath.Rel(dir, path); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func printReport(rep *builder.Report, stdout io.Writer) {
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BUNDLE\tSTATUS\tASSETS\tSCRIPTS\tSCENES\tREDIRECTS\tVERSION") //nolint:errcheck // best-effort stdout
	for _, b := range rep.Bundles {
		status := "ok"
		if !b.OK {
			status = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n", //nolint:errcheck // best-effort stdout
			b.Name, status, b.Assets, b.Scripts, b.Scenes, b.Redirect, b.Version)
	}
	tw.Flush() //nolint:errcheck // best-effort stdout
	for _, b := range rep.Bundles {
		if !b.OK {
			fmt.Fprintf(stdout, "  %s: %s\n", b.Name, b.Err) //nolint:errcheck // best-effort stdout
		}
	}
	fmt.Fprintf(stdout, "Cache: %d hits, %d misses, %d bypassed. Took %s.\n", //nolint:errcheck // best-effort stdout
		rep.Cache.Hits, rep.Cache.Misses, rep.Cache.Bypassed, rep.Duration.Round(time.Millisecond))
}

func printReportJSON(rep *builder.Report, stdout, stderr io.Writer) {
	data, err := json.MarshalIndent(struct {
		Bundles    []builder.BundleReport `json:"bundles"`
		CacheHits  int64                  `json:"cache_hits"`
		CacheMiss  int64                  `json:"cache_misses"`
		Inlined    int                    `json:"inlined"`
		DurationMs int64                  `json:"duration_ms"`
	}{rep.Bundles, rep.Cache.Hits, rep.Cache.Misses, rep.Inlined, rep.Duration.Milliseconds()}, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "apack build: %v\n", err) //nolint:errcheck // best-effort stderr
		return
	}
	fmt.Fprintln(stdout, string(data)) //nolint:errcheck // best-effort stdout
}
