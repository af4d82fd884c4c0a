package doctor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/steveyegge/assetpack/internal/asset"
	"github.com/steveyegge/assetpack/internal/assetdb"
	"github.com/steveyegge/assetpack/internal/builder"
	"github.com/steveyegge/assetpack/internal/config"
	"github.com/steveyegge/assetpack/internal/events"
	"github.com/steveyegge/assetpack/internal/fsys"
)

// EventsFile is the event log inside the state directory.
const EventsFile = "events.jsonl"

// detailLimit caps the details a check lists.
const detailLimit = 20

// ProjectFile returns the path of the project file in dir, or "" when
// there is none.
func ProjectFile(fsy fsys.FS, dir string) string {
	for _, name := range config.FileNames {
		p := filepath.Join(dir, name)
		if fi, err := fsy.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	return ""
}

// --- Project checks ---

// ProjectStructureCheck verifies the project file and the .apack state
// directory. A missing state directory can be created.
type ProjectStructureCheck struct {
	FS fsys.FS
}

// Name returns the check identifier.
func (c *ProjectStructureCheck) Name() string { return "project-structure" }

// Run checks the project layout.
func (c *ProjectStructureCheck) Run(ctx *CheckContext) *CheckResult {
	r := &CheckResult{Name: c.Name()}
	file := ProjectFile(c.FS, ctx.ProjectDir)
	if file == "" {
		r.Status = StatusError
		r.Message = config.FileName + " missing"
		r.FixHint = "run apack init"
		return r
	}
	if fi, err := c.FS.Stat(filepath.Join(ctx.ProjectDir, config.StateDir)); err != nil || !fi.IsDir() {
		r.Status = StatusWarning
		r.Message = config.StateDir + "/ directory missing"
		return r
	}
	r.Status = StatusOK
	r.Message = fmt.Sprintf("%s and %s/ present", filepath.Base(file), config.StateDir)
	return r
}

// CanFix returns true: the state directory can be created.
func (c *ProjectStructureCheck) CanFix() bool { return true }

// Fix creates the state directory. The project file is never written.
func (c *ProjectStructureCheck) Fix(ctx *CheckContext) error {
	if ProjectFile(c.FS, ctx.ProjectDir) == "" {
		return errors.New("no project file to repair")
	}
	return c.FS.MkdirAll(filepath.Join(ctx.ProjectDir, config.StateDir), 0o755)
}

// ProjectConfigCheck loads the project file with its includes and
// environment overrides and validates it.
type ProjectConfigCheck struct {
	FS fsys.FS
}

// Name returns the check identifier.
func (c *ProjectConfigCheck) Name() string { return "project-config" }

// Run loads and validates the configuration.
func (c *ProjectConfigCheck) Run(ctx *CheckContext) *CheckResult {
	r := &CheckResult{Name: c.Name()}
	file := ProjectFile(c.FS, ctx.ProjectDir)
	if file == "" {
		r.Status = StatusError
		r.Message = "no project file"
		return r
	}
	p, prov, err := config.LoadWithIncludes(c.FS, file)
	if err == nil {
		err = config.ApplyEnv(p)
	}
	if err == nil {
		err = config.Validate(p)
	}
	if err != nil {
		r.Status = StatusError
		lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
		r.Message = lines[0]
		r.Details = lines[1:]
		return r
	}
	r.Message = fmt.Sprintf("%s loaded (%d bundles, %d sources)", filepath.Base(file), len(p.Bundles), len(prov.Sources))
	if len(prov.Warnings) > 0 {
		r.Status = StatusWarning
		r.Message += fmt.Sprintf(", %d warnings", len(prov.Warnings))
		r.Details = prov.Warnings
		return r
	}
	r.Status = StatusOK
	return r
}

// CanFix returns false.
func (c *ProjectConfigCheck) CanFix() bool { return false }

// Fix is a no-op.
func (c *ProjectConfigCheck) Fix(_ *CheckContext) error { return nil }

// --- Library checks ---

// LibraryIndexCheck reads the library index and looks for dependencies on
// unknown assets and missing import records.
type LibraryIndexCheck struct {
	FS         fsys.FS
	LibraryDir string
}

// Name returns the check identifier.
func (c *LibraryIndexCheck) Name() string { return "library-index" }

// Run checks the library index.
func (c *LibraryIndexCheck) Run(_ *CheckContext) *CheckResult {
	r := &CheckResult{Name: c.Name()}
	db, err := assetdb.Open(c.FS, c.LibraryDir)
	if err != nil {
		r.Status = StatusError
		r.Message = err.Error()
		r.FixHint = "export the asset library from the editor"
		return r
	}
	all, err := db.QueryAll()
	if err != nil {
		r.Status = StatusError
		r.Message = err.Error()
		return r
	}

	var dangling, missing []string
	for _, a := range all {
		deps, _ := db.QueryDependencies(a.UUID) //nolint:errcheck // a comes from the same db
		for _, d := range deps {
			if _, err := db.QueryAsset(d); errors.Is(err, asset.ErrNotFound) {
				dangling = append(dangling, fmt.Sprintf("%s -> %s", a.URL, d))
			}
		}
		if ext := a.ImportFileExt(); ext != "" && a.Library != "" {
			if _, err := c.FS.Stat(a.Library + ext); err != nil {
				missing = append(missing, a.Library+ext)
			}
		}
	}
	if len(dangling) == 0 && len(missing) == 0 {
		r.Status = StatusOK
		r.Message = fmt.Sprintf("%d assets indexed", len(all))
		return r
	}
	r.Status = StatusWarning
	r.Message = fmt.Sprintf("%d assets, %d unknown dependencies, %d missing records", len(all), len(dangling), len(missing))
	r.Details = limit(append(dangling, missing...))
	return r
}

// CanFix returns false.
func (c *LibraryIndexCheck) CanFix() bool { return false }

// Fix is a no-op.
func (c *LibraryIndexCheck) Fix(_ *CheckContext) error { return nil }

// CacheDirCheck verifies the serialization cache directory is writable.
// A missing directory can be created.
type CacheDirCheck struct {
	FS  fsys.FS
	Dir string
}

// Name returns the check identifier.
func (c *CacheDirCheck) Name() string { return "cache-dir" }

// Run probes the cache directory with a throwaway file.
func (c *CacheDirCheck) Run(_ *CheckContext) *CheckResult {
	r := &CheckResult{Name: c.Name()}
	fi, err := c.FS.Stat(c.Dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		r.Status = StatusWarning
		r.Message = fmt.Sprintf("%s does not exist", c.Dir)
		return r
	case err != nil:
		r.Status = StatusError
		r.Message = err.Error()
		return r
	case !fi.IsDir():
		r.Status = StatusError
		r.Message = fmt.Sprintf("%s is not a directory", c.Dir)
		return r
	}
	probe := filepath.Join(c.Dir, ".doctor-probe")
	if err := c.FS.WriteFile(probe, nil, 0o644); err != nil {
		r.Status = StatusError
		r.Message = fmt.Sprintf("%s not writable: %v", c.Dir, err)
		return r
	}
	c.FS.Remove(probe) //nolint:errcheck // best-effort cleanup
	r.Status = StatusOK
	r.Message = c.Dir + " writable"
	return r
}

// CanFix returns true.
func (c *CacheDirCheck) CanFix() bool { return true }

// Fix creates the cache directory.
func (c *CacheDirCheck) Fix(_ *CheckContext) error {
	return c.FS.MkdirAll(c.Dir, 0o755)
}

// PathCheck verifies a configured directory exists.
type PathCheck struct {
	Label string
	Path  string
}

// Name returns the check identifier.
func (c *PathCheck) Name() string { return c.Label }

// Run checks the directory.
func (c *PathCheck) Run(_ *CheckContext) *CheckResult {
	r := &CheckResult{Name: c.Name()}
	if c.Path == "" {
		r.Status = StatusOK
		r.Message = "not configured"
		return r
	}
	fi, err := os.Stat(c.Path)
	if err != nil || !fi.IsDir() {
		r.Status = StatusError
		r.Message = fmt.Sprintf("%s is not a directory", c.Path)
		return r
	}
	r.Status = StatusOK
	r.Message = c.Path
	return r
}

// CanFix returns false.
func (c *PathCheck) CanFix() bool { return false }

// Fix is a no-op.
func (c *PathCheck) Fix(_ *CheckContext) error { return nil }

// --- Build infrastructure ---

// WorkerExeCheck verifies the worker executable resolves.
type WorkerExeCheck struct {
	Exe  string
	Self string
	// LookPath defaults to os/exec.LookPath.
	LookPath config.LookPathFunc
}

// Name returns the check identifier.
func (c *WorkerExeCheck) Name() string { return "worker-exe" }

// Run resolves the worker executable.
func (c *WorkerExeCheck) Run(_ *CheckContext) *CheckResult {
	r := &CheckResult{Name: c.Name()}
	lookPath := c.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, err := config.ResolveWorkerExe(c.Exe, c.Self, lookPath)
	if err != nil {
		r.Status = StatusError
		r.Message = err.Error()
		r.FixHint = "set worker.exe in apack.toml or APACK_WORKER_EXE"
		return r
	}
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() || fi.Mode()&0o111 == 0 {
		r.Status = StatusError
		r.Message = fmt.Sprintf("%s is not an executable file", path)
		return r
	}
	r.Status = StatusOK
	r.Message = "found " + path
	return r
}

// CanFix returns false.
func (c *WorkerExeCheck) CanFix() bool { return false }

// Fix is a no-op.
func (c *WorkerExeCheck) Fix(_ *CheckContext) error { return nil }

// EventsLogCheck verifies the event log is readable and appendable.
type EventsLogCheck struct{}

// Name returns the check identifier.
func (c *EventsLogCheck) Name() string { return "events-log" }

// Run checks the event log.
func (c *EventsLogCheck) Run(ctx *CheckContext) *CheckResult {
	r := &CheckResult{Name: c.Name()}
	path := filepath.Join(ctx.ProjectDir, config.StateDir, EventsFile)
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		r.Status = StatusOK
		r.Message = "no events recorded yet"
		return r
	}
	if err != nil {
		r.Status = StatusWarning
		r.Message = err.Error()
		return r
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, fi.Mode())
	if err != nil {
		r.Status = StatusWarning
		r.Message = fmt.Sprintf("%s not writable: %v", EventsFile, err)
		return r
	}
	f.Close() //nolint:errcheck // probe only
	evs, err := events.ReadAll(path)
	if err != nil {
		r.Status = StatusWarning
		r.Message = err.Error()
		return r
	}
	r.Status = StatusOK
	r.Message = fmt.Sprintf("%d events recorded", len(evs))
	return r
}

// CanFix returns false.
func (c *EventsLogCheck) CanFix() bool { return false }

// Fix is a no-op.
func (c *EventsLogCheck) Fix(_ *CheckContext) error { return nil }

// BuildLockCheck reports a build that currently holds the destination.
type BuildLockCheck struct {
	Dest string
}

// Name returns the check identifier.
func (c *BuildLockCheck) Name() string { return "build-lock" }

// Run probes the destination lock.
func (c *BuildLockCheck) Run(_ *CheckContext) *CheckResult {
	r := &CheckResult{Name: c.Name(), Status: StatusOK}
	if IsBuildRunning(c.Dest) {
		r.Status = StatusWarning
		r.Message = "a build is writing " + c.Dest
		return r
	}
	r.Message = "no build running"
	return r
}

// CanFix returns false.
func (c *BuildLockCheck) CanFix() bool { return false }

// Fix is a no-op.
func (c *BuildLockCheck) Fix(_ *CheckContext) error { return nil }

// IsBuildRunning reports whether another process holds the build lock of
// dest.
func IsBuildRunning(dest string) bool {
	path := filepath.Join(dest, builder.LockFile)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil || !ok {
		return err == nil
	}
	fl.Unlock() //nolint:errcheck // probe only
	return false
}

func limit(lines []string) []string {
	if len(lines) <= detailLimit {
		return lines
	}
	return append(lines[:detailLimit:detailLimit], fmt.Sprintf("... and %d more", len(lines)-detailLimit))
}
