package doctor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"

	"github.com/steveyegge/assetpack/internal/builder"
	"github.com/steveyegge/assetpack/internal/fsys"
)

const minimalProject = "[project]\nname = \"demo\"\n"

// setupProject creates .apack/ and apack.toml in a temp dir.
func setupProject(t *testing.T, toml string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".apack"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "apack.toml"), []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

// --- ProjectStructureCheck ---

func TestProjectStructureCheck_OK(t *testing.T) {
	dir := setupProject(t, minimalProject)
	r := (&ProjectStructureCheck{FS: fsys.OSFS{}}).Run(&CheckContext{ProjectDir: dir})
	if r.Status != StatusOK {
		t.Errorf("status = %s, want ok; msg = %s", r.Status, r.Message)
	}
}

func TestProjectStructureCheck_MissingFile(t *testing.T) {
	c := &ProjectStructureCheck{FS: fsys.OSFS{}}
	ctx := &CheckContext{ProjectDir: t.TempDir()}
	r := c.Run(ctx)
	if r.Status != StatusError || r.FixHint == "" {
		t.Errorf("result = %+v, want an error with a hint", r)
	}
	if err := c.Fix(ctx); err == nil {
		t.Error("Fix succeeded without a project file")
	}
}

func TestProjectStructureCheck_FixesStateDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "apack.yaml"), []byte("project:\n  name: demo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	d := &Doctor{}
	d.Register(&ProjectStructureCheck{FS: fsys.OSFS{}})
	var out strings.Builder
	rep := d.Run(&CheckContext{ProjectDir: dir}, &out, true)
	if rep.Fixed != 1 {
		t.Fatalf("Fixed = %d, want 1; output:\n%s", rep.Fixed, out.String())
	}
	if fi, err := os.Stat(filepath.Join(dir, ".apack")); err != nil || !fi.IsDir() {
		t.Errorf(".apack not created: %v", err)
	}
}

// --- ProjectConfigCheck ---

func TestProjectConfigCheck_OK(t *testing.T) {
	dir := setupProject(t, minimalProject)
	r := (&ProjectConfigCheck{FS: fsys.OSFS{}}).Run(&CheckContext{ProjectDir: dir})
	if r.Status != StatusOK {
		t.Errorf("status = %s, want ok; msg = %s", r.Status, r.Message)
	}
	if !strings.Contains(r.Message, "apack.toml loaded") {
		t.Errorf("message = %q", r.Message)
	}
}

func TestProjectConfigCheck_ParseError(t *testing.T) {
	dir := setupProject(t, "{{invalid toml")
	r := (&ProjectConfigCheck{FS: fsys.OSFS{}}).Run(&CheckContext{ProjectDir: dir})
	if r.Status != StatusError {
		t.Errorf("status = %s, want error", r.Status)
	}
}

func TestProjectConfigCheck_ValidationDetails(t *testing.T) {
	dir := setupProject(t, `[project]
name = ""

[[bundle]]
name = "level1"
`)
	r := (&ProjectConfigCheck{FS: fsys.OSFS{}}).Run(&CheckContext{ProjectDir: dir})
	if r.Status != StatusError {
		t.Fatalf("status = %s, want error", r.Status)
	}
	all := r.Message + "\n" + strings.Join(r.Details, "\n")
	for _, want := range []string{"project.name", "level1"} {
		if !strings.Contains(all, want) {
			t.Errorf("result %q does not mention %q", all, want)
		}
	}
}

func TestProjectConfigCheck_IncludeWarnings(t *testing.T) {
	dir := setupProject(t, `include = ["ci.toml"]

[project]
name = "demo"

[build]
platform = "web-mobile"
`)
	if err := os.WriteFile(filepath.Join(dir, "ci.toml"), []byte("[build]\nplatform = \"android\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := (&ProjectConfigCheck{FS: fsys.OSFS{}}).Run(&CheckContext{ProjectDir: dir})
	if r.Status != StatusWarning {
		t.Fatalf("status = %s, want warning; msg = %s", r.Status, r.Message)
	}
	if len(r.Details) != 1 || !strings.Contains(r.Details[0], "build.platform") {
		t.Errorf("details = %v", r.Details)
	}
}

// --- LibraryIndexCheck ---

func TestLibraryIndexCheck_OK(t *testing.T) {
	fs := fsys.NewFake()
	fs.Files["/game/library/assets.jsonc"] = []byte(`{
  // exported by the editor
  "version": 1,
  "assets": [
    {"uuid": "a", "type": "cc.JsonAsset", "url": "db://assets/a.json", "library": "a", "extensions": [".json"], "depends": ["b"]},
    {"uuid": "b", "type": "cc.JsonAsset", "url": "db://assets/b.json", "library": "b", "extensions": [".json"]},
  ]
}`)
	fs.Files["/game/library/a.json"] = []byte("{}")
	fs.Files["/game/library/b.json"] = []byte("{}")

	r := (&LibraryIndexCheck{FS: fs, LibraryDir: "/game/library"}).Run(&CheckContext{})
	if r.Status != StatusOK {
		t.Errorf("status = %s, want ok; msg = %s", r.Status, r.Message)
	}
	if r.Message != "2 assets indexed" {
		t.Errorf("message = %q", r.Message)
	}
}

func TestLibraryIndexCheck_Problems(t *testing.T) {
	fs := fsys.NewFake()
	fs.Files["/game/library/assets.jsonc"] = []byte(`{"version": 1, "assets": [
    {"uuid": "a", "type": "cc.JsonAsset", "url": "db://assets/a.json", "library": "a", "extensions": [".json"], "depends": ["gone"]}
]}`)

	r := (&LibraryIndexCheck{FS: fs, LibraryDir: "/game/library"}).Run(&CheckContext{})
	if r.Status != StatusWarning {
		t.Fatalf("status = %s, want warning", r.Status)
	}
	if !strings.Contains(r.Message, "1 unknown dependencies, 1 missing records") {
		t.Errorf("message = %q", r.Message)
	}
	if len(r.Details) != 2 || !strings.Contains(r.Details[0], "gone") {
		t.Errorf("details = %v", r.Details)
	}
}

func TestLibraryIndexCheck_Missing(t *testing.T) {
	r := (&LibraryIndexCheck{FS: fsys.NewFake(), LibraryDir: "/game/library"}).Run(&CheckContext{})
	if r.Status != StatusError || r.FixHint == "" {
		t.Errorf("result = %+v, want an error with a hint", r)
	}
}

// --- CacheDirCheck ---

func TestCacheDirCheck_FixCreates(t *testing.T) {
	fs := fsys.NewFake()
	c := &CacheDirCheck{FS: fs, Dir: "/game/.apack/cache"}
	if r := c.Run(&CheckContext{}); r.Status != StatusWarning {
		t.Fatalf("status = %s, want warning", r.Status)
	}
	if err := c.Fix(&CheckContext{}); err != nil {
		t.Fatal(err)
	}
	if r := c.Run(&CheckContext{}); r.Status != StatusOK {
		t.Errorf("status after fix = %s; msg = %s", r.Status, r.Message)
	}
	if _, ok := fs.Files["/game/.apack/cache/.doctor-probe"]; ok {
		t.Error("probe file left behind")
	}
}

func TestCacheDirCheck_NotWritable(t *testing.T) {
	fs := fsys.NewFake()
	fs.Dirs["/cache"] = true
	fs.Errors["/cache/.doctor-probe"] = errors.New("read-only file system")
	r := (&CacheDirCheck{FS: fs, Dir: "/cache"}).Run(&CheckContext{})
	if r.Status != StatusError || !strings.Contains(r.Message, "read-only") {
		t.Errorf("result = %+v", r)
	}
}

func TestCacheDirCheck_File(t *testing.T) {
	fs := fsys.NewFake()
	fs.Files["/cache"] = []byte("oops")
	r := (&CacheDirCheck{FS: fs, Dir: "/cache"}).Run(&CheckContext{})
	if r.Status != StatusError {
		t.Errorf("status = %s, want error", r.Status)
	}
}

// --- PathCheck ---

func TestPathCheck(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		path string
		want CheckStatus
	}{
		{"", StatusOK},
		{dir, StatusOK},
		{filepath.Join(dir, "missing"), StatusError},
	}
	for _, tt := range tests {
		r := (&PathCheck{Label: "template-dir", Path: tt.path}).Run(&CheckContext{})
		if r.Status != tt.want {
			t.Errorf("PathCheck(%q) = %s, want %s", tt.path, r.Status, tt.want)
		}
	}
}

// --- WorkerExeCheck ---

func TestWorkerExeCheck(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "apack")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	plain := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(plain, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	lookPath := func(name string) (string, error) {
		if name == "apack" {
			return exe, nil
		}
		return "", fmt.Errorf("%s: not found", name)
	}
	tests := []struct {
		name      string
		exe, self string
		want      CheckStatus
	}{
		{"self", "", exe, StatusOK},
		{"path lookup", "apack", "", StatusOK},
		{"not on path", "nope", "", StatusError},
		{"not executable", plain, "", StatusError},
		{"nothing", "", "", StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := (&WorkerExeCheck{Exe: tt.exe, Self: tt.self, LookPath: lookPath}).Run(&CheckContext{})
			if r.Status != tt.want {
				t.Errorf("status = %s, want %s; msg = %s", r.Status, tt.want, r.Message)
			}
		})
	}
}

// --- EventsLogCheck ---

func TestEventsLogCheck_Missing(t *testing.T) {
	dir := setupProject(t, minimalProject)
	r := (&EventsLogCheck{}).Run(&CheckContext{ProjectDir: dir})
	if r.Status != StatusOK {
		t.Errorf("status = %s, want ok", r.Status)
	}
}

func TestEventsLogCheck_Counts(t *testing.T) {
	dir := setupProject(t, minimalProject)
	lines := `{"seq":1,"type":"build.started","actor":"apack"}
{"seq":2,"type":"build.finished","actor":"apack"}
`
	if err := os.WriteFile(filepath.Join(dir, ".apack", EventsFile), []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}
	r := (&EventsLogCheck{}).Run(&CheckContext{ProjectDir: dir})
	if r.Status != StatusOK || r.Message != "2 events recorded" {
		t.Errorf("result = %+v", r)
	}
}

// --- BuildLockCheck ---

func TestBuildLockCheck(t *testing.T) {
	dest := t.TempDir()
	c := &BuildLockCheck{Dest: dest}
	if r := c.Run(&CheckContext{}); r.Status != StatusOK {
		t.Errorf("status without lock file = %s", r.Status)
	}

	fl := flock.New(filepath.Join(dest, builder.LockFile))
	if ok, err := fl.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	if r := c.Run(&CheckContext{}); r.Status != StatusWarning {
		t.Errorf("status while locked = %s, want warning", r.Status)
	}
	if err := fl.Unlock(); err != nil {
		t.Fatal(err)
	}
	if r := c.Run(&CheckContext{}); r.Status != StatusOK {
		t.Errorf("status after unlock = %s, want ok", r.Status)
	}
}
