package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"

	"github.com/steveyegge/assetpack/internal/config"
	"github.com/steveyegge/assetpack/internal/docgen"
	"github.com/steveyegge/assetpack/internal/events"
	"github.com/steveyegge/assetpack/internal/fsys"
)

func TestMain(m *testing.M) {
	testscript.Main(m, map[string]func(){
		"apack": func() { os.Exit(run(os.Args[1:], os.Stdout, os.Stderr)) },
	})
}

func TestScripts(t *testing.T) {
	testscript.Run(t, testscript.Params{
		Dir: "testdata",
	})
}

// --- run ---

func TestRunNoArgs(t *testing.T) {
	var stdout bytes.Buffer
	code := run(nil, &stdout, &bytes.Buffer{})
	if code != 0 {
		t.Errorf("run(nil) = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "Available Commands") {
		t.Errorf("stdout missing help text: %q", stdout.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stderr bytes.Buffer
	code := run([]string{"blorp"}, &bytes.Buffer{}, &stderr)
	if code != 1 {
		t.Errorf("run([blorp]) = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), `unknown command "blorp"`) {
		t.Errorf("stderr = %q, want 'unknown command'", stderr.String())
	}
}

func TestVersion(t *testing.T) {
	var stdout bytes.Buffer
	if code := run([]string{"version"}, &stdout, &bytes.Buffer{}); code != 0 {
		t.Fatalf("run([version]) = %d, want 0", code)
	}
	out := stdout.String()
	for _, want := range []string{"apack dev", "commit:", "built:"} {
		if !strings.Contains(out, want) {
			t.Errorf("stdout missing %q: %q", want, out)
		}
	}
}

func TestBuildOutsideProject(t *testing.T) {
	t.Chdir(t.TempDir())
	var stderr bytes.Buffer
	if code := run([]string{"build"}, &bytes.Buffer{}, &stderr); code != 1 {
		t.Errorf("build outside a project = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "no apack.toml found") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestInvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	if code := doInit(fsys.OSFS{}, dir, "demo", &bytes.Buffer{}, &bytes.Buffer{}); code != 0 {
		t.Fatalf("doInit = %d", code)
	}
	var stderr bytes.Buffer
	code := run([]string{"build", "--project", dir, "--log-level", "loud"}, &bytes.Buffer{}, &stderr)
	if code != 1 || !strings.Contains(stderr.String(), `invalid --log-level "loud"`) {
		t.Errorf("code = %d, stderr = %q", code, stderr.String())
	}
}

// --- init ---

func TestInitWritesProject(t *testing.T) {
	dir := t.TempDir()
	var stdout bytes.Buffer
	if code := doInit(fsys.OSFS{}, dir, "", &stdout, &bytes.Buffer{}); code != 0 {
		t.Fatalf("doInit = %d", code)
	}
	p, err := config.Load(fsys.OSFS{}, filepath.Join(dir, config.FileName))
	if err != nil {
		t.Fatalf("loading written project: %v", err)
	}
	if p.Project.Name != filepath.Base(dir) {
		t.Errorf("name = %q, want directory name", p.Project.Name)
	}
	if err := config.Validate(p); err != nil {
		t.Errorf("written project invalid: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, config.StateDir)); err != nil {
		t.Errorf("state dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "library", "assets.jsonc")); err != nil {
		t.Errorf("library index: %v", err)
	}
}

func TestInitRefusesExisting(t *testing.T) {
	fs := fsys.NewFake()
	fs.Files["/p/apack.toml"] = []byte("[project]\nname = \"x\"\n")
	var stderr bytes.Buffer
	if code := doInit(fs, "/p", "x", &bytes.Buffer{}, &stderr); code != 1 {
		t.Errorf("doInit over existing project = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "already exists") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

// --- cache clean ---

func TestCacheClean(t *testing.T) {
	fs := fsys.NewFake()
	fs.Files["/p/.apack/cache/ab/abc.json"] = []byte("12345")
	fs.Files["/p/.apack/cache/cd/cde.json"] = []byte("123")
	fs.Files["/p/.apack/versions.db"] = []byte("x")
	fs.Dirs["/p/.apack/cache/ab"] = true
	fs.Dirs["/p/.apack/cache/cd"] = true
	task := &config.BuildTaskOption{
		Name:     "demo",
		CacheDir: "/p/.apack/cache",
		StateDir: "/p/.apack",
		Dest:     t.TempDir(),
	}
	rec := events.NewFake()
	var stdout bytes.Buffer
	if code := doCacheClean(fs, task, true, rec, &stdout, &bytes.Buffer{}); code != 0 {
		t.Fatalf("doCacheClean = %d", code)
	}
	for path := range fs.Files {
		if strings.HasPrefix(path, "/p/.apack/cache/") || path == "/p/.apack/versions.db" {
			t.Errorf("%s survived", path)
		}
	}
	if !strings.Contains(stdout.String(), "Freed 2 entries (8 B)") {
		t.Errorf("stdout = %q", stdout.String())
	}
	if got := rec.Types(); len(got) != 1 || got[0] != events.CacheCleaned {
		t.Errorf("events = %v", got)
	}
}

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := humanBytes(tt.n); got != tt.want {
			t.Errorf("humanBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

// --- events ---

func TestEventsEmptyLog(t *testing.T) {
	var stdout bytes.Buffer
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if code := doEvents(path, eventsFlags{}, &stdout, &bytes.Buffer{}); code != 0 {
		t.Fatalf("doEvents = %d", code)
	}
	if !strings.Contains(stdout.String(), "No events.") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestEventsFiltersAndFormats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	rec, err := events.NewFileRecorder(path, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	rec.Record(events.Event{Type: events.BundleBuilt, Actor: "apack", Subject: "main"})
	rec.Record(events.Event{Type: events.BundleFailed, Actor: "apack", Subject: "level1", Message: "missing native file"})
	rec.Close() //nolint:errcheck

	var stdout bytes.Buffer
	if code := doEvents(path, eventsFlags{typ: events.BundleFailed}, &stdout, &bytes.Buffer{}); code != 0 {
		t.Fatalf("doEvents = %d", code)
	}
	out := stdout.String()
	if !strings.Contains(out, "level1") || strings.Contains(out, "bundle.built") {
		t.Errorf("filtered output = %q", out)
	}

	stdout.Reset()
	if code := doEvents(path, eventsFlags{subject: "main", json: true}, &stdout, &bytes.Buffer{}); code != 0 {
		t.Fatalf("doEvents = %d", code)
	}
	if lines := strings.Split(strings.TrimSpace(stdout.String()), "\n"); len(lines) != 1 || !strings.Contains(lines[0], `"subject":"main"`) {
		t.Errorf("json output = %q", stdout.String())
	}
}

func TestEventsBadSince(t *testing.T) {
	var stderr bytes.Buffer
	if code := doEvents("/nowhere", eventsFlags{since: "yesterday"}, &bytes.Buffer{}, &stderr); code != 1 {
		t.Errorf("doEvents = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "invalid --since") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestEventsFollowTimesOut(t *testing.T) {
	var stdout bytes.Buffer
	path := filepath.Join(t.TempDir(), "events.jsonl")
	code := doEventsFollow(path, eventsFlags{timeout: "50ms"}, 10_000_000, &stdout, &bytes.Buffer{})
	if code != 0 || stdout.Len() != 0 {
		t.Errorf("code = %d, stdout = %q", code, stdout.String())
	}
}

// --- gen-doc ---

func TestGenDocProducesMarkdown(t *testing.T) {
	root := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	var md bytes.Buffer
	if err := docgen.RenderCLIMarkdown(&md, root); err != nil {
		t.Fatalf("RenderCLIMarkdown: %v", err)
	}
	out := md.String()
	for _, cmd := range []string{"apack init", "apack build", "apack inspect", "apack cache clean", "apack doctor", "apack events"} {
		if !strings.Contains(out, "## "+cmd) {
			t.Errorf("missing command %q in CLI reference", cmd)
		}
	}
	for _, hidden := range []string{"## apack gen-doc", "## apack worker"} {
		if strings.Contains(out, hidden) {
			t.Errorf("hidden command %q rendered", hidden)
		}
	}
}

func TestUnder(t *testing.T) {
	dirs := []string{"/p/library", "/p/template"}
	for path, want := range map[string]bool{
		"/p/library":          true,
		"/p/library/a/b.json": true,
		"/p/template/x":       true,
		"/p/apack.toml":       false,
		"/p/library2/x":       false,
	} {
		if got := under(path, dirs); got != want {
			t.Errorf("under(%q) = %v, want %v", path, got, want)
		}
	}
}
