package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/steveyegge/assetpack/internal/fsys"
)

func TestDefaultProject(t *testing.T) {
	p := DefaultProject("space-shooter")
	if p.Project.Name != "space-shooter" {
		t.Errorf("Project.Name = %q, want %q", p.Project.Name, "space-shooter")
	}
	if len(p.Bundles) != 2 {
		t.Fatalf("len(Bundles) = %d, want 2", len(p.Bundles))
	}
	if p.Bundles[0].Name != "main" || p.Bundles[0].Root != "" {
		t.Errorf("Bundles[0] = %+v, want main with no root", p.Bundles[0])
	}
	if p.Bundles[1].Root != "db://assets/resources" {
		t.Errorf("Bundles[1].Root = %q, want %q", p.Bundles[1].Root, "db://assets/resources")
	}
	if err := Validate(&p); err != nil {
		t.Errorf("Validate(DefaultProject) = %v", err)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	p := DefaultProject("space-shooter")
	data, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(Marshal output): %v", err)
	}
	if got.Project.Name != "space-shooter" {
		t.Errorf("Project.Name = %q, want %q", got.Project.Name, "space-shooter")
	}
	if len(got.Bundles) != 2 {
		t.Fatalf("len(Bundles) = %d, want 2", len(got.Bundles))
	}
	if got.Bundles[1].Priority != 8 {
		t.Errorf("Bundles[1].Priority = %d, want 8", got.Bundles[1].Priority)
	}
}

func TestMarshalOmitsEmptyFields(t *testing.T) {
	p := DefaultProject("test")
	data, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	for _, key := range []string{"hooks", "worker", "telemetry", "filter", "include", "md5_cache"} {
		if strings.Contains(s, key) {
			t.Errorf("Marshal output should not contain %q when empty:\n%s", key, s)
		}
	}
}

func TestParseFullProject(t *testing.T) {
	data := []byte(`
[project]
name = "demo"
library = "lib"

[build]
platform = "android"
debug = true
md5_cache = true
inline_images = true
concurrency = 2

[[bundle]]
name = "level1"
root = "db://assets/level1"
compression = "zip"
remote = true
priority = 3

[[bundle.filter.exclude]]
url = "db://assets/level1/editor/**"

[[bundle.filter.exclude]]
type = "cc.AudioClip"

[hooks]
after_build = "echo done"
timeout = "30s"

[worker]
idle_timeout = "1m"
env = { NODE_OPTIONS = "--max-old-space-size=4096" }
`)
	p, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Project.Library != "lib" {
		t.Errorf("Library = %q, want %q", p.Project.Library, "lib")
	}
	if !p.Build.Debug || !p.Build.MD5Cache || !p.Build.InlineImages {
		t.Errorf("Build = %+v, want debug, md5_cache and inline_images set", p.Build)
	}
	if len(p.Bundles) != 1 {
		t.Fatalf("len(Bundles) = %d, want 1", len(p.Bundles))
	}
	b := p.Bundles[0]
	if b.Compression != "zip" || !b.Remote || b.Priority != 3 {
		t.Errorf("bundle = %+v", b)
	}
	if len(b.Filter.Exclude) != 2 {
		t.Fatalf("len(Filter.Exclude) = %d, want 2", len(b.Filter.Exclude))
	}
	if b.Filter.Exclude[1].Type != "cc.AudioClip" {
		t.Errorf("Exclude[1].Type = %q, want %q", b.Filter.Exclude[1].Type, "cc.AudioClip")
	}
	if p.Hooks.AfterBuild != "echo done" {
		t.Errorf("Hooks.AfterBuild = %q", p.Hooks.AfterBuild)
	}
	if p.Worker.Env["NODE_OPTIONS"] != "--max-old-space-size=4096" {
		t.Errorf("Worker.Env = %v", p.Worker.Env)
	}
	if err := Validate(p); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
project:
  name: demo
build:
  md5_cache: true
bundle:
  - name: level1
    root: db://assets/level1
    filter:
      include:
        - url: "db://assets/level1/**"
`)
	p, err := ParseYAML(data)
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	if p.Project.Name != "demo" || !p.Build.MD5Cache {
		t.Errorf("got %+v", p)
	}
	if len(p.Bundles) != 1 || len(p.Bundles[0].Filter.Include) != 1 {
		t.Fatalf("Bundles = %+v", p.Bundles)
	}
}

func TestParseCorruptTOML(t *testing.T) {
	_, err := Parse([]byte("[[[invalid toml"))
	if err == nil {
		t.Fatal("expected error for corrupt TOML")
	}
}

func TestLoadSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apack.toml")
	content := `[project]
name = "test"

[[bundle]]
name = "level1"
root = "db://assets/level1"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(fsys.OSFS{}, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Project.Name != "test" {
		t.Errorf("Project.Name = %q, want %q", p.Project.Name, "test")
	}
	if len(p.Bundles) != 1 {
		t.Fatalf("len(Bundles) = %d, want 1", len(p.Bundles))
	}
}

func TestLoadYAMLByExtension(t *testing.T) {
	f := fsys.NewFake()
	f.Files["/proj/apack.yaml"] = []byte("project:\n  name: yaml-project\n")

	p, err := Load(f, "/proj/apack.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Project.Name != "yaml-project" {
		t.Errorf("Project.Name = %q, want %q", p.Project.Name, "yaml-project")
	}
}

func TestLoadReadError(t *testing.T) {
	f := fsys.NewFake()
	f.Errors["/proj/apack.toml"] = fmt.Errorf("permission denied")

	_, err := Load(f, "/proj/apack.toml")
	if err == nil {
		t.Fatal("expected error when ReadFile fails")
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("error = %q, want 'permission denied'", err)
	}
}

func TestFindProject(t *testing.T) {
	f := fsys.NewFake()
	f.Files["/work/game/apack.toml"] = []byte("[project]\nname = \"game\"\n")
	f.Dirs["/work/game/assets/level1"] = true

	got, err := FindProject(f, "/work/game/assets/level1")
	if err != nil {
		t.Fatalf("FindProject: %v", err)
	}
	if got != "/work/game/apack.toml" {
		t.Errorf("FindProject = %q, want %q", got, "/work/game/apack.toml")
	}
}

func TestFindProjectPrefersTOML(t *testing.T) {
	f := fsys.NewFake()
	f.Files["/game/apack.toml"] = []byte("")
	f.Files["/game/apack.yaml"] = []byte("")

	got, err := FindProject(f, "/game")
	if err != nil {
		t.Fatalf("FindProject: %v", err)
	}
	if got != "/game/apack.toml" {
		t.Errorf("FindProject = %q, want %q", got, "/game/apack.toml")
	}
}

func TestFindProjectNone(t *testing.T) {
	_, err := FindProject(fsys.NewFake(), "/nowhere/deep")
	if !errors.Is(err, ErrNoProject) {
		t.Errorf("err = %v, want ErrNoProject", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Project)
		wantErr string
	}{
		{"ok", func(*Project) {}, ""},
		{"no name", func(p *Project) { p.Project.Name = "" }, "project.name is required"},
		{"negative concurrency", func(p *Project) { p.Build.Concurrency = -1 }, "build.concurrency"},
		{"features without engine", func(p *Project) { p.Build.Features = []string{"physics"} }, "build.engine_dir"},
		{"bad hook timeout", func(p *Project) { p.Hooks.Timeout = "soon" }, "hooks.timeout"},
		{"bad idle timeout", func(p *Project) { p.Worker.IdleTimeout = "-1s" }, "worker.idle_timeout"},
		{"duplicate bundle", func(p *Project) {
			p.Bundles = append(p.Bundles, BundleSpec{Name: "resources", Root: "db://assets/other"})
		}, "defined more than once"},
		{"main with root", func(p *Project) { p.Bundles[0].Root = "db://assets" }, "the main bundle has no root"},
		{"missing root", func(p *Project) { p.Bundles[1].Root = "" }, "root is required"},
		{"not a db url", func(p *Project) { p.Bundles[1].Root = "assets/resources" }, "not a db:// url"},
		{"shared root", func(p *Project) {
			p.Bundles = append(p.Bundles, BundleSpec{Name: "extra", Root: "db://assets/resources/"})
		}, "already belongs to bundle resources"},
		{"bad compression", func(p *Project) { p.Bundles[1].Compression = "rar" }, "unknown compression type"},
		{"separator in name", func(p *Project) { p.Bundles[1].Name = "a/b" }, "path separator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultProject("demo")
			tt.mutate(&p)
			err := Validate(&p)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate = nil, want error containing %q", tt.wantErr)
			}
			if !errors.Is(err, ErrConfig) {
				t.Errorf("errors.Is(err, ErrConfig) = false for %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	p := DefaultProject("")
	p.Build.Concurrency = -2
	err := Validate(&p)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"project.name", "build.concurrency"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("err = %q, missing %q", err, want)
		}
	}
}
