package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/assetpack/internal/fsys"
)

// Provenance tracks where each configuration element originated during
// composition.
type Provenance struct {
	// Root is the path to the root project file.
	Root string
	// Sources lists all source files in load order (root first).
	Sources []string
	// Bundles maps bundle name → source file path.
	Bundles map[string]string
	// Fields maps "section.key" → source file path for scalar settings.
	Fields map[string]string
	// Warnings collects non-fatal redefinition warnings from composition.
	Warnings []string
}

// definedFunc reports whether key was set in table by the parsed file.
type definedFunc func(table, key string) bool

// LoadWithIncludes loads a project file and merges all included
// fragments. Includes are NOT recursive: fragments cannot include other
// fragments. Extra includes (from CLI flags) are appended after the
// root's include list and processed identically.
func LoadWithIncludes(fs fsys.FS, path string, extraIncludes ...string) (*Project, *Provenance, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config %q: %w", path, err)
	}
	root, rootDefined, err := parseWithMeta(path, data)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config %q: %w", path, err)
	}

	projectRoot := filepath.Dir(path)
	prov := newProvenance(path)
	for _, b := range root.Bundles {
		prov.Bundles[b.Name] = path
	}
	trackFields(prov, root, rootDefined, path)

	includes := append(root.Include, extraIncludes...)
	root.Include = nil

	for _, inc := range includes {
		fragPath := resolveConfigPath(inc, projectRoot, projectRoot)
		fragData, err := fs.ReadFile(fragPath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading fragment %q: %w", inc, err)
		}
		frag, fragDefined, err := parseWithMeta(fragPath, fragData)
		if err != nil {
			return nil, nil, fmt.Errorf("fragment %q: %w", inc, err)
		}
		if len(frag.Include) > 0 {
			return nil, nil, fmt.Errorf(
				"fragment %q: includes are not allowed in fragments (no recursive includes)", inc)
		}
		adjustPaths(frag, filepath.Dir(fragPath), projectRoot)
		if err := mergeFragment(root, frag, fragDefined, fragPath, prov); err != nil {
			return nil, nil, err
		}
		prov.Sources = append(prov.Sources, fragPath)
	}
	return root, prov, nil
}

// mergeFragment merges a fragment into the base config in-place. Bundles
// concatenate and must not collide; scalar settings merge per field.
func mergeFragment(base, frag *Project, defined definedFunc, fragPath string, prov *Provenance) error {
	for _, b := range frag.Bundles {
		if src, dup := prov.Bundles[b.Name]; dup {
			return fmt.Errorf("%w: bundle %q defined in both %q and %q", ErrConfig, b.Name, src, fragPath)
		}
		prov.Bundles[b.Name] = fragPath
		base.Bundles = append(base.Bundles, b)
	}
	for _, s := range sections(base, frag) {
		mergeSection(s.name, s.base, s.frag, defined, fragPath, prov)
	}
	return nil
}

type section struct {
	name       string
	base, frag reflect.Value
}

func sections(base, frag *Project) []section {
	return []section{
		{"project", reflect.ValueOf(&base.Project).Elem(), reflect.ValueOf(&frag.Project).Elem()},
		{"build", reflect.ValueOf(&base.Build).Elem(), reflect.ValueOf(&frag.Build).Elem()},
		{"hooks", reflect.ValueOf(&base.Hooks).Elem(), reflect.ValueOf(&frag.Hooks).Elem()},
		{"worker", reflect.ValueOf(&base.Worker).Elem(), reflect.ValueOf(&frag.Worker).Elem()},
		{"telemetry", reflect.ValueOf(&base.Telemetry).Elem(), reflect.ValueOf(&frag.Telemetry).Elem()},
	}
}

// mergeSection copies every field the fragment defined over the base,
// warning when that replaces a value.
func mergeSection(name string, base, frag reflect.Value, defined definedFunc, fragPath string, prov *Provenance) {
	t := base.Type()
	for i := 0; i < t.NumField(); i++ {
		key := tomlKey(t.Field(i))
		if !defined(name, key) {
			continue
		}
		if !base.Field(i).IsZero() {
			prov.Warnings = append(prov.Warnings,
				fmt.Sprintf("%s.%s redefined by %q", name, key, fragPath))
		}
		base.Field(i).Set(frag.Field(i))
		prov.Fields[name+"."+key] = fragPath
	}
}

func trackFields(prov *Provenance, p *Project, defined definedFunc, source string) {
	for _, s := range sections(p, p) {
		t := s.base.Type()
		for i := 0; i < t.NumField(); i++ {
			if key := tomlKey(t.Field(i)); defined(s.name, key) {
				prov.Fields[s.name+"."+key] = source
			}
		}
	}
}

func tomlKey(f reflect.StructField) string {
	key, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
	if key == "" {
		return strings.ToLower(f.Name)
	}
	return key
}

// resolveConfigPath resolves a path for composition. Paths prefixed with
// "//" resolve relative to the project root. Other relative paths resolve
// relative to declDir.
func resolveConfigPath(p, declDir, projectRoot string) string {
	if strings.HasPrefix(p, "//") {
		return filepath.Join(projectRoot, strings.TrimPrefix(p, "//"))
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(declDir, p)
}

// adjustPaths converts the directory settings of a fragment to be
// project-root-relative.
func adjustPaths(p *Project, fragDir, projectRoot string) {
	for _, ptr := range []*string{
		&p.Project.Library, &p.Project.Cache,
		&p.Build.Output, &p.Build.Template, &p.Build.EngineDir,
	} {
		*ptr = adjustFragmentPath(*ptr, fragDir, projectRoot)
	}
}

// adjustFragmentPath converts a fragment-relative path to
// project-root-relative. "//" paths resolve to the project root. Absolute
// paths pass through unchanged.
func adjustFragmentPath(p, fragDir, projectRoot string) string {
	if p == "" {
		return p
	}
	if strings.HasPrefix(p, "//") {
		return strings.TrimPrefix(p, "//")
	}
	if filepath.IsAbs(p) {
		return p
	}
	abs := filepath.Join(fragDir, p)
	rel, err := filepath.Rel(projectRoot, abs)
	if err != nil {
		return abs
	}
	return rel
}

// parseWithMeta parses a project file, preserving which keys were set
// for field-level merge decisions.
func parseWithMeta(path string, data []byte) (*Project, definedFunc, error) {
	if isYAML(path) {
		p, err := ParseYAML(data)
		if err != nil {
			return nil, nil, err
		}
		raw := yamlTables(data)
		return p, func(table, key string) bool {
			_, ok := raw[table][key]
			return ok
		}, nil
	}
	var p Project
	md, err := toml.Decode(string(data), &p)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing config: %w", err)
	}
	return &p, func(table, key string) bool { return md.IsDefined(table, key) }, nil
}

// yamlTables returns the top-level mappings of a YAML document.
func yamlTables(data []byte) map[string]map[string]any {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil
	}
	out := make(map[string]map[string]any)
	for name, v := range doc {
		if m, ok := v.(map[string]any); ok {
			out[name] = m
		}
	}
	return out
}

func newProvenance(rootPath string) *Provenance {
	return &Provenance{
		Root:    rootPath,
		Sources: []string{rootPath},
		Bundles: make(map[string]string),
		Fields:  make(map[string]string),
	}
}
