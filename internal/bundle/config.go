package bundle

import (
	"errors"
	"fmt"
	"maps"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/steveyegge/assetpack/internal/uuidz"
)

// ErrAlreadyCompressed is returned by a second call to Compress.
var ErrAlreadyCompressed = errors.New("bundle config already compressed")

// Path locates a loadable asset inside the bundle by its relative path.
type Path struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Sub  bool   `json:"sub,omitempty"`
}

// Redirect names the dependency an asset's bytes are loaded from. Dep
// indexes Config.Deps.
type Redirect struct {
	UUID string `json:"uuid"`
	Dep  int    `json:"dep"`
}

// Versions maps an asset UUID or pack name to its content hash.
type Versions struct {
	Import map[string]string `json:"import"`
	Native map[string]string `json:"native"`
}

// Config is the uncompressed manifest of a bundle. Every UUID it
// references appears in UUIDs.
type Config struct {
	Name       string              `json:"name"`
	Debug      bool                `json:"debug"`
	IsZip      bool                `json:"isZip,omitempty"`
	ZipVersion string              `json:"zipVersion,omitempty"`
	Deps       []string            `json:"deps"`
	UUIDs      []string            `json:"uuids"`
	Paths      map[string]Path     `json:"paths"`
	Scenes     map[string]string   `json:"scenes"` // url -> uuid
	Packs      map[string][]string `json:"packs"`
	Versions   Versions            `json:"versions"`
	Redirect   []Redirect          `json:"redirect"`
}

// ManifestVersions holds flattened [key, hash, key, hash...] pairs. A key
// is a UUID index, or a pack name for packed files.
type ManifestVersions struct {
	Import []any `json:"import"`
	Native []any `json:"native"`
}

// Manifest is the index-compressed form of a Config written to
// config.json. Paths are keyed by the decimal UUID index and hold
// [path, typeIndex] or [path, typeIndex, 1] for sub-assets.
type Manifest struct {
	Name       string           `json:"name"`
	Debug      bool             `json:"debug"`
	IsZip      bool             `json:"isZip,omitempty"`
	ZipVersion string           `json:"zipVersion,omitempty"`
	Deps       []string         `json:"deps"`
	UUIDs      []string         `json:"uuids"`
	Paths      map[string][]any `json:"paths"`
	Scenes     map[string]int   `json:"scenes"`
	Packs      map[string][]int `json:"packs"`
	Versions   ManifestVersions `json:"versions"`
	Redirect   []int            `json:"redirect"`
	Types      []string         `json:"types"`
}

func newConfig(name string, debug bool) *Config {
	return &Config{
		Name:     name,
		Debug:    debug,
		Deps:     []string{},
		UUIDs:    []string{},
		Paths:    make(map[string]Path),
		Scenes:   make(map[string]string),
		Packs:    make(map[string][]string),
		Versions: Versions{Import: make(map[string]string), Native: make(map[string]string)},
		Redirect: []Redirect{},
	}
}

// CompressConfig assigns every UUID of c a dense index, most referenced
// first with ties broken by UUID, rewrites every reference to its index
// and shortens the UUID strings. c is not modified.
func CompressConfig(c *Config) (*Manifest, error) {
	refs := make(map[string]int, len(c.UUIDs))
	for _, id := range c.UUIDs {
		refs[id] = 1
	}
	var unknown []string
	ref := func(id, where string) {
		if _, ok := refs[id]; !ok {
			unknown = append(unknown, where+" "+id)
			return
		}
		refs[id]++
	}
	for id := range c.Paths {
		ref(id, "path")
	}
	for _, id := range c.Scenes {
		ref(id, "scene")
	}
	for _, ids := range c.Packs {
		for _, id := range ids {
			ref(id, "pack member")
		}
	}
	for _, m := range []map[string]string{c.Versions.Import, c.Versions.Native} {
		for key := range m {
			if _, isPack := c.Packs[key]; !isPack {
				ref(key, "version")
			}
		}
	}
	for _, r := range c.Redirect {
		ref(r.UUID, "redirect")
		if r.Dep < 0 || r.Dep >= len(c.Deps) {
			return nil, fmt.Errorf("redirect of %s: dep index %d out of range", r.UUID, r.Dep)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return nil, fmt.Errorf("config references unlisted uuids: %s", strings.Join(unknown, ", "))
	}

	order := slices.Collect(maps.Keys(refs))
	slices.SortFunc(order, func(a, b string) int {
		if refs[a] != refs[b] {
			return refs[b] - refs[a]
		}
		return strings.Compare(a, b)
	})
	index := make(map[string]int, len(order))
	m := &Manifest{
		Name:       c.Name,
		Debug:      c.Debug,
		IsZip:      c.IsZip,
		ZipVersion: c.ZipVersion,
		Deps:       slices.Clone(c.Deps),
		UUIDs:      make([]string, len(order)),
		Paths:      make(map[string][]any, len(c.Paths)),
		Scenes:     make(map[string]int, len(c.Scenes)),
		Packs:      make(map[string][]int, len(c.Packs)),
		Versions:   ManifestVersions{Import: []any{}, Native: []any{}},
		Redirect:   make([]int, 0, 2*len(c.Redirect)),
		Types:      []string{},
	}
	for i, id := range order {
		index[id] = i
		m.UUIDs[i] = uuidz.Encode(id, true)
	}

	typeIndex := make(map[string]int)
	for _, p := range c.Paths {
		typeIndex[p.Type] = 0
	}
	m.Types = append(m.Types, slices.Sorted(maps.Keys(typeIndex))...)
	for i, t := range m.Types {
		typeIndex[t] = i
	}
	for id, p := range c.Paths {
		entry := []any{p.Path, typeIndex[p.Type]}
		if p.Sub {
			entry = append(entry, 1)
		}
		m.Paths[strconv.Itoa(index[id])] = entry
	}
	for url, id := range c.Scenes {
		m.Scenes[url] = index[id]
	}
	for name, ids := range c.Packs {
		packed := make([]int, len(ids))
		for i, id := range ids {
			packed[i] = index[id]
		}
		m.Packs[name] = packed
	}
	m.Versions.Import = flattenVersions(c.Versions.Import, c.Packs, index)
	m.Versions.Native = flattenVersions(c.Versions.Native, c.Packs, index)
	for _, r := range c.Redirect {
		m.Redirect = append(m.Redirect, index[r.UUID], r.Dep)
	}
	return m, nil
}

// flattenVersions emits UUID entries by ascending index, then pack entries
// by name.
func flattenVersions(v map[string]string, packs map[string][]string, index map[string]int) []any {
	var ids, names []string
	for key := range v {
		if _, isPack := packs[key]; isPack {
			names = append(names, key)
		} else {
			ids = append(ids, key)
		}
	}
	slices.SortFunc(ids, func(a, b string) int { return index[a] - index[b] })
	slices.Sort(names)
	out := make([]any, 0, 2*len(v))
	for _, id := range ids {
		out = append(out, index[id], v[id])
	}
	for _, name := range names {
		out = append(out, name, v[name])
	}
	return out
}

// DecompressManifest re-expands a manifest into its Config. Numbers may be
// ints or the float64s produced by decoding JSON.
func DecompressManifest(m *Manifest) (*Config, error) {
	c := newConfig(m.Name, m.Debug)
	c.IsZip = m.IsZip
	c.ZipVersion = m.ZipVersion
	c.Deps = slices.Clone(m.Deps)
	if c.Deps == nil {
		c.Deps = []string{}
	}
	ids := make([]string, len(m.UUIDs))
	for i, s := range m.UUIDs {
		ids[i] = uuidz.Decode(s)
	}
	at := func(v any, where string) (string, error) {
		i, err := asIndex(v)
		if err != nil {
			return "", fmt.Errorf("%s: %w", where, err)
		}
		if i < 0 || i >= len(ids) {
			return "", fmt.Errorf("%s: uuid index %d out of range", where, i)
		}
		return ids[i], nil
	}

	c.UUIDs = slices.Clone(ids)
	slices.Sort(c.UUIDs)
	for key, entry := range m.Paths {
		n, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("path key %q: %w", key, err)
		}
		id, err := at(n, "path "+key)
		if err != nil {
			return nil, err
		}
		if len(entry) < 2 {
			return nil, fmt.Errorf("path %s: entry %v too short", key, entry)
		}
		p, ok := entry[0].(string)
		if !ok {
			return nil, fmt.Errorf("path %s: %v is not a string", key, entry[0])
		}
		ti, err := asIndex(entry[1])
		if err != nil || ti < 0 || ti >= len(m.Types) {
			return nil, fmt.Errorf("path %s: bad type index %v", key, entry[1])
		}
		c.Paths[id] = Path{Path: p, Type: m.Types[ti], Sub: len(entry) > 2}
	}
	for url, v := range m.Scenes {
		id, err := at(v, "scene "+url)
		if err != nil {
			return nil, err
		}
		c.Scenes[url] = id
	}
	for name, members := range m.Packs {
		out := make([]string, len(members))
		for i, v := range members {
			id, err := at(v, "pack "+name)
			if err != nil {
				return nil, err
			}
			out[i] = id
		}
		c.Packs[name] = out
	}
	for _, part := range []struct {
		flat []any
		into map[string]string
	}{{m.Versions.Import, c.Versions.Import}, {m.Versions.Native, c.Versions.Native}} {
		if len(part.flat)%2 != 0 {
			return nil, fmt.Errorf("versions: odd number of entries")
		}
		for i := 0; i < len(part.flat); i += 2 {
			hash, ok := part.flat[i+1].(string)
			if !ok {
				return nil, fmt.Errorf("versions: hash %v is not a string", part.flat[i+1])
			}
			if name, isName := part.flat[i].(string); isName {
				part.into[name] = hash
				continue
			}
			id, err := at(part.flat[i], "versions")
			if err != nil {
				return nil, err
			}
			part.into[id] = hash
		}
	}
	if len(m.Redirect)%2 != 0 {
		return nil, fmt.Errorf("redirect: odd number of entries")
	}
	for i := 0; i < len(m.Redirect); i += 2 {
		id, err := at(m.Redirect[i], "redirect")
		if err != nil {
			return nil, err
		}
		c.Redirect = append(c.Redirect, Redirect{UUID: id, Dep: m.Redirect[i+1]})
	}
	return c, nil
}

func asIndex(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("index %v is not an integer", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("index %v has type %T", v, v)
	}
}

// relPath returns url relative to the bundle root without its extension,
// or "" when url lies outside the root. The main bundle's root is the
// top-level directory of the url's database.
func relPath(root, url string, sub bool) string {
	var rel string
	if root == "" {
		_, rest, ok := strings.Cut(url, "://")
		if !ok {
			return ""
		}
		_, rel, ok = strings.Cut(rest, "/")
		if !ok {
			return ""
		}
	} else {
		var ok bool
		rel, ok = strings.CutPrefix(url, root+"/")
		if !ok {
			return ""
		}
	}
	if !sub {
		rel = strings.TrimSuffix(rel, path.Ext(rel))
	}
	return rel
}
