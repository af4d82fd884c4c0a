// Package assetdb provides [asset.Database] implementations: a file-backed
// database reading the library index written by the editor, and an
// in-memory database for tests.
package assetdb

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/steveyegge/assetpack/internal/asset"
	"github.com/steveyegge/assetpack/internal/fsys"
)

// IndexFile is the name of the library index inside the library directory.
const IndexFile = "assets.jsonc"

// Entry is one record of the library index.
type Entry struct {
	asset.Asset
	// Depends lists direct dependency UUIDs.
	Depends []string `json:"depends,omitempty"`
}

// Index is the on-disk library index. Comments and trailing commas are
// allowed.
type Index struct {
	Version int     `json:"version"`
	Assets  []Entry `json:"assets"`
}

// Memory is an in-memory [asset.Database]. Safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	assets  map[string]*asset.Asset
	depends map[string][]string
	queries int
}

var _ asset.Database = (*Memory)(nil)

// NewMemory returns an empty database.
func NewMemory() *Memory {
	return &Memory{
		assets:  make(map[string]*asset.Asset),
		depends: make(map[string][]string),
	}
}

// Add inserts or replaces an asset and its direct dependencies.
func (m *Memory) Add(a *asset.Asset, depends ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[a.UUID] = a
	m.depends[a.UUID] = slices.Clone(depends)
}

// Queries returns how many QueryAsset calls were served. Tests use it to
// observe lazy population.
func (m *Memory) Queries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queries
}

// QueryAsset implements [asset.Database].
func (m *Memory) QueryAsset(uuid string) (*asset.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	a, ok := m.assets[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", asset.ErrNotFound, uuid)
	}
	return a, nil
}

// QueryAssetProperty implements [asset.Database]. Known keys are
// "depends", "type", "url" and "library"; anything else is looked up in
// the asset's user data.
func (m *Memory) QueryAssetProperty(uuid, key string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", asset.ErrNotFound, uuid)
	}
	switch key {
	case "depends":
		return slices.Clone(m.depends[uuid]), nil
	case "type":
		return a.Type, nil
	case "url":
		return a.URL, nil
	case "library":
		return a.Library, nil
	}
	return a.UserData[key], nil
}

// QueryDependencies implements [asset.Database].
func (m *Memory) QueryDependencies(uuid string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.assets[uuid]; !ok {
		return nil, fmt.Errorf("%w: %s", asset.ErrNotFound, uuid)
	}
	return slices.Clone(m.depends[uuid]), nil
}

// QueryURL implements [asset.Database].
func (m *Memory) QueryURL(uuid string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[uuid]
	if !ok {
		return "", fmt.Errorf("%w: %s", asset.ErrNotFound, uuid)
	}
	return a.URL, nil
}

// QueryAll implements [asset.Database]. Assets are returned sorted by UUID.
func (m *Memory) QueryAll() ([]*asset.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*asset.Asset, 0, len(m.assets))
	for _, a := range m.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

// Open reads the library index in libraryDir and returns a database over
// it. Relative library paths in the index are resolved against
// libraryDir.
func Open(fs fsys.FS, libraryDir string) (*Memory, error) {
	path := filepath.Join(libraryDir, IndexFile)
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading library index %q: %w", path, err)
	}
	idx, err := ParseIndex(data)
	if err != nil {
		return nil, fmt.Errorf("library index %q: %w", path, err)
	}
	db := NewMemory()
	for i := range idx.Assets {
		e := idx.Assets[i]
		if e.UUID == "" {
			return nil, fmt.Errorf("library index %q: entry %d has no uuid", path, i)
		}
		a := e.Asset
		if a.Library != "" && !filepath.IsAbs(a.Library) {
			a.Library = filepath.Join(libraryDir, a.Library)
		}
		db.Add(&a, e.Depends...)
	}
	return db, nil
}

// ParseIndex decodes a library index, tolerating comments.
func ParseIndex(data []byte) (*Index, error) {
	var idx Index
	if err := json.Unmarshal(jsonc.ToJSON(data), &idx); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	return &idx, nil
}
