// Package bundle implements the build of one asset bundle: membership
// (assets, scripts, scenes and cross-bundle redirects), grouping, packing,
// zipping, content-hash versioning and the index-compressed manifest.
//
// A Bundle is created per build run from [InitOptions], filled during
// collection, grouped with [Bundle.PlanGroups] and written by
// [Bundle.Build]. Only the emitted manifest outlives the run.
package bundle

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/assetpack/internal/asset"
	"github.com/steveyegge/assetpack/internal/buildctx"
	"github.com/steveyegge/assetpack/internal/group"
)

// MainName is the name of the implicit bundle with an empty root.
const MainName = "main"

// Output layout inside a bundle's dest.
const (
	ImportDir  = "import"
	NativeDir  = "native"
	ConfigFile = "config.json"
	ScriptFile = "index.js"
	ZipFile    = "res.zip"
)

// InitOptions describes a bundle.
type InitOptions struct {
	Name string
	// Root is the url prefix of the bundle's source directory, e.g.
	// "db://assets/level1". Empty for the main bundle.
	Root string
	// Dest is the absolute output directory.
	Dest        string
	Compression group.Compression
	Remote      bool
	// Priority orders loading and wins ownership of shared assets. It
	// does not affect build order.
	Priority int
	Filter   FilterConfig
}

// Validate checks the options.
func (o InitOptions) Validate() error {
	if o.Name == "" {
		return errors.New("bundle has no name")
	}
	if strings.ContainsAny(o.Name, `/\`) {
		return fmt.Errorf("bundle name %q contains a path separator", o.Name)
	}
	if o.Dest == "" || !filepath.IsAbs(o.Dest) {
		return fmt.Errorf("bundle %s: dest %q is not absolute", o.Name, o.Dest)
	}
	if _, err := group.ParseCompression(string(o.Compression)); err != nil {
		return fmt.Errorf("bundle %s: %w", o.Name, err)
	}
	if err := o.Filter.Validate(); err != nil {
		return fmt.Errorf("bundle %s: %w", o.Name, err)
	}
	return nil
}

// Bundle is the aggregate root of one output bundle. Membership methods
// are safe for concurrent use; Build must not run concurrently with them.
type Bundle struct {
	Name        string
	Root        string
	Dest        string
	Compression group.Compression
	Remote      bool
	Priority    int

	bctx   *buildctx.Context
	filter FilterConfig
	log    logrus.FieldLogger

	mu         sync.RWMutex
	rootAssets map[string]bool
	assets     map[string]bool
	scripts    map[string]bool
	scenes     map[string]string // uuid -> url
	redirect   map[string]string // uuid -> owning bundle
	extraDeps  map[string]bool
	groups     []group.Group
	packed     map[string]string // uuid -> pack name
	inlined    map[string]string // image uuid -> texture uuid

	// build state
	config   *Config
	manifest *Manifest
	out      outputs
	reported map[string]bool
	errs     *multierror.Error
	version  string
}

// New returns an empty bundle.
func New(bctx *buildctx.Context, opts InitOptions) (*Bundle, error) {
	if opts.Compression == "" {
		opts.Compression = group.MergeDep
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Bundle{
		Name:        opts.Name,
		Root:        strings.TrimSuffix(opts.Root, "/"),
		Dest:        opts.Dest,
		Compression: opts.Compression,
		Remote:      opts.Remote,
		Priority:    opts.Priority,
		bctx:        bctx,
		filter:      opts.Filter,
		log:         bctx.Log.WithField("bundle", opts.Name),
		rootAssets:  make(map[string]bool),
		assets:      make(map[string]bool),
		scripts:     make(map[string]bool),
		scenes:      make(map[string]string),
		redirect:    make(map[string]string),
		extraDeps:   make(map[string]bool),
		packed:      make(map[string]string),
		inlined:     make(map[string]string),
		reported:    make(map[string]bool),
	}, nil
}

// AddRootAsset adds a as an explicit member and walks its sub-assets.
// Scripts go to the script set. Assets without files are containers and
// are skipped silently, though their sub-assets are still walked. Assets
// rejected by the filter are logged at debug level together with their
// sub-assets.
func (b *Bundle) AddRootAsset(a *asset.Asset) {
	b.addTree(a, true)
}

func (b *Bundle) addTree(a *asset.Asset, root bool) {
	if ok, reason := b.filter.Allows(a); !ok {
		b.log.WithFields(logrus.Fields{"uuid": a.UUID, "url": a.URL}).Debugf("asset filtered out: %s", reason)
		return
	}
	if a.Category() == asset.Script || a.HasFiles() {
		b.AddAsset(a)
		if root {
			b.mu.Lock()
			b.rootAssets[a.UUID] = true
			b.mu.Unlock()
		}
	}
	for _, key := range a.SubKeys() {
		sub, err := b.bctx.Library.GetAsset(a.SubAssets[key])
		if err != nil {
			b.log.WithFields(logrus.Fields{"uuid": a.SubAssets[key], "parent": a.UUID}).Warnf("sub-asset skipped: %v", err)
			continue
		}
		b.addTree(sub, root)
	}
}

// AddAsset inserts a into the set its category selects. Re-adding is a
// no-op.
func (b *Bundle) AddAsset(a *asset.Asset) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch a.Category() {
	case asset.Script:
		b.scripts[a.UUID] = true
	case asset.Scene:
		b.scenes[a.UUID] = a.URL
	default:
		b.assets[a.UUID] = true
	}
}

// RemoveAsset removes uuid from every set, group and table of the bundle.
// Removing an absent asset is a no-op.
func (b *Bundle) RemoveAsset(uuid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rootAssets, uuid)
	delete(b.assets, uuid)
	delete(b.scripts, uuid)
	delete(b.scenes, uuid)
	delete(b.redirect, uuid)
	delete(b.packed, uuid)
	delete(b.inlined, uuid)
	for img, tex := range b.inlined {
		if tex == uuid {
			delete(b.inlined, img)
		}
	}
	kept := b.groups[:0]
	for _, g := range b.groups {
		if g.Remove(uuid) && len(g.UUIDs) <= 1 {
			for _, id := range g.UUIDs {
				delete(b.packed, id)
			}
			continue
		}
		kept = append(kept, g)
	}
	b.groups = kept
}

// AddRedirect marks uuid as owned by the bundle named target: the bundle
// lists it as contained but loads its bytes from target, which becomes a
// dependency.
func (b *Bundle) AddRedirect(uuid, target string) error {
	if target == "" || target == b.Name {
		return fmt.Errorf("bundle %s: invalid redirect target %q for %s", b.Name, target, uuid)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.redirect[uuid] = target
	b.assets[uuid] = true
	return nil
}

// AddDep declares a dependency on another bundle without a redirect.
func (b *Bundle) AddDep(name string) {
	if name == "" || name == b.Name {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.extraDeps[name] = true
}

// Deps returns the sorted names of the bundles this bundle depends on.
func (b *Bundle) Deps() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.depsLocked()
}

func (b *Bundle) depsLocked() []string {
	set := maps.Clone(b.extraDeps)
	for _, target := range b.redirect {
		set[target] = true
	}
	return slices.Sorted(maps.Keys(set))
}

// AddGroup appends a group of the given type. Groups with one member or
// fewer are dropped; the return value reports whether g was kept.
func (b *Bundle) AddGroup(t group.Type, uuids []string) bool {
	if len(uuids) <= 1 {
		return false
	}
	g := group.Group{Type: t}
	for _, id := range uuids {
		g.Add(id)
	}
	if len(g.UUIDs) <= 1 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups = append(b.groups, g)
	return true
}

// AddToGroup adds uuid to the i-th group. uuid must be a packable member
// of the bundle that no other group lists.
func (b *Bundle) AddToGroup(i int, uuid string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.groups) {
		return fmt.Errorf("bundle %s: no group %d", b.Name, i)
	}
	if _, redirected := b.redirect[uuid]; !b.assets[uuid] || redirected {
		return fmt.Errorf("bundle %s: %s is not an asset of the bundle", b.Name, uuid)
	}
	for j := range b.groups {
		if j != i && b.groups[j].Contains(uuid) {
			return fmt.Errorf("bundle %s: %s already belongs to group %d", b.Name, uuid, j)
		}
	}
	b.groups[i].Add(uuid)
	if b.groups[i].Name != "" {
		b.packed[uuid] = b.groups[i].Name
	}
	return nil
}

// Groups returns a copy of the bundle's groups.
func (b *Bundle) Groups() []group.Group {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]group.Group, len(b.groups))
	for i, g := range b.groups {
		g.UUIDs = slices.Clone(g.UUIDs)
		out[i] = g
	}
	return out
}

// ContainsAsset reports whether uuid is a script, asset or scene of the
// bundle. With deep, images folded into a texture's record also count.
func (b *Bundle) ContainsAsset(uuid string, deep bool) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.assets[uuid] || b.scripts[uuid] {
		return true
	}
	if _, ok := b.scenes[uuid]; ok {
		return true
	}
	if deep {
		_, ok := b.inlined[uuid]
		return ok
	}
	return false
}

// IsRoot reports whether uuid was added with AddRootAsset.
func (b *Bundle) IsRoot(uuid string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rootAssets[uuid]
}

// RootAssets returns the sorted root asset UUIDs.
func (b *Bundle) RootAssets() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.rootAssets))
}

// Assets returns the sorted generic asset UUIDs, redirects included.
func (b *Bundle) Assets() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.assets))
}

// Scripts returns the sorted script UUIDs.
func (b *Bundle) Scripts() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.scripts))
}

// Scenes returns a copy of the scene table (uuid to url).
func (b *Bundle) Scenes() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.scenes)
}

// Redirects returns a copy of the redirect table (uuid to bundle).
func (b *Bundle) Redirects() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.redirect)
}

// InlineImages folds every image whose texture sub-asset is a member into
// that texture: the image leaves the asset set, its import record is
// embedded in the texture's and its native file is still shipped. It
// returns the number of images folded.
func (b *Bundle) InlineImages() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, id := range slices.Sorted(maps.Keys(b.assets)) {
		if _, redirected := b.redirect[id]; redirected {
			continue
		}
		a, err := b.bctx.Library.GetAsset(id)
		if err != nil || a.Category() != asset.Image || !a.HasImport() {
			continue
		}
		for _, key := range a.SubKeys() {
			sub := a.SubAssets[key]
			if !b.assets[sub] {
				continue
			}
			if _, redirected := b.redirect[sub]; redirected {
				continue
			}
			if info, err := b.bctx.Library.GetAssetInfo(sub); err != nil || info.Category != asset.Texture {
				continue
			}
			delete(b.assets, id)
			b.inlined[id] = sub
			n++
			break
		}
	}
	return n
}

// PlanGroups replaces the bundle's groups with the plan for its
// compression type and names them.
func (b *Bundle) PlanGroups() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	members := make(map[string]asset.Category)
	folded := make(map[string]bool, len(b.inlined))
	for _, tex := range b.inlined {
		folded[tex] = true
	}
	for id := range b.assets {
		if _, redirected := b.redirect[id]; redirected {
			continue
		}
		info, err := b.bctx.Library.GetAssetInfo(id)
		if err != nil || !info.HasImport {
			continue
		}
		cat := info.Category
		// A texture carrying a folded image packs as plain JSON.
		if folded[id] {
			cat = asset.Generic
		}
		members[id] = cat
	}
	roots := make([]string, 0, len(b.rootAssets))
	for id := range b.rootAssets {
		roots = append(roots, id)
	}

	groups, err := group.Plan(b.Compression, group.Input{Roots: roots, Members: members}, b.bctx.Library)
	if err != nil {
		return fmt.Errorf("bundle %s: grouping: %w", b.Name, err)
	}
	group.AssignNames(group.NewNamer(), groups)
	b.groups = groups
	clear(b.packed)
	for _, g := range groups {
		for _, id := range g.UUIDs {
			b.packed[id] = g.Name
		}
	}
	return nil
}
