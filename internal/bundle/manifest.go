package bundle

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/hashicorp/go-multierror"

	"github.com/steveyegge/assetpack/internal/group"
)

// InitConfig recomputes the membership-derived part of the config: deps,
// the redirect list, scenes, the UUID list and loadable paths. Packs are
// cleared until GenPackedAssetsConfig runs; versions and zip data from an
// earlier call are kept. It may be called again whenever membership
// changes.
func (b *Bundle) InitConfig() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := newConfig(b.Name, b.bctx.Options.Debug)
	if prev := b.config; prev != nil {
		c.IsZip = prev.IsZip
		c.ZipVersion = prev.ZipVersion
		c.Versions = prev.Versions
	}
	c.Deps = b.depsLocked()

	ids := make(map[string]bool, len(b.assets)+len(b.scenes)+len(b.inlined))
	for id := range b.assets {
		ids[id] = true
	}
	for id, url := range b.scenes {
		ids[id] = true
		c.Scenes[url] = id
	}
	for id := range b.inlined {
		ids[id] = true
	}
	c.UUIDs = slices.Sorted(maps.Keys(ids))

	var errs *multierror.Error
	for _, id := range c.UUIDs {
		if _, redirected := b.redirect[id]; redirected {
			continue
		}
		if _, scene := b.scenes[id]; scene {
			continue
		}
		info, err := b.bctx.Library.GetAssetInfo(id)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if rel := relPath(b.Root, info.URL, info.IsSubAsset); rel != "" {
			c.Paths[id] = Path{Path: rel, Type: info.Type, Sub: info.IsSubAsset}
		}
	}

	for _, id := range slices.Sorted(maps.Keys(b.redirect)) {
		dep, ok := slices.BinarySearch(c.Deps, b.redirect[id])
		if !ok {
			return fmt.Errorf("redirect of %s: %s is not a dependency", id, b.redirect[id])
		}
		c.Redirect = append(c.Redirect, Redirect{UUID: id, Dep: dep})
	}

	b.config = c
	return errs.ErrorOrNil()
}

// GenPackedAssetsConfig names groups added since planning, records every
// group whose current members still number more than one as a pack, and
// drops versions of packs and assets that no longer exist. An asset
// belongs to the first group that lists it.
func (b *Bundle) GenPackedAssetsConfig() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.config == nil {
		return errors.New("config not initialized")
	}
	var names []string
	for _, g := range b.groups {
		if g.Name != "" {
			names = append(names, g.Name)
		}
	}
	namer := group.NewNamer(names...)
	for i := range b.groups {
		if b.groups[i].Name == "" {
			b.groups[i].Name = namer.Name(group.Namespace(b.groups[i].Type), b.groups[i].UUIDs)
		}
	}

	c := b.config
	c.Packs = make(map[string][]string, len(b.groups))
	clear(b.packed)
	for _, g := range b.groups {
		var members []string
		for _, id := range g.UUIDs {
			if _, claimed := b.packed[id]; claimed {
				continue
			}
			if _, redirected := b.redirect[id]; b.assets[id] && !redirected {
				members = append(members, id)
			}
		}
		if len(members) <= 1 {
			continue
		}
		c.Packs[g.Name] = members
		for _, id := range members {
			b.packed[id] = g.Name
		}
	}

	listed := make(map[string]bool, len(c.UUIDs))
	for _, id := range c.UUIDs {
		listed[id] = true
	}
	for _, m := range []map[string]string{c.Versions.Import, c.Versions.Native} {
		for key := range m {
			if _, isPack := c.Packs[key]; !isPack && !listed[key] {
				delete(m, key)
			}
		}
	}
	return nil
}

// Compress produces the index-compressed manifest from the current config.
// It runs once per bundle; later calls return ErrAlreadyCompressed.
func (b *Bundle) Compress() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.manifest != nil {
		return ErrAlreadyCompressed
	}
	if b.config == nil {
		return errors.New("config not initialized")
	}
	m, err := CompressConfig(b.config)
	if err != nil {
		return err
	}
	b.manifest = m
	return nil
}

// Config returns the uncompressed config, or nil before InitConfig.
func (b *Bundle) Config() *Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config
}

// Manifest returns the compressed manifest, or nil before Compress.
func (b *Bundle) Manifest() *Manifest {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.manifest
}

// PackOf returns the name of the pack holding uuid.
func (b *Bundle) PackOf(uuid string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	name, ok := b.packed[uuid]
	return name, ok
}
