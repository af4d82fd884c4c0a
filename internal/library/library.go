// Package library is the per-build index over the asset database.
//
// A [Library] gives constant-time lookup of asset metadata, memoized
// direct and transitive dependency lists, and build-time serialized import
// records backed by an on-disk cache at {CacheDir}/{uuid}/{debug|release}.json.
// It is shared by every bundle of one build run and is safe for concurrent
// use. Call [Library.Reset] between independent runs sharing a process.
package library

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/assetpack/internal/asset"
	"github.com/steveyegge/assetpack/internal/fsys"
	"github.com/steveyegge/assetpack/internal/telemetry"
)

// ErrNoImport is returned for assets that have no import record.
var ErrNoImport = errors.New("asset has no import record")

// DefaultVolatileTypes are asset types whose serialized form depends on
// state outside the library record (script compilation, shader
// optimization) and therefore never come from the cache.
var DefaultVolatileTypes = []string{"cc.SceneAsset", "cc.Prefab", "cc.EffectAsset"}

// Options configures a [Library].
type Options struct {
	// CacheDir is the root of the serialization cache.
	CacheDir string
	// UseCache enables reading and writing the serialization cache.
	UseCache bool
	// VolatileTypes overrides DefaultVolatileTypes when non-nil.
	VolatileTypes []string
}

// Stats counts serialization cache outcomes.
type Stats struct {
	Hits     int64
	Misses   int64
	Bypassed int64
}

// Info is the lightweight view of an asset returned by GetAssetInfo.
type Info struct {
	UUID       string
	Type       string
	URL        string
	Category   asset.Category
	IsSubAsset bool
	HasImport  bool
	NativeExts []string
}

// Library indexes assets for one build run.
type Library struct {
	db   asset.Database
	ser  asset.Serializer
	fs   fsys.FS
	log  logrus.FieldLogger
	opts Options

	mu            sync.RWMutex
	assets        map[string]*asset.Asset
	direct        map[string][]string
	depend        map[string][]string
	reportedClass map[string]bool
	reportedAsset map[string]bool

	fills singleflight.Group

	hits, misses, bypassed atomic.Int64
}

// New returns an empty library over db. Entries are populated lazily.
func New(db asset.Database, ser asset.Serializer, fs fsys.FS, log logrus.FieldLogger, opts Options) *Library {
	if opts.VolatileTypes == nil {
		opts.VolatileTypes = DefaultVolatileTypes
	}
	l := &Library{db: db, ser: ser, fs: fs, log: log, opts: opts}
	l.Reset()
	return l
}

// Reset drops every memoized entry and the missing-class / missing-asset
// report sets.
func (l *Library) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.assets = make(map[string]*asset.Asset)
	l.direct = make(map[string][]string)
	l.depend = make(map[string][]string)
	l.reportedClass = make(map[string]bool)
	l.reportedAsset = make(map[string]bool)
	l.hits.Store(0)
	l.misses.Store(0)
	l.bypassed.Store(0)
}

// Stats returns the cache counters since the last Reset.
func (l *Library) Stats() Stats {
	return Stats{Hits: l.hits.Load(), Misses: l.misses.Load(), Bypassed: l.bypassed.Load()}
}

// GetAsset returns the asset with the given UUID, querying the database on
// first access.
func (l *Library) GetAsset(uuid string) (*asset.Asset, error) {
	l.mu.RLock()
	a, ok := l.assets[uuid]
	l.mu.RUnlock()
	if ok {
		return a, nil
	}
	a, err := l.db.QueryAsset(uuid)
	if err != nil {
		return nil, fmt.Errorf("querying asset %s: %w", uuid, err)
	}
	l.mu.Lock()
	l.assets[uuid] = a
	l.mu.Unlock()
	return a, nil
}

// GetAssetInfo returns the lightweight view of an asset.
func (l *Library) GetAssetInfo(uuid string) (Info, error) {
	a, err := l.GetAsset(uuid)
	if err != nil {
		return Info{}, err
	}
	return Info{
		UUID:       a.UUID,
		Type:       a.Type,
		URL:        a.URL,
		Category:   a.Category(),
		IsSubAsset: a.IsSubAsset(),
		HasImport:  a.HasImport(),
		NativeExts: a.NativeExts(),
	}, nil
}

// GetDependUUIDs returns the direct dependencies of an asset.
func (l *Library) GetDependUUIDs(uuid string) ([]string, error) {
	l.mu.RLock()
	deps, ok := l.direct[uuid]
	l.mu.RUnlock()
	if ok {
		return deps, nil
	}
	deps, err := l.db.QueryDependencies(uuid)
	if err != nil {
		return nil, fmt.Errorf("querying dependencies of %s: %w", uuid, err)
	}
	l.mu.Lock()
	l.direct[uuid] = deps
	l.mu.Unlock()
	return deps, nil
}

// GetDependUUIDsDeep returns the transitive dependencies of an asset in
// breadth-first order, excluding the asset itself. Cycles are tolerated:
// a UUID already in the result is never expanded again. Dependencies the
// database does not know are kept as leaves.
func (l *Library) GetDependUUIDsDeep(uuid string) ([]string, error) {
	l.mu.RLock()
	deps, ok := l.depend[uuid]
	l.mu.RUnlock()
	if ok {
		return deps, nil
	}

	frontier, err := l.GetDependUUIDs(uuid)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{uuid: true}
	result := []string{}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			if seen[id] {
				continue
			}
			seen[id] = true
			result = append(result, id)
			sub, err := l.GetDependUUIDs(id)
			if err != nil {
				continue
			}
			next = append(next, sub...)
		}
		frontier = next
	}

	l.mu.Lock()
	l.depend[uuid] = result
	l.mu.Unlock()
	return result, nil
}

// GetSerializedJSON returns the build-time serialized import record of an
// asset. Results come from the on-disk cache when it is enabled, the
// library record is unchanged and the asset type is not volatile. Only
// opts.Debug selects the cache entry; the other options must stay fixed
// for the lifetime of the library.
func (l *Library) GetSerializedJSON(ctx context.Context, uuid string, opts asset.SerializeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := l.GetAsset(uuid)
	if err != nil {
		return nil, err
	}
	if !a.HasImport() {
		return nil, fmt.Errorf("%s (%s): %w", uuid, a.URL, ErrNoImport)
	}

	if !l.opts.UseCache || l.isVolatile(a.Type) {
		l.bypassed.Add(1)
		telemetry.RecordCacheLookup(ctx, a.Type, "bypass")
		return l.build(a, opts)
	}

	path := l.cachePath(a.UUID, opts.Debug)
	v, err, _ := l.fills.Do(path, func() (any, error) {
		return l.cached(ctx, a, path, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (l *Library) cached(ctx context.Context, a *asset.Asset, path string, opts asset.SerializeOptions) ([]byte, error) {
	record, err := l.readRecord(a)
	if err != nil {
		return nil, err
	}
	fp := fingerprint(record)
	if stored, err := l.fs.ReadFile(path + ".fp"); err == nil && string(stored) == fp {
		if data, err := l.fs.ReadFile(path); err == nil {
			l.hits.Add(1)
			telemetry.RecordCacheLookup(ctx, a.Type, "hit")
			return data, nil
		}
	}

	l.misses.Add(1)
	telemetry.RecordCacheLookup(ctx, a.Type, "miss")
	data, err := l.serializeRecord(a, record, opts)
	if err != nil {
		return nil, err
	}
	// Concurrent builds may race on the same entry; they write identical
	// bytes, so the last writer wins harmlessly.
	if err := fsys.WriteFileAtomic(l.fs, path, data, 0o644); err != nil {
		l.log.WithField("uuid", a.UUID).Warnf("writing serialization cache: %v", err)
		return data, nil
	}
	if err := fsys.WriteFileAtomic(l.fs, path+".fp", []byte(fp), 0o644); err != nil {
		l.log.WithField("uuid", a.UUID).Warnf("writing cache fingerprint: %v", err)
	}
	return data, nil
}

func (l *Library) build(a *asset.Asset, opts asset.SerializeOptions) ([]byte, error) {
	record, err := l.readRecord(a)
	if err != nil {
		return nil, err
	}
	return l.serializeRecord(a, record, opts)
}

func (l *Library) readRecord(a *asset.Asset) ([]byte, error) {
	data, err := l.fs.ReadFile(a.Library + a.ImportFileExt())
	if err != nil {
		return nil, fmt.Errorf("reading library record of %s (%s): %w", a.UUID, a.URL, err)
	}
	return data, nil
}

func (l *Library) serializeRecord(a *asset.Asset, record []byte, opts asset.SerializeOptions) ([]byte, error) {
	g, err := l.ser.Deserialize(record)
	if err != nil {
		return nil, fmt.Errorf("deserializing %s (%s): %w", a.UUID, a.URL, err)
	}
	if len(g.MissingClasses) > 0 {
		l.reportOnce(l.reportedClass, a, "missing class", g.MissingClasses)
	}

	var missing []string
	for _, ref := range g.Refs {
		if _, err := l.GetAsset(ref); err != nil {
			missing = append(missing, ref)
		}
	}
	if len(missing) > 0 {
		l.reportOnce(l.reportedAsset, a, "missing referenced asset", missing)
		g.DropRefs(func(id string) bool { return slices.Contains(missing, id) })
	}
	return l.Serialize(a, g, opts)
}

// Serialize applies type-specific adjustments and encodes g.
func (l *Library) Serialize(a *asset.Asset, g *asset.Graph, opts asset.SerializeOptions) ([]byte, error) {
	switch {
	case a.Category() == asset.Scene, a.Type == "cc.Prefab":
		// Editor state never ships with scenes and prefabs.
		opts.StripEditor = true
	case a.Category() == asset.Script:
		return nil, fmt.Errorf("%s (%s): scripts are compiled, not serialized", a.UUID, a.URL)
	}
	data, err := l.ser.Serialize(g, opts)
	if err != nil {
		return nil, fmt.Errorf("serializing %s (%s): %w", a.UUID, a.URL, err)
	}
	return data, nil
}

func (l *Library) reportOnce(reported map[string]bool, a *asset.Asset, what string, items []string) {
	l.mu.Lock()
	done := reported[a.UUID]
	reported[a.UUID] = true
	l.mu.Unlock()
	if done {
		return
	}
	l.log.WithFields(logrus.Fields{"uuid": a.UUID, "url": a.URL}).Warnf("%s: %v", what, items)
}

func (l *Library) isVolatile(typ string) bool {
	return slices.Contains(l.opts.VolatileTypes, typ)
}

func (l *Library) cachePath(uuid string, debug bool) string {
	mode := "release"
	if debug {
		mode = "debug"
	}
	return filepath.Join(l.opts.CacheDir, uuid, mode+".json")
}

// fingerprint identifies a library record for cache validation.
func fingerprint(record []byte) string {
	sum := blake3.Sum256(record)
	return hex.EncodeToString(sum[:16])
}
