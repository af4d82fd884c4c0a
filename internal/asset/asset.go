// Package asset defines the read-only asset model the bundler consumes and
// the interfaces of its two external collaborators: the asset database
// that resolves the project tree into UUID-addressed assets, and the
// serialization engine that turns library records into wire bytes.
//
// Every relationship is a UUID reference. Sub-assets are listed by key and
// resolved through the database like any other asset.
package asset

import (
	"errors"
	"slices"
	"strings"
)

// ErrNotFound is returned by a [Database] when a UUID is unknown.
var ErrNotFound = errors.New("asset not found")

// SubSeparator joins a parent UUID and a sub-asset key.
const SubSeparator = "@"

// Category is the closed set of asset kinds the bundler distinguishes.
type Category int

const (
	// Generic assets carry a structured import record and are packed
	// as JSON.
	Generic Category = iota
	// Script assets are compiled, never serialized.
	Script
	// Scene assets are listed by url in the manifest.
	Scene
	// Image assets are raw image payloads with a small import record.
	Image
	// Texture assets reference an image and carry sampler data.
	Texture
	// Binary assets are opaque native files (audio, video, fonts).
	Binary
)

// String returns the category name used in logs.
func (c Category) String() string {
	switch c {
	case Generic:
		return "generic"
	case Script:
		return "script"
	case Scene:
		return "scene"
	case Image:
		return "image"
	case Texture:
		return "texture"
	case Binary:
		return "binary"
	default:
		return "unknown"
	}
}

// categories maps asset type names to their bundling category. Types not
// listed are Generic.
var categories = map[string]Category{
	"cc.Script":        Script,
	"cc.JavaScript":    Script,
	"cc.TypeScript":    Script,
	"cc.SceneAsset":    Scene,
	"cc.ImageAsset":    Image,
	"cc.Texture2D":     Texture,
	"cc.TextureCube":   Texture,
	"cc.RenderTexture": Texture,
	"cc.AudioClip":     Binary,
	"cc.VideoClip":     Binary,
	"cc.TTFFont":       Binary,
	"cc.BufferAsset":   Binary,
}

// Classify returns the bundling category for an asset type name.
func Classify(typeName string) Category {
	if c, ok := categories[typeName]; ok {
		return c
	}
	return Generic
}

// ImportExt is the extension of an asset's structured import record.
const ImportExt = ".json"

// binaryContainerExts are extensions of packed binary containers. An
// asset with only such a file still has an import record.
var binaryContainerExts = []string{".cconb", ".bin"}

// Asset is one entry of the asset database.
type Asset struct {
	// UUID identifies the asset across the whole project. Sub-assets use
	// "{parent}@{key}".
	UUID string `json:"uuid"`
	// Type is the asset class name, e.g. "cc.Prefab".
	Type string `json:"type"`
	// URL is the human-readable virtual path, e.g. "db://assets/a.prefab".
	URL string `json:"url"`
	// Library is the on-disk base path of the serialized forms, without
	// extension. Files are Library+ext for each entry of Extensions.
	Library string `json:"library"`
	// Extensions lists the files present in the library, e.g.
	// [".json", ".png"].
	Extensions []string `json:"extensions,omitempty"`
	// SubAssets maps sub-asset keys to their UUIDs.
	SubAssets map[string]string `json:"subAssets,omitempty"`
	// Virtual assets have no source file, only a library entry.
	Virtual bool `json:"virtual,omitempty"`
	// UserData holds importer settings such as "isBundle".
	UserData map[string]any `json:"userData,omitempty"`
}

// Category returns the bundling category of the asset.
func (a *Asset) Category() Category {
	return Classify(a.Type)
}

// IsSubAsset reports whether the asset is a sub-asset of another asset.
func (a *Asset) IsSubAsset() bool {
	return strings.Contains(a.UUID, SubSeparator)
}

// HasImport reports whether the asset has a structured import record.
func (a *Asset) HasImport() bool {
	return a.ImportFileExt() != ""
}

// ImportFileExt returns the extension of the import record file, or ""
// when the asset has none. A JSON record wins over a binary container.
func (a *Asset) ImportFileExt() string {
	if slices.Contains(a.Extensions, ImportExt) {
		return ImportExt
	}
	for _, ext := range binaryContainerExts {
		if slices.Contains(a.Extensions, ext) {
			return ext
		}
	}
	return ""
}

// NativeExts returns the extensions of the asset's native files, i.e.
// everything that is not the import record.
func (a *Asset) NativeExts() []string {
	var out []string
	for _, ext := range a.Extensions {
		if ext == ImportExt || slices.Contains(binaryContainerExts, ext) {
			continue
		}
		out = append(out, ext)
	}
	return out
}

// HasFiles reports whether the asset declares any serializable or native
// file. Assets without files are pure containers such as folders.
func (a *Asset) HasFiles() bool {
	return len(a.Extensions) > 0
}

// SubKeys returns the sub-asset keys in sorted order.
func (a *Asset) SubKeys() []string {
	keys := make([]string, 0, len(a.SubAssets))
	for k := range a.SubAssets {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// SubUUID returns the identity of a sub-asset of parent.
func SubUUID(parent, key string) string {
	return parent + SubSeparator + key
}

// SplitUUID splits a UUID into its base and sub-asset key. key is empty
// for top-level assets.
func SplitUUID(id string) (base, key string) {
	base, key, _ = strings.Cut(id, SubSeparator)
	return base, key
}

// Database is the asset database the bundler reads from.
type Database interface {
	// QueryAsset returns the asset with the given UUID or ErrNotFound.
	QueryAsset(uuid string) (*Asset, error)
	// QueryAssetProperty returns a named property of an asset, e.g.
	// "depends" or a user data key. Unknown keys yield (nil, nil).
	QueryAssetProperty(uuid, key string) (any, error)
	// QueryDependencies returns the direct dependencies of an asset.
	QueryDependencies(uuid string) ([]string, error)
	// QueryURL returns the url of an asset.
	QueryURL(uuid string) (string, error)
	// QueryAll returns every asset, sub-assets included.
	QueryAll() ([]*Asset, error)
}

// Graph is a deserialized object graph.
type Graph struct {
	// Root is the decoded document: objects, arrays and scalars.
	Root any
	// MissingClasses lists type names the serializer could not resolve.
	MissingClasses []string
	// Refs lists every asset UUID the graph references, deduplicated and
	// sorted.
	Refs []string
}

// SerializeOptions controls build-time serialization.
type SerializeOptions struct {
	// Debug keeps output human readable.
	Debug bool
	// CompressUUID shortens every asset reference.
	CompressUUID bool
	// StripDefaults removes null-valued fields.
	StripDefaults bool
	// StripEditor removes editor-only sub-structures.
	StripEditor bool
}

// Serializer is the serialization engine.
type Serializer interface {
	// Deserialize decodes library bytes into a graph.
	Deserialize(data []byte) (*Graph, error)
	// Serialize encodes a graph with build-time options.
	Serialize(g *Graph, opts SerializeOptions) ([]byte, error)
}

// Keys of the object graph convention shared with the serialization
// engine.
const (
	TypeKey = "__type__"
	RefKey  = "__uuid__"
)

// DropRefs replaces every reference to a UUID for which missing returns
// true with null, and removes it from g.Refs.
func (g *Graph) DropRefs(missing func(uuid string) bool) {
	g.Root = dropRefs(g.Root, missing)
	refs := g.Refs[:0]
	for _, r := range g.Refs {
		if !missing(r) {
			refs = append(refs, r)
		}
	}
	g.Refs = refs
}

func dropRefs(v any, missing func(string) bool) any {
	switch t := v.(type) {
	case map[string]any:
		if id, ok := t[RefKey].(string); ok && missing(id) {
			return nil
		}
		for k, child := range t {
			t[k] = dropRefs(child, missing)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = dropRefs(child, missing)
		}
		return t
	default:
		return v
	}
}
