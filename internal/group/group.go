// Package group clusters a bundle's serializable assets into packed output
// files and names each cluster by a hash of its members.
package group

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/spaolacci/murmur3"

	"github.com/steveyegge/assetpack/internal/asset"
)

// Type is the packing strategy of a group.
type Type int

const (
	// Normal groups concatenate serialized JSON bodies into one array.
	Normal Type = iota
	// Texture groups merge the base and mipmap payloads of textures.
	Texture
	// Image groups merge raw image asset payloads.
	Image
)

func (t Type) String() string {
	switch t {
	case Normal:
		return "normal"
	case Texture:
		return "texture"
	case Image:
		return "image"
	default:
		return "unknown"
	}
}

// Group is one physical packing unit. UUIDs are kept sorted so a member's
// index is stable across rebuilds of unchanged content.
type Group struct {
	Type  Type
	UUIDs []string
	// Name is empty until the group is named.
	Name string
}

// IndexOf returns the position of uuid in the packed array, or -1.
func (g *Group) IndexOf(uuid string) int {
	i, ok := slices.BinarySearch(g.UUIDs, uuid)
	if !ok {
		return -1
	}
	return i
}

// Contains reports whether uuid is a member of g.
func (g *Group) Contains(uuid string) bool {
	return g.IndexOf(uuid) >= 0
}

// Add inserts uuid keeping UUIDs sorted. Adding a member twice is a no-op.
func (g *Group) Add(uuid string) {
	i, ok := slices.BinarySearch(g.UUIDs, uuid)
	if ok {
		return
	}
	g.UUIDs = slices.Insert(g.UUIDs, i, uuid)
}

// Remove deletes uuid if present and reports whether it was.
func (g *Group) Remove(uuid string) bool {
	i, ok := slices.BinarySearch(g.UUIDs, uuid)
	if !ok {
		return false
	}
	g.UUIDs = slices.Delete(g.UUIDs, i, i+1)
	return true
}

// Compression is a bundle's packing policy.
type Compression string

// Compression types.
const (
	None         Compression = "none"
	MergeDep     Compression = "merge_dep"
	MergeAllJSON Compression = "merge_all_json"
	Subpackage   Compression = "subpackage"
	Zip          Compression = "zip"
)

// Compressions lists every valid compression type.
var Compressions = []Compression{None, MergeDep, MergeAllJSON, Subpackage, Zip}

// ParseCompression validates s. The empty string selects MergeDep.
func ParseCompression(s string) (Compression, error) {
	if s == "" {
		return MergeDep, nil
	}
	c := Compression(s)
	if !slices.Contains(Compressions, c) {
		return "", fmt.Errorf("unknown compression type %q (want one of %v)", s, Compressions)
	}
	return c, nil
}

// DepResolver yields the transitive dependencies of an asset.
type DepResolver interface {
	GetDependUUIDsDeep(uuid string) ([]string, error)
}

// Input is what Plan groups.
type Input struct {
	// Roots are the bundle's root assets. Order does not matter.
	Roots []string
	// Members maps every serializable asset of the bundle to its category.
	// Assets outside Members are never grouped.
	Members map[string]asset.Category
}

// Plan clusters in.Members according to c. The result is deterministic for
// a fixed input and never contains a group with fewer than two members.
//
// merge_dep walks the roots in sorted order. Each root's closure, minus
// assets an earlier group already claimed, becomes a Normal group when it
// still has more than one member. Leftover textures and images form one
// Texture and one Image group respectively. subpackage and zip bundles are
// grouped the same way; they differ only in how output is shipped.
func Plan(c Compression, in Input, deps DepResolver) ([]Group, error) {
	switch c {
	case None:
		return nil, nil
	case MergeAllJSON:
		all := make([]string, 0, len(in.Members))
		for id := range in.Members {
			all = append(all, id)
		}
		return keep(nil, Group{Type: Normal, UUIDs: all}), nil
	case MergeDep, Subpackage, Zip:
		return planMergeDep(in, deps)
	default:
		return nil, fmt.Errorf("unknown compression type %q", c)
	}
}

func planMergeDep(in Input, deps DepResolver) ([]Group, error) {
	roots := slices.Clone(in.Roots)
	slices.Sort(roots)
	roots = slices.Compact(roots)

	claimed := make(map[string]bool)
	var groups []Group
	for _, root := range roots {
		if !packsAsJSON(in.Members, root) || claimed[root] {
			continue
		}
		closure, err := deps.GetDependUUIDsDeep(root)
		if err != nil {
			return nil, fmt.Errorf("dependencies of root %s: %w", root, err)
		}
		members := []string{root}
		for _, id := range closure {
			if packsAsJSON(in.Members, id) && !claimed[id] && !slices.Contains(members, id) {
				members = append(members, id)
			}
		}
		if len(members) < 2 {
			continue
		}
		for _, id := range members {
			claimed[id] = true
		}
		groups = keep(groups, Group{Type: Normal, UUIDs: members})
	}

	var textures, images []string
	for id, cat := range in.Members {
		switch cat {
		case asset.Texture:
			textures = append(textures, id)
		case asset.Image:
			images = append(images, id)
		}
	}
	groups = keep(groups, Group{Type: Texture, UUIDs: textures})
	groups = keep(groups, Group{Type: Image, UUIDs: images})
	return groups, nil
}

// packsAsJSON reports whether id belongs in a Normal group.
func packsAsJSON(members map[string]asset.Category, id string) bool {
	cat, ok := members[id]
	if !ok {
		return false
	}
	return cat == asset.Generic || cat == asset.Binary
}

// keep appends g with sorted members unless it is a singleton.
func keep(groups []Group, g Group) []Group {
	if len(g.UUIDs) < 2 {
		return groups
	}
	slices.Sort(g.UUIDs)
	return append(groups, g)
}

// Namespace tags reserve the first hex digit of a name so hashes of
// different kinds never collide.
const (
	NSPack    byte = '0'
	NSTexture byte = '1'
	NSImage   byte = '2'
	NSAtlas   byte = '3'
)

// collisionSep separates a name from its collision counter. It is outside
// the hex alphabet.
const collisionSep = "-"

// HashName returns the 8-hex-digit name of a member set. Member order does
// not matter.
func HashName(ns byte, uuids []string) string {
	sorted := slices.Clone(uuids)
	slices.Sort(sorted)
	h := murmur3.New32()
	for _, id := range sorted {
		h.Write([]byte(id)) //nolint:errcheck // hash.Write never errors
		h.Write([]byte{0})  //nolint:errcheck
	}
	name := []byte(fmt.Sprintf("%08x", h.Sum32()))
	name[0] = ns
	return string(name)
}

// Namer hands out unique names within one bundle.
type Namer struct {
	used  map[string]int
	taken map[string]bool
}

// NewNamer returns a namer. Names passed in are treated as already given
// out.
func NewNamer(taken ...string) *Namer {
	n := &Namer{used: make(map[string]int), taken: make(map[string]bool, len(taken))}
	for _, name := range taken {
		n.taken[name] = true
	}
	return n
}

// Name returns HashName(ns, uuids), suffixed with a counter when the name
// is already taken.
func (n *Namer) Name(ns byte, uuids []string) string {
	base := HashName(ns, uuids)
	for count := n.used[base]; ; count++ {
		name := base
		if count > 0 {
			name = base + collisionSep + strconv.Itoa(count)
		}
		if !n.taken[name] {
			n.used[base] = count + 1
			n.taken[name] = true
			return name
		}
	}
}

// Namespace returns the tag used for groups of type t.
func Namespace(t Type) byte {
	switch t {
	case Texture:
		return NSTexture
	case Image:
		return NSImage
	default:
		return NSPack
	}
}

// AssignNames names every group in order.
func AssignNames(n *Namer, groups []Group) {
	for i := range groups {
		groups[i].Name = n.Name(Namespace(groups[i].Type), groups[i].UUIDs)
	}
}

// ImportPath is the output location of a packed file or single import
// record: {importDir}/{name[:2]}/{name}.json.
func ImportPath(importDir, name string) string {
	return filepath.Join(importDir, FanOut(name), name+asset.ImportExt)
}

// FanOut is the two-character directory a name is filed under. Names
// shorter than two characters are filed under themselves.
func FanOut(name string) string {
	if len(name) < 2 {
		return name
	}
	return name[:2]
}
