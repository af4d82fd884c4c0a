package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/steveyegge/assetpack/internal/asset"
	"github.com/steveyegge/assetpack/internal/assetdb"
	"github.com/steveyegge/assetpack/internal/buildctx"
	"github.com/steveyegge/assetpack/internal/fsys"
	"github.com/steveyegge/assetpack/internal/group"
	"github.com/steveyegge/assetpack/internal/library"
	"github.com/steveyegge/assetpack/internal/md5cache"
	"github.com/steveyegge/assetpack/internal/scripts"
	"github.com/steveyegge/assetpack/internal/serialize"
	"github.com/steveyegge/assetpack/internal/uuidz"
)

const (
	uA = "a0000000-0000-4000-8000-00000000000a"
	uB = "b0000000-0000-4000-8000-00000000000b"
	uC = "c0000000-0000-4000-8000-00000000000c"
	uD = "d0000000-0000-4000-8000-00000000000d"
	uE = "e0000000-0000-4000-8000-00000000000e"
)

type fixture struct {
	fs   *fsys.Fake
	db   *assetdb.Memory
	bctx *buildctx.Context
	logs *logtest.Hook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := fsys.NewFake()
	db := assetdb.NewMemory()
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	lib := library.New(db, serialize.New(), fs, log, library.Options{CacheDir: "/cache"})
	return &fixture{
		fs:   fs,
		db:   db,
		logs: hook,
		bctx: &buildctx.Context{
			FS:       fs,
			Log:      log,
			Library:  lib,
			Compiler: &scripts.Local{FS: fs, Log: log},
		},
	}
}

func (f *fixture) write(t *testing.T, path, data string) {
	t.Helper()
	if err := f.fs.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

// addJSON registers a JSON asset whose library record references deps.
func (f *fixture) addJSON(t *testing.T, id, url string, deps ...string) *asset.Asset {
	t.Helper()
	a := &asset.Asset{UUID: id, Type: "cc.JsonAsset", URL: url, Library: "/lib/" + id, Extensions: []string{".json"}}
	refs := make([]string, len(deps))
	for i, d := range deps {
		refs[i] = `{"__uuid__":"` + d + `"}`
	}
	f.write(t, a.Library+".json", `{"__type__":"cc.JsonAsset","name":"`+id[:1]+`","refs":[`+strings.Join(refs, ",")+`]}`)
	f.db.Add(a, deps...)
	return a
}

func (f *fixture) get(t *testing.T, id string) *asset.Asset {
	t.Helper()
	a, err := f.bctx.Library.GetAsset(id)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func (f *fixture) newBundle(t *testing.T, opts InitOptions) *Bundle {
	t.Helper()
	if opts.Name == "" {
		opts.Name = MainName
	}
	if opts.Dest == "" {
		opts.Dest = "/out/" + opts.Name
	}
	b, err := New(f.bctx, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

// abcde registers A -> B -> C plus the isolated D and E.
func (f *fixture) abcde(t *testing.T) {
	t.Helper()
	f.addJSON(t, uC, "db://assets/c.json")
	f.addJSON(t, uB, "db://assets/b.json", uC)
	f.addJSON(t, uA, "db://assets/a.json", uB)
	f.addJSON(t, uD, "db://assets/d.json")
	f.addJSON(t, uE, "db://assets/e.json")
}

func TestInitOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts InitOptions
	}{
		{"no name", InitOptions{Dest: "/out"}},
		{"separator", InitOptions{Name: "a/b", Dest: "/out"}},
		{"relative dest", InitOptions{Name: "a", Dest: "out"}},
		{"bad compression", InitOptions{Name: "a", Dest: "/out", Compression: "brotli"}},
		{"bad filter", InitOptions{Name: "a", Dest: "/out", Filter: FilterConfig{Exclude: []Rule{{URL: "db://[x"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.opts.Validate(); err == nil {
				t.Error("Validate succeeded, want error")
			}
		})
	}
}

func TestMergeDepScenario(t *testing.T) {
	f := newFixture(t)
	f.abcde(t)
	b := f.newBundle(t, InitOptions{})
	for _, id := range []string{uA, uB, uC, uD, uE} {
		b.AddRootAsset(f.get(t, id))
	}
	if err := b.PlanGroups(); err != nil {
		t.Fatal(err)
	}
	groups := b.Groups()
	if len(groups) != 1 {
		t.Fatalf("groups = %+v, want exactly one", groups)
	}
	if want := []string{uA, uB, uC}; !reflect.DeepEqual(groups[0].UUIDs, want) {
		t.Errorf("group members = %v, want %v", groups[0].UUIDs, want)
	}
	if groups[0].Name[0] != group.NSPack {
		t.Errorf("group name %q is outside the pack namespace", groups[0].Name)
	}

	if err := b.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	var packed []json.RawMessage
	data := f.fs.Files[group.ImportPath("/out/main/import", groups[0].Name)]
	if err := json.Unmarshal(data, &packed); err != nil {
		t.Fatalf("pack file: %v\n%s", err, data)
	}
	if len(packed) != 3 {
		t.Errorf("pack holds %d records, want 3", len(packed))
	}
	for _, id := range []string{uD, uE} {
		if _, ok := f.fs.Files[group.ImportPath("/out/main/import", id)]; !ok {
			t.Errorf("%s not packed individually", id)
		}
	}
	if _, ok := f.fs.Files[group.ImportPath("/out/main/import", uA)]; ok {
		t.Error("grouped asset also written individually")
	}
	if name, ok := b.PackOf(uB); !ok || name != groups[0].Name {
		t.Errorf("PackOf(B) = %q, %v", name, ok)
	}
}

func TestGroupNameIgnoresInsertionOrder(t *testing.T) {
	f := newFixture(t)
	f.abcde(t)
	orders := [][]string{{uA, uB, uC}, {uC, uA, uB}}
	var names []string
	for i, order := range orders {
		b := f.newBundle(t, InitOptions{Name: "b" + string(rune('0'+i))})
		for _, id := range order {
			b.AddRootAsset(f.get(t, id))
		}
		if err := b.PlanGroups(); err != nil {
			t.Fatal(err)
		}
		g := b.Groups()
		if len(g) != 1 {
			t.Fatalf("order %v: groups = %+v", order, g)
		}
		names = append(names, g[0].Name)
	}
	if names[0] != names[1] {
		t.Errorf("names differ by insertion order: %v", names)
	}
}

func TestAddRootAssetRoutesAndSkipsContainers(t *testing.T) {
	f := newFixture(t)
	script := &asset.Asset{UUID: "s1", Type: "cc.TypeScript", URL: "db://assets/s.ts", Library: "/lib/s1", Extensions: []string{".js"}}
	scene := &asset.Asset{UUID: "sc1", Type: "cc.SceneAsset", URL: "db://assets/level.scene", Library: "/lib/sc1", Extensions: []string{".json"}}
	sub := &asset.Asset{UUID: "folder@leaf", Type: "cc.JsonAsset", URL: "db://assets/folder/leaf", Library: "/lib/leaf", Extensions: []string{".json"}}
	folder := &asset.Asset{UUID: "folder", Type: "cc.Asset", URL: "db://assets/folder", SubAssets: map[string]string{"leaf": sub.UUID}}
	for _, a := range []*asset.Asset{script, scene, sub, folder} {
		f.db.Add(a)
	}

	b := f.newBundle(t, InitOptions{})
	for _, a := range []*asset.Asset{script, scene, folder} {
		b.AddRootAsset(a)
	}

	if got := b.Scripts(); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Errorf("Scripts = %v", got)
	}
	if got := b.Scenes(); got["sc1"] != "db://assets/level.scene" || len(got) != 1 {
		t.Errorf("Scenes = %v", got)
	}
	if got := b.Assets(); !reflect.DeepEqual(got, []string{"folder@leaf"}) {
		t.Errorf("Assets = %v, want only the sub-asset", got)
	}
	if b.ContainsAsset("folder", true) {
		t.Error("container without files is a member")
	}
	if !b.IsRoot("folder@leaf") {
		t.Error("sub-asset of a root is not a root")
	}
}

func TestFilterRejectionLogsAtDebug(t *testing.T) {
	f := newFixture(t)
	f.addJSON(t, uA, "db://assets/editor/a.json")
	f.addJSON(t, uB, "db://assets/b.json")
	b := f.newBundle(t, InitOptions{Filter: FilterConfig{Exclude: []Rule{{URL: "db://assets/editor/**"}}}})

	b.AddRootAsset(f.get(t, uA))
	b.AddRootAsset(f.get(t, uB))

	if b.ContainsAsset(uA, true) {
		t.Error("excluded asset was added")
	}
	if !b.ContainsAsset(uB, false) {
		t.Error("allowed asset missing")
	}
	found := false
	for _, e := range f.logs.AllEntries() {
		if strings.Contains(e.Message, "filtered out") {
			found = true
			if e.Level != logrus.DebugLevel {
				t.Errorf("filter log level = %v, want debug", e.Level)
			}
			if e.Data["uuid"] != uA {
				t.Errorf("filter log uuid = %v", e.Data["uuid"])
			}
		}
	}
	if !found {
		t.Error("no log entry for the filtered asset")
	}
}

func TestRedirectInvariant(t *testing.T) {
	f := newFixture(t)
	f.addJSON(t, uA, "db://assets/a.json")
	b := f.newBundle(t, InitOptions{Name: "level1"})

	if err := b.AddRedirect(uA, "level1"); err == nil {
		t.Error("redirect to itself accepted")
	}
	if err := b.AddRedirect(uA, "shared"); err != nil {
		t.Fatal(err)
	}
	b.AddDep("fonts")

	for id, target := range b.Redirects() {
		if !slices.Contains(b.Deps(), target) {
			t.Errorf("redirect target %s of %s not in deps %v", target, id, b.Deps())
		}
		if !slices.Contains(b.Assets(), id) {
			t.Errorf("redirected %s not in assets", id)
		}
	}
	if err := b.InitConfig(); err != nil {
		t.Fatal(err)
	}
	c := b.Config()
	if want := []string{"fonts", "shared"}; !reflect.DeepEqual(c.Deps, want) {
		t.Errorf("deps = %v, want %v", c.Deps, want)
	}
	if want := []Redirect{{UUID: uA, Dep: 1}}; !reflect.DeepEqual(c.Redirect, want) {
		t.Errorf("redirect = %v, want %v", c.Redirect, want)
	}
	if _, ok := c.Paths[uA]; ok {
		t.Error("redirected asset has a local path")
	}
}

type snapshot struct {
	assets, scripts []string
	scenes          map[string]string
	redirect        map[string]string
	groups          []group.Group
}

func snap(b *Bundle) snapshot {
	return snapshot{b.Assets(), b.Scripts(), b.Scenes(), b.Redirects(), b.Groups()}
}

func TestRemoveAssetIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.abcde(t)
	b := f.newBundle(t, InitOptions{})
	b.AddAsset(f.get(t, uD))
	before := snap(b)

	b.AddAsset(f.get(t, uA))
	if err := b.AddRedirect(uA, "shared"); err != nil {
		t.Fatal(err)
	}
	b.RemoveAsset(uA)
	b.RemoveAsset(uA)

	if after := snap(b); !reflect.DeepEqual(before, after) {
		t.Errorf("state after add+remove+remove:\n got %+v\nwant %+v", after, before)
	}
	if len(b.Deps()) != 0 {
		t.Errorf("deps = %v after removing the only redirect", b.Deps())
	}
}

func TestRemoveAssetPurgesGroups(t *testing.T) {
	f := newFixture(t)
	f.abcde(t)
	b := f.newBundle(t, InitOptions{})
	for _, id := range []string{uA, uB, uC} {
		b.AddRootAsset(f.get(t, id))
	}
	if err := b.PlanGroups(); err != nil {
		t.Fatal(err)
	}

	b.RemoveAsset(uB)
	if g := b.Groups(); len(g) != 1 || !reflect.DeepEqual(g[0].UUIDs, []string{uA, uC}) {
		t.Fatalf("groups after removing B = %+v", g)
	}
	b.RemoveAsset(uC)
	if g := b.Groups(); len(g) != 0 {
		t.Errorf("singleton group kept: %+v", g)
	}
	if _, ok := b.PackOf(uA); ok {
		t.Error("A still recorded as packed")
	}
}

func TestAddGroupDropsSingletons(t *testing.T) {
	f := newFixture(t)
	f.abcde(t)
	b := f.newBundle(t, InitOptions{})
	for _, id := range []string{uA, uB, uC} {
		b.AddRootAsset(f.get(t, id))
	}
	if b.AddGroup(group.Normal, []string{uA}) {
		t.Error("single-member group kept")
	}
	if b.AddGroup(group.Normal, []string{uA, uA}) {
		t.Error("duplicate-member group kept")
	}
	if !b.AddGroup(group.Normal, []string{uB, uA}) {
		t.Fatal("two-member group dropped")
	}
	if err := b.AddToGroup(0, uC); err != nil {
		t.Fatal(err)
	}
	if err := b.AddToGroup(3, uC); err == nil {
		t.Error("AddToGroup accepted a missing group")
	}
	if got := b.Groups()[0].UUIDs; !reflect.DeepEqual(got, []string{uA, uB, uC}) {
		t.Errorf("members = %v, want sorted", got)
	}
}

func TestAddToGroupRejectsClaimedAndForeignUUIDs(t *testing.T) {
	f := newFixture(t)
	f.abcde(t)
	b := f.newBundle(t, InitOptions{Compression: group.None})
	for _, id := range []string{uA, uD, uE} {
		b.AddRootAsset(f.get(t, id))
	}
	b.AddGroup(group.Normal, []string{uA, uB})
	b.AddGroup(group.Normal, []string{uD, uE})

	if err := b.AddToGroup(1, uA); err == nil || !strings.Contains(err.Error(), "group 0") {
		t.Errorf("AddToGroup(claimed) = %v, want it to name group 0", err)
	}
	if err := b.AddToGroup(0, "f0000000-0000-4000-8000-00000000000f"); err == nil {
		t.Error("AddToGroup accepted a UUID outside the bundle")
	}
	if err := b.AddToGroup(0, uA); err != nil {
		t.Errorf("re-adding to the same group: %v", err)
	}
	if got := b.Groups()[1].UUIDs; !reflect.DeepEqual(got, []string{uD, uE}) {
		t.Errorf("group 1 = %v", got)
	}
}

func TestBuildPacksAddedGroups(t *testing.T) {
	f := newFixture(t)
	f.abcde(t)
	b := f.newBundle(t, InitOptions{Compression: group.None})
	for _, id := range []string{uA, uD, uE} {
		b.AddRootAsset(f.get(t, id))
	}
	if err := b.PlanGroups(); err != nil {
		t.Fatal(err)
	}
	if !b.AddGroup(group.Normal, []string{uD, uE}) {
		t.Fatal("group dropped")
	}
	if err := b.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	groups := b.Groups()
	name := groups[len(groups)-1].Name
	if name == "" {
		t.Fatal("added group left unnamed")
	}
	if got := b.Config().Packs[name]; !reflect.DeepEqual(got, []string{uD, uE}) {
		t.Errorf("pack %s = %v, want [D E]", name, got)
	}
	if pack, ok := b.PackOf(uD); !ok || pack != name {
		t.Errorf("PackOf(D) = %q, %v", pack, ok)
	}
	if _, ok := f.fs.Files[group.ImportPath("/out/main/import", name)]; !ok {
		t.Error("pack file not written")
	}
	if _, ok := f.fs.Files[group.ImportPath("/out/main/import", uD)]; ok {
		t.Error("packed D also written as a single record")
	}
}

func TestCompressRoundTrip(t *testing.T) {
	c := newConfig("level1", false)
	c.Deps = []string{"main", "shared"}
	c.UUIDs = []string{uA, uB, uC, uD, uE + "@f9941"}
	c.Paths[uA] = Path{Path: "a", Type: "cc.JsonAsset"}
	c.Paths[uE+"@f9941"] = Path{Path: "e/spriteFrame", Type: "cc.SpriteFrame", Sub: true}
	c.Scenes["db://assets/level1/start.scene"] = uD
	c.Packs["0abc1234"] = []string{uA, uB, uC}
	c.Versions.Import["0abc1234"] = "1f2e3"
	c.Versions.Import[uD] = "aa001"
	c.Versions.Native[uE+"@f9941"] = "bb002"
	c.Redirect = []Redirect{{UUID: uC, Dep: 1}}

	m, err := CompressConfig(c)
	if err != nil {
		t.Fatalf("CompressConfig: %v", err)
	}
	// A, C, D and E are referenced three times, B twice.
	if got := m.UUIDs[0]; got != uuidz.Compress(uA, true) {
		t.Errorf("uuids[0] = %q, want the compressed form of A", got)
	}
	if got := uuidz.Decompress(m.UUIDs[len(m.UUIDs)-1]); got != uB {
		t.Errorf("last uuid = %q, want the least referenced %s", got, uB)
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Manifest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	back, err := DecompressManifest(&decoded)
	if err != nil {
		t.Fatalf("DecompressManifest: %v", err)
	}
	if !reflect.DeepEqual(back, c) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, c)
	}
}

func TestCompressRejectsUnlistedUUID(t *testing.T) {
	c := newConfig("main", false)
	c.UUIDs = []string{uA}
	c.Packs["0abc1234"] = []string{uA, uB}
	if _, err := CompressConfig(c); err == nil || !strings.Contains(err.Error(), uB) {
		t.Errorf("err = %v, want it to name %s", err, uB)
	}
}

func TestCompressKeepsOpaqueIDs(t *testing.T) {
	ids := []string{
		"backgroundMusicTrack01",
		"A0000000-0000-4000-8000-00000000000A",
		"a00000000000400080000000000000aa",
		"x",
		uA,
	}
	c := newConfig("main", false)
	c.UUIDs = slices.Sorted(slices.Values(ids))
	for _, id := range ids {
		c.Paths[id] = Path{Path: "p/" + id, Type: "cc.JsonAsset"}
	}
	m, err := CompressConfig(c)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Manifest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	back, err := DecompressManifest(&decoded)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, c) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back.UUIDs, c.UUIDs)
	}
}

func TestBuildEmitsManifest(t *testing.T) {
	f := newFixture(t)
	f.abcde(t)
	script := &asset.Asset{UUID: "s1", Type: "cc.TypeScript", URL: "db://assets/s.ts", Library: "/lib/s1", Extensions: []string{".js"}}
	f.db.Add(script)
	f.write(t, "/lib/s1.js", "exports.s = 1;")

	b := f.newBundle(t, InitOptions{})
	for _, id := range []string{uA, uB, uC, uD} {
		b.AddRootAsset(f.get(t, id))
	}
	b.AddRootAsset(script)
	if err := b.PlanGroups(); err != nil {
		t.Fatal(err)
	}
	if err := b.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := b.Compress(); !errors.Is(err, ErrAlreadyCompressed) {
		t.Errorf("second Compress = %v, want ErrAlreadyCompressed", err)
	}

	var m Manifest
	if err := json.Unmarshal(f.fs.Files["/out/main/config.json"], &m); err != nil {
		t.Fatalf("config.json: %v", err)
	}
	if m.Name != MainName || len(m.UUIDs) != 4 || len(m.Packs) != 1 {
		t.Errorf("manifest = %+v", m)
	}
	back, err := DecompressManifest(&m)
	if err != nil {
		t.Fatal(err)
	}
	if p := back.Paths[uD]; p.Path != "d" || p.Type != "cc.JsonAsset" {
		t.Errorf("path of D = %+v", p)
	}
	if !strings.Contains(string(f.fs.Files["/out/main/index.js"]), `define("s1"`) {
		t.Error("index.js does not define the script")
	}
}

func TestBuildVersionsOutput(t *testing.T) {
	f := newFixture(t)
	f.bctx.Options.MD5Cache = true
	f.abcde(t)
	b := f.newBundle(t, InitOptions{})
	for _, id := range []string{uA, uB, uC, uD} {
		b.AddRootAsset(f.get(t, id))
	}
	if err := b.PlanGroups(); err != nil {
		t.Fatal(err)
	}
	if err := b.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}

	v := b.Version()
	if len(v) != 5 {
		t.Fatalf("Version = %q", v)
	}
	for _, p := range []string{"/out/main/config." + v + ".json", "/out/main/index." + v + ".js"} {
		if _, ok := f.fs.Files[p]; !ok {
			t.Errorf("%s missing", p)
		}
	}
	c := b.Config()
	name := b.Groups()[0].Name
	hash := c.Versions.Import[name]
	if hash == "" {
		t.Fatalf("pack %s has no version: %+v", name, c.Versions)
	}
	hashed := strings.TrimSuffix(group.ImportPath("/out/main/import", name), ".json") + "." + hash + ".json"
	if _, ok := f.fs.Files[hashed]; !ok {
		t.Errorf("%s missing", hashed)
	}
	if c.Versions.Import[uD] == "" {
		t.Error("individual record of D not versioned")
	}
}

func TestBuildDropsStaleVersionPlans(t *testing.T) {
	f := newFixture(t)
	f.bctx.Options.MD5Cache = true
	j := md5cache.NewMemJournal()
	f.bctx.Journal = j
	f.abcde(t)
	record := group.ImportPath("/out/main/import", uD)
	stale := md5cache.AppendHash(record, "00old")
	if err := j.Begin("main/import:"+uD, md5cache.Plan{Hash: "00old", Renames: [][2]string{{record, stale}}}); err != nil {
		t.Fatal(err)
	}

	b := f.newBundle(t, InitOptions{Compression: group.None})
	b.AddRootAsset(f.get(t, uD))
	if err := b.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	hash := b.Config().Versions.Import[uD]
	if hash == "" {
		t.Fatal("record of D not versioned")
	}
	if _, ok := f.fs.Files[md5cache.AppendHash(record, hash)]; !ok {
		t.Errorf("versioned record of D missing")
	}
	if _, ok := f.fs.Files[stale]; ok {
		t.Errorf("%s written from a stale plan", stale)
	}
	if pending, _ := j.Pending(); len(pending) != 0 {
		t.Errorf("pending plans after build = %v", pending)
	}
}

func TestBuildShortUUIDs(t *testing.T) {
	f := newFixture(t)
	f.addJSON(t, "x", "db://assets/x.json")
	clip := &asset.Asset{UUID: "y", Type: "cc.AudioClip", URL: "db://assets/y.mp3", Library: "/lib/y", Extensions: []string{".mp3"}}
	f.db.Add(clip)
	f.write(t, "/lib/y.mp3", "ID3")

	b := f.newBundle(t, InitOptions{Compression: group.None})
	b.AddRootAsset(f.get(t, "x"))
	b.AddRootAsset(clip)
	if err := b.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := f.fs.Files["/out/main/import/x/x.json"]; !ok {
		t.Error("record of x missing")
	}
	if got := string(f.fs.Files["/out/main/native/y/y.mp3"]); got != "ID3" {
		t.Errorf("native of y = %q", got)
	}
}

func TestBuildPhaseFailure(t *testing.T) {
	f := newFixture(t)
	f.addJSON(t, uA, "db://assets/a.json")
	img := &asset.Asset{UUID: uB, Type: "cc.AudioClip", URL: "db://assets/b.mp3", Library: "/lib/" + uB, Extensions: []string{".mp3"}}
	f.db.Add(img)

	b := f.newBundle(t, InitOptions{Name: "sounds"})
	b.AddRootAsset(f.get(t, uA))
	b.AddRootAsset(img)
	err := b.Build(context.Background())
	var pe *PhaseError
	if !errors.As(err, &pe) {
		t.Fatalf("Build = %v, want a PhaseError", err)
	}
	if pe.Bundle != "sounds" || pe.Phase != PhasePack {
		t.Errorf("PhaseError = %+v", pe)
	}
	if !strings.Contains(err.Error(), uB) {
		t.Errorf("error %q does not name the asset", err)
	}
	if _, ok := f.fs.Files["/out/sounds/config.json"]; ok {
		t.Error("manifest emitted for a failed bundle")
	}
	if _, ok := f.fs.Files[group.ImportPath("/out/sounds/import", uA)]; !ok {
		t.Error("pack phase stopped at the first failure")
	}
}

func TestBuildSerializationFailureBecomesNull(t *testing.T) {
	f := newFixture(t)
	f.addJSON(t, uA, "db://assets/a.json")
	bad := &asset.Asset{UUID: uB, Type: "cc.JsonAsset", URL: "db://assets/b.json", Library: "/lib/" + uB, Extensions: []string{".json"}}
	f.db.Add(bad)
	f.write(t, "/lib/"+uB+".json", "{not json")

	b := f.newBundle(t, InitOptions{Compression: group.None})
	b.AddRootAsset(f.get(t, uA))
	b.AddRootAsset(bad)
	if err := b.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := string(f.fs.Files[group.ImportPath("/out/main/import", uB)]); got != "null" {
		t.Errorf("record of B = %q, want null", got)
	}
	warned := 0
	for _, e := range f.logs.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["uuid"] == uB {
			warned++
		}
	}
	if warned != 1 {
		t.Errorf("warned %d times about B, want once", warned)
	}
}

func TestInlineImages(t *testing.T) {
	f := newFixture(t)
	const imgID, texID = "f0000000-0000-4000-8000-00000000000f", "f0000000-0000-4000-8000-00000000000f@6c48a"
	tex := &asset.Asset{UUID: texID, Type: "cc.Texture2D", URL: "db://assets/hero.png/texture", Library: "/lib/tex", Extensions: []string{".json"}}
	img := &asset.Asset{UUID: imgID, Type: "cc.ImageAsset", URL: "db://assets/hero.png", Library: "/lib/img", Extensions: []string{".json", ".png"}, SubAssets: map[string]string{"texture": texID}}
	f.db.Add(tex)
	f.db.Add(img)
	f.write(t, "/lib/tex.json", `{"__type__":"cc.Texture2D","content":{"base":"2,2"}}`)
	f.write(t, "/lib/img.json", `{"__type__":"cc.ImageAsset","content":{"fmt":"0"}}`)
	f.write(t, "/lib/img.png", "PNG")

	b := f.newBundle(t, InitOptions{})
	b.AddRootAsset(img)
	if n := b.InlineImages(); n != 1 {
		t.Fatalf("InlineImages = %d, want 1", n)
	}
	if b.ContainsAsset(imgID, false) {
		t.Error("inlined image still a plain member")
	}
	if !b.ContainsAsset(imgID, true) {
		t.Error("deep ContainsAsset does not see the inlined image")
	}
	if err := b.PlanGroups(); err != nil {
		t.Fatal(err)
	}
	if err := b.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}

	var rec map[string]any
	if err := json.Unmarshal(f.fs.Files[group.ImportPath("/out/main/import", texID)], &rec); err != nil {
		t.Fatal(err)
	}
	if _, ok := rec[inlineKey]; !ok {
		t.Errorf("texture record has no inlined image: %v", rec)
	}
	if _, ok := f.fs.Files[group.ImportPath("/out/main/import", imgID)]; ok {
		t.Error("inlined image written separately")
	}
	if _, ok := f.fs.Files["/out/main/native/f0/"+imgID+".png"]; !ok {
		t.Error("native file of the inlined image not shipped")
	}
}

func TestTextureGroupKeepsContent(t *testing.T) {
	records := map[string][]byte{
		"t1": []byte(`{"__type__":"cc.Texture2D","content":{"base":"1"}}`),
		"t2": []byte(`{"__type__":"cc.Texture2D","content":{"base":"2"}}`),
	}
	got := string(packGroup(group.Texture, []string{"t1", "t2"}, records))
	want := `{"type":"texture","data":[{"base":"1"},{"base":"2"}]}`
	if got != want {
		t.Errorf("packGroup = %s, want %s", got, want)
	}
	got = string(packGroup(group.Normal, []string{"t1", "missing"}, records))
	if !strings.HasPrefix(got, "[{") || !strings.HasSuffix(got, ",null]") {
		t.Errorf("normal pack = %s", got)
	}
}

func TestRelPath(t *testing.T) {
	tests := []struct {
		root, url string
		sub       bool
		want      string
	}{
		{"", "db://assets/ui/button.prefab", false, "ui/button"},
		{"db://assets/level1", "db://assets/level1/hero.png", false, "hero"},
		{"db://assets/level1", "db://assets/level1/hero.png/spriteFrame", true, "hero.png/spriteFrame"},
		{"db://assets/level1", "db://assets/level2/x.json", false, ""},
		{"", "not-a-url", false, ""},
	}
	for _, tt := range tests {
		if got := relPath(tt.root, tt.url, tt.sub); got != tt.want {
			t.Errorf("relPath(%q, %q, %v) = %q, want %q", tt.root, tt.url, tt.sub, got, tt.want)
		}
	}
}
