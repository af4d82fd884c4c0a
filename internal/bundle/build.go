package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/buger/jsonparser"
	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/assetpack/internal/asset"
	"github.com/steveyegge/assetpack/internal/fsys"
	"github.com/steveyegge/assetpack/internal/group"
	"github.com/steveyegge/assetpack/internal/md5cache"
	"github.com/steveyegge/assetpack/internal/overlay"
	"github.com/steveyegge/assetpack/internal/scripts"
	"github.com/steveyegge/assetpack/internal/telemetry"
)

// Phase names a step of Build.
type Phase string

// Build phases in execution order.
const (
	PhaseConfig  Phase = "config"
	PhasePack    Phase = "pack"
	PhaseZip     Phase = "zip"
	PhaseVersion Phase = "version"
	PhaseEmit    Phase = "emit"
)

// PhaseError is a failure of one build phase of one bundle.
type PhaseError struct {
	Bundle string
	Phase  Phase
	Err    error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("bundle %s: %s: %v", e.Bundle, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// inlineKey is the field of a texture record holding its folded image.
const inlineKey = "image"

// outputs tracks what the pack phase wrote, for zipping and versioning.
type outputs struct {
	imports    map[string]string   // uuid or pack name -> file
	natives    map[string][]string // uuid -> files, or one directory
	nativeDirs map[string]bool
	script     string
	zip        string
}

// Build runs the phases config, pack, zip, version and emit. A phase whose
// prerequisite failed is skipped; the manifest is emitted only when no
// phase failed. The returned error aggregates one [PhaseError] per failed
// phase.
func (b *Bundle) Build(ctx context.Context) error {
	start := time.Now()
	b.errs = nil

	ok := b.runPhase(ctx, PhaseConfig, b.buildConfig)
	ok = ok && b.runPhase(ctx, PhasePack, b.pack)
	if ok && b.Compression == group.Zip {
		ok = b.runPhase(ctx, PhaseZip, b.zip)
	}
	if ok && b.bctx.Options.MD5Cache {
		b.runPhase(ctx, PhaseVersion, b.stamp)
	}
	if b.errs == nil {
		b.runPhase(ctx, PhaseEmit, b.emit)
	}

	err := b.errs.ErrorOrNil()
	telemetry.RecordBundleBuild(ctx, b.Name, len(b.Assets()), float64(time.Since(start).Milliseconds()), err)
	return err
}

// Version returns the content hash of the emitted config.json and index.js
// pair, or "" when versioning is off or did not complete.
func (b *Bundle) Version() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

func (b *Bundle) runPhase(ctx context.Context, p Phase, fn func(context.Context) error) bool {
	log := b.log.WithField("phase", p)
	log.Debug("phase started")
	if err := fn(ctx); err != nil {
		log.Errorf("phase failed: %v", err)
		b.errs = multierror.Append(b.errs, &PhaseError{Bundle: b.Name, Phase: p, Err: err})
		return false
	}
	return true
}

func (b *Bundle) buildConfig(context.Context) error {
	if err := b.InitConfig(); err != nil {
		return err
	}
	return b.GenPackedAssetsConfig()
}

func (b *Bundle) serializeOptions() asset.SerializeOptions {
	debug := b.bctx.Options.Debug
	return asset.SerializeOptions{Debug: debug, CompressUUID: !debug, StripDefaults: !debug, StripEditor: true}
}

// pack writes import records, native files and the compiled scripts.
func (b *Bundle) pack(ctx context.Context) error {
	fsy := b.bctx.FS
	importDir := filepath.Join(b.Dest, ImportDir)
	nativeDir := filepath.Join(b.Dest, NativeDir)
	if err := md5cache.NewStamper(fsy, b.bctx.Journal, b.Name, b.log.WithField("phase", PhasePack)).Discard(); err != nil {
		return err
	}
	for _, p := range []string{importDir, nativeDir, filepath.Join(b.Dest, ZipFile)} {
		if err := fsy.RemoveAll(p); err != nil {
			return fmt.Errorf("clearing %s: %w", p, err)
		}
	}
	b.out = outputs{
		imports:    make(map[string]string),
		natives:    make(map[string][]string),
		nativeDirs: make(map[string]bool),
	}

	b.mu.RLock()
	var members []string
	for id := range b.assets {
		if _, redirected := b.redirect[id]; !redirected {
			members = append(members, id)
		}
	}
	for id := range b.scenes {
		members = append(members, id)
	}
	members = append(members, slices.Collect(maps.Keys(b.inlined))...)
	slices.Sort(members)
	inlined := maps.Clone(b.inlined)
	packs := maps.Clone(b.config.Packs)
	groupTypes := make(map[string]group.Type, len(b.groups))
	for _, g := range b.groups {
		groupTypes[g.Name] = g.Type
	}
	scriptIDs := slices.Sorted(maps.Keys(b.scripts))
	b.mu.RUnlock()

	var errs *multierror.Error

	records, err := b.serializeAll(ctx, members)
	if err != nil {
		return err
	}
	for _, img := range slices.Sorted(maps.Keys(inlined)) {
		tex := inlined[img]
		if rec, ok := records[tex]; ok {
			if folded, err := jsonparser.Set(rec, records[img], inlineKey); err == nil {
				records[tex] = folded
			} else {
				b.log.WithFields(logrus.Fields{"uuid": img, "texture": tex}).Warnf("image not inlined: %v", err)
				continue
			}
		}
		delete(records, img)
	}

	packed := make(map[string]bool)
	for _, name := range slices.Sorted(maps.Keys(packs)) {
		data := packGroup(groupTypes[name], packs[name], records)
		path := group.ImportPath(importDir, name)
		if err := fsys.WriteFileAtomic(fsy, path, data, 0o644); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("writing pack %s: %w", name, err))
			continue
		}
		b.out.imports[name] = path
		for _, id := range packs[name] {
			packed[id] = true
		}
	}
	for _, id := range slices.Sorted(maps.Keys(records)) {
		if packed[id] {
			continue
		}
		path := group.ImportPath(importDir, id)
		if err := fsys.WriteFileAtomic(fsy, path, records[id], 0o644); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("writing import record of %s: %w", id, err))
			continue
		}
		b.out.imports[id] = path
	}

	for _, id := range members {
		if err := b.copyNatives(id, nativeDir); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := b.compileScripts(ctx, scriptIDs); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// serializeAll returns the serialized import record of every member that
// has one. A record that fails to serialize is reported once and becomes
// null.
func (b *Bundle) serializeAll(ctx context.Context, ids []string) (map[string][]byte, error) {
	opts := b.serializeOptions()
	records := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := b.bctx.Library.GetAssetInfo(id)
		if err != nil {
			b.reportOnce(id, "", err)
			continue
		}
		if !info.HasImport || info.Category == asset.Script {
			continue
		}
		data, err := b.bctx.Library.GetSerializedJSON(ctx, id, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			b.reportOnce(id, info.URL, err)
			data = []byte("null")
		}
		records[id] = data
	}
	return records, nil
}

func (b *Bundle) reportOnce(id, url string, err error) {
	b.mu.Lock()
	done := b.reported[id]
	b.reported[id] = true
	b.mu.Unlock()
	if !done {
		b.log.WithFields(logrus.Fields{"uuid": id, "url": url}).Warnf("asset serialized as null: %v", err)
	}
}

// packGroup renders the packed file of a group. Normal groups are a JSON
// array of records in member order; texture and image groups keep only
// each record's content payload.
func packGroup(t group.Type, ids []string, records map[string][]byte) []byte {
	var buf bytes.Buffer
	if t != group.Normal {
		fmt.Fprintf(&buf, `{"type":%q,"data":`, t.String())
	}
	buf.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			buf.WriteByte(',')
		}
		rec, ok := records[id]
		if !ok {
			rec = []byte("null")
		}
		if t != group.Normal {
			if content, _, _, err := jsonparser.Get(rec, "content"); err == nil {
				rec = content
			}
		}
		buf.Write(rec)
	}
	buf.WriteByte(']')
	if t != group.Normal {
		buf.WriteByte('}')
	}
	return buf.Bytes()
}

// copyNatives copies the native files of id into
// {nativeDir}/{uuid[:2]}/{uuid}{ext}. Directory natives are copied whole.
func (b *Bundle) copyNatives(id, nativeDir string) error {
	a, err := b.bctx.Library.GetAsset(id)
	if err != nil {
		return err
	}
	for _, ext := range a.NativeExts() {
		src := a.Library + ext
		dst := filepath.Join(nativeDir, group.FanOut(id), id+ext)
		info, err := b.bctx.FS.Stat(src)
		if err != nil {
			return fmt.Errorf("native file of %s (%s): %w", id, a.URL, err)
		}
		if err := overlay.CopyFileOrDir(b.bctx.FS, src, dst); err != nil {
			return fmt.Errorf("native file of %s (%s): %w", id, a.URL, err)
		}
		if info.IsDir() {
			b.out.nativeDirs[id] = true
		}
		b.out.natives[id] = append(b.out.natives[id], dst)
	}
	return nil
}

func (b *Bundle) compileScripts(ctx context.Context, ids []string) error {
	if b.bctx.Compiler == nil {
		return errors.New("no script compiler")
	}
	modules := make([]scripts.Module, 0, len(ids))
	for _, id := range ids {
		a, err := b.bctx.Library.GetAsset(id)
		if err != nil {
			return fmt.Errorf("script %s: %w", id, err)
		}
		modules = append(modules, scripts.Module{UUID: a.UUID, URL: a.URL, Path: a.Library + ".js"})
	}
	res, err := b.bctx.Compiler.CompileBundle(ctx, scripts.BundleRequest{
		Bundle:  b.Name,
		Modules: modules,
		OutFile: filepath.Join(b.Dest, ScriptFile),
		Debug:   b.bctx.Options.Debug,
	})
	if err != nil {
		return err
	}
	b.out.script = res.OutFile
	return nil
}

// zip moves the import directory into res.zip.
func (b *Bundle) zip(context.Context) error {
	fsy := b.bctx.FS
	importDir := filepath.Join(b.Dest, ImportDir)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	err := fsys.Walk(fsy, importDir, func(rel string) error {
		data, err := fsy.ReadFile(filepath.Join(importDir, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: ImportDir + "/" + rel, Method: zip.Deflate})
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("archiving %s: %w", importDir, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("archiving %s: %w", importDir, err)
	}
	path := filepath.Join(b.Dest, ZipFile)
	if err := fsys.WriteFileAtomic(fsy, path, buf.Bytes(), 0o644); err != nil {
		return err
	}
	if err := fsy.RemoveAll(importDir); err != nil {
		return fmt.Errorf("removing %s: %w", importDir, err)
	}
	b.out.imports = make(map[string]string)
	b.out.zip = path

	b.mu.Lock()
	b.config.IsZip = true
	b.mu.Unlock()
	return nil
}

// stamp versions every written unit: one per import record or pack, one
// per asset's native files and the zip archive.
func (b *Bundle) stamp(ctx context.Context) error {
	st := md5cache.NewStamper(b.bctx.FS, b.bctx.Journal, b.Name, b.log.WithField("phase", PhaseVersion))

	var units []md5cache.Unit
	for _, key := range slices.Sorted(maps.Keys(b.out.imports)) {
		units = append(units, md5cache.Unit{Key: "import:" + key, Paths: []string{b.out.imports[key]}})
	}
	for _, id := range slices.Sorted(maps.Keys(b.out.natives)) {
		paths := b.out.natives[id]
		if b.out.nativeDirs[id] {
			paths = paths[:1]
		}
		units = append(units, md5cache.Unit{Key: "native:" + id, Paths: paths, Dir: b.out.nativeDirs[id]})
	}
	if b.out.zip != "" {
		units = append(units, md5cache.Unit{Key: "zip", Paths: []string{b.out.zip}})
	}

	results, err := st.Stamp(ctx, units)
	telemetry.RecordVersionRename(ctx, b.Name, len(results), err)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.config.Versions
	for _, key := range slices.Sorted(maps.Keys(b.out.imports)) {
		if r, ok := results["import:"+key]; ok {
			v.Import[key] = r.Hash
		}
	}
	for id := range b.out.natives {
		if r, ok := results["native:"+id]; ok {
			v.Native[id] = r.Hash
		}
	}
	if r, ok := results["zip"]; ok {
		b.config.ZipVersion = r.Hash
	}
	return nil
}

// emit compresses the config, writes config.json and versions it together
// with index.js.
func (b *Bundle) emit(ctx context.Context) error {
	if err := b.Compress(); err != nil {
		return err
	}
	m := b.Manifest()
	var (
		data []byte
		err  error
	)
	if b.bctx.Options.Debug {
		data, err = json.MarshalIndent(m, "", "  ")
	} else {
		data, err = json.Marshal(m)
	}
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	path := filepath.Join(b.Dest, ConfigFile)
	if err := fsys.WriteFileAtomic(b.bctx.FS, path, data, 0o644); err != nil {
		return err
	}
	if !b.bctx.Options.MD5Cache {
		return nil
	}

	paths := []string{path}
	if b.out.script != "" {
		paths = append(paths, b.out.script)
	}
	st := md5cache.NewStamper(b.bctx.FS, b.bctx.Journal, b.Name, b.log.WithField("phase", PhaseEmit))
	results, err := st.Stamp(ctx, []md5cache.Unit{{Key: "bundle", Paths: paths}})
	if err != nil {
		return err
	}
	if r, ok := results["bundle"]; ok {
		b.mu.Lock()
		b.version = r.Hash
		b.mu.Unlock()
	}
	return nil
}
