package scripts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/assetpack/internal/fsys"
)

// CoreFeature is always part of the engine.
const CoreFeature = "core"

// EngineFile is the name of the assembled engine in OutDir.
const EngineFile = "cc.js"

// Local compiles in the calling process.
type Local struct {
	FS  fsys.FS
	Log logrus.FieldLogger
}

// CompileBundle links the bundle's modules, ordered by url, into one file
// that registers each module with the runtime loader. Release builds drop
// blank lines and whole-line comments.
func (l *Local) CompileBundle(ctx context.Context, req BundleRequest) (BundleResult, error) {
	if req.OutFile == "" {
		return BundleResult{}, fmt.Errorf("bundle %s: no output file", req.Bundle)
	}
	mods := slices.Clone(req.Modules)
	slices.SortFunc(mods, func(a, b Module) int { return strings.Compare(a.URL, b.URL) })

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "// apack script bundle: %s\n(function (define) {\n", req.Bundle)
	for _, m := range mods {
		if err := ctx.Err(); err != nil {
			return BundleResult{}, err
		}
		src, err := l.FS.ReadFile(m.Path)
		if err != nil {
			return BundleResult{}, fmt.Errorf("module %s (%s): %w", m.URL, m.UUID, err)
		}
		if !req.Debug {
			src = stripComments(src)
		}
		fmt.Fprintf(&buf, "define(%s, %s, function (exports, require, module) {\n", jsString(m.UUID), jsString(m.URL))
		buf.Write(src)
		if len(src) > 0 && src[len(src)-1] != '\n' {
			buf.WriteByte('\n')
		}
		buf.WriteString("});\n")
	}
	buf.WriteString("})(globalThis.__apackDefine);\n")

	if err := fsys.WriteFileAtomic(l.FS, req.OutFile, buf.Bytes(), 0o644); err != nil {
		return BundleResult{}, fmt.Errorf("bundle %s: %w", req.Bundle, err)
	}
	l.logger().WithField("bundle", req.Bundle).Infof("linked %d modules", len(mods))
	return BundleResult{OutFile: req.OutFile, Modules: len(mods), Bytes: buf.Len()}, nil
}

// AssembleEngine concatenates the JavaScript sources of the core feature
// and every requested feature, each a directory of EngineDir, into
// {OutDir}/cc.js.
func (l *Local) AssembleEngine(ctx context.Context, req EngineRequest) (EngineResult, error) {
	features := []string{CoreFeature}
	rest := slices.Clone(req.Features)
	slices.Sort(rest)
	for _, f := range slices.Compact(rest) {
		if f != CoreFeature {
			features = append(features, f)
		}
	}

	var buf bytes.Buffer
	for _, f := range features {
		dir := filepath.Join(req.EngineDir, f)
		if _, err := l.FS.Stat(dir); err != nil {
			return EngineResult{}, fmt.Errorf("unknown engine feature %q: %w", f, err)
		}
		err := fsys.Walk(l.FS, dir, func(rel string) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if filepath.Ext(rel) != ".js" {
				return nil
			}
			src, err := l.FS.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			if !req.Debug {
				src = stripComments(src)
			}
			fmt.Fprintf(&buf, "// %s/%s\n", f, rel)
			buf.Write(src)
			if len(src) > 0 && src[len(src)-1] != '\n' {
				buf.WriteByte('\n')
			}
			return nil
		})
		if err != nil {
			return EngineResult{}, fmt.Errorf("engine feature %s: %w", f, err)
		}
	}

	out := filepath.Join(req.OutDir, EngineFile)
	if err := fsys.WriteFileAtomic(l.FS, out, buf.Bytes(), 0o644); err != nil {
		return EngineResult{}, fmt.Errorf("writing engine: %w", err)
	}
	l.logger().WithField("features", strings.Join(features, ",")).Info("assembled engine")
	return EngineResult{Files: []string{out}}, nil
}

func (l *Local) logger() logrus.FieldLogger {
	if l.Log != nil {
		return l.Log
	}
	return logrus.StandardLogger()
}

// stripComments drops blank lines and lines that hold only a // comment.
func stripComments(src []byte) []byte {
	var out bytes.Buffer
	for _, line := range bytes.Split(src, []byte("\n")) {
		t := bytes.TrimSpace(line)
		if len(t) == 0 || bytes.HasPrefix(t, []byte("//")) {
			continue
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

func jsString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
