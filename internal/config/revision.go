package config

import (
	"encoding/hex"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/steveyegge/assetpack/internal/fsys"
)

// libraryIndex mirrors assetdb.IndexFile; config sits below assetdb.
const libraryIndex = "assets.jsonc"

// Revision computes a deterministic hash over every config source file
// and the library index. If the revision changes, a rebuild is
// warranted.
func Revision(fs fsys.FS, prov *Provenance, opt *BuildTaskOption) string {
	h := blake3.New()

	sources := make([]string, len(prov.Sources))
	copy(sources, prov.Sources)
	sort.Strings(sources)
	if opt != nil {
		sources = append(sources, filepath.Join(opt.LibraryDir, libraryIndex))
	}
	for _, path := range sources {
		data, err := fs.ReadFile(path)
		if err != nil {
			continue
		}
		h.Write([]byte(path)) //nolint:errcheck // hash.Write never errors
		h.Write([]byte{0})    //nolint:errcheck // hash.Write never errors
		h.Write(data)         //nolint:errcheck // hash.Write never errors
		h.Write([]byte{0})    //nolint:errcheck // hash.Write never errors
	}
	return hex.EncodeToString(h.Sum(nil))
}

// WatchDirs returns the set of directories that should be watched for
// changes: the directory of each config source, the library and the
// build template. Returns deduplicated, sorted paths.
func WatchDirs(prov *Provenance, opt *BuildTaskOption) []string {
	seen := make(map[string]bool)
	var dirs []string

	addDir := func(dir string) {
		if dir != "" && !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}

	for _, src := range prov.Sources {
		addDir(filepath.Dir(src))
	}
	if opt != nil {
		addDir(opt.LibraryDir)
		addDir(opt.TemplateDir)
	}

	sort.Strings(dirs)
	return dirs
}
