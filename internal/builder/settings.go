package builder

import (
	"cmp"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/steveyegge/assetpack/internal/bundle"
	"github.com/steveyegge/assetpack/internal/fsys"
)

// Settings is the runtime entry point written to {dest}/settings.json.
type Settings struct {
	Platform string         `json:"platform"`
	Debug    bool           `json:"debug"`
	Assets   AssetsSettings `json:"assets"`
}

// AssetsSettings tells the runtime which bundles exist and how to load
// them.
type AssetsSettings struct {
	// ProjectBundles lists the built bundles in loading order: higher
	// priority first, then by name.
	ProjectBundles []string `json:"projectBundles"`
	RemoteBundles  []string `json:"remoteBundles"`
	// BundleVers maps a bundle to the version suffix of its config file.
	// Only versioned bundles appear.
	BundleVers     map[string]string `json:"bundleVers"`
	PreloadBundles []Preload         `json:"preloadBundles"`
}

// Preload names a bundle the runtime loads at startup.
type Preload struct {
	Bundle  string `json:"bundle"`
	Version string `json:"version,omitempty"`
}

// writeSettings records the bundles that built. Failed bundles are left
// out so the runtime never tries to load a partial bundle.
func (r *run) writeSettings(reports []BundleReport) error {
	s := Settings{
		Platform: r.task.Platform,
		Debug:    r.task.Debug,
		Assets: AssetsSettings{
			ProjectBundles: []string{},
			RemoteBundles:  []string{},
			BundleVers:     map[string]string{},
			PreloadBundles: []Preload{},
		},
	}
	ok := make(map[string]BundleReport, len(reports))
	for _, rep := range reports {
		if rep.OK {
			ok[rep.Name] = rep
		}
	}
	built := make([]*bundle.Bundle, 0, len(ok))
	for _, b := range r.bundles {
		if _, good := ok[b.Name]; good {
			built = append(built, b)
		}
	}
	slices.SortStableFunc(built, func(a, b *bundle.Bundle) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	for _, b := range built {
		v := ok[b.Name].Version
		s.Assets.ProjectBundles = append(s.Assets.ProjectBundles, b.Name)
		if b.Remote {
			s.Assets.RemoteBundles = append(s.Assets.RemoteBundles, b.Name)
		}
		if v != "" {
			s.Assets.BundleVers[b.Name] = v
		}
		if b.Name == bundle.MainName {
			s.Assets.PreloadBundles = append(s.Assets.PreloadBundles, Preload{Bundle: b.Name, Version: v})
		}
	}

	var (
		data []byte
		err  error
	)
	if r.task.Debug {
		data, err = json.MarshalIndent(s, "", "  ")
	} else {
		data, err = json.Marshal(s)
	}
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	path := filepath.Join(r.task.Dest, SettingsFile)
	if err := fsys.WriteFileAtomic(r.opts.FS, path, data, 0o644); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

// ReadSettings reads the settings file of a build destination.
func ReadSettings(fs fsys.FS, dest string) (*Settings, error) {
	data, err := fs.ReadFile(filepath.Join(dest, SettingsFile))
	if err != nil {
		return nil, err
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", SettingsFile, err)
	}
	return &s, nil
}
