// Package docgen generates JSON Schema and markdown reference docs for the
// project file and the files a build writes.
package docgen

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"github.com/steveyegge/assetpack/internal/builder"
	"github.com/steveyegge/assetpack/internal/bundle"
	"github.com/steveyegge/assetpack/internal/config"
)

const modulePath = "github.com/steveyegge/assetpack"

// ModuleRoot walks up from the working directory to the directory holding
// go.mod.
func ModuleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent of %s", dir)
		}
		dir = parent
	}
}

// newReflector returns a reflector naming fields by tag and describing
// them with their Go doc comments.
//
// AddGoComments must see paths like "internal/config", so it walks
// internal/ with the module root as working directory.
func newReflector(tag string) (*jsonschema.Reflector, error) {
	root, err := ModuleRoot()
	if err != nil {
		return nil, err
	}
	orig, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}
	if err := os.Chdir(root); err != nil {
		return nil, fmt.Errorf("chdir to module root: %w", err)
	}
	defer func() { _ = os.Chdir(orig) }()

	r := &jsonschema.Reflector{FieldNameTag: tag}
	if err := r.AddGoComments(modulePath, "internal"); err != nil {
		return nil, fmt.Errorf("extracting Go comments: %w", err)
	}
	return r, nil
}

// GenerateProjectSchema describes apack.toml using its TOML keys.
func GenerateProjectSchema() (*jsonschema.Schema, error) {
	r, err := newReflector("toml")
	if err != nil {
		return nil, err
	}
	s := r.Reflect(&config.Project{})
	s.Title = "assetpack project"
	s.Description = "Schema for apack.toml, the project file of an asset build."
	return s, nil
}

// GenerateManifestSchema describes a bundle's config.json.
func GenerateManifestSchema() (*jsonschema.Schema, error) {
	r, err := newReflector("json")
	if err != nil {
		return nil, err
	}
	s := r.Reflect(&bundle.Manifest{})
	s.Title = "assetpack bundle manifest"
	s.Description = "Schema for config.json, the index-compressed manifest of a bundle."
	return s, nil
}

// GenerateSettingsSchema describes the settings.json of a build.
func GenerateSettingsSchema() (*jsonschema.Schema, error) {
	r, err := newReflector("json")
	if err != nil {
		return nil, err
	}
	s := r.Reflect(&builder.Settings{})
	s.Title = "assetpack settings"
	s.Description = "Schema for settings.json, the runtime entry point listing the built bundles."
	return s, nil
}
