// Command genschema regenerates the JSON Schemas and markdown reference
// docs. Run from the repository root:
//
//	go run ./cmd/genschema
//
// Output:
//
//	docs/schema/project-schema.json
//	docs/schema/manifest-schema.json
//	docs/schema/settings-schema.json
//	docs/reference/config.md
//	docs/reference/cli.md
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"github.com/steveyegge/assetpack/internal/docgen"
	"github.com/steveyegge/assetpack/internal/fsys"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "genschema: %v\n", err) //nolint:errcheck // best-effort stderr
		os.Exit(1)
	}
}

func run() error {
	if _, err := os.Stat("go.mod"); err != nil {
		return fmt.Errorf("must run from repository root (go.mod not found)")
	}
	for _, dir := range []string{"docs/schema", "docs/reference"} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	project, err := docgen.GenerateProjectSchema()
	if err != nil {
		return fmt.Errorf("generating project schema: %w", err)
	}
	manifest, err := docgen.GenerateManifestSchema()
	if err != nil {
		return fmt.Errorf("generating manifest schema: %w", err)
	}
	settings, err := docgen.GenerateSettingsSchema()
	if err != nil {
		return fmt.Errorf("generating settings schema: %w", err)
	}

	schemas := []struct {
		path string
		s    *jsonschema.Schema
	}{
		{"docs/schema/project-schema.json", project},
		{"docs/schema/manifest-schema.json", manifest},
		{"docs/schema/settings-schema.json", settings},
	}
	files := make([]string, 0, len(schemas)+2)
	for _, sc := range schemas {
		if err := writeSchema(sc.path, sc.s); err != nil {
			return err
		}
		files = append(files, sc.path)
	}

	if err := docgen.WriteMarkdown("docs/reference/config.md", project); err != nil {
		return fmt.Errorf("writing config.md: %w", err)
	}
	files = append(files, "docs/reference/config.md")

	// The CLI reference needs the real command tree, which lives in the
	// apack main package.
	genDoc := exec.Command("go", "run", "./cmd/apack", "gen-doc")
	genDoc.Stdout = os.Stdout
	genDoc.Stderr = os.Stderr
	if err := genDoc.Run(); err != nil {
		return fmt.Errorf("generating CLI docs: %w", err)
	}
	files = append(files, "docs/reference/cli.md")

	fmt.Println("Generated:")
	for _, f := range files {
		fmt.Printf("  %s\n", f)
	}
	return nil
}

func writeSchema(path string, s *jsonschema.Schema) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	data = append(data, '\n')
	if err := fsys.WriteFileAtomic(fsys.OSFS{}, filepath.Clean(path), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
