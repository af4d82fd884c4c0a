package docgen

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
)

const generatedNote = "> **Auto-generated**, do not edit. Run `go run ./cmd/genschema` to regenerate.\n\n"

// mdWriter remembers the first write error so renderers can emit many
// lines and check once.
type mdWriter struct {
	w   io.Writer
	err error
}

func (m *mdWriter) printf(format string, args ...any) {
	if m.err != nil {
		return
	}
	_, m.err = fmt.Fprintf(m.w, format, args...)
}

// RenderMarkdown writes a reference document for s: one section per $defs
// entry, root type first, each with a field table.
func RenderMarkdown(w io.Writer, s *jsonschema.Schema) error {
	m := &mdWriter{w: w}
	title := s.Title
	if title == "" {
		title = "Configuration Reference"
	}
	m.printf("# %s\n\n", title)
	if s.Description != "" {
		m.printf("%s\n\n", s.Description)
	}
	m.printf(generatedNote)

	root := ""
	if s.Ref != "" {
		root = refName(s.Ref)
	}
	names := make([]string, 0, len(s.Definitions))
	for name := range s.Definitions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if (names[i] == root) != (names[j] == root) {
			return names[i] == root
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		def := s.Definitions[name]
		if def == nil || def.Properties == nil {
			continue
		}
		renderDefinition(m, name, def)
	}
	return m.err
}

func renderDefinition(m *mdWriter, name string, def *jsonschema.Schema) {
	m.printf("## %s\n\n", name)
	if def.Description != "" {
		m.printf("%s\n\n", def.Description)
	}
	required := make(map[string]bool, len(def.Required))
	for _, r := range def.Required {
		required[r] = true
	}
	m.printf("| Field | Type | Required | Default | Description |\n")
	m.printf("|-------|------|----------|---------|-------------|\n")
	for pair := def.Properties.Oldest(); pair != nil; pair = pair.Next() {
		req := ""
		if required[pair.Key] {
			req = "**yes**"
		}
		m.printf("| `%s` | %s | %s | %s | %s |\n",
			pair.Key, schemaTypeString(pair.Value), req, formatDefault(pair.Value), formatDescription(pair.Value))
	}
	m.printf("\n")
}

// WriteMarkdown renders s to path atomically.
func WriteMarkdown(path string, s *jsonschema.Schema) error {
	return writeAtomic(path, func(w io.Writer) error { return RenderMarkdown(w, s) })
}

// writeAtomic renders into a temp file beside path and renames it into
// place, so readers never see a half-written document.
func writeAtomic(path string, render func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".docgen-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	name := tmp.Name()
	fail := func(what string, err error) error {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("%s %s: %w", what, path, err)
	}
	if err := render(tmp); err != nil {
		return fail("rendering", err)
	}
	if err := tmp.Close(); err != nil {
		return fail("closing", err)
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}

// schemaTypeString returns a Go-ish type string for a property.
func schemaTypeString(prop *jsonschema.Schema) string {
	if prop.Ref != "" {
		return refName(prop.Ref)
	}
	switch prop.Type {
	case "array":
		if prop.Items == nil {
			return "array"
		}
		if prop.Items.Ref != "" {
			return "[]" + refName(prop.Items.Ref)
		}
		return "[]" + prop.Items.Type
	case "object":
		v := prop.AdditionalProperties
		if v == nil {
			return "object"
		}
		if v.Ref != "" {
			return "map[string]" + refName(v.Ref)
		}
		return "map[string]" + v.Type
	case "":
		return "any"
	default:
		return prop.Type
	}
}

// refName returns the last segment of a $ref like "#/$defs/BundleSpec".
func refName(ref string) string {
	return ref[strings.LastIndex(ref, "/")+1:]
}

func formatDefault(prop *jsonschema.Schema) string {
	if prop.Default == nil {
		return ""
	}
	return fmt.Sprintf("`%v`", prop.Default)
}

// formatDescription flattens the description into one table cell and
// appends enum values.
func formatDescription(prop *jsonschema.Schema) string {
	parts := []string{}
	if prop.Description != "" {
		parts = append(parts, prop.Description)
	}
	if len(prop.Enum) > 0 {
		vals := make([]string, len(prop.Enum))
		for i, v := range prop.Enum {
			vals[i] = fmt.Sprintf("`%v`", v)
		}
		parts = append(parts, "Enum: "+strings.Join(vals, ", "))
	}
	desc := strings.Join(parts, " ")
	desc = strings.ReplaceAll(desc, "\n", " ")
	return strings.ReplaceAll(desc, "|", "\\|")
}
