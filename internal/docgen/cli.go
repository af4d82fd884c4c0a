package docgen

import (
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RenderCLIMarkdown writes a CLI reference for the command tree under
// root. Hidden commands and flags are left out.
func RenderCLIMarkdown(w io.Writer, root *cobra.Command) error {
	m := &mdWriter{w: w}
	m.printf("# CLI Reference\n\n")
	m.printf(generatedNote)
	if rows := flagRows(root.PersistentFlags()); len(rows) > 0 {
		m.printf("## Global Flags\n\n")
		writeFlagTable(m, rows)
	}
	renderTree(m, root)
	return m.err
}

// WriteCLIMarkdown renders the CLI reference to path atomically.
func WriteCLIMarkdown(path string, root *cobra.Command) error {
	return writeAtomic(path, func(w io.Writer) error { return RenderCLIMarkdown(w, root) })
}

func renderTree(m *mdWriter, cmd *cobra.Command) {
	renderCommand(m, cmd)
	for _, child := range visibleChildren(cmd) {
		renderTree(m, child)
	}
}

func visibleChildren(cmd *cobra.Command) []*cobra.Command {
	var out []*cobra.Command
	for _, c := range cmd.Commands() {
		if !c.Hidden {
			out = append(out, c)
		}
	}
	return out
}

func renderCommand(m *mdWriter, cmd *cobra.Command) {
	m.printf("## %s\n\n", cmd.CommandPath())
	desc := cmd.Long
	if desc == "" {
		desc = cmd.Short
	}
	if desc != "" {
		m.printf("%s\n\n", strings.TrimSpace(desc))
	}
	m.printf("```\n%s\n```\n\n", cmd.UseLine())
	if cmd.Example != "" {
		m.printf("**Example:**\n\n```\n%s\n```\n\n", strings.TrimSpace(cmd.Example))
	}
	// Inherited persistent flags are documented once under Global Flags.
	if rows := flagRows(cmd.LocalNonPersistentFlags()); len(rows) > 0 {
		writeFlagTable(m, rows)
	}

	children := visibleChildren(cmd)
	if len(children) == 0 {
		return
	}
	m.printf("| Subcommand | Description |\n")
	m.printf("|------------|-------------|\n")
	for _, c := range children {
		anchor := strings.ToLower(strings.ReplaceAll(c.CommandPath(), " ", "-"))
		m.printf("| [%s](#%s) | %s |\n", c.CommandPath(), anchor, c.Short)
	}
	m.printf("\n")
}

type flagRow struct {
	name, typ, def, usage string
}

func flagRows(fs *pflag.FlagSet) []flagRow {
	var rows []flagRow
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		name := "`--" + f.Name + "`"
		if f.Shorthand != "" {
			name = "`-" + f.Shorthand + "`, " + name
		}
		def := ""
		if !isZeroDefault(f.DefValue, f.Value.Type()) {
			def = "`" + f.DefValue + "`"
		}
		rows = append(rows, flagRow{
			name:  name,
			typ:   f.Value.Type(),
			def:   def,
			usage: strings.ReplaceAll(f.Usage, "|", "\\|"),
		})
	})
	return rows
}

func isZeroDefault(val, typ string) bool {
	switch typ {
	case "bool":
		return val == "false"
	case "int", "int32", "int64", "uint", "uint32", "uint64", "float32", "float64", "duration":
		return val == "0" || val == "0s"
	case "stringSlice", "stringArray":
		return val == "[]"
	default:
		return val == ""
	}
}

func writeFlagTable(m *mdWriter, rows []flagRow) {
	m.printf("| Flag | Type | Default | Description |\n")
	m.printf("|------|------|---------|-------------|\n")
	for _, r := range rows {
		m.printf("| %s | %s | %s | %s |\n", r.name, r.typ, r.def, r.usage)
	}
	m.printf("\n")
}
