package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/assetpack/internal/assetdb"
	"github.com/steveyegge/assetpack/internal/config"
	"github.com/steveyegge/assetpack/internal/doctor"
	"github.com/steveyegge/assetpack/internal/fsys"
)

// emptyIndex seeds library/assets.jsonc.
const emptyIndex = `// Asset index. One entry per asset; see docs/reference/config.md.
{
  "version": 1,
  "assets": []
}
`

func newInitCmd(stdout, stderr io.Writer) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a new project",
		Long: `Create apack.toml, the .apack/ state directory and an empty library
index in dir (default: the current directory). The project gets a main
bundle and a "resources" bundle rooted at db://assets/resources.`,
		Example: `  apack init
  apack init mygame --name mygame`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			if doInit(fsys.OSFS{}, dir, name, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (default: the directory name)")
	return cmd
}

// doInit writes a new project into dir. It refuses to overwrite an
// existing project file.
func doInit(fs fsys.FS, dir, name string, stdout, stderr io.Writer) int {
	abs, err := filepath.Abs(dir)
	if err != nil {
		fmt.Fprintf(stderr, "apack init: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if existing := doctor.ProjectFile(fs, abs); existing != "" {
		fmt.Fprintf(stderr, "apack init: %s already exists\n", existing) //nolint:errcheck // best-effort stderr
		return 1
	}
	if name == "" {
		name = filepath.Base(abs)
	}

	p := config.DefaultProject(name)
	data, err := p.Marshal()
	if err != nil {
		fmt.Fprintf(stderr, "apack init: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	steps := []struct {
		what string
		fn   func() error
	}{
		{"creating state dir", func() error { return fs.MkdirAll(filepath.Join(abs, config.StateDir), 0o755) }},
		{"writing " + config.FileName, func() error {
			return fsys.WriteFileAtomic(fs, filepath.Join(abs, config.FileName), data, 0o644)
		}},
		{"writing library index", func() error {
			index := filepath.Join(abs, config.DefaultLibrary, assetdb.IndexFile)
			if _, err := fs.Stat(index); err == nil {
				return nil
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := fs.MkdirAll(filepath.Dir(index), 0o755); err != nil {
				return err
			}
			return fsys.WriteFileAtomic(fs, index, []byte(emptyIndex), 0o644)
		}},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			fmt.Fprintf(stderr, "apack init: %s: %v\n", s.what, err) //nolint:errcheck // best-effort stderr
			return 1
		}
	}
	fmt.Fprintf(stdout, "Initialized project %q in %s\n", name, abs) //nolint:errcheck // best-effort stdout
	return 0
}
