package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/assetpack/internal/doctor"
	"github.com/steveyegge/assetpack/internal/fsys"
)

func newDoctorCmd(stdout, stderr io.Writer) *cobra.Command {
	var fix, verbose bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check project health",
		Long: `Run diagnostic checks on the project.

Checks the project layout, the project file and its includes, the library
index, the serialization cache directory, the build template and engine
directories, the worker executable, the event log and the build lock.
Use --fix to repair what can be repaired.`,
		Example: `  apack doctor
  apack doctor --fix
  apack doctor --verbose`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if doDoctor(fix, verbose, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "attempt to fix issues automatically")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show extra diagnostic details")
	return cmd
}

func doDoctor(fix, verbose bool, stdout, stderr io.Writer) int {
	dir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(stderr, "apack doctor: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if path, err := resolveProject(); err == nil {
		dir = filepath.Dir(path)
	}

	fs := fsys.OSFS{}
	d := &doctor.Doctor{}
	ctx := &doctor.CheckContext{ProjectDir: dir, Verbose: verbose}

	d.Register(&doctor.ProjectStructureCheck{FS: fs})
	d.Register(&doctor.ProjectConfigCheck{FS: fs})

	// Deeper checks need a resolvable project; the config check above
	// reports why it is not.
	if task, _, err := loadTask(); err == nil {
		self, _ := os.Executable()
		d.Register(&doctor.LibraryIndexCheck{FS: fs, LibraryDir: task.LibraryDir})
		d.Register(&doctor.CacheDirCheck{FS: fs, Dir: task.CacheDir})
		d.Register(&doctor.PathCheck{Label: "template-dir", Path: task.TemplateDir})
		d.Register(&doctor.PathCheck{Label: "engine-dir", Path: task.EngineDir})
		d.Register(&doctor.WorkerExeCheck{Exe: task.Worker.Exe, Self: self, LookPath: exec.LookPath})
		d.Register(&doctor.BuildLockCheck{Dest: task.Dest})
	}
	d.Register(&doctor.EventsLogCheck{})

	report := d.Run(ctx, stdout, fix)
	doctor.PrintSummary(stdout, report)
	if !report.Healthy() {
		return 1
	}
	return 0
}
