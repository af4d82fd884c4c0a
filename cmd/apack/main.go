// apack is the assetpack CLI: it packs a project's asset library into
// loadable bundles.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/steveyegge/assetpack/internal/config"
	"github.com/steveyegge/assetpack/internal/doctor"
	"github.com/steveyegge/assetpack/internal/events"
	"github.com/steveyegge/assetpack/internal/fsys"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit is returned by RunE functions that already wrote their error to
// stderr and only need a non-zero exit.
var errExit = errors.New("exit")

// Persistent flags.
var (
	projectFlag   string
	logLevelFlag  string
	logFormatFlag string
)

// run executes the CLI with args and returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintf(stderr, "apack: %v\n", err) //nolint:errcheck // best-effort stderr
		}
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	projectFlag, logLevelFlag, logFormatFlag = "", "info", "text"
	root := &cobra.Command{
		Use:           "apack",
		Short:         "Pack an asset library into loadable bundles",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			fmt.Fprintf(stderr, "apack: unknown command %q\n", args[0]) //nolint:errcheck // best-effort stderr
			return errExit
		},
	}
	root.PersistentFlags().StringVarP(&projectFlag, "project", "p", "",
		"path to the project file or its directory (default: walk up from cwd)")
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info",
		"log level: trace, debug, info, warn or error")
	root.PersistentFlags().StringVar(&logFormatFlag, "log-format", "text",
		"log format: text or json")
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newInitCmd(stdout, stderr),
		newBuildCmd(stdout, stderr),
		newInspectCmd(stdout, stderr),
		newCacheCmd(stdout, stderr),
		newDoctorCmd(stdout, stderr),
		newEventsCmd(stdout, stderr),
		newWorkerCmd(stderr),
		newVersionCmd(stdout),
	)
	root.AddCommand(newGenDocCmd(stdout, stderr, root))
	return root
}

// resolveProject returns the path of the project file: --project when
// given (a file, or a directory holding one), otherwise the nearest one
// above the working directory.
func resolveProject() (string, error) {
	fs := fsys.OSFS{}
	if projectFlag != "" {
		p, err := filepath.Abs(projectFlag)
		if err != nil {
			return "", err
		}
		fi, err := os.Stat(p)
		if err != nil {
			return "", fmt.Errorf("project %s: %w", p, err)
		}
		if !fi.IsDir() {
			return p, nil
		}
		for _, name := range config.FileNames {
			if _, err := fs.Stat(filepath.Join(p, name)); err == nil {
				return filepath.Join(p, name), nil
			}
		}
		return "", fmt.Errorf("%w: %s", config.ErrNoProject, p)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return config.FindProject(fs, cwd)
}

// loadTask loads the project with its includes and environment
// overrides and resolves it into a build task.
func loadTask() (*config.BuildTaskOption, *config.Provenance, error) {
	path, err := resolveProject()
	if err != nil {
		return nil, nil, err
	}
	p, prov, err := config.LoadWithIncludes(fsys.OSFS{}, path)
	if err != nil {
		return nil, nil, err
	}
	if err := config.ApplyEnv(p); err != nil {
		return nil, nil, err
	}
	task, err := config.Resolve(p, filepath.Dir(path))
	if err != nil {
		return nil, nil, err
	}
	return task, prov, nil
}

// newLogger returns the pipeline logger writing to w.
func newLogger(w io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(logLevelFlag)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", logLevelFlag)
	}
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(lvl)
	switch logFormatFlag {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid --log-format %q", logFormatFlag)
	}
	return log, nil
}

// openRecorder returns a recorder appending to the project's event log,
// or events.Discard when the log cannot be opened. The returned func
// closes the log.
func openRecorder(task *config.BuildTaskOption, stderr io.Writer) (events.Recorder, func()) {
	rec, err := events.NewFileRecorder(filepath.Join(task.StateDir, doctor.EventsFile), stderr)
	if err != nil {
		return events.Discard, func() {}
	}
	return rec, func() { rec.Close() } //nolint:errcheck // best-effort cleanup
}

// eventsPath returns the event log of the current project.
func eventsPath() (string, error) {
	path, err := resolveProject()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(path), config.StateDir, doctor.EventsFile), nil
}
