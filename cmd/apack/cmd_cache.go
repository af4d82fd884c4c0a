package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/assetpack/internal/config"
	"github.com/steveyegge/assetpack/internal/doctor"
	"github.com/steveyegge/assetpack/internal/events"
	"github.com/steveyegge/assetpack/internal/fsys"
)

func newCacheCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the serialization cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newCacheCleanCmd(stdout, stderr), newCacheInfoCmd(stdout, stderr))
	return cmd
}

func newCacheCleanCmd(stdout, stderr io.Writer) *cobra.Command {
	var journal bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete the serialization cache",
		Long: `Delete every cached serialization. The next build re-serializes every
asset. With --journal the versioning journal is removed too, which is
only safe when no build is running.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			task, _, err := loadTask()
			if err != nil {
				fmt.Fprintf(stderr, "apack cache clean: %v\n", err) //nolint:errcheck // best-effort stderr
				return errExit
			}
			rec, closeRec := openRecorder(task, stderr)
			defer closeRec()
			if doCacheClean(fsys.OSFS{}, task, journal, rec, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&journal, "journal", false, "also remove the versioning journal")
	return cmd
}

func doCacheClean(fs fsys.FS, task *config.BuildTaskOption, journal bool, rec events.Recorder, stdout, stderr io.Writer) int {
	if journal && doctor.IsBuildRunning(task.Dest) {
		fmt.Fprintf(stderr, "apack cache clean: a build is running in %s\n", task.Dest) //nolint:errcheck // best-effort stderr
		return 1
	}
	n, size := cacheUsage(fs, task.CacheDir)
	if err := fs.RemoveAll(task.CacheDir); err != nil {
		fmt.Fprintf(stderr, "apack cache clean: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	removed := []string{task.CacheDir}
	if journal {
		path := filepath.Join(task.StateDir, JournalFile)
		if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(stderr, "apack cache clean: %v\n", err) //nolint:errcheck // best-effort stderr
			return 1
		}
		removed = append(removed, path)
	}
	payload, _ := json.Marshal(map[string]any{"entries": n, "bytes": size, "journal": journal})
	rec.Record(events.Event{
		Type:    events.CacheCleaned,
		Actor:   "apack",
		Subject: task.Name,
		Message: fmt.Sprintf("removed %d cache entries", n),
		Payload: payload,
	})
	for _, p := range removed {
		fmt.Fprintf(stdout, "Removed %s\n", p) //nolint:errcheck // best-effort stdout
	}
	fmt.Fprintf(stdout, "Freed %d entries (%s).\n", n, humanBytes(size)) //nolint:errcheck // best-effort stdout
	return 0
}

func newCacheInfoCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show where the cache lives and how big it is",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			task, _, err := loadTask()
			if err != nil {
				fmt.Fprintf(stderr, "apack cache info: %v\n", err) //nolint:errcheck // best-effort stderr
				return errExit
			}
			n, size := cacheUsage(fsys.OSFS{}, task.CacheDir)
			fmt.Fprintf(stdout, "Cache:   %s\nEntries: %d (%s)\nJournal: %s\n", //nolint:errcheck // best-effort stdout
				task.CacheDir, n, humanBytes(size), filepath.Join(task.StateDir, JournalFile))
			return nil
		},
	}
}

// cacheUsage counts the files below dir and their total size. A missing
// cache is empty.
func cacheUsage(fs fsys.FS, dir string) (int, int64) {
	var n int
	var size int64
	_ = fsys.Walk(fs, dir, func(rel string) error {
		if fi, err := fs.Stat(filepath.Join(dir, filepath.FromSlash(rel))); err == nil {
			n++
			size += fi.Size()
		}
		return nil
	})
	return n, size
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
