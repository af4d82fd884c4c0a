package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/steveyegge/assetpack/internal/builder"
	"github.com/steveyegge/assetpack/internal/bundle"
	"github.com/steveyegge/assetpack/internal/fsys"
	"github.com/steveyegge/assetpack/internal/md5cache"
)

func newInspectCmd(stdout, stderr io.Writer) *cobra.Command {
	var asJSON bool
	var dest string
	cmd := &cobra.Command{
		Use:   "inspect [bundle]",
		Short: "Show the built bundles or one bundle's manifest",
		Long: `Show what the last build wrote.

Without arguments, lists the bundles recorded in settings.json. With a
bundle name, reads the bundle's config.json, expands its index-compressed
form and prints its assets, scenes, packs and redirects.`,
		Example: `  apack inspect
  apack inspect main
  apack inspect level1 --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if dest == "" {
				task, _, err := loadTask()
				if err != nil {
					fmt.Fprintf(stderr, "apack inspect: %v\n", err) //nolint:errcheck // best-effort stderr
					return errExit
				}
				dest = task.Dest
			}
			var code int
			if len(args) == 0 {
				code = doInspectSettings(fsys.OSFS{}, dest, asJSON, stdout, stderr)
			} else {
				code = doInspectBundle(fsys.OSFS{}, dest, args[0], asJSON, stdout, stderr)
			}
			if code != 0 {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().StringVar(&dest, "dest", "", "build output directory (default: the project's)")
	return cmd
}

func doInspectSettings(fs fsys.FS, dest string, asJSON bool, stdout, stderr io.Writer) int {
	s, err := builder.ReadSettings(fs, dest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stderr, "apack inspect: no build in %s\n", dest) //nolint:errcheck // best-effort stderr
		} else {
			fmt.Fprintf(stderr, "apack inspect: %v\n", err) //nolint:errcheck // best-effort stderr
		}
		return 1
	}
	if asJSON {
		return printJSON(s, stdout, stderr)
	}
	fmt.Fprintf(stdout, "Platform: %s  Debug: %t\n\n", s.Platform, s.Debug) //nolint:errcheck // best-effort stdout
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BUNDLE\tVERSION\tREMOTE\tPRELOAD") //nolint:errcheck // best-effort stdout
	for _, name := range s.Assets.ProjectBundles {
		preload := slices.ContainsFunc(s.Assets.PreloadBundles, func(p builder.Preload) bool { return p.Bundle == name })
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, s.Assets.BundleVers[name], //nolint:errcheck // best-effort stdout
			yesNo(slices.Contains(s.Assets.RemoteBundles, name)), yesNo(preload))
	}
	tw.Flush() //nolint:errcheck // best-effort stdout
	return 0
}

// readManifest loads the config file of a built bundle, versioned or not.
func readManifest(fs fsys.FS, dest, name string) (*bundle.Config, error) {
	path := filepath.Join(dest, builder.AssetsDir, name, bundle.ConfigFile)
	if s, err := builder.ReadSettings(fs, dest); err == nil {
		if v := s.Assets.BundleVers[name]; v != "" {
			path = md5cache.AppendHash(path, v)
		}
	}
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", name, err)
	}
	var m bundle.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bundle %s: parsing %s: %w", name, filepath.Base(path), err)
	}
	c, err := bundle.DecompressManifest(&m)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", name, err)
	}
	return c, nil
}

func doInspectBundle(fs fsys.FS, dest, name string, asJSON bool, stdout, stderr io.Writer) int {
	c, err := readManifest(fs, dest, name)
	if err != nil {
		fmt.Fprintf(stderr, "apack inspect: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if asJSON {
		return printJSON(c, stdout, stderr)
	}

	fmt.Fprintf(stdout, "Bundle %s: %d assets, %d scenes, %d packs, %d redirects\n", //nolint:errcheck // best-effort stdout
		c.Name, len(c.UUIDs), len(c.Scenes), len(c.Packs), len(c.Redirect))
	if len(c.Deps) > 0 {
		fmt.Fprintf(stdout, "Depends on: %s\n", strings.Join(c.Deps, ", ")) //nolint:errcheck // best-effort stdout
	}
	if c.IsZip {
		fmt.Fprintf(stdout, "Zipped (version %s)\n", c.ZipVersion) //nolint:errcheck // best-effort stdout
	}

	redirected := make(map[string]string, len(c.Redirect))
	for _, r := range c.Redirect {
		if r.Dep >= 0 && r.Dep < len(c.Deps) {
			redirected[r.UUID] = c.Deps[r.Dep]
		}
	}
	fmt.Fprintln(stdout) //nolint:errcheck // best-effort stdout
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UUID\tPATH\tTYPE\tVERSION\tLOADED FROM") //nolint:errcheck // best-effort stdout
	for _, id := range c.UUIDs {
		p := c.Paths[id]
		from := redirected[id]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", id, p.Path, p.Type, c.Versions.Import[id], from) //nolint:errcheck // best-effort stdout
	}
	tw.Flush() //nolint:errcheck // best-effort stdout

	if len(c.Scenes) > 0 {
		fmt.Fprintln(stdout, "\nScenes:") //nolint:errcheck // best-effort stdout
		urls := make([]string, 0, len(c.Scenes))
		for url := range c.Scenes {
			urls = append(urls, url)
		}
		slices.Sort(urls)
		for _, url := range urls {
			fmt.Fprintf(stdout, "  %s  %s\n", url, c.Scenes[url]) //nolint:errcheck // best-effort stdout
		}
	}
	if len(c.Packs) > 0 {
		fmt.Fprintln(stdout, "\nPacks:") //nolint:errcheck // best-effort stdout
		names := make([]string, 0, len(c.Packs))
		for n := range c.Packs {
			names = append(names, n)
		}
		slices.Sort(names)
		for _, n := range names {
			fmt.Fprintf(stdout, "  %s  %d members\n", n, len(c.Packs[n])) //nolint:errcheck // best-effort stdout
		}
	}
	return 0
}

func printJSON(v any, stdout, stderr io.Writer) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "apack: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	fmt.Fprintln(stdout, string(data)) //nolint:errcheck // best-effort stdout
	return 0
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
