package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/assetpack/internal/events"
)

type eventsFlags struct {
	typ     string
	subject string
	since   string
	json    bool
	follow  bool
	timeout string
}

func newEventsCmd(stdout, stderr io.Writer) *cobra.Command {
	var f eventsFlags
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the build event log",
		Long: `Show the build event log kept in .apack/events.jsonl.

Builds record their start and finish, every bundle outcome, hook runs and
worker process lifecycle. With --follow, apack waits for new events and
prints them as JSON lines.`,
		Example: `  apack events
  apack events --type bundle.failed --since 1h
  apack events --follow --timeout 5m`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path, err := eventsPath()
			if err != nil {
				fmt.Fprintf(stderr, "apack events: %v\n", err) //nolint:errcheck // best-effort stderr
				return errExit
			}
			var code int
			if f.follow {
				code = doEventsFollow(path, f, 250*time.Millisecond, stdout, stderr)
			} else {
				code = doEvents(path, f, stdout, stderr)
			}
			if code != 0 {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.typ, "type", "", "only events of this type (e.g. bundle.failed)")
	cmd.Flags().StringVar(&f.subject, "subject", "", "only events about this bundle or worker task")
	cmd.Flags().StringVar(&f.since, "since", "", "only events newer than this duration (e.g. 1h, 30m)")
	cmd.Flags().BoolVar(&f.json, "json", false, "print JSON lines")
	cmd.Flags().BoolVarP(&f.follow, "follow", "f", false, "wait for new events")
	cmd.Flags().StringVar(&f.timeout, "timeout", "30s", "how long --follow waits")
	return cmd
}

func (f eventsFlags) filter() (events.Filter, error) {
	filter := events.Filter{Type: f.typ, Subject: f.subject}
	if f.since != "" {
		d, err := time.ParseDuration(f.since)
		if err != nil {
			return filter, fmt.Errorf("invalid --since %q: %w", f.since, err)
		}
		filter.Since = time.Now().Add(-d)
	}
	return filter, nil
}

// doEvents prints the events of the log at path.
func doEvents(path string, f eventsFlags, stdout, stderr io.Writer) int {
	filter, err := f.filter()
	if err != nil {
		fmt.Fprintf(stderr, "apack events: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	evts, err := events.ReadFiltered(path, filter)
	if err != nil {
		fmt.Fprintf(stderr, "apack events: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if f.json {
		return printEventsJSON(evts, stdout, stderr)
	}
	if len(evts) == 0 {
		fmt.Fprintln(stdout, "No events.") //nolint:errcheck // best-effort stdout
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTYPE\tSUBJECT\tMESSAGE\tTIME") //nolint:errcheck // best-effort stdout
	for _, e := range evts {
		msg := e.Message
		if len(msg) > 48 {
			msg = msg[:45] + "..."
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", //nolint:errcheck // best-effort stdout
			e.Seq, e.Type, e.Subject, msg, e.Ts.Local().Format("2006-01-02 15:04:05"))
	}
	tw.Flush() //nolint:errcheck // best-effort stdout
	return 0
}

// doEventsFollow polls the log for events recorded after the current end
// and prints the matching ones as JSON lines. It returns after the first
// batch of matches or when the timeout expires; empty output means
// nothing arrived.
func doEventsFollow(path string, f eventsFlags, poll time.Duration, stdout, stderr io.Writer) int {
	timeout, err := time.ParseDuration(f.timeout)
	if err != nil {
		fmt.Fprintf(stderr, "apack events: invalid --timeout %q: %v\n", f.timeout, err) //nolint:errcheck // best-effort stderr
		return 1
	}
	filter, err := f.filter()
	if err != nil {
		fmt.Fprintf(stderr, "apack events: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	_, offset, err := events.ReadFrom(path, 0)
	if err != nil {
		fmt.Fprintf(stderr, "apack events: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	deadline := time.Now().Add(timeout)
	for {
		evts, next, err := events.ReadFrom(path, offset)
		if err != nil {
			fmt.Fprintf(stderr, "apack events: %v\n", err) //nolint:errcheck // best-effort stderr
			return 1
		}
		offset = next
		if matches := filter.Select(evts); len(matches) > 0 {
			return printEventsJSON(matches, stdout, stderr)
		}
		if time.Now().After(deadline) {
			return 0
		}
		time.Sleep(poll)
	}
}

func printEventsJSON(evts []events.Event, stdout, stderr io.Writer) int {
	for _, e := range evts {
		data, err := json.Marshal(e)
		if err != nil {
			fmt.Fprintf(stderr, "apack events: marshal: %v\n", err) //nolint:errcheck // best-effort stderr
			continue
		}
		fmt.Fprintln(stdout, string(data)) //nolint:errcheck // best-effort stdout
	}
	return 0
}
