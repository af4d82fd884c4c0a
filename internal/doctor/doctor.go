package doctor

import (
	"fmt"
	"io"
	"strings"
)

// Report summarizes a doctor run.
type Report struct {
	Passed int
	Warned int
	Failed int
	// Fixed counts checks repaired by --fix. They also count as passed.
	Fixed   int
	Results []*CheckResult
}

// Healthy reports whether no check failed.
func (r *Report) Healthy() bool { return r.Failed == 0 }

// Doctor runs registered checks.
type Doctor struct {
	checks []Check
}

// Register appends c to the run order.
func (d *Doctor) Register(c Check) {
	d.checks = append(d.checks, c)
}

// Run executes every check and writes one line per result to w as it
// completes. With fix, a failed fixable check is repaired and run again.
func (d *Doctor) Run(ctx *CheckContext, w io.Writer, fix bool) *Report {
	r := &Report{}
	for _, c := range d.checks {
		res := c.Run(ctx)
		if fix && res.Status != StatusOK && c.CanFix() {
			if err := c.Fix(ctx); err == nil {
				res = c.Run(ctx)
				res.Fixed = res.Status == StatusOK
			} else {
				res.Details = append(res.Details, "fix failed: "+err.Error())
			}
		}
		printResult(w, res, ctx.Verbose)
		r.Results = append(r.Results, res)

		switch {
		case res.Fixed:
			r.Fixed++
			r.Passed++
		case res.Status == StatusOK:
			r.Passed++
		case res.Status == StatusWarning:
			r.Warned++
		default:
			r.Failed++
		}
	}
	return r
}

func printResult(w io.Writer, r *CheckResult, verbose bool) {
	icon := "✗"
	switch {
	case r.Fixed, r.Status == StatusOK:
		icon = "✓"
	case r.Status == StatusWarning:
		icon = "⚠"
	}
	suffix := ""
	if r.Fixed {
		suffix = " (fixed)"
	}
	fmt.Fprintf(w, "  %s %s: %s%s\n", icon, r.Name, r.Message, suffix) //nolint:errcheck // best-effort output
	if verbose {
		for _, d := range r.Details {
			fmt.Fprintf(w, "      %s\n", d) //nolint:errcheck // best-effort output
		}
	}
	if r.FixHint != "" && r.Status != StatusOK && !r.Fixed {
		fmt.Fprintf(w, "      hint: %s\n", r.FixHint) //nolint:errcheck // best-effort output
	}
}

// PrintSummary writes the closing summary line.
func PrintSummary(w io.Writer, r *Report) {
	var parts []string
	for _, p := range []struct {
		n    int
		what string
	}{
		{r.Passed, "passed"},
		{r.Warned, "warnings"},
		{r.Failed, "failed"},
		{r.Fixed, "fixed"},
	} {
		if p.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", p.n, p.what))
		}
	}
	if len(parts) == 0 {
		fmt.Fprintln(w, "\nNo checks ran.") //nolint:errcheck // best-effort output
		return
	}
	fmt.Fprintf(w, "\n%s\n", strings.Join(parts, ", ")) //nolint:errcheck // best-effort output
}
