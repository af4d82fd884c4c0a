// Package doctor diagnoses an asset project: its configuration, asset
// library, cache and worker setup. Checks run in registration order, stream
// one line each and may repair what they find with --fix.
package doctor

// CheckStatus is the outcome of a check.
type CheckStatus int

const (
	// StatusOK means the check passed.
	StatusOK CheckStatus = iota
	// StatusWarning means the build can run but something looks off.
	StatusWarning
	// StatusError means a build would fail.
	StatusError
)

func (s CheckStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	default:
		return "error"
	}
}

// Check is a single diagnostic.
type Check interface {
	// Name is a short identifier such as "project-config".
	Name() string
	Run(ctx *CheckContext) *CheckResult
	// CanFix reports whether Fix can repair a failed Run.
	CanFix() bool
	// Fix repairs the problem. Only called after a non-OK Run.
	Fix(ctx *CheckContext) error
}

// CheckContext is shared by every check of a run.
type CheckContext struct {
	// ProjectDir is the absolute project root.
	ProjectDir string
	Verbose    bool
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	// Details are printed in verbose mode only.
	Details []string
	// FixHint is printed when the check failed and was not fixed.
	FixHint string
	Fixed   bool
}
