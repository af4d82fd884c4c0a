package doctor

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// stubCheck reports a fixed result. A successful Fix turns it OK unless
// stubborn is set.
type stubCheck struct {
	name     string
	status   CheckStatus
	details  []string
	hint     string
	canFix   bool
	fixErr   error
	stubborn bool

	fixCalls int
	fixed    bool
}

func (s *stubCheck) Name() string { return s.name }

func (s *stubCheck) Run(_ *CheckContext) *CheckResult {
	st := s.status
	if s.fixed {
		st = StatusOK
	}
	return &CheckResult{Name: s.name, Status: st, Message: st.String(), Details: s.details, FixHint: s.hint}
}

func (s *stubCheck) CanFix() bool { return s.canFix }

func (s *stubCheck) Fix(_ *CheckContext) error {
	s.fixCalls++
	if s.fixErr != nil {
		return s.fixErr
	}
	s.fixed = !s.stubborn
	return nil
}

func runChecks(fix, verbose bool, checks ...Check) (*Report, string) {
	d := &Doctor{}
	for _, c := range checks {
		d.Register(c)
	}
	var out bytes.Buffer
	r := d.Run(&CheckContext{ProjectDir: "/game", Verbose: verbose}, &out, fix)
	return r, out.String()
}

func TestRunCounts(t *testing.T) {
	tests := []struct {
		name                         string
		fix                          bool
		check                        *stubCheck
		passed, warned, failed, fixd int
	}{
		{"ok", false, &stubCheck{name: "library-index", status: StatusOK}, 1, 0, 0, 0},
		{"warning", false, &stubCheck{name: "cache-dir", status: StatusWarning, canFix: true}, 0, 1, 0, 0},
		{"error", false, &stubCheck{name: "worker-exe", status: StatusError}, 0, 0, 1, 0},
		{"fixed", true, &stubCheck{name: "cache-dir", status: StatusWarning, canFix: true}, 1, 0, 0, 1},
		{"fix errors", true, &stubCheck{name: "cache-dir", status: StatusError, canFix: true, fixErr: errors.New("read-only")}, 0, 0, 1, 0},
		{"fix does not help", true, &stubCheck{name: "cache-dir", status: StatusError, canFix: true, stubborn: true}, 0, 0, 1, 0},
		{"not fixable", true, &stubCheck{name: "engine-dir", status: StatusError}, 0, 0, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := runChecks(tt.fix, false, tt.check)
			if r.Passed != tt.passed || r.Warned != tt.warned || r.Failed != tt.failed || r.Fixed != tt.fixd {
				t.Errorf("report = %+v, want passed=%d warned=%d failed=%d fixed=%d",
					r, tt.passed, tt.warned, tt.failed, tt.fixd)
			}
			if r.Healthy() != (tt.failed == 0) {
				t.Errorf("Healthy() = %v", r.Healthy())
			}
		})
	}
}

func TestRunSkipsFixForOKChecks(t *testing.T) {
	c := &stubCheck{name: "project-config", status: StatusOK, canFix: true}
	runChecks(true, false, c)
	if c.fixCalls != 0 {
		t.Errorf("Fix called %d times on a passing check", c.fixCalls)
	}
}

func TestRunOutput(t *testing.T) {
	_, out := runChecks(true, false,
		&stubCheck{name: "project-structure", status: StatusOK},
		&stubCheck{name: "build-lock", status: StatusWarning},
		&stubCheck{name: "worker-exe", status: StatusError, hint: "set [worker] exe"},
		&stubCheck{name: "cache-dir", status: StatusWarning, canFix: true},
	)
	for _, want := range []string{
		"✓ project-structure: ok",
		"⚠ build-lock: warning",
		"✗ worker-exe: error",
		"hint: set [worker] exe",
		"✓ cache-dir: ok (fixed)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "project-structure") > strings.Index(out, "build-lock") {
		t.Errorf("checks printed out of registration order:\n%s", out)
	}
}

func TestRunHintHiddenOnceFixed(t *testing.T) {
	_, out := runChecks(true, false, &stubCheck{name: "cache-dir", status: StatusWarning, canFix: true, hint: "apack doctor --fix"})
	if strings.Contains(out, "hint:") {
		t.Errorf("hint printed for a fixed check:\n%s", out)
	}
}

func TestRunVerboseDetails(t *testing.T) {
	c := &stubCheck{name: "library-index", status: StatusWarning, details: []string{"unknown dependency 1234"}}
	if _, out := runChecks(false, false, c); strings.Contains(out, "unknown dependency") {
		t.Errorf("details shown without -v:\n%s", out)
	}
	if _, out := runChecks(false, true, c); !strings.Contains(out, "unknown dependency 1234") {
		t.Errorf("details missing with -v:\n%s", out)
	}
}

func TestRunFixErrorInDetails(t *testing.T) {
	r, out := runChecks(true, true, &stubCheck{name: "cache-dir", status: StatusError, canFix: true, fixErr: errors.New("read-only fs")})
	if !strings.Contains(out, "fix failed: read-only fs") {
		t.Errorf("fix error not reported:\n%s", out)
	}
	if len(r.Results) != 1 || r.Results[0].Fixed {
		t.Errorf("results = %+v", r.Results)
	}
}

func TestPrintSummary(t *testing.T) {
	tests := []struct {
		report *Report
		want   string
	}{
		{&Report{Passed: 3}, "3 passed"},
		{&Report{Passed: 2, Warned: 1, Failed: 1}, "2 passed, 1 warnings, 1 failed"},
		{&Report{Passed: 2, Fixed: 1}, "2 passed, 1 fixed"},
		{&Report{}, "No checks ran."},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		PrintSummary(&buf, tt.report)
		if !strings.Contains(buf.String(), tt.want) {
			t.Errorf("summary = %q, want %q", buf.String(), tt.want)
		}
	}
}
