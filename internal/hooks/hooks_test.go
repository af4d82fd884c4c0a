package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/steveyegge/assetpack/internal/events"
)

func newShell(t *testing.T, commands map[Point]string) (*Shell, *events.Fake) {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	rec := events.NewFake()
	return &Shell{
		Commands: commands,
		Dir:      t.TempDir(),
		Timeout:  10 * time.Second,
		Log:      log,
		Recorder: rec,
	}, rec
}

func testInfo() Info {
	return Info{
		Project:  "demo",
		Platform: "web-mobile",
		Dest:     "/out",
		Bundles:  []string{"main", "level1"},
		Failed:   []string{"level1"},
	}
}

func TestShellRunsInProjectDirWithEnv(t *testing.T) {
	s, rec := newShell(t, map[Point]string{
		AfterBuild: `echo "$APACK_HOOK $APACK_PROJECT $APACK_BUNDLES $APACK_FAILED" > hook.out`,
	})
	if err := s.OnAfterBuild(context.Background(), testInfo()); err != nil {
		t.Fatalf("OnAfterBuild: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, "hook.out"))
	if err != nil {
		t.Fatalf("hook output missing: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "after_build demo main,level1 level1" {
		t.Errorf("hook saw %q", got)
	}
	if got := rec.Types(); len(got) != 1 || got[0] != events.HookRan {
		t.Errorf("events = %v, want one %s", got, events.HookRan)
	}
	if rec.Events[0].Subject != "after_build" || rec.Events[0].Message != "ok" {
		t.Errorf("event = %+v", rec.Events[0])
	}
}

func TestShellSkipsUnconfiguredPoints(t *testing.T) {
	s, rec := newShell(t, map[Point]string{AfterInit: "   "})
	ctx := context.Background()
	for _, fn := range []func(context.Context, Info) error{
		s.OnAfterInit, s.OnAfterBundleInit, s.OnBeforeCopyBuildTemplate, s.OnAfterBuild,
	} {
		if err := fn(ctx, testInfo()); err != nil {
			t.Errorf("unconfigured hook returned %v", err)
		}
	}
	if len(rec.Events) != 0 {
		t.Errorf("events = %v, want none", rec.Types())
	}
}

func TestShellFailureIncludesOutput(t *testing.T) {
	s, rec := newShell(t, map[Point]string{
		BeforeCopyBuildTemplate: "echo template is locked >&2; exit 3",
	})
	err := s.OnBeforeCopyBuildTemplate(context.Background(), testInfo())
	if err == nil {
		t.Fatal("expected error from failing hook")
	}
	for _, want := range []string{"hook before_copy_build_template", "exit status 3", "template is locked"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("err = %q, missing %q", err, want)
		}
	}
	if len(rec.Events) != 1 || rec.Events[0].Message == "ok" {
		t.Errorf("events = %+v, want one failure", rec.Events)
	}
}

func TestShellTimeout(t *testing.T) {
	s, _ := newShell(t, map[Point]string{AfterInit: "sleep 5"})
	s.Timeout = 50 * time.Millisecond
	err := s.OnAfterInit(context.Background(), testInfo())
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("err = %v, want timeout", err)
	}
}

func TestShellLogsFailure(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	s := &Shell{Commands: map[Point]string{AfterBundleInit: "false"}, Dir: t.TempDir(), Log: log}
	if err := s.OnAfterBundleInit(context.Background(), testInfo()); err == nil {
		t.Fatal("expected error")
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.ErrorLevel {
		t.Fatalf("last entry = %+v, want an error", entry)
	}
	if entry.Data["hook"] != "after_bundle_init" {
		t.Errorf("hook field = %v", entry.Data["hook"])
	}
}

func TestEnvironFailedOnlyAfterBuild(t *testing.T) {
	for _, p := range Points {
		env := strings.Join(Environ(p, testInfo()), "\n")
		hasFailed := strings.Contains(env, "APACK_FAILED=")
		if hasFailed != (p == AfterBuild) {
			t.Errorf("%s: APACK_FAILED present = %v", p, hasFailed)
		}
		if !strings.Contains(env, "APACK_HOOK="+string(p)) {
			t.Errorf("%s: APACK_HOOK missing", p)
		}
	}
}

func TestNop(t *testing.T) {
	var h Hooks = Nop{}
	ctx := context.Background()
	if err := h.OnAfterInit(ctx, Info{}); err != nil {
		t.Error(err)
	}
	if err := h.OnAfterBuild(ctx, Info{}); err != nil {
		t.Error(err)
	}
}
