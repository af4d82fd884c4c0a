// Package hooks runs platform hooks: shell commands configured in the
// [hooks] section of apack.toml that fire at fixed points of a build.
//
// Hooks receive the build description through APACK_* environment
// variables and run in the project directory. A failing hook fails the
// build at that point.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/assetpack/internal/events"
	"github.com/steveyegge/assetpack/internal/telemetry"
)

// Point names a place in the build where a hook fires.
type Point string

// Hook points in firing order.
const (
	AfterInit               Point = "after_init"
	AfterBundleInit         Point = "after_bundle_init"
	BeforeCopyBuildTemplate Point = "before_copy_build_template"
	AfterBuild              Point = "after_build"
)

// Points lists every hook point in firing order.
var Points = []Point{AfterInit, AfterBundleInit, BeforeCopyBuildTemplate, AfterBuild}

// Info describes the build a hook runs for.
type Info struct {
	Project  string
	Platform string
	Dest     string
	Debug    bool
	// Bundles lists every bundle of the build.
	Bundles []string
	// Failed lists the bundles that failed. Only set for AfterBuild.
	Failed []string
}

// Hooks receives the build's hook points. An error aborts the build.
type Hooks interface {
	OnAfterInit(ctx context.Context, info Info) error
	OnAfterBundleInit(ctx context.Context, info Info) error
	OnBeforeCopyBuildTemplate(ctx context.Context, info Info) error
	OnAfterBuild(ctx context.Context, info Info) error
}

// Nop ignores every hook point.
type Nop struct{}

var (
	_ Hooks = Nop{}
	_ Hooks = (*Shell)(nil)
)

// OnAfterInit implements [Hooks].
func (Nop) OnAfterInit(context.Context, Info) error { return nil }

// OnAfterBundleInit implements [Hooks].
func (Nop) OnAfterBundleInit(context.Context, Info) error { return nil }

// OnBeforeCopyBuildTemplate implements [Hooks].
func (Nop) OnBeforeCopyBuildTemplate(context.Context, Info) error { return nil }

// OnAfterBuild implements [Hooks].
func (Nop) OnAfterBuild(context.Context, Info) error { return nil }

const (
	// outputLimit caps the hook output quoted in errors.
	outputLimit = 2048
	// waitDelay bounds how long a killed hook's children may hold its
	// output open.
	waitDelay = time.Second
)

// Shell runs each configured point as `sh -c <command>`.
type Shell struct {
	// Commands maps a point to its command. Points without a command
	// are skipped.
	Commands map[Point]string
	// Dir is the working directory, normally the project root.
	Dir string
	// Timeout bounds each command. Zero means no limit.
	Timeout  time.Duration
	Log      logrus.FieldLogger
	Recorder events.Recorder
}

// OnAfterInit implements [Hooks].
func (s *Shell) OnAfterInit(ctx context.Context, info Info) error {
	return s.run(ctx, AfterInit, info)
}

// OnAfterBundleInit implements [Hooks].
func (s *Shell) OnAfterBundleInit(ctx context.Context, info Info) error {
	return s.run(ctx, AfterBundleInit, info)
}

// OnBeforeCopyBuildTemplate implements [Hooks].
func (s *Shell) OnBeforeCopyBuildTemplate(ctx context.Context, info Info) error {
	return s.run(ctx, BeforeCopyBuildTemplate, info)
}

// OnAfterBuild implements [Hooks].
func (s *Shell) OnAfterBuild(ctx context.Context, info Info) error {
	return s.run(ctx, AfterBuild, info)
}

func (s *Shell) run(ctx context.Context, p Point, info Info) error {
	command := strings.TrimSpace(s.Commands[p])
	if command == "" {
		return nil
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), Environ(p, info)...)
	cmd.WaitDelay = waitDelay
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", s.Timeout)
		}
		err = fmt.Errorf("hook %s: %w", p, err)
		if o := strings.TrimSpace(string(out)); o != "" {
			err = fmt.Errorf("%w\n%s", err, truncate(o, outputLimit))
		}
	}

	log := s.logger().WithField("hook", string(p)).WithField("ms", time.Since(start).Milliseconds())
	msg := "ok"
	if err != nil {
		log.WithError(err).Error("hook failed")
		msg = err.Error()
	} else {
		log.Debug("hook ran")
		if o := strings.TrimSpace(string(out)); o != "" {
			log.Debug(o)
		}
	}
	s.recorder().Record(events.Event{
		Type:    events.HookRan,
		Actor:   "apack",
		Subject: string(p),
		Message: msg,
	})
	telemetry.RecordHook(ctx, string(p), err)
	return err
}

// Environ returns the APACK_* variables describing info to the hook at p.
func Environ(p Point, info Info) []string {
	env := []string{
		"APACK_HOOK=" + string(p),
		"APACK_PROJECT=" + info.Project,
		"APACK_PLATFORM=" + info.Platform,
		"APACK_DEST=" + info.Dest,
		"APACK_DEBUG=" + strconv.FormatBool(info.Debug),
		"APACK_BUNDLES=" + strings.Join(info.Bundles, ","),
	}
	if p == AfterBuild {
		env = append(env, "APACK_FAILED="+strings.Join(info.Failed, ","))
	}
	return env
}

func (s *Shell) logger() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

func (s *Shell) recorder() events.Recorder {
	if s.Recorder != nil {
		return s.Recorder
	}
	return events.Discard
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
