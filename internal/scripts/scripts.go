// Package scripts compiles project scripts and assembles the engine.
//
// Both passes are memory heavy and run inside worker processes served by
// `apack worker <task>`. [PoolCompiler] is the client the bundler uses;
// [Local] is the implementation the worker runs, also usable in process.
package scripts

import (
	"context"
	"fmt"

	"github.com/steveyegge/assetpack/internal/workerpool"
)

// Worker task names.
const (
	TaskScripts = "compile-scripts"
	TaskEngine  = "compile-engine"
)

// Worker methods.
const (
	MethodBundle   = "bundle"
	MethodAssemble = "assemble"
)

// Module is one compiled script of a bundle.
type Module struct {
	UUID string `cbor:"uuid"`
	URL  string `cbor:"url"`
	// Path is the compiled library file of the script.
	Path string `cbor:"path"`
}

// BundleRequest asks for the scripts of one bundle to be linked into a
// single file.
type BundleRequest struct {
	Bundle  string   `cbor:"bundle"`
	Modules []Module `cbor:"modules"`
	OutFile string   `cbor:"outFile"`
	Debug   bool     `cbor:"debug,omitempty"`
}

// BundleResult describes a written script bundle.
type BundleResult struct {
	OutFile string `cbor:"outFile"`
	Modules int    `cbor:"modules"`
	Bytes   int    `cbor:"bytes"`
}

// EngineRequest asks for the engine modules of the enabled features to be
// assembled into OutDir.
type EngineRequest struct {
	EngineDir string   `cbor:"engineDir"`
	Features  []string `cbor:"features"`
	OutDir    string   `cbor:"outDir"`
	Debug     bool     `cbor:"debug,omitempty"`
}

// EngineResult lists the files the engine assembly wrote.
type EngineResult struct {
	Files []string `cbor:"files"`
}

// Compiler is what the bundler needs from the script toolchain.
type Compiler interface {
	CompileBundle(ctx context.Context, req BundleRequest) (BundleResult, error)
	AssembleEngine(ctx context.Context, req EngineRequest) (EngineResult, error)
}

// Runner is the part of [workerpool.Pool] the client uses.
type Runner interface {
	Run(ctx context.Context, name, method string, out any, args ...any) error
}

// PoolCompiler runs compilation in worker processes.
type PoolCompiler struct {
	pool Runner
}

var (
	_ Compiler = (*PoolCompiler)(nil)
	_ Compiler = (*Local)(nil)
)

// NewPoolCompiler returns a client over pool. The tasks must have been
// registered, see [Register].
func NewPoolCompiler(pool Runner) *PoolCompiler {
	return &PoolCompiler{pool: pool}
}

// CompileBundle implements [Compiler].
func (c *PoolCompiler) CompileBundle(ctx context.Context, req BundleRequest) (BundleResult, error) {
	var res BundleResult
	if err := c.pool.Run(ctx, TaskScripts, MethodBundle, &res, req); err != nil {
		return BundleResult{}, fmt.Errorf("compiling scripts of %s: %w", req.Bundle, err)
	}
	return res, nil
}

// AssembleEngine implements [Compiler].
func (c *PoolCompiler) AssembleEngine(ctx context.Context, req EngineRequest) (EngineResult, error) {
	var res EngineResult
	if err := c.pool.Run(ctx, TaskEngine, MethodAssemble, &res, req); err != nil {
		return EngineResult{}, fmt.Errorf("assembling engine: %w", err)
	}
	return res, nil
}

// Register registers both compilation tasks with pool. exe is the apack
// binary; each task runs `exe worker <task>`.
func Register(pool *workerpool.Pool, exe string, env map[string]string) error {
	for _, task := range []string{TaskScripts, TaskEngine} {
		entry := workerpool.Entry{Path: exe, Args: []string{"worker", task}, Env: env}
		if err := pool.Register(task, entry); err != nil {
			return err
		}
	}
	return nil
}

// Handlers returns the worker-side handlers of task.
func Handlers(task string, l *Local) (map[string]workerpool.Handler, error) {
	switch task {
	case TaskScripts:
		return map[string]workerpool.Handler{
			MethodBundle: func(ctx context.Context, args workerpool.Args) (any, error) {
				var req BundleRequest
				if err := args.Decode(0, &req); err != nil {
					return nil, err
				}
				return l.CompileBundle(ctx, req)
			},
		}, nil
	case TaskEngine:
		return map[string]workerpool.Handler{
			MethodAssemble: func(ctx context.Context, args workerpool.Args) (any, error) {
				var req EngineRequest
				if err := args.Decode(0, &req); err != nil {
					return nil, err
				}
				return l.AssembleEngine(ctx, req)
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown worker task %q (want %s or %s)", task, TaskScripts, TaskEngine)
	}
}
