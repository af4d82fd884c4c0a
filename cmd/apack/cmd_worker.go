package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/steveyegge/assetpack/internal/fsys"
	"github.com/steveyegge/assetpack/internal/scripts"
	"github.com/steveyegge/assetpack/internal/workerpool"
)

// newWorkerCmd creates the hidden "apack worker <task>" subcommand. The
// worker pool spawns it and speaks the request protocol over stdin and
// stdout; stderr carries logrus text lines the pool re-logs.
func newWorkerCmd(stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:    "worker <task>",
		Short:  "Serve a compilation task over stdin/stdout",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if doWorker(args[0], os.Stdin, os.Stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
}

func doWorker(task string, in io.Reader, out, stderr io.Writer) int {
	log := logrus.New()
	log.SetOutput(stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	log.SetLevel(logrus.InfoLevel)
	if lvl, err := logrus.ParseLevel(os.Getenv("APACK_WORKER_LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	handlers, err := scripts.Handlers(task, &scripts.Local{FS: fsys.OSFS{}, Log: log.WithField("task", task)})
	if err != nil {
		fmt.Fprintf(stderr, "apack worker: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	// The pool terminates workers with SIGTERM; in-flight handlers see a
	// canceled context.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	if err := workerpool.Serve(ctx, in, out, handlers); err != nil {
		log.WithError(err).Error("worker stopped")
		return 1
	}
	return 0
}
