package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/steveyegge/assetpack/internal/bundle"
	"github.com/steveyegge/assetpack/internal/group"
)

// ErrConfig marks every configuration error. Test with errors.Is.
var ErrConfig = errors.New("invalid configuration")

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...)
}

// Validate checks p and reports every problem found.
func Validate(p *Project) error {
	var errs *multierror.Error
	add := func(err error) { errs = multierror.Append(errs, err) }

	if p.Project.Name == "" {
		add(configErrorf("project.name is required"))
	}
	if p.Build.Concurrency < 0 {
		add(configErrorf("build.concurrency must not be negative, got %d", p.Build.Concurrency))
	}
	if len(p.Build.Features) > 0 && p.Build.EngineDir == "" {
		add(configErrorf("build.features requires build.engine_dir"))
	}
	for key, v := range map[string]string{
		"hooks.timeout":       p.Hooks.Timeout,
		"worker.idle_timeout": p.Worker.IdleTimeout,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil {
			add(configErrorf("%s: %v", key, err))
		} else if d < 0 {
			add(configErrorf("%s must not be negative, got %s", key, v))
		}
	}

	names := make(map[string]bool, len(p.Bundles))
	roots := make(map[string]string, len(p.Bundles))
	for i, b := range p.Bundles {
		label := b.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
			add(configErrorf("bundle %s: name is required", label))
		}
		if strings.ContainsAny(b.Name, `/\`) {
			add(configErrorf("bundle %s: name contains a path separator", label))
		}
		if names[b.Name] && b.Name != "" {
			add(configErrorf("bundle %s: defined more than once", label))
		}
		names[b.Name] = true

		root := strings.TrimSuffix(b.Root, "/")
		switch {
		case b.Name == bundle.MainName && root != "":
			add(configErrorf("bundle %s: the main bundle has no root, got %q", label, b.Root))
		case b.Name != bundle.MainName && root == "":
			add(configErrorf("bundle %s: root is required", label))
		case root != "" && !strings.HasPrefix(root, "db://"):
			add(configErrorf("bundle %s: root %q is not a db:// url", label, b.Root))
		case root != "":
			if other, taken := roots[root]; taken {
				add(configErrorf("bundle %s: root %q already belongs to bundle %s", label, b.Root, other))
			}
			roots[root] = label
		}
		if _, err := group.ParseCompression(b.Compression); err != nil {
			add(configErrorf("bundle %s: %v", label, err))
		}
		if err := b.Filter.Validate(); err != nil {
			add(configErrorf("bundle %s: %v", label, err))
		}
	}
	return errs.ErrorOrNil()
}
